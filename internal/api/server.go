package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-price-watch/internal/engine"
	"github.com/JakeFAU/realtime-price-watch/internal/metrics"
	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

const defaultRequestTimeout = 90 * time.Second

// Service is the tracker functionality the API exposes.
type Service interface {
	CreateTracker(ctx context.Context, url string, target decimal.Decimal, email string) (engine.CreateResult, error)
	ListTrackers(ctx context.Context) ([]tracker.Tracker, error)
	RunPass(ctx context.Context, trigger string) engine.PassSummary
}

// Config controls server behavior.
type Config struct {
	// RequestTimeout bounds each request. Creating a tracker fetches its page synchronously,
	// so this must exceed the fetch timeout.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router  chi.Router
	service Service
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service Service, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		service: service,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/track", s.track)
	r.Get("/status", s.status)
	r.Post("/check", s.check)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{OK: false, Error: msg})
}
