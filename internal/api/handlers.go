package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-price-watch/internal/engine"
	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

const maxBodyBytes = 1 << 20

// requestError is a client error whose text is returned to the caller verbatim.
type requestError string

func (e requestError) Error() string { return string(e) }

const (
	errMissingFields  requestError = "Missing url, target_price or email"
	errNonNumeric     requestError = "target_price must be numeric"
	errNonPositive    requestError = "target_price must be greater than zero"
	errUnreadableBody requestError = "invalid request body"
)

type trackRequest struct {
	URL         string
	TargetPrice string
	Email       string
}

type trackResponse struct {
	OK           bool         `json:"ok"`
	ID           string       `json:"id"`
	Emailed      bool         `json:"emailed"`
	CurrentPrice *json.Number `json:"current_price"`
}

type trackerView struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	TargetPrice json.Number `json:"target_price"`
	Email       string      `json:"email"`
}

type statusResponse struct {
	OK       bool          `json:"ok"`
	Trackers []trackerView `json:"trackers"`
}

type checkResponse struct {
	OK         bool           `json:"ok"`
	Evaluated  int            `json:"evaluated"`
	Pending    int            `json:"pending"`
	Outcomes   map[string]int `json:"outcomes"`
	DurationMS int64          `json:"duration_ms"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (s *Server) track(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTrackRequest(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := parseTarget(req.TargetPrice)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.service.CreateTracker(r.Context(), req.URL, target, req.Email)
	if err != nil {
		if errors.Is(err, tracker.ErrMissingField) {
			s.writeError(w, http.StatusBadRequest, errMissingFields.Error())
			return
		}
		s.logger.Error("create tracker failed", zap.String("url", req.URL), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create tracker")
		return
	}

	resp := trackResponse{OK: true, ID: res.ID, Emailed: res.Emailed}
	if res.CurrentPrice != nil {
		n := json.Number(res.CurrentPrice.String())
		resp.CurrentPrice = &n
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	trackers, err := s.service.ListTrackers(r.Context())
	if err != nil {
		s.logger.Error("list trackers failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list trackers")
		return
	}
	views := make([]trackerView, 0, len(trackers))
	for _, t := range trackers {
		views = append(views, trackerView{
			ID:          t.ID,
			URL:         t.URL,
			TargetPrice: json.Number(t.TargetPrice.String()),
			Email:       t.Email,
		})
	}
	s.writeJSON(w, http.StatusOK, statusResponse{OK: true, Trackers: views})
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	summary := s.service.RunPass(r.Context(), engine.TriggerManual)
	if summary.Err != nil {
		s.logger.Error("manual check pass failed", zap.Error(summary.Err))
		s.writeError(w, http.StatusInternalServerError, "check pass failed")
		return
	}
	outcomes := make(map[string]int, len(summary.Outcomes))
	for outcome, n := range summary.Outcomes {
		outcomes[string(outcome)] = n
	}
	s.writeJSON(w, http.StatusOK, checkResponse{
		OK:         true,
		Evaluated:  summary.Evaluated,
		Pending:    summary.Pending(),
		Outcomes:   outcomes,
		DurationMS: summary.Duration.Milliseconds(),
	})
}

// decodeTrackRequest accepts a JSON object or form fields. "target" is an alias of
// "target_price".
func decodeTrackRequest(w http.ResponseWriter, r *http.Request) (trackRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req trackRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var raw map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return trackRequest{}, errUnreadableBody
		}
		req.URL = stringField(raw["url"])
		req.TargetPrice = stringField(raw["target_price"])
		if req.TargetPrice == "" {
			req.TargetPrice = stringField(raw["target"])
		}
		req.Email = stringField(raw["email"])
	} else {
		if err := r.ParseForm(); err != nil {
			return trackRequest{}, errUnreadableBody
		}
		req.URL = r.PostForm.Get("url")
		req.TargetPrice = r.PostForm.Get("target_price")
		if req.TargetPrice == "" {
			req.TargetPrice = r.PostForm.Get("target")
		}
		req.Email = r.PostForm.Get("email")
	}
	req.URL = strings.TrimSpace(req.URL)
	req.TargetPrice = strings.TrimSpace(req.TargetPrice)
	req.Email = strings.TrimSpace(req.Email)
	if req.URL == "" || req.TargetPrice == "" || req.Email == "" {
		return trackRequest{}, errMissingFields
	}
	return req, nil
}

func parseTarget(raw string) (decimal.Decimal, error) {
	target, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errNonNumeric
	}
	if !target.IsPositive() {
		return decimal.Decimal{}, errNonPositive
	}
	return target, nil
}

func stringField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
