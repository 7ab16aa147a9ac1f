// Package app wires configuration into long-lived services and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-price-watch/internal/api"
	"github.com/JakeFAU/realtime-price-watch/internal/clock/system"
	"github.com/JakeFAU/realtime-price-watch/internal/config"
	"github.com/JakeFAU/realtime-price-watch/internal/engine"
	"github.com/JakeFAU/realtime-price-watch/internal/fetcher/headless"
	"github.com/JakeFAU/realtime-price-watch/internal/fetcher/static"
	"github.com/JakeFAU/realtime-price-watch/internal/id/uuid"
	"github.com/JakeFAU/realtime-price-watch/internal/notifier"
	memorytransport "github.com/JakeFAU/realtime-price-watch/internal/notifier/memory"
	smtptransport "github.com/JakeFAU/realtime-price-watch/internal/notifier/smtp"
	"github.com/JakeFAU/realtime-price-watch/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/realtime-price-watch/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-price-watch/internal/resolver"
	"github.com/JakeFAU/realtime-price-watch/internal/scheduler"
	"github.com/JakeFAU/realtime-price-watch/internal/storage/filestore"
	gcsmedium "github.com/JakeFAU/realtime-price-watch/internal/storage/gcs"
	localmedium "github.com/JakeFAU/realtime-price-watch/internal/storage/local"
	memorymedium "github.com/JakeFAU/realtime-price-watch/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-price-watch/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/realtime-price-watch/internal/storage/sqlite"
	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

// App holds the engine and everything that must be closed on shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	engine    *engine.Engine
	apiServer *api.Server

	gcsClient    *storage.Client
	pgStore      *pgstore.Store
	sqliteStore  *sqlitestore.Store
	browser      *headless.Fetcher
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("fetcher_mode", cfg.Fetcher.Mode),
		zap.Bool("scheduler_enabled", cfg.Scheduler.Enabled),
	)

	ok := false
	defer func() {
		if !ok {
			a.closeInfrastructure()
		}
	}()

	store, err := a.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := a.setupPages()
	if err != nil {
		return nil, err
	}
	priceResolver, err := resolver.New(pages, resolverConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("resolver init failed: %w", err)
	}
	alerts, err := a.setupNotifier()
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	a.engine, err = engine.New(
		store,
		priceResolver,
		alerts,
		publisher,
		system.New(),
		engine.Config{
			MaxNotifyAttempts: cfg.Engine.MaxNotifyAttempts,
			SingleFlight:      cfg.Engine.SingleFlight,
		},
		logger.Named("engine"),
	)
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	a.apiServer = api.NewServer(a.engine, api.Config{
		RequestTimeout: cfg.Server.RequestTimeout(),
	}, logger.Named("api"))

	ok = true
	return a, nil
}

// Engine exposes the tracker engine for one-shot commands.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// RunPass evaluates every tracker once.
func (a *App) RunPass(ctx context.Context, trigger string) engine.PassSummary {
	return a.engine.RunPass(ctx, trigger)
}

// ListTrackers returns the pending trackers.
func (a *App) ListTrackers(ctx context.Context) ([]tracker.Tracker, error) {
	return a.engine.ListTrackers(ctx)
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run listens on the configured port and serves until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and, when enabled, the pass scheduler. It returns after
// ctx is canceled and both have shut down, or when the server fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var sched *scheduler.Scheduler
	if a.cfg.Scheduler.Enabled {
		var err error
		sched, err = scheduler.New(a.engine, scheduler.Config{
			Interval:       a.cfg.Scheduler.Interval(),
			Cron:           a.cfg.Scheduler.Cron,
			SkipInitialRun: a.cfg.Scheduler.SkipInitialRun,
		}, a.logger.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
		sched.Start()
	} else {
		a.logger.Info("scheduler disabled; passes run only on demand")
	}

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
			return
		}
		serveErr <- nil
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := <-serveErr; err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases clients and flushes the logger.
func (a *App) Close() {
	a.closeInfrastructure()
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.sqliteStore != nil {
		if err := a.sqliteStore.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout(); d > 0 {
		return d
	}
	return 10 * time.Second
}

func (a *App) setupStore(ctx context.Context) (tracker.Store, error) {
	ids := uuid.New()
	storeLog := a.logger.Named("store")
	switch a.cfg.Storage.Backend {
	case config.BackendLocal:
		medium, err := localmedium.New(localmedium.Config{BaseDir: a.cfg.Storage.Local.Dir})
		if err != nil {
			return nil, fmt.Errorf("local store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("dir", medium.Dir()))
		return filestore.New(medium, ids, storeLog), nil
	case config.BackendMemory:
		a.logger.Warn("using in-memory storage backend; trackers are lost on exit")
		return filestore.New(memorymedium.NewMedium(), ids, storeLog), nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		medium, err := gcsmedium.New(client, gcsmedium.Config{
			Bucket: a.cfg.Storage.GCS.Bucket,
			Prefix: a.cfg.Storage.GCS.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return filestore.New(medium, ids, storeLog), nil
	case config.BackendPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      a.cfg.Storage.Postgres.DSN,
			Table:    a.cfg.Storage.Postgres.Table,
			MaxConns: a.cfg.Storage.Postgres.MaxConns,
		}, ids, storeLog)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pgStore = store
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("using postgres storage backend", zap.String("table", a.cfg.Storage.Postgres.Table))
		return store, nil
	case config.BackendSQLite:
		store, err := sqlitestore.Open(a.cfg.Storage.SQLite.Path, ids, storeLog)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.sqliteStore = store
		a.logger.Info("using sqlite storage backend", zap.String("path", a.cfg.Storage.SQLite.Path))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) setupPages() (tracker.PageProvider, error) {
	fc := a.cfg.Fetcher
	var pages tracker.PageProvider
	switch fc.Mode {
	case config.FetcherStatic:
		pages = static.New(static.Config{
			UserAgent:     fc.UserAgent,
			RespectRobots: fc.RespectRobots,
			Timeout:       fc.NavigationTimeout(),
		})
		a.logger.Info("using static page fetcher", zap.String("user_agent", fc.UserAgent))
	default:
		browser, err := headless.NewChromedp(headless.Config{
			MaxParallel:       fc.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: fc.NavigationTimeout(),
			SettleDelay:       fc.SettleDelay(),
			NoSandbox:         fc.NoSandbox,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.browser = browser
		pages = browser
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", fc.MaxParallel))
	}
	if fc.RateLimitRPS <= 0 {
		return pages, nil
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   fc.RateLimitRPS,
		DefaultBurst: fc.RateLimitBurst,
	})
	return limiter.Wrap(pages), nil
}

func (a *App) setupNotifier() (*notifier.Notifier, error) {
	sc := a.cfg.SMTP
	var transport notifier.Transport
	if sc.DryRun {
		a.logger.Warn("smtp dry run enabled; alerts are recorded in memory only")
		transport = memorytransport.New()
	} else {
		t, err := smtptransport.New(smtptransport.Config{
			Host:     sc.Host,
			Port:     sc.Port,
			Username: sc.Username,
			Password: sc.Password,
			From:     sc.From,
			Timeout:  sc.Timeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("smtp transport init failed: %w", err)
		}
		if !t.Configured() {
			a.logger.Warn("mail credentials missing; matched trackers stay pending until they are set")
		}
		transport = t
	}
	alerts, err := notifier.New(transport, a.logger.Named("notifier"))
	if err != nil {
		return nil, fmt.Errorf("notifier init failed: %w", err)
	}
	return alerts, nil
}

func (a *App) setupPublisher(ctx context.Context) (tracker.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Debug("pubsub disabled; lifecycle events are not published")
		return nil, nil
	}
	publisher, client, err := gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func resolverConfig(cfg config.Config) resolver.Config {
	rc := resolver.Config{FetchTimeout: cfg.Engine.FetchTimeout()}
	for i, sel := range cfg.Resolver.Selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		rc.Strategies = append(rc.Strategies, resolver.Strategy{
			Name:     fmt.Sprintf("configured_%d", i),
			Selector: sel,
		})
	}
	if fb := strings.TrimSpace(cfg.Resolver.Fallback); fb != "" {
		rc.Fallback = &resolver.Strategy{Name: "configured_fallback", Selector: fb}
	}
	return rc
}
