// Package scheduler triggers periodic check passes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-price-watch/internal/engine"
)

// DefaultInterval is the pass period when none is configured.
const DefaultInterval = 15 * time.Minute

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Runner runs one check pass.
type Runner interface {
	RunPass(ctx context.Context, trigger string) engine.PassSummary
}

// Config controls pass timing.
type Config struct {
	// Interval between pass starts. Ignored when Cron is set.
	Interval time.Duration
	// Cron is an optional 5-field cron expression.
	Cron string
	// SkipInitialRun disables the pass fired immediately on Start.
	SkipInitialRun bool
}

// Scheduler fires passes on a fixed schedule. A pass that is still running when the next
// firing is due causes that firing to be skipped, so passes never overlap.
type Scheduler struct {
	cron     *cron.Cron
	job      cron.Job
	schedule cron.Schedule
	cfg      Config
	logger   *zap.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

// New builds a Scheduler for runner.
func New(runner Runner, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schedule, err := buildSchedule(cfg)
	if err != nil {
		return nil, err
	}

	cronLog := zapCronLogger{sugar: logger.Sugar()}
	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      cron.New(cron.WithLogger(cronLog)),
		schedule:  schedule,
		cfg:       cfg,
		logger:    logger,
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	s.job = cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(func() {
		runner.RunPass(s.runCtx, engine.TriggerScheduled)
	}))
	return s, nil
}

func buildSchedule(cfg Config) (cron.Schedule, error) {
	if cfg.Cron != "" {
		sched, err := cronParser.Parse(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse cron %q: %w", cfg.Cron, err)
		}
		return sched, nil
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < time.Second {
		return nil, fmt.Errorf("scheduler: interval must be at least 1s, got %s", interval)
	}
	return cron.Every(interval), nil
}

// Start begins scheduling and, unless disabled, fires the first pass right away in the
// background. Calling Start more than once has no further effect.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.cron.Schedule(s.schedule, s.job)
		if !s.cfg.SkipInitialRun {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.job.Run()
			}()
		}
		s.cron.Start()
		s.logger.Info("scheduler started",
			zap.Duration("interval", s.cfg.Interval),
			zap.String("cron", s.cfg.Cron),
			zap.Time("next_run", s.schedule.Next(time.Now())),
		)
	})
}

// Stop halts scheduling and waits for a running pass to finish. If ctx ends first the
// running pass is canceled and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	allDone := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(allDone)
	}()

	defer s.runCancel()
	select {
	case <-allDone:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out; canceling running pass")
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// zapCronLogger adapts zap to cron.Logger. Cron's info messages fire on every wake-up, so
// they go to debug.
type zapCronLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
