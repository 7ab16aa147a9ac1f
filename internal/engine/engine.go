// Package engine runs price checks over persisted trackers.
//
// A tracker is evaluated by resolving the current price of its page and comparing it to the
// target. When the price is at or below target the owner is notified, and only after the
// notification succeeds is the tracker deleted. Every other outcome leaves the tracker in
// place to be evaluated again on the next pass.
//
// Two evaluations of the same tracker may overlap, for example the immediate check after
// creation and a scheduled pass. Both may then notify before either deletes. Config.SingleFlight
// collapses overlapping evaluations within one process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/realtime-price-watch/internal/metrics"
	"github.com/JakeFAU/realtime-price-watch/internal/notifier"
	"github.com/JakeFAU/realtime-price-watch/internal/resolver"
	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

// RetiredEvent is the event name published after a tracker is retired.
const RetiredEvent = "tracker.retired"

// retireTimeout bounds the delete and publish that follow a delivered alert.
const retireTimeout = 30 * time.Second

// Pass triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Outcome classifies one evaluation.
type Outcome string

// Evaluation outcomes. Only OutcomeRetired ends a tracker.
const (
	OutcomeInvalid          Outcome = "invalid"
	OutcomeFetchFailed      Outcome = "fetch_failed"
	OutcomePriceNotFound    Outcome = "price_not_found"
	OutcomeAboveTarget      Outcome = "above_target"
	OutcomeNotifyFailed     Outcome = "notify_failed"
	OutcomeNotifySuppressed Outcome = "notify_suppressed"
	OutcomeRetired          Outcome = "retired"
)

// PriceResolver resolves the current price of a product page.
type PriceResolver interface {
	Resolve(ctx context.Context, url string) resolver.Result
}

// Notifier delivers one price alert and reports success.
type Notifier interface {
	Notify(ctx context.Context, alert notifier.Alert) bool
}

// Config tunes the engine.
type Config struct {
	// MaxNotifyAttempts stops notifying a tracker after this many failed deliveries in the
	// current process. Zero means no limit. Suppressed trackers are never deleted.
	MaxNotifyAttempts int
	// SingleFlight collapses concurrent evaluations of the same tracker id.
	SingleFlight bool
}

// Evaluation reports what happened to one tracker.
type Evaluation struct {
	TrackerID string
	Outcome   Outcome
	// CurrentPrice is nil when no price was resolved.
	CurrentPrice *decimal.Decimal
	State        tracker.State
	Err          error
}

// Emailed reports whether an alert was delivered during the evaluation.
func (e Evaluation) Emailed() bool {
	return e.Outcome == OutcomeRetired
}

// PassSummary aggregates one pass.
type PassSummary struct {
	Trigger   string
	StartedAt time.Time
	Duration  time.Duration
	// Listed is the number of trackers found at the start of the pass.
	Listed    int
	Evaluated int
	// Removed counts retirements whose record was actually deleted.
	Removed  int
	Outcomes map[Outcome]int
	// Err is set when the pass could not list trackers at all.
	Err error
}

// Pending is the number of trackers still on record after the pass. Entries skipped by an
// interrupted pass and retirements whose delete failed both count.
func (s PassSummary) Pending() int {
	return s.Listed - s.Removed
}

// CreateResult is returned by CreateTracker.
type CreateResult struct {
	ID           string
	Emailed      bool
	CurrentPrice *decimal.Decimal
}

// RetiredPayload is the body of a RetiredEvent.
type RetiredPayload struct {
	TrackerID    string          `json:"tracker_id"`
	URL          string          `json:"url"`
	Email        string          `json:"email"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	TargetPrice  decimal.Decimal `json:"target_price"`
	RetiredAt    time.Time       `json:"retired_at"`
}

// Engine evaluates trackers.
type Engine struct {
	store     tracker.Store
	resolver  PriceResolver
	notifier  Notifier
	publisher tracker.Publisher
	clock     tracker.Clock
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	failures map[string]int
	flights  singleflight.Group
}

// New constructs an Engine. The publisher is optional.
func New(
	store tracker.Store,
	priceResolver PriceResolver,
	alerts Notifier,
	publisher tracker.Publisher,
	clock tracker.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Engine, error) {
	switch {
	case store == nil:
		return nil, errors.New("engine: store is required")
	case priceResolver == nil:
		return nil, errors.New("engine: resolver is required")
	case alerts == nil:
		return nil, errors.New("engine: notifier is required")
	case clock == nil:
		return nil, errors.New("engine: clock is required")
	}
	if cfg.MaxNotifyAttempts < 0 {
		return nil, fmt.Errorf("engine: max notify attempts must be >= 0, got %d", cfg.MaxNotifyAttempts)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		resolver:  priceResolver,
		notifier:  alerts,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		failures:  make(map[string]int),
	}, nil
}

// RunPass evaluates every persisted tracker once, sequentially. One tracker's failure never
// stops the pass; cancellation of ctx does.
func (e *Engine) RunPass(ctx context.Context, trigger string) PassSummary {
	summary := PassSummary{
		Trigger:   trigger,
		StartedAt: e.clock.Now(),
		Outcomes:  make(map[Outcome]int),
	}
	start := time.Now()
	entries, err := e.store.ListAll(ctx)
	if err != nil {
		summary.Err = fmt.Errorf("list trackers: %w", err)
		summary.Duration = time.Since(start)
		e.logger.Error("check pass aborted", zap.String("trigger", trigger), zap.Error(err))
		return summary
	}

	summary.Listed = len(entries)
	for _, entry := range entries {
		if ctx.Err() != nil {
			e.logger.Warn("check pass interrupted",
				zap.String("trigger", trigger),
				zap.Int("evaluated", summary.Evaluated),
				zap.Int("total", len(entries)),
			)
			break
		}
		eval := e.Evaluate(ctx, entry)
		summary.Evaluated++
		summary.Outcomes[eval.Outcome]++
		if eval.Outcome == OutcomeRetired && eval.Err == nil {
			summary.Removed++
		}
	}

	summary.Duration = time.Since(start)
	metrics.ObservePass(trigger, summary.Pending(), summary.Duration)
	e.logger.Info("check pass complete",
		zap.String("trigger", trigger),
		zap.Int("evaluated", summary.Evaluated),
		zap.Int("retired", summary.Outcomes[OutcomeRetired]),
		zap.Int("pending", summary.Pending()),
		zap.Duration("duration", summary.Duration),
	)
	return summary
}

// Evaluate checks a single tracker and retires it when its alert is delivered.
func (e *Engine) Evaluate(ctx context.Context, entry tracker.Entry) Evaluation {
	if !e.cfg.SingleFlight || entry.Tracker.ID == "" {
		return e.evaluateSafely(ctx, entry)
	}
	v, _, _ := e.flights.Do(entry.Tracker.ID, func() (any, error) {
		return e.evaluateSafely(ctx, entry), nil
	})
	return v.(Evaluation)
}

func (e *Engine) evaluateSafely(ctx context.Context, entry tracker.Entry) (eval Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			eval = Evaluation{
				TrackerID: entry.Tracker.ID,
				Outcome:   OutcomeFetchFailed,
				State:     tracker.StatePending,
				Err:       fmt.Errorf("evaluation panicked: %v", r),
			}
			e.logger.Error("tracker evaluation panicked",
				zap.String("tracker_id", entry.Tracker.ID),
				zap.String("url", entry.Tracker.URL),
				zap.Any("panic", r),
			)
		}
		metrics.ObserveEvaluation(string(eval.Outcome))
	}()
	return e.evaluate(ctx, entry)
}

func (e *Engine) evaluate(ctx context.Context, entry tracker.Entry) Evaluation {
	t := entry.Tracker
	eval := Evaluation{TrackerID: t.ID, State: tracker.StatePending}
	log := e.logger.With(zap.String("tracker_id", t.ID), zap.String("url", t.URL))

	if err := t.Validate(); err != nil {
		eval.Outcome = OutcomeInvalid
		eval.Err = err
		log.Warn("skipping invalid tracker", zap.Error(err))
		return eval
	}

	res := e.resolver.Resolve(ctx, t.URL)
	switch res.Status {
	case resolver.StatusFailed:
		eval.Outcome = OutcomeFetchFailed
		eval.Err = res.Err
		log.Warn("price fetch failed", zap.Error(res.Err))
		return eval
	case resolver.StatusNotFound:
		eval.Outcome = OutcomePriceNotFound
		log.Info("price not found", zap.String("matched_text", res.Text))
		return eval
	}

	current := res.Price
	eval.CurrentPrice = &current
	log = log.With(zap.Stringer("current_price", current), zap.Stringer("target_price", t.TargetPrice))

	if current.GreaterThan(t.TargetPrice) {
		eval.Outcome = OutcomeAboveTarget
		log.Debug("price above target")
		return eval
	}

	if e.suppressed(t.ID) {
		eval.Outcome = OutcomeNotifySuppressed
		log.Warn("notification suppressed after repeated failures",
			zap.Int("max_notify_attempts", e.cfg.MaxNotifyAttempts))
		return eval
	}

	alert := notifier.Alert{
		Recipient:    t.Email,
		URL:          t.URL,
		CurrentPrice: current,
		TargetPrice:  t.TargetPrice,
	}
	if !e.notifier.Notify(ctx, alert) {
		e.recordFailure(t.ID)
		eval.Outcome = OutcomeNotifyFailed
		log.Warn("notification failed; tracker stays pending")
		return eval
	}

	e.clearFailures(t.ID)
	eval.Outcome = OutcomeRetired
	eval.State = tracker.StateRetired

	// The alert is out. Cancellation of the caller (request timeout, client disconnect,
	// scheduler stop) must not leave the record behind to be alerted again.
	retireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), retireTimeout)
	defer cancel()
	if err := e.store.Delete(retireCtx, entry.Handle); err != nil {
		// The alert went out; a failed delete means the next pass may send it again.
		eval.Err = err
		log.Error("delete failed after notification", zap.Error(err))
	} else {
		log.Info("tracker retired")
	}
	e.publishRetired(retireCtx, t, current)
	return eval
}

func (e *Engine) publishRetired(ctx context.Context, t tracker.Tracker, current decimal.Decimal) {
	if e.publisher == nil {
		return
	}
	payload := RetiredPayload{
		TrackerID:    t.ID,
		URL:          t.URL,
		Email:        t.Email,
		CurrentPrice: current,
		TargetPrice:  t.TargetPrice,
		RetiredAt:    e.clock.Now(),
	}
	if _, err := e.publisher.Publish(ctx, RetiredEvent, payload); err != nil {
		e.logger.Warn("publish retired event failed", zap.String("tracker_id", t.ID), zap.Error(err))
	}
}

func (e *Engine) suppressed(id string) bool {
	if e.cfg.MaxNotifyAttempts == 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[id] >= e.cfg.MaxNotifyAttempts
}

func (e *Engine) recordFailure(id string) {
	if e.cfg.MaxNotifyAttempts == 0 {
		return
	}
	e.mu.Lock()
	e.failures[id]++
	e.mu.Unlock()
}

func (e *Engine) clearFailures(id string) {
	e.mu.Lock()
	delete(e.failures, id)
	e.mu.Unlock()
}

// CreateTracker persists a new tracker and evaluates it immediately. The tracker is durable
// before evaluation starts, so a failed evaluation never loses it.
func (e *Engine) CreateTracker(ctx context.Context, url string, target decimal.Decimal, email string) (CreateResult, error) {
	draft := tracker.Draft{
		URL:         strings.TrimSpace(url),
		TargetPrice: target,
		Email:       strings.TrimSpace(email),
		CreatedAt:   e.clock.Now(),
	}
	if err := draft.Validate(); err != nil {
		return CreateResult{}, fmt.Errorf("invalid tracker: %w", err)
	}
	entry, err := e.store.Create(ctx, draft)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create tracker: %w", err)
	}
	e.logger.Info("tracker created",
		zap.String("tracker_id", entry.Tracker.ID),
		zap.String("url", entry.Tracker.URL),
		zap.Stringer("target_price", entry.Tracker.TargetPrice),
	)
	eval := e.Evaluate(ctx, entry)
	return CreateResult{
		ID:           entry.Tracker.ID,
		Emailed:      eval.Emailed(),
		CurrentPrice: eval.CurrentPrice,
	}, nil
}

// ListTrackers returns every pending tracker, oldest first.
func (e *Engine) ListTrackers(ctx context.Context) ([]tracker.Tracker, error) {
	entries, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	out := make([]tracker.Tracker, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Tracker)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
