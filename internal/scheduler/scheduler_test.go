package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-price-watch/internal/engine"
)

func TestStartRunsFirstPassImmediately(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{}
	s, err := New(runner, Config{Interval: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, 1, runner.count())
	require.Equal(t, engine.TriggerScheduled, runner.lastTrigger())
}

func TestPassesRepeatOnInterval(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{}
	s, err := New(runner, Config{Interval: time.Second}, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return runner.count() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestSkipInitialRun(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{}
	s, err := New(runner, Config{Interval: time.Hour, SkipInitialRun: true}, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	require.Zero(t, runner.count())
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	release := make(chan struct{})
	runner := &countingRunner{block: release}
	s, err := New(runner, Config{Interval: time.Second}, zap.New(core))
	require.NoError(t, err)
	s.Start()

	// The initial pass blocks past the first tick, which must be skipped.
	require.Eventually(t, func() bool {
		return logs.FilterMessage("skip").Len() > 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, runner.count())

	close(release)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStopCancelsRunningPassOnTimeout(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{waitForCancel: true}
	s, err := New(runner, Config{Interval: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, runner.canceled.Load, time.Second, 5*time.Millisecond)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, nil)
	require.Error(t, err)
	_, err = New(&countingRunner{}, Config{Interval: time.Millisecond}, nil)
	require.Error(t, err)
	_, err = New(&countingRunner{}, Config{Cron: "not a cron"}, nil)
	require.Error(t, err)

	s, err := New(&countingRunner{}, Config{Cron: "*/15 * * * *"}, nil)
	require.NoError(t, err)
	next := s.schedule.Next(time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC))
	require.Equal(t, time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC), next)

	s, err = New(&countingRunner{}, Config{}, nil)
	require.NoError(t, err)
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.Equal(t, start.Add(DefaultInterval), s.schedule.Next(start))
}

func TestZapCronLoggerError(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	l := zapCronLogger{sugar: zap.New(core).Sugar()}
	l.Error(errors.New("boom"), "panic", "job", "pass")
	entries := logs.FilterMessage("panic").All()
	require.Len(t, entries, 1)
	require.Equal(t, "boom", entries[0].ContextMap()["error"])
}

type countingRunner struct {
	mu            sync.Mutex
	n             int
	trigger       string
	block         chan struct{}
	waitForCancel bool
	canceled      atomic.Bool
}

func (r *countingRunner) RunPass(ctx context.Context, trigger string) engine.PassSummary {
	r.mu.Lock()
	r.n++
	r.trigger = trigger
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	if r.waitForCancel {
		<-ctx.Done()
		r.canceled.Store(true)
	}
	return engine.PassSummary{Trigger: trigger}
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *countingRunner) lastTrigger() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trigger
}
