package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-price-watch/internal/notifier"
	mailmemory "github.com/JakeFAU/realtime-price-watch/internal/notifier/memory"
	pubmemory "github.com/JakeFAU/realtime-price-watch/internal/publisher/memory"
	"github.com/JakeFAU/realtime-price-watch/internal/resolver"
	"github.com/JakeFAU/realtime-price-watch/internal/storage/filestore"
	"github.com/JakeFAU/realtime-price-watch/internal/storage/memory"
	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

const productURL = "https://shop.example.com/p/1"

type harness struct {
	engine    *Engine
	store     *filestore.Store
	medium    *memory.Medium
	prices    *scriptedResolver
	mail      *mailmemory.Transport
	publisher *pubmemory.Publisher
}

func newHarness(t *testing.T, cfg Config, mail *mailmemory.Transport) *harness {
	t.Helper()
	medium := memory.NewMedium()
	store := filestore.New(medium, &seqIDs{}, zap.NewNop())
	prices := &scriptedResolver{}
	alerts, err := notifier.New(mail, zap.NewNop())
	require.NoError(t, err)
	pub := pubmemory.New()
	eng, err := New(store, prices, alerts, pub, fixedClock{}, cfg, zap.NewNop())
	require.NoError(t, err)
	return &harness{engine: eng, store: store, medium: medium, prices: prices, mail: mail, publisher: pub}
}

func TestCreateThenRetireScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, mailmemory.New())
	h.prices.set(productURL, found("600"))

	created, err := h.engine.CreateTracker(ctx, productURL, decimal.NewFromInt(500), "buyer@example.com")
	require.NoError(t, err)
	require.False(t, created.Emailed)
	require.NotNil(t, created.CurrentPrice)
	require.True(t, decimal.NewFromInt(600).Equal(*created.CurrentPrice))

	list, err := h.engine.ListTrackers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, created.ID, list[0].ID)
	require.Empty(t, h.mail.Sent())

	h.prices.set(productURL, found("450"))
	summary := h.engine.RunPass(ctx, TriggerScheduled)
	require.NoError(t, summary.Err)
	require.Equal(t, 1, summary.Outcomes[OutcomeRetired])
	require.Zero(t, summary.Pending())
	require.Len(t, h.mail.Sent(), 1)
	require.Contains(t, h.mail.Sent()[0].Body, "₹450.00")

	list, err = h.engine.ListTrackers(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	summary = h.engine.RunPass(ctx, TriggerScheduled)
	require.Zero(t, summary.Evaluated)
	require.Len(t, h.mail.Sent(), 1, "no further email after retirement")

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, RetiredEvent, msgs[0].Topic)
	payload, ok := msgs[0].Payload.(RetiredPayload)
	require.True(t, ok)
	require.Equal(t, created.ID, payload.TrackerID)
}

func TestCreateAlreadyBelowTargetRetiresImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, mailmemory.New())
	h.prices.set(productURL, found("500"))

	created, err := h.engine.CreateTracker(ctx, productURL, decimal.NewFromInt(500), "buyer@example.com")
	require.NoError(t, err)
	require.True(t, created.Emailed, "equal to target qualifies")

	list, err := h.engine.ListTrackers(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, mailmemory.New())
	_, err := h.engine.CreateTracker(context.Background(), " ", decimal.NewFromInt(5), "a@b")
	require.ErrorIs(t, err, tracker.ErrMissingField)
	_, err = h.engine.CreateTracker(context.Background(), productURL, decimal.Zero, "a@b")
	require.Error(t, err)
	require.Zero(t, h.prices.calls(productURL))
}

func TestUnresolvedPricesRetryEveryPass(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, mailmemory.New())
	seed(t, h, productURL)

	h.prices.set(productURL, resolver.Result{Status: resolver.StatusFailed, Err: errors.New("timeout")})
	s := h.engine.RunPass(ctx, TriggerScheduled)
	require.Equal(t, 1, s.Outcomes[OutcomeFetchFailed])

	h.prices.set(productURL, resolver.Result{Status: resolver.StatusNotFound})
	s = h.engine.RunPass(ctx, TriggerScheduled)
	require.Equal(t, 1, s.Outcomes[OutcomePriceNotFound])

	h.prices.set(productURL, found("501"))
	s = h.engine.RunPass(ctx, TriggerScheduled)
	require.Equal(t, 1, s.Outcomes[OutcomeAboveTarget])

	require.Equal(t, 3, h.prices.calls(productURL))
	require.Empty(t, h.mail.Sent())
	requirePending(t, h, 1)
}

func TestCredentialAbsentKeepsTrackerPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mail := mailmemory.NewUnconfigured()
	h := newHarness(t, Config{}, mail)
	seed(t, h, productURL)
	h.prices.set(productURL, found("100"))

	s := h.engine.RunPass(ctx, TriggerScheduled)
	require.Equal(t, 1, s.Outcomes[OutcomeNotifyFailed])
	require.Zero(t, mail.Attempts(), "no delivery attempt without credentials")
	requirePending(t, h, 1)
	require.Empty(t, h.publisher.Messages())
}

func TestNotifyFailureRetriedUntilSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mail := mailmemory.New()
	mail.FailWith(errors.New("connection reset"))
	h := newHarness(t, Config{}, mail)
	seed(t, h, productURL)
	h.prices.set(productURL, found("100"))

	for i := 0; i < 3; i++ {
		s := h.engine.RunPass(ctx, TriggerScheduled)
		require.Equal(t, 1, s.Outcomes[OutcomeNotifyFailed])
	}
	require.Equal(t, 3, mail.Attempts())
	requirePending(t, h, 1)

	mail.FailWith(nil)
	s := h.engine.RunPass(ctx, TriggerScheduled)
	require.Equal(t, 1, s.Outcomes[OutcomeRetired])
	requirePending(t, h, 0)
}

func TestMaxNotifyAttemptsSuppressesWithoutDeleting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mail := mailmemory.New()
	mail.FailWith(errors.New("535 auth"))
	h := newHarness(t, Config{MaxNotifyAttempts: 2}, mail)
	seed(t, h, productURL)
	h.prices.set(productURL, found("100"))

	h.engine.RunPass(ctx, TriggerScheduled)
	h.engine.RunPass(ctx, TriggerScheduled)
	s := h.engine.RunPass(ctx, TriggerScheduled)
	require.Equal(t, 1, s.Outcomes[OutcomeNotifySuppressed])
	require.Equal(t, 2, mail.Attempts())
	requirePending(t, h, 1)
}

func TestInvalidRecordSkippedAndKept(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, mailmemory.New())
	h.medium.Put("bad.json", []byte(`{"url":"`+productURL+`","target_price":500}`))
	h.prices.set(productURL, found("1"))

	s := h.engine.RunPass(ctx, TriggerScheduled)
	require.Zero(t, s.Evaluated)
	require.Zero(t, h.prices.calls(productURL))

	_, err := h.medium.Read(ctx, "bad.json")
	require.NoError(t, err, "invalid record left in place")

	// Entries handed in directly are validated again.
	eval := h.engine.Evaluate(ctx, tracker.Entry{
		Handle:  "bad.json",
		Tracker: tracker.Tracker{ID: "bad", URL: productURL, TargetPrice: decimal.NewFromInt(500)},
	})
	require.Equal(t, OutcomeInvalid, eval.Outcome)
	require.Empty(t, h.mail.Sent())
}

func TestOneTrackerFailureDoesNotAbortPass(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, mailmemory.New())
	seed(t, h, "https://panic.example.com")
	seed(t, h, "https://shop.example.com/ok")
	h.prices.set("https://shop.example.com/ok", found("1"))
	h.prices.panicOn("https://panic.example.com")

	s := h.engine.RunPass(ctx, TriggerScheduled)
	require.Equal(t, 2, s.Evaluated)
	require.Equal(t, 1, s.Outcomes[OutcomeFetchFailed])
	require.Equal(t, 1, s.Outcomes[OutcomeRetired])
}

func TestRetiringTwiceIsHarmless(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, mailmemory.New())
	entry := seed(t, h, productURL)
	h.prices.set(productURL, found("1"))

	first := h.engine.Evaluate(ctx, entry)
	second := h.engine.Evaluate(ctx, entry)
	require.Equal(t, OutcomeRetired, first.Outcome)
	require.Equal(t, OutcomeRetired, second.Outcome)
	require.NoError(t, second.Err, "deleting an absent record is not an error")
	requirePending(t, h, 0)
}

func TestConcurrentEvaluationsMayDoubleNotify(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, mailmemory.New())
	entry := seed(t, h, productURL)
	gate := make(chan struct{})
	h.prices.set(productURL, found("1"))
	h.prices.block(gate, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.Evaluate(context.Background(), entry)
		}()
	}
	h.prices.waitBlocked(2)
	close(gate)
	wg.Wait()

	// Both evaluations saw the tracker before either deleted it.
	require.Len(t, h.mail.Sent(), 2)
	requirePending(t, h, 0)
}

func TestSingleFlightCollapsesConcurrentEvaluations(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SingleFlight: true}, mailmemory.New())
	entry := seed(t, h, productURL)
	gate := make(chan struct{})
	h.prices.set(productURL, found("1"))
	h.prices.block(gate, 1)

	results := make(chan Evaluation, 2)
	go func() { results <- h.engine.Evaluate(context.Background(), entry) }()
	h.prices.waitBlocked(1)
	go func() { results <- h.engine.Evaluate(context.Background(), entry) }()
	// Give the second caller time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	first, second := <-results, <-results
	assert.Equal(t, OutcomeRetired, first.Outcome)
	assert.Equal(t, OutcomeRetired, second.Outcome)
	require.Len(t, h.mail.Sent(), 1)
	require.Equal(t, 1, h.prices.calls(productURL))
}

func TestPublishFailureDoesNotUndoRetirement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, mailmemory.New())
	h.publisher.FailWith(errors.New("pubsub down"))
	seed(t, h, productURL)
	h.prices.set(productURL, found("1"))

	s := h.engine.RunPass(ctx, TriggerManual)
	require.Equal(t, 1, s.Outcomes[OutcomeRetired])
	requirePending(t, h, 0)
}

func TestRunPassListFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk gone")
	eng, err := New(failingStore{err: boom}, &scriptedResolver{}, &stubNotifier{}, nil, fixedClock{}, Config{}, nil)
	require.NoError(t, err)

	s := eng.RunPass(context.Background(), TriggerScheduled)
	require.ErrorIs(t, s.Err, boom)
	_, err = eng.ListTrackers(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRunPassStopsWhenCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, mailmemory.New())
	seed(t, h, productURL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := h.engine.RunPass(ctx, TriggerScheduled)
	require.Zero(t, s.Evaluated)
	require.Equal(t, 1, s.Listed)
	require.Equal(t, 1, s.Pending(), "skipped trackers are still pending")
}

func TestRetirementSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()

	medium := memory.NewMedium()
	store := ctxAwareStore{Store: filestore.New(medium, &seqIDs{}, zap.NewNop())}
	prices := &scriptedResolver{}
	prices.set(productURL, found("400"))
	alerts := &cancelingNotifier{}
	eng, err := New(store, prices, alerts, nil, fixedClock{}, Config{}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	alerts.cancel = cancel
	created, err := eng.CreateTracker(ctx, productURL, decimal.NewFromInt(500), "buyer@example.com")
	require.NoError(t, err)
	require.True(t, created.Emailed)
	require.Error(t, ctx.Err())

	list, err := eng.ListTrackers(context.Background())
	require.NoError(t, err)
	require.Empty(t, list, "a delivered alert must retire the tracker")

	s := eng.RunPass(context.Background(), TriggerScheduled)
	require.Zero(t, s.Evaluated)
	require.Equal(t, 1, alerts.count())
}

func TestPendingCountsFailedDeletes(t *testing.T) {
	t.Parallel()

	medium := memory.NewMedium()
	store := &deleteFailingStore{
		Store: filestore.New(medium, &seqIDs{}, zap.NewNop()),
		err:   errors.New("read-only"),
	}
	_, err := store.Create(context.Background(), tracker.Draft{
		URL:         productURL,
		TargetPrice: decimal.NewFromInt(500),
		Email:       "buyer@example.com",
	})
	require.NoError(t, err)
	prices := &scriptedResolver{}
	prices.set(productURL, found("1"))
	eng, err := New(store, prices, &stubNotifier{}, nil, fixedClock{}, Config{}, zap.NewNop())
	require.NoError(t, err)

	s := eng.RunPass(context.Background(), TriggerScheduled)
	require.Equal(t, 1, s.Outcomes[OutcomeRetired])
	require.Zero(t, s.Removed)
	require.Equal(t, 1, s.Pending())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	store := failingStore{}
	_, err := New(nil, &scriptedResolver{}, &stubNotifier{}, nil, fixedClock{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, nil, &stubNotifier{}, nil, fixedClock{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, &scriptedResolver{}, nil, nil, fixedClock{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, &scriptedResolver{}, &stubNotifier{}, nil, nil, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, &scriptedResolver{}, &stubNotifier{}, nil, fixedClock{}, Config{MaxNotifyAttempts: -1}, nil)
	require.Error(t, err)
}

func seed(t *testing.T, h *harness, url string) tracker.Entry {
	t.Helper()
	entry, err := h.store.Create(context.Background(), tracker.Draft{
		URL:         url,
		TargetPrice: decimal.NewFromInt(500),
		Email:       "buyer@example.com",
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)
	return entry
}

func requirePending(t *testing.T, h *harness, want int) {
	t.Helper()
	list, err := h.engine.ListTrackers(context.Background())
	require.NoError(t, err)
	require.Len(t, list, want)
}

func found(price string) resolver.Result {
	return resolver.Result{Status: resolver.StatusFound, Price: decimal.RequireFromString(price)}
}

type scriptedResolver struct {
	mu       sync.Mutex
	results  map[string]resolver.Result
	panics   map[string]bool
	counts   map[string]int
	gate     chan struct{}
	gateLeft int
	blocked  chan struct{}
}

func (s *scriptedResolver) set(url string, res resolver.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[string]resolver.Result)
	}
	s.results[url] = res
}

func (s *scriptedResolver) panicOn(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics == nil {
		s.panics = make(map[string]bool)
	}
	s.panics[url] = true
}

// block holds the next n Resolve calls until gate is closed.
func (s *scriptedResolver) block(gate chan struct{}, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
	s.gateLeft = n
	s.blocked = make(chan struct{}, n)
}

func (s *scriptedResolver) waitBlocked(n int) {
	for i := 0; i < n; i++ {
		<-s.blocked
	}
}

func (s *scriptedResolver) calls(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[url]
}

func (s *scriptedResolver) Resolve(_ context.Context, url string) resolver.Result {
	s.mu.Lock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[url]++
	res, ok := s.results[url]
	shouldPanic := s.panics[url]
	var gate chan struct{}
	if s.gateLeft > 0 {
		s.gateLeft--
		gate = s.gate
		s.blocked <- struct{}{}
	}
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if shouldPanic {
		panic(fmt.Sprintf("renderer crashed on %s", url))
	}
	if !ok {
		return resolver.Result{Status: resolver.StatusNotFound}
	}
	return res
}

type stubNotifier struct{}

func (stubNotifier) Notify(context.Context, notifier.Alert) bool { return true }

// ctxAwareStore fails deletes on a done context, as network-backed stores do.
type ctxAwareStore struct {
	*filestore.Store
}

func (s ctxAwareStore) Delete(ctx context.Context, h tracker.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Delete(ctx, h)
}

type deleteFailingStore struct {
	*filestore.Store
	err error
}

func (s *deleteFailingStore) Delete(context.Context, tracker.Handle) error { return s.err }

// cancelingNotifier cancels the caller's context while delivering, then reports success.
type cancelingNotifier struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	sent   int
}

func (n *cancelingNotifier) Notify(context.Context, notifier.Alert) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent++
	if n.cancel != nil {
		n.cancel()
	}
	return true
}

func (n *cancelingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

type failingStore struct {
	err error
}

func (f failingStore) Create(context.Context, tracker.Draft) (tracker.Entry, error) {
	return tracker.Entry{}, f.err
}

func (f failingStore) ListAll(context.Context) ([]tracker.Entry, error) { return nil, f.err }

func (f failingStore) Delete(context.Context, tracker.Handle) error { return f.err }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}
