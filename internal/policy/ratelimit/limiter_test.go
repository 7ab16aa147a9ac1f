package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 means one token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/other"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "domain B blocked by domain A")
}

func TestLimiterCanceledContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.com"))
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "::not a url"))
	}
	require.Contains(t, l.limiters, "unknown")
}

func TestWrapFetchesAfterToken(t *testing.T) {
	t.Parallel()

	next := &stubProvider{page: tracker.Page{HTML: []byte("<html></html>")}}
	p := New(Config{}).Wrap(next)

	page, err := p.Fetch(context.Background(), "https://shop.example.com/item")
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(page.HTML))
	require.Equal(t, []string{"https://shop.example.com/item"}, next.calls)

	next.err = errors.New("boom")
	_, err = p.Fetch(context.Background(), "https://shop.example.com/item")
	require.ErrorIs(t, err, next.err)
}

type stubProvider struct {
	page  tracker.Page
	err   error
	calls []string
}

func (s *stubProvider) Fetch(_ context.Context, url string) (tracker.Page, error) {
	s.calls = append(s.calls, url)
	if s.err != nil {
		return tracker.Page{}, s.err
	}
	return s.page, nil
}
