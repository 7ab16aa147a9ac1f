// Package ratelimit implements per-domain token bucket rate limiting for page fetches.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-price-watch/internal/metrics"
	"github.com/JakeFAU/realtime-price-watch/internal/tracker"
)

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive DefaultRPS disables limiting.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the domain of rawURL, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := domainOf(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, d)
	}
	return nil
}

// Wrap returns a PageProvider that waits for a token before every fetch.
func (l *Limiter) Wrap(next tracker.PageProvider) tracker.PageProvider {
	return &limitedProvider{limiter: l, next: next}
}

type limitedProvider struct {
	limiter *Limiter
	next    tracker.PageProvider
}

func (p *limitedProvider) Fetch(ctx context.Context, rawURL string) (tracker.Page, error) {
	if err := p.limiter.Wait(ctx, rawURL); err != nil {
		return tracker.Page{}, err
	}
	page, err := p.next.Fetch(ctx, rawURL)
	if err != nil {
		return tracker.Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return page, nil
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
