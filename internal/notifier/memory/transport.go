// Package memory provides a recording notifier.Transport for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/realtime-price-watch/internal/notifier"
)

// Transport records every message instead of sending it.
type Transport struct {
	mu         sync.Mutex
	configured bool
	err        error
	attempts   int
	sent       []notifier.Message
}

// New returns a configured Transport that accepts every message.
func New() *Transport {
	return &Transport{configured: true}
}

// NewUnconfigured returns a Transport that reports missing credentials.
func NewUnconfigured() *Transport {
	return &Transport{}
}

// FailWith makes subsequent sends return err. A nil err restores success.
func (t *Transport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Configured implements notifier.Transport.
func (t *Transport) Configured() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.configured
}

// Send records msg, or returns the configured failure.
func (t *Transport) Send(_ context.Context, msg notifier.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if !t.configured {
		return notifier.ErrCredentialsMissing
	}
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

// Attempts returns how many times Send was called.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Sent returns a copy of the delivered messages.
func (t *Transport) Sent() []notifier.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]notifier.Message, len(t.sent))
	copy(out, t.sent)
	return out
}

var _ notifier.Transport = (*Transport)(nil)
