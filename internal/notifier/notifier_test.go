package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testAlert() Alert {
	return Alert{
		Recipient:    "buyer@example.com",
		URL:          "https://shop.example.com/p/1",
		CurrentPrice: decimal.NewFromInt(450),
		TargetPrice:  decimal.RequireFromString("500.5"),
	}
}

func TestFormatMessage(t *testing.T) {
	t.Parallel()

	msg := FormatMessage(testAlert())
	assert.Equal(t, "buyer@example.com", msg.To)
	assert.Equal(t, "PRICE ALERT — Product price dropped!", msg.Subject)
	assert.Contains(t, msg.Body, "Current Price: ₹450.00\n")
	assert.Contains(t, msg.Body, "Target Price:  ₹500.50\n")
	assert.Contains(t, msg.Body, "Product link:\nhttps://shop.example.com/p/1\n")
	assert.Contains(t, msg.Body, "Price Tracker Bot")
}

func TestNotifySent(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{configured: true}
	n, err := New(tr, zap.NewNop())
	require.NoError(t, err)

	require.True(t, n.Notify(context.Background(), testAlert()))
	require.Len(t, tr.sent, 1)
	require.Equal(t, "buyer@example.com", tr.sent[0].To)
}

func TestNotifyWithoutCredentialsMakesNoAttempt(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	tr := &fakeTransport{configured: false}
	n, err := New(tr, zap.New(core))
	require.NoError(t, err)

	require.False(t, n.Notify(context.Background(), testAlert()))
	require.Zero(t, tr.calls, "no delivery attempt without credentials")
	require.Equal(t, 1, logs.FilterMessage("mail credentials missing; alert not sent").Len())
}

func TestNotifyDeliveryFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	tr := &fakeTransport{configured: true, err: errors.New("535 auth failed")}
	n, err := New(tr, zap.New(core))
	require.NoError(t, err)

	require.False(t, n.Notify(context.Background(), testAlert()))
	require.Equal(t, 1, tr.calls, "exactly one attempt")
	entries := logs.FilterMessage("alert delivery failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, ResultDeliveryFailed, entries[0].ContextMap()["result"])
}

func TestNewRequiresTransport(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
}

type fakeTransport struct {
	configured bool
	err        error
	calls      int
	sent       []Message
}

func (f *fakeTransport) Configured() bool { return f.configured }

func (f *fakeTransport) Send(_ context.Context, msg Message) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}
