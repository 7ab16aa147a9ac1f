// Package notifier formats price alerts and hands them to a mail transport.
//
// A Notifier makes exactly one delivery attempt per alert and reports the result as a
// boolean. Missing credentials are detected before any network call and are reported
// separately from transport failures.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-price-watch/internal/metrics"
)

// Notification results, used as log messages and metric labels.
const (
	ResultSent               = "sent"
	ResultCredentialsMissing = "credentials_missing"
	ResultDeliveryFailed     = "delivery_failed"
)

// ErrCredentialsMissing is returned by transports asked to send without credentials.
var ErrCredentialsMissing = errors.New("mail credentials not configured")

// Alert is one price drop to report.
type Alert struct {
	Recipient    string
	URL          string
	CurrentPrice decimal.Decimal
	TargetPrice  decimal.Decimal
}

// Message is a formatted plain text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Transport delivers messages.
type Transport interface {
	// Configured reports whether delivery credentials are present.
	Configured() bool
	Send(ctx context.Context, msg Message) error
}

const subject = "PRICE ALERT — Product price dropped!"

// FormatMessage renders the alert email.
func FormatMessage(a Alert) Message {
	body := fmt.Sprintf(
		"Hello,\n\n"+
			"Good news — the product you're tracking has dropped below your target price.\n\n"+
			"Current Price: ₹%s\n"+
			"Target Price:  ₹%s\n\n"+
			"Product link:\n%s\n\n"+
			"Regards,\nPrice Tracker Bot\n",
		a.CurrentPrice.StringFixed(2), a.TargetPrice.StringFixed(2), a.URL,
	)
	return Message{To: a.Recipient, Subject: subject, Body: body}
}

// Notifier sends alerts through a Transport.
type Notifier struct {
	transport Transport
	logger    *zap.Logger
}

// New builds a Notifier.
func New(transport Transport, logger *zap.Logger) (*Notifier, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{transport: transport, logger: logger}, nil
}

// Notify makes one delivery attempt and reports whether it succeeded.
func (n *Notifier) Notify(ctx context.Context, a Alert) bool {
	fields := []zap.Field{
		zap.String("recipient", a.Recipient),
		zap.String("url", a.URL),
		zap.Stringer("current_price", a.CurrentPrice),
		zap.Stringer("target_price", a.TargetPrice),
	}
	if !n.transport.Configured() {
		metrics.ObserveNotification(ResultCredentialsMissing)
		n.logger.Warn("mail credentials missing; alert not sent", fields...)
		return false
	}
	if err := n.transport.Send(ctx, FormatMessage(a)); err != nil {
		result := ResultDeliveryFailed
		if errors.Is(err, ErrCredentialsMissing) {
			result = ResultCredentialsMissing
		}
		metrics.ObserveNotification(result)
		n.logger.Error("alert delivery failed", append(fields, zap.String("result", result), zap.Error(err))...)
		return false
	}
	metrics.ObserveNotification(ResultSent)
	n.logger.Info("alert sent", fields...)
	return true
}
