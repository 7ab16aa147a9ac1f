// Package smtp delivers alert emails over SMTP with mandatory STARTTLS.
package smtp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/JakeFAU/realtime-price-watch/internal/notifier"
)

const (
	defaultPort    = 587
	defaultTimeout = 30 * time.Second
)

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// From defaults to Username.
	From    string
	Timeout time.Duration
}

// Transport implements notifier.Transport using go-mail.
type Transport struct {
	cfg Config
}

// New builds a Transport. Missing credentials are not an error here; Configured reports them.
func New(cfg Config) (*Transport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp port out of range: %d", cfg.Port)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &Transport{cfg: cfg}, nil
}

// Configured reports whether both username and password are set.
func (t *Transport) Configured() bool {
	return t.cfg.Username != "" && t.cfg.Password != ""
}

// Send dials the server, authenticates and sends msg in a single session.
func (t *Transport) Send(ctx context.Context, msg notifier.Message) error {
	if !t.Configured() {
		return notifier.ErrCredentialsMissing
	}
	m, err := t.buildMsg(msg)
	if err != nil {
		return err
	}
	client, err := mail.NewClient(t.cfg.Host,
		mail.WithPort(t.cfg.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(t.cfg.Username),
		mail.WithPassword(t.cfg.Password),
		mail.WithTimeout(t.cfg.Timeout),
	)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail via %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}
	return nil
}

func (t *Transport) buildMsg(msg notifier.Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(t.cfg.From); err != nil {
		return nil, fmt.Errorf("set sender: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("set recipient %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

var _ notifier.Transport = (*Transport)(nil)
