// Package notify delivers change digest emails through an external mail
// relay. Delivery is fire-and-forget: failures are logged and never block
// or fail the scan pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, email, subject, body string) error
}

// RelayConfig configures the HTTP mail relay client.
type RelayConfig struct {
	// Endpoint is the relay's send URL.
	Endpoint string
	// From is the sender address.
	From string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// Timeout bounds one send. Default: 10s.
	Timeout time.Duration
}

func (c *RelayConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.From == "" {
		c.From = "regard@localhost"
	}
}

// Relay posts messages to an HTTP mail relay.
type Relay struct {
	cfg    RelayConfig
	client *http.Client
}

// NewRelay creates a Relay sender.
func NewRelay(cfg RelayConfig) *Relay {
	cfg.defaults()
	return &Relay{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Send posts one message. Non-2xx responses are errors.
func (r *Relay) Send(ctx context.Context, email, subject, body string) error {
	payload, err := json.Marshal(map[string]string{
		"from":    r.cfg.From,
		"to":      email,
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: relay returned %d", resp.StatusCode)
	}
	return nil
}

// Nop is a Sender that discards every message. Used when no relay is
// configured and in tests.
type Nop struct{}

// Send implements Sender.
func (Nop) Send(context.Context, string, string, string) error { return nil }

// Dispatcher wraps a Sender with fire-and-forget semantics.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil sender falls back to Nop.
func NewDispatcher(sender Sender, logger *slog.Logger) *Dispatcher {
	if sender == nil {
		sender = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sender: sender, logger: logger}
}

// Dispatch sends one message, logging failures instead of returning them.
func (d *Dispatcher) Dispatch(ctx context.Context, email, subject, body string) {
	if email == "" {
		return
	}
	if err := d.sender.Send(ctx, email, subject, body); err != nil {
		d.logger.Warn("notify: send failed", "to", email, "subject", subject, "error", err)
		return
	}
	d.logger.Debug("notify: sent", "to", email, "subject", subject)
}
