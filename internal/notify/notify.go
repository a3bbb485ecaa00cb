// Package notify delivers outbound notifications (booking confirmations,
// emergency alerts, post-call summaries) to the operator's webhook. Every
// send is best-effort: callers log failures and move on, nothing here
// blocks call handling for long or rolls back a booking.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"hvac-voice-agent/internal/resilience"
	"hvac-voice-agent/internal/session"
	"hvac-voice-agent/internal/tools"
)

// CallSummary is the final structured record emitted after every call.
type CallSummary struct {
	CallID      string        `json:"call_id"`
	CallerPhone string        `json:"caller_phone,omitempty"`
	TenantID    string        `json:"tenant_id,omitempty"`
	DurationS   int           `json:"duration_s"`
	EndedReason string        `json:"ended_reason"`
	ToolsUsed   int           `json:"tools_used"`
	Emergency   bool          `json:"emergency"`
	Booked      bool          `json:"booked"`
	Transcript  string        `json:"transcript,omitempty"`
	Slots       session.Slots `json:"slots"`
}

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Retries int
}

// Client posts notification events to a single webhook endpoint, guarded by
// a circuit breaker shared with the rest of the process.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.Breaker
	log     *slog.Logger
}

func NewClient(cfg Config, breaker *resilience.Breaker, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		log:     log,
	}
}

// Enabled reports whether a webhook is configured at all.
func (c *Client) Enabled() bool { return c.cfg.URL != "" }

func (c *Client) BookingConfirmation(ctx context.Context, a tools.Appointment) error {
	return c.post(ctx, "booking.confirmed", a)
}

func (c *Client) EmergencyAlert(ctx context.Context, e tools.EmergencyLog) error {
	return c.post(ctx, "emergency.logged", e)
}

func (c *Client) PostCallSummary(ctx context.Context, s CallSummary) error {
	return c.post(ctx, "call.summary", s)
}

func (c *Client) post(ctx context.Context, event string, payload any) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"event":   event,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
		"data":    payload,
	})
	if err != nil {
		return err
	}

	// CanExecute claims the half-open trial slot; every return below this
	// point must record an outcome or the slot stays held.
	if c.breaker != nil && !c.breaker.CanExecute() {
		return resilience.ErrDependencyUnavailable
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			case <-ctx.Done():
				if c.breaker != nil {
					c.breaker.RecordFailure()
				}
				return ctx.Err()
			}
		}
		lastErr = c.send(ctx, body)
		if lastErr == nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			return nil
		}
		c.log.Warn("notification attempt failed", "event", event, "attempt", attempt+1, "err", lastErr)
	}
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: status %d", resp.StatusCode)
	}
	return nil
}
