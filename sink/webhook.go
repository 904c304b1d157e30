package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// webhookPayload is the JSON body posted for each alert.
type webhookPayload struct {
	ID      string    `json:"id"`
	Source  string    `json:"source"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// Webhook posts alerts as JSON to an HTTP endpoint (chat incoming webhooks,
// incident tooling and similar).
type Webhook struct {
	url    string
	source string
	client *http.Client
	now    func() time.Time
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithSource sets the source field of every payload.
func WithSource(source string) WebhookOption {
	return func(w *Webhook) {
		w.source = source
	}
}

// NewWebhook creates a Webhook posting to url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:    url,
		source: "admission-monitor",
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify posts one alert. Any non-2xx response is a failure.
func (w *Webhook) Notify(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(webhookPayload{
		ID:      uuid.NewString(),
		Source:  w.source,
		Subject: subject,
		Body:    body,
		SentAt:  w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode alert: %w", ErrSinkFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrSinkFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post alert: %w", ErrSinkFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: webhook returned %s", ErrSinkFailure, resp.Status)
	}
	return nil
}
