// Package push delivers escalation notifications for capsules that no
// connected client has seen. Delivery is best effort; the capsule remains in
// the offline queues regardless.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arclight-systems/arclight/internal/capsule"
)

// Notification is the escalation payload.
type Notification struct {
	CapsuleID string           `json:"capsule_id"`
	Title     string           `json:"title"`
	Priority  capsule.Priority `json:"priority"`
	Channel   string           `json:"channel"`
	SentAt    time.Time        `json:"sent_at"`
}

// Dispatcher sends escalation notifications.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// Webhook posts notifications to a configured HTTP endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook dispatcher.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the notification as JSON.
func (w *Webhook) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver notification: status %d", resp.StatusCode)
	}
	return nil
}

// Noop discards notifications. Used when no webhook is configured.
type Noop struct{}

func (Noop) Send(context.Context, Notification) error { return nil }
