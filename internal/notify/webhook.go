package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/leozw/query-guardian/internal/db"
)

// webhookMaxRows caps the payload size; receivers get a count of the
// full batch either way.
const webhookMaxRows = 50

// WebhookSender posts a JSON payload to a configured URL. Channel
// config keys: url (required), method (default POST), headers.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, ch *db.NotificationChannel, msg *Message) error {
	url := cfgString(ch.Config, "url")
	if url == "" {
		return fmt.Errorf("webhook %s: url not configured", ch.Name)
	}
	method := strings.ToUpper(cfgString(ch.Config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	event := "errors_detected"
	if msg.Kind == db.KindReminder {
		event = "errors_reminder"
	}
	rows := msg.Rows
	if len(rows) > webhookMaxRows {
		rows = rows[:webhookMaxRows]
	}
	payload := map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"query": map[string]any{
			"id":          msg.Query.ID,
			"name":        msg.Query.Name,
			"description": msg.Query.Description,
		},
		"errors_count": len(msg.Rows),
		"errors":       rows,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook %s: encode payload: %w", ch.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", ch.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfgHeaders(ch.Config) {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", ch.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", ch.Name, resp.StatusCode)
	}
	return nil
}

func cfgString(cfg db.JSONB, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func cfgHeaders(cfg db.JSONB) map[string]string {
	out := map[string]string{}
	raw, ok := cfg["headers"].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
