package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/leozw/query-guardian/internal/db"
)

const teamsPreviewRows = 3

// TeamsSender posts a MessageCard to a Teams incoming webhook.
// Channel config key: webhook_url.
type TeamsSender struct {
	client *http.Client
}

func NewTeamsSender(timeout time.Duration) *TeamsSender {
	return &TeamsSender{client: &http.Client{Timeout: timeout}}
}

func (s *TeamsSender) Type() string { return "teams" }

func (s *TeamsSender) Send(ctx context.Context, ch *db.NotificationChannel, msg *Message) error {
	url := cfgString(ch.Config, "webhook_url")
	if url == "" {
		return fmt.Errorf("teams %s: webhook_url not configured", ch.Name)
	}

	type fact struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	facts := []fact{
		{Name: "Errors", Value: fmt.Sprintf("%d", len(msg.Rows))},
		{Name: "Time", Value: time.Now().UTC().Format("02/01/2006 15:04")},
	}
	for i, row := range msg.Rows {
		if i == teamsPreviewRows {
			break
		}
		facts = append(facts, fact{
			Name:  fmt.Sprintf("Error %d", i+1),
			Value: rowPreview(row, msg.Columns, 60),
		})
	}

	subtitle := "New errors detected"
	if msg.Kind == db.KindReminder {
		subtitle = "Errors still unresolved"
	}
	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": "d63384",
		"summary":    fmt.Sprintf("Query Guardian: %d errors", len(msg.Rows)),
		"sections": []map[string]any{{
			"activityTitle":    msg.Query.Name,
			"activitySubtitle": subtitle,
			"facts":            facts,
			"markdown":         true,
		}},
	}
	body, _ := json.Marshal(card)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("teams %s: %w", ch.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("teams %s: %w", ch.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("teams %s: status %d", ch.Name, resp.StatusCode)
	}
	return nil
}
