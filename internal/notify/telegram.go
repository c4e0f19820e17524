package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
)

const telegramPreviewRows = 5

// TelegramSender sends a compact HTML message through the Bot API.
// Channel config keys: bot_token, chat_id.
type TelegramSender struct {
	client *http.Client
	// baseURL is swapped out in tests; the zero value targets the
	// real Bot API.
	baseURL string
}

func NewTelegramSender(timeout time.Duration) *TelegramSender {
	return &TelegramSender{client: &http.Client{Timeout: timeout}}
}

func (s *TelegramSender) Type() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, ch *db.NotificationChannel, msg *Message) error {
	token := cfgString(ch.Config, "bot_token")
	chatID := cfgString(ch.Config, "chat_id")
	if token == "" || chatID == "" {
		return fmt.Errorf("telegram %s: bot_token or chat_id missing", ch.Name)
	}

	base := s.baseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, token)

	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     telegramText(msg),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", ch.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", ch.Name, err)
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("telegram %s: decode response: %w", ch.Name, err)
	}
	if !out.OK {
		return fmt.Errorf("telegram %s: %s", ch.Name, out.Description)
	}
	return nil
}

func telegramText(msg *Message) string {
	title := "New errors detected"
	if msg.Kind == db.KindReminder {
		title = "Errors still unresolved"
	}
	lines := []string{
		"<b>Query Guardian</b>",
		"",
		fmt.Sprintf("<b>Query:</b> %s", html.EscapeString(msg.Query.Name)),
		fmt.Sprintf("<b>%s:</b> %d", title, len(msg.Rows)),
		fmt.Sprintf("<b>Time:</b> %s", time.Now().UTC().Format("02/01/2006 15:04")),
	}
	if len(msg.Rows) > 0 {
		lines = append(lines, "", "<b>Details:</b>")
		for _, row := range msg.Rows[:min(len(msg.Rows), telegramPreviewRows)] {
			lines = append(lines, "• "+html.EscapeString(rowPreview(row, msg.Columns, 80)))
		}
		if len(msg.Rows) > telegramPreviewRows {
			lines = append(lines, fmt.Sprintf("<i>...and %d more</i>", len(msg.Rows)-telegramPreviewRows))
		}
	}
	return strings.Join(lines, "\n")
}

// rowPreview renders the first two columns of a row as "k: v | k: v",
// clipped to maxLen.
func rowPreview(row core.Row, columns []string, maxLen int) string {
	parts := make([]string, 0, 2)
	for _, col := range columns {
		if len(parts) == 2 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s: %s", col, row.Field(col)))
	}
	preview := strings.Join(parts, " | ")
	if len(preview) > maxLen {
		preview = preview[:maxLen-3] + "..."
	}
	return preview
}
