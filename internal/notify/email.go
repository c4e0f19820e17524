package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/db"
)

const defaultSubject = "[{query_name}] {error_count} errors detected"

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	cfg    config.MailConfig
	dialer *gomail.Dialer
}

func NewEmailSender(cfg config.MailConfig) *EmailSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	// UseTLS selects STARTTLS on a plain connection; without it the
	// dialer speaks implicit TLS from the first byte.
	d.SSL = !cfg.UseTLS
	return &EmailSender{cfg: cfg, dialer: d}
}

func (s *EmailSender) Name() string { return "email" }

// Send builds the multipart message and hands it to the SMTP dialer.
// gomail has no context support, so the dial-and-send runs in a
// goroutine and the context deadline wins the race.
func (s *EmailSender) Send(ctx context.Context, msg *Message) error {
	if len(msg.Recipients) == 0 {
		return fmt.Errorf("no recipients")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.Recipients...)
	m.SetHeader("Subject", Subject(msg.Query, msg.Kind, len(msg.Rows)))
	m.SetBody("text/plain", plainBody(msg))
	m.AddAlternative("text/html", htmlBody(msg))

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	}
}

// Subject renders the query's subject template, filling the
// {query_name} and {error_count} placeholders. Reminder notifications
// get a [REMINDER] prefix unless the template already carries one.
func Subject(q *db.MonitoredQuery, kind db.NotificationKind, errorCount int) string {
	tpl := q.SubjectTemplate
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultSubject
	}
	if kind == db.KindReminder && !strings.Contains(strings.ToUpper(tpl), "REMINDER") {
		tpl = "[REMINDER] " + tpl
	}
	r := strings.NewReplacer(
		"{query_name}", q.Name,
		"{error_count}", fmt.Sprintf("%d", errorCount),
	)
	return r.Replace(tpl)
}

func plainBody(msg *Message) string {
	var b strings.Builder
	if msg.Kind == db.KindReminder {
		fmt.Fprintf(&b, "Reminder: %d errors from %q are still unresolved.\n\n", len(msg.Rows), msg.Query.Name)
	} else {
		fmt.Fprintf(&b, "%d new errors detected by %q.\n\n", len(msg.Rows), msg.Query.Name)
	}
	if msg.Query.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", msg.Query.Description)
	}
	for i, row := range msg.Rows {
		parts := make([]string, 0, len(msg.Columns))
		for _, col := range msg.Columns {
			parts = append(parts, fmt.Sprintf("%s=%s", col, row.Field(col)))
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.Join(parts, " | "))
	}
	return b.String()
}

func htmlBody(msg *Message) string {
	var b strings.Builder
	b.WriteString(`<table cellpadding="5" cellspacing="0" border="1" style="border-collapse:collapse;font-family:Arial;font-size:12px;">`)
	fmt.Fprintf(&b, `<tr style="background:#0d9488;color:#fff;"><th colspan="%d" align="left">%s</th></tr>`,
		max(len(msg.Columns), 1), html.EscapeString(msg.Query.Name))
	label := "New errors"
	if msg.Kind == db.KindReminder {
		label = "Unresolved errors"
	}
	fmt.Fprintf(&b, `<tr><td colspan="%d">%s: %d</td></tr>`, max(len(msg.Columns), 1), label, len(msg.Rows))

	b.WriteString("<tr>")
	for _, col := range msg.Columns {
		fmt.Fprintf(&b, "<th>%s</th>", html.EscapeString(col))
	}
	b.WriteString("</tr>")

	for _, row := range msg.Rows {
		b.WriteString("<tr>")
		for _, col := range msg.Columns {
			fmt.Fprintf(&b, "<td>%s</td>", html.EscapeString(row.Field(col)))
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}
