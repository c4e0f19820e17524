package notify

import (
	"strings"
	"testing"

	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
)

func TestSubject(t *testing.T) {
	cases := []struct {
		name     string
		template string
		kind     db.NotificationKind
		count    int
		want     string
	}{
		{"default template", "", db.KindNewErrors, 4, "[failed orders] 4 errors detected"},
		{"custom template", "{query_name}: {error_count} stuck", db.KindNewErrors, 2, "failed orders: 2 stuck"},
		{"reminder prefix", "{query_name} alert", db.KindReminder, 1, "[REMINDER] failed orders alert"},
		{"reminder prefix not doubled", "Reminder: {query_name}", db.KindReminder, 1, "Reminder: failed orders"},
		{"blank template falls back", "   ", db.KindNewErrors, 1, "[failed orders] 1 errors detected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &db.MonitoredQuery{Name: "failed orders", SubjectTemplate: tc.template}
			got := Subject(q, tc.kind, tc.count)
			if got != tc.want {
				t.Fatalf("Subject() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBodies(t *testing.T) {
	msg := &Message{
		Query:   &db.MonitoredQuery{Name: "failed orders", Description: "orders stuck in FAILED"},
		Rows:    []core.Row{{"order_id": core.String("ORD-1"), "note": core.String("<script>")}},
		Columns: []string{"order_id", "note"},
		Kind:    db.KindNewErrors,
	}

	plain := plainBody(msg)
	if !strings.Contains(plain, "order_id=ORD-1") {
		t.Fatalf("plain body missing row data:\n%s", plain)
	}
	if !strings.Contains(plain, "orders stuck in FAILED") {
		t.Fatal("plain body missing description")
	}

	html := htmlBody(msg)
	if strings.Contains(html, "<script>") {
		t.Fatal("html body must escape cell values")
	}
	if !strings.Contains(html, "ORD-1") {
		t.Fatal("html body missing row data")
	}

	msg.Kind = db.KindReminder
	if !strings.Contains(plainBody(msg), "still unresolved") {
		t.Fatal("reminder body should say the errors persist")
	}
}
