package monitor

import (
	"testing"
	"time"

	"github.com/leozw/query-guardian/internal/db"
)

func TestNeedsReminder(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q := &db.MonitoredQuery{
		ReminderEnabled:         true,
		ReminderIntervalMinutes: 60,
		ReminderMaxCount:        3,
	}
	at := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}

	cases := []struct {
		name string
		rec  db.ErrorRecord
		mod  func(q *db.MonitoredQuery)
		want bool
	}{
		{"due after interval", db.ErrorRecord{NotifiedAt: at(2 * time.Hour)}, nil, true},
		{"exactly at interval", db.ErrorRecord{NotifiedAt: at(60 * time.Minute)}, nil, true},
		{"too soon", db.ErrorRecord{NotifiedAt: at(10 * time.Minute)}, nil, false},
		{"never notified", db.ErrorRecord{}, nil, false},
		{"already resolved", db.ErrorRecord{NotifiedAt: at(2 * time.Hour), ResolvedAt: at(time.Hour)}, nil, false},
		{"cap reached", db.ErrorRecord{NotifiedAt: at(2 * time.Hour), ReminderCount: 3}, nil, false},
		{"over cap", db.ErrorRecord{NotifiedAt: at(2 * time.Hour), ReminderCount: 5}, nil, false},
		{
			"clock restarts at last reminder",
			db.ErrorRecord{NotifiedAt: at(3 * time.Hour), LastReminderAt: at(10 * time.Minute), ReminderCount: 1},
			nil,
			false,
		},
		{
			"due again after last reminder aged",
			db.ErrorRecord{NotifiedAt: at(5 * time.Hour), LastReminderAt: at(90 * time.Minute), ReminderCount: 1},
			nil,
			true,
		},
		{
			"reminders disabled",
			db.ErrorRecord{NotifiedAt: at(2 * time.Hour)},
			func(q *db.MonitoredQuery) { q.ReminderEnabled = false },
			false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			query := *q
			if tc.mod != nil {
				tc.mod(&query)
			}
			if got := NeedsReminder(&tc.rec, &query, now); got != tc.want {
				t.Fatalf("NeedsReminder() = %v, want %v", got, tc.want)
			}
		})
	}
}
