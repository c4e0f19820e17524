package monitor

import (
	"time"

	"github.com/leozw/query-guardian/internal/db"
)

// NeedsReminder reports whether an unresolved, already-notified error
// is due for a repeat notification. The clock starts at the later of
// the initial notification and the last reminder; the count cap and
// the interval both come from the query. Reminder bookkeeping is only
// advanced after a successful dispatch, so a failed send leaves the
// record eligible for the next tick.
func NeedsReminder(rec *db.ErrorRecord, q *db.MonitoredQuery, now time.Time) bool {
	if !q.ReminderEnabled {
		return false
	}
	if !rec.Notified() || rec.Resolved() {
		return false
	}
	if rec.ReminderCount >= q.ReminderMaxCount {
		return false
	}

	last := *rec.NotifiedAt
	if rec.LastReminderAt != nil && rec.LastReminderAt.After(last) {
		last = *rec.LastReminderAt
	}
	return now.Sub(last) >= time.Duration(q.ReminderIntervalMinutes)*time.Minute
}
