// Package schedule decides when a monitored query is due. All
// functions are pure over the query's schedule fields and a clock
// reading, so the scheduler and the API can both ask the same
// questions without touching storage.
package schedule

import (
	"fmt"
	"time"

	"github.com/leozw/query-guardian/internal/db"
)

// maxSlotWalk bounds the forward search in NextRunTime. A schedule
// whose window and weekday filter never intersect a slot would loop
// forever otherwise; callers get ok=false and must log and skip.
const maxSlotWalk = 1000

// InWindow reports whether now falls on an allowed weekday and inside
// the daily time window. Both bounds are inclusive.
func InWindow(q *db.MonitoredQuery, now time.Time) bool {
	if !dayAllowed(q, isoWeekday(now)) {
		return false
	}
	m := minuteOfDay(now)
	if q.ScheduleStart != nil && m < int(*q.ScheduleStart) {
		return false
	}
	if q.ScheduleEnd != nil && m > int(*q.ScheduleEnd) {
		return false
	}
	return true
}

// Slots returns the interval slot now falls into and the one after it.
// Slots are anchored at the reference time (midnight when unset); when
// now precedes today's reference instant the anchor is yesterday's.
func Slots(q *db.MonitoredQuery, now time.Time) (current, next time.Time) {
	ref := db.TimeOfDay(0)
	if q.ReferenceTime != nil {
		ref = *q.ReferenceTime
	}
	interval := time.Duration(q.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}

	anchor := ref.At(now)
	if now.Before(anchor) {
		anchor = anchor.AddDate(0, 0, -1)
	}

	elapsed := now.Sub(anchor)
	current = anchor.Add(elapsed / interval * interval)
	return current, current.Add(interval)
}

// NextRunTime computes the next instant the query should execute,
// walking forward from its last check (or from now when it has never
// run) until a slot satisfies both the weekday filter and the window.
// ok=false means the walk was exhausted and the schedule never fires.
func NextRunTime(q *db.MonitoredQuery, now time.Time) (t time.Time, ok bool) {
	current, next := Slots(q, now)

	var target time.Time
	switch {
	case q.LastCheckAt != nil:
		if !q.LastCheckAt.In(now.Location()).Before(current) {
			target = next
		} else {
			target = current
		}
	case !current.Before(now):
		target = current
	default:
		target = next
	}

	for i := 0; i < maxSlotWalk; i++ {
		if !dayAllowed(q, isoWeekday(target)) {
			target = nextDayStart(q, target)
			continue
		}
		m := minuteOfDay(target)
		if q.ScheduleStart != nil && m < int(*q.ScheduleStart) {
			target = q.ScheduleStart.At(target)
			continue
		}
		if q.ScheduleEnd != nil && m > int(*q.ScheduleEnd) {
			target = nextDayStart(q, target)
			continue
		}
		return target, true
	}

	return time.Time{}, false
}

// ShouldRunNow is the tick-driver gate: inside the window AND the
// current slot has not been executed yet. The reason string is for
// debug logs only.
func ShouldRunNow(q *db.MonitoredQuery, now time.Time) (bool, string) {
	if !InWindow(q, now) {
		return false, "outside schedule window"
	}

	current, next := Slots(q, now)

	if q.LastCheckAt == nil {
		return true, "first run"
	}
	if q.LastCheckAt.In(now.Location()).Before(current) {
		return true, "current slot not yet executed"
	}
	return false, fmt.Sprintf("next run at %s", next.Format("15:04"))
}

func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func dayAllowed(q *db.MonitoredQuery, isoDay int) bool {
	if len(q.ScheduleDays) == 0 {
		return true
	}
	for _, d := range q.ScheduleDays {
		if d == isoDay {
			return true
		}
	}
	return false
}

func nextDayStart(q *db.MonitoredQuery, t time.Time) time.Time {
	ref := db.TimeOfDay(0)
	if q.ReferenceTime != nil {
		ref = *q.ReferenceTime
	}
	return ref.At(t.AddDate(0, 0, 1))
}
