package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/notify"
	"github.com/leozw/query-guardian/internal/routing"
	"github.com/leozw/query-guardian/internal/source"
)

type fakeRunStore struct {
	mu        sync.Mutex
	lockedAt  *time.Time
	known     []*db.ErrorRecord
	rules     []*db.RoutingRule
	commits   []*db.RunMutation
	logs      []*db.QueryLog
	unlocks   int
	commitErr error
}

func (f *fakeRunStore) TryLockQuery(_ string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockedAt != nil && f.lockedAt.After(now.Add(-db.LockTTL)) {
		return false, nil
	}
	t := now
	f.lockedAt = &t
	return true, nil
}

func (f *fakeRunStore) UnlockQuery(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockedAt = nil
	f.unlocks++
	return nil
}

func (f *fakeRunStore) GetUnresolvedErrors(string) ([]*db.ErrorRecord, error) {
	return f.known, nil
}

func (f *fakeRunStore) GetRoutingRules(string) ([]*db.RoutingRule, error) {
	return f.rules, nil
}

func (f *fakeRunStore) CommitRun(_ string, mut *db.RunMutation) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, mut)
	f.lockedAt = nil
	return nil
}

func (f *fakeRunStore) InsertQueryLog(l *db.QueryLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

type fakeSource struct {
	result *source.Result
	err    error
	block  func()
}

func (f *fakeSource) Execute(context.Context) (*source.Result, error) {
	if f.block != nil {
		f.block()
	}
	return f.result, f.err
}

func (f *fakeSource) Test(context.Context) *source.TestReport        { return nil }
func (f *fakeSource) Fields(context.Context) ([]source.Field, error) { return nil, nil }

type dispatchCall struct {
	kind    db.NotificationKind
	batches int
	rows    int
}

type fakeDispatch struct {
	calls   []dispatchCall
	failAll bool
}

func (f *fakeDispatch) Dispatch(_ context.Context, _ *db.MonitoredQuery, batches []routing.Batch, rows []core.Row, _ []string, kind db.NotificationKind) *notify.Report {
	f.calls = append(f.calls, dispatchCall{kind: kind, batches: len(batches), rows: len(rows)})
	if f.failAll {
		return &notify.Report{Failed: len(batches)}
	}
	report := &notify.Report{Sent: len(batches)}
	for _, b := range batches {
		report.Delivered = append(report.Delivered, b.Rows...)
	}
	return report
}

func testQuery() *db.MonitoredQuery {
	return &db.MonitoredQuery{
		ID:                      "q1",
		Name:                    "failed orders",
		Enabled:                 true,
		SourceType:              db.SourceTypeHTTP,
		KeyFields:               db.StringSlice{"order_id"},
		IntervalMinutes:         5,
		Recipients:              db.StringSlice{"ops@acme.io"},
		ReminderEnabled:         true,
		ReminderIntervalMinutes: 60,
		ReminderMaxCount:        3,
	}
}

func newTestCoordinator(store Store, src source.Source, d Dispatcher) *Coordinator {
	factory := func(*db.MonitoredQuery) (source.Source, error) { return src, nil }
	return NewCoordinator(store, factory, routing.NewEngine(zap.NewNop()), d,
		config.SchedulerConfig{}, time.UTC, zap.NewNop())
}

func sourceResult(ids ...string) *source.Result {
	rows := make([]core.Row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, orderRow(id))
	}
	return &source.Result{Columns: []string{"order_id", "status"}, Rows: rows}
}

func TestCheckQueryHappyPath(t *testing.T) {
	store := &fakeRunStore{}
	d := &fakeDispatch{}
	c := newTestCoordinator(store, &fakeSource{result: sourceResult("A", "B")}, d)

	res := c.CheckQuery(context.Background(), testQuery(), true)

	if res.Status != db.RunStatusSuccess {
		t.Fatalf("status %s: %s", res.Status, res.Message)
	}
	if res.RowsReturned != 2 || res.NewErrors != 2 || res.ActiveErrors != 2 {
		t.Fatalf("rows=%d new=%d active=%d", res.RowsReturned, res.NewErrors, res.ActiveErrors)
	}
	if res.NotificationsSent != 1 {
		t.Fatalf("notifications = %d, want one batch", res.NotificationsSent)
	}

	if len(store.commits) != 1 {
		t.Fatalf("commits = %d", len(store.commits))
	}
	mut := store.commits[0]
	if len(mut.NewRecords) != 2 {
		t.Fatalf("new records = %d", len(mut.NewRecords))
	}
	for _, rec := range mut.NewRecords {
		if rec.NotifiedAt == nil {
			t.Fatal("delivered rows must be stamped notified")
		}
		if rec.OccurrenceCount != 1 {
			t.Fatalf("occurrence count = %d", rec.OccurrenceCount)
		}
	}

	if store.unlocks != 0 {
		t.Fatal("successful run must release the lock via commit, not unlock")
	}
	if store.lockedAt != nil {
		t.Fatal("lock still held after commit")
	}
	if len(store.logs) != 1 || store.logs[0].Status != db.RunStatusSuccess {
		t.Fatalf("logs = %+v", store.logs)
	}
	if len(d.calls) != 1 || d.calls[0].kind != db.KindNewErrors {
		t.Fatalf("dispatch calls = %+v", d.calls)
	}
}

func TestCheckQueryDisabled(t *testing.T) {
	store := &fakeRunStore{}
	c := newTestCoordinator(store, &fakeSource{result: sourceResult()}, &fakeDispatch{})

	q := testQuery()
	q.Enabled = false
	res := c.CheckQuery(context.Background(), q, true)

	if res.Status != db.RunStatusSkipped || res.Message != "query disabled" {
		t.Fatalf("status %s: %q", res.Status, res.Message)
	}
	if store.lockedAt != nil || len(store.commits) != 0 {
		t.Fatal("disabled query must not touch the lock or commit")
	}
	if len(store.logs) != 1 || store.logs[0].Status != db.RunStatusSkipped {
		t.Fatalf("logs = %+v", store.logs)
	}
}

func TestCheckQueryScheduleGate(t *testing.T) {
	store := &fakeRunStore{}
	c := newTestCoordinator(store, &fakeSource{result: sourceResult("A")}, &fakeDispatch{})

	// Allow only a weekday that is not today.
	today := int(time.Now().UTC().Weekday())
	if today == 0 {
		today = 7
	}
	q := testQuery()
	q.ScheduleDays = db.IntSlice{today%7 + 1}

	res := c.CheckQuery(context.Background(), q, false)
	if res.Status != db.RunStatusSkipped {
		t.Fatalf("status %s, want skipped", res.Status)
	}

	forced := c.CheckQuery(context.Background(), q, true)
	if forced.Status != db.RunStatusSuccess {
		t.Fatalf("force must bypass the schedule, got %s: %s", forced.Status, forced.Message)
	}
	if len(store.logs) != 2 {
		t.Fatalf("every invocation logs exactly once, got %d", len(store.logs))
	}
}

func TestCheckQueryLockContention(t *testing.T) {
	now := time.Now().UTC()

	fresh := now.Add(-time.Minute)
	store := &fakeRunStore{lockedAt: &fresh}
	c := newTestCoordinator(store, &fakeSource{result: sourceResult("A")}, &fakeDispatch{})

	res := c.CheckQuery(context.Background(), testQuery(), true)
	if res.Status != db.RunStatusSkipped || res.Message != "already running" {
		t.Fatalf("fresh lock: %s %q", res.Status, res.Message)
	}

	stale := now.Add(-db.LockTTL - time.Minute)
	store = &fakeRunStore{lockedAt: &stale}
	c = newTestCoordinator(store, &fakeSource{result: sourceResult("A")}, &fakeDispatch{})

	res = c.CheckQuery(context.Background(), testQuery(), true)
	if res.Status != db.RunStatusSuccess {
		t.Fatalf("stale lock must be stolen, got %s: %s", res.Status, res.Message)
	}
}

func TestCheckQuerySingleFlight(t *testing.T) {
	store := &fakeRunStore{}
	holding := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{
		result: sourceResult("A"),
		block: func() {
			close(holding)
			<-release
		},
	}
	c := newTestCoordinator(store, src, &fakeDispatch{})
	q := testQuery()

	var winner *ExecutionResult
	done := make(chan struct{})
	go func() {
		winner = c.CheckQuery(context.Background(), q, true)
		close(done)
	}()
	<-holding

	for i := 0; i < 5; i++ {
		res := c.CheckQuery(context.Background(), q, true)
		if res.Status != db.RunStatusSkipped || res.Message != "already running" {
			t.Fatalf("contender %d got %s %q", i, res.Status, res.Message)
		}
	}

	close(release)
	<-done

	if winner.Status != db.RunStatusSuccess {
		t.Fatalf("winner status %s: %s", winner.Status, winner.Message)
	}
	if len(store.commits) != 1 {
		t.Fatalf("commits = %d, want exactly one", len(store.commits))
	}
}

func TestCheckQuerySourceError(t *testing.T) {
	store := &fakeRunStore{}
	c := newTestCoordinator(store, &fakeSource{err: errors.New("connection refused")}, &fakeDispatch{})

	res := c.CheckQuery(context.Background(), testQuery(), true)

	if res.Status != db.RunStatusError {
		t.Fatalf("status %s", res.Status)
	}
	if store.unlocks != 1 || store.lockedAt != nil {
		t.Fatalf("failed run must release the lock, unlocks=%d", store.unlocks)
	}
	if len(store.commits) != 0 {
		t.Fatal("failed run must not commit")
	}
	if len(store.logs) != 1 || store.logs[0].Status != db.RunStatusError || store.logs[0].Message == "" {
		t.Fatalf("logs = %+v", store.logs)
	}
}

func TestCheckQueryCommitError(t *testing.T) {
	store := &fakeRunStore{commitErr: errors.New("deadlock")}
	c := newTestCoordinator(store, &fakeSource{result: sourceResult("A")}, &fakeDispatch{})

	res := c.CheckQuery(context.Background(), testQuery(), true)

	if res.Status != db.RunStatusError {
		t.Fatalf("status %s", res.Status)
	}
	if store.unlocks != 1 {
		t.Fatal("failed commit must still release the lock")
	}
}

func TestCheckQueryDispatchFailureLeavesUnnotified(t *testing.T) {
	store := &fakeRunStore{}
	c := newTestCoordinator(store, &fakeSource{result: sourceResult("A")}, &fakeDispatch{failAll: true})

	res := c.CheckQuery(context.Background(), testQuery(), true)

	if res.Status != db.RunStatusSuccess {
		t.Fatalf("a failed dispatch is not a failed run, got %s", res.Status)
	}
	if res.NotificationsSent != 0 {
		t.Fatalf("notifications = %d", res.NotificationsSent)
	}
	mut := store.commits[0]
	if len(mut.NewRecords) != 1 || mut.NewRecords[0].NotifiedAt != nil {
		t.Fatal("undelivered rows must stay unnotified for the next tick")
	}
}

func TestCheckQueryReminders(t *testing.T) {
	now := time.Now().UTC()
	dueAt := now.Add(-2 * time.Hour)
	recentAt := now.Add(-10 * time.Minute)

	due := knownRecord("e-due", "A")
	due.NotifiedAt = &dueAt
	recent := knownRecord("e-recent", "B")
	recent.NotifiedAt = &recentAt

	store := &fakeRunStore{known: []*db.ErrorRecord{due, recent}}
	d := &fakeDispatch{}
	c := newTestCoordinator(store, &fakeSource{result: sourceResult("A", "B")}, d)

	res := c.CheckQuery(context.Background(), testQuery(), true)

	if res.Status != db.RunStatusSuccess {
		t.Fatalf("status %s: %s", res.Status, res.Message)
	}
	if res.NewErrors != 0 || res.ResolvedErrors != 0 {
		t.Fatalf("new=%d resolved=%d", res.NewErrors, res.ResolvedErrors)
	}
	if res.RemindersSent != 1 {
		t.Fatalf("reminders = %d", res.RemindersSent)
	}

	mut := store.commits[0]
	if len(mut.ReminderIDs) != 1 || mut.ReminderIDs[0] != "e-due" {
		t.Fatalf("reminder ids = %v", mut.ReminderIDs)
	}
	if len(mut.ContinuingIDs) != 2 {
		t.Fatalf("continuing ids = %v", mut.ContinuingIDs)
	}
	if len(d.calls) != 1 || d.calls[0].kind != db.KindReminder {
		t.Fatalf("dispatch calls = %+v", d.calls)
	}
	if d.calls[0].rows != 1 {
		t.Fatalf("reminder dispatch saw %d rows, want only the due one", d.calls[0].rows)
	}
}

func TestCheckQueryReminderFailureKeepsCounter(t *testing.T) {
	now := time.Now().UTC()
	dueAt := now.Add(-2 * time.Hour)
	due := knownRecord("e-due", "A")
	due.NotifiedAt = &dueAt

	store := &fakeRunStore{known: []*db.ErrorRecord{due}}
	c := newTestCoordinator(store, &fakeSource{result: sourceResult("A")}, &fakeDispatch{failAll: true})

	res := c.CheckQuery(context.Background(), testQuery(), true)

	if res.RemindersSent != 0 {
		t.Fatalf("reminders = %d", res.RemindersSent)
	}
	if len(store.commits[0].ReminderIDs) != 0 {
		t.Fatal("failed reminder must not advance the counter")
	}
}

func TestCheckQueryResolves(t *testing.T) {
	store := &fakeRunStore{known: []*db.ErrorRecord{knownRecord("e1", "A")}}
	d := &fakeDispatch{}
	c := newTestCoordinator(store, &fakeSource{result: sourceResult()}, d)

	res := c.CheckQuery(context.Background(), testQuery(), true)

	if res.ResolvedErrors != 1 || res.ActiveErrors != 0 {
		t.Fatalf("resolved=%d active=%d", res.ResolvedErrors, res.ActiveErrors)
	}
	if len(store.commits[0].ResolvedIDs) != 1 {
		t.Fatalf("resolved ids = %v", store.commits[0].ResolvedIDs)
	}
	if len(d.calls) != 0 {
		t.Fatal("nothing new and nothing due sends nothing")
	}
}
