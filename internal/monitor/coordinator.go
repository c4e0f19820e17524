// Package monitor runs one full check cycle for a query: gate, lock,
// execute, diff against the error ledger, notify, and commit.
package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/notify"
	"github.com/leozw/query-guardian/internal/routing"
	"github.com/leozw/query-guardian/internal/schedule"
	"github.com/leozw/query-guardian/internal/source"
)

// Store is the persistence surface of one run. *db.Repository
// satisfies it.
type Store interface {
	TryLockQuery(id string, now time.Time) (bool, error)
	UnlockQuery(id string) error
	GetUnresolvedErrors(queryID string) ([]*db.ErrorRecord, error)
	GetRoutingRules(queryID string) ([]*db.RoutingRule, error)
	CommitRun(queryID string, mut *db.RunMutation) error
	InsertQueryLog(l *db.QueryLog) error
}

// Dispatcher sends routed batches. *notify.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, q *db.MonitoredQuery, batches []routing.Batch, rows []core.Row, columns []string, kind db.NotificationKind) *notify.Report
}

// SourceFactory resolves the source for a query.
type SourceFactory func(*db.MonitoredQuery) (source.Source, error)

// ExecutionResult summarizes one CheckQuery invocation. The scheduler
// logs it, the run-now endpoint returns it verbatim.
type ExecutionResult struct {
	QueryID           string       `json:"query_id"`
	QueryName         string       `json:"query_name"`
	Status            db.RunStatus `json:"status"`
	RowsReturned      int          `json:"rows_returned"`
	NewErrors         int          `json:"new_errors"`
	ResolvedErrors    int          `json:"resolved_errors"`
	RemindersSent     int          `json:"reminders_sent"`
	NotificationsSent int          `json:"notifications_sent"`
	UnmatchedRows     int          `json:"unmatched_rows"`
	ActiveErrors      int          `json:"active_errors"`
	Message           string       `json:"message,omitempty"`
	DurationMs        int64        `json:"duration_ms"`
}

type Coordinator struct {
	store    Store
	sources  SourceFactory
	engine   *routing.Engine
	dispatch Dispatcher
	cfg      config.SchedulerConfig
	loc      *time.Location
	logger   *zap.Logger
}

func NewCoordinator(store Store, sources SourceFactory, engine *routing.Engine, dispatch Dispatcher, cfg config.SchedulerConfig, loc *time.Location, logger *zap.Logger) *Coordinator {
	if loc == nil {
		loc = time.UTC
	}
	return &Coordinator{
		store:    store,
		sources:  sources,
		engine:   engine,
		dispatch: dispatch,
		cfg:      cfg,
		loc:      loc,
		logger:   logger,
	}
}

// CheckQuery runs one complete cycle. Every invocation, including
// skips and failures, leaves exactly one query log row behind. The
// single-flight lock is released by the commit on success and
// explicitly on every other path out.
func (c *Coordinator) CheckQuery(ctx context.Context, q *db.MonitoredQuery, force bool) *ExecutionResult {
	started := time.Now()
	now := started.In(c.loc)
	res := &ExecutionResult{QueryID: q.ID, QueryName: q.Name, Status: db.RunStatusSuccess}
	defer func() {
		res.DurationMs = time.Since(started).Milliseconds()
		c.audit(res, now)
	}()

	if !q.Enabled {
		return c.skip(res, "query disabled")
	}
	if !force {
		if ok, reason := schedule.ShouldRunNow(q, now); !ok {
			return c.skip(res, reason)
		}
	}

	locked, err := c.store.TryLockQuery(q.ID, now)
	if err != nil {
		return c.fail(res, err)
	}
	if !locked {
		return c.skip(res, "already running")
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := c.store.UnlockQuery(q.ID); err != nil {
			c.logger.Error("release lock", zap.String("query", q.Name), zap.Error(err))
		}
	}()

	src, err := c.sources(q)
	if err != nil {
		return c.fail(res, err)
	}

	srcCtx, cancel := c.bounded(ctx, c.cfg.SourceTimeout)
	out, err := src.Execute(srcCtx)
	cancel()
	if err != nil {
		return c.fail(res, err)
	}
	res.RowsReturned = len(out.Rows)

	known, err := c.store.GetUnresolvedErrors(q.ID)
	if err != nil {
		return c.fail(res, err)
	}

	diff := DiffRows(out.Rows, q.KeyFields, known)
	res.NewErrors = len(diff.NewRows)
	res.ResolvedErrors = len(diff.Resolved)
	res.ActiveErrors = len(known) - len(diff.Resolved) + len(diff.NewRows)

	var due []*db.ErrorRecord
	for _, rec := range diff.Continuing {
		if NeedsReminder(rec, q, now) {
			due = append(due, rec)
		}
	}

	var rules []*db.RoutingRule
	if q.RoutingEnabled && (len(diff.NewRows) > 0 || len(due) > 0) {
		rules, err = c.store.GetRoutingRules(q.ID)
		if err != nil {
			return c.fail(res, err)
		}
	}

	mut := &db.RunMutation{Now: now}

	// New errors: notify first, then record. NotifiedAt is only set
	// for rows that actually reached somebody, so a failed dispatch
	// surfaces the same errors again as unnotified records.
	notified := make(map[string]bool)
	if len(diff.NewRows) > 0 {
		routed := c.engine.Route(q, rules, diff.NewRows)
		res.UnmatchedRows += routed.Unmatched

		report := c.send(ctx, q, routed.Batches, diff.NewRows, out.Columns, db.KindNewErrors)
		res.NotificationsSent += report.Total()
		for _, row := range report.Delivered {
			notified[HashRow(row, q.KeyFields)] = true
		}
	}

	for _, row := range diff.NewRows {
		h := HashRow(row, q.KeyFields)
		rec := &db.ErrorRecord{
			ID:              uuid.NewString(),
			QueryID:         q.ID,
			Hash:            h,
			Payload:         db.RowPayload(row),
			FirstSeenAt:     now,
			LastSeenAt:      now,
			OccurrenceCount: 1,
		}
		if notified[h] {
			t := now
			rec.NotifiedAt = &t
		}
		mut.NewRecords = append(mut.NewRecords, rec)
	}
	for _, rec := range diff.Continuing {
		mut.ContinuingIDs = append(mut.ContinuingIDs, rec.ID)
	}
	for _, rec := range diff.Resolved {
		mut.ResolvedIDs = append(mut.ResolvedIDs, rec.ID)
	}

	// Reminders ride the same routing rules over the stored payloads.
	// The counter only advances for records whose rows were delivered.
	if len(due) > 0 {
		rows := make([]core.Row, 0, len(due))
		byHash := make(map[string]*db.ErrorRecord, len(due))
		for _, rec := range due {
			rows = append(rows, rec.Payload.Row())
			byHash[rec.Hash] = rec
		}

		routed := c.engine.Route(q, rules, rows)
		res.UnmatchedRows += routed.Unmatched

		report := c.send(ctx, q, routed.Batches, rows, out.Columns, db.KindReminder)
		res.NotificationsSent += report.Total()

		reminded := make(map[string]bool)
		for _, row := range report.Delivered {
			rec, ok := byHash[HashRow(row, q.KeyFields)]
			if !ok || reminded[rec.ID] {
				continue
			}
			reminded[rec.ID] = true
			mut.ReminderIDs = append(mut.ReminderIDs, rec.ID)
		}
		res.RemindersSent = len(mut.ReminderIDs)
	}

	mut.NotificationsSent = res.NotificationsSent
	if err := c.store.CommitRun(q.ID, mut); err != nil {
		return c.fail(res, err)
	}
	committed = true

	c.logger.Info("check completed",
		zap.String("query", q.Name),
		zap.Int("rows", res.RowsReturned),
		zap.Int("new", res.NewErrors),
		zap.Int("resolved", res.ResolvedErrors),
		zap.Int("reminders", res.RemindersSent),
		zap.Int("notifications", res.NotificationsSent),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()))
	return res
}

func (c *Coordinator) send(ctx context.Context, q *db.MonitoredQuery, batches []routing.Batch, rows []core.Row, columns []string, kind db.NotificationKind) *notify.Report {
	sendCtx, cancel := c.bounded(ctx, c.cfg.DispatchTimeout)
	defer cancel()
	return c.dispatch.Dispatch(sendCtx, q, batches, rows, columns, kind)
}

func (c *Coordinator) bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Coordinator) skip(res *ExecutionResult, reason string) *ExecutionResult {
	res.Status = db.RunStatusSkipped
	res.Message = reason
	c.logger.Debug("check skipped",
		zap.String("query", res.QueryName),
		zap.String("reason", reason))
	return res
}

func (c *Coordinator) fail(res *ExecutionResult, err error) *ExecutionResult {
	res.Status = db.RunStatusError
	res.Message = err.Error()
	c.logger.Error("check failed",
		zap.String("query", res.QueryName),
		zap.Error(err))
	return res
}

// audit writes the one log row every invocation owes, best effort.
func (c *Coordinator) audit(res *ExecutionResult, now time.Time) {
	entry := &db.QueryLog{
		ID:                uuid.NewString(),
		QueryID:           res.QueryID,
		Status:            res.Status,
		RowsReturned:      res.RowsReturned,
		NewErrors:         res.NewErrors,
		ResolvedErrors:    res.ResolvedErrors,
		RemindersSent:     res.RemindersSent,
		NotificationsSent: res.NotificationsSent,
		ExecutionTimeMs:   int(res.DurationMs),
		Message:           res.Message,
		ExecutedAt:        now,
	}
	if err := c.store.InsertQueryLog(entry); err != nil {
		c.logger.Error("insert query log", zap.String("query", res.QueryName), zap.Error(err))
	}
}
