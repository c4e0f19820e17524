// Package stats aggregates run history into per-query health reports.
package stats

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/db"
)

// Report is the aggregated run history of one query over a period.
// Rates and averages cover executed runs only; skips carry no signal
// about the query's health.
type Report struct {
	QueryID     string    `json:"query_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	TotalRuns      int `json:"total_runs"`
	SuccessfulRuns int `json:"successful_runs"`
	FailedRuns     int `json:"failed_runs"`
	SkippedRuns    int `json:"skipped_runs"`

	SuccessRate     float64 `json:"success_rate"`
	NewErrors       int     `json:"new_errors"`
	ResolvedErrors  int     `json:"resolved_errors"`
	RemindersSent   int     `json:"reminders_sent"`
	Notifications   int     `json:"notifications_sent"`
	AvgExecutionMs  int     `json:"avg_execution_ms"`
	MaxExecutionMs  int     `json:"max_execution_ms"`
	AvgRowsReturned float64 `json:"avg_rows_returned"`

	LastRunAt  *time.Time   `json:"last_run_at,omitempty"`
	LastStatus db.RunStatus `json:"last_status,omitempty"`
}

// Store provides the run history. *db.Repository satisfies it.
type Store interface {
	GetQueryLogsInPeriod(queryID string, from, to time.Time) ([]*db.QueryLog, error)
}

type Calculator struct {
	store  Store
	logger *zap.Logger
}

func NewCalculator(store Store, logger *zap.Logger) *Calculator {
	return &Calculator{store: store, logger: logger}
}

// ForQuery builds the report for one query over [from, to]. A period
// without runs yields an empty report, not an error: paused queries
// are a normal state.
func (c *Calculator) ForQuery(queryID string, from, to time.Time) (*Report, error) {
	logs, err := c.store.GetQueryLogsInPeriod(queryID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load query logs: %w", err)
	}
	return Aggregate(queryID, from, to, logs), nil
}

// LastDays reports over the trailing n days, defaulting to a week.
func (c *Calculator) LastDays(queryID string, days int) (*Report, error) {
	if days <= 0 {
		days = 7
	}
	now := time.Now().UTC()
	return c.ForQuery(queryID, now.AddDate(0, 0, -days), now)
}

// Aggregate folds ordered log rows into a report.
func Aggregate(queryID string, from, to time.Time, logs []*db.QueryLog) *Report {
	report := &Report{
		QueryID:     queryID,
		PeriodStart: from,
		PeriodEnd:   to,
		TotalRuns:   len(logs),
	}
	if len(logs) == 0 {
		return report
	}

	var totalMs, totalRows int
	for _, l := range logs {
		switch l.Status {
		case db.RunStatusSuccess:
			report.SuccessfulRuns++
		case db.RunStatusError:
			report.FailedRuns++
		default:
			report.SkippedRuns++
		}

		report.NewErrors += l.NewErrors
		report.ResolvedErrors += l.ResolvedErrors
		report.RemindersSent += l.RemindersSent
		report.Notifications += l.NotificationsSent

		if l.Status != db.RunStatusSkipped {
			totalMs += l.ExecutionTimeMs
			totalRows += l.RowsReturned
			if l.ExecutionTimeMs > report.MaxExecutionMs {
				report.MaxExecutionMs = l.ExecutionTimeMs
			}
		}
	}

	executed := report.SuccessfulRuns + report.FailedRuns
	if executed > 0 {
		report.SuccessRate = float64(report.SuccessfulRuns) / float64(executed) * 100
		report.AvgExecutionMs = totalMs / executed
		report.AvgRowsReturned = float64(totalRows) / float64(executed)
	}

	last := logs[len(logs)-1]
	t := last.ExecutedAt
	report.LastRunAt = &t
	report.LastStatus = last.Status
	return report
}
