package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

// LockTTL bounds how long a run may hold the advisory lock before
// another coordinator is allowed to steal it.
const LockTTL = 5 * time.Minute

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping() error { return r.db.Ping() }

// Query operations

func (r *Repository) GetQuery(id string) (*MonitoredQuery, error) {
	var q MonitoredQuery
	query := `SELECT * FROM monitored_queries WHERE id = $1`
	err := r.db.Get(&q, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &q, err
}

func (r *Repository) ListQueries() ([]*MonitoredQuery, error) {
	queries := []*MonitoredQuery{}
	query := `SELECT * FROM monitored_queries ORDER BY name`
	err := r.db.Select(&queries, query)
	return queries, err
}

func (r *Repository) GetConnection(id string) (*SourceConnection, error) {
	var c SourceConnection
	query := `SELECT * FROM source_connections WHERE id = $1`
	err := r.db.Get(&c, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *Repository) ListConnections() ([]*SourceConnection, error) {
	conns := []*SourceConnection{}
	query := `SELECT * FROM source_connections ORDER BY name`
	err := r.db.Select(&conns, query)
	return conns, err
}

// Advisory lock

// TryLockQuery attempts to take the single-flight lock for a query.
// The conditional UPDATE is the atomicity boundary: of N concurrent
// callers exactly one sees rows-affected == 1. A lock older than
// LockTTL counts as abandoned and may be stolen.
func (r *Repository) TryLockQuery(id string, now time.Time) (bool, error) {
	query := `
		UPDATE monitored_queries
		SET locked_at = $2
		WHERE id = $1 AND (locked_at IS NULL OR locked_at < $3)`

	res, err := r.db.Exec(query, id, now, now.Add(-LockTTL))
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return n == 1, nil
}

func (r *Repository) UnlockQuery(id string) error {
	_, err := r.db.Exec(`UPDATE monitored_queries SET locked_at = NULL WHERE id = $1`, id)
	return err
}

// Error records

func (r *Repository) GetUnresolvedErrors(queryID string) ([]*ErrorRecord, error) {
	records := []*ErrorRecord{}
	query := `
		SELECT * FROM error_records
		WHERE query_id = $1 AND resolved_at IS NULL
		ORDER BY first_seen_at`

	err := r.db.Select(&records, query, queryID)
	return records, err
}

func (r *Repository) CountUnresolvedErrors(queryID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM error_records WHERE query_id = $1 AND resolved_at IS NULL`
	err := r.db.Get(&count, query, queryID)
	return count, err
}

// ResolveError marks one error resolved by hand. ErrNotFound covers
// both a bad id and an already-resolved record.
func (r *Repository) ResolveError(id string, now time.Time) error {
	res, err := r.db.Exec(`
		UPDATE error_records
		SET resolved_at = $2
		WHERE id = $1 AND resolved_at IS NULL`, id, now)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RunMutation is everything a successful run wants to persist. It is
// committed in a single transaction so a half-applied run can never be
// observed; the lock clear rides in the same transaction as the final
// state mutation of the run.
type RunMutation struct {
	Now               time.Time
	NewRecords        []*ErrorRecord
	ContinuingIDs     []string
	ResolvedIDs       []string
	ReminderIDs       []string
	NotificationsSent int
}

func (r *Repository) CommitRun(queryID string, mut *RunMutation) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO error_records (
			id, query_id, error_hash, payload, first_seen_at, last_seen_at,
			occurrence_count, resolved_at, notified_at, reminder_count, last_reminder_at
		) VALUES (
			:id, :query_id, :error_hash, :payload, :first_seen_at, :last_seen_at,
			:occurrence_count, :resolved_at, :notified_at, :reminder_count, :last_reminder_at
		)`

	for _, rec := range mut.NewRecords {
		if _, err = tx.NamedExec(insert, rec); err != nil {
			return fmt.Errorf("insert error record: %w", err)
		}
	}

	if len(mut.ContinuingIDs) > 0 {
		_, err = tx.Exec(`
			UPDATE error_records
			SET last_seen_at = $1, occurrence_count = occurrence_count + 1
			WHERE id = ANY($2)`, mut.Now, pq.Array(mut.ContinuingIDs))
		if err != nil {
			return fmt.Errorf("update continuing errors: %w", err)
		}
	}

	if len(mut.ResolvedIDs) > 0 {
		_, err = tx.Exec(`
			UPDATE error_records
			SET resolved_at = $1
			WHERE id = ANY($2)`, mut.Now, pq.Array(mut.ResolvedIDs))
		if err != nil {
			return fmt.Errorf("resolve errors: %w", err)
		}
	}

	if len(mut.ReminderIDs) > 0 {
		_, err = tx.Exec(`
			UPDATE error_records
			SET last_reminder_at = $1, reminder_count = reminder_count + 1
			WHERE id = ANY($2)`, mut.Now, pq.Array(mut.ReminderIDs))
		if err != nil {
			return fmt.Errorf("update reminders: %w", err)
		}
	}

	stats := `
		UPDATE monitored_queries
		SET last_check_at = $2,
		    locked_at = NULL,
		    total_errors_found = total_errors_found + $3,
		    total_notifications_sent = total_notifications_sent + $4,
		    last_error_at = CASE WHEN $3 > 0 THEN $2 ELSE last_error_at END,
		    updated_at = $2
		WHERE id = $1`

	_, err = tx.Exec(stats, queryID, mut.Now, len(mut.NewRecords), mut.NotificationsSent)
	if err != nil {
		return fmt.Errorf("update query stats: %w", err)
	}

	return tx.Commit()
}

// Routing rules

func (r *Repository) GetRoutingRules(queryID string) ([]*RoutingRule, error) {
	rules := []*RoutingRule{}
	query := `
		SELECT * FROM routing_rules
		WHERE query_id = $1 AND enabled = true
		ORDER BY priority, created_at`

	if err := r.db.Select(&rules, query, queryID); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return rules, nil
	}

	ids := make([]string, len(rules))
	byID := make(map[string]*RoutingRule, len(rules))
	for i, rule := range rules {
		ids[i] = rule.ID
		byID[rule.ID] = rule
	}

	conditions := []RoutingCondition{}
	err := r.db.Select(&conditions, `
		SELECT * FROM routing_conditions
		WHERE rule_id = ANY($1)
		ORDER BY position, id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for _, cond := range conditions {
		rule := byID[cond.RuleID]
		rule.Conditions = append(rule.Conditions, cond)
	}

	return rules, nil
}

// Notification channels

func (r *Repository) GetQueryChannels(queryID string) ([]*NotificationChannel, error) {
	channels := []*NotificationChannel{}
	query := `
		SELECT c.* FROM notification_channels c
		JOIN query_channels qc ON qc.channel_id = c.id
		WHERE qc.query_id = $1 AND c.enabled = true
		ORDER BY c.name`

	err := r.db.Select(&channels, query, queryID)
	return channels, err
}

func (r *Repository) BumpChannelStats(channelID string, sent bool, sendErr string, now time.Time) error {
	if sent {
		_, err := r.db.Exec(`
			UPDATE notification_channels
			SET total_sent = total_sent + 1, last_sent_at = $2, last_error = NULL
			WHERE id = $1`, channelID, now)
		return err
	}
	_, err := r.db.Exec(`
		UPDATE notification_channels
		SET last_error = $2
		WHERE id = $1`, channelID, sendErr)
	return err
}

// Audit logs

func (r *Repository) InsertQueryLog(l *QueryLog) error {
	query := `
		INSERT INTO query_logs (
			id, query_id, status, rows_returned, new_errors, resolved_errors,
			reminders_sent, notifications_sent, execution_time_ms, message, executed_at
		) VALUES (
			:id, :query_id, :status, :rows_returned, :new_errors, :resolved_errors,
			:reminders_sent, :notifications_sent, :execution_time_ms, :message, :executed_at
		)`

	_, err := r.db.NamedExec(query, l)
	return err
}

func (r *Repository) GetQueryLogs(queryID string, limit int) ([]*QueryLog, error) {
	logs := []*QueryLog{}
	query := `
		SELECT * FROM query_logs
		WHERE query_id = $1
		ORDER BY executed_at DESC
		LIMIT $2`

	err := r.db.Select(&logs, query, queryID, limit)
	return logs, err
}

func (r *Repository) GetQueryLogsInPeriod(queryID string, from, to time.Time) ([]*QueryLog, error) {
	logs := []*QueryLog{}
	query := `
		SELECT * FROM query_logs
		WHERE query_id = $1 AND executed_at >= $2 AND executed_at <= $3
		ORDER BY executed_at ASC`

	err := r.db.Select(&logs, query, queryID, from, to)
	return logs, err
}

func (r *Repository) InsertNotificationLog(l *NotificationLog) error {
	query := `
		INSERT INTO notification_logs (
			id, query_id, channel, recipients, kind, error_count, status, error_message, sent_at
		) VALUES (
			:id, :query_id, :channel, :recipients, :kind, :error_count, :status, :error_message, :sent_at
		)`

	_, err := r.db.NamedExec(query, l)
	return err
}

// Retention cleanup

func (r *Repository) DeleteQueryLogsBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM query_logs WHERE executed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) DeleteNotificationLogsBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM notification_logs WHERE sent_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) DeleteResolvedErrorsBefore(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`
		DELETE FROM error_records
		WHERE resolved_at IS NOT NULL AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
