package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leozw/query-guardian/internal/core"
)

type SourceType string

const (
	SourceTypeSQL  SourceType = "sql"
	SourceTypeHTTP SourceType = "http"
)

type SourceDriver string

const (
	DriverPostgres  SourceDriver = "postgres"
	DriverMySQL     SourceDriver = "mysql"
	DriverSQLServer SourceDriver = "sqlserver"
	DriverSQLite    SourceDriver = "sqlite"
)

type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
	RunStatusSkipped RunStatus = "skipped"
)

type NoMatchAction string

const (
	NoMatchSendDefault NoMatchAction = "send_default"
	NoMatchSkip        NoMatchAction = "skip"
)

type Aggregation string

const (
	AggregatePerRecipient Aggregation = "per_recipient"
	AggregatePerError     Aggregation = "per_error"
)

type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

type NotificationKind string

const (
	KindNewErrors NotificationKind = "new"
	KindReminder  NotificationKind = "reminder"
)

type MonitoredQuery struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
	Enabled     bool   `json:"enabled" db:"enabled"`

	// Source
	SourceType   SourceType `json:"source_type" db:"source_type"`
	ConnectionID *string    `json:"connection_id,omitempty" db:"connection_id"`
	SQLText      string     `json:"sql_text,omitempty" db:"sql_text"`
	HTTPConfig   HTTPConfig `json:"http_config,omitempty" db:"http_config"`

	// Identity of an error row
	KeyFields StringSlice `json:"key_fields" db:"key_fields"`

	// Schedule
	IntervalMinutes int        `json:"interval_minutes" db:"interval_minutes"`
	ScheduleStart   *TimeOfDay `json:"schedule_start,omitempty" db:"schedule_start"`
	ScheduleEnd     *TimeOfDay `json:"schedule_end,omitempty" db:"schedule_end"`
	ReferenceTime   *TimeOfDay `json:"reference_time,omitempty" db:"reference_time"`
	ScheduleDays    IntSlice   `json:"schedule_days" db:"schedule_days"`

	// Reminders
	ReminderEnabled         bool `json:"reminder_enabled" db:"reminder_enabled"`
	ReminderIntervalMinutes int  `json:"reminder_interval_minutes" db:"reminder_interval_minutes"`
	ReminderMaxCount        int  `json:"reminder_max_count" db:"reminder_max_count"`

	// Routing
	RoutingEnabled    bool          `json:"routing_enabled" db:"routing_enabled"`
	Recipients        StringSlice   `json:"recipients" db:"recipients"`
	DefaultRecipients StringSlice   `json:"default_recipients" db:"default_recipients"`
	NoMatchAction     NoMatchAction `json:"no_match_action" db:"no_match_action"`
	Aggregation       Aggregation   `json:"aggregation" db:"aggregation"`
	SubjectTemplate   string        `json:"subject_template" db:"subject_template"`

	Tags JSONB `json:"tags" db:"tags"`

	// Run bookkeeping
	LockedAt               *time.Time `json:"-" db:"locked_at"`
	TotalErrorsFound       int        `json:"total_errors_found" db:"total_errors_found"`
	TotalNotificationsSent int        `json:"total_notifications_sent" db:"total_notifications_sent"`
	LastCheckAt            *time.Time `json:"last_check_at" db:"last_check_at"`
	LastErrorAt            *time.Time `json:"last_error_at" db:"last_error_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type HTTPConfig struct {
	URL          string            `json:"url,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         map[string]any    `json:"body,omitempty"`
	TimeoutSecs  int               `json:"timeout,omitempty"`
	ResponsePath string            `json:"response_path,omitempty"`
	Auth         *HTTPAuth         `json:"auth,omitempty"`
}

type HTTPAuth struct {
	Type     string `json:"type"` // basic, bearer, api_key
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	KeyName  string `json:"key_name,omitempty"`
	KeyValue string `json:"key_value,omitempty"`
	AddTo    string `json:"add_to,omitempty"` // header or query
}

type SourceConnection struct {
	ID        string       `json:"id" db:"id"`
	Name      string       `json:"name" db:"name"`
	Driver    SourceDriver `json:"driver" db:"driver"`
	Host      string       `json:"host" db:"host"`
	Port      int          `json:"port" db:"port"`
	Database  string       `json:"database" db:"database"`
	Username  string       `json:"username" db:"username"`
	Password  string       `json:"-" db:"password"`
	Options   JSONB        `json:"options" db:"options"`
	Enabled   bool         `json:"enabled" db:"enabled"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

type ErrorRecord struct {
	ID              string     `json:"id" db:"id"`
	QueryID         string     `json:"query_id" db:"query_id"`
	Hash            string     `json:"error_hash" db:"error_hash"`
	Payload         RowPayload `json:"payload" db:"payload"`
	FirstSeenAt     time.Time  `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt      time.Time  `json:"last_seen_at" db:"last_seen_at"`
	OccurrenceCount int        `json:"occurrence_count" db:"occurrence_count"`
	ResolvedAt      *time.Time `json:"resolved_at" db:"resolved_at"`
	NotifiedAt      *time.Time `json:"notified_at" db:"notified_at"`
	ReminderCount   int        `json:"reminder_count" db:"reminder_count"`
	LastReminderAt  *time.Time `json:"last_reminder_at" db:"last_reminder_at"`
}

func (e *ErrorRecord) Resolved() bool { return e.ResolvedAt != nil }
func (e *ErrorRecord) Notified() bool { return e.NotifiedAt != nil }

type RoutingRule struct {
	ID          string         `json:"id" db:"id"`
	QueryID     string         `json:"query_id" db:"query_id"`
	Name        string         `json:"name" db:"name"`
	Logic       ConditionLogic `json:"condition_logic" db:"condition_logic"`
	Recipients  StringSlice    `json:"recipients" db:"recipients"`
	Priority    int            `json:"priority" db:"priority"`
	StopOnMatch bool           `json:"stop_on_match" db:"stop_on_match"`
	Enabled     bool           `json:"enabled" db:"enabled"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`

	Conditions []RoutingCondition `json:"conditions" db:"-"`
}

type RoutingCondition struct {
	ID            string `json:"id" db:"id"`
	RuleID        string `json:"rule_id" db:"rule_id"`
	Field         string `json:"field_name" db:"field_name"`
	Operator      string `json:"operator" db:"operator"`
	Value         string `json:"compare_value" db:"compare_value"`
	CaseSensitive bool   `json:"case_sensitive" db:"case_sensitive"`
	Position      int    `json:"position" db:"position"`
}

type NotificationChannel struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Type       string     `json:"type" db:"type"` // webhook, telegram, teams
	Config     JSONB      `json:"config" db:"config"`
	Enabled    bool       `json:"enabled" db:"enabled"`
	TotalSent  int        `json:"total_sent" db:"total_sent"`
	LastSentAt *time.Time `json:"last_sent_at" db:"last_sent_at"`
	LastError  *string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

type QueryLog struct {
	ID                string    `json:"id" db:"id"`
	QueryID           string    `json:"query_id" db:"query_id"`
	Status            RunStatus `json:"status" db:"status"`
	RowsReturned      int       `json:"rows_returned" db:"rows_returned"`
	NewErrors         int       `json:"new_errors" db:"new_errors"`
	ResolvedErrors    int       `json:"resolved_errors" db:"resolved_errors"`
	RemindersSent     int       `json:"reminders_sent" db:"reminders_sent"`
	NotificationsSent int       `json:"notifications_sent" db:"notifications_sent"`
	ExecutionTimeMs   int       `json:"execution_time_ms" db:"execution_time_ms"`
	Message           string    `json:"message,omitempty" db:"message"`
	ExecutedAt        time.Time `json:"executed_at" db:"executed_at"`
}

type NotificationLog struct {
	ID         string           `json:"id" db:"id"`
	QueryID    string           `json:"query_id" db:"query_id"`
	Channel    string           `json:"channel" db:"channel"`
	Recipients StringSlice      `json:"recipients" db:"recipients"`
	Kind       NotificationKind `json:"kind" db:"kind"`
	ErrorCount int              `json:"error_count" db:"error_count"`
	Status     string           `json:"status" db:"status"` // sent, failed
	Error      *string          `json:"error_message,omitempty" db:"error_message"`
	SentAt     time.Time        `json:"sent_at" db:"sent_at"`
}

// Custom types for PostgreSQL arrays and JSONB

type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = []string{}
		return nil
	}
	return json.Unmarshal(value.([]byte), s)
}

type IntSlice []int

func (s IntSlice) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *IntSlice) Scan(value interface{}) error {
	if value == nil {
		*s = []int{}
		return nil
	}
	return json.Unmarshal(value.([]byte), s)
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	return json.Unmarshal(value.([]byte), j)
}

func (hc HTTPConfig) Value() (driver.Value, error) {
	return json.Marshal(hc)
}

func (hc *HTTPConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return json.Unmarshal(value.([]byte), hc)
}

// RowPayload persists a result row as JSONB.
type RowPayload core.Row

func (p RowPayload) Value() (driver.Value, error) {
	return json.Marshal(core.Row(p))
}

func (p *RowPayload) Scan(value interface{}) error {
	if value == nil {
		*p = RowPayload{}
		return nil
	}
	return json.Unmarshal(value.([]byte), (*core.Row)(p))
}

func (p RowPayload) Row() core.Row { return core.Row(p) }

// TimeOfDay is a wall-clock minute of day (0..1439), stored as an
// integer column and rendered as HH:MM in JSON and logs.
type TimeOfDay int

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return NewTimeOfDay(h, m), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// At anchors the time of day on the calendar date of ref.
func (t TimeOfDay) At(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, ref.Location())
}

func (t TimeOfDay) Value() (driver.Value, error) {
	return int64(t), nil
}

func (t *TimeOfDay) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*t = 0
	case int64:
		*t = TimeOfDay(v)
	case []byte:
		parsed, err := ParseTimeOfDay(string(v))
		if err != nil {
			return err
		}
		*t = parsed
	default:
		return fmt.Errorf("cannot scan %T into TimeOfDay", value)
	}
	return nil
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
