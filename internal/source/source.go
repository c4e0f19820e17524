// Package source fetches the raw rows a monitored query runs against.
// A source hides its transport (SQL driver or HTTP endpoint) behind one
// interface and always delivers rows as core.Row, so detection and
// routing never see driver-specific types.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
)

// ErrBadShape marks a response whose payload cannot be read as a row
// set (HTTP bodies that are neither an object nor an array of objects).
var ErrBadShape = errors.New("response is not a row set")

const sampleRows = 5

// Result is one execution's output. Columns preserve the source order
// for SQL and are sorted for HTTP, where JSON objects carry no order.
type Result struct {
	Columns []string   `json:"columns"`
	Rows    []core.Row `json:"rows"`
}

// Field describes one available column, used by the admin API to help
// configure key fields and routing conditions.
type Field struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Sample string `json:"sample,omitempty"`
}

// TestReport is the outcome of a configuration test run.
type TestReport struct {
	Success  bool       `json:"success"`
	Message  string     `json:"message"`
	Columns  []string   `json:"columns,omitempty"`
	RowCount int        `json:"row_count"`
	Sample   []core.Row `json:"sample_rows,omitempty"`
}

// Source executes a configured query against its backing system.
type Source interface {
	Execute(ctx context.Context) (*Result, error)
	Test(ctx context.Context) *TestReport
	Fields(ctx context.Context) ([]Field, error)
}

// ConnectionGetter resolves a stored connection id. *db.Repository
// satisfies it.
type ConnectionGetter interface {
	GetConnection(id string) (*db.SourceConnection, error)
}

// New builds the source for a query. SQL queries need their connection
// row resolved by the caller; HTTP queries are self-contained.
func New(q *db.MonitoredQuery, conn *db.SourceConnection) (Source, error) {
	switch q.SourceType {
	case db.SourceTypeSQL:
		if conn == nil {
			return nil, fmt.Errorf("query %s: sql source without a connection", q.Name)
		}
		return newSQLSource(conn, q.SQLText), nil
	case db.SourceTypeHTTP:
		return newHTTPSource(q.HTTPConfig), nil
	default:
		return nil, fmt.Errorf("query %s: unsupported source type %q", q.Name, q.SourceType)
	}
}

// Factory returns a resolver that builds the source for a query,
// looking up its connection when one is referenced. The run
// coordinator and the admin API share one factory.
func Factory(conns ConnectionGetter) func(*db.MonitoredQuery) (Source, error) {
	return func(q *db.MonitoredQuery) (Source, error) {
		var conn *db.SourceConnection
		if q.ConnectionID != nil {
			var err error
			conn, err = conns.GetConnection(*q.ConnectionID)
			if err != nil {
				return nil, fmt.Errorf("query %s: resolve connection: %w", q.Name, err)
			}
			if !conn.Enabled {
				return nil, fmt.Errorf("query %s: connection %s is disabled", q.Name, conn.Name)
			}
		}
		return New(q, conn)
	}
}

// reportFor runs the source once and wraps the outcome for the admin
// test endpoint. Failures become a message, never an error: the caller
// is a human checking configuration.
func reportFor(ctx context.Context, s Source) *TestReport {
	res, err := s.Execute(ctx)
	if err != nil {
		return &TestReport{Success: false, Message: err.Error()}
	}
	sample := res.Rows
	if len(sample) > sampleRows {
		sample = sample[:sampleRows]
	}
	return &TestReport{
		Success:  true,
		Message:  fmt.Sprintf("connection ok, %d rows returned", len(res.Rows)),
		Columns:  res.Columns,
		RowCount: len(res.Rows),
		Sample:   sample,
	}
}

// fieldsFor runs the source once and types each column from the first
// row.
func fieldsFor(ctx context.Context, s Source) ([]Field, error) {
	res, err := s.Execute(ctx)
	if err != nil {
		return nil, err
	}

	fields := make([]Field, 0, len(res.Columns))
	var first core.Row
	if len(res.Rows) > 0 {
		first = res.Rows[0]
	}
	for _, col := range res.Columns {
		f := Field{Name: col, Type: "text"}
		if v, ok := first.Lookup(col); ok && !v.IsNull() {
			switch v.Kind() {
			case core.KindNumber:
				f.Type = "number"
			case core.KindBool:
				f.Type = "bool"
			default:
				if _, err := time.Parse(time.RFC3339, v.Render()); err == nil {
					f.Type = "date"
				}
			}
			f.Sample = clip(v.Render(), 100)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
