package source

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"

	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// sqlSource runs one SELECT against a configured external database.
// Connections are opened per execution: monitored databases are
// third-party systems queried every few minutes at most, and holding
// a pool per connection row would keep idle sockets open across the
// whole fleet.
type sqlSource struct {
	conn  *db.SourceConnection
	query string
}

func newSQLSource(conn *db.SourceConnection, query string) *sqlSource {
	return &sqlSource{conn: conn, query: query}
}

func (s *sqlSource) Execute(ctx context.Context) (*Result, error) {
	driverName, dataSource, err := buildDSN(s.conn)
	if err != nil {
		return nil, err
	}

	dbx, err := sqlx.Open(driverName, dataSource)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.conn.Name, err)
	}
	defer dbx.Close()
	dbx.SetMaxOpenConns(1)

	rows, err := dbx.QueryxContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.conn.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	out := make([]core.Row, 0)
	for rows.Next() {
		record := make(map[string]any, len(cols))
		if err := rows.MapScan(record); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, core.RowFromAny(record))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}

	return &Result{Columns: cols, Rows: out}, nil
}

func (s *sqlSource) Test(ctx context.Context) *TestReport {
	return reportFor(ctx, s)
}

func (s *sqlSource) Fields(ctx context.Context) ([]Field, error) {
	return fieldsFor(ctx, s)
}

// buildDSN maps a stored connection onto a registered driver and its
// DSN dialect. SQLite connections carry the file path in Database.
func buildDSN(c *db.SourceConnection) (driverName, dataSource string, err error) {
	switch c.Driver {
	case db.DriverPostgres:
		ssl := "disable"
		if v, ok := c.Options["sslmode"].(string); ok && v != "" {
			ssl = v
		}
		return "postgres", fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, portOr(c.Port, 5432), c.Username, c.Password, c.Database, ssl,
		), nil

	case db.DriverMySQL:
		return "mysql", fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.Username, c.Password, c.Host, portOr(c.Port, 3306), c.Database,
		), nil

	case db.DriverSQLServer:
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(c.Username, c.Password),
			Host:     fmt.Sprintf("%s:%d", c.Host, portOr(c.Port, 1433)),
			RawQuery: url.Values{"database": {c.Database}}.Encode(),
		}
		return "sqlserver", u.String(), nil

	case db.DriverSQLite:
		return "sqlite", c.Database, nil

	default:
		return "", "", fmt.Errorf("connection %s: unsupported driver %q", c.Name, c.Driver)
	}
}

func portOr(p, fallback int) int {
	if p > 0 {
		return p
	}
	return fallback
}
