// Package database opens the SQL backing store shared by the ledger, spending,
// idempotency, approval and alert stores. SQLite (modernc) and Postgres
// (lib/pq) are supported; both accept $N placeholders so stores keep a single
// set of statements and only the DDL differs.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the DDL variant.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// SerialPrimaryKey is the column definition of an auto-assigned, increasing
// integer key.
func (d Dialect) SerialPrimaryKey() string {
	if d == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// DB pairs an open handle with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects and pings. For sqlite, dsn is a file path (parent
// directories are created) or ":memory:".
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case SQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0750); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// modernc serializes writers per connection; a single connection
			// keeps ":memory:" databases shared and avoids SQLITE_BUSY.
			db.SetMaxOpenConns(1)
		}
	case Postgres:
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", dialect, err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// Migrator is implemented by every SQL store.
type Migrator interface {
	Init(ctx context.Context) error
}

// Migrate runs each store's schema setup in order.
func Migrate(ctx context.Context, stores ...Migrator) error {
	for _, s := range stores {
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// TimeLayout is fixed-width so stored instants compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in UTC with microsecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// FormatNullTime renders nil as SQL NULL.
func FormatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseTime accepts TimeLayout and RFC 3339 variants.
func ParseTime(value string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", value, err)
	}
	return t.UTC(), nil
}

// ParseNullTime maps SQL NULL to nil.
func ParseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := ParseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
