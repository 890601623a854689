package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteCreatesDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gov.db")
	db, err := Open(context.Background(), SQLite, path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.Equal(t, SQLite, db.Dialect)
	_, err = db.ExecContext(context.Background(), "CREATE TABLE t (id "+db.Dialect.SerialPrimaryKey()+", v TEXT)")
	require.NoError(t, err)
}

func TestOpen_UnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Dialect("oracle"), "x")
	assert.Error(t, err)
}

func TestSerialPrimaryKey(t *testing.T) {
	assert.Equal(t, "BIGSERIAL PRIMARY KEY", Postgres.SerialPrimaryKey())
	assert.Contains(t, SQLite.SerialPrimaryKey(), "AUTOINCREMENT")
}

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 0, 0, 123456000, time.UTC)
	parsed, err := ParseTime(FormatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))

	// Fixed width keeps lexical order equal to chronological order.
	earlier := FormatTime(ts)
	later := FormatTime(ts.Add(time.Second))
	assert.Less(t, earlier, later)
	assert.Len(t, FormatTime(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)), len(earlier))
}

func TestParseTime_RFC3339(t *testing.T) {
	parsed, err := ParseTime("2026-03-01T09:00:00+01:00")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
	assert.Equal(t, 8, parsed.Hour())

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}

func TestNullTime(t *testing.T) {
	assert.False(t, FormatNullTime(nil).Valid)

	got, err := ParseNullTime(sql.NullString{})
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().UTC().Truncate(time.Microsecond)
	got, err = ParseNullTime(FormatNullTime(&now))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
}

type migratorFunc func(ctx context.Context) error

func (f migratorFunc) Init(ctx context.Context) error { return f(ctx) }

func TestMigrate_StopsOnFirstError(t *testing.T) {
	var calls int
	ok := migratorFunc(func(context.Context) error { calls++; return nil })
	bad := migratorFunc(func(context.Context) error { calls++; return errors.New("boom") })

	err := Migrate(context.Background(), ok, bad, ok)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}
