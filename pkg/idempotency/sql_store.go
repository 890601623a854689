package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/database"
)

// SQLStore keeps records in the shared SQL database.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var idempotencySchema = []string{
	`CREATE TABLE IF NOT EXISTS idempotency_records (
	operation_key TEXT PRIMARY KEY,
	recorded_at TEXT NOT NULL,
	payload TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_recorded_at ON idempotency_records (recorded_at)`,
}

func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range idempotencySchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init idempotency schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, error) {
	var (
		recordedAt string
		payload    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT recorded_at, payload FROM idempotency_records WHERE operation_key = $1`, key).
		Scan(&recordedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency record %q: %w", key, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, contracts.StorageError("get idempotency record", err)
	}

	rec := &contracts.IdempotencyRecord{OperationKey: key}
	if rec.RecordedAt, err = database.ParseTime(recordedAt); err != nil {
		return nil, contracts.StorageError("get idempotency record", err)
	}
	if payload.Valid {
		if rec.Payload, err = decodePayload([]byte(payload.String)); err != nil {
			return nil, contracts.StorageError("get idempotency record", err)
		}
	}
	return rec, nil
}

// Put relies on the conditional upsert: an existing row is only replaced
// when it has expired.
func (s *SQLStore) Put(ctx context.Context, rec *contracts.IdempotencyRecord, cutoff time.Time) (bool, error) {
	var payload sql.NullString
	if rec.Payload != nil {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return false, fmt.Errorf("encode payload: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (operation_key, recorded_at, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (operation_key) DO UPDATE
		SET recorded_at = excluded.recorded_at, payload = excluded.payload
		WHERE idempotency_records.recorded_at <= $4`,
		rec.OperationKey, database.FormatTime(rec.RecordedAt), payload, database.FormatTime(cutoff))
	if err != nil {
		return false, contracts.StorageError("put idempotency record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, contracts.StorageError("put idempotency record", err)
	}
	return n > 0, nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE recorded_at <= $1`, database.FormatTime(cutoff))
	if err != nil {
		return 0, contracts.StorageError("delete expired idempotency records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, contracts.StorageError("delete expired idempotency records", err)
	}
	return int(n), nil
}
