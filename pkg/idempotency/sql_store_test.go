package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

func TestSQLStore_PutIsConditionalUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO idempotency_records (.+) ON CONFLICT \(operation_key\) DO UPDATE (.+) WHERE idempotency_records.recorded_at <= \$4`).
		WithArgs("k", "2026-03-10T08:30:00.000000Z", `{"n":1}`, "2026-03-09T08:30:00.000000Z").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := NewSQLStore(db).Put(context.Background(), &contracts.IdempotencyRecord{
		OperationKey: "k",
		RecordedAt:   t0,
		Payload:      map[string]any{"n": 1},
	}, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Errors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT recorded_at, payload FROM idempotency_records").
		WithArgs("k").
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectExec("DELETE FROM idempotency_records").
		WillReturnError(errors.New("connection reset by peer"))

	s := NewSQLStore(db)
	_, err = s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)
	_, err = s.DeleteExpired(context.Background(), t0)
	assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}
