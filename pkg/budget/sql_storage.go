package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/database"
)

// SQLStorage keeps spending windows in the shared SQL database so every
// process instance enforces against the same counters.
type SQLStorage struct {
	db *sql.DB
}

func NewSQLStorage(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

const spendingSchema = `
CREATE TABLE IF NOT EXISTS spending_windows (
	actor_id TEXT PRIMARY KEY,
	daily BIGINT NOT NULL,
	weekly BIGINT NOT NULL,
	monthly BIGINT NOT NULL,
	daily_reset TEXT NOT NULL,
	weekly_reset TEXT NOT NULL,
	monthly_reset TEXT NOT NULL,
	version BIGINT NOT NULL
)`

func (s *SQLStorage) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, spendingSchema); err != nil {
		return fmt.Errorf("init spending schema: %w", err)
	}
	return nil
}

func (s *SQLStorage) Load(ctx context.Context, actorID string) (*contracts.SpendingWindow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT actor_id, daily, weekly, monthly, daily_reset, weekly_reset, monthly_reset, version
		FROM spending_windows WHERE actor_id = $1`, actorID)

	var (
		w                      contracts.SpendingWindow
		dReset, wReset, mReset string
	)
	err := row.Scan(&w.ActorID, &w.Daily, &w.Weekly, &w.Monthly, &dReset, &wReset, &mReset, &w.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, contracts.StorageError("load spending window", err)
	}
	for _, p := range []struct {
		dst *time.Time
		src string
	}{{&w.DailyReset, dReset}, {&w.WeeklyReset, wReset}, {&w.MonthlyReset, mReset}} {
		if *p.dst, err = database.ParseTime(p.src); err != nil {
			return nil, contracts.StorageError("load spending window", err)
		}
	}
	return &w, nil
}

func (s *SQLStorage) Save(ctx context.Context, w *contracts.SpendingWindow) error {
	var (
		res sql.Result
		err error
	)
	if w.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO spending_windows (actor_id, daily, weekly, monthly, daily_reset, weekly_reset, monthly_reset, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (actor_id) DO NOTHING`,
			w.ActorID, w.Daily, w.Weekly, w.Monthly,
			database.FormatTime(w.DailyReset), database.FormatTime(w.WeeklyReset), database.FormatTime(w.MonthlyReset))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE spending_windows
			SET daily = $1, weekly = $2, monthly = $3, daily_reset = $4, weekly_reset = $5, monthly_reset = $6, version = version + 1
			WHERE actor_id = $7 AND version = $8`,
			w.Daily, w.Weekly, w.Monthly,
			database.FormatTime(w.DailyReset), database.FormatTime(w.WeeklyReset), database.FormatTime(w.MonthlyReset),
			w.ActorID, w.Version)
	}
	if err != nil {
		return contracts.StorageError("save spending window", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.StorageError("save spending window", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: spending window %s changed since version %d", contracts.ErrConflict, w.ActorID, w.Version)
	}
	w.Version++
	return nil
}
