package alert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/database"
)

// ConfigStore persists alert configs and their cooldown state.
type ConfigStore interface {
	// Get returns the config for actorID or contracts.ErrNotFound.
	Get(ctx context.Context, actorID string) (*contracts.AlertConfig, error)
	// Put creates or replaces a config, including LastAlertSentAt.
	Put(ctx context.Context, cfg *contracts.AlertConfig) error
	List(ctx context.Context) ([]*contracts.AlertConfig, error)
	// SwapLastSent sets LastAlertSentAt to next only if it still equals prev
	// (nil meaning never sent). Otherwise it returns contracts.ErrConflict.
	SwapLastSent(ctx context.Context, actorID string, prev, next *time.Time) error
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneConfig(cfg *contracts.AlertConfig) *contracts.AlertConfig {
	c := *cfg
	if cfg.LastAlertSentAt != nil {
		t := *cfg.LastAlertSentAt
		c.LastAlertSentAt = &t
	}
	return &c
}

// MemoryConfigStore keeps configs in process memory.
type MemoryConfigStore struct {
	mu      sync.Mutex
	configs map[string]*contracts.AlertConfig
}

func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{configs: make(map[string]*contracts.AlertConfig)}
}

func (s *MemoryConfigStore) Get(ctx context.Context, actorID string) (*contracts.AlertConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[actorID]
	if !ok {
		return nil, fmt.Errorf("alert config %q: %w", actorID, contracts.ErrNotFound)
	}
	return cloneConfig(cfg), nil
}

func (s *MemoryConfigStore) Put(ctx context.Context, cfg *contracts.AlertConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ActorID] = cloneConfig(cfg)
	return nil
}

func (s *MemoryConfigStore) List(ctx context.Context) ([]*contracts.AlertConfig, error) {
	s.mu.Lock()
	out := make([]*contracts.AlertConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cloneConfig(cfg))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, nil
}

func (s *MemoryConfigStore) SwapLastSent(ctx context.Context, actorID string, prev, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[actorID]
	if !ok {
		return fmt.Errorf("alert config %q: %w", actorID, contracts.ErrNotFound)
	}
	if !sameInstant(cfg.LastAlertSentAt, prev) {
		return fmt.Errorf("%w: alert state for %s changed", contracts.ErrConflict, actorID)
	}
	if next == nil {
		cfg.LastAlertSentAt = nil
	} else {
		t := *next
		cfg.LastAlertSentAt = &t
	}
	return nil
}

// SQLConfigStore keeps configs in the shared SQL database.
type SQLConfigStore struct {
	db *sql.DB
}

func NewSQLConfigStore(db *sql.DB) *SQLConfigStore {
	return &SQLConfigStore{db: db}
}

const alertSchema = `CREATE TABLE IF NOT EXISTS alert_configs (
	actor_id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	violation_count INTEGER NOT NULL,
	violation_window_ms BIGINT NOT NULL,
	compliance_score_min DOUBLE PRECISION NOT NULL,
	cooldown_minutes INTEGER NOT NULL,
	last_alert_sent_at TEXT
)`

func (s *SQLConfigStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, alertSchema); err != nil {
		return fmt.Errorf("init alert schema: %w", err)
	}
	return nil
}

const alertColumns = `actor_id, channel, violation_count, violation_window_ms, compliance_score_min, cooldown_minutes, last_alert_sent_at`

func (s *SQLConfigStore) Get(ctx context.Context, actorID string) (*contracts.AlertConfig, error) {
	cfg, err := scanConfig(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alert_configs WHERE actor_id = $1`, actorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert config %q: %w", actorID, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, contracts.StorageError("get alert config", err)
	}
	return cfg, nil
}

func (s *SQLConfigStore) Put(ctx context.Context, cfg *contracts.AlertConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_configs (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (actor_id) DO UPDATE SET
			channel = excluded.channel,
			violation_count = excluded.violation_count,
			violation_window_ms = excluded.violation_window_ms,
			compliance_score_min = excluded.compliance_score_min,
			cooldown_minutes = excluded.cooldown_minutes,
			last_alert_sent_at = excluded.last_alert_sent_at`,
		cfg.ActorID, cfg.Channel, cfg.Thresholds.ViolationCount, cfg.Thresholds.ViolationWindow.Milliseconds(),
		cfg.Thresholds.ComplianceScoreMin, cfg.CooldownMinutes, database.FormatNullTime(cfg.LastAlertSentAt))
	if err != nil {
		return contracts.StorageError("put alert config", err)
	}
	return nil
}

func (s *SQLConfigStore) List(ctx context.Context) ([]*contracts.AlertConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alert_configs ORDER BY actor_id`)
	if err != nil {
		return nil, contracts.StorageError("list alert configs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AlertConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, contracts.StorageError("list alert configs", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.StorageError("list alert configs", err)
	}
	return out, nil
}

func (s *SQLConfigStore) SwapLastSent(ctx context.Context, actorID string, prev, next *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if prev == nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE alert_configs SET last_alert_sent_at = $1 WHERE actor_id = $2 AND last_alert_sent_at IS NULL`,
			database.FormatNullTime(next), actorID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE alert_configs SET last_alert_sent_at = $1 WHERE actor_id = $2 AND last_alert_sent_at = $3`,
			database.FormatNullTime(next), actorID, database.FormatTime(*prev))
	}
	if err != nil {
		return contracts.StorageError("swap alert state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.StorageError("swap alert state", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, actorID); err != nil {
			return err
		}
		return fmt.Errorf("%w: alert state for %s changed", contracts.ErrConflict, actorID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*contracts.AlertConfig, error) {
	var (
		cfg      contracts.AlertConfig
		windowMS int64
		lastSent sql.NullString
	)
	if err := row.Scan(&cfg.ActorID, &cfg.Channel, &cfg.Thresholds.ViolationCount, &windowMS,
		&cfg.Thresholds.ComplianceScoreMin, &cfg.CooldownMinutes, &lastSent); err != nil {
		return nil, err
	}
	cfg.Thresholds.ViolationWindow = time.Duration(windowMS) * time.Millisecond
	var err error
	if cfg.LastAlertSentAt, err = database.ParseNullTime(lastSent); err != nil {
		return nil, err
	}
	return &cfg, nil
}
