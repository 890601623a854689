package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/clock"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/database"
	"github.com/ihoward40/SintraPrime-sub001/pkg/ledger"
	"github.com/ihoward40/SintraPrime-sub001/pkg/observability"
)

// DefaultRetention is how long a completed operation blocks repeats.
const DefaultRetention = 24 * time.Hour

// DefaultEvictionInterval throttles the eviction done by MarkExecuted.
const DefaultEvictionInterval = time.Minute

// Guard answers whether an operation key has already been executed.
type Guard struct {
	store     Store
	ledger    *ledger.Ledger
	retention time.Duration
	clock     clock.Clock
	obs       *observability.Provider
	logger    *slog.Logger

	evictMu       sync.Mutex
	evictEvery    time.Duration
	lastEvictedAt time.Time
}

// NewGuard creates a guard. A retention <= 0 selects DefaultRetention.
func NewGuard(store Store, l *ledger.Ledger, retention time.Duration) *Guard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Guard{
		store:      store,
		ledger:     l,
		retention:  retention,
		clock:      clock.System,
		obs:        observability.Disabled(),
		logger:     slog.Default().With("component", "idempotency"),
		evictEvery: DefaultEvictionInterval,
	}
}

// WithClock overrides the time source.
func (g *Guard) WithClock(c clock.Clock) *Guard {
	g.clock = clock.OrSystem(c)
	return g
}

// WithObservability attaches a telemetry provider.
func (g *Guard) WithObservability(p *observability.Provider) *Guard {
	if p != nil {
		g.obs = p
	}
	return g
}

// WithEvictionInterval sets the minimum time between opportunistic
// evictions. Zero evicts on every MarkExecuted.
func (g *Guard) WithEvictionInterval(d time.Duration) *Guard {
	g.evictEvery = d
	return g
}

// Retention returns the configured retention window.
func (g *Guard) Retention() time.Duration {
	return g.retention
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return &contracts.ValidationError{Field: "operation_key", Reason: "must not be empty"}
	}
	return nil
}

// lookup returns the unexpired record for key, or nil.
func (g *Guard) lookup(ctx context.Context, key string, now time.Time) (*contracts.IdempotencyRecord, error) {
	rec, err := g.store.Get(ctx, key)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Expired(now, g.retention) {
		return nil, nil
	}
	return rec, nil
}

// IsDuplicate reports whether key was executed within the retention window.
// A duplicate leaves a blocked:duplicate_operation receipt.
func (g *Guard) IsDuplicate(ctx context.Context, key string) (_ bool, err error) {
	ctx, done := g.obs.TrackOperation(ctx, "idempotency.is_duplicate")
	defer func() { done(err) }()

	if err := validateKey(key); err != nil {
		return false, err
	}
	rec, err := g.lookup(ctx, key, g.clock())
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	g.logger.InfoContext(ctx, "duplicate operation blocked", "operation_key", key, "recorded_at", rec.RecordedAt)
	g.obs.RecordDenial(ctx, "DUPLICATE_OPERATION", key)
	if _, err := g.ledger.Append(ctx, contracts.Entry{
		Action: contracts.ActionBlockedDuplicateOp,
		Actor:  contracts.ActorSystem,
		Details: map[string]any{
			"operation_key": key,
			"recorded_at":   database.FormatTime(rec.RecordedAt),
		},
		Outcome:  contracts.OutcomeFailure,
		Severity: contracts.SeverityMedium,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// MarkExecuted records that key completed with payload. A record that is
// still within retention is kept as is; the first completion wins.
func (g *Guard) MarkExecuted(ctx context.Context, key string, payload map[string]any) (err error) {
	ctx, done := g.obs.TrackOperation(ctx, "idempotency.mark_executed")
	defer func() { done(err) }()

	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := json.Marshal(payload); err != nil {
		return &contracts.ValidationError{Field: "payload", Reason: fmt.Sprintf("not serializable: %v", err)}
	}

	now := g.clock()
	written, err := g.store.Put(ctx, &contracts.IdempotencyRecord{
		OperationKey: key,
		RecordedAt:   now,
		Payload:      payload,
	}, now.Add(-g.retention))
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to mark operation executed", "operation_key", key, "error", err)
		return err
	}
	if !written {
		g.logger.DebugContext(ctx, "operation already recorded", "operation_key", key)
	}

	g.maybeEvict(ctx, now)
	return nil
}

func (g *Guard) maybeEvict(ctx context.Context, now time.Time) {
	g.evictMu.Lock()
	if now.Sub(g.lastEvictedAt) < g.evictEvery {
		g.evictMu.Unlock()
		return
	}
	g.lastEvictedAt = now
	g.evictMu.Unlock()

	if n, err := g.store.DeleteExpired(ctx, now.Add(-g.retention)); err != nil {
		g.logger.WarnContext(ctx, "opportunistic eviction failed", "error", err)
	} else if n > 0 {
		g.logger.DebugContext(ctx, "evicted expired idempotency records", "count", n)
	}
}

// Lookup returns the unexpired record for key so callers can replay its
// result, or contracts.ErrNotFound.
func (g *Guard) Lookup(ctx context.Context, key string) (*contracts.IdempotencyRecord, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	rec, err := g.lookup(ctx, key, g.clock())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("idempotency record %q: %w", key, contracts.ErrNotFound)
	}
	return rec, nil
}

// Sweep deletes every expired record and returns how many were removed.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	now := g.clock()
	n, err := g.store.DeleteExpired(ctx, now.Add(-g.retention))
	if err != nil {
		return 0, err
	}
	g.evictMu.Lock()
	g.lastEvictedAt = now
	g.evictMu.Unlock()
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (g *Guard) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.Sweep(ctx)
			if err != nil {
				g.logger.WarnContext(ctx, "idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.InfoContext(ctx, "idempotency sweep", "evicted", n)
			}
		}
	}
}
