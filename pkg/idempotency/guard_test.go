package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub001/pkg/clock"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/crypto"
	"github.com/ihoward40/SintraPrime-sub001/pkg/database"
	"github.com/ihoward40/SintraPrime-sub001/pkg/ledger"
)

var t0 = time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

func newGuard(t *testing.T, store Store) (*Guard, *ledger.Ledger, *clock.Manual) {
	t.Helper()
	signer, err := crypto.NewHMACSigner([]byte("idempotency-test"), "test")
	require.NoError(t, err)
	clk := clock.NewManual(t0)
	l := ledger.New(ledger.NewMemoryStore(), crypto.NewKeyring(signer)).WithClock(clk.Now)
	return NewGuard(store, l, 24*time.Hour).WithClock(clk.Now), l, clk
}

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			ctx := context.Background()
			db, err := database.Open(ctx, database.SQLite, filepath.Join(t.TempDir(), "idem.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			s := NewSQLStore(db.DB)
			require.NoError(t, s.Init(ctx))
			return s
		},
	}
}

func TestGuard_DuplicateWithinRetention(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			g, l, clk := newGuard(t, open(t))
			ctx := context.Background()

			dup, err := g.IsDuplicate(ctx, "payout-42")
			require.NoError(t, err)
			assert.False(t, dup)

			require.NoError(t, g.MarkExecuted(ctx, "payout-42", map[string]any{"amount": 4000}))

			dup, err = g.IsDuplicate(ctx, "payout-42")
			require.NoError(t, err)
			assert.True(t, dup)

			blocked, err := l.Query(ctx, ledger.Filter{Action: contracts.ActionBlockedDuplicateOp})
			require.NoError(t, err)
			require.Len(t, blocked, 1)
			assert.Equal(t, contracts.ActorSystem, blocked[0].Actor)
			assert.Equal(t, "payout-42", blocked[0].Details["operation_key"])

			clk.Advance(24*time.Hour - time.Second)
			dup, err = g.IsDuplicate(ctx, "payout-42")
			require.NoError(t, err)
			assert.True(t, dup)

			clk.Advance(time.Second)
			dup, err = g.IsDuplicate(ctx, "payout-42")
			require.NoError(t, err)
			assert.False(t, dup, "expired records stop counting as duplicates")

			all, err := l.Query(ctx, ledger.Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestGuard_FirstCompletionWins(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			g, _, clk := newGuard(t, open(t))
			ctx := context.Background()

			require.NoError(t, g.MarkExecuted(ctx, "k", map[string]any{"attempt": "first"}))
			clk.Advance(time.Hour)
			require.NoError(t, g.MarkExecuted(ctx, "k", map[string]any{"attempt": "second"}))

			rec, err := g.Lookup(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "first", rec.Payload["attempt"])
			assert.True(t, rec.RecordedAt.Equal(t0))

			clk.Advance(24 * time.Hour)
			require.NoError(t, g.MarkExecuted(ctx, "k", map[string]any{"attempt": "third"}))
			rec, err = g.Lookup(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "third", rec.Payload["attempt"])
		})
	}
}

func TestGuard_Sweep(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			g, _, clk := newGuard(t, s)
			ctx := context.Background()

			require.NoError(t, g.MarkExecuted(ctx, "old", nil))
			clk.Advance(20 * time.Hour)
			require.NoError(t, g.MarkExecuted(ctx, "new", nil))
			clk.Advance(5 * time.Hour)

			n, err := g.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = s.Get(ctx, "old")
			assert.ErrorIs(t, err, contracts.ErrNotFound)
			_, err = s.Get(ctx, "new")
			assert.NoError(t, err)
		})
	}
}

func TestGuard_OpportunisticEviction(t *testing.T) {
	s := NewMemoryStore()
	g, _, clk := newGuard(t, s)
	g.WithEvictionInterval(48 * time.Hour)
	ctx := context.Background()

	require.NoError(t, g.MarkExecuted(ctx, "a", nil))
	clk.Advance(25 * time.Hour)
	require.NoError(t, g.MarkExecuted(ctx, "b", nil))
	assert.Equal(t, 2, s.Len(), "eviction throttled within the interval")

	clk.Advance(24 * time.Hour)
	require.NoError(t, g.MarkExecuted(ctx, "c", nil))
	assert.Equal(t, 1, s.Len(), "expired records evicted by the next mark")
}

func TestGuard_Validation(t *testing.T) {
	g, l, _ := newGuard(t, NewMemoryStore())
	ctx := context.Background()

	_, err := g.IsDuplicate(ctx, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)
	assert.ErrorIs(t, g.MarkExecuted(ctx, "  ", nil), contracts.ErrValidation)
	assert.ErrorIs(t, g.MarkExecuted(ctx, "k", map[string]any{"ch": make(chan int)}), contracts.ErrValidation)
	_, err = g.Lookup(ctx, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	rs, err := l.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestGuard_LookupMissing(t *testing.T) {
	g, _, _ := newGuard(t, NewMemoryStore())
	_, err := g.Lookup(context.Background(), "never")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

type failingStore struct{ MemoryStore }

func (*failingStore) Get(context.Context, string) (*contracts.IdempotencyRecord, error) {
	return nil, contracts.StorageError("get", errors.New("disk I/O error"))
}

func TestGuard_StorageFailureIsNotANegative(t *testing.T) {
	g, _, _ := newGuard(t, &failingStore{})
	dup, err := g.IsDuplicate(context.Background(), "k")
	assert.False(t, dup)
	assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)
}

func TestGuard_ConcurrentMarks(t *testing.T) {
	s := NewMemoryStore()
	g, _, _ := newGuard(t, s)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		written atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Put(ctx, &contracts.IdempotencyRecord{OperationKey: "k", RecordedAt: t0}, t0.Add(-time.Hour))
			assert.NoError(t, err)
			if ok {
				written.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), written.Load())
	assert.NoError(t, g.MarkExecuted(ctx, "k", nil))
}

func TestGuard_RunSweeperStopsOnCancel(t *testing.T) {
	g, _, _ := newGuard(t, NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewGuard_DefaultRetention(t *testing.T) {
	g := NewGuard(NewMemoryStore(), nil, 0)
	assert.Equal(t, DefaultRetention, g.Retention())
}
