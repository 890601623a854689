package approval

import (
	"context"
	"errors"
	"fmt"
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

var t0 = time.Date(2026, 2, 2, 15, 0, 0, 0, time.UTC)

type fixture struct {
	wf       *Workflow
	ledger   *ledger.Ledger
	clock    *clock.Manual
	received *flakyReceipts
}

// flakyReceipts is a ledger store whose appends fail while fail is set.
type flakyReceipts struct {
	*ledger.MemoryStore
	fail atomic.Bool
}

func (s *flakyReceipts) Append(ctx context.Context, r *contracts.Receipt) (uint64, error) {
	if s.fail.Load() {
		return 0, contracts.StorageError("append receipt", errors.New("disk full"))
	}
	return s.MemoryStore.Append(ctx, r)
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	signer, err := crypto.NewHMACSigner([]byte("approval-test"), "test")
	require.NoError(t, err)
	clk := clock.NewManual(t0)
	received := &flakyReceipts{MemoryStore: ledger.NewMemoryStore()}
	l := ledger.New(received, crypto.NewKeyring(signer)).WithClock(clk.Now)
	var n atomic.Int32
	wf := NewWorkflow(store, l).
		WithClock(clk.Now).
		WithIDGenerator(func() string { return fmt.Sprintf("req-%03d", n.Add(1)) })
	return &fixture{wf: wf, ledger: l, clock: clk, received: received}
}

func (f *fixture) receipts(t *testing.T, action string) []*contracts.Receipt {
	t.Helper()
	rs, err := f.ledger.Query(context.Background(), ledger.Filter{Action: action})
	require.NoError(t, err)
	return rs
}

func stores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			ctx := context.Background()
			db, err := database.Open(ctx, database.SQLite, filepath.Join(t.TempDir(), "approval.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			s := NewSQLStore(db.DB)
			require.NoError(t, s.Init(ctx))
			return s
		},
	}
}

func TestCreate(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()

			req, err := f.wf.Create(ctx, "2", "withdraw", 6000, "vendor invoice 118")
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalPending, req.Status)
			assert.Equal(t, "user:2", req.Actor)
			assert.Nil(t, req.DecidedAt)

			got, err := f.wf.Get(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, req.ID, got.ID)
			assert.Equal(t, int64(6000), got.EstimatedCost)
			assert.Equal(t, "vendor invoice 118", got.Justification)
			assert.True(t, got.CreatedAt.Equal(t0))

			created := f.receipts(t, contracts.ActionApprovalCreated)
			require.Len(t, created, 1)
			assert.True(t, created[0].RequiresReview)
			assert.Equal(t, req.ID, created[0].Details["request_id"])
		})
	}
}

func TestRejectThenApproveIsInvalid(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()

			req, err := f.wf.Create(ctx, "2", "withdraw", 6000, "")
			require.NoError(t, err)

			f.clock.Advance(time.Minute)
			rejected, err := f.wf.Reject(ctx, req.ID, "9", "insufficient justification")
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalRejected, rejected.Status)
			assert.Equal(t, "9", rejected.DecidedBy)
			assert.Equal(t, "insufficient justification", rejected.RejectionReason)
			require.NotNil(t, rejected.DecidedAt)
			assert.True(t, rejected.DecidedAt.Equal(t0.Add(time.Minute)))

			_, err = f.wf.Approve(ctx, req.ID, "9")
			assert.ErrorIs(t, err, contracts.ErrInvalidStateTransition)

			stored, err := f.wf.Get(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalRejected, stored.Status)

			assert.Empty(t, f.receipts(t, contracts.ActionApprovalGranted))
			rejections := f.receipts(t, contracts.ActionApprovalRejected)
			require.Len(t, rejections, 1)
			assert.Equal(t, contracts.OutcomeFailure, rejections[0].Outcome)
			assert.Equal(t, contracts.SeverityMedium, rejections[0].Severity)
			assert.Equal(t, "user:9", rejections[0].Actor)
		})
	}
}

func TestReceiptFailureUndoesStateChange(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()

			f.received.fail.Store(true)
			_, err := f.wf.Create(ctx, "2", "withdraw", 6000, "")
			assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)
			_, err = f.wf.Get(ctx, "req-001")
			assert.ErrorIs(t, err, contracts.ErrNotFound, "request without receipt is removed")

			f.received.fail.Store(false)
			req, err := f.wf.Create(ctx, "2", "withdraw", 6000, "")
			require.NoError(t, err)

			f.received.fail.Store(true)
			_, err = f.wf.Approve(ctx, req.ID, "9")
			assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)
			_, err = f.wf.Reject(ctx, req.ID, "9", "too large")
			assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)

			stored, err := f.wf.Get(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalPending, stored.Status)
			assert.Nil(t, stored.DecidedAt)
			assert.Empty(t, stored.DecidedBy)
			assert.Empty(t, stored.RejectionReason)

			f.received.fail.Store(false)
			approved, err := f.wf.Approve(ctx, req.ID, "9")
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalApproved, approved.Status)
			assert.Len(t, f.receipts(t, contracts.ActionApprovalCreated), 1)
			assert.Len(t, f.receipts(t, contracts.ActionApprovalGranted), 1)
			assert.Empty(t, f.receipts(t, contracts.ActionApprovalRejected))
		})
	}
}

func TestApprovalTerminality(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()

			req, err := f.wf.Create(ctx, "3", "deploy", 0, "")
			require.NoError(t, err)
			approved, err := f.wf.Approve(ctx, req.ID, "admin")
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalApproved, approved.Status)

			_, err = f.wf.Approve(ctx, req.ID, "admin")
			assert.ErrorIs(t, err, contracts.ErrInvalidStateTransition)
			_, err = f.wf.Reject(ctx, req.ID, "admin", "changed my mind")
			assert.ErrorIs(t, err, contracts.ErrInvalidStateTransition)

			stored, err := f.wf.Get(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalApproved, stored.Status)
			assert.Equal(t, "admin", stored.DecidedBy)

			granted := f.receipts(t, contracts.ActionApprovalGranted)
			require.Len(t, granted, 1)
			assert.Equal(t, contracts.SeverityHigh, granted[0].Severity)
			assert.Empty(t, f.receipts(t, contracts.ActionApprovalRejected))
		})
	}
}

func TestConcurrentDecisionsHaveOneWinner(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()
			req, err := f.wf.Create(ctx, "4", "withdraw", 9000, "")
			require.NoError(t, err)

			var (
				wg      sync.WaitGroup
				wins    atomic.Int32
				invalid atomic.Int32
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					var err error
					if i%2 == 0 {
						_, err = f.wf.Approve(ctx, req.ID, "a")
					} else {
						_, err = f.wf.Reject(ctx, req.ID, "b", "no")
					}
					switch {
					case err == nil:
						wins.Add(1)
					case assert.ErrorIs(t, err, contracts.ErrInvalidStateTransition):
						invalid.Add(1)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(9), invalid.Load())
			decided := len(f.receipts(t, contracts.ActionApprovalGranted)) + len(f.receipts(t, contracts.ActionApprovalRejected))
			assert.Equal(t, 1, decided)
		})
	}
}

func TestValidation(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()

	_, err := f.wf.Create(ctx, "", "withdraw", 1, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)
	_, err = f.wf.Create(ctx, "1", "withdraw", -1, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	req, err := f.wf.Create(ctx, "1", "withdraw", 1, "")
	require.NoError(t, err)
	_, err = f.wf.Reject(ctx, req.ID, "9", "   ")
	assert.ErrorIs(t, err, contracts.ErrValidation)
	_, err = f.wf.Approve(ctx, req.ID, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	stored, err := f.wf.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, stored.Status)

	_, err = f.wf.Approve(ctx, "missing", "9")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	all, err := f.ledger.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "only the creation receipt")
}

func TestBulkOperations(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()

			var ids []string
			for i := 0; i < 4; i++ {
				req, err := f.wf.Create(ctx, "5", "refund", int64(100*i), "")
				require.NoError(t, err)
				ids = append(ids, req.ID)
			}
			_, err := f.wf.Reject(ctx, ids[1], "9", "duplicate")
			require.NoError(t, err)

			res, err := f.wf.BulkApprove(ctx, []string{ids[0], ids[1], ids[2], ids[3], "ghost"}, "9")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{ids[0], ids[2], ids[3]}, res.Succeeded)
			assert.Len(t, res.Failed, 2)
			assert.Contains(t, res.Failed, ids[1])
			assert.Contains(t, res.Failed, "ghost")

			res, err = f.wf.BulkReject(ctx, ids, "9", "late")
			require.NoError(t, err)
			assert.Empty(t, res.Succeeded)
			assert.Len(t, res.Failed, 4)

			_, err = f.wf.BulkReject(ctx, ids, "9", "")
			assert.ErrorIs(t, err, contracts.ErrValidation)
		})
	}
}

func TestListNewestFirst(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()

			a, err := f.wf.Create(ctx, "1", "withdraw", 1, "")
			require.NoError(t, err)
			f.clock.Advance(time.Second)
			b, err := f.wf.Create(ctx, "2", "withdraw", 1, "")
			require.NoError(t, err)
			f.clock.Advance(time.Second)
			c, err := f.wf.Create(ctx, "1", "deploy", 1, "")
			require.NoError(t, err)
			_, err = f.wf.Approve(ctx, b.ID, "9")
			require.NoError(t, err)

			all, err := f.wf.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{c.ID, b.ID, a.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

			pending, err := f.wf.List(ctx, Filter{Status: contracts.ApprovalPending})
			require.NoError(t, err)
			assert.Len(t, pending, 2)

			mine, err := f.wf.List(ctx, Filter{Actor: "user:1", Action: "withdraw"})
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, a.ID, mine[0].ID)

			limited, err := f.wf.List(ctx, Filter{Limit: 1})
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, c.ID, limited[0].ID)

			_, err = f.wf.List(ctx, Filter{Limit: -1})
			assert.ErrorIs(t, err, contracts.ErrValidation)
		})
	}
}

func TestExpireStale(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			f.wf.WithTTL(time.Hour)
			ctx := context.Background()

			old, err := f.wf.Create(ctx, "1", "withdraw", 1, "")
			require.NoError(t, err)
			decided, err := f.wf.Create(ctx, "1", "withdraw", 1, "")
			require.NoError(t, err)
			_, err = f.wf.Approve(ctx, decided.ID, "9")
			require.NoError(t, err)
			f.clock.Advance(50 * time.Minute)
			fresh, err := f.wf.Create(ctx, "1", "withdraw", 1, "")
			require.NoError(t, err)
			f.clock.Advance(20 * time.Minute)

			n, err := f.wf.ExpireStale(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := f.wf.Get(ctx, old.ID)
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalRejected, got.Status)
			assert.Equal(t, contracts.ActorSystem, got.DecidedBy)
			assert.Equal(t, ExpiredReason, got.RejectionReason)

			got, err = f.wf.Get(ctx, fresh.ID)
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalPending, got.Status)

			rejections := f.receipts(t, contracts.ActionApprovalRejected)
			require.Len(t, rejections, 1)
			assert.Equal(t, contracts.ActorSystem, rejections[0].Actor)
		})
	}
}
