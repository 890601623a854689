package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihoward40/SintraPrime-sub001/pkg/artifacts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/budget"
	"github.com/ihoward40/SintraPrime-sub001/pkg/clock"
	"github.com/ihoward40/SintraPrime-sub001/pkg/config"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/crypto"
	"github.com/ihoward40/SintraPrime-sub001/pkg/engine"
	"github.com/ihoward40/SintraPrime-sub001/pkg/ledger"
	"github.com/ihoward40/SintraPrime-sub001/pkg/notify"
)

const policyYAML = `
schema_version: "1.0.0"
actors:
  "42":
    daily_limit: 5000
alerts:
  - actor_id: "42"
    channel: ops
    cooldown_minutes: 30
    thresholds:
      violation_count: 1
      violation_window: 1h
`

type recorder struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recorder) Send(_ context.Context, _ string, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func baseConfig(t *testing.T, store string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte(policyYAML), 0o600))
	return &config.Config{
		Store:          store,
		SQLitePath:     filepath.Join(dir, "gov.db"),
		SigningAlg:     crypto.AlgHMACSHA256,
		SigningSecret:  "engine-test-secret",
		SigningKeyID:   "k1",
		IdempotencyTTL: time.Hour,
		ApprovalTTL:    72 * time.Hour,
		PolicyFile:     policy,
		Artifacts:      artifacts.Config{DataDir: dir},
	}
}

func open(t *testing.T, cfg *config.Config, opts ...engine.Option) *engine.Engine {
	t.Helper()
	e, err := engine.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestEngine_EndToEnd(t *testing.T) {
	for _, store := range []string{config.StoreMemory, config.StoreSQLite} {
		t.Run(store, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.NewManual(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
			rec := &recorder{}
			e := open(t, baseConfig(t, store), engine.WithClock(clk.Now), engine.WithDispatcher(rec))
			require.NoError(t, e.Ping(ctx))

			// Actor override from the policy file.
			d, err := e.Gate.Evaluate(ctx, "42", "purchase", 6000)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, budget.ReasonDailyLimitExceeded, d.Reason)

			res, err := e.Alerts.Check(ctx, "42", nil)
			require.NoError(t, err)
			assert.True(t, res.Fired)
			assert.Equal(t, 1, rec.count())

			res, err = e.Alerts.Check(ctx, "42", nil)
			require.NoError(t, err)
			assert.True(t, res.Suppressed)
			assert.Equal(t, 1, rec.count())

			dup, err := e.Guard.IsDuplicate(ctx, "op-1")
			require.NoError(t, err)
			assert.False(t, dup)
			require.NoError(t, e.Guard.MarkExecuted(ctx, "op-1", map[string]any{"ok": true}))
			dup, err = e.Guard.IsDuplicate(ctx, "op-1")
			require.NoError(t, err)
			assert.True(t, dup)

			req, err := e.Approvals.Create(ctx, "42", "wire_transfer", 9000, "vendor invoice")
			require.NoError(t, err)

			clk.Advance(73 * time.Hour)
			swept, err := e.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, swept.IdempotencyEvicted)
			assert.Equal(t, 1, swept.ApprovalsExpired)

			got, err := e.Approvals.Get(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, contracts.ApprovalRejected, got.Status)

			all, err := e.Ledger.Query(ctx, ledger.Filter{})
			require.NoError(t, err)
			report := e.Ledger.VerifyChain(all)
			assert.True(t, report.Valid)
			assert.GreaterOrEqual(t, report.Total, 5)
		})
	}
}

func TestEngine_SQLiteStatePersists(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig(t, config.StoreSQLite)
	clk := clock.NewManual(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))

	first, err := engine.New(ctx, cfg, engine.WithClock(clk.Now), engine.WithDispatcher(&recorder{}))
	require.NoError(t, err)
	_, err = first.Gate.RecordSpending(ctx, "42", "purchase", 1200)
	require.NoError(t, err)
	_, err = first.Gate.Evaluate(ctx, "42", "purchase", 9000)
	require.NoError(t, err)
	res, err := first.Alerts.Check(ctx, "42", nil)
	require.NoError(t, err)
	require.True(t, res.Fired)
	require.NoError(t, first.Close(ctx))

	second := open(t, cfg, engine.WithClock(clk.Now), engine.WithDispatcher(&recorder{}))
	sum, err := second.Gate.Summary(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), sum.Daily.Spent)

	stored, err := second.AlertConfigs.Get(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, stored.LastAlertSentAt, "reseeding keeps the cooldown")
	assert.True(t, stored.LastAlertSentAt.Equal(clk.Now()))

	receipts, err := second.Ledger.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.True(t, second.Ledger.VerifyChain(receipts).Valid)
}

func TestEngine_DefaultPolicyWithoutFile(t *testing.T) {
	cfg := baseConfig(t, config.StoreMemory)
	cfg.PolicyFile = ""
	e := open(t, cfg)

	assert.Nil(t, e.Policy)
	sum, err := e.Gate.Summary(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, budget.DefaultPolicy().DailyLimit, sum.Daily.Limit)
}

func TestEngine_Ed25519Signing(t *testing.T) {
	cfg := baseConfig(t, config.StoreMemory)
	cfg.SigningAlg = crypto.AlgEd25519
	e := open(t, cfg)

	r, err := e.Gate.RecordSpending(context.Background(), "7", "purchase", 100)
	require.NoError(t, err)
	alg, _, ok := crypto.SplitSignature(r.Signature)
	require.True(t, ok)
	assert.Equal(t, crypto.AlgEd25519, alg)
	assert.True(t, e.Ledger.VerifyIntegrity(r).Valid)
}

func TestEngine_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing secret", func(t *testing.T) {
		cfg := baseConfig(t, config.StoreMemory)
		cfg.SigningSecret = ""
		_, err := engine.New(ctx, cfg)
		assert.ErrorContains(t, err, "GOV_SIGNING_SECRET")
	})

	t.Run("bad policy file", func(t *testing.T) {
		cfg := baseConfig(t, config.StoreMemory)
		require.NoError(t, os.WriteFile(cfg.PolicyFile, []byte(`schema_version: "9.0.0"`), 0o600))
		_, err := engine.New(ctx, cfg)
		assert.Error(t, err)
	})

	t.Run("unknown store", func(t *testing.T) {
		cfg := baseConfig(t, "etcd")
		_, err := engine.New(ctx, cfg)
		assert.Error(t, err)
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := baseConfig(t, config.StoreMemory)
		cfg.RedisAddr = "127.0.0.1:1"
		_, err := engine.New(ctx, cfg)
		assert.ErrorIs(t, err, contracts.ErrStorageUnavailable)
	})
}

func TestEngine_PublishBundle(t *testing.T) {
	ctx := context.Background()
	e := open(t, baseConfig(t, config.StoreMemory))

	_, err := e.Gate.RecordSpending(ctx, "7", "purchase", 100)
	require.NoError(t, err)

	dst, err := e.Artifacts(ctx)
	require.NoError(t, err)
	bundle, digest, err := e.Ledger.Publish(ctx, dst, ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, bundle.ReceiptCount)

	ok, err := dst.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)
}
