// Package engine assembles the governance components from a Config: the
// backing stores, the signed ledger and every service that writes to it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ihoward40/SintraPrime-sub001/pkg/alert"
	"github.com/ihoward40/SintraPrime-sub001/pkg/approval"
	"github.com/ihoward40/SintraPrime-sub001/pkg/artifacts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/budget"
	"github.com/ihoward40/SintraPrime-sub001/pkg/clock"
	"github.com/ihoward40/SintraPrime-sub001/pkg/config"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/crypto"
	"github.com/ihoward40/SintraPrime-sub001/pkg/database"
	"github.com/ihoward40/SintraPrime-sub001/pkg/idempotency"
	"github.com/ihoward40/SintraPrime-sub001/pkg/ledger"
	"github.com/ihoward40/SintraPrime-sub001/pkg/notify"
	"github.com/ihoward40/SintraPrime-sub001/pkg/observability"
)

// Alert delivery is throttled per channel to this many messages per minute.
const (
	alertsPerMinute = 6
	alertBurst      = 3
)

// Option customizes New.
type Option func(*options)

type options struct {
	clock      clock.Clock
	dispatcher notify.Dispatcher
}

// WithClock overrides the time source of every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDispatcher replaces the log-backed alert dispatcher. It is still
// wrapped by the per-channel throttle.
func WithDispatcher(d notify.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// Engine holds the wired components. Fields are safe for concurrent use.
type Engine struct {
	Config        *config.Config
	Policy        *config.PolicyFile
	DB            *database.DB
	Redis         redis.UniversalClient
	Observability *observability.Provider

	Ledger       *ledger.Ledger
	Gate         *budget.Gate
	Guard        *idempotency.Guard
	Approvals    *approval.Workflow
	AlertConfigs alert.ConfigStore
	Alerts       *alert.Monitor

	logger *slog.Logger
}

// New opens the configured stores, runs migrations and builds the
// components. The caller must Close the engine.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.OrSystem(o.clock)

	e := &Engine{
		Config: cfg,
		logger: slog.Default().With("component", "engine"),
	}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	if e.Observability, err = observability.New(ctx, cfg.Observability); err != nil {
		return nil, err
	}

	policies := budget.NewStaticPolicies(budget.DefaultPolicy())
	if cfg.PolicyFile != "" {
		if e.Policy, err = config.LoadPolicyFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
		policies = e.Policy.Policies()
	}

	keyring, err := newKeyring(cfg)
	if err != nil {
		return nil, err
	}

	var (
		receipts     ledger.Store
		spending     budget.Storage
		idempotent   idempotency.Store
		approvals    approval.Store
		alertConfigs alert.ConfigStore
	)

	switch cfg.Store {
	case config.StoreMemory:
		receipts = ledger.NewMemoryStore()
		spending = budget.NewMemoryStorage()
		idempotent = idempotency.NewMemoryStore()
		approvals = approval.NewMemoryStore()
		alertConfigs = alert.NewMemoryConfigStore()
	case config.StoreSQLite, config.StorePostgres:
		dialect, dsn := database.SQLite, cfg.SQLitePath
		if cfg.Store == config.StorePostgres {
			dialect, dsn = database.Postgres, cfg.DatabaseURL
		}
		if e.DB, err = database.Open(ctx, dialect, dsn); err != nil {
			return nil, err
		}
		ls := ledger.NewSQLStore(e.DB.DB, dialect)
		ss := budget.NewSQLStorage(e.DB.DB)
		is := idempotency.NewSQLStore(e.DB.DB)
		as := approval.NewSQLStore(e.DB.DB)
		cs := alert.NewSQLConfigStore(e.DB.DB)
		if err := database.Migrate(ctx, ls, ss, is, as, cs); err != nil {
			return nil, err
		}
		receipts, spending, idempotent, approvals, alertConfigs = ls, ss, is, as, cs
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		e.Redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, contracts.StorageError("redis ping", err)
		}
		spending = budget.NewRedisStorage(client, cfg.RedisPrefix)
		idempotent = idempotency.NewRedisStore(client, cfg.RedisPrefix)
		e.logger.InfoContext(ctx, "redis enabled for spending windows and idempotency", "addr", cfg.RedisAddr)
	}

	conditions, err := budget.NewConditionEvaluator()
	if err != nil {
		return nil, err
	}

	dispatcher := o.dispatcher
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher(slog.Default())
	}
	dispatcher = notify.NewThrottled(dispatcher, rate.Every(time.Minute/alertsPerMinute), alertBurst)

	e.Ledger = ledger.New(receipts, keyring).WithClock(o.clock).WithObservability(e.Observability)
	e.Gate = budget.NewGate(spending, policies, e.Ledger, conditions).
		WithClock(o.clock).WithObservability(e.Observability)
	e.Guard = idempotency.NewGuard(idempotent, e.Ledger, cfg.IdempotencyTTL).
		WithClock(o.clock).WithObservability(e.Observability)
	e.Approvals = approval.NewWorkflow(approvals, e.Ledger).
		WithClock(o.clock).WithTTL(cfg.ApprovalTTL).WithObservability(e.Observability)
	e.AlertConfigs = alertConfigs
	e.Alerts = alert.NewMonitor(alertConfigs, e.Ledger, dispatcher).
		WithClock(o.clock).WithObservability(e.Observability)

	if e.Policy != nil {
		if err := e.seedAlertConfigs(ctx); err != nil {
			return nil, err
		}
	}

	e.logger.InfoContext(ctx, "engine ready",
		"store", cfg.Store, "signing_alg", keyring.Algorithm(), "policy_file", cfg.PolicyFile)
	return e, nil
}

func newKeyring(cfg *config.Config) (*crypto.Keyring, error) {
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("GOV_SIGNING_SECRET is required")
	}
	signer, err := crypto.NewSigner(cfg.SigningAlg, []byte(cfg.SigningSecret), cfg.SigningKeyID)
	if err != nil {
		return nil, err
	}
	return crypto.NewKeyring(signer), nil
}

// seedAlertConfigs installs the policy file's alert configs. Thresholds
// follow the file; a stored lastAlertSentAt survives restarts.
func (e *Engine) seedAlertConfigs(ctx context.Context) error {
	for _, cfg := range e.Policy.AlertConfigs() {
		existing, err := e.AlertConfigs.Get(ctx, cfg.ActorID)
		switch {
		case err == nil:
			cfg.LastAlertSentAt = existing.LastAlertSentAt
		case !errors.Is(err, contracts.ErrNotFound):
			return err
		}
		if err := e.AlertConfigs.Put(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks that every backing store answers.
func (e *Engine) Ping(ctx context.Context) error {
	if e.DB != nil {
		if err := e.DB.PingContext(ctx); err != nil {
			return contracts.StorageError("database ping", err)
		}
	}
	if e.Redis != nil {
		if err := e.Redis.Ping(ctx).Err(); err != nil {
			return contracts.StorageError("redis ping", err)
		}
	}
	return nil
}

// Artifacts opens the configured evidence export target.
func (e *Engine) Artifacts(ctx context.Context) (artifacts.Store, error) {
	return artifacts.New(ctx, e.Config.Artifacts)
}

// SweepResult reports one maintenance pass.
type SweepResult struct {
	IdempotencyEvicted int `json:"idempotency_evicted"`
	ApprovalsExpired   int `json:"approvals_expired"`
}

// Sweep evicts expired idempotency records and rejects stale approvals.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	evicted, err := e.Guard.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	expired, err := e.Approvals.ExpireStale(ctx)
	if err != nil {
		return &SweepResult{IdempotencyEvicted: evicted}, err
	}
	return &SweepResult{IdempotencyEvicted: evicted, ApprovalsExpired: expired}, nil
}

// Close releases the stores and flushes telemetry.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Redis != nil {
		errs = append(errs, e.Redis.Close())
	}
	if e.DB != nil {
		errs = append(errs, e.DB.Close())
	}
	if e.Observability != nil {
		errs = append(errs, e.Observability.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
