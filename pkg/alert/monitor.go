package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/clock"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/ledger"
	"github.com/ihoward40/SintraPrime-sub001/pkg/notify"
	"github.com/ihoward40/SintraPrime-sub001/pkg/observability"
)

// Breach reasons.
const (
	ReasonViolationSpike = "violation_spike"
	ReasonComplianceDrop = "compliance_score_drop"
)

// Result describes one Check.
type Result struct {
	ActorID  string   `json:"actor_id"`
	Reasons  []string `json:"reasons,omitempty"`
	Breached bool     `json:"breached"`
	// Suppressed is set when a breach was found inside the cooldown.
	Suppressed bool               `json:"suppressed"`
	Fired      bool               `json:"fired"`
	Violations int                `json:"violations"`
	Receipt    *contracts.Receipt `json:"receipt,omitempty"`
}

// Monitor evaluates alert thresholds against the ledger and dispatches
// notifications through a Dispatcher.
type Monitor struct {
	configs    ConfigStore
	ledger     *ledger.Ledger
	dispatcher notify.Dispatcher
	clock      clock.Clock
	obs        *observability.Provider
	logger     *slog.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(configs ConfigStore, l *ledger.Ledger, d notify.Dispatcher) *Monitor {
	return &Monitor{
		configs:    configs,
		ledger:     l,
		dispatcher: d,
		clock:      clock.System,
		obs:        observability.Disabled(),
		logger:     slog.Default().With("component", "alert"),
	}
}

// WithClock overrides the time source.
func (m *Monitor) WithClock(c clock.Clock) *Monitor {
	m.clock = clock.OrSystem(c)
	return m
}

// WithObservability attaches a telemetry provider.
func (m *Monitor) WithObservability(p *observability.Provider) *Monitor {
	if p != nil {
		m.obs = p
	}
	return m
}

// Check evaluates the alert config of actorID. score is the caller's current
// compliance score for the actor, or nil when none is known.
//
// The cooldown slot is claimed with a compare-and-swap before dispatching so
// that concurrent monitors cannot both fire. A failed dispatch releases the
// claim and leaves LastAlertSentAt as it was.
func (m *Monitor) Check(ctx context.Context, actorID string, score *float64) (_ *Result, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "alert.check")
	defer func() { done(err) }()

	cfg, err := m.configs.Get(ctx, actorID)
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC().Truncate(time.Microsecond)
	res := &Result{ActorID: actorID}

	t := cfg.Thresholds
	if t.ViolationCount > 0 && t.ViolationWindow > 0 {
		blocked, err := m.ledger.Query(ctx, ledger.Filter{
			Action: contracts.ActionBlockedPrefix + "*",
			Actor:  contracts.ActorIdentity(actorID),
			Since:  now.Add(-t.ViolationWindow),
		})
		if err != nil {
			return nil, err
		}
		res.Violations = len(blocked)
		if res.Violations >= t.ViolationCount {
			res.Reasons = append(res.Reasons, ReasonViolationSpike)
		}
	}
	if t.ComplianceScoreMin > 0 && score != nil && *score < t.ComplianceScoreMin {
		res.Reasons = append(res.Reasons, ReasonComplianceDrop)
	}
	res.Breached = len(res.Reasons) > 0
	if !res.Breached {
		return res, nil
	}

	if !ShouldFire(now, cfg.LastAlertSentAt, cfg.CooldownMinutes) {
		res.Suppressed = true
		m.logger.DebugContext(ctx, "alert suppressed by cooldown", "actor_id", actorID, "last_sent", cfg.LastAlertSentAt)
		return res, nil
	}

	if err := m.configs.SwapLastSent(ctx, actorID, cfg.LastAlertSentAt, &now); err != nil {
		if errors.Is(err, contracts.ErrConflict) {
			res.Suppressed = true
			return res, nil
		}
		return nil, err
	}

	msg := notify.Message{
		Subject:  fmt.Sprintf("Governance alert for %s", contracts.ActorIdentity(actorID)),
		Body:     describe(res, cfg, score),
		Severity: contracts.SeverityHigh,
		Fields: map[string]any{
			"actor_id": actorID,
			"reasons":  strings.Join(res.Reasons, ","),
		},
	}
	if err := m.dispatcher.Send(ctx, cfg.Channel, msg); err != nil {
		if rerr := m.configs.SwapLastSent(ctx, actorID, &now, cfg.LastAlertSentAt); rerr != nil {
			m.logger.ErrorContext(ctx, "failed to release alert cooldown", "actor_id", actorID, "error", rerr)
		}
		m.logger.ErrorContext(ctx, "alert dispatch failed", "actor_id", actorID, "channel", cfg.Channel, "error", err)
		return nil, fmt.Errorf("dispatch alert for %s: %w", actorID, err)
	}
	res.Fired = true

	details := map[string]any{
		"actor_id":   actorID,
		"channel":    cfg.Channel,
		"reasons":    strings.Join(res.Reasons, ","),
		"violations": res.Violations,
	}
	if score != nil {
		details["compliance_score"] = *score
	}
	res.Receipt, err = m.ledger.Append(ctx, contracts.Entry{
		Action:   contracts.ActionAlertDispatched,
		Actor:    contracts.ActorSystem,
		Details:  details,
		Outcome:  contracts.OutcomeSuccess,
		Severity: contracts.SeverityHigh,
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "alert dispatched", "actor_id", actorID, "channel", cfg.Channel, "reasons", res.Reasons)
	return res, nil
}

// CheckAll runs Check for every configured actor. scores supplies compliance
// scores by actor id. Per-actor failures are logged and skipped.
func (m *Monitor) CheckAll(ctx context.Context, scores map[string]float64) ([]*Result, error) {
	configs, err := m.configs.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Result
	for _, cfg := range configs {
		var score *float64
		if s, ok := scores[cfg.ActorID]; ok {
			score = &s
		}
		res, err := m.Check(ctx, cfg.ActorID, score)
		if err != nil {
			m.logger.WarnContext(ctx, "alert check failed", "actor_id", cfg.ActorID, "error", err)
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

func describe(res *Result, cfg *contracts.AlertConfig, score *float64) string {
	var parts []string
	for _, r := range res.Reasons {
		switch r {
		case ReasonViolationSpike:
			parts = append(parts, fmt.Sprintf("%d blocked actions in the last %s", res.Violations, cfg.Thresholds.ViolationWindow))
		case ReasonComplianceDrop:
			parts = append(parts, fmt.Sprintf("compliance score %.1f below %.1f", *score, cfg.Thresholds.ComplianceScoreMin))
		}
	}
	return strings.Join(parts, "; ")
}
