package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ihoward40/SintraPrime-sub001/pkg/clock"
	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/ledger"
	"github.com/ihoward40/SintraPrime-sub001/pkg/observability"
)

// Denial reason codes.
const (
	ReasonDailyLimitExceeded   = "DAILY_LIMIT_EXCEEDED"
	ReasonWeeklyLimitExceeded  = "WEEKLY_LIMIT_EXCEEDED"
	ReasonMonthlyLimitExceeded = "MONTHLY_LIMIT_EXCEEDED"
	ReasonApprovalRequired     = "APPROVAL_REQUIRED"
)

// maxCASAttempts bounds the optimistic write loop. Conflicts only happen
// when another process updates the same actor concurrently.
const maxCASAttempts = 8

// Spending is the counter snapshot reported with every decision.
type Spending struct {
	Daily   int64 `json:"daily"`
	Weekly  int64 `json:"weekly"`
	Monthly int64 `json:"monthly"`
}

// Decision is the structured result of a gate check.
type Decision struct {
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requires_approval"`
	Reason           string   `json:"reason,omitempty"`
	Message          string   `json:"message,omitempty"`
	CurrentSpending  Spending `json:"current_spending"`
	// Receipt is the blocked receipt of a limit denial, or the
	// spending_recorded receipt of a successful Charge.
	Receipt *contracts.Receipt `json:"receipt,omitempty"`
}

// Err returns the denial as a *contracts.PolicyDeniedError, or nil.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	return &contracts.PolicyDeniedError{Code: d.Reason, Message: d.Message}
}

// Gate evaluates and records spending against per-actor policies.
type Gate struct {
	storage    Storage
	policies   PolicySource
	ledger     *ledger.Ledger
	conditions *ConditionEvaluator
	locks      *actorLocks
	clock      clock.Clock
	obs        *observability.Provider
	logger     *slog.Logger
}

// NewGate creates a gate. conditions may be nil when no policy uses
// approval conditions.
func NewGate(storage Storage, policies PolicySource, l *ledger.Ledger, conditions *ConditionEvaluator) *Gate {
	return &Gate{
		storage:    storage,
		policies:   policies,
		ledger:     l,
		conditions: conditions,
		locks:      newActorLocks(),
		clock:      clock.System,
		obs:        observability.Disabled(),
		logger:     slog.Default().With("component", "budget"),
	}
}

// WithClock overrides the time source.
func (g *Gate) WithClock(c clock.Clock) *Gate {
	g.clock = clock.OrSystem(c)
	return g
}

// WithObservability attaches a telemetry provider.
func (g *Gate) WithObservability(p *observability.Provider) *Gate {
	if p != nil {
		g.obs = p
	}
	return g
}

func validateRequest(actorID, action string, cost int64) error {
	if strings.TrimSpace(actorID) == "" {
		return &contracts.ValidationError{Field: "actor_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(action) == "" {
		return &contracts.ValidationError{Field: "action", Reason: "must not be empty"}
	}
	if cost < 0 {
		return &contracts.ValidationError{Field: "cost", Reason: "must not be negative"}
	}
	return nil
}

// window loads the actor's window with rollovers applied as of now. The
// result is not persisted.
func (g *Gate) window(ctx context.Context, actorID string, now time.Time) (*contracts.SpendingWindow, error) {
	w, err := g.storage.Load(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return contracts.NewSpendingWindow(actorID, now), nil
	}
	w.Rollover(now)
	return w, nil
}

// check applies the limit order daily, weekly, monthly and then the approval
// rules. The first violated window wins.
func (g *Gate) check(ctx context.Context, p Policy, w *contracts.SpendingWindow, actorID, action string, cost int64) *Decision {
	d := &Decision{CurrentSpending: Spending{Daily: w.Daily, Weekly: w.Weekly, Monthly: w.Monthly}}

	windows := []struct {
		name   string
		reason string
		spent  int64
		limit  int64
	}{
		{"daily", ReasonDailyLimitExceeded, w.Daily, p.DailyLimit},
		{"weekly", ReasonWeeklyLimitExceeded, w.Weekly, p.WeeklyLimit},
		{"monthly", ReasonMonthlyLimitExceeded, w.Monthly, p.MonthlyLimit},
	}
	for _, win := range windows {
		if win.limit > 0 && cost > win.limit-win.spent {
			d.Reason = win.reason
			d.Message = fmt.Sprintf("%s spending limit of %s exceeded: %s already spent, %s requested",
				titleCase(win.name), FormatCents(win.limit), FormatCents(win.spent), FormatCents(cost))
			return d
		}
	}

	if p.needsApprovalByThreshold(cost) {
		d.RequiresApproval = true
		d.Reason = ReasonApprovalRequired
		d.Message = fmt.Sprintf("Approval required: %s meets the %s approval threshold",
			FormatCents(cost), FormatCents(p.ApprovalThreshold))
		return d
	}

	if p.ApprovalCondition != "" {
		matched, err := g.evaluateCondition(p.ApprovalCondition, ConditionInput{
			Actor: contracts.ActorIdentity(actorID), Action: action, Cost: cost,
			Daily: w.Daily, Weekly: w.Weekly, Monthly: w.Monthly,
		})
		if err != nil {
			// Fail closed: an unusable condition escalates to a human.
			g.logger.WarnContext(ctx, "approval condition failed, requiring approval",
				"actor_id", actorID, "action", action, "error", err)
			matched = true
		}
		if matched {
			d.RequiresApproval = true
			d.Reason = ReasonApprovalRequired
			d.Message = fmt.Sprintf("Approval required: %s matches the approval policy for this actor", action)
			return d
		}
	}

	d.Allowed = true
	return d
}

func (g *Gate) evaluateCondition(expr string, in ConditionInput) (bool, error) {
	if g.conditions == nil {
		return false, errors.New("no condition evaluator configured")
	}
	return g.conditions.Evaluate(expr, in)
}

// deny receipts a limit violation. Approval-required denials are not
// receipted here; the approval workflow owns that record.
func (g *Gate) deny(ctx context.Context, d *Decision, actorID, action string, cost int64) error {
	g.obs.RecordDenial(ctx, d.Reason, action)
	if d.RequiresApproval {
		g.logger.InfoContext(ctx, "approval required",
			"actor_id", actorID, "action", action, "cost", cost)
		return nil
	}

	g.logger.WarnContext(ctx, "spending denied",
		"actor_id", actorID, "action", action, "cost", cost, "reason", d.Reason)
	r, err := g.ledger.Append(ctx, contracts.Entry{
		Action: contracts.BlockedAction(action),
		Actor:  contracts.ActorIdentity(actorID),
		Details: map[string]any{
			"reason":         d.Reason,
			"message":        d.Message,
			"estimated_cost": cost,
			"daily":          d.CurrentSpending.Daily,
			"weekly":         d.CurrentSpending.Weekly,
			"monthly":        d.CurrentSpending.Monthly,
		},
		Outcome:  contracts.OutcomeFailure,
		Severity: contracts.SeverityHigh,
	})
	if err != nil {
		return err
	}
	d.Receipt = r
	return nil
}

// Evaluate checks whether actorID may spend estimatedCost on action. A
// denial is reported through the Decision, not the error; the error is
// reserved for validation and storage failures. Limit denials leave a
// blocked:<action> receipt.
//
// Evaluate reserves nothing: concurrent callers may all pass before any of
// them records its spend, so evaluate-then-RecordSpending can overshoot a
// limit. Callers that need strict enforcement must use Charge.
func (g *Gate) Evaluate(ctx context.Context, actorID, action string, estimatedCost int64) (_ *Decision, err error) {
	ctx, done := g.obs.TrackOperation(ctx, "budget.evaluate", attribute.String("governance.action", action))
	defer func() { done(err) }()

	if err := validateRequest(actorID, action, estimatedCost); err != nil {
		return nil, err
	}
	unlock := g.locks.lock(actorID)
	defer unlock()

	w, err := g.window(ctx, actorID, g.clock())
	if err != nil {
		return nil, err
	}
	d := g.check(ctx, g.policies.PolicyFor(actorID), w, actorID, action, estimatedCost)
	if !d.Allowed {
		if err := g.deny(ctx, d, actorID, action, estimatedCost); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// commit adds cost to the actor's window with optimistic retries. decide,
// when set, runs against every freshly loaded window and may veto the write.
func (g *Gate) commit(ctx context.Context, actorID string, cost int64, decide func(*contracts.SpendingWindow) *Decision) (*contracts.SpendingWindow, *Decision, error) {
	return g.update(ctx, actorID, func(w *contracts.SpendingWindow) (*Decision, error) {
		var d *Decision
		if decide != nil {
			if d = decide(w); !d.Allowed {
				return d, nil
			}
		}
		return d, w.Add(cost)
	})
}

// release takes back a committed cost whose receipt could not be written.
func (g *Gate) release(ctx context.Context, actorID string, cost int64) error {
	_, _, err := g.update(ctx, actorID, func(w *contracts.SpendingWindow) (*Decision, error) {
		w.Release(cost)
		return nil, nil
	})
	return err
}

// update loads the actor's window, applies mutate and saves the result,
// retrying on version conflicts. A vetoing decision or an error from mutate
// skips the write.
func (g *Gate) update(ctx context.Context, actorID string, mutate func(*contracts.SpendingWindow) (*Decision, error)) (*contracts.SpendingWindow, *Decision, error) {
	for attempt := 1; ; attempt++ {
		w, err := g.window(ctx, actorID, g.clock())
		if err != nil {
			return nil, nil, err
		}
		d, err := mutate(w)
		if err != nil {
			return nil, nil, err
		}
		if d != nil && !d.Allowed {
			return w, d, nil
		}
		err = g.storage.Save(ctx, w)
		if err == nil {
			return w, d, nil
		}
		if !errors.Is(err, contracts.ErrConflict) || attempt >= maxCASAttempts {
			return nil, nil, err
		}
		g.logger.DebugContext(ctx, "spending window conflict, retrying", "actor_id", actorID, "attempt", attempt)
	}
}

func (g *Gate) recordReceipt(ctx context.Context, w *contracts.SpendingWindow, actorID, action string, cost int64) (*contracts.Receipt, error) {
	return g.ledger.Append(ctx, contracts.Entry{
		Action: contracts.ActionSpendingRecorded,
		Actor:  contracts.ActorIdentity(actorID),
		Details: map[string]any{
			"action":  action,
			"cost":    cost,
			"daily":   w.Daily,
			"weekly":  w.Weekly,
			"monthly": w.Monthly,
		},
		Outcome: contracts.OutcomeSuccess,
	})
}

// RecordSpending adds actualCost to all three windows and writes a
// spending_recorded receipt. It does not re-check limits: actual costs may
// differ from the estimate that was evaluated.
func (g *Gate) RecordSpending(ctx context.Context, actorID, action string, actualCost int64) (_ *contracts.Receipt, err error) {
	ctx, done := g.obs.TrackOperation(ctx, "budget.record_spending", attribute.String("governance.action", action))
	defer func() { done(err) }()

	if err := validateRequest(actorID, action, actualCost); err != nil {
		return nil, err
	}
	unlock := g.locks.lock(actorID)
	defer unlock()

	w, _, err := g.commit(ctx, actorID, actualCost, nil)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to record spending", "actor_id", actorID, "action", action, "error", err)
		return nil, err
	}
	r, err := g.recordReceipt(ctx, w, actorID, action, actualCost)
	if err != nil {
		return nil, g.compensate(ctx, actorID, action, actualCost, err)
	}
	return r, nil
}

// compensate releases a spend whose receipt failed, so the counters never
// hold spending the ledger cannot account for. It returns cause joined with
// any release failure.
func (g *Gate) compensate(ctx context.Context, actorID, action string, cost int64, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := g.release(ctx, actorID, cost); err != nil {
		g.logger.ErrorContext(ctx, "failed to release unrecorded spending",
			"actor_id", actorID, "action", action, "cost", cost, "error", err)
		return errors.Join(cause, err)
	}
	g.logger.WarnContext(ctx, "spending released after receipt failure",
		"actor_id", actorID, "action", action, "cost", cost, "error", cause)
	return cause
}

// Charge evaluates and records cost in one step, so no concurrent caller
// can pass the same limit check before this spend is counted. On an allowed
// decision, Decision.Receipt is the spending_recorded receipt and
// CurrentSpending includes cost.
func (g *Gate) Charge(ctx context.Context, actorID, action string, cost int64) (_ *Decision, err error) {
	ctx, done := g.obs.TrackOperation(ctx, "budget.charge", attribute.String("governance.action", action))
	defer func() { done(err) }()

	if err := validateRequest(actorID, action, cost); err != nil {
		return nil, err
	}
	unlock := g.locks.lock(actorID)
	defer unlock()

	policy := g.policies.PolicyFor(actorID)
	w, d, err := g.commit(ctx, actorID, cost, func(w *contracts.SpendingWindow) *Decision {
		return g.check(ctx, policy, w, actorID, action, cost)
	})
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		if err := g.deny(ctx, d, actorID, action, cost); err != nil {
			return nil, err
		}
		return d, nil
	}

	d.CurrentSpending = Spending{Daily: w.Daily, Weekly: w.Weekly, Monthly: w.Monthly}
	if d.Receipt, err = g.recordReceipt(ctx, w, actorID, action, cost); err != nil {
		return nil, g.compensate(ctx, actorID, action, cost, err)
	}
	return d, nil
}

// FormatCents renders integer cents as dollars, e.g. "$100.00".
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
