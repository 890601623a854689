package budget

import (
	"context"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
)

// WindowSummary describes one rolling window. Limit 0 means unlimited.
type WindowSummary struct {
	Spent     int64     `json:"spent"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Unlimited bool      `json:"unlimited"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Summary is the current spending position of an actor.
type Summary struct {
	ActorID           string        `json:"actor_id"`
	Daily             WindowSummary `json:"daily"`
	Weekly            WindowSummary `json:"weekly"`
	Monthly           WindowSummary `json:"monthly"`
	ApprovalThreshold int64         `json:"approval_threshold"`
	RequiresApproval  bool          `json:"requires_approval"`
}

func summarize(spent, limit int64, reset time.Time, period time.Duration) WindowSummary {
	s := WindowSummary{Spent: spent, ResetsAt: reset.Add(period)}
	if limit <= 0 {
		s.Unlimited = true
		return s
	}
	s.Limit = limit
	s.Remaining = max(limit-spent, 0)
	return s
}

// Summary reports the actor's windows as of now, after rollover.
func (g *Gate) Summary(ctx context.Context, actorID string) (*Summary, error) {
	if err := validateRequest(actorID, "summary", 0); err != nil {
		return nil, err
	}
	w, err := g.window(ctx, actorID, g.clock())
	if err != nil {
		return nil, err
	}
	p := g.policies.PolicyFor(actorID)
	return &Summary{
		ActorID:           actorID,
		Daily:             summarize(w.Daily, p.DailyLimit, w.DailyReset, contracts.DailyPeriod),
		Weekly:            summarize(w.Weekly, p.WeeklyLimit, w.WeeklyReset, contracts.WeeklyPeriod),
		Monthly:           summarize(w.Monthly, p.MonthlyLimit, w.MonthlyReset, contracts.MonthlyPeriod),
		ApprovalThreshold: p.ApprovalThreshold,
		RequiresApproval:  p.RequiresApproval,
	}, nil
}
