package contracts

import (
	"math"
	"time"
)

// Window lengths used for rollover. Each window is evaluated independently.
const (
	DailyPeriod   = 24 * time.Hour
	WeeklyPeriod  = 7 * DailyPeriod
	MonthlyPeriod = 30 * DailyPeriod
)

// SpendingWindow holds the rolling per-actor counters, in cents.
// Version increases on every persisted write and drives compare-and-swap.
type SpendingWindow struct {
	ActorID      string    `json:"actor_id"`
	Daily        int64     `json:"daily"`
	Weekly       int64     `json:"weekly"`
	Monthly      int64     `json:"monthly"`
	DailyReset   time.Time `json:"daily_reset"`
	WeeklyReset  time.Time `json:"weekly_reset"`
	MonthlyReset time.Time `json:"monthly_reset"`
	Version      int64     `json:"version"`
}

// NewSpendingWindow returns an empty window whose periods all start at now.
func NewSpendingWindow(actorID string, now time.Time) *SpendingWindow {
	return &SpendingWindow{
		ActorID:      actorID,
		DailyReset:   now,
		WeeklyReset:  now,
		MonthlyReset: now,
	}
}

// Rollover zeroes every counter whose period has elapsed and advances its
// reset instant by whole periods until it is no more than one period behind
// now. It reports whether anything changed.
func (w *SpendingWindow) Rollover(now time.Time) bool {
	changed := false
	roll := func(counter *int64, reset *time.Time, period time.Duration) {
		if now.Sub(*reset) < period {
			return
		}
		*counter = 0
		elapsed := now.Sub(*reset) / period
		*reset = reset.Add(elapsed * period)
		changed = true
	}
	roll(&w.Daily, &w.DailyReset, DailyPeriod)
	roll(&w.Weekly, &w.WeeklyReset, WeeklyPeriod)
	roll(&w.Monthly, &w.MonthlyReset, MonthlyPeriod)
	return changed
}

// Add increments all three counters. A cost that would overflow any counter
// is rejected and leaves the window unchanged.
func (w *SpendingWindow) Add(cost int64) error {
	if cost < 0 {
		return &ValidationError{Field: "cost", Reason: "must not be negative"}
	}
	for _, c := range []int64{w.Daily, w.Weekly, w.Monthly} {
		if c > math.MaxInt64-cost {
			return &ValidationError{Field: "cost", Reason: "would overflow the spending counters"}
		}
	}
	w.Daily += cost
	w.Weekly += cost
	w.Monthly += cost
	return nil
}

// Release takes cost back out of all three counters, never going below zero.
func (w *SpendingWindow) Release(cost int64) {
	sub := func(c *int64) {
		*c = max(*c-cost, 0)
	}
	sub(&w.Daily)
	sub(&w.Weekly)
	sub(&w.Monthly)
}

// IdempotencyRecord marks a completed logical operation.
type IdempotencyRecord struct {
	OperationKey string         `json:"operation_key"`
	RecordedAt   time.Time      `json:"recorded_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Expired reports whether the record is past its retention window.
func (r *IdempotencyRecord) Expired(now time.Time, retention time.Duration) bool {
	return now.Sub(r.RecordedAt) >= retention
}
