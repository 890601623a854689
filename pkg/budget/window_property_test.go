package budget

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestWindowProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("counters within one day equal the sum of recorded costs", prop.ForAll(
		func(costs []int64) bool {
			f := newFixture(t, Policy{}, nil)
			ctx := context.Background()
			var sum int64
			for _, c := range costs {
				if _, err := f.gate.RecordSpending(ctx, "p", "buy", c); err != nil {
					return false
				}
				sum += c
				f.clock.Advance(time.Minute)
			}
			s, err := f.gate.Summary(ctx, "p")
			if err != nil {
				return false
			}
			return s.Daily.Spent == sum && s.Weekly.Spent == sum && s.Monthly.Spent == sum
		},
		gen.SliceOfN(20, gen.Int64Range(0, 100000)),
	))

	properties.Property("an allowed evaluation never lets the daily counter pass the limit", prop.ForAll(
		func(limit int64, costs []int64) bool {
			f := newFixture(t, dailyOnly(limit), nil)
			ctx := context.Background()
			for _, c := range costs {
				d, err := f.gate.Evaluate(ctx, "p", "buy", c)
				if err != nil {
					return false
				}
				if !d.Allowed {
					continue
				}
				if d.CurrentSpending.Daily+c > limit {
					return false
				}
				if _, err := f.gate.RecordSpending(ctx, "p", "buy", c); err != nil {
					return false
				}
			}
			s, err := f.gate.Summary(ctx, "p")
			return err == nil && s.Daily.Spent <= limit
		},
		gen.Int64Range(1, 50000),
		gen.SliceOfN(15, gen.Int64Range(0, 20000)),
	))

	properties.TestingRun(t)
}
