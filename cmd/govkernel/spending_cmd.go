package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/ihoward40/SintraPrime-sub001/pkg/budget"
)

// runSummaryCmd implements `govkernel summary [--json] <actor>`.
func runSummaryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("summary", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output the summary as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: govkernel summary [--json] <actor>")
		return 2
	}

	ctx := context.Background()
	e, code := loadEngine(ctx, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = e.Close(ctx) }()

	sum, err := e.Gate.Summary(ctx, cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *jsonOutput {
		writeJSON(stdout, sum)
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "Spending summary for %s\n", sum.ActorID)
	for _, w := range []struct {
		name string
		s    budget.WindowSummary
	}{{"daily", sum.Daily}, {"weekly", sum.Weekly}, {"monthly", sum.Monthly}} {
		if w.s.Unlimited {
			_, _ = fmt.Fprintf(stdout, "  %-8s %s spent, unlimited\n", w.name, budget.FormatCents(w.s.Spent))
			continue
		}
		_, _ = fmt.Fprintf(stdout, "  %-8s %s of %s (%s remaining)\n", w.name,
			budget.FormatCents(w.s.Spent), budget.FormatCents(w.s.Limit), budget.FormatCents(w.s.Remaining))
	}
	if sum.RequiresApproval {
		_, _ = fmt.Fprintf(stdout, "  approval required above %s\n", budget.FormatCents(sum.ApprovalThreshold))
	}
	return 0
}

// runSweepCmd implements `govkernel sweep`.
func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, code := loadEngine(ctx, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = e.Close(ctx) }()

	res, err := e.Sweep(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: sweep failed: %v\n", err)
		return 2
	}
	if *jsonOutput {
		writeJSON(stdout, res)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Evicted %d idempotency records, expired %d approval requests\n",
		res.IdempotencyEvicted, res.ApprovalsExpired)
	return 0
}
