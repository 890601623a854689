package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ihoward40/SintraPrime-sub001/pkg/contracts"
	"github.com/ihoward40/SintraPrime-sub001/pkg/ledger"
)

// filterFlags are the receipt selection flags shared by verify and export.
type filterFlags struct {
	actor  string
	action string
	since  string
	until  string
	limit  int
}

func (f *filterFlags) register(cmd *flag.FlagSet) {
	cmd.StringVar(&f.actor, "actor", "", "Only receipts of this actor (bare ids are matched as user:<id>)")
	cmd.StringVar(&f.action, "action", "", "Only this action; a trailing * matches a prefix")
	cmd.StringVar(&f.since, "since", "", "Inclusive lower bound (RFC 3339)")
	cmd.StringVar(&f.until, "until", "", "Exclusive upper bound (RFC 3339)")
	cmd.IntVar(&f.limit, "limit", 0, "Maximum number of receipts (0 = all)")
}

func (f *filterFlags) build() (ledger.Filter, error) {
	out := ledger.Filter{
		Actor:  contracts.ActorIdentity(f.actor),
		Action: f.action,
		Limit:  f.limit,
	}
	if f.limit < 0 {
		return out, fmt.Errorf("--limit must not be negative")
	}
	var err error
	if f.since != "" {
		if out.Since, err = time.Parse(time.RFC3339, f.since); err != nil {
			return out, fmt.Errorf("--since: %w", err)
		}
	}
	if f.until != "" {
		if out.Until, err = time.Parse(time.RFC3339, f.until); err != nil {
			return out, fmt.Errorf("--until: %w", err)
		}
	}
	return out, nil
}

// runVerifyCmd implements `govkernel verify`.
//
// Exit codes:
//
//	0 = every selected receipt verified
//	1 = at least one receipt failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var ff filterFlags
	ff.register(cmd)
	jsonOutput := cmd.Bool("json", false, "Output the chain report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	filter, err := ff.build()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	e, code := loadEngine(ctx, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = e.Close(ctx) }()

	receipts, err := e.Ledger.Query(ctx, filter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: query failed: %v\n", err)
		return 2
	}
	report := e.Ledger.VerifyChain(receipts)

	if *jsonOutput {
		writeJSON(stdout, report)
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "Ledger verification PASSED: %d receipts\n", report.Total)
	} else {
		_, _ = fmt.Fprintf(stdout, "Ledger verification FAILED: %d of %d receipts invalid\n", report.InvalidCount, report.Total)
		for id, checks := range report.Errors {
			_, _ = fmt.Fprintf(stdout, "  - %s: %v\n", id, checks)
		}
	}
	if !report.Valid {
		return 1
	}
	return 0
}

// runExportCmd implements `govkernel export`. With --out the bundle is
// written as JSON to a file; otherwise it is published to the configured
// artifact store and its digest printed.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var ff filterFlags
	ff.register(cmd)
	out := cmd.String("out", "", "Write the bundle to this file instead of the artifact store")
	jsonOutput := cmd.Bool("json", false, "Output the export summary as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	filter, err := ff.build()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	e, code := loadEngine(ctx, stderr)
	if code != 0 {
		return code
	}
	defer func() { _ = e.Close(ctx) }()

	var (
		bundle *ledger.Bundle
		digest string
	)
	if *out != "" {
		bundle, err = e.Ledger.ExportBundle(ctx, filter)
		if err == nil {
			err = writeBundleFile(*out, bundle)
		}
	} else {
		store, serr := e.Artifacts(ctx)
		if serr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: artifact store: %v\n", serr)
			return 2
		}
		bundle, digest, err = e.Ledger.Publish(ctx, store, filter)
	}
	if errors.Is(err, contracts.ErrNotFound) {
		_, _ = fmt.Fprintln(stderr, "Error: no receipts match the filter")
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 2
	}

	summary := map[string]any{
		"bundle_id":     bundle.BundleID,
		"bundle_hash":   bundle.BundleHash,
		"receipt_count": bundle.ReceiptCount,
		"valid":         bundle.Verification.Valid,
	}
	if digest != "" {
		summary["digest"] = digest
	}
	if *out != "" {
		summary["path"] = *out
	}

	if *jsonOutput {
		writeJSON(stdout, summary)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Exported %d receipts (bundle %s)\n", bundle.ReceiptCount, bundle.BundleID)
	_, _ = fmt.Fprintf(stdout, "Bundle hash: %s\n", bundle.BundleHash)
	if digest != "" {
		_, _ = fmt.Fprintf(stdout, "Published: %s\n", digest)
	} else {
		_, _ = fmt.Fprintf(stdout, "Written: %s\n", *out)
	}
	return 0
}

func writeBundleFile(path string, b *ledger.Bundle) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	writeJSON(f, b)
	return f.Close()
}
