// Command govkernel is the operator CLI of the governance kernel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ihoward40/SintraPrime-sub001/pkg/config"
	"github.com/ihoward40/SintraPrime-sub001/pkg/engine"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// openEngine is a variable so tests can inject a clock or dispatcher.
var openEngine = func(ctx context.Context, cfg *config.Config) (*engine.Engine, error) {
	return engine.New(ctx, cfg)
}

// Run is the entrypoint for testing. Exit codes: 0 success, 1 a check or
// verification failed, 2 usage or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "sweep":
		return runSweepCmd(args[2:], stdout, stderr)
	case "summary":
		return runSummaryCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "govkernel %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: govkernel <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  doctor             Check configuration and store reachability")
	_, _ = fmt.Fprintln(w, "  verify             Verify receipt signatures and hashes (--actor, --action, --since, --until, --limit)")
	_, _ = fmt.Fprintln(w, "  export             Export an evidence bundle (--out file, or publish to the artifact store)")
	_, _ = fmt.Fprintln(w, "  sweep              Evict expired idempotency records and expire stale approvals")
	_, _ = fmt.Fprintln(w, "  summary <actor>    Show an actor's spending windows")
	_, _ = fmt.Fprintln(w, "  version            Print the version")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "All commands accept --json. Configuration is read from the environment (GOV_STORE, GOV_SIGNING_SECRET, ...).")
}

// loadEngine reads the environment, installs the process logger and opens
// the engine. On failure it reports to stderr and returns exit code 2.
func loadEngine(ctx context.Context, stderr io.Writer) (*engine.Engine, int) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return nil, 2
	}
	slog.SetDefault(cfg.NewLogger(stderr))

	e, err := openEngine(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	return e, 0
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}
