package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"runtime"

	"github.com/ihoward40/SintraPrime-sub001/pkg/config"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // ok, warn, fail
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `govkernel doctor`.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}
	results = append(results, doctorChecks(ctx, stderr)...)

	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if *jsonOutput {
		writeJSON(stdout, map[string]any{"ok": allOK, "checks": results})
	} else {
		_, _ = fmt.Fprintln(stdout, "govkernel doctor")
		for _, r := range results {
			_, _ = fmt.Fprintf(stdout, "  %-4s  %-16s %s\n", r.Status, r.Name, r.Detail)
		}
		if allOK {
			_, _ = fmt.Fprintln(stdout, "All checks passed.")
		}
	}
	if !allOK {
		return 1
	}
	return 0
}

func doctorChecks(ctx context.Context, stderr io.Writer) []checkResult {
	cfg, err := config.Load()
	if err != nil {
		return []checkResult{{Name: "config", Status: "fail", Detail: err.Error()}}
	}
	results := []checkResult{{Name: "config", Status: "ok", Detail: "store=" + cfg.Store}}

	if cfg.SigningSecret == "" {
		results = append(results, checkResult{Name: "signing", Status: "fail", Detail: "GOV_SIGNING_SECRET not set"})
		return results
	}
	results = append(results, checkResult{Name: "signing", Status: "ok", Detail: cfg.SigningAlg + " key " + cfg.SigningKeyID})

	if cfg.PolicyFile == "" {
		results = append(results, checkResult{Name: "policy_file", Status: "warn", Detail: "GOV_POLICY_FILE not set, using built-in limits"})
	} else if _, err := config.LoadPolicyFile(cfg.PolicyFile); err != nil {
		results = append(results, checkResult{Name: "policy_file", Status: "fail", Detail: err.Error()})
		return results
	} else {
		results = append(results, checkResult{Name: "policy_file", Status: "ok", Detail: cfg.PolicyFile})
	}

	e, code := loadEngine(ctx, stderr)
	if code != 0 {
		return append(results, checkResult{Name: "stores", Status: "fail", Detail: "engine failed to start"})
	}
	defer func() { _ = e.Close(ctx) }()

	if err := e.Ping(ctx); err != nil {
		results = append(results, checkResult{Name: "stores", Status: "fail", Detail: err.Error()})
	} else {
		detail := cfg.Store
		if cfg.RedisAddr != "" {
			detail += " + redis " + cfg.RedisAddr
		}
		results = append(results, checkResult{Name: "stores", Status: "ok", Detail: detail})
	}

	if cfg.Store == config.StoreMemory {
		results = append(results, checkResult{Name: "persistence", Status: "warn", Detail: "memory store loses receipts on exit"})
	}

	if _, err := e.Artifacts(ctx); err != nil {
		results = append(results, checkResult{Name: "artifacts", Status: "warn", Detail: err.Error()})
	} else {
		kind := cfg.Artifacts.Type
		if kind == "" {
			kind = "fs"
		}
		results = append(results, checkResult{Name: "artifacts", Status: "ok", Detail: kind})
	}
	return results
}
