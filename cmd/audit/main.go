// Command audit reconciles user balances against the stake ledger.
//
// By default it prints the drifting users and exits. With -apply it
// overwrites each drifting balance with its ledger value.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/atmx/poolbet/internal/app"
	"github.com/atmx/poolbet/internal/audit"
	"github.com/atmx/poolbet/internal/config"
	"github.com/atmx/poolbet/internal/logging"
	"github.com/atmx/poolbet/internal/model"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to YAML config (optional)")
		apply      = flag.Bool("apply", false, "write corrected balances")
		force      = flag.Bool("force", false, "apply even when markets were settled under another payout policy")
		all        = flag.Bool("all", false, "list users without drift too")
		asJSON     = flag.Bool("json", false, "print the report as JSON")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// The report goes to stdout; keep logs on stderr.
	logger, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log setup:", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	var report *audit.Report
	if *apply {
		report, err = a.Auditor.ApplyCorrections(ctx, audit.ApplyOptions{Force: *force})
	} else {
		report, err = a.Auditor.ComputeCorrections(ctx)
	}
	if errors.Is(err, model.ErrPolicyMismatch) {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "re-run with -force to recompute those markets under the current policy")
		os.Exit(2)
	}
	if err != nil {
		slog.Error("reconciliation failed", "err", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			slog.Error("encode report", "err", err)
			os.Exit(1)
		}
		return
	}
	printReport(os.Stdout, report, *all)
}
