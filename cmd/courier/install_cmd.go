package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
)

// runInstallCmd implements `courier install`.
//
// Exit codes:
//
//	0 = all requested modules installed
//	1 = at least one module failed
//	2 = usage or configuration error
func runInstallCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("install", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		moduleID    string
		all         bool
	)
	cmd.StringVar(&profilePath, "config", "", "YAML profile path")
	cmd.StringVar(&moduleID, "module", "", "Manifest id of the module to install")
	cmd.BoolVar(&all, "all", false, "Install every module in the manifest")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if moduleID == "" && !all {
		_, _ = fmt.Fprintln(stderr, "Error: --module or --all is required")
		return 2
	}

	cfg, err := loadConfig(profilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	a, err := buildApp(cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if all {
		outcomes, failures := a.service.InstallAll(ctx)
		for _, outcome := range outcomes {
			_, _ = fmt.Fprintf(stdout, "installed %s %s (%d files, %d bytes)\n",
				outcome.Module, outcome.Version, outcome.Files, outcome.BytesDownloaded)
		}
		for id, err := range failures {
			_, _ = fmt.Fprintf(stderr, "failed %s: %v\n", id, err)
		}
		if len(failures) > 0 {
			return 1
		}
		return 0
	}

	outcome, err := a.service.InstallModule(ctx, moduleID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "failed %s: %v\n", moduleID, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "installed %s %s (%d files, %d bytes)\n",
		outcome.Module, outcome.Version, outcome.Files, outcome.BytesDownloaded)
	if outcome.Receipt != nil {
		_, _ = fmt.Fprintf(stdout, "receipt %s seq %d\n", outcome.Receipt.ReceiptID, outcome.Receipt.Seq)
	}
	return 0
}
