package main

import (
	"context"
	"flag"
	"fmt"
	"io"
)

// runHistoryCmd shows persisted download records and the install receipt
// chain, verifying the chain first.
func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("history", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		limit       int
	)
	cmd.StringVar(&profilePath, "config", "", "YAML profile path")
	cmd.IntVar(&limit, "limit", 20, "Maximum records to show")

	if err := cmd.Parse(args); err != nil {
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

	ctx := context.Background()

	if err := a.store.VerifyChain(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: receipt chain verification failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "receipt chain: ok")

	receiptList, err := a.store.List(ctx, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "\ninstalls (%d):\n", len(receiptList))
	for _, r := range receiptList {
		_, _ = fmt.Fprintf(stdout, "  seq %-4d %-20s %-10s %s\n",
			r.Seq, r.Module, r.Version, r.Timestamp.Format("2006-01-02 15:04:05"))
	}

	downloads, err := a.store.Downloads(ctx, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "\ndownloads (%d):\n", len(downloads))
	for _, d := range downloads {
		status := "failed: " + string(d.EndReason)
		if d.Success {
			status = "ok"
		}
		_, _ = fmt.Fprintf(stdout, "  %-20s %10d/%d bytes  %-10s %s\n",
			d.ModuleID, d.BytesDownloaded, d.ExpectedBytes, status,
			d.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}
