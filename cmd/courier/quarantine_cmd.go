package main

import (
	"flag"
	"fmt"
	"io"
)

// runQuarantineCmd implements `courier quarantine [list|release|delete]`.
func runQuarantineCmd(args []string, stdout, stderr io.Writer) int {
	action := "list"
	if len(args) > 0 && args[0][0] != '-' {
		action = args[0]
		args = args[1:]
	}

	cmd := flag.NewFlagSet("quarantine", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		moduleID    string
		dest        string
	)
	cmd.StringVar(&profilePath, "config", "", "YAML profile path")
	cmd.StringVar(&moduleID, "module", "", "Module whose artifact to release or delete")
	cmd.StringVar(&dest, "dest", "", "Destination path for release (default: the recorded original path)")

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

	switch action {
	case "list":
		entries, err := a.quarantine.List()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if len(entries) == 0 {
			_, _ = fmt.Fprintln(stdout, "quarantine is empty")
			return 0
		}
		for _, entry := range entries {
			_, _ = fmt.Fprintf(stdout, "%-20s %s  %s\n",
				entry.Module, entry.QuarantinedAt.Format("2006-01-02 15:04:05"), entry.Reason)
		}
		return 0

	case "release":
		if moduleID == "" {
			_, _ = fmt.Fprintln(stderr, "Error: release requires --module")
			return 2
		}
		if dest == "" {
			entry, err := a.quarantine.Get(moduleID)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			dest = entry.OriginalPath
		}
		if err := a.quarantine.Release(moduleID, dest); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "released %s to %s\n", moduleID, dest)
		return 0

	case "delete":
		if moduleID == "" {
			_, _ = fmt.Fprintln(stderr, "Error: delete requires --module")
			return 2
		}
		if err := a.quarantine.Delete(moduleID); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "deleted quarantined artifact for %s\n", moduleID)
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown quarantine action: %s\n", action)
		return 2
	}
}
