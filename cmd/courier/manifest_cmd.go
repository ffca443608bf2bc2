package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runManifestCmd fetches and validates the manifest, listing its modules.
func runManifestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("manifest", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		jsonOutput  bool
	)
	cmd.StringVar(&profilePath, "config", "", "YAML profile path")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the module list as JSON")

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

	validated, err := a.service.Manifest(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(validated.Modules)
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "manifest for %s signed at %s, %d modules\n",
		validated.Environment, validated.Timestamp.Format("2006-01-02 15:04:05 MST"), len(validated.Modules))
	for _, m := range validated.Modules {
		installed, _ := a.installer.InstalledVersion(m.Name)
		status := "not installed"
		if installed != "" {
			status = "installed " + installed
		}
		_, _ = fmt.Fprintf(stdout, "  %-20s %-10s %10d bytes  %s\n", m.ID, m.Version, m.Size, status)
	}
	return 0
}
