package main

import (
	"flag"
	"fmt"
	"io"
)

// runIntegrityCmd re-verifies installed module trees.
//
// Exit codes:
//
//	0 = all checked modules intact
//	1 = at least one module failed
//	2 = usage or configuration error
func runIntegrityCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("integrity", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilePath string
		moduleName  string
	)
	cmd.StringVar(&profilePath, "config", "", "YAML profile path")
	cmd.StringVar(&moduleName, "module", "", "Check a single module instead of all")

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

	if moduleName != "" {
		if err := a.validator.Validate(moduleName); err != nil {
			_, _ = fmt.Fprintf(stderr, "FAIL %s: %v\n", moduleName, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "ok %s\n", moduleName)
		return 0
	}

	failures := a.validator.Sweep()
	markers, _ := a.installer.Installed()
	for _, marker := range markers {
		if err, bad := failures[marker.Name]; bad {
			_, _ = fmt.Fprintf(stderr, "FAIL %s: %v\n", marker.Name, err)
			continue
		}
		_, _ = fmt.Fprintf(stdout, "ok %s %s\n", marker.Name, marker.Version)
	}
	if len(failures) > 0 {
		return 1
	}
	return 0
}
