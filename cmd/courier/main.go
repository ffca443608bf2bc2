package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "install":
		return runInstallCmd(args[2:], stdout, stderr)
	case "manifest", "verify":
		return runManifestCmd(args[2:], stdout, stderr)
	case "quarantine":
		return runQuarantineCmd(args[2:], stdout, stderr)
	case "history":
		return runHistoryCmd(args[2:], stdout, stderr)
	case "integrity":
		return runIntegrityCmd(args[2:], stdout, stderr)
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
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "courier - secure module delivery")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  courier install    --module <id> | --all    Download, verify and install modules")
	fmt.Fprintln(w, "  courier manifest                             Fetch and validate the manifest (alias: verify)")
	fmt.Fprintln(w, "  courier quarantine [list|release|delete]     Manage quarantined artifacts")
	fmt.Fprintln(w, "  courier history                              Show download and install history")
	fmt.Fprintln(w, "  courier integrity  [--module <name>]         Re-verify installed modules")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Common flags:")
	fmt.Fprintln(w, "  --config <path>    YAML profile overriding the built-in defaults")
	fmt.Fprintln(w, "")
}
