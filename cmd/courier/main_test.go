package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packstream/courier/pkg/config"
)

func TestRunWithoutArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"courier"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Usage:")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"courier", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"courier", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "courier install")
}

func TestInstallRequiresModuleOrAll(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"courier", "install"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "--module or --all")
}

func TestQuarantineListEmpty(t *testing.T) {
	cfg := writeProfile(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"courier", "quarantine", "list", "--config", cfg}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "quarantine is empty")
}

func TestHistoryEmptyChain(t *testing.T) {
	cfg := writeProfile(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"courier", "history", "--config", cfg}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "receipt chain: ok")
}

// writeProfile produces a minimal valid profile pointing at temp dirs, with
// signature verification disabled so no key material is needed.
func writeProfile(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	profile := strings.Join([]string{
		"root: " + root,
		"temp_dir: " + t.TempDir(),
		"insecure_skip_signature: true",
		"manifest_url: https://modules.example.com/manifest",
	}, "\n")

	path := filepath.Join(root, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o600))

	// Sanity: the profile must round-trip through the loader.
	cfg, err := config.LoadProfile(path)
	require.NoError(t, err)
	require.Equal(t, root, cfg.Root)
	return path
}
