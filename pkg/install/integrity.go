package install

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/packstream/courier/pkg/audit"
	"github.com/packstream/courier/pkg/crypto"
)

// IntegrityError reports an installed tree that no longer matches its
// install record.
type IntegrityError struct {
	Module string
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("module %q failed integrity check: %s (%s)", e.Module, e.Reason, e.Path)
}

// Validator re-verifies installed module trees against their markers.
type Validator struct {
	installer *Installer
	checksums *crypto.ChecksumEngine
	sink      audit.Sink
	logger    *slog.Logger
}

// NewValidator builds a validator over the installer's root.
func NewValidator(installer *Installer, sink audit.Sink, logger *slog.Logger) *Validator {
	if sink == nil {
		sink = audit.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	checksums, _ := crypto.NewChecksumEngine(crypto.SHA256)
	return &Validator{installer: installer, checksums: checksums, sink: sink, logger: logger}
}

// Validate checks the current version of one installed module: every
// recorded file present with its recorded hash, no unrecorded files, no
// symlinks anywhere in the tree.
func (v *Validator) Validate(name string) error {
	version, err := v.installer.InstalledVersion(name)
	if err != nil || version == "" {
		return v.fail(name, v.installer.ModulePath(name), "not installed")
	}
	return v.validateTree(name, v.installer.VersionPath(name, version))
}

// validateTree verifies one version directory against its marker.
func (v *Validator) validateTree(name, dir string) error {
	marker, err := ReadMarker(dir)
	if err != nil {
		return v.fail(name, dir, "missing or unreadable install record")
	}

	seen := map[string]bool{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return v.fail(name, path, "symlink in installed tree")
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == markerFile {
			return nil
		}
		expected, ok := marker.Files[rel]
		if !ok {
			return v.fail(name, path, "unexpected file")
		}
		seen[rel] = true
		if err := v.checksums.VerifyFile(path, expected); err != nil {
			return v.fail(name, path, "checksum mismatch")
		}
		return nil
	})
	if err != nil {
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			return err
		}
		return fmt.Errorf("install: walk %s: %w", dir, err)
	}

	for rel := range marker.Files {
		if !seen[rel] {
			return v.fail(name, filepath.Join(dir, rel), "recorded file missing")
		}
	}

	v.sink.Emit(audit.New(audit.IntegrityCheckPassed, name, map[string]any{
		"version": marker.Version, "files": len(marker.Files),
	}))
	return nil
}

func (v *Validator) fail(name, path, reason string) error {
	v.sink.Emit(audit.New(audit.IntegrityCheckFailed, name, map[string]any{
		"path": path, "reason": reason,
	}))
	return &IntegrityError{Module: name, Path: path, Reason: reason}
}

// Sweep validates every installed module version once and returns the
// failures keyed by module name.
func (v *Validator) Sweep() map[string]error {
	markers, err := v.installer.Installed()
	if err != nil {
		v.logger.Error("integrity sweep could not list modules", "error", err)
		return nil
	}
	failures := map[string]error{}
	for _, marker := range markers {
		dir := v.installer.VersionPath(marker.Name, marker.Version)
		if err := v.validateTree(marker.Name, dir); err != nil {
			failures[marker.Name] = err
		}
	}
	return failures
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (v *Validator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if failures := v.Sweep(); len(failures) > 0 {
				v.logger.Warn("integrity sweep found failures", "count", len(failures))
			}
		}
	}
}
