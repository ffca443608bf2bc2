// Package install moves verified module trees into place atomically, with a
// backup of the previous version and rollback on failure.
package install

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/packstream/courier/pkg/audit"
	"github.com/packstream/courier/pkg/config"
	"github.com/packstream/courier/pkg/crypto"
)

const (
	modulesDir = "Modules"
	backupsDir = "ModuleBackups"

	// stagingName holds per-attempt copies on the install filesystem so the
	// final move is a pure rename.
	stagingName = ".staging"

	// markerFile records what is installed. It lives inside the module tree
	// so the rename that installs the module also installs its record.
	markerFile = ".courier.json"
)

// Marker is the per-module install record.
type Marker struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	InstalledAt time.Time         `json:"installed_at"`
	Files       map[string]string `json:"files"` // relative path -> sha256
}

// DowngradeError rejects an install whose version does not advance.
type DowngradeError struct {
	Name      string
	Installed string
	Candidate string
}

func (e *DowngradeError) Error() string {
	return fmt.Sprintf("module %q: version %s does not advance installed %s", e.Name, e.Candidate, e.Installed)
}

// InvalidVersionError rejects a version string that is not semver.
type InvalidVersionError struct {
	Name    string
	Version string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("module %q: invalid version %q", e.Name, e.Version)
}

// Result describes a completed install.
type Result struct {
	Name            string
	Version         string
	PreviousVersion string
	Path            string
	Files           int
}

// Installer performs backup, swap and rollback under a documents root.
type Installer struct {
	root          string
	allowRollback bool
	checksums     *crypto.ChecksumEngine
	sink          audit.Sink
	logger        *slog.Logger
	clock         func() time.Time

	// swap is the install rename, swappable to inject failures in tests.
	swap func(oldpath, newpath string) error
}

// Option tweaks an Installer at construction.
type Option func(*Installer)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(i *Installer) { i.clock = clock }
}

// New builds an installer rooted at cfg.Root.
func New(cfg *config.Config, sink audit.Sink, logger *slog.Logger, opts ...Option) *Installer {
	if sink == nil {
		sink = audit.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	checksums, _ := crypto.NewChecksumEngine(crypto.SHA256)
	i := &Installer{
		root:          cfg.Root,
		allowRollback: cfg.AllowVersionRollback,
		checksums:     checksums,
		sink:          sink,
		logger:        logger,
		clock:         time.Now,
		swap:          os.Rename,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ModulePath returns the directory holding every installed version of name.
func (i *Installer) ModulePath(name string) string {
	return filepath.Join(i.root, modulesDir, name)
}

// VersionPath returns the final install location for one version of name.
func (i *Installer) VersionPath(name, version string) string {
	return filepath.Join(i.root, modulesDir, name, version)
}

// InstalledVersion returns the highest installed version of name. A missing
// module returns ("", nil).
func (i *Installer) InstalledVersion(name string) (string, error) {
	entries, err := os.ReadDir(i.ModulePath(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("install: list versions of %q: %w", name, err)
	}
	var best *semver.Version
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate, err := semver.NewVersion(entry.Name())
		if err != nil {
			continue
		}
		if _, err := ReadMarker(i.VersionPath(name, entry.Name())); err != nil {
			continue
		}
		if best == nil || candidate.GreaterThan(best) {
			best = candidate
		}
	}
	if best == nil {
		return "", nil
	}
	return best.Original(), nil
}

// Install places the tree at stagingDir under Modules/<name>/<version>. The
// tree is copied onto the install filesystem first so the final move is a
// metadata-only rename; an existing tree at that version is moved aside and
// restored if the promotion fails. The staging tree is consumed on success.
func (i *Installer) Install(name, version, stagingDir string) (*Result, error) {
	newVersion, err := semver.NewVersion(version)
	if err != nil {
		return nil, &InvalidVersionError{Name: name, Version: version}
	}

	installed, err := i.InstalledVersion(name)
	if err != nil {
		return nil, fmt.Errorf("install: read installed version of %q: %w", name, err)
	}
	if installed != "" && !i.allowRollback {
		current, err := semver.NewVersion(installed)
		if err == nil && !newVersion.GreaterThan(current) {
			i.sink.Emit(audit.New(audit.InstallationFailed, name, map[string]any{
				"reason": "version does not advance", "installed": installed, "candidate": version,
			}))
			return nil, &DowngradeError{Name: name, Installed: installed, Candidate: version}
		}
	}

	if _, err := os.Stat(filepath.Join(stagingDir, "index.html")); err != nil {
		i.logger.Warn("module has no index.html entry point", "module", name, "version", version)
	}

	marker, err := i.writeMarker(name, version, stagingDir)
	if err != nil {
		return nil, err
	}

	final := i.VersionPath(name, version)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("install: create %s: %w", filepath.Dir(final), err)
	}

	// stagingDir may live on another device; a direct rename onto final
	// would fail with EXDEV there.
	transient := filepath.Join(i.root, modulesDir, stagingName, uuid.New().String())
	if err := copyTree(stagingDir, transient); err != nil {
		_ = os.RemoveAll(transient)
		return nil, fmt.Errorf("install: stage %q: %w", name, err)
	}
	defer func() { _ = os.RemoveAll(transient) }()
	if err := validateInstalled(transient); err != nil {
		return nil, fmt.Errorf("install: staged tree for %q: %w", name, err)
	}

	backup := ""
	if dirExists(final) {
		backup = filepath.Join(i.root, backupsDir,
			fmt.Sprintf("%s_%s_%d", name, version, i.clock().Unix()))
		if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
			return nil, fmt.Errorf("install: create %s: %w", filepath.Dir(backup), err)
		}
		if err := os.Rename(final, backup); err != nil {
			return nil, fmt.Errorf("install: back up %s: %w", final, err)
		}
	}

	if err := i.swap(transient, final); err != nil {
		return nil, i.undo(name, version, final, backup, fmt.Errorf("install: place %s: %w", final, err))
	}
	if err := validateInstalled(final); err != nil {
		return nil, i.undo(name, version, final, backup, fmt.Errorf("install: validate %s: %w", final, err))
	}

	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			i.logger.Warn("could not remove backup", "path", backup, "error", err)
		}
	}
	if err := os.RemoveAll(stagingDir); err != nil {
		i.logger.Warn("could not remove staging tree", "path", stagingDir, "error", err)
	}

	i.sink.Emit(audit.New(audit.InstallationSuccess, name, map[string]any{
		"version": version, "previous": installed, "files": len(marker.Files),
	}))
	return &Result{
		Name:            name,
		Version:         version,
		PreviousVersion: installed,
		Path:            final,
		Files:           len(marker.Files),
	}, nil
}

// undo removes a partial final tree, restores the backup if one was taken
// and reports the failure.
func (i *Installer) undo(name, version, final, backup string, cause error) error {
	i.sink.Emit(audit.New(audit.InstallationFailed, name, map[string]any{
		"reason": cause.Error(), "version": version,
	}))
	_ = os.RemoveAll(final)
	if backup != "" {
		if restoreErr := os.Rename(backup, final); restoreErr != nil {
			i.logger.Error("rollback failed, module left missing",
				"module", name, "backup", backup, "error", restoreErr)
			return fmt.Errorf("install: rollback of %q failed: %w (after %v)", name, restoreErr, cause)
		}
		i.sink.Emit(audit.New(audit.RollbackPerformed, name, map[string]any{
			"restored_version": version,
		}))
	}
	return cause
}

// copyTree duplicates src into dst. Only directories and regular files are
// copied; anything else fails the install.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return fmt.Errorf("unexpected entry %q", rel)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// validateInstalled checks a tree about to be, or just, promoted: it must be
// a non-empty directory without symlinks at the top level.
func validateInstalled(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("empty module tree")
	}
	for _, entry := range entries {
		if entry.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlink %q at top level", entry.Name())
		}
	}
	return nil
}

// writeMarker hashes every regular file under stagingDir and writes the
// install record into the staging tree.
func (i *Installer) writeMarker(name, version, stagingDir string) (*Marker, error) {
	marker := &Marker{
		Name:        name,
		Version:     version,
		InstalledAt: i.clock().UTC(),
		Files:       map[string]string{},
	}

	err := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		sum, err := i.checksums.SumFile(path)
		if err != nil {
			return err
		}
		marker.Files[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("install: hash staging tree: %w", err)
	}

	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("install: encode marker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, markerFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("install: write marker: %w", err)
	}
	return marker, nil
}

// ReadMarker loads the install record from a module directory.
func ReadMarker(moduleDir string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(moduleDir, markerFile))
	if err != nil {
		return nil, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("install: decode marker in %s: %w", moduleDir, err)
	}
	return &marker, nil
}

// Uninstall removes an installed module tree.
func (i *Installer) Uninstall(name string) error {
	return os.RemoveAll(i.ModulePath(name))
}

// Installed lists the markers of every installed module version.
func (i *Installer) Installed() ([]*Marker, error) {
	modules, err := os.ReadDir(filepath.Join(i.root, modulesDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("install: list modules: %w", err)
	}
	var markers []*Marker
	for _, module := range modules {
		if !module.IsDir() || module.Name() == stagingName {
			continue
		}
		versions, err := os.ReadDir(i.ModulePath(module.Name()))
		if err != nil {
			continue
		}
		for _, version := range versions {
			if !version.IsDir() {
				continue
			}
			marker, err := ReadMarker(i.VersionPath(module.Name(), version.Name()))
			if err != nil {
				continue
			}
			markers = append(markers, marker)
		}
	}
	return markers, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
