// Package extract unpacks untrusted zip archives with a validate-everything
// first pass and a write pass that re-checks containment per entry.
package extract

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/packstream/courier/pkg/audit"
	"github.com/packstream/courier/pkg/config"
)

// TraversalError reports an entry that would escape the destination.
type TraversalError struct {
	Entry string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("entry %q escapes the extraction root", e.Entry)
}

// SymlinkError reports a symlink entry. Archives never legitimately carry
// links in this pipeline.
type SymlinkError struct {
	Entry string
}

func (e *SymlinkError) Error() string {
	return fmt.Sprintf("entry %q is a symlink", e.Entry)
}

// ForbiddenEntryError reports an entry matching a forbidden pattern or the
// hidden-file rule.
type ForbiddenEntryError struct {
	Entry   string
	Pattern string
}

func (e *ForbiddenEntryError) Error() string {
	return fmt.Sprintf("entry %q matches forbidden pattern %q", e.Entry, e.Pattern)
}

// DisallowedExtensionError reports a file whose extension is not allowed.
type DisallowedExtensionError struct {
	Entry     string
	Extension string
}

func (e *DisallowedExtensionError) Error() string {
	return fmt.Sprintf("entry %q has disallowed extension %q", e.Entry, e.Extension)
}

// TooManyEntriesError reports an archive over the entry count cap.
type TooManyEntriesError struct {
	Count int
	Limit int
}

func (e *TooManyEntriesError) Error() string {
	return fmt.Sprintf("archive has %d entries (limit %d)", e.Count, e.Limit)
}

// EntryTooLargeError reports a single file over the per-file cap, whether
// declared in its header or discovered while decompressing.
type EntryTooLargeError struct {
	Entry string
	Size  int64
	Limit int64
}

func (e *EntryTooLargeError) Error() string {
	return fmt.Sprintf("entry %q is %d bytes (limit %d)", e.Entry, e.Size, e.Limit)
}

// BombError reports an archive whose total uncompressed size exceeds the cap.
type BombError struct {
	Total int64
	Limit int64
}

func (e *BombError) Error() string {
	return fmt.Sprintf("archive expands to %d bytes (limit %d)", e.Total, e.Limit)
}

// Report summarizes a successful extraction.
type Report struct {
	Files int
	Bytes int64
}

// SafeExtractor validates then extracts archives.
type SafeExtractor struct {
	maxEntries   int
	maxFileSize  int64
	maxTotalSize int64
	allowedExts  map[string]struct{}
	forbidden    []string
	sink         audit.Sink
}

// New builds an extractor from the security config.
func New(cfg *config.Config, sink audit.Sink) *SafeExtractor {
	if sink == nil {
		sink = audit.Discard{}
	}
	exts := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		exts[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return &SafeExtractor{
		maxEntries:   cfg.MaxFileCount,
		maxFileSize:  cfg.MaxIndividualFileSize,
		maxTotalSize: cfg.MaxUncompressedSize,
		allowedExts:  exts,
		forbidden:    append([]string(nil), cfg.ForbiddenPatterns...),
		sink:         sink,
	}
}

// Extract unpacks the archive at archivePath into destDir. The whole archive
// is validated before any byte is written; a validation failure therefore
// leaves destDir untouched. Write-pass failures may leave partial output and
// the caller owns destDir cleanup.
func (x *SafeExtractor) Extract(moduleID, archivePath, destDir string) (*Report, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("extract: open %s: %w", archivePath, err)
	}
	defer func() { _ = reader.Close() }()

	if err := x.validate(moduleID, reader.File); err != nil {
		return nil, err
	}
	return x.write(moduleID, reader.File, destDir)
}

// validate is the first pass: every entry is checked before anything is
// extracted.
func (x *SafeExtractor) validate(moduleID string, entries []*zip.File) error {
	if len(entries) > x.maxEntries {
		x.sink.Emit(audit.New(audit.ZipBombDetected, moduleID, map[string]any{
			"entries": len(entries), "limit": x.maxEntries,
		}))
		return &TooManyEntriesError{Count: len(entries), Limit: x.maxEntries}
	}

	var total int64
	for _, entry := range entries {
		name := entry.Name

		if entry.Mode()&os.ModeSymlink != 0 {
			x.sink.Emit(audit.New(audit.SymlinkDetected, moduleID, map[string]any{"entry": name}))
			return &SymlinkError{Entry: name}
		}
		if err := x.checkName(moduleID, name, entry.FileInfo().IsDir()); err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			continue
		}
		size := int64(entry.UncompressedSize64)
		if size > x.maxFileSize {
			x.sink.Emit(audit.New(audit.ZipBombDetected, moduleID, map[string]any{
				"entry": name, "size": size, "limit": x.maxFileSize,
			}))
			return &EntryTooLargeError{Entry: name, Size: size, Limit: x.maxFileSize}
		}
		total += size
		if total > x.maxTotalSize {
			x.sink.Emit(audit.New(audit.ZipBombDetected, moduleID, map[string]any{
				"total": total, "limit": x.maxTotalSize,
			}))
			return &BombError{Total: total, Limit: x.maxTotalSize}
		}
	}
	return nil
}

func (x *SafeExtractor) checkName(moduleID, name string, isDir bool) error {
	if name == "" || path.IsAbs(name) || strings.Contains(name, "\\") {
		x.sink.Emit(audit.New(audit.PathTraversalAttempt, moduleID, map[string]any{"entry": name}))
		return &TraversalError{Entry: name}
	}
	for _, pattern := range x.forbidden {
		if containsPattern(name, pattern) {
			kind := audit.ForbiddenFileDetected
			if pattern == ".." {
				kind = audit.PathTraversalAttempt
			}
			x.sink.Emit(audit.New(kind, moduleID, map[string]any{"entry": name, "pattern": pattern}))
			if pattern == ".." {
				return &TraversalError{Entry: name}
			}
			return &ForbiddenEntryError{Entry: name, Pattern: pattern}
		}
	}
	if !isDir {
		base := path.Base(name)
		if strings.HasPrefix(base, ".") {
			x.sink.Emit(audit.New(audit.ForbiddenFileDetected, moduleID, map[string]any{"entry": name}))
			return &ForbiddenEntryError{Entry: name, Pattern: "hidden file"}
		}
		// Extensionless files (LICENSE, README) are allowed; the allowlist
		// only constrains files that declare a type.
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(base), "."))
		if _, ok := x.allowedExts[ext]; ext != "" && !ok {
			x.sink.Emit(audit.New(audit.ForbiddenFileDetected, moduleID, map[string]any{
				"entry": name, "extension": ext,
			}))
			return &DisallowedExtensionError{Entry: name, Extension: ext}
		}
	}
	return nil
}

// containsPattern matches ".." and "~" anywhere in the path and other
// patterns against whole path segments, case-insensitively.
func containsPattern(name, pattern string) bool {
	if pattern == ".." || pattern == "~" {
		return strings.Contains(name, pattern)
	}
	for _, segment := range strings.Split(name, "/") {
		if strings.EqualFold(segment, pattern) {
			return true
		}
	}
	return false
}

// write is the second pass. Containment is re-derived per entry from the
// resolved destination path rather than trusted from the first pass.
func (x *SafeExtractor) write(moduleID string, entries []*zip.File, destDir string) (*Report, error) {
	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("extract: resolve %s: %w", destDir, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("extract: create %s: %w", root, err)
	}

	report := &Report{}
	for _, entry := range entries {
		target := filepath.Join(root, filepath.FromSlash(entry.Name))
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			x.sink.Emit(audit.New(audit.PathTraversalAttempt, moduleID, map[string]any{"entry": entry.Name}))
			return report, &TraversalError{Entry: entry.Name}
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return report, fmt.Errorf("extract: mkdir %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return report, fmt.Errorf("extract: mkdir %s: %w", filepath.Dir(target), err)
		}

		n, err := x.writeFile(entry, target)
		report.Bytes += n
		if err != nil {
			if _, ok := err.(*EntryTooLargeError); ok {
				x.sink.Emit(audit.New(audit.ZipBombDetected, moduleID, map[string]any{
					"entry": entry.Name, "limit": x.maxFileSize,
				}))
			}
			return report, err
		}
		report.Files++

		// Re-check on disk: a crafted archive must not leave a link behind
		// even if the header lied about its mode.
		info, err := os.Lstat(target)
		if err != nil {
			return report, fmt.Errorf("extract: stat %s: %w", target, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			x.sink.Emit(audit.New(audit.SymlinkDetected, moduleID, map[string]any{"entry": entry.Name}))
			return report, &SymlinkError{Entry: entry.Name}
		}
	}
	return report, nil
}

// writeFile copies one entry, enforcing the per-file cap against the actual
// decompressed stream rather than the declared header size.
func (x *SafeExtractor) writeFile(entry *zip.File, target string) (int64, error) {
	rc, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("extract: open entry %q: %w", entry.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("extract: create %s: %w", target, err)
	}
	defer func() { _ = out.Close() }()

	n, err := io.Copy(out, io.LimitReader(rc, x.maxFileSize+1))
	if err != nil {
		return n, fmt.Errorf("extract: write %s: %w", target, err)
	}
	if n > x.maxFileSize {
		return n, &EntryTooLargeError{Entry: entry.Name, Size: n, Limit: x.maxFileSize}
	}
	return n, nil
}
