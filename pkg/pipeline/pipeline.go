// Package pipeline drives a module from manifest entry to installed tree,
// one stage at a time, routing every failure to the right cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/packstream/courier/pkg/audit"
	"github.com/packstream/courier/pkg/config"
	"github.com/packstream/courier/pkg/coordinator"
	"github.com/packstream/courier/pkg/crypto"
	"github.com/packstream/courier/pkg/extract"
	"github.com/packstream/courier/pkg/install"
	"github.com/packstream/courier/pkg/manifest"
	"github.com/packstream/courier/pkg/quarantine"
	"github.com/packstream/courier/pkg/receipts"
	"github.com/packstream/courier/pkg/transport"
)

// Stage identifies where in the pipeline an install currently is.
type Stage string

const (
	StageCheckingNetwork   Stage = "checking_network"
	StagePreflight         Stage = "preflight_checks"
	StageDownloading       Stage = "downloading"
	StageVerifyingChecksum Stage = "verifying_checksum"
	StageExtracting        Stage = "extracting"
	StageInstalling        Stage = "installing"
	StageIntegrityCheck    Stage = "integrity_check"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// Category is the top-level classification of a pipeline failure.
type Category string

const (
	CategoryPolicy     Category = "policy" // coordinator rejections
	CategoryNetwork    Category = "network"
	CategoryDisk       Category = "disk"
	CategoryChecksum   Category = "checksum"
	CategoryExtraction Category = "extraction"
	CategoryInstall    Category = "install"
	CategoryIntegrity  Category = "integrity"
	CategoryInternal   Category = "internal"
)

// Error wraps a stage failure with its category. The underlying typed error
// is reachable through Unwrap.
type Error struct {
	Module   string
	Stage    Stage
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("module %q failed at %s (%s): %v", e.Module, e.Stage, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome describes a completed install.
type Outcome struct {
	Module          string
	Version         string
	Path            string
	Files           int
	BytesDownloaded int64
	Receipt         *receipts.InstallReceipt
}

// Transport fetches manifests and archives.
type Transport interface {
	FetchManifest(ctx context.Context, url string) ([]byte, error)
	DownloadArchive(ctx context.Context, url, dest string, expectedBytes int64, progress func(received, expected int64)) (int64, error)
}

// Coordinator admits and settles download attempts.
type Coordinator interface {
	Reserve(moduleID string) (string, error)
	UpdateProgress(moduleID, attemptID string, bytesReceived, expectedBytes int64)
	Complete(moduleID, attemptID string, reason coordinator.EndReason, bytesDownloaded, expectedBytes int64)
}

// Extractor unpacks a verified archive into a staging tree.
type Extractor interface {
	Extract(moduleID, archivePath, destDir string) (*extract.Report, error)
}

// Installer swaps a staging tree into place and can remove an install.
type Installer interface {
	Install(name, version, stagingDir string) (*install.Result, error)
	Uninstall(name string) error
}

// Integrity re-verifies an installed tree.
type Integrity interface {
	Validate(name string) error
}

// Quarantiner isolates failed artifacts.
type Quarantiner interface {
	Quarantine(module, path, reason string) (*quarantine.Entry, error)
}

// Checksummer verifies a downloaded archive.
type Checksummer interface {
	VerifyFile(path, expectedHex string) error
}

// DiskChecker performs the free-space preflight.
type DiskChecker interface {
	Check(path string, size int64) error
}

// ReceiptStore persists install receipts and download records. Optional.
type ReceiptStore interface {
	Append(ctx context.Context, module, version, checksum string, meta map[string]any) (*receipts.InstallReceipt, error)
	SaveDownload(ctx context.Context, rec coordinator.Record) error
}

// Telemetry traces installs and counts bytes. Optional.
type Telemetry interface {
	TrackInstall(ctx context.Context, module string) (context.Context, func(err error, category string))
	StartStage(ctx context.Context, module, stage string) (context.Context, func())
	RecordBytes(ctx context.Context, module string, n int64)
}

// Orchestrator runs the install pipeline for one module at a time per call.
// It is safe for concurrent use across modules; per-module serialization is
// the coordinator's job.
type Orchestrator struct {
	cfg        *config.Config
	transport  Transport
	coord      Coordinator
	disk       DiskChecker
	checksums  Checksummer
	extractor  Extractor
	installer  Installer
	integrity  Integrity
	quarantine Quarantiner
	store      ReceiptStore
	telemetry  Telemetry
	sink       audit.Sink
	logger     *slog.Logger

	// connectivity, when set, gates the pipeline before any bytes move.
	connectivity func(ctx context.Context) error
	// onStage, when set, observes stage transitions. message is empty except
	// on the terminating Failed transition, where it carries a short
	// user-facing description.
	onStage func(module string, stage Stage, message string)

	clock func() time.Time
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Transport    Transport
	Coordinator  Coordinator
	Disk         DiskChecker
	Checksums    Checksummer
	Extractor    Extractor
	Installer    Installer
	Integrity    Integrity
	Quarantine   Quarantiner
	Store        ReceiptStore
	Telemetry    Telemetry
	Sink         audit.Sink
	Logger       *slog.Logger
	Connectivity func(ctx context.Context) error
	OnStage      func(module string, stage Stage, message string)
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(cfg *config.Config, deps Deps) *Orchestrator {
	sink := deps.Sink
	if sink == nil {
		sink = audit.Discard{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:          cfg,
		transport:    deps.Transport,
		coord:        deps.Coordinator,
		disk:         deps.Disk,
		checksums:    deps.Checksums,
		extractor:    deps.Extractor,
		installer:    deps.Installer,
		integrity:    deps.Integrity,
		quarantine:   deps.Quarantine,
		store:        deps.Store,
		telemetry:    deps.Telemetry,
		sink:         sink,
		logger:       logger,
		connectivity: deps.Connectivity,
		onStage:      deps.OnStage,
		clock:        time.Now,
	}
}

// Install runs the full pipeline for one manifest descriptor.
func (o *Orchestrator) Install(ctx context.Context, desc manifest.Descriptor) (*Outcome, error) {
	if o.telemetry == nil {
		return o.run(ctx, desc)
	}
	ctx, done := o.telemetry.TrackInstall(ctx, desc.ID)
	outcome, err := o.run(ctx, desc)
	category := ""
	var pipeErr *Error
	if errors.As(err, &pipeErr) {
		category = string(pipeErr.Category)
	}
	done(err, category)
	if err == nil && outcome != nil {
		o.telemetry.RecordBytes(ctx, desc.ID, outcome.BytesDownloaded)
	}
	return outcome, err
}

func (o *Orchestrator) run(ctx context.Context, desc manifest.Descriptor) (*Outcome, error) {
	attemptID, err := o.coord.Reserve(desc.ID)
	if err != nil {
		return nil, &Error{Module: desc.ID, Stage: StageCheckingNetwork, Category: CategoryPolicy, Err: err}
	}

	startedAt := o.clock()
	settled := false
	finish := func(reason coordinator.EndReason, bytes int64) {
		if settled {
			return
		}
		settled = true
		o.coord.Complete(desc.ID, attemptID, reason, bytes, desc.Size)
		if o.store != nil {
			rec := coordinator.Record{
				ModuleID:        desc.ID,
				AttemptID:       attemptID,
				StartedAt:       startedAt,
				FinishedAt:      o.clock(),
				Success:         reason == coordinator.ReasonSuccess,
				EndReason:       reason,
				BytesDownloaded: bytes,
				ExpectedBytes:   desc.Size,
			}
			if err := o.store.SaveDownload(ctx, rec); err != nil {
				o.logger.Warn("could not persist download record", "module", desc.ID, "error", err)
			}
		}
	}
	defer finish(coordinator.ReasonUnknown, 0)

	endStage := func() {}
	defer func() { endStage() }()
	enter := func(s Stage, message string) {
		endStage()
		endStage = func() {}
		if message != "" {
			o.logger.Info("pipeline stage", "module", desc.ID, "stage", string(s), "message", message)
		} else {
			o.logger.Info("pipeline stage", "module", desc.ID, "stage", string(s))
		}
		if o.onStage != nil {
			o.onStage(desc.ID, s, message)
		}
		if o.telemetry != nil {
			_, end := o.telemetry.StartStage(ctx, desc.ID, string(s))
			endStage = end
		}
	}

	fail := func(s Stage, cat Category, reason coordinator.EndReason, bytes int64, err error) (*Outcome, error) {
		enter(StageFailed, failureMessage(cat))
		finish(reason, bytes)
		return nil, &Error{Module: desc.ID, Stage: s, Category: cat, Err: err}
	}

	enter(StageCheckingNetwork, "")
	if o.connectivity != nil {
		if err := o.connectivity(ctx); err != nil {
			return fail(StageCheckingNetwork, CategoryNetwork, coordinator.ReasonNoInternet, 0, err)
		}
	}

	enter(StagePreflight, "")
	if err := o.disk.Check(o.cfg.TempDir, desc.Size); err != nil {
		return fail(StagePreflight, CategoryDisk, coordinator.ReasonUnknown, 0, err)
	}
	if o.cfg.Root != "" {
		if err := o.disk.Check(o.cfg.Root, desc.Size); err != nil {
			return fail(StagePreflight, CategoryDisk, coordinator.ReasonUnknown, 0, err)
		}
	}

	enter(StageDownloading, "")
	archivePath := filepath.Join(o.cfg.TempDir, attemptID+".zip")
	defer func() { _ = os.Remove(archivePath) }()

	bytes, err := o.transport.DownloadArchive(ctx, desc.DownloadURL, archivePath, desc.Size,
		func(received, expected int64) {
			o.coord.UpdateProgress(desc.ID, attemptID, received, expected)
		})
	if err != nil {
		return fail(StageDownloading, CategoryNetwork, downloadEndReason(err), bytes, err)
	}

	enter(StageVerifyingChecksum, "")
	if err := o.checksums.VerifyFile(archivePath, desc.Checksum); err != nil {
		var mismatch *crypto.MismatchError
		if errors.As(err, &mismatch) {
			o.sink.Emit(audit.New(audit.ChecksumMismatch, desc.ID, map[string]any{
				"expected": mismatch.Expected, "actual": mismatch.Actual,
			}))
			o.holdArchive(desc.ID, archivePath, "Checksum mismatch")
			return fail(StageVerifyingChecksum, CategoryChecksum, coordinator.ReasonChecksumMismatch, bytes, err)
		}
		return fail(StageVerifyingChecksum, CategoryInternal, coordinator.ReasonUnknown, bytes, err)
	}
	o.sink.Emit(audit.New(audit.ChecksumVerified, desc.ID, map[string]any{"checksum": desc.Checksum}))

	enter(StageExtracting, "")
	stagingDir := filepath.Join(o.cfg.TempDir, "UnzipStaging", attemptID)
	defer func() { _ = os.RemoveAll(stagingDir) }()

	report, err := o.extractor.Extract(desc.ID, archivePath, stagingDir)
	if err != nil {
		o.holdArchive(desc.ID, archivePath, "Extraction failed")
		return fail(StageExtracting, CategoryExtraction, coordinator.ReasonUnknown, bytes, err)
	}

	enter(StageInstalling, "")
	result, err := o.installer.Install(desc.Name, desc.Version, stagingDir)
	if err != nil {
		return fail(StageInstalling, CategoryInstall, coordinator.ReasonUnknown, bytes, err)
	}

	enter(StageIntegrityCheck, "")
	if err := o.integrity.Validate(desc.Name); err != nil {
		if removeErr := o.installer.Uninstall(desc.Name); removeErr != nil {
			o.logger.Error("could not remove module after failed integrity check",
				"module", desc.Name, "error", removeErr)
		}
		return fail(StageIntegrityCheck, CategoryIntegrity, coordinator.ReasonIntegrityFailed, bytes, err)
	}

	enter(StageCompleted, "")
	finish(coordinator.ReasonSuccess, bytes)

	outcome := &Outcome{
		Module:          desc.ID,
		Version:         desc.Version,
		Path:            result.Path,
		Files:           report.Files,
		BytesDownloaded: bytes,
	}
	if o.store != nil {
		receipt, err := o.store.Append(ctx, desc.Name, desc.Version, desc.Checksum, map[string]any{
			"attempt_id": attemptID, "files": report.Files,
		})
		if err != nil {
			o.logger.Warn("could not append install receipt", "module", desc.Name, "error", err)
		} else {
			outcome.Receipt = receipt
		}
	}
	return outcome, nil
}

// holdArchive quarantines a failed artifact; the archive is gone from its
// original path afterwards, so the deferred remove becomes a no-op.
func (o *Orchestrator) holdArchive(moduleID, archivePath, reason string) {
	if o.quarantine == nil {
		return
	}
	if _, err := o.quarantine.Quarantine(moduleID, archivePath, reason); err != nil {
		o.logger.Error("could not quarantine artifact", "module", moduleID, "error", err)
	}
}

// failureMessage renders a short user-facing description for the terminal
// Failed transition. Programmatic callers match the typed error instead of
// this string.
func failureMessage(cat Category) string {
	switch cat {
	case CategoryPolicy:
		return "Download not permitted right now"
	case CategoryNetwork:
		return "Network error during download"
	case CategoryDisk:
		return "Not enough disk space"
	case CategoryChecksum:
		return "Checksum mismatch"
	case CategoryExtraction:
		return "Extraction failed"
	case CategoryInstall:
		return "Installation failed"
	case CategoryIntegrity:
		return "Installed files failed verification"
	default:
		return "Installation failed unexpectedly"
	}
}

// downloadEndReason maps a transport failure onto the coordinator's closed
// end-reason set.
func downloadEndReason(err error) coordinator.EndReason {
	var netErr *transport.NetworkError
	if errors.As(err, &netErr) {
		switch netErr.Kind {
		case transport.KindCancelled:
			return coordinator.ReasonCancelled
		case transport.KindTimeout:
			return coordinator.ReasonTimeout
		case transport.KindNoInternet:
			return coordinator.ReasonNoInternet
		case transport.KindBadStatus:
			return coordinator.ReasonServerError
		default:
			return coordinator.ReasonUnknown
		}
	}
	var mismatch *transport.LengthMismatchError
	var tooLarge *transport.TooLargeError
	if errors.As(err, &mismatch) || errors.As(err, &tooLarge) {
		return coordinator.ReasonServerError
	}
	return coordinator.ReasonUnknown
}
