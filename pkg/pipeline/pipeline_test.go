package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type completion struct {
	reason coordinator.EndReason
	bytes  int64
}

type fakeCoord struct {
	reserveErr  error
	progress    int
	completions []completion
}

func (f *fakeCoord) Reserve(string) (string, error) {
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	return "attempt-1", nil
}

func (f *fakeCoord) UpdateProgress(string, string, int64, int64) { f.progress++ }

func (f *fakeCoord) Complete(_, _ string, reason coordinator.EndReason, bytes, _ int64) {
	f.completions = append(f.completions, completion{reason: reason, bytes: bytes})
}

type fakeTransport struct {
	manifestDoc []byte
	manifestErr error
	payload     []byte
	downloadErr error
}

func (f *fakeTransport) FetchManifest(context.Context, string) ([]byte, error) {
	return f.manifestDoc, f.manifestErr
}

func (f *fakeTransport) DownloadArchive(_ context.Context, _, dest string, expected int64, progress func(int64, int64)) (int64, error) {
	if f.downloadErr != nil {
		return 0, f.downloadErr
	}
	if err := os.WriteFile(dest, f.payload, 0o600); err != nil {
		return 0, err
	}
	if progress != nil {
		progress(int64(len(f.payload)), expected)
	}
	return int64(len(f.payload)), nil
}

type fakeDisk struct{ err error }

func (f *fakeDisk) Check(string, int64) error { return f.err }

type fakeChecksum struct{ err error }

func (f *fakeChecksum) VerifyFile(string, string) error { return f.err }

type fakeExtractor struct {
	err   error
	files int
}

func (f *fakeExtractor) Extract(_, _, destDir string) (*extract.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	return &extract.Report{Files: f.files}, nil
}

type fakeInstaller struct {
	err         error
	uninstalled []string
}

func (f *fakeInstaller) Install(name, version, _ string) (*install.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &install.Result{Name: name, Version: version, Path: "/modules/" + name}, nil
}

func (f *fakeInstaller) Uninstall(name string) error {
	f.uninstalled = append(f.uninstalled, name)
	return nil
}

type fakeIntegrity struct{ err error }

func (f *fakeIntegrity) Validate(string) error { return f.err }

type quarantineCall struct {
	module string
	reason string
}

type fakeQuarantine struct {
	calls []quarantineCall
}

func (f *fakeQuarantine) Quarantine(module, path, reason string) (*quarantine.Entry, error) {
	f.calls = append(f.calls, quarantineCall{module: module, reason: reason})
	_ = os.Remove(path)
	return &quarantine.Entry{Module: module, Reason: reason}, nil
}

type fakeStore struct {
	appended  []string
	downloads []coordinator.Record
}

func (f *fakeStore) Append(_ context.Context, module, version, _ string, _ map[string]any) (*receipts.InstallReceipt, error) {
	f.appended = append(f.appended, module+"@"+version)
	return &receipts.InstallReceipt{Module: module, Version: version, Seq: int64(len(f.appended))}, nil
}

func (f *fakeStore) SaveDownload(_ context.Context, rec coordinator.Record) error {
	f.downloads = append(f.downloads, rec)
	return nil
}

type harness struct {
	cfg        *config.Config
	coord      *fakeCoord
	transport  *fakeTransport
	disk       *fakeDisk
	checksums  *fakeChecksum
	extractor  *fakeExtractor
	installer  *fakeInstaller
	integrity  *fakeIntegrity
	quarantine *fakeQuarantine
	store      *fakeStore
	sink       *audit.MemorySink
	orch       *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.TempDir = t.TempDir()

	h := &harness{
		cfg:        cfg,
		coord:      &fakeCoord{},
		transport:  &fakeTransport{payload: []byte("archive")},
		disk:       &fakeDisk{},
		checksums:  &fakeChecksum{},
		extractor:  &fakeExtractor{files: 3},
		installer:  &fakeInstaller{},
		integrity:  &fakeIntegrity{},
		quarantine: &fakeQuarantine{},
		store:      &fakeStore{},
		sink:       audit.NewMemorySink(),
	}
	h.orch = NewOrchestrator(cfg, Deps{
		Transport:   h.transport,
		Coordinator: h.coord,
		Disk:        h.disk,
		Checksums:   h.checksums,
		Extractor:   h.extractor,
		Installer:   h.installer,
		Integrity:   h.integrity,
		Quarantine:  h.quarantine,
		Store:       h.store,
		Sink:        h.sink,
	})
	return h
}

func testDescriptor() manifest.Descriptor {
	return manifest.Descriptor{
		ID:          "dashboard",
		Name:        "dashboard",
		Version:     "1.2.0",
		Checksum:    "aa",
		Size:        7,
		Environment: "development",
		DownloadURL: "https://modules.example.com/dashboard.zip",
	}
}

func TestInstallHappyPath(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.orch.Install(context.Background(), testDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "dashboard", outcome.Module)
	assert.Equal(t, 3, outcome.Files)
	assert.Equal(t, int64(7), outcome.BytesDownloaded)
	require.NotNil(t, outcome.Receipt)

	require.Len(t, h.coord.completions, 1)
	assert.Equal(t, coordinator.ReasonSuccess, h.coord.completions[0].reason)
	assert.Equal(t, 1, h.coord.progress)
	assert.Contains(t, h.store.appended, "dashboard@1.2.0")
	require.Len(t, h.store.downloads, 1)
	assert.True(t, h.store.downloads[0].Success)
	assert.Contains(t, h.sink.Kinds(), audit.ChecksumVerified)

	// Temp artifacts are cleaned up.
	assert.NoFileExists(t, filepath.Join(h.cfg.TempDir, "attempt-1.zip"))
	assert.NoDirExists(t, filepath.Join(h.cfg.TempDir, "UnzipStaging", "attempt-1"))
}

func TestInstallPolicyRejection(t *testing.T) {
	h := newHarness(t)
	h.coord.reserveErr = &coordinator.RateLimitedError{}

	_, err := h.orch.Install(context.Background(), testDescriptor())
	var pipeErr *Error
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, CategoryPolicy, pipeErr.Category)
	var limited *coordinator.RateLimitedError
	assert.ErrorAs(t, err, &limited)
	assert.Empty(t, h.coord.completions, "no reserve, no completion")
}

func TestInstallNoConnectivity(t *testing.T) {
	h := newHarness(t)
	h.orch.connectivity = func(context.Context) error { return errors.New("offline") }

	_, err := h.orch.Install(context.Background(), testDescriptor())
	var pipeErr *Error
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, CategoryNetwork, pipeErr.Category)
	require.Len(t, h.coord.completions, 1)
	assert.Equal(t, coordinator.ReasonNoInternet, h.coord.completions[0].reason)
}

func TestInstallDiskPreflightFails(t *testing.T) {
	h := newHarness(t)
	h.disk.err = errors.New("disk full")

	_, err := h.orch.Install(context.Background(), testDescriptor())
	var pipeErr *Error
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, CategoryDisk, pipeErr.Category)
	assert.Equal(t, StagePreflight, pipeErr.Stage)
	require.Len(t, h.coord.completions, 1)
}

func TestInstallDownloadTimeout(t *testing.T) {
	h := newHarness(t)
	h.transport.downloadErr = &transport.NetworkError{Kind: transport.KindTimeout}

	_, err := h.orch.Install(context.Background(), testDescriptor())
	var pipeErr *Error
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, CategoryNetwork, pipeErr.Category)
	require.Len(t, h.coord.completions, 1)
	assert.Equal(t, coordinator.ReasonTimeout, h.coord.completions[0].reason)
	assert.Empty(t, h.quarantine.calls)
}

func TestInstallChecksumMismatchQuarantines(t *testing.T) {
	h := newHarness(t)
	h.checksums.err = &crypto.MismatchError{Expected: "aa", Actual: "bb"}

	_, err := h.orch.Install(context.Background(), testDescriptor())
	var pipeErr *Error
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, CategoryChecksum, pipeErr.Category)

	require.Len(t, h.quarantine.calls, 1)
	assert.Equal(t, "Checksum mismatch", h.quarantine.calls[0].reason)
	require.Len(t, h.coord.completions, 1)
	assert.Equal(t, coordinator.ReasonChecksumMismatch, h.coord.completions[0].reason)
	assert.Contains(t, h.sink.Kinds(), audit.ChecksumMismatch)
}

func TestInstallExtractionFailureQuarantines(t *testing.T) {
	h := newHarness(t)
	h.extractor.err = &extract.TraversalError{Entry: "../evil.js"}

	_, err := h.orch.Install(context.Background(), testDescriptor())
	var pipeErr *Error
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, CategoryExtraction, pipeErr.Category)

	require.Len(t, h.quarantine.calls, 1)
	assert.Equal(t, "Extraction failed", h.quarantine.calls[0].reason)
	require.Len(t, h.coord.completions, 1)
	assert.Equal(t, coordinator.ReasonUnknown, h.coord.completions[0].reason)
}

func TestInstallFailureDoesNotQuarantine(t *testing.T) {
	h := newHarness(t)
	h.installer.err = errors.New("rename failed")

	_, err := h.orch.Install(context.Background(), testDescriptor())
	var pipeErr *Error
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, CategoryInstall, pipeErr.Category)
	assert.Empty(t, h.quarantine.calls)
	require.Len(t, h.coord.completions, 1)
	assert.Equal(t, coordinator.ReasonUnknown, h.coord.completions[0].reason)
}

func TestInstallIntegrityFailureRemovesModule(t *testing.T) {
	h := newHarness(t)
	h.integrity.err = &install.IntegrityError{Module: "dashboard", Reason: "checksum mismatch"}

	_, err := h.orch.Install(context.Background(), testDescriptor())
	var pipeErr *Error
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, CategoryIntegrity, pipeErr.Category)
	assert.Equal(t, []string{"dashboard"}, h.installer.uninstalled)
	require.Len(t, h.coord.completions, 1)
	assert.Equal(t, coordinator.ReasonIntegrityFailed, h.coord.completions[0].reason)
}

func TestInstallCompletesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Install(context.Background(), testDescriptor())
	require.NoError(t, err)
	assert.Len(t, h.coord.completions, 1)

	h = newHarness(t)
	h.integrity.err = errors.New("bad tree")
	_, err = h.orch.Install(context.Background(), testDescriptor())
	require.Error(t, err)
	assert.Len(t, h.coord.completions, 1)
}

type stageEvent struct {
	stage   Stage
	message string
}

func TestInstallStageObserverSeesFailureMessage(t *testing.T) {
	h := newHarness(t)
	var events []stageEvent
	h.orch.onStage = func(_ string, s Stage, message string) {
		events = append(events, stageEvent{stage: s, message: message})
	}
	h.checksums.err = &crypto.MismatchError{Expected: "aa", Actual: "bb"}

	_, err := h.orch.Install(context.Background(), testDescriptor())
	require.Error(t, err)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, StageFailed, last.stage)
	assert.Equal(t, "Checksum mismatch", last.message)
	for _, ev := range events[:len(events)-1] {
		assert.Empty(t, ev.message, string(ev.stage))
	}
}

func TestInstallStageObserverHappyPath(t *testing.T) {
	h := newHarness(t)
	var stages []Stage
	h.orch.onStage = func(_ string, s Stage, _ string) { stages = append(stages, s) }

	_, err := h.orch.Install(context.Background(), testDescriptor())
	require.NoError(t, err)
	assert.Equal(t, []Stage{
		StageCheckingNetwork, StagePreflight, StageDownloading, StageVerifyingChecksum,
		StageExtracting, StageInstalling, StageIntegrityCheck, StageCompleted,
	}, stages)
}

type fakeTelemetry struct {
	tracked  int
	stages   []string
	category string
	bytes    int64
}

func (f *fakeTelemetry) TrackInstall(ctx context.Context, _ string) (context.Context, func(error, string)) {
	f.tracked++
	return ctx, func(_ error, category string) { f.category = category }
}

func (f *fakeTelemetry) StartStage(ctx context.Context, _, stage string) (context.Context, func()) {
	f.stages = append(f.stages, stage)
	return ctx, func() {}
}

func (f *fakeTelemetry) RecordBytes(_ context.Context, _ string, n int64) { f.bytes += n }

func TestInstallReportsTelemetry(t *testing.T) {
	h := newHarness(t)
	telemetry := &fakeTelemetry{}
	h.orch.telemetry = telemetry

	_, err := h.orch.Install(context.Background(), testDescriptor())
	require.NoError(t, err)
	assert.Equal(t, 1, telemetry.tracked)
	assert.Empty(t, telemetry.category)
	assert.Equal(t, int64(7), telemetry.bytes)
	assert.Equal(t, string(StageCompleted), telemetry.stages[len(telemetry.stages)-1])

	h = newHarness(t)
	telemetry = &fakeTelemetry{}
	h.orch.telemetry = telemetry
	h.disk.err = errors.New("disk full")
	_, err = h.orch.Install(context.Background(), testDescriptor())
	require.Error(t, err)
	assert.Equal(t, string(CategoryDisk), telemetry.category)
}

type fakeValidator struct {
	validated *manifest.Validated
	err       error
}

func (f *fakeValidator) Validate([]byte) (*manifest.Validated, error) {
	return f.validated, f.err
}

func TestServiceInstallModule(t *testing.T) {
	h := newHarness(t)
	h.transport.manifestDoc = []byte(`{"manifest":{}}`)
	validator := &fakeValidator{validated: &manifest.Validated{Modules: []manifest.Descriptor{testDescriptor()}}}

	svc := NewService(h.cfg, h.transport, validator, h.orch, nil)
	outcome, err := svc.InstallModule(context.Background(), "dashboard")
	require.NoError(t, err)
	assert.Equal(t, "dashboard", outcome.Module)
}

func TestServiceModuleNotFound(t *testing.T) {
	h := newHarness(t)
	h.transport.manifestDoc = []byte(`{"manifest":{}}`)
	validator := &fakeValidator{validated: &manifest.Validated{}}

	svc := NewService(h.cfg, h.transport, validator, h.orch, nil)
	_, err := svc.InstallModule(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestServiceValidationFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.manifestDoc = []byte(`{}`)
	validator := &fakeValidator{err: &manifest.InvalidSignatureError{}}

	svc := NewService(h.cfg, h.transport, validator, h.orch, nil)
	_, err := svc.InstallModule(context.Background(), "dashboard")
	var sigErr *manifest.InvalidSignatureError
	assert.ErrorAs(t, err, &sigErr)
}
