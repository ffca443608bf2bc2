package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/packstream/courier/pkg/audit"
	"github.com/packstream/courier/pkg/config"
	"github.com/packstream/courier/pkg/coordinator"
	"github.com/packstream/courier/pkg/crypto"
	"github.com/packstream/courier/pkg/disk"
	"github.com/packstream/courier/pkg/extract"
	"github.com/packstream/courier/pkg/install"
	"github.com/packstream/courier/pkg/manifest"
	"github.com/packstream/courier/pkg/observability"
	"github.com/packstream/courier/pkg/pinning"
	"github.com/packstream/courier/pkg/pipeline"
	"github.com/packstream/courier/pkg/quarantine"
	"github.com/packstream/courier/pkg/receipts"
	"github.com/packstream/courier/pkg/transport"
)

// app is the composition root shared by every subcommand.
type app struct {
	cfg        *config.Config
	sink       audit.Sink
	asyncSink  *audit.AsyncSink
	fileSink   *audit.FileSink
	installer  *install.Installer
	validator  *install.Validator
	quarantine *quarantine.Manager
	store      *receipts.Store
	service    *pipeline.Service
	telemetry  *observability.Provider
	logger     *slog.Logger
}

// loadConfig builds the effective config from defaults, an optional YAML
// profile, and environment overrides.
func loadConfig(profilePath string) (*config.Config, error) {
	if profilePath != "" {
		return config.LoadProfile(profilePath)
	}
	return config.Load(), nil
}

// buildApp wires the full pipeline. Logs go to stderr so stdout stays
// parseable.
func buildApp(cfg *config.Config, stderr io.Writer) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	fileSink, err := audit.NewFileSink(filepath.Join(cfg.Root, "SecurityLogs"))
	if err != nil {
		return nil, fmt.Errorf("open security log: %w", err)
	}
	asyncSink := audit.NewAsyncSink(fileSink)
	sink := audit.MultiSink{asyncSink, audit.SlogSink{Logger: logger}}

	var verifier *crypto.SignatureVerifier
	if !cfg.InsecureSkipSignature {
		verifier, err = crypto.NewSignatureVerifier(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("load manifest public key: %w", err)
		}
	}
	manifestValidator := manifest.NewValidator(cfg, verifier, sink)

	pinner := pinning.New(cfg.PinnedSPKIHashes, cfg.AllowInsecureLocalhost, sink)
	client := transport.NewClient(cfg, pinner)

	checksums, err := crypto.NewChecksumEngine(crypto.Algorithm(cfg.ChecksumAlgorithm))
	if err != nil {
		return nil, err
	}

	store, err := receipts.Open(filepath.Join(cfg.Root, "courier.db"))
	if err != nil {
		return nil, err
	}

	installer := install.New(cfg, sink, logger)
	integrity := install.NewValidator(installer, sink, logger)
	holder := quarantine.New(cfg.Root, sink)
	coord := coordinator.New(cfg.MaxConcurrentDownloads, cfg.DownloadCooldown, cfg.MaxDownloadsPerHour, sink)

	// Telemetry exports only when an OTLP endpoint is configured.
	otelCfg := observability.DefaultConfig()
	otelCfg.Environment = string(cfg.Environment)
	otelCfg.OTLPEndpoint = os.Getenv("COURIER_OTLP_ENDPOINT")
	otelCfg.Enabled = otelCfg.OTLPEndpoint != ""
	telemetry, err := observability.New(context.Background(), otelCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	orch := pipeline.NewOrchestrator(cfg, pipeline.Deps{
		Transport:   client,
		Coordinator: coord,
		Disk:        disk.NewChecker(sink),
		Checksums:   checksums,
		Extractor:   extract.New(cfg, sink),
		Installer:   installer,
		Integrity:   integrity,
		Quarantine:  holder,
		Store:       store,
		Telemetry:   telemetry,
		Sink:        sink,
		Logger:      logger,
	})

	return &app{
		cfg:        cfg,
		sink:       sink,
		asyncSink:  asyncSink,
		fileSink:   fileSink,
		installer:  installer,
		validator:  integrity,
		quarantine: holder,
		store:      store,
		service:    pipeline.NewService(cfg, client, manifestValidator, orch, logger),
		telemetry:  telemetry,
		logger:     logger,
	}, nil
}

func (a *app) close() {
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(context.Background())
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.asyncSink != nil {
		a.asyncSink.Close()
	}
	if a.fileSink != nil {
		_ = a.fileSink.Close()
	}
}
