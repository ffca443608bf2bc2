package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/packstream/courier/pkg/config"
	"github.com/packstream/courier/pkg/manifest"
)

// ErrModuleNotFound reports a module id absent from the validated manifest.
var ErrModuleNotFound = errors.New("module not found in manifest")

// ManifestValidator authenticates a raw manifest document.
type ManifestValidator interface {
	Validate(doc []byte) (*manifest.Validated, error)
}

// Service is the top of the pipeline: it fetches and authenticates the
// manifest, then hands descriptors to the orchestrator.
type Service struct {
	cfg       *config.Config
	transport Transport
	validator ManifestValidator
	orch      *Orchestrator
	logger    *slog.Logger
}

// NewService wires the manifest path to the orchestrator.
func NewService(cfg *config.Config, t Transport, v ManifestValidator, orch *Orchestrator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, transport: t, validator: v, orch: orch, logger: logger}
}

// Manifest fetches and authenticates the current manifest.
func (s *Service) Manifest(ctx context.Context) (*manifest.Validated, error) {
	doc, err := s.transport.FetchManifest(ctx, s.cfg.ManifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	validated, err := s.validator.Validate(doc)
	if err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	return validated, nil
}

// InstallModule installs the module with the given manifest id.
func (s *Service) InstallModule(ctx context.Context, moduleID string) (*Outcome, error) {
	validated, err := s.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	desc, ok := validated.Find(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, moduleID)
	}
	return s.orch.Install(ctx, desc)
}

// InstallAll installs every module in the manifest, continuing past
// individual failures. It returns the outcomes and the first error per
// failed module.
func (s *Service) InstallAll(ctx context.Context) ([]*Outcome, map[string]error) {
	validated, err := s.Manifest(ctx)
	if err != nil {
		return nil, map[string]error{"": err}
	}

	var outcomes []*Outcome
	failures := map[string]error{}
	for _, desc := range validated.Modules {
		outcome, err := s.orch.Install(ctx, desc)
		if err != nil {
			s.logger.Warn("module install failed", "module", desc.ID, "error", err)
			failures[desc.ID] = err
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	if len(failures) == 0 {
		failures = nil
	}
	return outcomes, failures
}
