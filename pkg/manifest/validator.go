package manifest

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/packstream/courier/pkg/audit"
	"github.com/packstream/courier/pkg/canonical"
	"github.com/packstream/courier/pkg/config"
	"github.com/packstream/courier/pkg/crypto"
)

// maxClockSkew is how far into the future a manifest timestamp may sit
// before it is treated as hostile.
const maxClockSkew = 60 * time.Second

var documentSchemaCompiled = jsonschema.MustCompileString("manifest.json", documentSchema)

// Validator authenticates manifest documents. Checks run fail-closed in a
// fixed order: shape, freshness, nonce, signature, environment, versions.
type Validator struct {
	verifier      *crypto.SignatureVerifier
	maxAge        time.Duration
	enforceEnv    bool
	environment   config.Environment
	skipSignature bool
	sink          audit.Sink
	logger        *slog.Logger
	clock         func() time.Time
}

// NewValidator builds a validator from the security config. A verifier is
// required unless cfg.InsecureSkipSignature is set, in which case the bypass
// itself is audited as a fault.
func NewValidator(cfg *config.Config, verifier *crypto.SignatureVerifier, sink audit.Sink) *Validator {
	if sink == nil {
		sink = audit.Discard{}
	}
	v := &Validator{
		verifier:      verifier,
		maxAge:        cfg.MaxManifestAge,
		enforceEnv:    cfg.EnforceEnvironmentMatch,
		environment:   cfg.Environment,
		skipSignature: cfg.InsecureSkipSignature,
		sink:          sink,
		logger:        slog.Default().With("component", "manifest"),
		clock:         time.Now,
	}
	if v.skipSignature {
		v.logger.Warn("manifest signature verification is DISABLED")
		sink.Emit(audit.New(audit.InvalidSignatureDetected, "", map[string]any{
			"reason": "signature verification disabled by configuration",
		}))
	}
	return v
}

// WithClock overrides the clock for testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate authenticates a raw manifest document and returns the confirmed
// module descriptors.
func (v *Validator) Validate(doc []byte) (*Validated, error) {
	var generic any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return nil, &MalformedError{Reason: "not valid JSON: " + err.Error()}
	}
	if err := documentSchemaCompiled.Validate(generic); err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}

	var document Document
	if err := json.Unmarshal(doc, &document); err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}

	var signed struct {
		Body
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(document.Manifest, &signed); err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}

	ts, err := time.Parse(time.RFC3339Nano, signed.Timestamp)
	if err != nil {
		return nil, &MalformedError{Reason: "unparseable timestamp: " + err.Error()}
	}

	now := v.clock()
	age := now.Sub(ts)
	if age < -maxClockSkew {
		v.sink.Emit(audit.New(audit.ManifestTimestampInFuture, "", map[string]any{
			"skew_seconds": (-age).Seconds(),
		}))
		return nil, &TimestampInFutureError{Skew: -age}
	}
	if age >= v.maxAge {
		v.sink.Emit(audit.New(audit.ReplayAttemptDetected, "", map[string]any{
			"age_seconds": age.Seconds(),
		}))
		return nil, &TooOldError{Age: age}
	}

	if len(signed.Nonce) < MinNonceLength {
		return nil, &InvalidNonceError{Length: len(signed.Nonce)}
	}

	if !v.skipSignature {
		body, err := canonical.StripField(document.Manifest, "signature")
		if err != nil {
			return nil, &MalformedError{Reason: err.Error()}
		}
		if err := v.verifier.Verify(body, signed.Signature); err != nil {
			v.sink.Emit(audit.New(audit.SignatureVerificationFailed, "", map[string]any{
				"error": err.Error(),
			}))
			return nil, &InvalidSignatureError{Err: err}
		}
		v.sink.Emit(audit.New(audit.SignatureVerified, "", map[string]any{
			"algorithm": v.verifier.Algorithm(),
		}))
	}

	if v.enforceEnv && signed.Environment != string(v.environment) {
		return nil, &EnvironmentMismatchError{
			Expected: string(v.environment),
			Actual:   signed.Environment,
		}
	}

	for _, m := range signed.Modules {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return nil, &InvalidVersionError{Module: m.ID, Version: m.Version}
		}
	}

	return &Validated{
		Modules:     signed.Modules,
		Environment: signed.Environment,
		Timestamp:   ts,
		Nonce:       signed.Nonce,
	}, nil
}
