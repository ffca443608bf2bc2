// Package audit defines the closed set of security events emitted by the
// delivery pipeline and the sinks that record them.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies how alarming an event is.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityDefault Severity = "default"
	SeverityError   Severity = "error"
	SeverityFault   Severity = "fault"
)

// Kind identifies one of the security-relevant event types. The set is
// closed: sinks may switch exhaustively over it.
type Kind string

const (
	// Signature
	SignatureVerified           Kind = "signature_verified"
	SignatureVerificationFailed Kind = "signature_verification_failed"
	InvalidSignatureDetected    Kind = "invalid_signature_detected"

	// Checksum
	ChecksumVerified Kind = "checksum_verified"
	ChecksumMismatch Kind = "checksum_mismatch"

	// Certificate pinning
	CertificatePinningSuccess Kind = "certificate_pinning_success"
	CertificatePinningFailed  Kind = "certificate_pinning_failed"

	// Extraction
	PathTraversalAttempt  Kind = "path_traversal_attempt"
	SymlinkDetected       Kind = "symlink_detected"
	ForbiddenFileDetected Kind = "forbidden_file_detected"
	ZipBombDetected       Kind = "zip_bomb_detected"

	// Install
	InstallationSuccess Kind = "installation_success"
	InstallationFailed  Kind = "installation_failed"
	RollbackPerformed   Kind = "rollback_performed"

	// Network / freshness
	ReplayAttemptDetected     Kind = "replay_attempt_detected"
	RateLimitExceeded         Kind = "rate_limit_exceeded"
	ManifestTimestampInFuture Kind = "manifest_timestamp_in_future"

	// Quarantine
	ModuleQuarantined  Kind = "module_quarantined"
	QuarantineReleased Kind = "quarantine_released"

	// Integrity
	IntegrityCheckPassed Kind = "integrity_check_passed"
	IntegrityCheckFailed Kind = "integrity_check_failed"

	// Disk
	InsufficientDiskSpace Kind = "insufficient_disk_space"
)

// severityByKind is the authoritative severity mapping: containment,
// cryptographic, replay and quarantine events are faults; corruption and
// state failures are errors; throttling and disk pressure are routine;
// successes are informational.
var severityByKind = map[Kind]Severity{
	SignatureVerified:           SeverityInfo,
	SignatureVerificationFailed: SeverityFault,
	InvalidSignatureDetected:    SeverityFault,
	ChecksumVerified:            SeverityInfo,
	ChecksumMismatch:            SeverityError,
	CertificatePinningSuccess:   SeverityInfo,
	CertificatePinningFailed:    SeverityFault,
	PathTraversalAttempt:        SeverityFault,
	SymlinkDetected:             SeverityFault,
	ForbiddenFileDetected:       SeverityFault,
	ZipBombDetected:             SeverityError,
	InstallationSuccess:         SeverityInfo,
	InstallationFailed:          SeverityError,
	RollbackPerformed:           SeverityError,
	ReplayAttemptDetected:       SeverityFault,
	RateLimitExceeded:           SeverityDefault,
	ManifestTimestampInFuture:   SeverityFault,
	ModuleQuarantined:           SeverityFault,
	QuarantineReleased:          SeverityInfo,
	IntegrityCheckPassed:        SeverityInfo,
	IntegrityCheckFailed:        SeverityError,
	InsufficientDiskSpace:       SeverityDefault,
}

// SeverityOf returns the severity assigned to a kind. Unknown kinds map to
// SeverityError so that a taxonomy gap is never silently informational.
func SeverityOf(kind Kind) Severity {
	if s, ok := severityByKind[kind]; ok {
		return s
	}
	return SeverityError
}

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Module    string         `json:"module,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// New builds an event for the given kind, stamping id, severity and time.
func New(kind Kind, module string, detail map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Severity:  SeverityOf(kind),
		Module:    module,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
}

// Sink receives audit events. Implementations must tolerate concurrent
// Emit calls.
type Sink interface {
	Emit(ev Event)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Emit(Event) {}
