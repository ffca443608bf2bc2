package manifest

import (
	"fmt"
	"time"
)

// MalformedError reports a document that fails shape validation before any
// cryptographic check runs.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed manifest: " + e.Reason
}

// TimestampInFutureError reports a manifest timestamped beyond the allowed
// clock skew, a signal of a clock-skew attack.
type TimestampInFutureError struct {
	Skew time.Duration
}

func (e *TimestampInFutureError) Error() string {
	return fmt.Sprintf("manifest timestamp is %s in the future", e.Skew)
}

// TooOldError reports a manifest older than the replay window.
type TooOldError struct {
	Age time.Duration
}

func (e *TooOldError) Error() string {
	return fmt.Sprintf("manifest is %s old, replay window exceeded", e.Age)
}

// InvalidNonceError reports a nonce shorter than MinNonceLength.
type InvalidNonceError struct {
	Length int
}

func (e *InvalidNonceError) Error() string {
	return fmt.Sprintf("manifest nonce has %d characters, need at least %d", e.Length, MinNonceLength)
}

// InvalidSignatureError wraps the verifier's failure.
type InvalidSignatureError struct {
	Err error
}

func (e *InvalidSignatureError) Error() string {
	return "manifest signature invalid: " + e.Err.Error()
}

func (e *InvalidSignatureError) Unwrap() error { return e.Err }

// EnvironmentMismatchError reports a manifest produced for a different
// deployment environment.
type EnvironmentMismatchError struct {
	Expected string
	Actual   string
}

func (e *EnvironmentMismatchError) Error() string {
	return fmt.Sprintf("manifest environment %q does not match %q", e.Actual, e.Expected)
}

// InvalidVersionError reports a module whose version is not valid semver.
type InvalidVersionError struct {
	Module  string
	Version string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("module %q has invalid version %q", e.Module, e.Version)
}
