// Package pinning decides TLS certificate challenges by comparing the
// server's SPKI SHA-256 fingerprint against a compile-time pinned set.
package pinning

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/packstream/courier/pkg/audit"
)

// PinError reports a connection that failed the pinning check.
type PinError struct {
	Host   string
	Reason string
}

func (e *PinError) Error() string {
	return fmt.Sprintf("certificate pinning failed for %s: %s", e.Host, e.Reason)
}

// Pinner holds the pinned fingerprint set.
type Pinner struct {
	pins                   map[string]struct{}
	allowInsecureLocalhost bool
	sink                   audit.Sink
}

// New builds a pinner from base64-encoded SPKI SHA-256 fingerprints.
func New(pins []string, allowInsecureLocalhost bool, sink audit.Sink) *Pinner {
	if sink == nil {
		sink = audit.Discard{}
	}
	set := make(map[string]struct{}, len(pins))
	for _, p := range pins {
		set[p] = struct{}{}
	}
	return &Pinner{pins: set, allowInsecureLocalhost: allowInsecureLocalhost, sink: sink}
}

// SPKIFingerprint returns the base64 SHA-256 of the certificate's
// SubjectPublicKeyInfo.
func SPKIFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Check decides a challenge for host given the leaf certificate. A nil leaf
// on a non-localhost connection is always a failure.
func (p *Pinner) Check(host string, leaf *x509.Certificate) error {
	if p.allowInsecureLocalhost && isLocalhost(host) {
		// Development bypass: default system trust already vetted the chain.
		return nil
	}

	if leaf == nil {
		err := &PinError{Host: host, Reason: "no server certificate presented"}
		p.sink.Emit(audit.New(audit.CertificatePinningFailed, "", map[string]any{
			"host": host, "reason": err.Reason,
		}))
		return err
	}
	if len(leaf.RawSubjectPublicKeyInfo) == 0 {
		err := &PinError{Host: host, Reason: "certificate has no extractable public key"}
		p.sink.Emit(audit.New(audit.CertificatePinningFailed, "", map[string]any{
			"host": host, "reason": err.Reason,
		}))
		return err
	}

	fp := SPKIFingerprint(leaf)
	if _, ok := p.pins[fp]; !ok {
		err := &PinError{Host: host, Reason: "public key hash not in pinned set"}
		p.sink.Emit(audit.New(audit.CertificatePinningFailed, "", map[string]any{
			"host": host, "reason": err.Reason, "fingerprint": fp,
		}))
		return err
	}

	p.sink.Emit(audit.New(audit.CertificatePinningSuccess, "", map[string]any{
		"host": host, "fingerprint": fp,
	}))
	return nil
}

// TLSConfig returns a tls.Config that runs the pinning check against the
// verified leaf certificate for host.
func (p *Pinner) TLSConfig(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			var leaf *x509.Certificate
			if len(verifiedChains) > 0 && len(verifiedChains[0]) > 0 {
				leaf = verifiedChains[0][0]
			} else if len(rawCerts) > 0 {
				parsed, err := x509.ParseCertificate(rawCerts[0])
				if err == nil {
					leaf = parsed
				}
			}
			return p.Check(host, leaf)
		},
	}
}
