// Package crypto implements the hashing and signature primitives of the
// delivery pipeline: streaming archive checksums and RSA manifest signature
// verification against a pinned public key.
package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Algorithm selects the checksum hash.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// ChecksumEngine computes and compares hex digests of archive bytes.
type ChecksumEngine struct {
	alg Algorithm
}

// NewChecksumEngine returns an engine for the given algorithm.
func NewChecksumEngine(alg Algorithm) (*ChecksumEngine, error) {
	switch alg {
	case SHA256, SHA512:
		return &ChecksumEngine{alg: alg}, nil
	default:
		return nil, fmt.Errorf("crypto: unsupported checksum algorithm %q", alg)
	}
}

// Algorithm reports the configured algorithm.
func (e *ChecksumEngine) Algorithm() Algorithm { return e.alg }

func (e *ChecksumEngine) newHash() hash.Hash {
	if e.alg == SHA512 {
		return sha512.New()
	}
	return sha256.New()
}

// Sum streams r through the hash and returns the lowercase hex digest.
func (e *ChecksumEngine) Sum(r io.Reader) (string, error) {
	h := e.newHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("crypto: hashing failed: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile hashes the file at path.
func (e *ChecksumEngine) SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("crypto: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return e.Sum(f)
}

// MismatchError reports a digest that did not match the manifest's claim.
type MismatchError struct {
	Algorithm Algorithm
	Expected  string
	Actual    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch (%s): expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

// VerifyFile hashes path and compares against expectedHex in constant time.
func (e *ChecksumEngine) VerifyFile(path, expectedHex string) error {
	actual, err := e.SumFile(path)
	if err != nil {
		return err
	}
	expected := strings.ToLower(strings.TrimSpace(expectedHex))
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return &MismatchError{Algorithm: e.alg, Expected: expected, Actual: actual}
	}
	return nil
}
