// Package canonical produces the RFC 8785 (JSON Canonicalization Scheme)
// byte form of manifest bodies. The server signs the canonical form, so the
// client's reserialization must match the server's encoder byte for byte:
// sorted keys, no HTML escaping, number literals preserved.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the canonical JSON representation of v.
func Marshal(v any) ([]byte, error) {
	// Standard marshal first so struct tags are honoured, then canonicalize
	// ordering and formatting.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes raw JSON bytes.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// StripField returns the canonical form of a JSON object with one top-level
// member removed. Number literals pass through untouched.
func StripField(raw []byte, field string) ([]byte, error) {
	var obj map[string]json.RawMessage
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&obj); err != nil {
		return nil, fmt.Errorf("canonical: decode failed: %w", err)
	}
	delete(obj, field)

	rebuilt, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("canonical: re-marshal failed: %w", err)
	}
	return Transform(rebuilt)
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
