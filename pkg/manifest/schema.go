// Package manifest models the signed module manifest and validates it:
// document shape, freshness, nonce, environment, and the RSA signature over
// the canonical body.
package manifest

import (
	"encoding/json"
	"time"
)

// Descriptor describes one downloadable module. Immutable once the manifest
// that carried it has been validated.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Checksum    string `json:"checksum"`
	Size        int64  `json:"size"`
	Environment string `json:"environment"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Body is the signed portion of the manifest.
type Body struct {
	Modules     []Descriptor `json:"modules"`
	Timestamp   string       `json:"timestamp"`
	Nonce       string       `json:"nonce"`
	Environment string       `json:"environment"`
}

// Document is the manifest endpoint response.
type Document struct {
	Manifest   json.RawMessage `json:"manifest"`
	ServerTime string          `json:"server_time"`
}

// Validated is the result of successful validation.
type Validated struct {
	Modules     []Descriptor
	Environment string
	Timestamp   time.Time
	Nonce       string
}

// Find returns the descriptor with the given module id.
func (v *Validated) Find(id string) (Descriptor, bool) {
	for _, m := range v.Modules {
		if m.ID == id {
			return m, true
		}
	}
	return Descriptor{}, false
}

// MinNonceLength is the shortest acceptable manifest nonce.
const MinNonceLength = 16

// documentSchema constrains the raw document before any cryptographic work.
// Shape violations are cheap to reject and never reach the verifier.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["manifest"],
  "properties": {
    "manifest": {
      "type": "object",
      "required": ["modules", "timestamp", "nonce", "environment", "signature"],
      "properties": {
        "modules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "name", "version", "checksum", "size", "environment"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "name": {"type": "string", "minLength": 1},
              "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+"},
              "checksum": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$|^[0-9a-fA-F]{128}$"},
              "size": {"type": "integer", "minimum": 0},
              "environment": {"type": "string", "minLength": 1},
              "download_url": {"type": "string"}
            }
          }
        },
        "timestamp": {"type": "string"},
        "nonce": {"type": "string"},
        "environment": {"type": "string"},
        "signature": {"type": "string"}
      }
    },
    "server_time": {"type": "string"}
  }
}`
