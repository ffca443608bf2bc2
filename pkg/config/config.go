// Package config holds the security parameters of the delivery pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment identifies the deployment environment a manifest targets.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config enumerates every tunable security parameter. Zero values are never
// meaningful; construct via Default, Load or LoadProfile.
type Config struct {
	// Size and count caps for untrusted archives.
	MaxDownloadSize       int64 `yaml:"max_download_size"`
	MaxUncompressedSize   int64 `yaml:"max_uncompressed_size"`
	MaxIndividualFileSize int64 `yaml:"max_individual_file_size"`
	MaxFileCount          int   `yaml:"max_file_count"`

	// Download policy.
	DownloadTimeout        time.Duration `yaml:"download_timeout"`
	DownloadCooldown       time.Duration `yaml:"download_cooldown"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
	MaxDownloadsPerHour    int           `yaml:"max_downloads_per_hour"`
	MaxDownloadBytesPerSec int64         `yaml:"max_download_bytes_per_sec"` // 0 = unthrottled

	// Manifest freshness.
	MaxManifestAge          time.Duration `yaml:"max_manifest_age"`
	EnforceEnvironmentMatch bool          `yaml:"enforce_environment_match"`

	// Extraction filters.
	AllowedExtensions []string `yaml:"allowed_extensions"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`

	// Trust.
	ChecksumAlgorithm      string   `yaml:"checksum_algorithm"` // "sha256" | "sha512"
	PublicKeyPEM           string   `yaml:"public_key_pem"`
	PinnedSPKIHashes       []string `yaml:"pinned_spki_hashes"`
	AllowInsecureLocalhost bool     `yaml:"allow_insecure_localhost"`
	// InsecureSkipSignature disables manifest signature verification. Never
	// the default; setting it emits a fault audit event at startup.
	InsecureSkipSignature bool `yaml:"insecure_skip_signature"`

	// Install policy.
	AllowVersionRollback bool `yaml:"allow_version_rollback"`

	// Endpoints and layout.
	Environment Environment `yaml:"environment"`
	ManifestURL string      `yaml:"manifest_url"`
	Root        string      `yaml:"root"`     // documents root holding Modules/, ModuleBackups/, Quarantine/, SecurityLogs/
	TempDir     string      `yaml:"temp_dir"` // holds per-attempt archives and UnzipStaging/
}

// Default returns the baseline security posture.
func Default() *Config {
	return &Config{
		MaxDownloadSize:         50 << 20,
		MaxUncompressedSize:     100 << 20,
		MaxIndividualFileSize:   20 << 20,
		MaxFileCount:            500,
		DownloadTimeout:         60 * time.Second,
		DownloadCooldown:        5 * time.Second,
		MaxConcurrentDownloads:  3,
		MaxDownloadsPerHour:     20,
		MaxManifestAge:          300 * time.Second,
		EnforceEnvironmentMatch: true,
		AllowedExtensions: []string{
			"html", "css", "js", "json", "png", "jpg", "jpeg", "svg", "woff", "woff2", "ttf",
		},
		ForbiddenPatterns: []string{"..", "~", "__MACOSX", ".DS_Store", ".git", ".svn"},
		ChecksumAlgorithm: "sha256",
		Environment:       Development,
		TempDir:           os.TempDir(),
	}
}

// Load builds a Config from defaults with environment variable overrides.
func Load() *Config {
	c := Default()

	if v := os.Getenv("COURIER_MANIFEST_URL"); v != "" {
		c.ManifestURL = v
	}
	if v := os.Getenv("COURIER_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("COURIER_ENVIRONMENT"); v != "" {
		c.Environment = Environment(v)
	}
	if v := os.Getenv("COURIER_MAX_DOWNLOAD_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxDownloadSize = n
		}
	}
	if v := os.Getenv("COURIER_MAX_DOWNLOADS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxDownloadsPerHour = n
		}
	}
	if v := os.Getenv("COURIER_DOWNLOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DownloadTimeout = d
		}
	}
	if os.Getenv("COURIER_ALLOW_INSECURE_LOCALHOST") == "true" {
		c.AllowInsecureLocalhost = true
	}

	return c
}

// Validate rejects configurations that would weaken the pipeline in
// non-obvious ways.
func (c *Config) Validate() error {
	if c.MaxDownloadSize <= 0 || c.MaxUncompressedSize <= 0 || c.MaxIndividualFileSize <= 0 {
		return fmt.Errorf("config: size caps must be positive")
	}
	if c.MaxFileCount <= 0 {
		return fmt.Errorf("config: max_file_count must be positive")
	}
	if c.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("config: max_concurrent_downloads must be positive")
	}
	if c.ChecksumAlgorithm != "sha256" && c.ChecksumAlgorithm != "sha512" {
		return fmt.Errorf("config: unsupported checksum_algorithm %q", c.ChecksumAlgorithm)
	}
	if c.Root == "" {
		return fmt.Errorf("config: root directory is required")
	}
	if !c.InsecureSkipSignature && c.PublicKeyPEM == "" {
		return fmt.Errorf("config: public_key_pem is required")
	}
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	return nil
}
