package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// profile is the YAML shape of a config file. Durations are strings
// ("60s", "5m") so operators do not write nanosecond counts.
type profile struct {
	MaxDownloadSize         *int64      `yaml:"max_download_size"`
	MaxUncompressedSize     *int64      `yaml:"max_uncompressed_size"`
	MaxIndividualFileSize   *int64      `yaml:"max_individual_file_size"`
	MaxFileCount            *int        `yaml:"max_file_count"`
	DownloadTimeout         string      `yaml:"download_timeout"`
	DownloadCooldown        string      `yaml:"download_cooldown"`
	MaxManifestAge          string      `yaml:"max_manifest_age"`
	MaxConcurrentDownloads  *int        `yaml:"max_concurrent_downloads"`
	MaxDownloadsPerHour     *int        `yaml:"max_downloads_per_hour"`
	MaxDownloadBytesPerSec  *int64      `yaml:"max_download_bytes_per_sec"`
	EnforceEnvironmentMatch *bool       `yaml:"enforce_environment_match"`
	AllowedExtensions       []string    `yaml:"allowed_extensions"`
	ForbiddenPatterns       []string    `yaml:"forbidden_patterns"`
	ChecksumAlgorithm       string      `yaml:"checksum_algorithm"`
	PublicKeyPEM            string      `yaml:"public_key_pem"`
	PinnedSPKIHashes        []string    `yaml:"pinned_spki_hashes"`
	AllowInsecureLocalhost  *bool       `yaml:"allow_insecure_localhost"`
	InsecureSkipSignature   *bool       `yaml:"insecure_skip_signature"`
	AllowVersionRollback    *bool       `yaml:"allow_version_rollback"`
	Environment             Environment `yaml:"environment"`
	ManifestURL             string      `yaml:"manifest_url"`
	Root                    string      `yaml:"root"`
	TempDir                 string      `yaml:"temp_dir"`
}

// LoadProfile reads a YAML profile and overlays it onto the defaults.
func LoadProfile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", path, err)
	}

	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", path, err)
	}

	c := Default()
	if p.MaxDownloadSize != nil {
		c.MaxDownloadSize = *p.MaxDownloadSize
	}
	if p.MaxUncompressedSize != nil {
		c.MaxUncompressedSize = *p.MaxUncompressedSize
	}
	if p.MaxIndividualFileSize != nil {
		c.MaxIndividualFileSize = *p.MaxIndividualFileSize
	}
	if p.MaxFileCount != nil {
		c.MaxFileCount = *p.MaxFileCount
	}
	if p.MaxConcurrentDownloads != nil {
		c.MaxConcurrentDownloads = *p.MaxConcurrentDownloads
	}
	if p.MaxDownloadsPerHour != nil {
		c.MaxDownloadsPerHour = *p.MaxDownloadsPerHour
	}
	if p.MaxDownloadBytesPerSec != nil {
		c.MaxDownloadBytesPerSec = *p.MaxDownloadBytesPerSec
	}
	if p.EnforceEnvironmentMatch != nil {
		c.EnforceEnvironmentMatch = *p.EnforceEnvironmentMatch
	}
	if p.AllowInsecureLocalhost != nil {
		c.AllowInsecureLocalhost = *p.AllowInsecureLocalhost
	}
	if p.InsecureSkipSignature != nil {
		c.InsecureSkipSignature = *p.InsecureSkipSignature
	}
	if p.AllowVersionRollback != nil {
		c.AllowVersionRollback = *p.AllowVersionRollback
	}
	if len(p.AllowedExtensions) > 0 {
		c.AllowedExtensions = p.AllowedExtensions
	}
	if len(p.ForbiddenPatterns) > 0 {
		c.ForbiddenPatterns = p.ForbiddenPatterns
	}
	if p.ChecksumAlgorithm != "" {
		c.ChecksumAlgorithm = p.ChecksumAlgorithm
	}
	if p.PublicKeyPEM != "" {
		c.PublicKeyPEM = p.PublicKeyPEM
	}
	if len(p.PinnedSPKIHashes) > 0 {
		c.PinnedSPKIHashes = p.PinnedSPKIHashes
	}
	if p.Environment != "" {
		c.Environment = p.Environment
	}
	if p.ManifestURL != "" {
		c.ManifestURL = p.ManifestURL
	}
	if p.Root != "" {
		c.Root = p.Root
	}
	if p.TempDir != "" {
		c.TempDir = p.TempDir
	}

	for name, field := range map[string]struct {
		raw string
		dst *time.Duration
	}{
		"download_timeout":  {p.DownloadTimeout, &c.DownloadTimeout},
		"download_cooldown": {p.DownloadCooldown, &c.DownloadCooldown},
		"max_manifest_age":  {p.MaxManifestAge, &c.MaxManifestAge},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid %s %q: %w", name, field.raw, err)
		}
		*field.dst = d
	}

	return c, nil
}
