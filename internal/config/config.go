// Package config provides configuration management for the PyPI mirror.
// It handles the optional YAML file whose values CLI flags later override.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by DefaultConfig.
const (
	DefaultIndexURL        = "https://pypi.org/simple/"
	DefaultMirrorRoot      = "/tmp/simple/"
	DefaultConcurrency     = 4
	DefaultDownloadTimeout = 5 * time.Minute
	DefaultClamAVImage     = "clamav/clamav-debian:latest"
)

// Sentinel errors for configuration validation
var (
	ErrIndexURLRequired     = errors.New("index_url is required")
	ErrMirrorRootRequired   = errors.New("mirror_root is required")
	ErrConflictingFilters   = errors.New("binary_only and source_only are mutually exclusive")
	ErrNegativeDepth        = errors.New("max_depth must not be negative")
	ErrNegativeConcurrency  = errors.New("concurrency must not be negative")
	ErrNegativeRetries      = errors.New("retries must not be negative")
	ErrInvalidTimeout       = errors.New("download_timeout is not a valid duration")
	ErrKeyringDirRequired   = errors.New("keyring_dir is required when gpg is enabled")
	ErrClamAVImageRequired  = errors.New("clamav image is required when clamav is enabled")
	ErrUnknownConfigVersion = errors.New("unsupported configuration version")
)

const currentConfigFileVersion = "1"

// Config represents the top-level configuration structure.
type Config struct {
	Version            string             `yaml:"version"`
	IndexURL           string             `yaml:"index_url"`
	MirrorRoot         string             `yaml:"mirror_root"`
	IgnoreErrors       bool               `yaml:"ignore_errors"`
	IncludePrereleases bool               `yaml:"include_prereleases"`
	BinaryOnly         bool               `yaml:"binary_only"`
	SourceOnly         bool               `yaml:"source_only"`
	MaxDepth           int                `yaml:"max_depth"`
	Concurrency        int                `yaml:"concurrency"`
	DownloadTimeout    string             `yaml:"download_timeout"`
	Retries            int                `yaml:"retries"`
	BreakerThreshold   int                `yaml:"breaker_threshold"`
	UserAgent          string             `yaml:"user_agent"`
	Storage            StorageConfig      `yaml:"storage"`
	Metrics            MetricsConfig      `yaml:"metrics"`
	Verification       VerificationConfig `yaml:"verification"`
}

// StorageConfig represents storage configuration for download tracking.
// An empty DatabasePath disables the ledger.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// MetricsConfig controls Prometheus export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
	Listen   string `yaml:"listen"`
}

// VerificationConfig holds the optional checks applied to new payloads.
type VerificationConfig struct {
	GPG    GPGVerification    `yaml:"gpg"`
	ClamAV ClamAVVerification `yaml:"clamav"`
}

// GPGVerification represents GPG verification configuration.
type GPGVerification struct {
	Enabled    bool   `yaml:"enabled"`
	KeyringDir string `yaml:"keyring_dir"`
}

// ClamAVVerification represents ClamAV malware scanning configuration.
type ClamAVVerification struct {
	Enabled           bool   `yaml:"enabled"`
	Image             string `yaml:"image"`
	DeleteOnDetection bool   `yaml:"delete_on_detection"`
	// Parallel bounds concurrent scan containers; 0 keeps the scanner default.
	Parallel int `yaml:"parallel"`
}

// GetDownloadTimeout parses and returns the download timeout duration
func (c *Config) GetDownloadTimeout() time.Duration {
	if c.DownloadTimeout == "" {
		return DefaultDownloadTimeout
	}
	timeout, err := time.ParseDuration(c.DownloadTimeout)
	if err != nil || timeout <= 0 {
		return DefaultDownloadTimeout
	}
	return timeout
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Version:         currentConfigFileVersion,
		IndexURL:        DefaultIndexURL,
		MirrorRoot:      DefaultMirrorRoot,
		Concurrency:     DefaultConcurrency,
		DownloadTimeout: DefaultDownloadTimeout.String(),
		Verification: VerificationConfig{
			ClamAV: ClamAVVerification{Image: DefaultClamAVImage},
		},
	}
}

// LoadConfig reads filePath over the defaults, so keys missing from the file
// keep their default values.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// LoadOrDefault is LoadConfig for a non-empty path and DefaultConfig otherwise.
func LoadOrDefault(filePath string) (*Config, error) {
	if filePath == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(filePath)
}

// Validate validates the configuration structure and required fields.
func (c *Config) Validate() error {
	if c.Version != "" && c.Version != currentConfigFileVersion {
		return fmt.Errorf("%w: %q", ErrUnknownConfigVersion, c.Version)
	}
	if c.IndexURL == "" {
		return ErrIndexURLRequired
	}
	if c.MirrorRoot == "" {
		return ErrMirrorRootRequired
	}
	if c.BinaryOnly && c.SourceOnly {
		return ErrConflictingFilters
	}
	if c.MaxDepth < 0 {
		return ErrNegativeDepth
	}
	if c.Concurrency < 0 {
		return ErrNegativeConcurrency
	}
	if c.Retries < 0 || c.BreakerThreshold < 0 {
		return ErrNegativeRetries
	}
	if c.DownloadTimeout != "" {
		if _, err := time.ParseDuration(c.DownloadTimeout); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimeout, c.DownloadTimeout)
		}
	}
	if err := c.Verification.Validate(); err != nil {
		return fmt.Errorf("verification: %w", err)
	}
	return nil
}

// Validate validates verification configuration.
func (v *VerificationConfig) Validate() error {
	if v.GPG.Enabled && v.GPG.KeyringDir == "" {
		return ErrKeyringDirRequired
	}
	if v.ClamAV.Enabled && v.ClamAV.Image == "" {
		return ErrClamAVImageRequired
	}
	if v.ClamAV.Parallel < 0 {
		return ErrNegativeConcurrency
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filePath, err)
	}
	return nil
}
