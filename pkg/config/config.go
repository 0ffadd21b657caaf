// Package config loads dsctl settings from the environment and an optional
// YAML file. Environment variables win over the file, which wins over the
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds process configuration.
type Config struct {
	LogLevel        string              `yaml:"log_level"`
	LogFormat       string              `yaml:"log_format"` // "text" | "json"
	CacheDir        string              `yaml:"cache_dir"`
	CreatorUsername string              `yaml:"creator_username"`
	Copy            CopyConfig          `yaml:"copy"`
	S3              S3Config            `yaml:"s3"`
	GCS             GCSConfig           `yaml:"gcs"`
	Observability   ObservabilityConfig `yaml:"observability"`
}

// CopyConfig tunes dataset transfers.
type CopyConfig struct {
	Workers       int     `yaml:"workers"`
	RatePerSecond float64 `yaml:"rate_per_second"` // 0 means unlimited
}

// S3Config enables the s3:// backend.
type S3Config struct {
	Enabled      bool   `yaml:"enabled"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// GCSConfig enables the gs:// backend (builds with -tags gcp only).
type GCSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ObservabilityConfig controls OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	Environment  string `yaml:"environment"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel:  "INFO",
		LogFormat: "text",
		Copy: CopyConfig{
			Workers: 4,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: "localhost:4317",
			Environment:  "development",
		},
	}
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads the YAML file at path, then applies the environment.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied config path
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "DATASET_LOG_LEVEL")
	setString(&c.LogFormat, "DATASET_LOG_FORMAT")
	setString(&c.CacheDir, "DATASET_CACHE_DIR")
	setString(&c.CreatorUsername, "DATASET_CREATOR")

	if v := os.Getenv("DATASET_COPY_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DATASET_COPY_WORKERS=%q: %w", v, err)
		}
		c.Copy.Workers = n
	}
	if v := os.Getenv("DATASET_COPY_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DATASET_COPY_RATE=%q: %w", v, err)
		}
		c.Copy.RatePerSecond = f
	}

	setBool(&c.S3.Enabled, "DATASET_S3_ENABLED")
	setString(&c.S3.Region, "AWS_REGION")
	setString(&c.S3.Region, "DATASET_S3_REGION")
	setString(&c.S3.Endpoint, "DATASET_S3_ENDPOINT")
	setBool(&c.S3.UsePathStyle, "DATASET_S3_PATH_STYLE")

	setBool(&c.GCS.Enabled, "DATASET_GCS_ENABLED")

	setBool(&c.Observability.Enabled, "DATASET_OTEL_ENABLED")
	setString(&c.Observability.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&c.Observability.Insecure, "DATASET_OTEL_INSECURE")
	setString(&c.Observability.Environment, "DATASET_ENVIRONMENT")
	return nil
}

// Validate rejects settings the CLI cannot act on.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("log level %q: want DEBUG, INFO, WARN or ERROR", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log format %q: want text or json", c.LogFormat)
	}
	if c.Copy.Workers < 1 {
		return fmt.Errorf("copy workers must be positive, got %d", c.Copy.Workers)
	}
	if c.Copy.RatePerSecond < 0 {
		return fmt.Errorf("copy rate must not be negative, got %v", c.Copy.RatePerSecond)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}
