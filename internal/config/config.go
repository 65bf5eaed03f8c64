package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    string `yaml:"port"`
	Prefork bool   `yaml:"prefork"`
}

// LoggerConfig controls structured log output and rotation.
type LoggerConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LimitsConfig bounds request and response payload sizes.
type LimitsConfig struct {
	MaxUploadBytes int `yaml:"max_upload_bytes"`
	MaxPDFBytes    int `yaml:"max_pdf_bytes"`
}

// RateLimiterConfig controls the per-client limiter. Redis storage is
// optional; the limiter falls back to in-memory storage when it is absent
// or unreachable.
type RateLimiterConfig struct {
	EnableUserLimiter bool          `yaml:"enable_user_limiter"`
	UserLimit         int           `yaml:"user_limit"`
	Interval          time.Duration `yaml:"interval"`
	RedisHost         string        `yaml:"redis_host"`
	RedisDB           int           `yaml:"redis_db"`
}

// PDFConfig carries rendering defaults applied when a conversion request
// leaves the corresponding field blank.
type PDFConfig struct {
	DefaultPaper     string `yaml:"default_paper"`
	DefaultMargin    string `yaml:"default_margin"`
	DefaultTimeoutMS int    `yaml:"default_timeout_ms"`
	ChromePath       string `yaml:"chrome_path"`
	ChromeNoSandbox  bool   `yaml:"chrome_no_sandbox"`
	ScratchDir       string `yaml:"scratch_dir"`
}

// Config is the root of the service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	Limits      LimitsConfig      `yaml:"limits"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	PDF         PDFConfig         `yaml:"pdf"`
}

// Defaults returns a Config suitable for running without any config file.
func Defaults() Config {
	var cfg Config
	cfg.Server.Host = ""
	cfg.Server.Port = ":8080"
	cfg.Logger.Level = "info"
	cfg.Logger.MaxSizeMB = 10
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 14
	cfg.Limits.MaxUploadBytes = 32 * 1024 * 1024
	cfg.Limits.MaxPDFBytes = 64 * 1024 * 1024
	cfg.RateLimiter.UserLimit = 0
	cfg.RateLimiter.Interval = time.Minute
	cfg.PDF.DefaultPaper = "A4"
	cfg.PDF.DefaultMargin = "15mm"
	cfg.PDF.DefaultTimeoutMS = 30000
	return cfg
}

// Load reads the configuration from the path in CONFIG_PATH, falling back to
// ./config.yaml. A missing file yields Defaults(); a malformed file panics,
// since the service cannot meaningfully start half-configured.
func Load() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return Defaults()
	}
	return LoadFrom(path)
}

// LoadFrom reads and validates the configuration at path. It panics on
// unreadable files, malformed YAML, or invalid values.
func LoadFrom(path string) Config {
	raw, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("config: read %s: %v", path, err))
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		panic(fmt.Sprintf("config: parse %s: %v", path, err))
	}
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("config: %s: %v", path, err))
	}
	return cfg
}

func (c Config) validate() error {
	if c.Limits.MaxUploadBytes <= 0 {
		return fmt.Errorf("limits.max_upload_bytes must be positive")
	}
	if c.Limits.MaxPDFBytes <= 0 {
		return fmt.Errorf("limits.max_pdf_bytes must be positive")
	}
	if c.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("rate_limiter.user_limit must not be negative")
	}
	if c.RateLimiter.Interval <= 0 {
		return fmt.Errorf("rate_limiter.interval must be positive")
	}
	if c.PDF.DefaultTimeoutMS < 1000 || c.PDF.DefaultTimeoutMS > 120000 {
		return fmt.Errorf("pdf.default_timeout_ms must be within [1000, 120000]")
	}
	return nil
}
