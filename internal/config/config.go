// Package config loads the fieldsync YAML configuration and watches it for
// changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/fieldsync/backend/internal/errors"
	"github.com/kimhsiao/fieldsync/backend/internal/logging"
)

// Config is the complete fieldsync configuration.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	TechnicianID string `yaml:"technician_id"`

	Backend struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"backend"`

	Network struct {
		ProbeURL      string        `yaml:"probe_url"`
		ProbeInterval time.Duration `yaml:"probe_interval"`
		ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	} `yaml:"network"`

	Sync struct {
		Interval       time.Duration `yaml:"interval"`
		DrainTimeout   time.Duration `yaml:"drain_timeout"`
		RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	} `yaml:"sync"`

	Cache struct {
		Retention       time.Duration `yaml:"retention"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"cache"`

	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Default returns the configuration used for every unset field.
func Default() *Config {
	cfg := &Config{DataDir: "fieldsync-data"}
	cfg.Backend.Timeout = 30 * time.Second
	cfg.Network.ProbeInterval = 30 * time.Second
	cfg.Network.ProbeTimeout = 5 * time.Second
	cfg.Sync.Interval = time.Minute
	cfg.Sync.DrainTimeout = 5 * time.Minute
	cfg.Sync.RefreshTimeout = 15 * time.Second
	cfg.Cache.Retention = 24 * time.Hour
	cfg.Cache.CleanupInterval = time.Hour
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 10
	cfg.Log.MaxBackups = 3
	cfg.Log.MaxAgeDays = 28
	cfg.Metrics.Addr = ":9464"
	return cfg
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config "+path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse config "+path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values a running service depends on.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is empty")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	for name, d := range map[string]time.Duration{
		"backend.timeout":        c.Backend.Timeout,
		"network.probe_interval": c.Network.ProbeInterval,
		"network.probe_timeout":  c.Network.ProbeTimeout,
		"sync.interval":          c.Sync.Interval,
		"sync.drain_timeout":     c.Sync.DrainTimeout,
		"sync.refresh_timeout":   c.Sync.RefreshTimeout,
		"cache.retention":        c.Cache.Retention,
		"cache.cleanup_interval": c.Cache.CleanupInterval,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid config: %s", strings.Join(problems, "; ")))
}

// ProbeURL returns the reachability endpoint: the configured one, or the
// backend health path.
func (c *Config) ProbeURL() string {
	if c.Network.ProbeURL != "" {
		return c.Network.ProbeURL
	}
	if c.Backend.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.Backend.BaseURL, "/") + "/health"
}

// DatabaseDir is where the sqlite file lives.
func (c *Config) DatabaseDir() string {
	return c.DataDir
}

// BlobDir is where photo bytes wait for upload.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.LogLevel {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}
