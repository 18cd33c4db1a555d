// Package config loads the SkinGuard Core configuration file.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/skinguard/backend/internal/conflict"
	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	"github.com/kimhsiao/skinguard/backend/internal/models"
	"github.com/kimhsiao/skinguard/backend/internal/sync/queue"
	"github.com/kimhsiao/skinguard/backend/internal/sync/reconcile"
)

// FileName is the default config file name inside the user's home.
const FileName = ".skinguard.yaml"

// Config is the full configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Rules   RulesConfig   `yaml:"rules"`
	Log     LogConfig     `yaml:"log"`
	Scoring ScoringConfig `yaml:"scoring"`
	Sync    SyncConfig    `yaml:"sync"`
}

// RulesConfig selects the rule table. Path wins over URL; with neither
// the embedded table is used.
type RulesConfig struct {
	Path     string `yaml:"path,omitempty"`
	URL      string `yaml:"url,omitempty"`
	RetryMax int    `yaml:"retry_max"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ScoringConfig overrides the safety score penalty per severity name.
type ScoringConfig struct {
	Penalties map[string]int `yaml:"penalties,omitempty"`
}

// SyncConfig configures reconciliation and the sync server.
type SyncConfig struct {
	Precedence    string        `yaml:"precedence"`
	RemoteURL     string        `yaml:"remote_url,omitempty"`
	Token         string        `yaml:"token,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"max_retries"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	Interval      time.Duration `yaml:"interval"`
	QueueInterval time.Duration `yaml:"queue_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Rules:   RulesConfig{RetryMax: 3},
		Log:     LogConfig{Level: "info"},
		Sync: SyncConfig{
			Precedence:    string(reconcile.PrecedenceLocalWins),
			Timeout:       30 * time.Second,
			Concurrency:   4,
			MaxRetries:    queue.DefaultMaxRetries,
			BaseBackoff:   queue.DefaultBaseBackoff,
			MaxBackoff:    queue.DefaultMaxBackoff,
			Interval:      15 * time.Minute,
			QueueInterval: time.Minute,
		},
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".skinguard"
	}
	return filepath.Join(dir, "skinguard")
}

// Load reads the config file at path on top of the defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.Debug("Config file not found, using defaults", map[string]interface{}{
			"path": path,
		})
		return cfg, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "failed to read config file", err)
	}

	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return apperrors.Wrap(apperrors.ErrConfiguration, "failed to parse config file", err)
	}
	return nil
}

// Write encodes the configuration as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return apperrors.Wrap(apperrors.ErrConfiguration, "failed to encode config", err)
	}
	return enc.Close()
}

// Validate checks every field that has a closed set of values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrConfiguration, "data_dir must not be empty")
	}
	if _, err := reconcile.ParsePrecedence(c.Sync.Precedence); err != nil {
		return err
	}
	if _, err := c.Penalties(); err != nil {
		return err
	}
	if c.Sync.Concurrency < 1 {
		return apperrors.Newf(apperrors.ErrConfiguration, "sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.MaxRetries < 0 || c.Rules.RetryMax < 0 {
		return apperrors.New(apperrors.ErrConfiguration, "retry counts must not be negative")
	}
	return nil
}

// Penalties converts the scoring overrides to engine penalties. Two keys
// naming the same tier, such as "high" and "severe", are rejected.
func (c *Config) Penalties() (conflict.Penalties, error) {
	names := make([]string, 0, len(c.Scoring.Penalties))
	for name := range c.Scoring.Penalties {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(conflict.Penalties, len(names))
	seen := make(map[models.Severity]string, len(names))
	for _, name := range names {
		sev, err := models.ParseSeverity(name)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfiguration, "invalid scoring.penalties key", err)
		}
		if prev, ok := seen[sev]; ok {
			return nil, apperrors.Newf(apperrors.ErrConfiguration,
				"scoring.penalties keys %q and %q both set the %s penalty", prev, name, sev)
		}
		seen[sev] = name
		points := c.Scoring.Penalties[name]
		if points < 0 {
			return nil, apperrors.Newf(apperrors.ErrConfiguration, "penalty for %s must not be negative", name)
		}
		out[sev] = points
	}
	return out, nil
}

// Precedence returns the parsed precedence policy. Validate has already
// rejected unknown values.
func (c *Config) Precedence() reconcile.Precedence {
	p, err := reconcile.ParsePrecedence(c.Sync.Precedence)
	if err != nil {
		return reconcile.PrecedenceLocalWins
	}
	return p
}

// OverrideKeys lists the settings that can be set from flags or the
// environment, in dotted form.
var OverrideKeys = []string{
	"data_dir",
	"rules.path",
	"rules.url",
	"log.level",
	"sync.precedence",
	"sync.remote_url",
	"sync.token",
	"sync.concurrency",
}

// Override sets one of OverrideKeys from its string form.
func (c *Config) Override(key, value string) error {
	switch key {
	case "data_dir":
		c.DataDir = value
	case "rules.path":
		c.Rules.Path = value
	case "rules.url":
		c.Rules.URL = value
	case "log.level":
		c.Log.Level = value
	case "sync.precedence":
		c.Sync.Precedence = value
	case "sync.remote_url":
		c.Sync.RemoteURL = value
	case "sync.token":
		c.Sync.Token = value
	case "sync.concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfiguration, "sync.concurrency must be a number", err)
		}
		c.Sync.Concurrency = n
	default:
		return apperrors.Newf(apperrors.ErrConfiguration, "unknown setting %q", key)
	}
	return nil
}
