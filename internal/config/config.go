// Package config loads the threadkeep configuration: a YAML file decoded
// strictly, layered over defaults and under THREADKEEP_* environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "THREADKEEP_"

// Summarizer providers.
const (
	ProviderAnthropic  = "anthropic"
	ProviderExtractive = "extractive"
	ProviderNone       = "none"
)

// Config is the complete configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Blob       BlobConfig       `yaml:"blob"`
	Hot        HotConfig        `yaml:"hot"`
	Warm       WarmConfig       `yaml:"warm"`
	Governance GovernanceConfig `yaml:"governance"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Thread     ThreadConfig     `yaml:"thread"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BlobConfig locates cold payloads on disk.
type BlobConfig struct {
	Dir string `yaml:"dir"`
}

// HotConfig bounds each agent's hot memory.
type HotConfig struct {
	MaxTokens   int           `yaml:"max_tokens"`
	MaxMessages int           `yaml:"max_messages"`
	TTL         time.Duration `yaml:"ttl"`
}

// WarmConfig bounds warm memory and its read cache.
type WarmConfig struct {
	MaxEntries   int   `yaml:"max_entries"`
	CacheMaxCost int64 `yaml:"cache_max_cost"`

	// VectorIndex blends embedding similarity into summary search.
	VectorIndex bool `yaml:"vector_index"`
}

// GovernanceConfig controls the checkpoint gate.
type GovernanceConfig struct {
	// PolicyFile is a CUE sensitivity policy. Empty gates nothing.
	PolicyFile    string        `yaml:"policy_file"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DefaultExpiry applies when the policy sets none.
	DefaultExpiry time.Duration `yaml:"default_expiry"`
}

// SummarizerConfig selects and bounds the enrichment service.
type SummarizerConfig struct {
	Provider      string        `yaml:"provider"`
	Model         string        `yaml:"model"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`

	// RetryInterval is how often serve retries enrichment gaps.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ThreadConfig tunes the ledger.
type ThreadConfig struct {
	AppendRetries int `yaml:"append_retries"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "threadkeep.db"},
		Blob:     BlobConfig{Dir: "blobs"},
		Hot:      HotConfig{MaxTokens: 8000, MaxMessages: 200, TTL: 2 * time.Hour},
		Warm:     WarmConfig{MaxEntries: 500, CacheMaxCost: 64 << 20},
		Governance: GovernanceConfig{
			SweepInterval: time.Minute,
			DefaultExpiry: 24 * time.Hour,
		},
		Summarizer: SummarizerConfig{
			Provider:      ProviderExtractive,
			APIKeyEnv:     "ANTHROPIC_API_KEY",
			Timeout:       30 * time.Second,
			MaxConcurrent: 4,
			RetryInterval: 5 * time.Minute,
		},
		Thread: ThreadConfig{AppendRetries: 3},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from THREADKEEP_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	overrides := []struct {
		name string
		set  func(string) error
	}{
		{"DATABASE_PATH", setString(&c.Database.Path)},
		{"BLOB_DIR", setString(&c.Blob.Dir)},
		{"HOT_MAX_TOKENS", setInt(&c.Hot.MaxTokens)},
		{"HOT_MAX_MESSAGES", setInt(&c.Hot.MaxMessages)},
		{"HOT_TTL", setDuration(&c.Hot.TTL)},
		{"WARM_MAX_ENTRIES", setInt(&c.Warm.MaxEntries)},
		{"WARM_CACHE_MAX_COST", setInt64(&c.Warm.CacheMaxCost)},
		{"WARM_VECTOR_INDEX", setBool(&c.Warm.VectorIndex)},
		{"GOVERNANCE_POLICY_FILE", setString(&c.Governance.PolicyFile)},
		{"GOVERNANCE_SWEEP_INTERVAL", setDuration(&c.Governance.SweepInterval)},
		{"GOVERNANCE_DEFAULT_EXPIRY", setDuration(&c.Governance.DefaultExpiry)},
		{"SUMMARIZER_PROVIDER", setString(&c.Summarizer.Provider)},
		{"SUMMARIZER_MODEL", setString(&c.Summarizer.Model)},
		{"SUMMARIZER_API_KEY_ENV", setString(&c.Summarizer.APIKeyEnv)},
		{"SUMMARIZER_TIMEOUT", setDuration(&c.Summarizer.Timeout)},
		{"SUMMARIZER_MAX_CONCURRENT", setInt(&c.Summarizer.MaxConcurrent)},
		{"SUMMARIZER_RETRY_INTERVAL", setDuration(&c.Summarizer.RetryInterval)},
		{"THREAD_APPEND_RETRIES", setInt(&c.Thread.AppendRetries)},
	}
	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setInt64(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// Validate rejects non-positive limits and unknown providers.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Database.Path != "", "database.path is required")
	check(c.Blob.Dir != "", "blob.dir is required")
	check(c.Hot.MaxTokens > 0, "hot.max_tokens must be positive, got %d", c.Hot.MaxTokens)
	check(c.Hot.MaxMessages >= 2, "hot.max_messages must be at least 2, got %d", c.Hot.MaxMessages)
	check(c.Hot.TTL >= 0, "hot.ttl must not be negative")
	check(c.Warm.MaxEntries > 0, "warm.max_entries must be positive, got %d", c.Warm.MaxEntries)
	check(c.Warm.CacheMaxCost > 0, "warm.cache_max_cost must be positive, got %d", c.Warm.CacheMaxCost)
	check(c.Governance.SweepInterval > 0, "governance.sweep_interval must be positive")
	check(c.Governance.DefaultExpiry >= 0, "governance.default_expiry must not be negative")
	switch c.Summarizer.Provider {
	case ProviderAnthropic, ProviderExtractive, ProviderNone:
	default:
		errs = append(errs, fmt.Errorf("summarizer.provider %q is not one of anthropic, extractive, none", c.Summarizer.Provider))
	}
	check(c.Summarizer.Timeout > 0, "summarizer.timeout must be positive")
	check(c.Summarizer.MaxConcurrent > 0, "summarizer.max_concurrent must be positive, got %d", c.Summarizer.MaxConcurrent)
	check(c.Summarizer.RetryInterval > 0, "summarizer.retry_interval must be positive")
	check(c.Thread.AppendRetries >= 0, "thread.append_retries must not be negative")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
