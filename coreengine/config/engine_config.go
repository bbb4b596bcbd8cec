// Package config provides engine configuration loading and validation.
//
// Configuration is layered:
//   - Defaults (DefaultEngineConfig)
//   - YAML file (LoadFile)
//   - Environment overrides (ApplyEnv, JANITOR_* variables)
//
// Rule sets are declared in YAML, or enabled from the built-in presets, and
// converted to sweep.RuleSet values with ToRuleSets. Named caches beyond the
// default one are declared under caches.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/janitor/coreengine/cache"
	"github.com/jeeves-cluster-organization/janitor/coreengine/kernel"
	"github.com/jeeves-cluster-organization/janitor/coreengine/sweep"
)

// EngineConfig holds all configuration for the cleanup engine daemon.
type EngineConfig struct {
	Scheduler kernel.CleanupConfig    `yaml:"scheduler" json:"scheduler"`
	Registry  kernel.RegistryConfig   `yaml:"registry" json:"registry"`
	Cache     cache.Config            `yaml:"cache" json:"cache"`
	Caches    map[string]cache.Config `yaml:"caches" json:"caches,omitempty"`
	Sweep     SweepConfig             `yaml:"sweep" json:"sweep"`
	Server    ServerConfig            `yaml:"server" json:"server"`
	Logging   LoggingConfig           `yaml:"logging" json:"logging"`
}

// SweepConfig holds filesystem sweep configuration.
type SweepConfig struct {
	// QuarantineDir is the default destination for move rules.
	QuarantineDir string          `yaml:"quarantine_dir" json:"quarantine_dir"`
	RuleSets      []sweep.RuleSet `yaml:"rule_sets" json:"rule_sets"`
	Presets       []PresetConfig  `yaml:"presets" json:"presets,omitempty"`
}

// PresetConfig enables a built-in rule set (see sweep.Preset). In YAML it
// is either a bare preset name or a mapping:
//
//	presets:
//	  - temp
//	  - name: logs
//	    root: /var/log/myapp
//	    max_age: 72h
type PresetConfig struct {
	Name   string        `yaml:"name" json:"name"`
	Root   string        `yaml:"root" json:"root,omitempty"`
	MaxAge time.Duration `yaml:"max_age" json:"max_age,omitempty"`
	DryRun bool          `yaml:"dry_run" json:"dry_run,omitempty"`
}

// UnmarshalYAML accepts a scalar preset name or the full mapping.
func (p *PresetConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*p = PresetConfig{Name: node.Value}
		return nil
	}
	type plain PresetConfig
	var v plain
	if err := node.Decode(&v); err != nil {
		return err
	}
	*p = PresetConfig(v)
	return nil
}

// ServerConfig holds listener addresses. An empty address disables the listener.
type ServerConfig struct {
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	HealthAddr   string `yaml:"health_addr" json:"health_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultEngineConfig returns an EngineConfig with default values.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Scheduler: kernel.DefaultCleanupConfig(),
		Registry:  kernel.DefaultRegistryConfig(),
		Cache:     cache.DefaultConfig(),
		Server: ServerConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":50051",
			ServiceName: "janitor",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFile reads a YAML configuration file over the defaults.
// An empty path returns the defaults.
func LoadFile(path string) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path, applies environment overrides, and validates the result.
func Load(path string) (*EngineConfig, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto c. Unknown keys are rejected.
func (c *EngineConfig) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// Environment variables read by ApplyEnv.
const (
	EnvInterval      = "JANITOR_INTERVAL"
	EnvCacheCapacity = "JANITOR_CACHE_CAPACITY"
	EnvCacheTTL      = "JANITOR_CACHE_TTL"
	EnvDryRun        = "JANITOR_DRY_RUN"
	EnvHistoryLimit  = "JANITOR_HISTORY_LIMIT"
	EnvMetricsAddr   = "JANITOR_METRICS_ADDR"
	EnvHealthAddr    = "JANITOR_HEALTH_ADDR"
	EnvOTLPEndpoint  = "JANITOR_OTLP_ENDPOINT"
)

// ApplyEnv overrides fields from JANITOR_* environment variables.
// JANITOR_DRY_RUN applies to every rule set. A malformed value is an error.
func (c *EngineConfig) ApplyEnv() error {
	if v, ok := lookup(EnvInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError(EnvInterval, v, err)
		}
		c.Scheduler.Interval = d
	}
	if v, ok := lookup(EnvCacheCapacity); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return envError(EnvCacheCapacity, v, err)
		}
		c.Cache.Capacity = n
	}
	if v, ok := lookup(EnvCacheTTL); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError(EnvCacheTTL, v, err)
		}
		c.Cache.DefaultTTL = d
	}
	if v, ok := lookup(EnvDryRun); ok {
		dry, err := strconv.ParseBool(v)
		if err != nil {
			return envError(EnvDryRun, v, err)
		}
		c.SetDryRun(dry)
	}
	if v, ok := lookup(EnvHistoryLimit); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError(EnvHistoryLimit, v, err)
		}
		c.Scheduler.HistoryLimit = n
	}
	// Addresses may be set empty to disable a listener
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		c.Server.MetricsAddr = v
	}
	if v, ok := os.LookupEnv(EnvHealthAddr); ok {
		c.Server.HealthAddr = v
	}
	if v, ok := os.LookupEnv(EnvOTLPEndpoint); ok {
		c.Server.OTLPEndpoint = v
	}
	return nil
}

// lookup returns a non-empty environment value.
func lookup(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func envError(key, value string, err error) error {
	return fmt.Errorf("invalid %s=%q: %w", key, value, err)
}

// =============================================================================
// VALIDATION
// =============================================================================

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "text"}
)

// Validate checks the configuration. Zero durations and limits are allowed
// and fall back to defaults downstream; negative values are rejected.
func (c *EngineConfig) Validate() error {
	s := c.Scheduler
	if s.Interval < 0 || s.ShutdownGrace < 0 || s.ProcessRetention < 0 {
		return fmt.Errorf("scheduler durations must not be negative")
	}
	if s.HistoryLimit < 0 {
		return fmt.Errorf("invalid history limit: %d", s.HistoryLimit)
	}
	if s.EscalateAfter < 0 {
		return fmt.Errorf("invalid escalate_after: %d", s.EscalateAfter)
	}

	r := c.Registry
	if r.DefaultTimeout < 0 || r.PollInterval < 0 || r.ForceWait < 0 {
		return fmt.Errorf("registry durations must not be negative")
	}

	if c.Cache.Capacity < 0 {
		return fmt.Errorf("invalid cache capacity: %d", c.Cache.Capacity)
	}
	if c.Cache.DefaultTTL < 0 {
		return fmt.Errorf("invalid cache ttl: %s", c.Cache.DefaultTTL)
	}
	for name, cc := range c.Caches {
		if name == "" || name == cache.DefaultName {
			return fmt.Errorf("invalid cache name %q", name)
		}
		if cc.Capacity < 0 || cc.DefaultTTL < 0 {
			return fmt.Errorf("cache %s: limits must not be negative", name)
		}
	}

	if !contains(validLogLevels, c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if !contains(validLogFormats, c.Logging.Format) {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	sets, err := c.ToRuleSets()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(sets))
	for _, rs := range sets {
		if rs.Name == "" {
			return fmt.Errorf("rule set for root %q: name is required", rs.Root)
		}
		if _, dup := seen[rs.Name]; dup {
			return fmt.Errorf("rule set %q: duplicate name", rs.Name)
		}
		seen[rs.Name] = struct{}{}
		if err := rs.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToRuleSets returns copies of the configured rule sets followed by the
// enabled presets, with the default quarantine directory filled in.
func (c *EngineConfig) ToRuleSets() ([]sweep.RuleSet, error) {
	out := make([]sweep.RuleSet, 0, len(c.Sweep.RuleSets)+len(c.Sweep.Presets))
	for _, rs := range c.Sweep.RuleSets {
		rs.Rules = append([]sweep.Rule(nil), rs.Rules...)
		out = append(out, rs)
	}
	for _, p := range c.Sweep.Presets {
		rs, err := sweep.Preset(p.Name, p.Root, p.MaxAge)
		if err != nil {
			return nil, err
		}
		rs.DryRun = p.DryRun
		out = append(out, rs)
	}
	for i := range out {
		if out[i].QuarantineDir == "" {
			out[i].QuarantineDir = c.Sweep.QuarantineDir
		}
	}
	return out, nil
}

// SetDryRun sets the dry-run flag of every rule set and preset.
func (c *EngineConfig) SetDryRun(dryRun bool) {
	for i := range c.Sweep.RuleSets {
		c.Sweep.RuleSets[i].DryRun = dryRun
	}
	for i := range c.Sweep.Presets {
		c.Sweep.Presets[i].DryRun = dryRun
	}
}

// NewCaches builds the cache manager: the default cache plus every named
// cache, each with its own limits.
func (c *EngineConfig) NewCaches(logger cache.Logger) (*cache.Manager, error) {
	m := cache.NewManager(logger)
	if err := m.Register(cache.DefaultName, cache.NewStore(&c.Cache, logger)); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.Caches))
	for name := range c.Caches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cc := c.Caches[name]
		if err := m.Register(name, cache.NewStore(&cc, logger)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
