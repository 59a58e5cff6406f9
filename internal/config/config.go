// Package config holds the engine's tunable settings and their YAML
// loading. Every field has a working default; an absent file or an empty
// document yields a fully usable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Engine           EngineConfig     `yaml:"engine"`
	Trace            TraceConfig      `yaml:"trace"`
	EventStore       EventStoreConfig `yaml:"eventStore"`
	BackwardChaining ChainingConfig   `yaml:"backwardChaining"`
	HotReload        HotReloadConfig  `yaml:"hotReload"`
	Persistence      PersistConfig    `yaml:"persistence"`
	Logging          LoggingConfig    `yaml:"logging"`
}

type EngineConfig struct {
	Name string `yaml:"name"`
}

type TraceConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"maxEntries"`
}

type EventStoreConfig struct {
	MaxEvents int `yaml:"maxEvents"`
}

type ChainingConfig struct {
	MaxDepth         int `yaml:"maxDepth"`
	MaxExploredRules int `yaml:"maxExploredRules"`
}

type HotReloadConfig struct {
	IntervalMs          int      `yaml:"intervalMs"`
	AtomicReload        bool     `yaml:"atomicReload"`
	ValidateBeforeApply bool     `yaml:"validateBeforeApply"`
	RulePaths           []string `yaml:"rulePaths"`
}

// PersistConfig selects the rule persistence adapter. Driver is "none",
// "memory", or "sqlite"; Path applies to sqlite.
type PersistConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration with every field at its default.
func Default() Config {
	return Config{
		Engine:           EngineConfig{Name: "noex-rules"},
		Trace:            TraceConfig{Enabled: false, MaxEntries: 10000},
		EventStore:       EventStoreConfig{MaxEvents: 10000},
		BackwardChaining: ChainingConfig{MaxDepth: 10, MaxExploredRules: 100},
		HotReload: HotReloadConfig{
			IntervalMs:          5000,
			AtomicReload:        true,
			ValidateBeforeApply: true,
		},
		Persistence: PersistConfig{Driver: "none"},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; explicit false values in the file are honored.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	// Decode into a raw map first so absent keys keep their defaults
	// while present keys, including explicit false, always win.
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg, doc)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for keys the document never set. YAML
// decoding zeroes absent bools and ints inside present sections, so the
// raw document decides whether a zero was written or implied.
func applyDefaults(cfg *Config, doc map[string]any) {
	def := Default()
	if !hasKey(doc, "engine", "name") && cfg.Engine.Name == "" {
		cfg.Engine.Name = def.Engine.Name
	}
	if !hasKey(doc, "trace", "maxEntries") && cfg.Trace.MaxEntries == 0 {
		cfg.Trace.MaxEntries = def.Trace.MaxEntries
	}
	if !hasKey(doc, "eventStore", "maxEvents") && cfg.EventStore.MaxEvents == 0 {
		cfg.EventStore.MaxEvents = def.EventStore.MaxEvents
	}
	if !hasKey(doc, "backwardChaining", "maxDepth") && cfg.BackwardChaining.MaxDepth == 0 {
		cfg.BackwardChaining.MaxDepth = def.BackwardChaining.MaxDepth
	}
	if !hasKey(doc, "backwardChaining", "maxExploredRules") && cfg.BackwardChaining.MaxExploredRules == 0 {
		cfg.BackwardChaining.MaxExploredRules = def.BackwardChaining.MaxExploredRules
	}
	if !hasKey(doc, "hotReload", "intervalMs") && cfg.HotReload.IntervalMs == 0 {
		cfg.HotReload.IntervalMs = def.HotReload.IntervalMs
	}
	if !hasKey(doc, "hotReload", "atomicReload") {
		cfg.HotReload.AtomicReload = def.HotReload.AtomicReload
	}
	if !hasKey(doc, "hotReload", "validateBeforeApply") {
		cfg.HotReload.ValidateBeforeApply = def.HotReload.ValidateBeforeApply
	}
	if !hasKey(doc, "persistence", "driver") && cfg.Persistence.Driver == "" {
		cfg.Persistence.Driver = def.Persistence.Driver
	}
	if !hasKey(doc, "logging", "level") && cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if !hasKey(doc, "logging", "format") && cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}

func hasKey(doc map[string]any, section, key string) bool {
	sec, ok := doc[section].(map[string]any)
	if !ok {
		return false
	}
	_, ok = sec[key]
	return ok
}

// Validate rejects values that would misconfigure the engine.
func (c Config) Validate() error {
	if c.Engine.Name == "" {
		return fmt.Errorf("engine.name must not be empty")
	}
	if c.Trace.MaxEntries <= 0 {
		return fmt.Errorf("trace.maxEntries must be positive, got %d", c.Trace.MaxEntries)
	}
	if c.EventStore.MaxEvents <= 0 {
		return fmt.Errorf("eventStore.maxEvents must be positive, got %d", c.EventStore.MaxEvents)
	}
	if c.BackwardChaining.MaxDepth < 0 {
		return fmt.Errorf("backwardChaining.maxDepth must not be negative, got %d", c.BackwardChaining.MaxDepth)
	}
	if c.BackwardChaining.MaxExploredRules <= 0 {
		return fmt.Errorf("backwardChaining.maxExploredRules must be positive, got %d", c.BackwardChaining.MaxExploredRules)
	}
	if c.HotReload.IntervalMs <= 0 {
		return fmt.Errorf("hotReload.intervalMs must be positive, got %d", c.HotReload.IntervalMs)
	}
	switch c.Persistence.Driver {
	case "none", "memory", "sqlite":
	default:
		return fmt.Errorf("persistence.driver must be none, memory, or sqlite, got %q", c.Persistence.Driver)
	}
	if c.Persistence.Driver == "sqlite" && c.Persistence.Path == "" {
		return fmt.Errorf("persistence.path is required for the sqlite driver")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ReloadInterval converts the configured interval to a duration.
func (c Config) ReloadInterval() time.Duration {
	return time.Duration(c.HotReload.IntervalMs) * time.Millisecond
}
