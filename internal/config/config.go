// Package config loads and validates the HCL configuration. The loaded
// value is immutable: a HUP reload parses a fresh Config and the daemon
// swaps it in a controlled handoff; nothing mutates a live Config.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"holt.is/bulwark/internal/autonomy"
	"holt.is/bulwark/internal/brand"
)

// Config is the root configuration.
type Config struct {
	Backend    BackendConfig    `hcl:"backend,block"`
	Autonomy   *AutonomyConfig  `hcl:"autonomy,block"`
	Deploy     *DeployConfig    `hcl:"deploy,block"`
	Store      *StoreConfig     `hcl:"store,block"`
	Sources    []SourceConfig   `hcl:"source,block"`
	NeverBlock *NeverBlockBlock `hcl:"never_block,block"`
	Feeds      []FeedConfig     `hcl:"feed,block"`
	Log        *LogConfig       `hcl:"log,block"`
	Translator *TranslatorBlock `hcl:"translator,block"`
}

// BackendConfig selects and parameterizes the adapter.
type BackendConfig struct {
	Name    string            `hcl:"name"`
	Options map[string]string `hcl:"options,optional"`
}

// AutonomyConfig is the autonomous-response dial.
type AutonomyConfig struct {
	Level      string         `hcl:"level,optional"`
	MaxCIDR    int            `hcl:"max_cidr,optional"`
	RatePerMin int            `hcl:"rate_per_min,optional"`
	Breaker    *BreakerConfig `hcl:"breaker,block"`
}

// BreakerConfig bounds autonomous deployments per trailing window.
type BreakerConfig struct {
	Count  int    `hcl:"count,optional"`
	Window string `hcl:"window,optional"`
}

// DeployConfig tunes the deployment controller.
type DeployConfig struct {
	Heartbeat   *HeartbeatConfig `hcl:"heartbeat,block"`
	LockTimeout string           `hcl:"lock_timeout,optional"`
}

// HeartbeatConfig configures probation probing. An environment that cannot
// provide both probe legs must set disabled = true explicitly;
// otherwise deployments fail closed.
type HeartbeatConfig struct {
	Timeout        string `hcl:"timeout,optional"`
	Interval       string `hcl:"interval,optional"`
	LivenessTarget string `hcl:"liveness_target,optional"`
	InboundURL     string `hcl:"inbound_url,optional"`
	Disabled       bool   `hcl:"disabled,optional"`
}

// StoreConfig locates the state database and backups.
type StoreConfig struct {
	Path       string `hcl:"path,optional"`
	BackupDir  string `hcl:"backup_dir,optional"`
	RetainDays int    `hcl:"retain_days,optional"`
}

// SourceConfig enables one log source.
type SourceConfig struct {
	Name    string `hcl:"name,label"`
	Enabled bool   `hcl:"enabled,optional"`
	Path    string `hcl:"path,optional"`
	Parser  string `hcl:"parser,optional"`
	Budget  int    `hcl:"budget,optional"`
}

// NeverBlockBlock holds the protected subjects.
type NeverBlockBlock struct {
	Entries             []string `hcl:"entries,optional"`
	ManagementDiscovery bool     `hcl:"management_discovery,optional"`
	ManagementIfaces    []string `hcl:"management_interfaces,optional"`
}

// FeedConfig polls one threat feed.
type FeedConfig struct {
	Name     string `hcl:"name,label"`
	URL      string `hcl:"url"`
	Interval string `hcl:"interval,optional"`
	AgeMax   string `hcl:"age_max,optional"`
	Format   string `hcl:"format,optional"` // text, csv, json
}

// LogConfig adjusts logging.
type LogConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

// TranslatorBlock points at the external inference endpoint used to turn
// operator text into draft rules. Optional: without it, propose accepts
// structured rules only.
type TranslatorBlock struct {
	URL     string `hcl:"url"`
	Timeout string `hcl:"timeout,optional"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{Name: "nftables"},
		Autonomy: &AutonomyConfig{
			Level:      string(autonomy.LevelMonitor),
			MaxCIDR:    24,
			RatePerMin: 10,
			Breaker:    &BreakerConfig{Count: 5, Window: "10m"},
		},
		Deploy: &DeployConfig{
			Heartbeat:   &HeartbeatConfig{Timeout: "60s", Interval: "5s"},
			LockTimeout: "30s",
		},
		Store: &StoreConfig{
			Path:       filepath.Join(brand.DefaultStateDir, "state.db"),
			BackupDir:  filepath.Join(brand.DefaultStateDir, "backups"),
			RetainDays: 30,
		},
		NeverBlock: &NeverBlockBlock{ManagementDiscovery: true},
	}
}

// Duration parses an HCL duration field with a fallback.
func Duration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
