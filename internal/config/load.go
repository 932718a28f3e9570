package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"

	"holt.is/bulwark/internal/autonomy"
	"holt.is/bulwark/internal/brand"
	"holt.is/bulwark/internal/validation"
)

// Load reads and validates a configuration file. Unknown keys are
// decode errors: the configuration surface is closed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// evalContext exposes the installation paths to config expressions, so
// a file can say `path = "${state_dir}/state.db"` instead of repeating
// absolute paths.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"state_dir":  cty.StringVal(brand.DefaultStateDir),
			"config_dir": cty.StringVal(brand.DefaultConfigDir),
			"run_dir":    cty.StringVal(brand.DefaultRunDir),
		},
	}
}

// Parse decodes configuration bytes, merging defaults for absent blocks.
func Parse(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Backend.Name == "" {
		cfg.Backend.Name = def.Backend.Name
	}
	if cfg.Autonomy == nil {
		cfg.Autonomy = def.Autonomy
	}
	if cfg.Autonomy.Level == "" {
		cfg.Autonomy.Level = def.Autonomy.Level
	}
	if cfg.Autonomy.MaxCIDR == 0 {
		cfg.Autonomy.MaxCIDR = def.Autonomy.MaxCIDR
	}
	if cfg.Autonomy.RatePerMin == 0 {
		cfg.Autonomy.RatePerMin = def.Autonomy.RatePerMin
	}
	if cfg.Autonomy.Breaker == nil {
		cfg.Autonomy.Breaker = def.Autonomy.Breaker
	}
	if cfg.Deploy == nil {
		cfg.Deploy = def.Deploy
	}
	if cfg.Deploy.Heartbeat == nil {
		cfg.Deploy.Heartbeat = def.Deploy.Heartbeat
	}
	if cfg.Store == nil {
		cfg.Store = def.Store
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Store.BackupDir == "" {
		cfg.Store.BackupDir = def.Store.BackupDir
	}
	if cfg.Store.RetainDays == 0 {
		cfg.Store.RetainDays = def.Store.RetainDays
	}
	if cfg.NeverBlock == nil {
		cfg.NeverBlock = def.NeverBlock
	}
}

// Validate cross-checks field values. Structural errors (unknown keys,
// wrong types) were already caught by the decoder.
func (c *Config) Validate() error {
	if c.Backend.Name == "" {
		return fmt.Errorf("backend.name is required")
	}
	if _, err := autonomy.ParseLevel(c.Autonomy.Level); err != nil {
		return err
	}
	if c.Autonomy.MaxCIDR < 8 || c.Autonomy.MaxCIDR > 32 {
		return fmt.Errorf("autonomy.max_cidr %d out of range 8..32", c.Autonomy.MaxCIDR)
	}
	for _, field := range []struct{ name, val string }{
		{"autonomy.breaker.window", c.Autonomy.Breaker.Window},
		{"deploy.heartbeat.timeout", c.Deploy.Heartbeat.Timeout},
		{"deploy.heartbeat.interval", c.Deploy.Heartbeat.Interval},
		{"deploy.lock_timeout", c.Deploy.LockTimeout},
	} {
		if _, err := Duration(field.val, 0); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	seen := make(map[string]bool)
	for _, s := range c.Sources {
		if seen[s.Name] {
			return fmt.Errorf("duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		if s.Enabled && s.Parser == "" {
			return fmt.Errorf("source %q: parser is required", s.Name)
		}
	}
	for _, f := range c.Feeds {
		if f.URL == "" {
			return fmt.Errorf("feed %q: url is required", f.Name)
		}
		if _, err := Duration(f.Interval, 0); err != nil {
			return fmt.Errorf("feed %q interval: %w", f.Name, err)
		}
		if _, err := Duration(f.AgeMax, 0); err != nil {
			return fmt.Errorf("feed %q age_max: %w", f.Name, err)
		}
	}
	if c.NeverBlock != nil {
		for _, e := range c.NeverBlock.Entries {
			if e == "" {
				return fmt.Errorf("never_block.entries contains an empty entry")
			}
		}
		for _, i := range c.NeverBlock.ManagementIfaces {
			if err := validation.InterfaceName(i); err != nil {
				return err
			}
		}
	}
	return nil
}
