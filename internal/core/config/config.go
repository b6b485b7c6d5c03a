// Package config loads application configuration from defaults, a YAML file
// and PREAGG_-prefixed environment variables, then resolves the table spec
// files that drive aggregator construction.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level application config plus resolved table specs.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Binlog      BinlogConfig      `koanf:"binlog"`
	Aggregation AggregationConfig `koanf:"aggregation"`

	// SpecLoading is populated by Load after parsing spec files.
	SpecLoading SpecLoadingConfig `koanf:"-"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"` // memory | postgres
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type BinlogConfig struct {
	Path          string `koanf:"path"`
	SegmentSizeMB int    `koanf:"segment_size_mb"`
	NotifyOnPut   bool   `koanf:"notify_on_put"`
}

type AggregationConfig struct {
	SpecDir      string `koanf:"spec_dir"`
	RequireSpecs bool   `koanf:"require_specs"`
	// FlushConcurrency bounds parallel bucket flushes during shutdown.
	FlushConcurrency int `koanf:"flush_concurrency"`
}

type SpecLoadingConfig struct {
	SpecDir string
	Specs   []TableSpec
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	switch c.Database.Type {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be > 0")
		}
		if c.Database.MaxIdleConns <= 0 {
			return fmt.Errorf("database.max_idle_conns must be > 0")
		}
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if strings.TrimSpace(c.Binlog.Path) == "" {
		return fmt.Errorf("binlog.path is required")
	}
	if c.Binlog.SegmentSizeMB <= 0 {
		return fmt.Errorf("binlog.segment_size_mb must be > 0")
	}

	if strings.TrimSpace(c.Aggregation.SpecDir) == "" {
		return fmt.Errorf("aggregation.spec_dir is required")
	}
	if c.Aggregation.FlushConcurrency <= 0 {
		return fmt.Errorf("aggregation.flush_concurrency must be > 0")
	}
	return nil
}

// Load parses config from file + env, validates it, then loads and validates
// table specs.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                   8080,
		"server.host":                   "0.0.0.0",
		"server.mode":                   "release",
		"database.type":                 "memory",
		"database.dsn":                  "",
		"database.max_open_conns":       25,
		"database.max_idle_conns":       25,
		"database.auto_migrate":         true,
		"binlog.path":                   "./binlog",
		"binlog.segment_size_mb":        128,
		"binlog.notify_on_put":          false,
		"aggregation.spec_dir":          "./config/specs",
		"aggregation.require_specs":     true,
		"aggregation.flush_concurrency": 8,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("PREAGG_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PREAGG_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	specs, err := LoadTableSpecs(cfg.Aggregation.SpecDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load table specs: %w", err)
	}
	if cfg.Aggregation.RequireSpecs && len(specs) == 0 {
		return nil, fmt.Errorf("no table specs found in %q", cfg.Aggregation.SpecDir)
	}

	cfg.SpecLoading = SpecLoadingConfig{
		SpecDir: cfg.Aggregation.SpecDir,
		Specs:   specs,
	}
	return &cfg, nil
}
