// Package config provides the configuration of the exprunner CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TFMV/exprunner/pkg/execution"
	"github.com/TFMV/exprunner/pkg/infrastructure/pool"
	"github.com/TFMV/exprunner/pkg/warehouse/athena"
	"github.com/TFMV/exprunner/pkg/warehouse/duckdb"
)

// Warehouse types.
const (
	WarehouseDuckDB = "duckdb"
	WarehouseAthena = "athena"
)

// Store types.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config represents the CLI configuration.
type Config struct {
	LogLevel        string        `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	Warehouse WarehouseConfig  `yaml:"warehouse" json:"warehouse" mapstructure:"warehouse"`
	Execution execution.Config `yaml:"execution" json:"execution" mapstructure:"execution"`
	Runner    RunnerConfig     `yaml:"runner" json:"runner" mapstructure:"runner"`
	Store     StoreConfig      `yaml:"store" json:"store" mapstructure:"store"`
	Cache     CacheConfig      `yaml:"cache" json:"cache" mapstructure:"cache"`
	Scheduler SchedulerConfig  `yaml:"scheduler" json:"scheduler" mapstructure:"scheduler"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
	Batching  BatchingConfig   `yaml:"batching" json:"batching" mapstructure:"batching"`

	// SavedFilters maps saved filter ids to SQL conditions.
	SavedFilters map[string]string `yaml:"saved_filters" json:"saved_filters" mapstructure:"saved_filters"`
}

// WarehouseConfig selects and configures the warehouse.
type WarehouseConfig struct {
	Type   string        `yaml:"type" json:"type" mapstructure:"type"`
	Pool   pool.Config   `yaml:"pool" json:"pool" mapstructure:"pool"`
	DuckDB duckdb.Config `yaml:"duckdb" json:"duckdb" mapstructure:"duckdb"`
	Athena athena.Config `yaml:"athena" json:"athena" mapstructure:"athena"`
	// MaxColumnsPerQuery overrides the warehouse column budget when positive.
	MaxColumnsPerQuery int `yaml:"max_columns_per_query" json:"max_columns_per_query" mapstructure:"max_columns_per_query"`
	// TransientPatterns replaces the default throttling patterns when set.
	TransientPatterns []string `yaml:"transient_patterns" json:"transient_patterns" mapstructure:"transient_patterns"`
}

// RunnerConfig bounds the load a run puts on the warehouse.
type RunnerConfig struct {
	Concurrency int     `yaml:"concurrency" json:"concurrency" mapstructure:"concurrency"`
	SubmitRate  float64 `yaml:"submit_rate" json:"submit_rate" mapstructure:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst" json:"submit_burst" mapstructure:"submit_burst"`
}

// StoreConfig selects where runs, cached results and leases live.
type StoreConfig struct {
	Type string `yaml:"type" json:"type" mapstructure:"type"`
	URL  string `yaml:"url" json:"-" mapstructure:"url"`
	// AutoMigrate applies pending migrations on startup.
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate" mapstructure:"auto_migrate"`
}

// CacheConfig configures result reuse and the entitlement cache.
type CacheConfig struct {
	// MaxAge bounds the age of reusable results.
	MaxAge time.Duration `yaml:"max_age" json:"max_age" mapstructure:"max_age"`
	// MinScore is the lowest match score served from cache. Zero means full coverage.
	MinScore float64 `yaml:"min_score" json:"min_score" mapstructure:"min_score"`
	// Retention is how long the in-memory store keeps results.
	Retention time.Duration `yaml:"retention" json:"retention" mapstructure:"retention"`
	Capacity  uint64        `yaml:"capacity" json:"capacity" mapstructure:"capacity"`
	// EntitlementTTL is how long batching entitlements are memoized.
	EntitlementTTL time.Duration `yaml:"entitlement_ttl" json:"entitlement_ttl" mapstructure:"entitlement_ttl"`
}

// SchedulerConfig configures recurring analyses.
type SchedulerConfig struct {
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl" mapstructure:"lease_ttl"`
	Owner    string        `yaml:"owner" json:"owner" mapstructure:"owner"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" json:"address" mapstructure:"address"`
	Path    string `yaml:"path" json:"path" mapstructure:"path"`
}

// BatchingConfig grants metric batching. An empty organization list grants everyone.
type BatchingConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Organizations []string `yaml:"organizations" json:"organizations" mapstructure:"organizations"`
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}

	switch c.Warehouse.Type {
	case WarehouseDuckDB:
		if c.Warehouse.DuckDB.Retention <= 0 {
			c.Warehouse.DuckDB.Retention = duckdb.DefaultConfig().Retention
		}
		if c.Warehouse.DuckDB.MaxColumnsPerQuery <= 0 {
			c.Warehouse.DuckDB.MaxColumnsPerQuery = duckdb.DefaultConfig().MaxColumnsPerQuery
		}
	case WarehouseAthena:
		if c.Warehouse.Athena.Region == "" {
			return fmt.Errorf("athena warehouse requires a region")
		}
		if c.Warehouse.Athena.Workgroup == "" && c.Warehouse.Athena.OutputLocation == "" {
			return fmt.Errorf("athena warehouse requires a workgroup or an output location")
		}
	default:
		return fmt.Errorf("unsupported warehouse type: %q", c.Warehouse.Type)
	}
	if c.Warehouse.MaxColumnsPerQuery < 0 {
		return fmt.Errorf("max_columns_per_query cannot be negative")
	}

	if err := c.Execution.Validate(); err != nil {
		return fmt.Errorf("execution: %w", err)
	}

	if c.Runner.Concurrency < 0 || c.Runner.SubmitRate < 0 {
		return fmt.Errorf("runner concurrency and submit rate cannot be negative")
	}

	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if c.Store.URL == "" {
			return fmt.Errorf("postgres store requires a url")
		}
	default:
		return fmt.Errorf("unsupported store type: %q", c.Store.Type)
	}

	if c.Cache.MinScore < 0 || c.Cache.MinScore > 1 {
		return fmt.Errorf("cache min_score must be between 0 and 1, got %v", c.Cache.MinScore)
	}
	if c.Cache.Retention <= 0 {
		c.Cache.Retention = 24 * time.Hour
	}
	if c.Cache.EntitlementTTL <= 0 {
		c.Cache.EntitlementTTL = 5 * time.Minute
	}
	if c.Scheduler.LeaseTTL <= 0 {
		c.Scheduler.LeaseTTL = 5 * time.Minute
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	return nil
}

// DefaultConfig returns a default configuration: an in-memory DuckDB warehouse and
// in-memory stores.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		Warehouse: WarehouseConfig{
			Type: WarehouseDuckDB,
			Pool: pool.Config{
				MaxOpenConnections: 8,
				MaxIdleConnections: 2,
				ConnMaxLifetime:    30 * time.Minute,
				ConnMaxIdleTime:    10 * time.Minute,
				HealthCheckPeriod:  time.Minute,
			},
			DuckDB: duckdb.DefaultConfig(),
		},
		Execution: execution.DefaultConfig(),
		Runner: RunnerConfig{
			Concurrency: 8,
		},
		Store: StoreConfig{
			Type: StoreMemory,
		},
		Cache: CacheConfig{
			MaxAge:         6 * time.Hour,
			Retention:      24 * time.Hour,
			Capacity:       10_000,
			EntitlementTTL: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			LeaseTTL: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
		Batching: BatchingConfig{
			Enabled: true,
		},
	}
}

// Load reads the optional config file, applies EXPRUNNER_ environment overrides and any
// values bound on v, then validates.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix("EXPRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKeys are readable from the environment without appearing in a config file.
var envKeys = []string{
	"log_level",
	"warehouse.type",
	"warehouse.pool.dsn",
	"warehouse.pool.motherduck_token",
	"warehouse.athena.region",
	"warehouse.athena.workgroup",
	"warehouse.athena.output_location",
	"warehouse.athena.access_key_id",
	"warehouse.athena.secret_access_key",
	"store.type",
	"store.url",
	"metrics.enabled",
	"metrics.address",
	"scheduler.owner",
}
