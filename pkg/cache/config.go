package cache

import (
	"time"
)

// Config holds the configuration for a cache service
type Config struct {
	// TTL is the time-to-live for cache entries
	TTL time.Duration `yaml:"ttl" json:"ttl" mapstructure:"ttl"`
	// Capacity bounds the number of entries, zero means unbounded
	Capacity uint64 `yaml:"capacity" json:"capacity" mapstructure:"capacity"`
	// EnableStats enables cache statistics collection
	EnableStats bool `yaml:"enable_stats" json:"enable_stats" mapstructure:"enable_stats"`
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() *Config {
	return &Config{
		TTL:         5 * time.Minute,
		Capacity:    10_000,
		EnableStats: true,
	}
}

// WithTTL sets the time-to-live for cache entries
func (c *Config) WithTTL(ttl time.Duration) *Config {
	c.TTL = ttl
	return c
}

// WithCapacity sets the maximum number of entries
func (c *Config) WithCapacity(capacity uint64) *Config {
	c.Capacity = capacity
	return c
}

// WithStats enables or disables cache statistics
func (c *Config) WithStats(enable bool) *Config {
	c.EnableStats = enable
	return c
}
