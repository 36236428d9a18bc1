// Package execution supervises a single warehouse query from submission to a terminal
// outcome: polling with geometric backoff, tolerating transient throttling for a bounded
// window, and cancelling remotely on timeout or caller cancellation.
package execution

import (
	"fmt"
	"math"
	"time"
)

// Config holds the polling parameters.
type Config struct {
	// BaseDelay is the wait before the first poll.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" mapstructure:"base_delay"`
	// Growth multiplies the delay after every poll.
	Growth float64 `yaml:"growth" json:"growth" mapstructure:"growth"`
	// MaxIterations bounds the number of polls before the query is cancelled.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations" mapstructure:"max_iterations"`
	// RecoveryWindow is how long a throttled query may stay failed before the failure is final.
	RecoveryWindow time.Duration `yaml:"recovery_window" json:"recovery_window" mapstructure:"recovery_window"`
	// MaxQueryLength overrides the warehouse limit when positive.
	MaxQueryLength int `yaml:"max_query_length" json:"max_query_length" mapstructure:"max_query_length"`
	// CancelTimeout bounds the remote cancel call.
	CancelTimeout time.Duration `yaml:"cancel_timeout" json:"cancel_timeout" mapstructure:"cancel_timeout"`
}

// DefaultConfig returns 62 polls starting at 480ms and growing by 10%, which waits
// about 29.4 minutes in total.
func DefaultConfig() Config {
	return Config{
		BaseDelay:      480 * time.Millisecond,
		Growth:         1.1,
		MaxIterations:  62,
		RecoveryWindow: 60 * time.Second,
		CancelTimeout:  30 * time.Second,
	}
}

// Validate fills zero values with defaults and rejects nonsensical settings.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.Growth == 0 {
		c.Growth = def.Growth
	}
	if c.Growth < 1 {
		return fmt.Errorf("growth must be at least 1, got %v", c.Growth)
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.RecoveryWindow < 0 {
		return fmt.Errorf("recovery window cannot be negative")
	}
	if c.RecoveryWindow == 0 {
		c.RecoveryWindow = def.RecoveryWindow
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = def.CancelTimeout
	}
	return nil
}

// Delay returns the wait before poll number i (zero based).
func (c Config) Delay(i int) time.Duration {
	return time.Duration(float64(c.BaseDelay) * math.Pow(c.Growth, float64(i)))
}

// Budget returns the total time spent waiting when every poll is used.
func (c Config) Budget() time.Duration {
	var total time.Duration
	for i := 0; i < c.MaxIterations; i++ {
		total += c.Delay(i)
	}
	return total
}
