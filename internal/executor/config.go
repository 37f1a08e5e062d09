package executor

import (
	"fmt"
	"time"
)

// Config controls the scheduling loop.
type Config struct {
	// MaxInFlight is the global budget of concurrently running tasks.
	MaxInFlight int `mapstructure:"max_in_flight"`
	// DefaultTimeout applies to tasks that declare no timeout. Zero means none.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// TickInterval is the fallback wake-up period of the loop.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// Backoff delays a failed task before it becomes ready again.
	Backoff BackoffConfig `mapstructure:"backoff"`
	// FailUnservable fails ready tasks whose capability no registered worker
	// serves once nothing else can make progress. When false they wait for a
	// worker to be registered.
	FailUnservable bool `mapstructure:"fail_unservable"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    4,
		DefaultTimeout: 10 * time.Minute,
		TickInterval:   time.Second,
		Backoff: BackoffConfig{
			Strategy:   "exponential",
			Base:       time.Second,
			Multiplier: 2,
			Max:        time.Minute,
		},
		FailUnservable: true,
	}
}

// Validate checks the configuration and clamps values into range.
func (c *Config) Validate() error {
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max in-flight must be at least 1, got %d", c.MaxInFlight)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout must not be negative, got %s", c.DefaultTimeout)
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if _, err := c.Backoff.Build(); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	return nil
}
