// Package scheduler polls for due automation jobs and executes them under
// crash-tolerant locks.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// TickSeconds is the polling interval.
	TickSeconds int `yaml:"tick_seconds"`
	// BatchSize is the maximum number of due jobs processed per tick.
	BatchSize int `yaml:"batch_size"`
	// LockTTLMinutes bounds how long a crashed worker can hold a lock.
	LockTTLMinutes int `yaml:"lock_ttl_minutes"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		TickSeconds:    30,
		BatchSize:      10,
		LockTTLMinutes: 5,
	}
}

// TickInterval returns the polling interval as a duration.
func (c *Config) TickInterval() time.Duration {
	if c.TickSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TickSeconds) * time.Second
}

// LockTTL returns the lock time-to-live as a duration.
func (c *Config) LockTTL() time.Duration {
	if c.LockTTLMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.LockTTLMinutes) * time.Minute
}
