// Package scheduler runs the periodic dispatch loop.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// Interval is the time between dispatch rounds.
	Interval time.Duration `yaml:"interval"`
	// PurgeEvery runs housekeeping once every this many rounds.
	PurgeEvery int `yaml:"purge_every"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:   time.Second,
		PurgeEvery: 10,
	}
}

func (c *Config) withDefaults() *Config {
	out := *DefaultConfig()
	if c == nil {
		return &out
	}
	if c.Interval > 0 {
		out.Interval = c.Interval
	}
	if c.PurgeEvery > 0 {
		out.PurgeEvery = c.PurgeEvery
	}
	return &out
}
