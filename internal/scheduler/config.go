package scheduler

import (
	"time"
)

// Config controls how often background jobs run.
type Config struct {
	RunInterval time.Duration
	LeaseTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 5 * time.Minute,
		LeaseTTL:    4 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.LeaseTTL <= 0 || c.LeaseTTL > c.RunInterval {
		c.LeaseTTL = c.RunInterval * 4 / 5
	}
	return c
}
