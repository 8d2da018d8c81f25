package sweep

import "time"

// Config controls the unapplied credit reconciliation loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// Grace keeps the sweep away from events a live webhook delivery is
	// still settling.
	Grace      time.Duration
	RunTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		PollInterval: 30 * time.Second,
		Grace:        60 * time.Second,
		RunTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.Grace <= 0 {
		c.Grace = defaults.Grace
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}
