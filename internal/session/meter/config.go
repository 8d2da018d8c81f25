package meter

import "time"

// Config holds the countdown policy for a metered session.
type Config struct {
	// TickInterval is how often the live counter is re-evaluated.
	TickInterval time.Duration
	// CheckpointInterval bounds how much unreconciled time a crash can lose.
	CheckpointInterval time.Duration
	// WarningThreshold is the remaining-time mark at which the low-balance
	// warning fires.
	WarningThreshold time.Duration
	// HeartbeatGrace is how long a session survives without heartbeats
	// before it is treated as abandoned.
	HeartbeatGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Second,
		CheckpointInterval: 60 * time.Second,
		WarningThreshold:   180 * time.Second,
		HeartbeatGrace:     90 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaults.CheckpointInterval
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = defaults.WarningThreshold
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = defaults.HeartbeatGrace
	}
	return c
}
