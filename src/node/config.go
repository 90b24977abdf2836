package node

import (
	"time"
)

// Config holds the node-level settings. Durations are those of the
// background loops.
type Config struct {
	// Replication is the number of closest peers considered as members when
	// content is created.
	Replication int

	// SyncInterval is the period of the pull of every member content.
	SyncInterval time.Duration

	// RetrySweepInterval is the period of the outbox retry sweep.
	RetrySweepInterval time.Duration

	// CleanupInterval is the period of the outbox and inbox retention sweep.
	CleanupInterval time.Duration
}

// Defaults of Config.
const (
	DefaultReplication        = 3
	DefaultSyncInterval       = 30 * time.Second
	DefaultRetrySweepInterval = 10 * time.Second
	DefaultCleanupInterval    = time.Hour
)

// DefaultConfig ...
func DefaultConfig() *Config {
	return &Config{
		Replication:        DefaultReplication,
		SyncInterval:       DefaultSyncInterval,
		RetrySweepInterval: DefaultRetrySweepInterval,
		CleanupInterval:    DefaultCleanupInterval,
	}
}
