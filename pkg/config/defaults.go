package config

import "time"

// DefaultSwarmConfig returns the built-in defaults. CLI flags and a YAML
// file (if present) override these field by field.
func DefaultSwarmConfig() *SwarmConfig {
	return &SwarmConfig{
		MailstoreDB:              "swarm.db",
		Durable:                  true,
		WorktreesRoot:            "workspaces",
		LeaseSeconds:             60,
		MaxRetries:               3,
		ClaimPollInterval:        1 * time.Second,
		ClaimPollJitter:          250 * time.Millisecond,
		HeartbeatInterval:        10 * time.Second,
		MissedHeartbeatThreshold: 2,
		RestartInitialBackoff:    1 * time.Second,
		RestartBackoffFactor:     2.0,
		RestartBackoffCap:        30 * time.Second,
		MaxRestartsPerWindow:     5,
		RestartWindow:            5 * time.Minute,
		GracefulShutdownTimeout:  15 * time.Second,
		ProjectionViewPath:       "view.json",
		ProjectionIndexPath:      "index.json",
		ProjectionPollInterval:   1 * time.Second,
		ProjectionBatchSize:      500,
	}
}
