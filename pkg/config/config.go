// Package config loads and validates the swarm's runtime configuration:
// agents to supervise, mailstore location, lease/heartbeat/restart timing,
// and the projection/observability endpoints. Values are loaded from YAML
// with ${VAR}/${VAR:-default} environment expansion, mirroring the
// teacher's envexpand approach, then layered with CLI flags and defaults.
package config

import "time"

// SwarmConfig is the umbrella configuration object for the supervisor,
// worker runtime, and projection materializer.
type SwarmConfig struct {
	// Agents is the set of agent ids the supervisor spawns one worker
	// subprocess per. Order is preserved for deterministic startup.
	Agents []string `yaml:"agents"`

	// MailstoreDB is the path to the shared SQLite mailstore file.
	MailstoreDB string `yaml:"mailstore_db"`

	// Durable, when true, opens the mailstore with WAL + synchronous=full
	// (the spec default). Non-durable mode is for throwaway test runs.
	Durable bool `yaml:"durable"`

	// WorktreesRoot is the shared repository root beneath which each
	// worker's isolated workspace directory is provisioned.
	WorktreesRoot string `yaml:"worktrees_root"`

	// LeaseSeconds is the lease duration a worker requests on claim.
	LeaseSeconds int `yaml:"lease_seconds"`

	// MaxRetries is the per-event requeue budget before FAILED->DEAD.
	MaxRetries int `yaml:"max_retries"`

	// ClaimPollInterval is how often an idle worker retries claim().
	ClaimPollInterval time.Duration `yaml:"claim_poll_interval"`

	// ClaimPollJitter bounds the random offset (up to ±ClaimPollJitter)
	// applied to ClaimPollInterval.
	ClaimPollJitter time.Duration `yaml:"claim_poll_jitter"`

	// HeartbeatInterval (H) is the supervisor's heartbeat check cadence.
	// Workers heartbeat at <= H/2.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MissedHeartbeatThreshold is the number of missed heartbeats before
	// a worker is scheduled for restart.
	MissedHeartbeatThreshold int `yaml:"missed_heartbeat_threshold"`

	// RestartInitialBackoff, RestartBackoffFactor, RestartBackoffCap
	// parameterize the supervisor's bounded exponential restart backoff.
	RestartInitialBackoff time.Duration `yaml:"restart_initial_backoff"`
	RestartBackoffFactor  float64       `yaml:"restart_backoff_factor"`
	RestartBackoffCap     time.Duration `yaml:"restart_backoff_cap"`

	// MaxRestartsPerWindow and RestartWindow bound restarts per agent;
	// crossing the limit disables the worker until manual reset.
	MaxRestartsPerWindow int           `yaml:"max_restarts_per_window"`
	RestartWindow        time.Duration `yaml:"restart_window"`

	// GracefulShutdownTimeout bounds how long the supervisor waits for a
	// worker to exit on its own before force-killing it.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// DurationSeconds, when > 0, stops the supervisor after the given
	// wall-clock duration (used by run_swarm --duration-seconds).
	DurationSeconds int `yaml:"duration_seconds"`

	// ProjectionViewPath / ProjectionIndexPath are the atomically
	// published output files the projector writes.
	ProjectionViewPath  string `yaml:"projection_view_path"`
	ProjectionIndexPath string `yaml:"projection_index_path"`

	// ProjectionPollInterval is the projector's tick cadence.
	ProjectionPollInterval time.Duration `yaml:"projection_poll_interval"`

	// ProjectionBatchSize bounds how many events/audits are folded per tick.
	ProjectionBatchSize int `yaml:"projection_batch_size"`

	// LogPath is where JSONL logs are written; empty means stderr.
	LogPath string `yaml:"log_path"`
}

// Stats summarizes the loaded configuration for startup logging.
type Stats struct {
	AgentCount int
	Durable    bool
}

// Stats returns configuration statistics for logging/monitoring.
func (c *SwarmConfig) Stats() Stats {
	return Stats{AgentCount: len(c.Agents), Durable: c.Durable}
}
