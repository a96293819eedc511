package supervisor

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/swarmforge/pkg/config"
	"github.com/swarmforge/swarmforge/pkg/mailstore"
)

func newTestStore(t *testing.T) *mailstore.Store {
	t.Helper()
	store, err := mailstore.Open(context.Background(), filepath.Join(t.TempDir(), "mailstore.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPruneWindowDropsExpiredEntries(t *testing.T) {
	now := time.Now()
	restarts := []time.Time{now.Add(-10 * time.Minute), now.Add(-1 * time.Second)}
	kept := pruneWindow(restarts, now, 5*time.Minute)
	require.Len(t, kept, 1)
	assert.Equal(t, restarts[1], kept[0])
}

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	s := &Supervisor{cfg: &config.SwarmConfig{
		RestartInitialBackoff: time.Second,
		RestartBackoffFactor:  2.0,
		RestartBackoffCap:     4 * time.Second,
	}}
	ws := &workerState{}

	first := s.nextBackoff(ws)
	second := s.nextBackoff(ws)
	third := s.nextBackoff(ws)
	fourth := s.nextBackoff(ws)

	assert.Equal(t, time.Second, first)
	assert.Equal(t, 2*time.Second, second)
	assert.Equal(t, 4*time.Second, third)
	assert.Equal(t, 4*time.Second, fourth) // capped
}

// sleepBinaryPath returns a real executable path so Supervisor can
// exercise actual process spawn/signal/wait semantics without
// depending on a built copy of this module's own binary.
func sleepBinaryPath(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep binary not available in test environment")
	}
	return path
}

func TestStartEmitsSupervisorStartAndWorkerStarted(t *testing.T) {
	store := newTestStore(t)
	sleepPath := sleepBinaryPath(t)

	cfg := &config.SwarmConfig{
		HeartbeatInterval:        20 * time.Millisecond,
		MissedHeartbeatThreshold: 100, // disable the check loop's restart path during this test
		RestartInitialBackoff:   time.Millisecond,
		RestartBackoffFactor:    2.0,
		RestartBackoffCap:       time.Second,
		MaxRestartsPerWindow:    5,
		RestartWindow:           time.Minute,
		GracefulShutdownTimeout: time.Second,
	}

	sup := New(store, cfg, sleepPath, func(agentID string) []string { return []string{"30"} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		// Simulate the worker's own heartbeat emission so Start's
		// await-initial-heartbeat step does not block on the real
		// worker loop (we're running `sleep`, not this module's binary).
		time.Sleep(10 * time.Millisecond)
		agentID := "agent-a"
		_, _ = store.Publish(ctx, "WORKER_HEARTBEAT", "agent-a-worker-0", nil, &agentID, nil)
	}()

	err := sup.Start(ctx, []string{"agent-a"})
	require.NoError(t, err)

	rows, err := store.ListEvents(context.Background(), 0, 10)
	require.NoError(t, err)

	var sawStart, sawWorkerStarted bool
	for _, ev := range rows {
		switch ev.Type {
		case "SUPERVISOR_START":
			sawStart = true
		case "WORKER_STARTED":
			sawWorkerStarted = true
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawWorkerStarted)

	// Shutdown waits for the heartbeat check loop, which stops when the
	// context passed to Start is cancelled (run_swarm does the same).
	cancel()
	require.NoError(t, sup.Shutdown(context.Background()))

	rows, err = store.ListEvents(context.Background(), 0, 100)
	require.NoError(t, err)
	var sawStop bool
	for _, ev := range rows {
		if ev.Type == "SUPERVISOR_STOP" {
			sawStop = true
		}
	}
	assert.True(t, sawStop)
}
