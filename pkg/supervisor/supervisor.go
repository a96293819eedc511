// Package supervisor spawns, monitors, and restarts worker subprocesses
// with bounded backoff and heartbeat-driven liveness detection
// (spec.md §4.5). It mirrors the teacher's WorkerPool/orphan-detection
// split — a fixed-cadence check loop alongside per-worker state — but
// supervises OS processes instead of goroutines, since each worker here
// is its own subprocess.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/swarmforge/swarmforge/pkg/config"
	"github.com/swarmforge/swarmforge/pkg/events"
	"github.com/swarmforge/swarmforge/pkg/mailstore"
)

// State is the supervisor's view of one worker subprocess.
type State string

const (
	StateStarting   State = "STARTING"
	StateActive     State = "ACTIVE"
	StateRestarting State = "RESTARTING"
	StateStopped    State = "STOPPED"
)

// workerState is the supervisor's bookkeeping for one agent's
// subprocess (spec.md §4.5 state-per-worker shape).
type workerState struct {
	mu                 sync.Mutex
	agentID            string
	pid                int
	state              State
	lastHeartbeatTS    time.Time
	restartCount       int
	missedHeartbeats   int
	backoffNextSeconds float64
	disabled           bool
	restartsInWindow   []time.Time
	cmd                *exec.Cmd
	exitedCh           chan struct{}
}

// Supervisor manages the lifecycle of one subprocess per configured
// agent, re-executing its own binary in worker mode.
type Supervisor struct {
	store      *mailstore.Store
	cfg        *config.SwarmConfig
	selfPath   string
	workerArgs func(agentID string) []string

	mu      sync.Mutex
	workers map[string]*workerState
	wg      sync.WaitGroup
}

// New constructs a Supervisor. workerArgs builds the argv (excluding
// the binary path) the supervisor re-execs itself with to run agentID
// as a worker subprocess; cmd/run_swarm supplies this so the package
// stays free of flag-parsing concerns.
func New(store *mailstore.Store, cfg *config.SwarmConfig, selfPath string, workerArgs func(agentID string) []string) *Supervisor {
	return &Supervisor{
		store:      store,
		cfg:        cfg,
		selfPath:   selfPath,
		workerArgs: workerArgs,
		workers:    make(map[string]*workerState),
	}
}

// Start spawns one subprocess per agent, emits SUPERVISOR_START and,
// once each worker's initial heartbeat is observed, WORKER_STARTED —
// the ordering guarantee from spec.md §4.5 that a worker's first claim
// cannot be acked before its WORKER_STARTED event is visible.
func (s *Supervisor) Start(ctx context.Context, agents []string) error {
	payload, err := json.Marshal(events.SupervisorLifecyclePayload{Agents: agents})
	if err != nil {
		return fmt.Errorf("marshal supervisor start payload: %w", err)
	}
	if _, err := s.store.Publish(ctx, events.TypeSupervisorStart, "supervisor", payload, nil, nil); err != nil {
		return fmt.Errorf("publish supervisor start: %w", err)
	}

	for _, agentID := range agents {
		if err := s.spawnAndAwaitHeartbeat(ctx, agentID); err != nil {
			return fmt.Errorf("start worker %s: %w", agentID, err)
		}
	}

	s.wg.Add(1)
	go s.runHeartbeatCheckLoop(ctx)

	return nil
}

func (s *Supervisor) spawnAndAwaitHeartbeat(ctx context.Context, agentID string) error {
	ws := &workerState{agentID: agentID, state: StateStarting}
	s.mu.Lock()
	s.workers[agentID] = ws
	s.mu.Unlock()

	if err := s.spawn(ctx, ws); err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.HeartbeatInterval*2 + 5*time.Second)
	for time.Now().Before(deadline) {
		if _, found, err := s.store.LatestHeartbeat(ctx, agentID); err == nil && found {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	payload, err := json.Marshal(events.WorkerLifecyclePayload{WorkerID: consumerID(agentID), AgentID: agentID, PID: ws.pid})
	if err != nil {
		return fmt.Errorf("marshal worker started payload: %w", err)
	}
	if _, err := s.store.Publish(ctx, events.TypeWorkerStarted, "supervisor", payload, &agentID, nil); err != nil {
		return fmt.Errorf("publish worker started: %w", err)
	}

	ws.mu.Lock()
	ws.state = StateActive
	ws.mu.Unlock()
	return nil
}

// spawn launches the subprocess for ws.agentID and begins a goroutine
// that waits for it to exit.
func (s *Supervisor) spawn(_ context.Context, ws *workerState) error {
	args := s.workerArgs(ws.agentID)
	cmd := exec.Command(s.selfPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn subprocess: %w", err)
	}

	ws.mu.Lock()
	ws.cmd = cmd
	ws.pid = cmd.Process.Pid
	ws.exitedCh = make(chan struct{})
	ws.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(ws.exitedCh)
	}()

	slog.Info("worker subprocess spawned", "agent_id", ws.agentID, "pid", ws.pid)
	return nil
}

func consumerID(agentID string) string {
	return fmt.Sprintf("%s-worker-0", agentID)
}

// runHeartbeatCheckLoop is the fixed-cadence (H) check described in
// spec.md §4.5: workers silent for more than 2H are marked missed, and
// once a worker's missed count crosses the configured threshold a
// restart is scheduled.
func (s *Supervisor) runHeartbeatCheckLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHeartbeats(ctx)
		}
	}
}

func (s *Supervisor) checkHeartbeats(ctx context.Context) {
	s.mu.Lock()
	agents := make([]string, 0, len(s.workers))
	for id := range s.workers {
		agents = append(agents, id)
	}
	s.mu.Unlock()

	threshold := 2 * s.cfg.HeartbeatInterval
	for _, agentID := range agents {
		s.mu.Lock()
		ws := s.workers[agentID]
		s.mu.Unlock()

		ws.mu.Lock()
		disabled := ws.disabled
		ws.mu.Unlock()
		if disabled {
			continue
		}

		lastHB, found, err := s.store.LatestHeartbeat(ctx, agentID)
		if err != nil {
			slog.Error("heartbeat lookup failed", "agent_id", agentID, "error", err)
			continue
		}
		if !found || time.Since(lastHB) <= threshold {
			ws.mu.Lock()
			ws.lastHeartbeatTS = lastHB
			ws.missedHeartbeats = 0
			ws.mu.Unlock()
			continue
		}

		ws.mu.Lock()
		ws.missedHeartbeats++
		missed := ws.missedHeartbeats
		ws.mu.Unlock()

		s.publishMissed(ctx, agentID, missed)

		if missed >= s.cfg.MissedHeartbeatThreshold {
			s.scheduleRestart(ctx, ws)
		}
	}
}

func (s *Supervisor) publishMissed(ctx context.Context, agentID string, missed int) {
	payload, err := json.Marshal(events.WorkerLifecyclePayload{WorkerID: consumerID(agentID), AgentID: agentID, Reason: "heartbeat missed"})
	if err != nil {
		slog.Error("marshal heartbeat missed payload", "agent_id", agentID, "error", err)
		return
	}
	if _, err := s.store.Publish(ctx, events.TypeWorkerHeartbeatMissed, "supervisor", payload, &agentID, nil); err != nil {
		slog.Error("publish heartbeat missed", "agent_id", agentID, "error", err)
	}
	slog.Warn("worker heartbeat missed", "agent_id", agentID, "missed_count", missed)
}

// scheduleRestart transitions a worker to RESTARTING, emits
// WORKER_RESTART_SCHEDULED, kills the stale subprocess, and — if the
// sliding-window restart budget allows — respawns it after a bounded
// exponential backoff. Exceeding the budget disables the worker and
// emits WORKER_EXITED.
func (s *Supervisor) scheduleRestart(ctx context.Context, ws *workerState) {
	ws.mu.Lock()
	if ws.state == StateRestarting {
		ws.mu.Unlock()
		return
	}
	ws.state = StateRestarting
	cmd := ws.cmd
	ws.mu.Unlock()

	payload, err := json.Marshal(events.WorkerLifecyclePayload{WorkerID: consumerID(ws.agentID), AgentID: ws.agentID, Reason: "missed heartbeat threshold crossed"})
	if err == nil {
		_, _ = s.store.Publish(ctx, events.TypeWorkerRestartScheduled, "supervisor", payload, &ws.agentID, nil)
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	now := time.Now()
	ws.mu.Lock()
	ws.restartsInWindow = pruneWindow(ws.restartsInWindow, now, s.cfg.RestartWindow)
	ws.restartsInWindow = append(ws.restartsInWindow, now)
	withinBudget := len(ws.restartsInWindow) <= s.cfg.MaxRestartsPerWindow
	ws.mu.Unlock()

	if !withinBudget {
		s.disable(ctx, ws, "max_restarts_per_window exceeded")
		return
	}

	backoff := s.nextBackoff(ws)
	time.Sleep(backoff)

	if err := s.spawn(ctx, ws); err != nil {
		slog.Error("worker respawn failed", "agent_id", ws.agentID, "error", err)
		s.disable(ctx, ws, fmt.Sprintf("respawn failed: %v", err))
		return
	}

	ws.mu.Lock()
	ws.restartCount++
	ws.state = StateActive
	ws.missedHeartbeats = 0
	restartCount := ws.restartCount
	ws.mu.Unlock()

	restartedPayload, err := json.Marshal(events.WorkerLifecyclePayload{
		WorkerID: consumerID(ws.agentID), AgentID: ws.agentID, PID: ws.pid, RestartCount: restartCount,
	})
	if err == nil {
		_, _ = s.store.Publish(ctx, events.TypeWorkerRestarted, "supervisor", restartedPayload, &ws.agentID, nil)
	}
}

func (s *Supervisor) nextBackoff(ws *workerState) time.Duration {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.backoffNextSeconds == 0 {
		ws.backoffNextSeconds = s.cfg.RestartInitialBackoff.Seconds()
	}
	d := time.Duration(ws.backoffNextSeconds * float64(time.Second))
	next := ws.backoffNextSeconds * s.cfg.RestartBackoffFactor
	if cap := s.cfg.RestartBackoffCap.Seconds(); next > cap {
		next = cap
	}
	ws.backoffNextSeconds = next
	return d
}

func pruneWindow(restarts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := restarts[:0]
	for _, t := range restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (s *Supervisor) disable(ctx context.Context, ws *workerState, reason string) {
	ws.mu.Lock()
	ws.disabled = true
	ws.state = StateStopped
	ws.mu.Unlock()

	payload, err := json.Marshal(events.WorkerLifecyclePayload{WorkerID: consumerID(ws.agentID), AgentID: ws.agentID, Reason: reason})
	if err == nil {
		_, _ = s.store.Publish(ctx, events.TypeWorkerExited, "supervisor", payload, &ws.agentID, nil)
	}
	slog.Error("worker disabled", "agent_id", ws.agentID, "reason", reason)
}

// Shutdown sends SIGTERM to every managed subprocess, waits up to
// GracefulShutdownTimeout, then SIGKILLs any stragglers, and finally
// emits SUPERVISOR_STOP. It also waits for the heartbeat check loop,
// which returns only once the context passed to Start is cancelled, so
// callers cancel that context before calling Shutdown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*workerState, 0, len(s.workers))
	for _, ws := range s.workers {
		all = append(all, ws)
	}
	s.mu.Unlock()

	for _, ws := range all {
		ws.mu.Lock()
		cmd := ws.cmd
		exited := ws.exitedCh
		ws.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-exited:
		case <-time.After(s.cfg.GracefulShutdownTimeout):
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	s.wg.Wait()

	if _, err := s.store.Publish(ctx, events.TypeSupervisorStop, "supervisor", nil, nil, nil); err != nil {
		return fmt.Errorf("publish supervisor stop: %w", err)
	}
	return nil
}
