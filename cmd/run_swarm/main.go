// run_swarm is the dual-mode entry point for the supervised worker
// fabric. Invoked normally it is the supervisor: it spawns one worker
// subprocess per configured agent and re-execs itself with --worker-mode
// to run each one (spec.md §4.4, §4.5, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/swarmforge/swarmforge/pkg/config"
	"github.com/swarmforge/swarmforge/pkg/logging"
	"github.com/swarmforge/swarmforge/pkg/mailstore"
	"github.com/swarmforge/swarmforge/pkg/supervisor"
	"github.com/swarmforge/swarmforge/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run_swarm exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	workerMode := flag.Bool("worker-mode", false, "run as a single worker subprocess (internal)")
	agentsFlag := flag.String("agents", "", "comma or space separated agent ids to supervise")
	configPath := flag.String("config", "swarm.yaml", "path to the swarm config file")
	mailstoreDB := flag.String("mailstore-db", "", "override the configured mailstore path")
	durable := flag.Bool("durable", true, "open the mailstore with synchronous=full")
	worktrees := flag.String("worktrees", "", "override the configured worktrees root")
	durationSeconds := flag.Int("duration-seconds", 0, "stop the supervisor after N seconds (0 = run until signalled)")

	agentID := flag.String("agent-id", "", "worker mode: agent id this subprocess serves")
	dbPath := flag.String("db", "", "worker mode: mailstore db path")
	worktreePath := flag.String("worktree", "", "worker mode: this worker's workspace root")
	consumerID := flag.String("consumer-id", "", "worker mode: consumer id used for claims")
	logPath := flag.String("log-path", "", "worker mode: JSONL log file path")
	flag.Parse()

	if *workerMode {
		return runWorker(*agentID, *dbPath, *worktreePath, *consumerID, *logPath, *durable)
	}
	return runSupervisor(*configPath, *agentsFlag, *mailstoreDB, *worktrees, *durable, *durationSeconds)
}

func runSupervisor(configPath, agentsFlag, mailstoreDBOverride, worktreesOverride string, durable bool, durationSeconds int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if agentsFlag != "" {
		cfg.Agents = splitAgents(agentsFlag)
	}
	if mailstoreDBOverride != "" {
		cfg.MailstoreDB = mailstoreDBOverride
	}
	if worktreesOverride != "" {
		cfg.WorktreesRoot = worktreesOverride
	}
	if durationSeconds > 0 {
		cfg.DurationSeconds = durationSeconds
	}
	cfg.Durable = durable
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	closeLog, err := logging.Init(cfg.LogPath, "supervisor")
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.DurationSeconds > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, time.Duration(cfg.DurationSeconds)*time.Second)
		defer timeoutCancel()
	}

	store, err := mailstore.Open(ctx, cfg.MailstoreDB, cfg.Durable)
	if err != nil {
		return fmt.Errorf("open mailstore: %w", err)
	}
	defer store.Close()

	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self executable: %w", err)
	}

	sup := supervisor.New(store, cfg, selfPath, func(agentID string) []string {
		return []string{
			"--worker-mode",
			"--agent-id", agentID,
			"--db", cfg.MailstoreDB,
			"--worktree", filepath.Join(cfg.WorktreesRoot, agentID),
			"--consumer-id", agentID + "-worker-0",
			"--log-path", cfg.LogPath,
		}
	})

	if err := sup.Start(ctx, cfg.Agents); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout+5*time.Second)
	defer shutdownCancel()
	return sup.Shutdown(shutdownCtx)
}

func runWorker(agentID, dbPath, worktreePath, consumerID, logPath string, durable bool) error {
	if agentID == "" || dbPath == "" || consumerID == "" {
		return fmt.Errorf("worker mode requires --agent-id, --db, and --consumer-id")
	}

	closeLog, err := logging.Init(logPath, "worker-"+agentID)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := mailstore.Open(ctx, dbPath, durable)
	if err != nil {
		return fmt.Errorf("open mailstore: %w", err)
	}
	defer store.Close()

	if worktreePath != "" {
		if err := os.MkdirAll(worktreePath, 0o755); err != nil {
			return fmt.Errorf("create worktree: %w", err)
		}
	}

	defaults := config.DefaultSwarmConfig()
	w := worker.New(store, worker.EchoProcessor{}, worker.Config{
		AgentID:           agentID,
		ConsumerID:        consumerID,
		LeaseSeconds:      defaults.LeaseSeconds,
		HeartbeatInterval: defaults.HeartbeatInterval,
		ClaimPollInterval: defaults.ClaimPollInterval,
		ClaimPollJitter:   defaults.ClaimPollJitter,
		MaxRetries:        defaults.MaxRetries,
	})

	return w.Run(ctx)
}

func splitAgents(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
