// run_projector runs the read-only projection materializer against a
// mailstore, publishing a view file and inspection index atomically on
// each tick (spec.md §4.6, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/swarmforge/swarmforge/pkg/logging"
	"github.com/swarmforge/swarmforge/pkg/mailstore"
	"github.com/swarmforge/swarmforge/pkg/projection"
)

func main() {
	if err := run(); err != nil {
		slog.Error("run_projector exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	mailstoreDB := flag.String("mailstore-db", "swarm.db", "path to the shared mailstore file")
	viewPath := flag.String("view-path", "view.json", "path to publish the projection view JSON to")
	indexPath := flag.String("index-path", "index.json", "path to publish the inspection index JSON to")
	pollIntervalSeconds := flag.Float64("poll-interval", 1, "seconds between projection ticks")
	batchSize := flag.Int("batch-size", 500, "max rows read per list_events/list_tool_audit call")
	logPath := flag.String("log-path", "", "JSONL log file path (stderr if empty)")
	flag.Parse()

	closeLog, err := logging.Init(*logPath, "projector")
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The projector never mutates the store, so it always opens with
	// durable=false: synchronous=full only matters for the writers.
	store, err := mailstore.Open(ctx, *mailstoreDB, false)
	if err != nil {
		return fmt.Errorf("open mailstore: %w", err)
	}
	defer store.Close()

	interval := time.Duration(*pollIntervalSeconds * float64(time.Second))
	m := projection.New(store, *viewPath, *indexPath, interval, *batchSize)

	slog.Info("projector started", "mailstore_db", *mailstoreDB, "view_path", *viewPath, "poll_interval", interval)
	return m.Run(ctx)
}
