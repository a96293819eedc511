// Package logging configures the process-wide structured logger used by
// every long-running component (run_swarm, run_projector,
// observability-server). Logs are JSONL, matching the teacher's direct
// use of log/slog throughout pkg/queue rather than a third-party logging
// facade — stdlib slog already emits structured JSON, so no wrapper
// library earns its keep here.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Init configures the default slog logger to emit JSONL at the given
// path (created/appended), or to stderr when path is empty. Returns a
// close func that should be deferred by the caller.
func Init(path string, component string) (func(), error) {
	var w io.Writer = os.Stderr
	closer := func() {}

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = f
		closer = func() { _ = f.Close() }
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)

	return closer, nil
}
