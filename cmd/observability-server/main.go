// observability-server is a minimal, read-only HTTP+WebSocket front end
// for an external collaborator watching the swarm. It never writes to
// the mailstore: it serves the projection view/index files the
// projector already publishes, and pushes a "view_update" message over
// WebSocket whenever the view file changes on disk (spec.md §4.6, §6,
// §14).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/joho/godotenv"

	"github.com/swarmforge/swarmforge/pkg/broadcast"
	"github.com/swarmforge/swarmforge/pkg/logging"
	"github.com/swarmforge/swarmforge/pkg/mailstore"
)

const writeTimeout = 5 * time.Second

// Server is the HTTP API server, mirroring the teacher's echo-wrapping
// Server shape, with two dependencies: the hub and a mailstore handle.
// store is opened against --mailstore-db (the server only reads from
// it) and backs /health and /api/pending; the view/index files remain
// the source for /api/snapshot and /api/inspection, since those are the
// projector's already-folded, already-deterministic representation.
type Server struct {
	echo      *echo.Echo
	viewPath  string
	indexPath string
	store     *mailstore.Store
	hub       *broadcast.Hub
}

func main() {
	if err := run(); err != nil {
		slog.Error("observability-server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	host := flag.String("host", "127.0.0.1", "listen host")
	port := flag.Int("port", 8090, "listen port")
	mailstoreDB := flag.String("mailstore-db", "swarm.db", "path to the shared mailstore file (only read from)")
	viewPath := flag.String("view-path", "view.json", "projection view file to serve and watch")
	indexPath := flag.String("index-path", "index.json", "inspection index file to serve")
	watchInterval := flag.Duration("watch-interval", time.Second, "how often to poll view-path for changes")
	logPath := flag.String("log-path", "", "JSONL log file path (stderr if empty)")
	flag.Parse()

	closeLog, err := logging.Init(*logPath, "observability-server")
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// This server only ever reads: durable=false skips the WAL
	// synchronous=full pragma that only matters to writers.
	store, err := mailstore.Open(ctx, *mailstoreDB, false)
	if err != nil {
		return fmt.Errorf("open mailstore: %w", err)
	}
	defer store.Close()

	s := NewServer(store, *viewPath, *indexPath)

	ln, err := net.Listen("tcp", net.JoinHostPort(*host, strconv.Itoa(*port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go watchAndBroadcast(ctx, s.hub, *viewPath, *watchInterval)

	httpServer := &http.Server{Handler: s.echo}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	slog.Info("observability-server started", "addr", ln.Addr().String(), "view_path", *viewPath)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// NewServer builds the echo-wrapped server and registers routes, per
// the teacher's NewServer-calls-setupRoutes convention.
func NewServer(store *mailstore.Store, viewPath, indexPath string) *Server {
	s := &Server{
		echo:      echo.New(),
		viewPath:  viewPath,
		indexPath: indexPath,
		store:     store,
		hub:       broadcast.New(writeTimeout),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(1 << 20))

	s.echo.GET("/health", s.healthHandler)

	api := s.echo.Group("/api")
	api.GET("/snapshot", s.snapshotHandler)
	api.GET("/inspection", s.inspectionHandler)
	api.GET("/pending", s.pendingHandler)
	api.GET("/ws", s.wsHandler)
}

// healthHandler confirms the mailstore is actually reachable, not just
// that the process is up — a closed/missing db file fails this.
func (s *Server) healthHandler(c *echo.Context) error {
	if _, err := s.store.PendingCount(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "mailstore unreachable: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// pendingHandler reports the live PENDING event count directly from
// the mailstore, independent of the projector's polling cadence.
func (s *Server) pendingHandler(c *echo.Context) error {
	count, err := s.store.PendingCount(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"pending": count})
}

func (s *Server) snapshotHandler(c *echo.Context) error {
	return serveJSONFile(c, s.viewPath)
}

func (s *Server) inspectionHandler(c *echo.Context) error {
	return serveJSONFile(c, s.indexPath)
}

func serveJSONFile(c *echo.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "projection not yet published")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "application/json", data)
}

// wsHandler upgrades the connection and delegates to the hub, which
// blocks until the client disconnects — the same contract as the
// teacher's wsHandler/ConnectionManager.HandleConnection pair.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.hub.HandleConnection(c.Request().Context(), conn)
	return nil
}

// watchAndBroadcast polls viewPath for content changes and broadcasts
// a view_update message to all connected clients when it changes. The
// projector publishes atomically (temp file + rename), so every read
// here sees either the old or the new complete file, never a partial
// one.
func watchAndBroadcast(ctx context.Context, hub *broadcast.Hub, viewPath string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastModTime time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(viewPath)
			if err != nil {
				continue
			}
			if info.ModTime().Equal(lastModTime) {
				continue
			}
			lastModTime = info.ModTime()

			data, err := os.ReadFile(viewPath)
			if err != nil {
				continue
			}
			msg, err := json.Marshal(map[string]json.RawMessage{
				"type": json.RawMessage(`"view_update"`),
				"view": json.RawMessage(data),
			})
			if err != nil {
				slog.Warn("failed to marshal view_update message", "error", err)
				continue
			}
			hub.Broadcast(msg)
		}
	}
}
