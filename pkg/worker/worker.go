// Package worker implements the runtime loop a worker subprocess runs:
// emit heartbeats, claim events addressed to its agent, hand them to a
// Processor, and ack or fail the outcome (spec.md §4.4).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/swarmforge/swarmforge/pkg/events"
	"github.com/swarmforge/swarmforge/pkg/mailstore"
)

// Processor handles one claimed event's business logic. Agent-specific
// behavior lives behind this interface; the runtime loop here only
// knows how to claim, dispatch, and ack/fail.
type Processor interface {
	Process(ctx context.Context, event mailstore.Event) (result string, retryable bool, err error)
}

// EchoProcessor is the default Processor: it acks every event
// immediately with the event's own payload as the result. Useful for
// running the swarm standalone and in tests.
type EchoProcessor struct{}

func (EchoProcessor) Process(_ context.Context, event mailstore.Event) (string, bool, error) {
	return string(event.Payload), false, nil
}

// Config parameterizes one worker's runtime loop.
type Config struct {
	AgentID           string
	ConsumerID        string
	LeaseSeconds      int
	HeartbeatInterval time.Duration
	ClaimPollInterval time.Duration
	ClaimPollJitter   time.Duration
	MaxRetries        int
}

// Worker runs the claim/process/ack loop for a single agent until its
// context is cancelled.
type Worker struct {
	store     *mailstore.Store
	processor Processor
	cfg       Config
}

// New constructs a Worker.
func New(store *mailstore.Store, processor Processor, cfg Config) *Worker {
	if processor == nil {
		processor = EchoProcessor{}
	}
	return &Worker{store: store, processor: processor, cfg: cfg}
}

// Run blocks, emitting heartbeats and processing claimed events until
// ctx is cancelled. It returns nil on clean cancellation.
func (w *Worker) Run(ctx context.Context) error {
	log := slog.With("agent_id", w.cfg.AgentID, "consumer_id", w.cfg.ConsumerID)
	log.Info("worker started")

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return nil
		default:
		}

		if err := w.claimAndProcess(ctx, log); err != nil {
			if errors.Is(err, mailstore.ErrNoEventAvailable) {
				w.sleep(ctx, w.pollInterval())
				continue
			}
			log.Error("claim/process cycle failed", "error", err)
			w.sleep(ctx, time.Second)
		}
	}
}

func (w *Worker) claimAndProcess(ctx context.Context, log *slog.Logger) error {
	claimed, err := w.store.Claim(ctx, w.cfg.ConsumerID, &w.cfg.AgentID, w.cfg.LeaseSeconds)
	if err != nil {
		return err
	}

	claimLog := log.With("event_id", claimed.ID, "event_type", claimed.Type)
	claimLog.Info("event claimed")

	result, retryable, procErr := w.processor.Process(ctx, *claimed)
	if procErr != nil {
		claimLog.Warn("event processing failed", "error", procErr, "retryable", retryable)
		if failErr := w.store.Fail(ctx, claimed.ID, w.cfg.ConsumerID, procErr.Error(), retryable, w.cfg.MaxRetries); failErr != nil {
			return fmt.Errorf("fail event %d: %w", claimed.ID, failErr)
		}
		return nil
	}

	var resultPtr *string
	if result != "" {
		resultPtr = &result
	}
	if err := w.store.Ack(ctx, claimed.ID, w.cfg.ConsumerID, resultPtr); err != nil {
		return fmt.Errorf("ack event %d: %w", claimed.ID, err)
	}
	claimLog.Info("event acked")
	return nil
}

// runHeartbeat publishes a WORKER_HEARTBEAT event at half the configured
// heartbeat interval's cadence floor (spec.md §4.6 requires heartbeats
// at most H/2 apart so a single missed tick is distinguishable from a
// dead worker).
func (w *Worker) runHeartbeat(ctx context.Context, log *slog.Logger) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(events.HeartbeatPayload{
				WorkerID: w.cfg.ConsumerID,
				AgentID:  w.cfg.AgentID,
			})
			if err != nil {
				log.Error("marshal heartbeat payload", "error", err)
				continue
			}
			if _, err := w.store.Publish(ctx, events.TypeWorkerHeartbeat, w.cfg.ConsumerID, payload, &w.cfg.AgentID, nil); err != nil {
				log.Warn("heartbeat publish failed", "error", err)
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// pollInterval returns the claim poll duration with a random offset of
// up to ±ClaimPollJitter, so concurrent workers don't thunder against
// the mailstore in lockstep.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.ClaimPollInterval
	if base <= 0 {
		base = time.Second
	}
	jitter := w.cfg.ClaimPollJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
