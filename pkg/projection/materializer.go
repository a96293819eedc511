package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/swarmforge/swarmforge/pkg/mailstore"
)

// IndexEntry is one worker's entry in the inspection index: entity
// metadata plus a bounded, id-ordered timeline (spec.md §3).
type IndexEntry struct {
	WorkerID string         `json:"worker_id"`
	State    string         `json:"state"`
	Present  bool           `json:"present"`
	LastSeen string         `json:"last_seen,omitempty"`
	Timeline []TimelineItem `json:"timeline"`
}

// TimelineItem is one bounded timeline entry for a worker or the
// aggregated office timeline.
type TimelineItem struct {
	EventID int64  `json:"event_id"`
	Type    string `json:"type"`
	TS      string `json:"ts"`
}

// Index is the inspection index document: per-worker entries plus an
// aggregated cross-worker "office timeline".
type Index struct {
	Workers        map[string]*IndexEntry `json:"workers"`
	OfficeTimeline []TimelineItem         `json:"office_timeline"`
}

// maxTimelineEntries bounds the timeline kept per worker and for the
// aggregated office timeline, per spec.md §3's "bounded ordered
// sequence... paginated by an opaque cursor" — the cursor here is
// simply the oldest retained event_id once the bound is reached.
const maxTimelineEntries = 200

// Materializer runs the read-only fold loop against a mailstore and
// publishes the view and index atomically on each tick.
type Materializer struct {
	store         *mailstore.Store
	viewPath      string
	indexPath     string
	pollInterval  time.Duration
	batchSize     int

	view  *View
	index *Index
}

// New constructs a Materializer starting from empty state. It does not
// load a previously published view: every Materializer folds the
// history again from event id 0 and tool-audit id 0.
func New(store *mailstore.Store, viewPath, indexPath string, pollInterval time.Duration, batchSize int) *Materializer {
	return &Materializer{
		store:        store,
		viewPath:     viewPath,
		indexPath:    indexPath,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		view:         NewView(),
		index:        &Index{Workers: make(map[string]*IndexEntry)},
	}
}

// Run ticks until ctx is cancelled, folding newly published events and
// tool audits and atomically republishing the view and index.
func (m *Materializer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	if err := m.tick(ctx); err != nil {
		slog.Error("initial projection tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				slog.Error("projection tick failed", "error", err)
			}
		}
	}
}

func (m *Materializer) tick(ctx context.Context) error {
	for {
		batch, err := m.store.ListEvents(ctx, m.view.LastSeenEventID, m.batchSize)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		for _, ev := range batch {
			FoldEvent(m.view, ev)
			m.appendTimeline(ev)
		}
		if len(batch) < m.batchSize {
			break
		}
	}

	for {
		batch, err := m.store.ListToolAudit(ctx, m.view.LastSeenToolAuditID, m.batchSize)
		if err != nil {
			return fmt.Errorf("list tool audit: %w", err)
		}
		for _, entry := range batch {
			FoldToolAudit(m.view, entry)
		}
		if len(batch) < m.batchSize {
			break
		}
	}

	pending, err := m.store.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("pending count: %w", err)
	}
	m.view.EventQueueSize = pending
	m.view.Derived.StressLevel = stressLevel(pending)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	m.view.Timestamp = now
	m.view.LastUpdatedAt = now

	if err := publishJSON(m.viewPath, m.view); err != nil {
		return fmt.Errorf("publish view: %w", err)
	}
	if err := publishJSON(m.indexPath, m.index); err != nil {
		return fmt.Errorf("publish index: %w", err)
	}
	return nil
}

func (m *Materializer) appendTimeline(ev mailstore.Event) {
	item := TimelineItem{EventID: ev.ID, Type: ev.Type, TS: ev.TS}
	m.index.OfficeTimeline = appendBounded(m.index.OfficeTimeline, item)

	workerID := workerKey(ev)
	if workerID == "" {
		return
	}
	entry, ok := m.index.Workers[workerID]
	if !ok {
		entry = &IndexEntry{WorkerID: workerID}
		m.index.Workers[workerID] = entry
	}
	w := m.view.worker(workerID)
	entry.State = string(w.State)
	entry.Present = w.Present
	entry.LastSeen = ev.TS
	entry.Timeline = appendBounded(entry.Timeline, item)
}

func appendBounded(items []TimelineItem, item TimelineItem) []TimelineItem {
	items = append(items, item)
	if len(items) > maxTimelineEntries {
		items = items[len(items)-maxTimelineEntries:]
	}
	return items
}

// publishJSON serializes v with sorted map keys (Go's encoding/json
// always sorts map[string]* keys) and publishes it atomically: write
// to "<path>.tmp" then rename over path, so readers never observe a
// partially written file.
func publishJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
