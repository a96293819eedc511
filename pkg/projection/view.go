// Package projection materializes the append-only mailstore history
// into a read-only view document and inspection index (spec.md §4.6).
// It never writes to events or tool_audit — only list_events and
// list_tool_audit are called, plus a PENDING count. The folded state
// (counts, worker states, cursors) is a pure function of the
// event/audit prefix observed so far; the published view also carries
// the wall-clock time of the tick (timestamp, last_updated_at) and the
// PENDING count read at that tick, which are not.
package projection

import (
	"github.com/swarmforge/swarmforge/pkg/events"
)

// SchemaVersion is the projection view document's schema_version.
const SchemaVersion = 1

// CurrentEvent summarizes the newest observed event.
type CurrentEvent struct {
	Type     string `json:"type"`
	OriginID string `json:"origin_id"`
	TS       string `json:"ts"`
}

// AuditCounts tallies tool_audit decisions.
type AuditCounts struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// WorkerView is the projection's per-worker derived state (spec.md §3,
// §4.6 worker-state derivation table).
type WorkerView struct {
	Present             bool               `json:"present"`
	State               events.WorkerState `json:"state"`
	LastEventType       string             `json:"last_event_type,omitempty"`
	LastEventAt         string             `json:"last_event_at,omitempty"`
	RestartCount        int                `json:"restart_count"`
	MissedHeartbeatCount int               `json:"missed_heartbeat_count"`
	LastSeenEventID     int64              `json:"last_seen_event_id"`
}

// Derived holds values computed from other view fields rather than
// folded directly from events.
type Derived struct {
	OfficeMode  events.OfficeMode `json:"office_mode"`
	StressLevel float64           `json:"stress_level"`
}

// View is the single JSON document the materializer publishes
// atomically on every tick.
type View struct {
	SchemaVersion        int                    `json:"schema_version"`
	Timestamp            string                 `json:"timestamp"`
	LastUpdatedAt        string                 `json:"last_updated_at"`
	Running              bool                   `json:"running"`
	EventQueueSize       int                    `json:"event_queue_size"`
	CurrentEvent         *CurrentEvent          `json:"current_event,omitempty"`
	EventTypeCounts      map[string]int         `json:"event_type_counts"`
	ToolAuditCounts      AuditCounts            `json:"tool_audit_counts"`
	Workers              map[string]*WorkerView `json:"workers"`
	Derived              Derived                `json:"derived"`
	LastSeenEventID      int64                  `json:"last_seen_event_id"`
	LastSeenToolAuditID  int64                  `json:"last_seen_tool_audit_id"`
}

// NewView returns an empty View ready to be folded from id 0.
func NewView() *View {
	return &View{
		SchemaVersion:   SchemaVersion,
		Running:         true,
		EventTypeCounts: make(map[string]int),
		Workers:         make(map[string]*WorkerView),
		Derived:         Derived{OfficeMode: events.OfficeRunning},
	}
}

func (v *View) worker(id string) *WorkerView {
	w, ok := v.Workers[id]
	if !ok {
		w = &WorkerView{State: events.WorkerOffline}
		v.Workers[id] = w
	}
	return w
}

// stressLevel implements spec.md §3's min(event_queue_size/25, 1).
func stressLevel(queueSize int) float64 {
	v := float64(queueSize) / 25.0
	if v > 1 {
		return 1
	}
	return v
}
