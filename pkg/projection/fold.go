package projection

import (
	"encoding/json"

	"github.com/swarmforge/swarmforge/pkg/events"
	"github.com/swarmforge/swarmforge/pkg/mailstore"
)

// FoldEvent applies one mailstore event to the view in place,
// following the worker-state derivation table (spec.md §4.6) and
// updating event_type_counts/current_event/cursors. It is a pure
// function of (view, event) — no wall-clock or randomness influence
// the derived state, only the event's own ts field when recorded.
func FoldEvent(v *View, ev mailstore.Event) {
	v.EventTypeCounts[ev.Type]++
	v.CurrentEvent = &CurrentEvent{Type: ev.Type, OriginID: ev.OriginID, TS: ev.TS}
	if ev.ID > v.LastSeenEventID {
		v.LastSeenEventID = ev.ID
	}

	workerID := workerKey(ev)
	if workerID == "" {
		return
	}
	w := v.worker(workerID)
	w.LastEventType = ev.Type
	w.LastEventAt = ev.TS
	if ev.ID > w.LastSeenEventID {
		w.LastSeenEventID = ev.ID
	}

	switch ev.Type {
	case events.TypeWorkerStarted:
		w.Present = true
		w.State = events.WorkerActive
	case events.TypeWorkerHeartbeat:
		if w.State != events.WorkerRestarting {
			w.State = events.WorkerActive
		}
	case events.TypeWorkerHeartbeatMissed:
		w.MissedHeartbeatCount++
		if w.MissedHeartbeatCount >= 2 {
			w.State = events.WorkerOffline
			w.Present = false
		}
	case events.TypeWorkerRestartScheduled:
		w.State = events.WorkerRestarting
	case events.TypeWorkerRestarted:
		w.Present = true
		w.State = events.WorkerActive
		w.RestartCount++
	case events.TypeWorkerExited:
		w.Present = false
		w.State = events.WorkerOffline
	}
}

// FoldToolAudit applies one tool-audit row to the view's audit
// counters and cursor.
func FoldToolAudit(v *View, entry mailstore.AuditEntry) {
	if entry.Allowed {
		v.ToolAuditCounts.Allowed++
	} else {
		v.ToolAuditCounts.Denied++
	}
	if entry.ID > v.LastSeenToolAuditID {
		v.LastSeenToolAuditID = entry.ID
	}
}

// workerKey identifies which worker an event pertains to: target_agent
// when present, otherwise the agent_id embedded in a lifecycle
// payload, otherwise empty (the event does not describe a worker).
func workerKey(ev mailstore.Event) string {
	if ev.TargetAgent != nil && *ev.TargetAgent != "" {
		return *ev.TargetAgent
	}
	var payload events.WorkerLifecyclePayload
	if err := json.Unmarshal(ev.Payload, &payload); err == nil && payload.AgentID != "" {
		return payload.AgentID
	}
	return ""
}
