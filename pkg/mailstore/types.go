package mailstore

import (
	"encoding/json"

	"github.com/swarmforge/swarmforge/pkg/events"
)

// Event mirrors one row of the events table (spec.md §3).
type Event struct {
	ID            int64              `db:"id" json:"id"`
	TS            string             `db:"ts" json:"ts"`
	Type          string             `db:"type" json:"type"`
	OriginID      string             `db:"origin_id" json:"origin_id"`
	TargetAgent   *string            `db:"target_agent" json:"target_agent,omitempty"`
	Payload       json.RawMessage    `db:"payload" json:"payload"`
	Justification *string            `db:"justification" json:"justification,omitempty"`
	Status        events.EventStatus `db:"status" json:"status"`
	Error         *string            `db:"error" json:"error,omitempty"`
	CorrelationID *string            `db:"correlation_id" json:"correlation_id,omitempty"`
	RetryCount    int                `db:"retry_count" json:"retry_count"`
}

// Lease mirrors one row of the leases table (spec.md §3).
type Lease struct {
	EventID     int64  `db:"event_id" json:"event_id"`
	ClaimedBy   string `db:"claimed_by" json:"claimed_by"`
	ClaimTS     string `db:"claim_ts" json:"claim_ts"`
	LeaseExpiry int64  `db:"lease_expiry" json:"lease_expiry"` // unix millis
}

// AuditEntry mirrors one row of the tool_audit table (spec.md §3).
type AuditEntry struct {
	ID             int64           `db:"id" json:"id"`
	TS             string          `db:"ts" json:"ts"`
	AgentID        string          `db:"agent_id" json:"agent_id"`
	ActionType     string          `db:"action_type" json:"action_type"`
	WorkingDir     string          `db:"working_dir" json:"working_dir"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Allowed        bool            `db:"allowed" json:"allowed"`
	Reason         string          `db:"reason" json:"reason"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Result         *string         `db:"result" json:"result,omitempty"`
	CorrelationID  *string         `db:"correlation_id" json:"correlation_id,omitempty"`
	EventID        *int64          `db:"event_id" json:"event_id,omitempty"`
}

// IdempotencyRecord mirrors one row of the idempotency_keys table.
type IdempotencyRecord struct {
	IdempotencyKey string  `db:"idempotency_key" json:"idempotency_key"`
	CreatedTS      string  `db:"created_ts" json:"created_ts"`
	AgentID        string  `db:"agent_id" json:"agent_id"`
	ActionType     string  `db:"action_type" json:"action_type"`
	EventID        *int64  `db:"event_id" json:"event_id,omitempty"`
	Result         *string `db:"result" json:"result,omitempty"`
}
