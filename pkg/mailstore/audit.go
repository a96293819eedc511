package mailstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// WithTx exposes the same BEGIN IMMEDIATE transaction primitive used
// internally by Claim/Ack/Fail to callers outside this package — in
// particular the policy gateway, which must write an audit row and,
// on success, register an idempotency key in one atomic unit (spec.md
// §4.3: "the audit row is written regardless of outcome in the same
// transaction that registers the idempotency key on success").
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.txImmediate(ctx, func(conn *sqlx.Conn) error {
		return fn(&Tx{conn: conn})
	})
}

// Tx is a handle to an in-flight BEGIN IMMEDIATE transaction, scoped to
// the lifetime of the WithTx callback.
type Tx struct {
	conn *sqlx.Conn
}

// IdempotencyKeyExists reports whether key has already been registered.
func (t *Tx) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	var count int
	if err := t.conn.GetContext(ctx, &count, `SELECT COUNT(1) FROM idempotency_keys WHERE idempotency_key = ?`, key); err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return count > 0, nil
}

// InsertToolAudit records one tool-gateway decision, allowed or denied.
// It always succeeds when given a well-formed entry; callers decide
// whether to also register the idempotency key.
func (t *Tx) InsertToolAudit(ctx context.Context, entry AuditEntry) (int64, error) {
	if entry.TS == "" {
		entry.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload == nil {
		entry.Payload = json.RawMessage("{}")
	}
	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO tool_audit (ts, agent_id, action_type, working_dir, idempotency_key,
		                         allowed, reason, payload, result, correlation_id, event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TS, entry.AgentID, entry.ActionType, entry.WorkingDir, entry.IdempotencyKey,
		entry.Allowed, entry.Reason, string(entry.Payload), entry.Result, entry.CorrelationID, entry.EventID)
	if err != nil {
		return 0, fmt.Errorf("insert tool audit: %w", err)
	}
	return res.LastInsertId()
}

// InsertIdempotencyKey registers a new idempotency key. Returns
// ErrDuplicateKey if the key is already present.
func (t *Tx) InsertIdempotencyKey(ctx context.Context, rec IdempotencyRecord) error {
	if rec.CreatedTS == "" {
		rec.CreatedTS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, created_ts, agent_id, action_type, event_id, result)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.IdempotencyKey, rec.CreatedTS, rec.AgentID, rec.ActionType, rec.EventID, rec.Result)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

// Publish lets callers append a PENDING event from inside an existing
// transaction, so the event commits or rolls back together with the
// other writes made through the same Tx.
func (t *Tx) Publish(ctx context.Context, typ, originID string, payload json.RawMessage, targetAgent, correlationID *string) (int64, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO events (ts, type, origin_id, target_agent, payload, status, correlation_id)
		VALUES (?, ?, ?, ?, ?, 'PENDING', ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), typ, originID, targetAgent, string(payload), correlationID)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// isUniqueConstraintErr reports whether err is a UNIQUE constraint
// violation. modernc.org/sqlite reports these through its own error
// type whose message always contains SQLite's "UNIQUE constraint
// failed" text; matching on that substring avoids depending on the
// driver's internal error type across versions.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
