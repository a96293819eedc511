// Package mailstore implements the durable event log described in
// spec.md §4.1: append-only events identified by monotonically
// increasing integer ids, lease-based claiming, idempotency records, and
// an append-only tool-audit table. Events are not content-addressed, and
// audit rows carry no hash chain or other tamper evidence.
// The store is a single SQLite file opened in WAL mode with
// synchronous=full, shared by independent OS processes (supervisor,
// workers, projector) that each address it via the same --mailstore-db
// path — never through a generated ORM client, since no component can
// run code generation in this exercise and the spec's WAL/full-sync
// language is SQLite PRAGMA vocabulary, not a client/server protocol.
package mailstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/swarmforge/swarmforge/pkg/events"
)

// Store is the durable mailstore: a single SQLite connection pool
// (capped at one connection, the standard recipe for serializing
// SQLite writers from Go) guarded by BEGIN IMMEDIATE transactions for
// every mutating operation, giving linearizable publish/claim/ack/fail
// semantics per spec.md §5.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the mailstore file at path. When durable is
// true (the spec default), synchronous=FULL is set; durable=false
// relaxes to NORMAL, which the tests and the read-only projector and
// observability server use.
func Open(ctx context.Context, path string, durable bool) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mailstore %s: %w", path, err)
	}
	// A single connection turns every write into a strictly serialized
	// operation from this process's point of view; cross-process
	// serialization is provided by SQLite's own file locking plus our
	// BEGIN IMMEDIATE transactions.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if durable {
		pragmas = append(pragmas, "PRAGMA synchronous=FULL")
	} else {
		pragmas = append(pragmas, "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// txImmediate runs fn inside a BEGIN IMMEDIATE transaction on a single
// checked-out connection, rolling back on any error. BEGIN IMMEDIATE
// (rather than the default deferred transaction) acquires the SQLite
// write lock up front, which is what makes the check-then-mutate
// sequences in Claim/Ack/Fail linearizable per key.
func (s *Store) txImmediate(ctx context.Context, fn func(conn *sqlx.Conn) error) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}

	if err := fn(conn); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Publish atomically appends one PENDING event and returns its id.
func (s *Store) Publish(ctx context.Context, typ, originID string, payload json.RawMessage, targetAgent, correlationID *string) (int64, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var id int64
	err := s.txImmediate(ctx, func(conn *sqlx.Conn) error {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO events (ts, type, origin_id, target_agent, payload, status, correlation_id)
			VALUES (?, ?, ?, ?, ?, 'PENDING', ?)`,
			now, typ, originID, targetAgent, string(payload), correlationID)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Claim atomically selects the lowest-id event that is PENDING or
// CLAIMED-with-expired-lease, matching targetAgent if supplied, marks
// it CLAIMED, and installs a fresh lease. Returns ErrNoEventAvailable
// if nothing matches.
func (s *Store) Claim(ctx context.Context, consumerID string, targetAgent *string, leaseSeconds int) (*Event, error) {
	if leaseSeconds <= 0 {
		return nil, fmt.Errorf("leaseSeconds must be positive")
	}
	nowMillis := time.Now().UTC().UnixMilli()
	claimTS := time.Now().UTC().Format(time.RFC3339Nano)
	expiry := nowMillis + int64(leaseSeconds)*1000

	var claimed Event
	err := s.txImmediate(ctx, func(conn *sqlx.Conn) error {
		query := `
			SELECT e.id, e.ts, e.type, e.origin_id, e.target_agent, e.payload,
			       e.justification, e.status, e.error, e.correlation_id, e.retry_count
			FROM events e
			LEFT JOIN leases l ON l.event_id = e.id
			WHERE (e.status = 'PENDING' OR (e.status = 'CLAIMED' AND l.lease_expiry <= ?))
			  AND (? IS NULL OR e.target_agent = ?)
			ORDER BY e.id ASC
			LIMIT 1`
		var candidate Event
		err := conn.QueryRowxContext(ctx, query, nowMillis, targetAgent, targetAgent).StructScan(&candidate)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrNoEventAvailable
			}
			return fmt.Errorf("select claimable event: %w", err)
		}

		if _, err := conn.ExecContext(ctx, `UPDATE events SET status = 'CLAIMED' WHERE id = ?`, candidate.ID); err != nil {
			return fmt.Errorf("mark claimed: %w", err)
		}

		if _, err := conn.ExecContext(ctx, `
			INSERT INTO leases (event_id, claimed_by, claim_ts, lease_expiry)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(event_id) DO UPDATE SET
				claimed_by = excluded.claimed_by,
				claim_ts = excluded.claim_ts,
				lease_expiry = excluded.lease_expiry`,
			candidate.ID, consumerID, claimTS, expiry); err != nil {
			return fmt.Errorf("install lease: %w", err)
		}

		candidate.Status = events.StatusClaimed
		claimed = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// Ack transitions a CLAIMED event to DONE, but only if consumerID holds
// the current lease. Returns ErrLeaseLost otherwise.
func (s *Store) Ack(ctx context.Context, eventID int64, consumerID string, result *string) error {
	return s.txImmediate(ctx, func(conn *sqlx.Conn) error {
		holder, err := leaseHolder(ctx, conn, eventID)
		if err != nil {
			return err
		}
		if holder != consumerID {
			return ErrLeaseLost
		}

		if _, err := conn.ExecContext(ctx, `UPDATE events SET status = 'DONE', error = NULL WHERE id = ?`, eventID); err != nil {
			return fmt.Errorf("mark done: %w", err)
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM leases WHERE event_id = ?`, eventID); err != nil {
			return fmt.Errorf("delete lease: %w", err)
		}
		_ = result // result is not stored: the events table has no result column
		return nil
	})
}

// Fail transitions a CLAIMED event to FAILED, holder permitting. When
// retry is true and the per-event retry budget (maxRetries requeues)
// is not exhausted, the event is immediately requeued as PENDING with
// retry_count incremented; otherwise it is left FAILED, or transitioned
// to DEAD once retry_count reaches maxRetries (spec.md §9 open question:
// fixed retry budget tracked via a dedicated column).
func (s *Store) Fail(ctx context.Context, eventID int64, consumerID string, errMsg string, retry bool, maxRetries int) error {
	return s.txImmediate(ctx, func(conn *sqlx.Conn) error {
		holder, err := leaseHolder(ctx, conn, eventID)
		if err != nil {
			return err
		}
		if holder != consumerID {
			return ErrLeaseLost
		}

		var retryCount int
		if err := conn.GetContext(ctx, &retryCount, `SELECT retry_count FROM events WHERE id = ?`, eventID); err != nil {
			return fmt.Errorf("read retry_count: %w", err)
		}

		if retry && retryCount < maxRetries {
			if _, err := conn.ExecContext(ctx, `
				UPDATE events SET status = 'PENDING', error = ?, retry_count = retry_count + 1
				WHERE id = ?`, errMsg, eventID); err != nil {
				return fmt.Errorf("requeue event: %w", err)
			}
		} else {
			status := "FAILED"
			if retry && retryCount >= maxRetries {
				status = "DEAD"
			}
			if _, err := conn.ExecContext(ctx, `UPDATE events SET status = ?, error = ? WHERE id = ?`, status, errMsg, eventID); err != nil {
				return fmt.Errorf("mark %s: %w", status, err)
			}
		}

		if _, err := conn.ExecContext(ctx, `DELETE FROM leases WHERE event_id = ?`, eventID); err != nil {
			return fmt.Errorf("delete lease: %w", err)
		}
		return nil
	})
}

// leaseHolder returns the current claimed_by for eventID, or
// ErrEventNotFound/ErrLeaseLost as appropriate. Must run inside an
// active transaction on conn.
func leaseHolder(ctx context.Context, conn *sqlx.Conn, eventID int64) (string, error) {
	var status string
	if err := conn.GetContext(ctx, &status, `SELECT status FROM events WHERE id = ?`, eventID); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrEventNotFound
		}
		return "", fmt.Errorf("read event status: %w", err)
	}
	if status != string(events.StatusClaimed) {
		return "", ErrLeaseLost
	}

	var holder string
	if err := conn.GetContext(ctx, &holder, `SELECT claimed_by FROM leases WHERE event_id = ?`, eventID); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrLeaseLost
		}
		return "", fmt.Errorf("read lease holder: %w", err)
	}
	return holder, nil
}

// ListEvents returns events with id > afterID, ascending, bounded by
// limit. Read-only; used exclusively by the projection materializer.
func (s *Store) ListEvents(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	var out []Event
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, ts, type, origin_id, target_agent, payload, justification,
		       status, error, correlation_id, retry_count
		FROM events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// ListToolAudit returns tool audit entries with id > afterID, ascending,
// bounded by limit. Read-only; used exclusively by the projection
// materializer.
func (s *Store) ListToolAudit(ctx context.Context, afterID int64, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, ts, agent_id, action_type, working_dir, idempotency_key,
		       allowed, reason, payload, result, correlation_id, event_id
		FROM tool_audit
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tool audit: %w", err)
	}
	return out, nil
}
