package mailstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LatestHeartbeat returns the timestamp of the most recent
// WORKER_HEARTBEAT event addressed to targetAgent. found is false if
// no such event has ever been published.
func (s *Store) LatestHeartbeat(ctx context.Context, targetAgent string) (ts time.Time, found bool, err error) {
	var raw string
	err = s.db.GetContext(ctx, &raw, `
		SELECT ts FROM events
		WHERE type = 'WORKER_HEARTBEAT' AND target_agent = ?
		ORDER BY id DESC
		LIMIT 1`, targetAgent)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("latest heartbeat for %s: %w", targetAgent, err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse heartbeat ts %q: %w", raw, err)
	}
	return parsed, true, nil
}

// PendingCount returns the number of PENDING events, used by the
// projection's event_queue_size and derived stress_level.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM events WHERE status = 'PENDING'`); err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return count, nil
}
