package mailstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/swarmforge/pkg/events"
)

// newTestStore opens a throwaway mailstore file under t.TempDir(),
// mirroring the teacher's newTestClient helper pattern but against a
// local SQLite file instead of a testcontainers-managed Postgres.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	store, err := Open(ctx, filepath.Join(t.TempDir(), "mailstore.db"), false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.Publish(ctx, "TEST_EVENT", "origin", json.RawMessage(`{}`), nil, nil)
	require.NoError(t, err)
	id2, err := store.Publish(ctx, "TEST_EVENT", "origin", json.RawMessage(`{}`), nil, nil)
	require.NoError(t, err)

	assert.Greater(t, id2, id1)
}

func TestClaimReturnsNoEventAvailableWhenEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "consumer-1", strPtr("agent-1"), 30)
	assert.ErrorIs(t, err, ErrNoEventAvailable)
}

func TestClaimOnlyMatchesTargetAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "TEST_EVENT", "origin", json.RawMessage(`{}`), strPtr("agent-2"), nil)
	require.NoError(t, err)

	_, err = store.Claim(ctx, "consumer-1", strPtr("agent-1"), 30)
	assert.ErrorIs(t, err, ErrNoEventAvailable)

	claimed, err := store.Claim(ctx, "consumer-1", strPtr("agent-2"), 30)
	require.NoError(t, err)
	assert.Equal(t, events.StatusClaimed, claimed.Status)
}

func TestAckRequiresLeaseHolder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "TEST_EVENT", "origin", json.RawMessage(`{}`), strPtr("agent-1"), nil)
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, "consumer-1", strPtr("agent-1"), 30)
	require.NoError(t, err)

	err = store.Ack(ctx, claimed.ID, "consumer-2", nil)
	assert.ErrorIs(t, err, ErrLeaseLost)

	err = store.Ack(ctx, claimed.ID, "consumer-1", nil)
	assert.NoError(t, err)
}

func TestFailRequeuesUntilRetryBudgetExhausted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Publish(ctx, "TEST_EVENT", "origin", json.RawMessage(`{}`), strPtr("agent-1"), nil)
	require.NoError(t, err)

	const maxRetries = 2
	for i := 0; i < maxRetries; i++ {
		claimed, err := store.Claim(ctx, "consumer-1", strPtr("agent-1"), 30)
		require.NoError(t, err)
		require.Equal(t, id, claimed.ID)
		require.NoError(t, store.Fail(ctx, claimed.ID, "consumer-1", "boom", true, maxRetries))
	}

	// Retry budget now exhausted: one more claim/fail cycle must land DEAD.
	claimed, err := store.Claim(ctx, "consumer-1", strPtr("agent-1"), 30)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, claimed.ID, "consumer-1", "boom", true, maxRetries))

	_, err = store.Claim(ctx, "consumer-1", strPtr("agent-1"), 30)
	assert.ErrorIs(t, err, ErrNoEventAvailable)

	rows, err := store.ListEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, events.EventStatus("DEAD"), rows[0].Status)
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "TEST_EVENT", "origin", json.RawMessage(`{}`), strPtr("agent-1"), nil)
	require.NoError(t, err)

	first, err := store.Claim(ctx, "consumer-1", strPtr("agent-1"), 1)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	second, err := store.Claim(ctx, "consumer-2", strPtr("agent-1"), 30)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The original holder has lost its lease.
	assert.ErrorIs(t, store.Ack(ctx, first.ID, "consumer-1", nil), ErrLeaseLost)
	assert.NoError(t, store.Ack(ctx, second.ID, "consumer-2", nil))
}

func TestConcurrentClaimsNeverDoubleDeliver(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := store.Publish(ctx, "TEST_EVENT", "origin", json.RawMessage(`{}`), strPtr("agent-1"), nil)
		require.NoError(t, err)
	}

	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(consumer int) {
			defer wg.Done()
			for {
				ev, err := store.Claim(ctx, "consumer", strPtr("agent-1"), 30)
				if errors.Is(err, ErrNoEventAvailable) {
					return
				}
				require.NoError(t, err)

				mu.Lock()
				if seen[ev.ID] {
					mu.Unlock()
					t.Errorf("event %d delivered twice", ev.ID)
					return
				}
				seen[ev.ID] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestListEventsPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := store.Publish(ctx, "TEST_EVENT", "origin", json.RawMessage(`{}`), nil, nil)
		require.NoError(t, err)
		last = id
	}

	page, err := store.ListEvents(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := store.ListEvents(ctx, page[len(page)-1].ID, 10)
	require.NoError(t, err)
	assert.Equal(t, last, rest[len(rest)-1].ID)
}
