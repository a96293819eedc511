package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/swarmforge/pkg/mailstore"
	"github.com/swarmforge/swarmforge/pkg/workspace"
)

func openTestStore(t *testing.T) *mailstore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := mailstore.Open(ctx, filepath.Join(t.TempDir(), "mailstore.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEvaluateDeniesUnauthorizedMutation(t *testing.T) {
	store := openTestStore(t)
	gw := New(store, nil)
	root := t.TempDir()

	decision, err := gw.Evaluate(context.Background(), Action{
		AgentID:    "agent-1",
		Kind:       ActionRunCmd,
		WorkingDir: root,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "Chief authorization")
	assert.NotZero(t, decision.AuditID)
}

func TestEvaluateDeniesWorkspaceEscape(t *testing.T) {
	store := openTestStore(t)
	gw := New(store, nil)
	root := t.TempDir()

	decision, err := gw.Evaluate(context.Background(), Action{
		AgentID:         "agent-1",
		Kind:            ActionWriteFile,
		WorkingDir:      root,
		TargetPath:      "../escape.txt",
		ChiefAuthorized: true,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "File path escapes worktree root.", decision.Reason)
}

func TestEvaluateAllowsAndThenBlocksDuplicateIdempotencyKey(t *testing.T) {
	store := openTestStore(t)
	gw := New(store, nil)
	root := t.TempDir()

	action := Action{
		AgentID:         "agent-1",
		Kind:            ActionRunCmd,
		WorkingDir:      root,
		ChiefAuthorized: true,
		IdempotencyKey:  "k1",
	}

	first, err := gw.Evaluate(context.Background(), action)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := gw.Evaluate(context.Background(), action)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Contains(t, second.Reason, "Duplicate idempotency_key blocked: k1")
}

func TestEvaluateDeniesUnknownActionKind(t *testing.T) {
	store := openTestStore(t)
	gw := New(store, nil)

	decision, err := gw.Evaluate(context.Background(), Action{
		AgentID: "agent-1",
		Kind:    ActionKind("DELETE_UNIVERSE"),
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "Unknown action kind")
}

func TestEvaluateEnforcesAllowlist(t *testing.T) {
	store := openTestStore(t)
	gw := New(store, map[ActionKind][]string{
		ActionOutboundReq: {"api.example.com"},
	})

	decision, err := gw.Evaluate(context.Background(), Action{
		AgentID:  "agent-1",
		Kind:     ActionOutboundReq,
		Endpoint: "evil.example.com",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "not in allowlist")
}

func TestEvaluateAllowsValidWriteWithinWorkspace(t *testing.T) {
	store := openTestStore(t)
	gw := New(store, nil)
	root, err := workspace.Ensure(t.TempDir(), "worker-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "out.txt"), []byte("x"), 0o644))

	decision, err := gw.Evaluate(context.Background(), Action{
		AgentID:         "agent-1",
		Kind:            ActionWriteFile,
		WorkingDir:      root,
		TargetPath:      "out.txt",
		ChiefAuthorized: true,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}
