// Package policy implements the tool gateway that every externally
// visible worker action (file writes outside the workspace, command
// execution, outbound requests) passes through before it runs
// (spec.md §4.3). The gateway is strict: unknown action kinds are
// denied, not ignored, and every decision — allowed or denied — is
// recorded in an append-only audit row.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swarmforge/swarmforge/pkg/mailstore"
	"github.com/swarmforge/swarmforge/pkg/workspace"
)

// ActionKind enumerates the action types the gateway recognizes.
// Anything else is denied under the "unknown action kinds are denied"
// rule.
type ActionKind string

const (
	ActionRunCmd      ActionKind = "RUN_CMD"
	ActionWriteFile   ActionKind = "WRITE_FILE"
	ActionOutboundReq ActionKind = "OUTBOUND_REQUEST"
)

// mutatingActions require the Chief-authorization capability (rule 1).
var mutatingActions = map[ActionKind]bool{
	ActionRunCmd:    true,
	ActionWriteFile: true,
}

// knownActions is the gateway's allowlist of recognized action kinds.
var knownActions = map[ActionKind]bool{
	ActionRunCmd:      true,
	ActionWriteFile:   true,
	ActionOutboundReq: true,
}

// Action describes one externally visible action a worker wants to
// perform.
type Action struct {
	AgentID         string
	Kind            ActionKind
	WorkingDir      string // the worker's workspace root
	TargetPath      string // path the action touches, empty if not path-based
	Endpoint        string // host:port or URL, empty if not network-based
	IdempotencyKey  string
	ChiefAuthorized bool
	CorrelationID   *string
	EventID         *int64
	Payload         json.RawMessage
}

// Decision is the gateway's verdict on one Action.
type Decision struct {
	Allowed bool
	Reason  string
	AuditID int64
}

// Gateway evaluates Actions against the policy rules and records the
// outcome via the mailstore in one atomic transaction.
type Gateway struct {
	store      *mailstore.Store
	allowlists map[ActionKind][]string // absent means allowlist disabled for that kind; present but empty permits no endpoint
}

// New constructs a Gateway. allowlists maps an action kind to the
// endpoints permitted for it; a kind absent from the map has its
// allowlist disabled (rule 4 does not apply).
func New(store *mailstore.Store, allowlists map[ActionKind][]string) *Gateway {
	return &Gateway{store: store, allowlists: allowlists}
}

// Evaluate decides whether action is allowed, writing exactly one
// audit row (and, on success, one idempotency record) regardless of
// outcome.
func (g *Gateway) Evaluate(ctx context.Context, action Action) (Decision, error) {
	reason, allowed := g.decide(ctx, action)

	var decision Decision
	err := g.store.WithTx(ctx, func(tx *mailstore.Tx) error {
		if allowed && action.IdempotencyKey != "" {
			exists, err := tx.IdempotencyKeyExists(ctx, action.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				allowed = false
				reason = fmt.Sprintf("Duplicate idempotency_key blocked: %s", action.IdempotencyKey)
			}
		}

		auditID, err := tx.InsertToolAudit(ctx, mailstore.AuditEntry{
			AgentID:        action.AgentID,
			ActionType:     string(action.Kind),
			WorkingDir:     action.WorkingDir,
			IdempotencyKey: strPtrOrNil(action.IdempotencyKey),
			Allowed:        allowed,
			Reason:         reason,
			Payload:        action.Payload,
			CorrelationID:  action.CorrelationID,
			EventID:        action.EventID,
		})
		if err != nil {
			return err
		}

		if allowed && action.IdempotencyKey != "" {
			if err := tx.InsertIdempotencyKey(ctx, mailstore.IdempotencyRecord{
				IdempotencyKey: action.IdempotencyKey,
				AgentID:        action.AgentID,
				ActionType:     string(action.Kind),
				EventID:        action.EventID,
			}); err != nil {
				return err
			}
		}

		decision = Decision{Allowed: allowed, Reason: reason, AuditID: auditID}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("policy: evaluate %s for %s: %w", action.Kind, action.AgentID, err)
	}
	return decision, nil
}

// decide applies rules 1, 2, and 4 (rule 3, the idempotency duplicate
// check, runs inside the transaction in Evaluate so it observes a
// consistent view of idempotency_keys).
func (g *Gateway) decide(_ context.Context, action Action) (reason string, allowed bool) {
	if !knownActions[action.Kind] {
		return fmt.Sprintf("Unknown action kind: %s", action.Kind), false
	}

	if mutatingActions[action.Kind] && !action.ChiefAuthorized {
		return "Mutating action requires Chief authorization", false
	}

	if action.TargetPath != "" {
		if _, err := workspace.ResolvePath(action.WorkingDir, action.TargetPath); err != nil {
			return "File path escapes worktree root.", false
		}
	}

	if allowedEndpoints, enabled := g.allowlists[action.Kind]; enabled {
		if !endpointAllowed(action.Endpoint, allowedEndpoints) {
			return fmt.Sprintf("Endpoint not in allowlist: %s", action.Endpoint), false
		}
	}

	return "ok", true
}

func endpointAllowed(endpoint string, allowed []string) bool {
	for _, a := range allowed {
		if a == endpoint {
			return true
		}
	}
	return false
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
