/*
audit.go - Append-only audit trail

PURPOSE:
  Every state-mutating decision the engine or an operator makes emits an
  AuditEvent to a sink. The audit log is independent of the History Ribbon:
  the ribbon records what happened operationally, the audit log records who
  changed what and when.

SEE ALSO:
  - projector.go, archiver.go: Emit engine events
  - api/handlers.go: Emits operator events
*/
package loom

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// =============================================================================
// AUDIT EVENT
// =============================================================================

type ActionType string

const (
	ActionCreate   ActionType = "create"
	ActionUpdate   ActionType = "update"
	ActionDelete   ActionType = "delete"
	ActionOverride ActionType = "override"
	ActionArchive  ActionType = "archive"
	ActionFlag     ActionType = "flag"
)

type AuditEvent struct {
	ActionType    ActionType
	EntityType    string
	EntityID      string
	PreviousState string
	NewState      string
	Severity      Severity
	At            time.Time
}

// AuditSink receives audit events. Append-only by contract.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// NewAuditEvent builds an event, JSON-encoding the state snapshots. Encoding
// failures degrade to empty state rather than dropping the event.
func NewAuditEvent(action ActionType, entityType, entityID string, previous, next any) AuditEvent {
	return AuditEvent{
		ActionType:    action,
		EntityType:    entityType,
		EntityID:      entityID,
		PreviousState: encodeState(previous),
		NewState:      encodeState(next),
		Severity:      SeverityInfo,
		At:            time.Now().UTC(),
	}
}

func encodeState(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// recordAudit is the engine-side emit helper: a sink failure is logged and
// swallowed so the pass keeps advancing.
func recordAudit(ctx context.Context, sink AuditSink, event AuditEvent) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, event); err != nil {
		log.Printf("[Audit] failed to record %s %s/%s: %v",
			event.ActionType, event.EntityType, event.EntityID, err)
	}
}
