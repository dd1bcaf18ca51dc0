/*
store.go - Persistence interfaces for the loom engine

PURPOSE:
  Defines the narrow storage contracts the engine components depend on.
  Implementations: store/sqlite (production), loom/store (in-memory, tests).

TRANSACTIONAL UNITS:
  CreateInstance and SyncInstance commit one instance plus its attachments
  as a single transaction. ArchiveShift commits snapshot+delete as a single
  transaction. Cancellation mid-pass therefore never leaves partial rows.

OVERRIDE ENFORCEMENT:
  SyncInstance is the engine's write path. Implementations MUST refuse to
  touch an attachment whose is_overridden flag is set and return
  ErrOverrideViolation - that is a bug in the caller, not a data state.

SEE ALSO:
  - store/sqlite/sqlite.go: SQLite implementation
  - loom/store/memory.go: In-memory implementation
*/
package loom

import (
	"context"
	"time"
)

// =============================================================================
// RULE STORE - Read by the Projector, written through the Conflict Resolver
// =============================================================================

type RuleStore interface {
	// ActiveRulesIntersecting returns active rules whose validity interval
	// overlaps [from, to).
	ActiveRulesIntersecting(ctx context.Context, from, to Date) ([]Rule, error)

	GetRule(ctx context.Context, id RuleID) (*Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)

	// SaveRule inserts or updates a rule, bumping its version.
	SaveRule(ctx context.Context, rule Rule) error

	ExceptionsForRule(ctx context.Context, id RuleID) ([]Exception, error)
	SaveException(ctx context.Context, ex Exception) error
}

// =============================================================================
// INSTANCE STORE - The engine-owned operational layer
// =============================================================================

// AttachmentSync is one attachment write inside a SyncInstance unit.
type AttachmentSync struct {
	Upserts   []Attachment
	RemoveIDs []AttachmentID
}

type InstanceStore interface {
	GetInstance(ctx context.Context, id InstanceID) (*Instance, error)
	FindInstance(ctx context.Context, ruleID RuleID, date Date) (*Instance, error)
	InstancesInRange(ctx context.Context, from, to Date) ([]Instance, error)
	InstancesForRule(ctx context.Context, ruleID RuleID, from, to Date) ([]Instance, error)

	// InstancesEndedBefore returns live instances whose end instant is
	// strictly before asOf. Archiver selection.
	InstancesEndedBefore(ctx context.Context, asOf time.Time) ([]Instance, error)

	AttachmentsForInstance(ctx context.Context, id InstanceID) ([]Attachment, error)

	// CreateInstance commits the instance and its initial attachments as one
	// transaction. Returns ErrDuplicateInstance if (rule, date) exists.
	CreateInstance(ctx context.Context, inst Instance, attachments []Attachment) error

	// SyncInstance is the Projector's update path: it rewrites derived
	// instance fields and applies the attachment sync as one transaction,
	// guarded by an optimistic check on expectedUpdatedAt
	// (ErrConcurrentModification on mismatch) and by the override invariant
	// (ErrOverrideViolation on any overridden row in the sync set).
	SyncInstance(ctx context.Context, inst Instance, expectedUpdatedAt time.Time, sync AttachmentSync) error

	// UpdateInstance is the operator's edit path; override semantics are the
	// caller's responsibility.
	UpdateInstance(ctx context.Context, inst Instance) error

	// UpdateAttachment is the operator's edit path for a single attachment.
	UpdateAttachment(ctx context.Context, att Attachment) error

	// DeleteInstance removes the instance and its attachments.
	DeleteInstance(ctx context.Context, id InstanceID) error
}

// =============================================================================
// HISTORY STORE - The immutable ribbon
// =============================================================================

type HistoryStore interface {
	// ArchiveShift inserts the shift with its subject rows and deletes the
	// live instance and attachments, all in one transaction. Returns
	// ErrAlreadyArchived if a shift for the original instance exists.
	ArchiveShift(ctx context.Context, shift HistoryShift) error

	GetShift(ctx context.Context, id ShiftID) (*HistoryShift, error)
	ShiftsInRange(ctx context.Context, from, to Date) ([]HistoryShift, error)

	// AddArtifact pins an artifact to a woven shift. The only write allowed
	// after archival.
	AddArtifact(ctx context.Context, artifact PinnedArtifact) error
	ArtifactsForShift(ctx context.Context, id ShiftID) ([]PinnedArtifact, error)
}

// =============================================================================
// WINDOW STORE
// =============================================================================

type WindowStore interface {
	WindowConfig(ctx context.Context) (WindowConfig, error)
	SaveWindowConfig(ctx context.Context, cfg WindowConfig) error
}

// =============================================================================
// DIRECTORY - Reference data, read-only
// =============================================================================

type Directory interface {
	// Lookup returns nil when the subject doesn't exist. Callers treat
	// missing and inactive entries the same for generation purposes.
	Lookup(ctx context.Context, kind SubjectKind, id SubjectID) (*DirectoryEntry, error)
}

// =============================================================================
// NOTIFIER - External notification collaborator (out of scope, narrow)
// =============================================================================

type Notifier interface {
	SpotAuditFlagged(ctx context.Context, shift HistoryShift, artifact PinnedArtifact) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) SpotAuditFlagged(context.Context, HistoryShift, PinnedArtifact) error {
	return nil
}
