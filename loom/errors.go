/*
errors.go - Centralized error types for the loom engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers should wrap these errors with additional context.

ERROR CATEGORIES:
  1. Expansion errors - Malformed recurrence or exception data (per-rule)
  2. Integrity errors - Stale reference-data pointers (per-instance warning)
  3. Archival errors  - Snapshot transaction failures (retried next run)
  4. Conflict blocks  - Synchronous, user-visible rule-edit rejection
  5. Override violations - Projector writes to overridden rows; a bug class,
     enforced loudly by the stores rather than silently tolerated.

USAGE:
  if errors.Is(err, loom.ErrOverrideViolation) {
      // invariant breach - fail the test, page someone
  }

SEE ALSO:
  - projector.go: Catches expansion errors per rule
  - archiver.go: Records archival errors per instance
  - conflict.go: Produces conflict blocks
*/
package loom

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOverrideViolation is returned when the engine attempts to write to
	// an attachment whose is_overridden flag is set. This is a programming
	// bug, never expected behavior.
	ErrOverrideViolation = errors.New("write to overridden attachment")

	// ErrConcurrentModification is returned when an optimistic concurrency
	// check fails. The human edit wins; the engine re-reads and retries on
	// the next pass.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrMalformedRecurrence is returned for recurrence or exception data
	// the expander cannot interpret.
	ErrMalformedRecurrence = errors.New("malformed recurrence")

	// ErrRuleNotFound is returned when a referenced rule doesn't exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInstanceNotFound is returned when a referenced instance doesn't exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrShiftNotFound is returned when a referenced history shift doesn't exist.
	ErrShiftNotFound = errors.New("history shift not found")

	// ErrDuplicateInstance is returned when a second instance for the same
	// (rule, date) would be created. Enforces the window uniqueness invariant.
	ErrDuplicateInstance = errors.New("duplicate instance for rule and date")

	// ErrAlreadyArchived is returned when an instance has already been woven
	// into the history ribbon.
	ErrAlreadyArchived = errors.New("instance already archived")

	// ErrInvalidWindow is returned for a non-positive window length.
	ErrInvalidWindow = errors.New("window length must be positive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RuleExpansionError reports a rule whose recurrence could not be expanded.
// The Projector logs it and skips the rule; the batch continues.
type RuleExpansionError struct {
	RuleID RuleID
	Reason string
}

func (e *RuleExpansionError) Error() string {
	return fmt.Sprintf("rule %s expansion failed: %s", e.RuleID, e.Reason)
}

func (e *RuleExpansionError) Unwrap() error { return ErrMalformedRecurrence }

// ReferentialIntegrityError reports a stale venue/vehicle/participant
// reference. Surfaced as a warning on the instance, never fatal.
type ReferentialIntegrityError struct {
	InstanceID InstanceID
	Kind       SubjectKind
	SubjectID  SubjectID
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("instance %s references missing or inactive %s %s",
		e.InstanceID, e.Kind, e.SubjectID)
}

// ArchivalTransactionError reports a single instance whose snapshot+delete
// transaction failed. Retried next run; never blocks siblings.
type ArchivalTransactionError struct {
	InstanceID InstanceID
	Err        error
}

func (e *ArchivalTransactionError) Error() string {
	return fmt.Sprintf("archival of instance %s failed: %v", e.InstanceID, e.Err)
}

func (e *ArchivalTransactionError) Unwrap() error { return e.Err }

// ConflictBlockError is the user-visible rejection of a rule edit that
// collides with overridden operational state.
type ConflictBlockError struct {
	RuleID    RuleID
	Conflicts []Conflict
}

func (e *ConflictBlockError) Error() string {
	return fmt.Sprintf("rule %s change blocked by %d conflict(s)", e.RuleID, len(e.Conflicts))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later pass.
func IsRetryable(err error) bool {
	var archival *ArchivalTransactionError
	return errors.Is(err, ErrConcurrentModification) || errors.As(err, &archival)
}

// IsBlocking returns true if the error is a hard conflict block.
func IsBlocking(err error) bool {
	var block *ConflictBlockError
	return errors.As(err, &block)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	var integrity *ReferentialIntegrityError
	return errors.Is(err, ErrMalformedRecurrence) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrAlreadyArchived) ||
		errors.As(err, &integrity) ||
		IsBlocking(err)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrShiftNotFound)
}
