/*
archiver.go - Live-to-history transition

PURPOSE:
  Promotes completed instances into the History Ribbon. Per instance: the
  instance and all its attachments are snapshotted into one HistoryShift
  with per-subject ribbon rows, names denormalized at archival time, then
  the live rows are deleted. Snapshot+delete is one transaction.

IDEMPOTENCE:
  An archived instance no longer exists in the live layer, so it is simply
  absent from the next selection. Re-running with the same asOf adds zero
  rows; the unique index on original_instance_id backstops races.

FAILURE ISOLATION:
  A single instance's failure is logged, reported, and retried next run.
  It never blocks sibling archival.

SEE ALSO:
  - types.go: HistoryShift, ShiftSubject
  - quality.go: Post-archival spot audits
*/
package loom

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ARCHIVER
// =============================================================================

type Archiver struct {
	Rules     RuleStore
	Instances InstanceStore
	History   HistoryStore
	Directory Directory
	Audit     AuditSink
	Lock      *PassLock
}

// ArchiveSummary is the result of one archival pass.
type ArchiveSummary struct {
	Archived int
	Errors   []string

	// Shifts holds the shifts woven by this pass, for the Quality Agent.
	Shifts []HistoryShift
}

// ArchiveCompleted weaves every archive-eligible instance ending before asOf
// into the history ribbon.
func (a *Archiver) ArchiveCompleted(ctx context.Context, asOf time.Time) (*ArchiveSummary, error) {
	if a.Lock != nil {
		release := a.Lock.Acquire()
		defer release()
	}

	candidates, err := a.Instances.InstancesEndedBefore(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("select completed instances: %w", err)
	}

	summary := &ArchiveSummary{}
	for _, inst := range candidates {
		if err := ctx.Err(); err != nil {
			// Committed shifts stand; the rest is picked up next run.
			return summary, err
		}
		if !inst.Status.ArchiveEligible() {
			continue
		}

		shift, err := a.archiveOne(ctx, inst)
		if err != nil {
			archErr := &ArchivalTransactionError{InstanceID: inst.ID, Err: err}
			log.Printf("[Archiver] %v", archErr)
			summary.Errors = append(summary.Errors, archErr.Error())
			continue
		}
		summary.Archived++
		summary.Shifts = append(summary.Shifts, *shift)
	}

	if summary.Archived > 0 || len(summary.Errors) > 0 {
		log.Printf("[Archiver] done: %d archived, %d error(s)", summary.Archived, len(summary.Errors))
	}
	return summary, nil
}

// archiveOne snapshots a single instance and deletes its live rows.
func (a *Archiver) archiveOne(ctx context.Context, inst Instance) (*HistoryShift, error) {
	attachments, err := a.Instances.AttachmentsForInstance(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}

	shift := HistoryShift{
		ID:                 ShiftID(uuid.NewString()),
		OriginalInstanceID: inst.ID,
		RuleID:             inst.RuleID,
		Date:               inst.Date,
		Start:              inst.Start,
		End:                inst.End,
		VenueID:            inst.VenueID,
		VenueName:          a.subjectName(ctx, SubjectVenue, inst.VenueID),
		CompletionStatus:   completionStatus(inst.Status),
		ParticipantCount:   inst.ParticipantCount,
		StaffCount:         inst.StaffCount,
		BillableHours:      BillableHoursFor(inst.Start, inst.End),
		Archived:           true,
		WovenAt:            time.Now().UTC(),
	}
	shift.RuleName = a.ruleName(ctx, inst.RuleID)

	for _, att := range attachments {
		if att.Status == AttachRemoved {
			continue
		}
		shift.Subjects = append(shift.Subjects, ShiftSubject{
			ID:            uuid.NewString(),
			ShiftID:       shift.ID,
			Kind:          att.Kind,
			SubjectID:     att.SubjectID,
			SubjectName:   a.subjectName(ctx, AttachmentSubjectKind(att.Kind), att.SubjectID),
			Status:        att.Status,
			WasOverridden: att.IsOverridden,
		})
	}

	if err := a.History.ArchiveShift(ctx, shift); err != nil {
		if errors.Is(err, ErrAlreadyArchived) {
			// Raced a prior run's commit; nothing to do.
			return &shift, nil
		}
		return nil, err
	}

	recordAudit(ctx, a.Audit, NewAuditEvent(ActionArchive, "instance", string(inst.ID), inst, shift))
	return &shift, nil
}

// subjectName denormalizes a display name at archival time. A missing
// directory entry falls back to the raw id so the ribbon row still stands.
func (a *Archiver) subjectName(ctx context.Context, kind SubjectKind, id SubjectID) string {
	if id == "" || a.Directory == nil {
		return string(id)
	}
	entry, err := a.Directory.Lookup(ctx, kind, id)
	if err != nil || entry == nil || entry.Name == "" {
		return string(id)
	}
	return entry.Name
}

func (a *Archiver) ruleName(ctx context.Context, id RuleID) string {
	if a.Rules == nil {
		return string(id)
	}
	rule, err := a.Rules.GetRule(ctx, id)
	if err != nil || rule == nil {
		return string(id)
	}
	return rule.Name
}

// completionStatus maps the live status to the archived one. A scheduled
// instance whose end time passed is assumed to have run.
func completionStatus(s InstanceStatus) InstanceStatus {
	if s == StatusScheduled {
		return StatusCompleted
	}
	return s
}
