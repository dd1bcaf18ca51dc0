/*
conflict.go - Rule-edit validation against overridden operational state

PURPOSE:
  Runs synchronously on rule create/edit, before the mutation commits.
  Scans the affected date range for overridden instances and attachments
  that are incompatible with the proposed change, and returns either
  non-blocking warnings or a hard block.

SEMANTICS:
  Blocking: the proposed rule would double-book a uniquely-required resource
  (staff member or vehicle) that a human override has pinned to another
  rule's instance at an overlapping time.

  Warning: overridden instances of the rule being edited will no longer
  match the rule's defaults. The overrides survive regeneration; operators
  just need to know the divergence exists.

  The resolver does NOT re-run during ordinary Projector passes; the
  Projector defers overlapping-enrollment resolution to rule-mutation time.

SEE ALSO:
  - projector.go: Never mutates overridden rows regardless
  - api/handlers.go: Rejects blocked rule edits before persisting
*/
package loom

import (
	"context"
	"fmt"
)

// =============================================================================
// CONFLICT MODEL
// =============================================================================

// Conflict is one incompatibility between a proposed rule change and
// existing overridden operational state.
type Conflict struct {
	InstanceID InstanceID
	Date       Date
	Kind       AttachmentKind
	SubjectID  SubjectID
	Message    string
	Blocking   bool
}

// ConflictReport is the resolver's verdict. Blocking=true means the rule
// mutation must not persist.
type ConflictReport struct {
	Conflicts []Conflict
	Blocking  bool
}

func (r *ConflictReport) add(c Conflict) {
	r.Conflicts = append(r.Conflicts, c)
	if c.Blocking {
		r.Blocking = true
	}
}

// =============================================================================
// CONFLICT RESOLVER
// =============================================================================

type ConflictResolver struct {
	Instances InstanceStore
}

// CheckConflict validates a proposed rule state against the instance layer
// in [from, to). The caller passes the window the Projector would cover.
func (cr *ConflictResolver) CheckConflict(ctx context.Context, proposed Rule, exceptions []Exception, from, to Date) (*ConflictReport, error) {
	report := &ConflictReport{}

	occurrences, err := Expand(proposed, exceptions, from, to)
	if err != nil {
		// A rule that cannot expand cannot conflict; the factory rejects it
		// before it gets here.
		return nil, err
	}

	occByDate := make(map[string]Occurrence, len(occurrences))
	for _, occ := range occurrences {
		occByDate[occ.Date.String()] = occ
	}

	instances, err := cr.Instances.InstancesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("scan instances: %w", err)
	}

	required := requiredResources(proposed)

	for _, inst := range instances {
		occ, fires := occByDate[inst.Date.String()]

		if inst.RuleID == proposed.ID {
			cr.checkOwnInstance(ctx, report, proposed, inst, occ, fires)
			continue
		}
		if !fires {
			continue
		}
		if !Overlaps(occ.Start, occ.End, inst.Start, inst.End) {
			continue
		}
		if err := cr.checkDoubleBooking(ctx, report, inst, occ, required); err != nil {
			return nil, err
		}
	}

	return report, nil
}

// checkOwnInstance warns when an overridden instance of the edited rule
// will diverge from the new defaults.
func (cr *ConflictResolver) checkOwnInstance(ctx context.Context, report *ConflictReport, proposed Rule, inst Instance, occ Occurrence, fires bool) {
	if !fires {
		if inst.ManuallyModified {
			report.add(Conflict{
				InstanceID: inst.ID,
				Date:       inst.Date,
				Message: fmt.Sprintf("manually modified instance on %s no longer matches the rule's recurrence; it will be kept as-is",
					inst.Date),
			})
		}
		return
	}

	if inst.ManuallyModified && (inst.VenueID != occ.VenueID || inst.Start != occ.Start || inst.End != occ.End) {
		report.add(Conflict{
			InstanceID: inst.ID,
			Date:       inst.Date,
			Message: fmt.Sprintf("manually modified instance on %s diverges from the new rule defaults; overrides will be preserved",
				inst.Date),
		})
	}

	attachments, err := cr.Instances.AttachmentsForInstance(ctx, inst.ID)
	if err != nil {
		return
	}
	for _, att := range attachments {
		if att.IsOverridden && att.OverrideSource == OverrideHuman {
			report.add(Conflict{
				InstanceID: inst.ID,
				Date:       inst.Date,
				Kind:       att.Kind,
				SubjectID:  att.SubjectID,
				Message: fmt.Sprintf("overridden %s %s on %s will not be regenerated",
					att.Kind, att.SubjectID, inst.Date),
			})
		}
	}
}

// checkDoubleBooking blocks when a human override on another rule's
// instance pins a resource the proposed rule also requires at that time.
func (cr *ConflictResolver) checkDoubleBooking(ctx context.Context, report *ConflictReport, inst Instance, occ Occurrence, required map[subjectKey]bool) error {
	attachments, err := cr.Instances.AttachmentsForInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("instance %s: load attachments: %w", inst.ID, err)
	}

	for _, att := range attachments {
		if !att.IsOverridden || att.OverrideSource != OverrideHuman || att.Status == AttachRemoved {
			continue
		}
		if att.Kind != AttachStaff && att.Kind != AttachVehicle {
			continue
		}
		if !required[subjectKey{att.Kind, att.SubjectID}] {
			continue
		}
		report.add(Conflict{
			InstanceID: inst.ID,
			Date:       inst.Date,
			Kind:       att.Kind,
			SubjectID:  att.SubjectID,
			Blocking:   true,
			Message: fmt.Sprintf("%s %s is pinned by an operator override on %s at an overlapping time",
				att.Kind, att.SubjectID, inst.Date),
		})
	}

	// Venue clash with a manually pinned instance is worth surfacing, but
	// venues can be shared; leave it non-blocking.
	if inst.ManuallyModified && inst.VenueID == occ.VenueID {
		report.add(Conflict{
			InstanceID: inst.ID,
			Date:       inst.Date,
			SubjectID:  inst.VenueID,
			Message: fmt.Sprintf("venue %s is held by a manually modified instance on %s at an overlapping time",
				inst.VenueID, inst.Date),
		})
	}

	return nil
}

// requiredResources collects the uniquely-required subjects of a rule.
func requiredResources(rule Rule) map[subjectKey]bool {
	required := make(map[subjectKey]bool, len(rule.StaffIDs)+1)
	for _, id := range rule.StaffIDs {
		required[subjectKey{AttachStaff, id}] = true
	}
	if rule.VehicleID != "" {
		required[subjectKey{AttachVehicle, rule.VehicleID}] = true
	}
	return required
}
