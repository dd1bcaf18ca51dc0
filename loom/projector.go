/*
projector.go - Rule-to-instance reconciliation pass

PURPOSE:
  Reconciles the Rule Store against the Instance Store for the active
  window. Rules are intent; Instances are operational fact. The pass:

  1. Reads the window config fresh and computes [today, today+weeks)
  2. Loads active rules intersecting the window
  3. Expands each rule's recurrence, honoring exceptions
  4. Per (rule, date): creates missing instances with default attachments,
     refreshes stale non-overridden ones, skips overridden ones (emitting
     integrity warnings instead of mutating)
  5. Deletes future, untouched instances whose generating occurrence is gone

IDEMPOTENCE:
  A second pass with no rule changes performs zero creates and updates; the
  projection hash short-circuits every unchanged (rule, date) pair.

OVERRIDE PRESERVATION:
  The pass only ever hands non-overridden rows to SyncInstance. The stores
  enforce the invariant again and fail loudly on violation.

CONCURRENCY:
  One pass at a time, guarded by the loom-write PassLock shared with the
  Archiver. Within a pass, rules fan out across workers; a rule's
  occurrences stay on one worker so (rule, date) upserts are serialized.
  Operator edits racing the pass win via the optimistic updated_at check.

FAILURE ISOLATION:
  One rule's expansion failure is logged and skipped, never aborting the
  batch. Each instance and its attachments commit as one transaction, so
  cancellation mid-pass leaves no partial rows.

SEE ALSO:
  - recurrence.go: Expand
  - hash.go: ProjectionHash
  - archiver.go: The other batch pass sharing the lock
*/
package loom

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// PASS LOCK - Named mutual exclusion for loom writes
// =============================================================================

// PassLock serializes batch passes (Projector, Archiver) against each other.
// Ordinary CRUD reads and writes to reference data are unrestricted.
type PassLock struct {
	name string
	mu   sync.Mutex
}

func NewPassLock(name string) *PassLock {
	return &PassLock{name: name}
}

// Acquire blocks until the lock is held and returns the release func.
func (l *PassLock) Acquire() func() {
	l.mu.Lock()
	return l.mu.Unlock
}

func (l *PassLock) Name() string { return l.name }

// =============================================================================
// PROJECTOR
// =============================================================================

type Projector struct {
	Rules     RuleStore
	Instances InstanceStore
	Windows   WindowStore
	Directory Directory
	Audit     AuditSink
	Lock      *PassLock

	// Workers bounds rule fan-out. Zero means single-threaded.
	Workers int
}

// ProjectionSummary is the result of one pass.
type ProjectionSummary struct {
	Created  int
	Updated  int
	Skipped  int
	Deleted  int
	Warnings []string
}

// ruleOutcome is one worker's result for one rule.
type ruleOutcome struct {
	ruleID        RuleID
	created       int
	updated       int
	skipped       int
	warnings      []string
	expectedDates map[string]bool

	// failed marks a rule whose expansion did not complete. Its expected
	// set is meaningless, so cleanup must leave its instances alone.
	failed bool
}

// Project runs one reconciliation pass with today as the window origin.
func (p *Projector) Project(ctx context.Context, today Date) (*ProjectionSummary, error) {
	if p.Lock != nil {
		release := p.Lock.Acquire()
		defer release()
	}

	cfg, err := p.Windows.WindowConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("read window config: %w", err)
	}
	if cfg.Weeks <= 0 {
		return nil, ErrInvalidWindow
	}
	from, to := cfg.Horizon(today)

	rules, err := p.Rules.ActiveRulesIntersecting(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}

	log.Printf("[Projector] pass over %s..%s: %d active rule(s)", from, to, len(rules))

	outcomes := p.fanOut(ctx, rules, from, to)

	summary := &ProjectionSummary{}
	expected := make(map[RuleID]map[string]bool, len(outcomes))
	failed := make(map[RuleID]bool)
	for _, o := range outcomes {
		summary.Created += o.created
		summary.Updated += o.updated
		summary.Skipped += o.skipped
		summary.Warnings = append(summary.Warnings, o.warnings...)
		if o.failed {
			failed[o.ruleID] = true
			continue
		}
		expected[o.ruleID] = o.expectedDates
	}

	if err := ctx.Err(); err != nil {
		// Committed units stand; the rest is revisited next run.
		return summary, err
	}

	deleted, warnings, err := p.cleanupStale(ctx, today, from, to, expected, failed)
	summary.Deleted = deleted
	summary.Warnings = append(summary.Warnings, warnings...)
	if err != nil {
		return summary, err
	}

	log.Printf("[Projector] done: %d created, %d updated, %d skipped, %d deleted, %d warning(s)",
		summary.Created, summary.Updated, summary.Skipped, summary.Deleted, len(summary.Warnings))
	return summary, nil
}

// fanOut shards rules across workers. A rule is handed to exactly one
// worker, so all (rule, date) upserts for it are serialized.
func (p *Projector) fanOut(ctx context.Context, rules []Rule, from, to Date) []ruleOutcome {
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(rules) {
		workers = len(rules)
	}

	jobs := make(chan Rule)
	results := make(chan ruleOutcome, len(rules))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rule := range jobs {
				results <- p.projectRule(ctx, rule, from, to)
			}
		}()
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		jobs <- rule
	}
	close(jobs)
	wg.Wait()
	close(results)

	outcomes := make([]ruleOutcome, 0, len(rules))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// projectRule expands one rule and reconciles each occurrence.
func (p *Projector) projectRule(ctx context.Context, rule Rule, from, to Date) ruleOutcome {
	out := ruleOutcome{ruleID: rule.ID, expectedDates: make(map[string]bool)}

	exceptions, err := p.Rules.ExceptionsForRule(ctx, rule.ID)
	if err != nil {
		out.warnings = append(out.warnings, fmt.Sprintf("rule %s: load exceptions: %v", rule.ID, err))
		out.failed = true
		return out
	}

	occurrences, err := Expand(rule, exceptions, from, to)
	if err != nil {
		log.Printf("[Projector] %v", err)
		out.warnings = append(out.warnings, err.Error())
		out.skipped++
		out.failed = true
		return out
	}

	for _, occ := range occurrences {
		if ctx.Err() != nil {
			return out
		}
		out.expectedDates[occ.Date.String()] = true

		created, updated, warnings := p.projectOccurrence(ctx, rule, occ)
		out.created += created
		out.updated += updated
		if created == 0 && updated == 0 {
			out.skipped++
		}
		out.warnings = append(out.warnings, warnings...)
	}

	return out
}

// projectOccurrence reconciles a single (rule, date) pair.
func (p *Projector) projectOccurrence(ctx context.Context, rule Rule, occ Occurrence) (created, updated int, warnings []string) {
	existing, err := p.Instances.FindInstance(ctx, rule.ID, occ.Date)
	if err != nil {
		return 0, 0, []string{fmt.Sprintf("rule %s on %s: lookup failed: %v", rule.ID, occ.Date, err)}
	}

	hash := ProjectionHash(rule, occ.Exception)

	if existing == nil {
		return p.createInstance(ctx, rule, occ, hash)
	}

	if existing.ManuallyModified {
		// Overridden layer of truth. Never mutate; still verify references.
		return 0, 0, p.checkIntegrity(ctx, *existing)
	}

	if existing.ProjectionHash == hash {
		return 0, 0, nil
	}

	return p.refreshInstance(ctx, rule, occ, hash, *existing)
}

func (p *Projector) createInstance(ctx context.Context, rule Rule, occ Occurrence, hash string) (int, int, []string) {
	attachments, warnings := p.defaultAttachments(ctx, rule)

	now := time.Now().UTC()
	inst := Instance{
		ID:             InstanceID(uuid.NewString()),
		RuleID:         rule.ID,
		Date:           occ.Date,
		Start:          occ.Start,
		End:            occ.End,
		VenueID:        occ.VenueID,
		Status:         StatusScheduled,
		ProjectionHash: hash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i := range attachments {
		attachments[i].InstanceID = inst.ID
	}
	inst.ParticipantCount, inst.StaffCount = CountSubjects(attachments)

	if warn := p.venueWarning(ctx, inst.ID, occ.VenueID); warn != "" {
		warnings = append(warnings, warn)
	}

	if err := p.Instances.CreateInstance(ctx, inst, attachments); err != nil {
		if errors.Is(err, ErrDuplicateInstance) {
			// Lost a race with an earlier commit; next pass reconciles it.
			return 0, 0, warnings
		}
		return 0, 0, append(warnings, fmt.Sprintf("rule %s on %s: create failed: %v", rule.ID, occ.Date, err))
	}

	recordAudit(ctx, p.Audit, NewAuditEvent(ActionCreate, "instance", string(inst.ID), nil, inst))
	return 1, 0, warnings
}

func (p *Projector) refreshInstance(ctx context.Context, rule Rule, occ Occurrence, hash string, existing Instance) (int, int, []string) {
	attachments, err := p.Instances.AttachmentsForInstance(ctx, existing.ID)
	if err != nil {
		return 0, 0, []string{fmt.Sprintf("instance %s: load attachments: %v", existing.ID, err)}
	}

	defaults, warnings := p.defaultAttachments(ctx, rule)
	sync := diffAttachments(existing.ID, attachments, defaults)

	inst := existing
	inst.Start = occ.Start
	inst.End = occ.End
	inst.VenueID = occ.VenueID
	inst.ProjectionHash = hash
	inst.ParticipantCount, inst.StaffCount = CountSubjects(resultingAttachments(attachments, sync))
	inst.UpdatedAt = time.Now().UTC()

	if err := p.Instances.SyncInstance(ctx, inst, existing.UpdatedAt, sync); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			// A human edit landed mid-pass; the human wins, next pass re-reads.
			return 0, 0, warnings
		}
		return 0, 0, append(warnings, fmt.Sprintf("instance %s: sync failed: %v", existing.ID, err))
	}

	recordAudit(ctx, p.Audit, NewAuditEvent(ActionUpdate, "instance", string(inst.ID), existing, inst))
	return 0, 1, warnings
}

// defaultAttachments builds the rule's default attachment set, excluding
// missing or inactive subjects from generation (with a warning).
func (p *Projector) defaultAttachments(ctx context.Context, rule Rule) ([]Attachment, []string) {
	var attachments []Attachment
	var warnings []string

	add := func(kind AttachmentKind, subjectID SubjectID) {
		entry, err := p.lookup(ctx, AttachmentSubjectKind(kind), subjectID)
		if err != nil {
			warnings = append(warnings, err.Error())
			return
		}
		if entry == nil || !entry.Active {
			warnings = append(warnings, fmt.Sprintf("rule %s: %s %s is missing or inactive, excluded from generation",
				rule.ID, kind, subjectID))
			return
		}
		attachments = append(attachments, Attachment{
			ID:        AttachmentID(uuid.NewString()),
			Kind:      kind,
			SubjectID: subjectID,
			RuleID:    rule.ID,
			Status:    AttachExpected,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		})
	}

	for _, id := range rule.ParticipantIDs {
		add(AttachParticipant, id)
	}
	for _, id := range rule.StaffIDs {
		add(AttachStaff, id)
	}
	if rule.VehicleID != "" {
		add(AttachVehicle, rule.VehicleID)
	}

	return attachments, warnings
}

func (p *Projector) lookup(ctx context.Context, kind SubjectKind, id SubjectID) (*DirectoryEntry, error) {
	if p.Directory == nil {
		return &DirectoryEntry{ID: id, Kind: kind, Active: true}, nil
	}
	entry, err := p.Directory.Lookup(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("directory lookup %s %s: %w", kind, id, err)
	}
	return entry, nil
}

func (p *Projector) venueWarning(ctx context.Context, instanceID InstanceID, venueID SubjectID) string {
	entry, err := p.lookup(ctx, SubjectVenue, venueID)
	if err != nil {
		return err.Error()
	}
	if entry == nil || !entry.Active {
		ref := &ReferentialIntegrityError{InstanceID: instanceID, Kind: SubjectVenue, SubjectID: venueID}
		return ref.Error()
	}
	return ""
}

// checkIntegrity verifies references on an instance the pass must not touch.
func (p *Projector) checkIntegrity(ctx context.Context, inst Instance) []string {
	var warnings []string
	if warn := p.venueWarning(ctx, inst.ID, inst.VenueID); warn != "" {
		warnings = append(warnings, warn)
	}

	attachments, err := p.Instances.AttachmentsForInstance(ctx, inst.ID)
	if err != nil {
		return append(warnings, fmt.Sprintf("instance %s: load attachments: %v", inst.ID, err))
	}
	for _, att := range attachments {
		if att.Status == AttachRemoved {
			continue
		}
		entry, err := p.lookup(ctx, AttachmentSubjectKind(att.Kind), att.SubjectID)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		if entry == nil {
			ref := &ReferentialIntegrityError{
				InstanceID: inst.ID,
				Kind:       AttachmentSubjectKind(att.Kind),
				SubjectID:  att.SubjectID,
			}
			warnings = append(warnings, ref.Error())
		}
	}
	return warnings
}

// cleanupStale deletes instances whose generating occurrence is gone: their
// rule went inactive or the date dropped out of the expansion. Only future,
// untouched instances qualify; overrides always survive.
func (p *Projector) cleanupStale(ctx context.Context, today, from, to Date, expected map[RuleID]map[string]bool, failed map[RuleID]bool) (int, []string, error) {
	// Scan only the current horizon. Instances beyond it (e.g. after a
	// window shrink) are left alone; the window config never deletes.
	instances, err := p.Instances.InstancesInRange(ctx, from, to)
	if err != nil {
		return 0, nil, fmt.Errorf("load window instances: %w", err)
	}

	deleted := 0
	var warnings []string
	for _, inst := range instances {
		if err := ctx.Err(); err != nil {
			return deleted, warnings, err
		}

		// A rule that failed to expand is still active; we just don't know
		// its dates this pass, so its instances stay put.
		if failed[inst.RuleID] {
			continue
		}
		if dates, ok := expected[inst.RuleID]; ok && dates[inst.Date.String()] {
			continue
		}
		if !inst.Date.After(today) {
			continue
		}
		if inst.ManuallyModified {
			continue
		}

		attachments, err := p.Instances.AttachmentsForInstance(ctx, inst.ID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("instance %s: load attachments: %v", inst.ID, err))
			continue
		}
		if hasOverrides(attachments) {
			continue
		}

		if err := p.Instances.DeleteInstance(ctx, inst.ID); err != nil {
			warnings = append(warnings, fmt.Sprintf("instance %s: delete failed: %v", inst.ID, err))
			continue
		}
		recordAudit(ctx, p.Audit, NewAuditEvent(ActionDelete, "instance", string(inst.ID), inst, nil))
		deleted++
	}

	return deleted, warnings, nil
}

// =============================================================================
// ATTACHMENT RECONCILIATION HELPERS
// =============================================================================

type subjectKey struct {
	Kind      AttachmentKind
	SubjectID SubjectID
}

// diffAttachments computes the sync set: defaults missing from the instance
// are added, engine-owned rows whose subject left the defaults are removed.
// Overridden rows and operator-added rows are never part of the sync set.
func diffAttachments(instanceID InstanceID, existing, defaults []Attachment) AttachmentSync {
	current := make(map[subjectKey]Attachment, len(existing))
	for _, att := range existing {
		current[subjectKey{att.Kind, att.SubjectID}] = att
	}

	wanted := make(map[subjectKey]bool, len(defaults))
	var sync AttachmentSync
	for _, def := range defaults {
		key := subjectKey{def.Kind, def.SubjectID}
		wanted[key] = true
		if _, ok := current[key]; ok {
			continue
		}
		def.InstanceID = instanceID
		sync.Upserts = append(sync.Upserts, def)
	}

	for _, att := range existing {
		if att.IsOverridden || att.RuleID == "" {
			continue
		}
		if !wanted[subjectKey{att.Kind, att.SubjectID}] {
			sync.RemoveIDs = append(sync.RemoveIDs, att.ID)
		}
	}

	return sync
}

// resultingAttachments applies a sync set in memory, for derived counts.
func resultingAttachments(existing []Attachment, sync AttachmentSync) []Attachment {
	removed := make(map[AttachmentID]bool, len(sync.RemoveIDs))
	for _, id := range sync.RemoveIDs {
		removed[id] = true
	}

	var result []Attachment
	for _, att := range existing {
		if !removed[att.ID] {
			result = append(result, att)
		}
	}
	return append(result, sync.Upserts...)
}

// CountSubjects tallies non-removed participant and staff attachments.
func CountSubjects(attachments []Attachment) (participants, staff int) {
	for _, att := range attachments {
		if att.Status == AttachRemoved {
			continue
		}
		switch att.Kind {
		case AttachParticipant:
			participants++
		case AttachStaff:
			staff++
		}
	}
	return participants, staff
}

func hasOverrides(attachments []Attachment) bool {
	for _, att := range attachments {
		if att.IsOverridden {
			return true
		}
	}
	return false
}
