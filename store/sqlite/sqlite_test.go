package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapestry/loom-engine/loom"
	"github.com/tapestry/loom-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRule(id string) loom.Rule {
	return loom.Rule{
		ID:   loom.RuleID(id),
		Kind: loom.RuleProgram,
		Name: "Morning Program",
		Recurrence: loom.Recurrence{
			Kind:     loom.RecurWeekly,
			Weekdays: []time.Weekday{time.Monday, time.Wednesday},
		},
		Start:          loom.NewTimeOfDay(9, 0),
		End:            loom.NewTimeOfDay(12, 0),
		VenueID:        "venue-1",
		ParticipantIDs: []loom.SubjectID{"p-1"},
		StaffIDs:       []loom.SubjectID{"s-1"},
		ValidFrom:      loom.NewDate(2025, time.January, 1),
		Active:         true,
	}
}

func testInstance(id, ruleID string, date loom.Date) loom.Instance {
	now := time.Now().UTC().Truncate(time.Second)
	return loom.Instance{
		ID:             loom.InstanceID(id),
		RuleID:         loom.RuleID(ruleID),
		Date:           date,
		Start:          loom.NewTimeOfDay(9, 0),
		End:            loom.NewTimeOfDay(12, 0),
		VenueID:        "venue-1",
		Status:         loom.StatusScheduled,
		ProjectionHash: "hash-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// =============================================================================
// RULES
// =============================================================================

func TestSaveRule_UpsertBumpsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rule := testRule("r-1")
	require.NoError(t, store.SaveRule(ctx, rule))

	loaded, err := store.GetRule(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 1, loaded.Version)
	assert.Equal(t, rule.Recurrence.Weekdays, loaded.Recurrence.Weekdays)

	rule.Name = "Afternoon Program"
	require.NoError(t, store.SaveRule(ctx, rule))

	loaded, err = store.GetRule(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "Afternoon Program", loaded.Name)
	assert.Equal(t, 2, loaded.Version)
}

func TestActiveRulesIntersecting_FiltersValidityAndActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	current := testRule("r-current")
	require.NoError(t, store.SaveRule(ctx, current))

	expired := testRule("r-expired")
	validTo := loom.NewDate(2025, time.February, 1)
	expired.ValidTo = &validTo
	require.NoError(t, store.SaveRule(ctx, expired))

	inactive := testRule("r-inactive")
	inactive.Active = false
	require.NoError(t, store.SaveRule(ctx, inactive))

	rules, err := store.ActiveRulesIntersecting(ctx,
		loom.NewDate(2025, time.June, 1), loom.NewDate(2025, time.July, 1))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, loom.RuleID("r-current"), rules[0].ID)
}

func TestSaveException_UniquePerRuleAndDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRule(ctx, testRule("r-1")))

	ex := loom.Exception{
		ID:     "ex-1",
		RuleID: "r-1",
		Date:   loom.NewDate(2025, time.June, 9),
		Kind:   loom.ExceptionCancel,
		Reason: "public holiday",
	}
	require.NoError(t, store.SaveException(ctx, ex))

	// Second write for the same (rule, date) replaces rather than duplicates.
	ex.ID = "ex-2"
	ex.Kind = loom.ExceptionSubstituteVenue
	ex.VenueID = "venue-2"
	require.NoError(t, store.SaveException(ctx, ex))

	exceptions, err := store.ExceptionsForRule(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, loom.ExceptionSubstituteVenue, exceptions[0].Kind)
}

// =============================================================================
// INSTANCES
// =============================================================================

func TestCreateInstance_DuplicateRuleDateRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	date := loom.NewDate(2025, time.June, 9)
	require.NoError(t, store.CreateInstance(ctx, testInstance("inst-1", "r-1", date), nil))

	err := store.CreateInstance(ctx, testInstance("inst-2", "r-1", date), nil)
	assert.ErrorIs(t, err, loom.ErrDuplicateInstance)
}

func TestFindInstance_ByRuleAndDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	date := loom.NewDate(2025, time.June, 9)
	require.NoError(t, store.CreateInstance(ctx, testInstance("inst-1", "r-1", date), nil))

	found, err := store.FindInstance(ctx, "r-1", date)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, loom.InstanceID("inst-1"), found.ID)

	missing, err := store.FindInstance(ctx, "r-1", date.AddDays(1))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSyncInstance_StaleTimestampRejected(t *testing.T) {
	// GIVEN: An instance whose row has moved on since it was read
	// WHEN: Syncing with the stale timestamp
	// THEN: ErrConcurrentModification, row untouched

	store := newTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1", "r-1", loom.NewDate(2025, time.June, 9))
	require.NoError(t, store.CreateInstance(ctx, inst, nil))

	stale := inst.UpdatedAt.Add(-time.Hour)
	inst.Start = loom.NewTimeOfDay(10, 0)
	err := store.SyncInstance(ctx, inst, stale, loom.AttachmentSync{})
	assert.ErrorIs(t, err, loom.ErrConcurrentModification)

	loaded, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, loom.NewTimeOfDay(9, 0), loaded.Start)
}

func TestSyncInstance_ManuallyModifiedRowRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1", "r-1", loom.NewDate(2025, time.June, 9))
	require.NoError(t, store.CreateInstance(ctx, inst, nil))

	inst.ManuallyModified = true
	require.NoError(t, store.UpdateInstance(ctx, inst))

	loaded, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)

	err = store.SyncInstance(ctx, *loaded, loaded.UpdatedAt, loom.AttachmentSync{})
	assert.ErrorIs(t, err, loom.ErrConcurrentModification)
}

func TestSyncInstance_OverriddenAttachmentsAreUntouchable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1", "r-1", loom.NewDate(2025, time.June, 9))
	overridden := loom.Attachment{
		ID:             "att-1",
		InstanceID:     inst.ID,
		Kind:           loom.AttachParticipant,
		SubjectID:      "p-1",
		RuleID:         "r-1",
		IsOverridden:   true,
		OverrideSource: loom.OverrideHuman,
		Status:         loom.AttachConfirmed,
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
	}
	require.NoError(t, store.CreateInstance(ctx, inst, []loom.Attachment{overridden}))

	t.Run("remove rejected", func(t *testing.T) {
		err := store.SyncInstance(ctx, inst, inst.UpdatedAt, loom.AttachmentSync{
			RemoveIDs: []loom.AttachmentID{"att-1"},
		})
		assert.ErrorIs(t, err, loom.ErrOverrideViolation)
	})

	t.Run("upsert rejected", func(t *testing.T) {
		replacement := overridden
		replacement.IsOverridden = false
		replacement.Status = loom.AttachExpected
		err := store.SyncInstance(ctx, inst, inst.UpdatedAt, loom.AttachmentSync{
			Upserts: []loom.Attachment{replacement},
		})
		assert.ErrorIs(t, err, loom.ErrOverrideViolation)
	})

	// Both rejections rolled back; the override row is intact.
	attachments, err := store.AttachmentsForInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.True(t, attachments[0].IsOverridden)
	assert.Equal(t, loom.AttachConfirmed, attachments[0].Status)
}

func TestSyncInstance_AppliesFieldAndAttachmentChanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1", "r-1", loom.NewDate(2025, time.June, 9))
	engineRow := loom.Attachment{
		ID:         "att-1",
		InstanceID: inst.ID,
		Kind:       loom.AttachParticipant,
		SubjectID:  "p-1",
		RuleID:     "r-1",
		Status:     loom.AttachExpected,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}
	require.NoError(t, store.CreateInstance(ctx, inst, []loom.Attachment{engineRow}))

	updated := inst
	updated.Start = loom.NewTimeOfDay(10, 0)
	updated.UpdatedAt = inst.UpdatedAt.Add(time.Minute)
	newAtt := engineRow
	newAtt.ID = "att-2"
	newAtt.SubjectID = "p-2"

	err := store.SyncInstance(ctx, updated, inst.UpdatedAt, loom.AttachmentSync{
		RemoveIDs: []loom.AttachmentID{"att-1"},
		Upserts:   []loom.Attachment{newAtt},
	})
	require.NoError(t, err)

	loaded, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, loom.NewTimeOfDay(10, 0), loaded.Start)

	attachments, err := store.AttachmentsForInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, loom.SubjectID("p-2"), attachments[0].SubjectID)
}

func TestInstancesEndedBefore_UsesEndTimeNotJustDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	date := loom.NewDate(2025, time.June, 9)
	require.NoError(t, store.CreateInstance(ctx, testInstance("inst-1", "r-1", date), nil))

	// Cutoff mid-shift: the 09:00-12:00 instance has not ended yet.
	midShift := loom.NewTimeOfDay(10, 0).At(date)
	ended, err := store.InstancesEndedBefore(ctx, midShift)
	require.NoError(t, err)
	assert.Empty(t, ended)

	afterEnd := loom.NewTimeOfDay(12, 1).At(date)
	ended, err = store.InstancesEndedBefore(ctx, afterEnd)
	require.NoError(t, err)
	assert.Len(t, ended, 1)
}

// =============================================================================
// HISTORY RIBBON
// =============================================================================

func testShift(id, originalID string) loom.HistoryShift {
	return loom.HistoryShift{
		ID:                 loom.ShiftID(id),
		OriginalInstanceID: loom.InstanceID(originalID),
		RuleID:             "r-1",
		RuleName:           "Morning Program",
		Date:               loom.NewDate(2025, time.June, 9),
		Start:              loom.NewTimeOfDay(9, 0),
		End:                loom.NewTimeOfDay(12, 0),
		VenueID:            "venue-1",
		VenueName:          "Main Hall",
		CompletionStatus:   loom.StatusCompleted,
		BillableHours:      decimal.NewFromFloat(3),
		Archived:           true,
		WovenAt:            time.Now().UTC(),
		Subjects: []loom.ShiftSubject{{
			ID:          uuid.NewString(),
			ShiftID:     loom.ShiftID(id),
			Kind:        loom.AttachParticipant,
			SubjectID:   "p-1",
			SubjectName: "Pat",
			Status:      loom.AttachConfirmed,
		}},
	}
}

func TestArchiveShift_RemovesLiveRowsAndIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := testInstance("inst-1", "r-1", loom.NewDate(2025, time.June, 9))
	att := loom.Attachment{
		ID: "att-1", InstanceID: inst.ID, Kind: loom.AttachParticipant,
		SubjectID: "p-1", RuleID: "r-1", Status: loom.AttachConfirmed,
		CreatedAt: inst.CreatedAt, UpdatedAt: inst.UpdatedAt,
	}
	require.NoError(t, store.CreateInstance(ctx, inst, []loom.Attachment{att}))

	shift := testShift("shift-1", "inst-1")
	require.NoError(t, store.ArchiveShift(ctx, shift))

	// Live side is gone.
	gone, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	leftover, err := store.AttachmentsForInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, leftover)

	// Ribbon side round-trips with subjects and billable hours.
	loaded, err := store.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.BillableHours.Equal(decimal.NewFromFloat(3)))
	require.Len(t, loaded.Subjects, 1)
	assert.Equal(t, "Pat", loaded.Subjects[0].SubjectName)

	// A second weave of the same original instance is refused.
	again := testShift("shift-2", "inst-1")
	err = store.ArchiveShift(ctx, again)
	assert.ErrorIs(t, err, loom.ErrAlreadyArchived)
}

func TestAddArtifact_RequiresExistingShift(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	artifact := loom.PinnedArtifact{
		ID:        "art-1",
		ShiftID:   "nope",
		Type:      loom.ArtifactNote,
		Content:   "left early",
		Severity:  loom.SeverityInfo,
		CreatedBy: "operator",
		CreatedAt: time.Now().UTC(),
	}
	err := store.AddArtifact(ctx, artifact)
	assert.ErrorIs(t, err, loom.ErrShiftNotFound)

	require.NoError(t, store.ArchiveShift(ctx, testShift("shift-1", "inst-1")))
	artifact.ShiftID = "shift-1"
	require.NoError(t, store.AddArtifact(ctx, artifact))

	artifacts, err := store.ArtifactsForShift(ctx, "shift-1")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, loom.ArtifactNote, artifacts[0].Type)
}

// =============================================================================
// WINDOW CONFIG
// =============================================================================

func TestWindowConfig_DefaultsToSixWeeks(t *testing.T) {
	store := newTestStore(t)

	cfg, err := store.WindowConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Weeks)
}

func TestSaveWindowConfig_RoundTripsAndValidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveWindowConfig(ctx, loom.WindowConfig{Weeks: 8}))
	cfg, err := store.WindowConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Weeks)

	err = store.SaveWindowConfig(ctx, loom.WindowConfig{Weeks: 0})
	assert.ErrorIs(t, err, loom.ErrInvalidWindow)
}

// =============================================================================
// DIRECTORY + AUDIT
// =============================================================================

func TestDirectory_SaveAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := loom.DirectoryEntry{ID: "p-1", Kind: loom.SubjectParticipant, Name: "Pat", Active: true}
	require.NoError(t, store.SaveEntry(ctx, entry))

	loaded, err := store.Lookup(ctx, loom.SubjectParticipant, "p-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "Pat", loaded.Name)

	missing, err := store.Lookup(ctx, loom.SubjectVenue, "p-1")
	require.NoError(t, err)
	assert.Nil(t, missing, "lookup is kind-scoped")
}

func TestRecentAuditEvents_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := loom.NewAuditEvent(loom.ActionCreate, "instance", "inst-1", nil, "a")
	second := loom.NewAuditEvent(loom.ActionUpdate, "instance", "inst-1", "a", "b")
	second.At = first.At.Add(time.Second)
	require.NoError(t, store.Record(ctx, first))
	require.NoError(t, store.Record(ctx, second))

	events, err := store.RecentAuditEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, loom.ActionUpdate, events[0].ActionType)

	limited, err := store.RecentAuditEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
