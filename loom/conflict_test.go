package loom_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapestry/loom-engine/loom"
	"github.com/tapestry/loom-engine/loom/store"
)

func checkWindow() (loom.Date, loom.Date) {
	from := loom.NewDate(2025, time.June, 2)
	return from, from.AddWeeks(6)
}

// pinStaff stores an instance of another rule holding the given staff
// member via a human override at 09:00-12:00 on the date.
func pinStaff(t *testing.T, mem *store.Memory, date loom.Date, staffID loom.SubjectID) loom.Instance {
	t.Helper()

	inst := loom.Instance{
		ID:      "other-inst",
		RuleID:  "r-other",
		Date:    date,
		Start:   loom.NewTimeOfDay(9, 0),
		End:     loom.NewTimeOfDay(12, 0),
		VenueID: "venue-9",
		Status:  loom.StatusScheduled,
	}
	attachments := []loom.Attachment{{
		ID:             "other-att",
		InstanceID:     inst.ID,
		Kind:           loom.AttachStaff,
		SubjectID:      staffID,
		IsOverridden:   true,
		OverrideSource: loom.OverrideHuman,
		Status:         loom.AttachExpected,
	}}
	require.NoError(t, mem.CreateInstance(context.Background(), inst, attachments))
	return inst
}

func TestCheckConflict_HumanPinnedStaffBlocksOverlappingRule(t *testing.T) {
	// GIVEN: Another rule's instance holds staff s-1 through a human override
	// WHEN: A proposed rule requires s-1 at an overlapping time
	// THEN: The report blocks

	mem := store.NewMemory()
	resolver := &loom.ConflictResolver{Instances: mem}

	from, to := checkWindow()
	pinStaff(t, mem, from.AddDays(1), "s-1") // a Tuesday

	proposed := weeklyRule("r-new", time.Tuesday)
	proposed.StaffIDs = []loom.SubjectID{"s-1"}

	report, err := resolver.CheckConflict(context.Background(), proposed, nil, from, to)
	require.NoError(t, err)
	require.True(t, report.Blocking)

	require.NotEmpty(t, report.Conflicts)
	blocking := report.Conflicts[0]
	assert.True(t, blocking.Blocking)
	assert.Equal(t, loom.SubjectID("s-1"), blocking.SubjectID)
	assert.Equal(t, loom.InstanceID("other-inst"), blocking.InstanceID)
}

func TestCheckConflict_NonOverlappingTimesDoNotBlock(t *testing.T) {
	mem := store.NewMemory()
	resolver := &loom.ConflictResolver{Instances: mem}

	from, to := checkWindow()
	pinStaff(t, mem, from.AddDays(1), "s-1")

	// Same staff, but the afternoon slot never touches 09:00-12:00.
	proposed := weeklyRule("r-new", time.Tuesday)
	proposed.Start = loom.NewTimeOfDay(13, 0)
	proposed.End = loom.NewTimeOfDay(16, 0)
	proposed.StaffIDs = []loom.SubjectID{"s-1"}

	report, err := resolver.CheckConflict(context.Background(), proposed, nil, from, to)
	require.NoError(t, err)
	assert.False(t, report.Blocking)
	assert.Empty(t, report.Conflicts)
}

func TestCheckConflict_UnpinnedStaffDoesNotBlock(t *testing.T) {
	// An engine-written attachment is fair game for regeneration, so a
	// proposed rule wanting the same person is not a hard conflict.
	mem := store.NewMemory()
	resolver := &loom.ConflictResolver{Instances: mem}

	from, to := checkWindow()
	inst := loom.Instance{
		ID:     "other-inst",
		RuleID: "r-other",
		Date:   from.AddDays(1),
		Start:  loom.NewTimeOfDay(9, 0),
		End:    loom.NewTimeOfDay(12, 0),
		Status: loom.StatusScheduled,
	}
	attachments := []loom.Attachment{{
		ID:         "other-att",
		InstanceID: inst.ID,
		Kind:       loom.AttachStaff,
		SubjectID:  "s-1",
		RuleID:     "r-other",
		Status:     loom.AttachExpected,
	}}
	require.NoError(t, mem.CreateInstance(context.Background(), inst, attachments))

	proposed := weeklyRule("r-new", time.Tuesday)
	proposed.StaffIDs = []loom.SubjectID{"s-1"}

	report, err := resolver.CheckConflict(context.Background(), proposed, nil, from, to)
	require.NoError(t, err)
	assert.False(t, report.Blocking)
}

func TestCheckConflict_OwnModifiedInstanceYieldsWarningOnly(t *testing.T) {
	// GIVEN: A manually moved instance of the rule being edited
	// WHEN: The rule's default time changes
	// THEN: A non-blocking divergence warning is reported

	mem := store.NewMemory()
	resolver := &loom.ConflictResolver{Instances: mem}
	from, to := checkWindow()

	inst := loom.Instance{
		ID:               "own-inst",
		RuleID:           "r-1",
		Date:             from.AddDays(1),
		Start:            loom.NewTimeOfDay(15, 0),
		End:              loom.NewTimeOfDay(17, 0),
		VenueID:          "venue-1",
		Status:           loom.StatusScheduled,
		ManuallyModified: true,
	}
	require.NoError(t, mem.CreateInstance(context.Background(), inst, nil))

	proposed := weeklyRule("r-1", time.Tuesday)

	report, err := resolver.CheckConflict(context.Background(), proposed, nil, from, to)
	require.NoError(t, err)
	assert.False(t, report.Blocking)
	require.NotEmpty(t, report.Conflicts)
	assert.Equal(t, loom.InstanceID("own-inst"), report.Conflicts[0].InstanceID)
}

func TestCheckConflict_OrphanedModifiedInstanceWarnsWhenRecurrenceNarrows(t *testing.T) {
	mem := store.NewMemory()
	resolver := &loom.ConflictResolver{Instances: mem}
	from, to := checkWindow()

	// Instance sits on a Tuesday; the proposed rule fires Fridays only.
	inst := loom.Instance{
		ID:               "own-inst",
		RuleID:           "r-1",
		Date:             from.AddDays(1),
		Start:            loom.NewTimeOfDay(9, 0),
		End:              loom.NewTimeOfDay(12, 0),
		Status:           loom.StatusScheduled,
		ManuallyModified: true,
	}
	require.NoError(t, mem.CreateInstance(context.Background(), inst, nil))

	proposed := weeklyRule("r-1", time.Friday)

	report, err := resolver.CheckConflict(context.Background(), proposed, nil, from, to)
	require.NoError(t, err)
	assert.False(t, report.Blocking)
	assert.NotEmpty(t, report.Conflicts)
}

func TestCheckConflict_MalformedRuleSurfacesExpansionError(t *testing.T) {
	mem := store.NewMemory()
	resolver := &loom.ConflictResolver{Instances: mem}
	from, to := checkWindow()

	proposed := weeklyRule("r-1")
	proposed.Recurrence = loom.Recurrence{Kind: loom.RecurWeekly}

	_, err := resolver.CheckConflict(context.Background(), proposed, nil, from, to)
	require.Error(t, err)
	assert.ErrorIs(t, err, loom.ErrMalformedRecurrence)
}
