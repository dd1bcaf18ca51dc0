package loom_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapestry/loom-engine/loom"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func weeklyRule(id string, weekdays ...time.Weekday) loom.Rule {
	return loom.Rule{
		ID:   loom.RuleID(id),
		Kind: loom.RuleProgram,
		Name: "Test Program",
		Recurrence: loom.Recurrence{
			Kind:     loom.RecurWeekly,
			Weekdays: weekdays,
		},
		Start:     loom.NewTimeOfDay(9, 0),
		End:       loom.NewTimeOfDay(12, 0),
		VenueID:   "venue-1",
		ValidFrom: loom.NewDate(2025, time.January, 1),
		Active:    true,
	}
}

func timePtr(t loom.TimeOfDay) *loom.TimeOfDay {
	return &t
}

// =============================================================================
// WEEKLY EXPANSION
// =============================================================================

func TestExpand_Weekly_EmitsMatchingWeekdaysOnly(t *testing.T) {
	// GIVEN: A rule firing every Tuesday and Thursday
	// WHEN: Expanding over two full weeks
	// THEN: Exactly 4 occurrences, each on a Tuesday or Thursday

	rule := weeklyRule("r-1", time.Tuesday, time.Thursday)

	// 2025-06-02 is a Monday
	from := loom.NewDate(2025, time.June, 2)
	to := from.AddWeeks(2)

	occurrences, err := loom.Expand(rule, nil, from, to)
	require.NoError(t, err)
	require.Len(t, occurrences, 4)

	for _, occ := range occurrences {
		wd := occ.Date.Weekday()
		assert.True(t, wd == time.Tuesday || wd == time.Thursday, "unexpected weekday %v", wd)
		assert.Equal(t, loom.NewTimeOfDay(9, 0), occ.Start)
		assert.Equal(t, loom.NewTimeOfDay(12, 0), occ.End)
		assert.Equal(t, loom.SubjectID("venue-1"), occ.VenueID)
	}
}

func TestExpand_Interval_EverySecondDayFromAnchor(t *testing.T) {
	// GIVEN: A rule firing every 2nd day anchored on June 2
	// WHEN: Expanding over one week starting at the anchor
	// THEN: Occurrences land on June 2, 4, 6, 8

	rule := weeklyRule("r-1")
	rule.Recurrence = loom.Recurrence{
		Kind:      loom.RecurInterval,
		EveryDays: 2,
		Anchor:    loom.NewDate(2025, time.June, 2),
	}

	from := loom.NewDate(2025, time.June, 2)
	occurrences, err := loom.Expand(rule, nil, from, from.AddDays(7))
	require.NoError(t, err)
	require.Len(t, occurrences, 4)

	assert.Equal(t, "2025-06-02", occurrences[0].Date.String())
	assert.Equal(t, "2025-06-04", occurrences[1].Date.String())
	assert.Equal(t, "2025-06-06", occurrences[2].Date.String())
	assert.Equal(t, "2025-06-08", occurrences[3].Date.String())
}

func TestExpand_Interval_NothingBeforeAnchor(t *testing.T) {
	rule := weeklyRule("r-1")
	rule.Recurrence = loom.Recurrence{
		Kind:      loom.RecurInterval,
		EveryDays: 3,
		Anchor:    loom.NewDate(2025, time.June, 10),
	}

	occurrences, err := loom.Expand(rule, nil,
		loom.NewDate(2025, time.June, 1), loom.NewDate(2025, time.June, 10))
	require.NoError(t, err)
	assert.Empty(t, occurrences)
}

// =============================================================================
// VALIDITY CLAMPING
// =============================================================================

func TestExpand_ClampsToValidityInterval(t *testing.T) {
	// GIVEN: A daily-ish rule valid only June 4..June 6
	// WHEN: Expanding over the whole month
	// THEN: Only occurrences inside the validity interval appear

	rule := weeklyRule("r-1",
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday)
	rule.ValidFrom = loom.NewDate(2025, time.June, 4)
	validTo := loom.NewDate(2025, time.June, 6)
	rule.ValidTo = &validTo

	occurrences, err := loom.Expand(rule, nil,
		loom.NewDate(2025, time.June, 1), loom.NewDate(2025, time.July, 1))
	require.NoError(t, err)
	require.Len(t, occurrences, 3)
	assert.Equal(t, "2025-06-04", occurrences[0].Date.String())
	assert.Equal(t, "2025-06-06", occurrences[2].Date.String())
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

func TestExpand_CancelException_DropsTheDate(t *testing.T) {
	rule := weeklyRule("r-1", time.Tuesday)
	cancelled := loom.NewDate(2025, time.June, 10) // a Tuesday

	exceptions := []loom.Exception{{
		ID:     "ex-1",
		RuleID: rule.ID,
		Date:   cancelled,
		Kind:   loom.ExceptionCancel,
	}}

	occurrences, err := loom.Expand(rule, exceptions,
		loom.NewDate(2025, time.June, 2), loom.NewDate(2025, time.June, 16))
	require.NoError(t, err)
	require.Len(t, occurrences, 1)
	assert.Equal(t, "2025-06-03", occurrences[0].Date.String())
}

func TestExpand_ShiftException_RewritesTimes(t *testing.T) {
	rule := weeklyRule("r-1", time.Tuesday)
	shifted := loom.NewDate(2025, time.June, 10)

	exceptions := []loom.Exception{{
		ID:       "ex-1",
		RuleID:   rule.ID,
		Date:     shifted,
		Kind:     loom.ExceptionShift,
		NewStart: timePtr(loom.NewTimeOfDay(14, 0)),
		NewEnd:   timePtr(loom.NewTimeOfDay(17, 0)),
	}}

	occurrences, err := loom.Expand(rule, exceptions,
		loom.NewDate(2025, time.June, 9), loom.NewDate(2025, time.June, 11))
	require.NoError(t, err)
	require.Len(t, occurrences, 1)
	assert.Equal(t, loom.NewTimeOfDay(14, 0), occurrences[0].Start)
	assert.Equal(t, loom.NewTimeOfDay(17, 0), occurrences[0].End)
	require.NotNil(t, occurrences[0].Exception)
}

func TestExpand_SubstituteVenueException_RewritesVenue(t *testing.T) {
	rule := weeklyRule("r-1", time.Tuesday)

	exceptions := []loom.Exception{{
		ID:      "ex-1",
		RuleID:  rule.ID,
		Date:    loom.NewDate(2025, time.June, 10),
		Kind:    loom.ExceptionSubstituteVenue,
		VenueID: "venue-2",
	}}

	occurrences, err := loom.Expand(rule, exceptions,
		loom.NewDate(2025, time.June, 9), loom.NewDate(2025, time.June, 11))
	require.NoError(t, err)
	require.Len(t, occurrences, 1)
	assert.Equal(t, loom.SubjectID("venue-2"), occurrences[0].VenueID)
}

func TestExpand_ExceptionForOtherRule_Ignored(t *testing.T) {
	rule := weeklyRule("r-1", time.Tuesday)

	exceptions := []loom.Exception{{
		ID:     "ex-1",
		RuleID: "someone-else",
		Date:   loom.NewDate(2025, time.June, 10),
		Kind:   loom.ExceptionCancel,
	}}

	occurrences, err := loom.Expand(rule, exceptions,
		loom.NewDate(2025, time.June, 9), loom.NewDate(2025, time.June, 11))
	require.NoError(t, err)
	assert.Len(t, occurrences, 1)
}

// =============================================================================
// MALFORMED RECURRENCE
// =============================================================================

func TestExpand_MalformedRecurrence_ReturnsExpansionError(t *testing.T) {
	cases := []struct {
		name string
		rec  loom.Recurrence
	}{
		{"weekly without weekdays", loom.Recurrence{Kind: loom.RecurWeekly}},
		{"interval without anchor", loom.Recurrence{Kind: loom.RecurInterval, EveryDays: 2}},
		{"interval with zero step", loom.Recurrence{Kind: loom.RecurInterval, Anchor: loom.NewDate(2025, time.June, 1)}},
		{"unknown kind", loom.Recurrence{Kind: "lunar"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := weeklyRule("r-bad")
			rule.Recurrence = tc.rec

			_, err := loom.Expand(rule, nil,
				loom.NewDate(2025, time.June, 1), loom.NewDate(2025, time.June, 8))
			require.Error(t, err)

			var expErr *loom.RuleExpansionError
			assert.ErrorAs(t, err, &expErr)
			assert.ErrorIs(t, err, loom.ErrMalformedRecurrence)
		})
	}
}
