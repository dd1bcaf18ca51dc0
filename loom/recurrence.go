/*
recurrence.go - Pure recurrence expansion

PURPOSE:
  Expands a rule's recurrence spec into the finite sequence of concrete
  occurrences inside a date range, honoring exceptions. This is a pure
  function of rule state - no I/O, no clock reads - so the Projector's
  reconciliation can be tested date-by-date without a store.

EXPANSION PROCESS:
  1. Clamp the requested range to the rule's validity interval
  2. Walk dates and emit those matching the recurrence pattern
  3. Apply exceptions: cancel drops the date, shift rewrites times,
     substitute_venue rewrites the venue

RECURRENCE VARIANTS:
  weekly:   a day-of-week set ("every Tuesday and Thursday")
  interval: every N days from an anchor date ("every 2nd day from Jan 6")

SEE ALSO:
  - projector.go: Consumes Occurrence values
  - factory/rule.go: Parses recurrence config with per-variant validation
*/
package loom

import (
	"fmt"
	"time"
)

// =============================================================================
// RECURRENCE - Tagged union of recurrence variants
// =============================================================================

type RecurrenceKind string

const (
	RecurWeekly   RecurrenceKind = "weekly"
	RecurInterval RecurrenceKind = "interval"
)

// Recurrence describes when a rule occurs. Exactly the payload fields for
// its Kind are meaningful.
type Recurrence struct {
	Kind RecurrenceKind `json:"kind"`

	// RecurWeekly payload
	Weekdays []time.Weekday `json:"weekdays,omitempty"`

	// RecurInterval payload
	EveryDays int  `json:"every_days,omitempty"`
	Anchor    Date `json:"anchor,omitempty"`
}

// Matches reports whether the recurrence fires on the given date.
func (r Recurrence) Matches(d Date) (bool, error) {
	switch r.Kind {
	case RecurWeekly:
		if len(r.Weekdays) == 0 {
			return false, fmt.Errorf("%w: weekly recurrence with empty weekday set", ErrMalformedRecurrence)
		}
		for _, wd := range r.Weekdays {
			if d.Weekday() == wd {
				return true, nil
			}
		}
		return false, nil

	case RecurInterval:
		if r.EveryDays <= 0 {
			return false, fmt.Errorf("%w: interval recurrence with every_days=%d", ErrMalformedRecurrence, r.EveryDays)
		}
		if r.Anchor.IsZero() {
			return false, fmt.Errorf("%w: interval recurrence without anchor", ErrMalformedRecurrence)
		}
		delta := DaysBetween(r.Anchor, d)
		if delta < 0 {
			return false, nil
		}
		return delta%r.EveryDays == 0, nil

	default:
		return false, fmt.Errorf("%w: unknown recurrence kind %q", ErrMalformedRecurrence, r.Kind)
	}
}

// =============================================================================
// OCCURRENCE - One concrete firing of a rule
// =============================================================================

// Occurrence is what the Projector materializes an Instance from: the rule's
// defaults with any date-scoped exception already applied.
type Occurrence struct {
	RuleID  RuleID
	Date    Date
	Start   TimeOfDay
	End     TimeOfDay
	VenueID SubjectID

	// Exception is the exception applied to this occurrence, nil for a
	// plain recurrence firing.
	Exception *Exception
}

// =============================================================================
// EXPANSION
// =============================================================================

// Expand produces the rule's occurrences inside [from, to), honoring
// exceptions. The range is clamped to the rule's validity interval.
// A malformed recurrence or exception yields a RuleExpansionError.
func Expand(rule Rule, exceptions []Exception, from, to Date) ([]Occurrence, error) {
	if rule.ValidFrom.After(from) {
		from = rule.ValidFrom
	}
	if rule.ValidTo != nil && rule.ValidTo.AddDays(1).Before(to) {
		to = rule.ValidTo.AddDays(1)
	}

	byDate := make(map[string]*Exception, len(exceptions))
	for i := range exceptions {
		ex := exceptions[i]
		if ex.RuleID != rule.ID {
			continue
		}
		byDate[ex.Date.String()] = &exceptions[i]
	}

	var occurrences []Occurrence
	for d := from; d.Before(to); d = d.AddDays(1) {
		match, err := rule.Recurrence.Matches(d)
		if err != nil {
			return nil, &RuleExpansionError{RuleID: rule.ID, Reason: err.Error()}
		}
		if !match {
			continue
		}

		occ := Occurrence{
			RuleID:  rule.ID,
			Date:    d,
			Start:   rule.Start,
			End:     rule.End,
			VenueID: rule.VenueID,
		}

		if ex := byDate[d.String()]; ex != nil {
			applied, keep, err := applyException(occ, ex)
			if err != nil {
				return nil, &RuleExpansionError{RuleID: rule.ID, Reason: err.Error()}
			}
			if !keep {
				continue
			}
			occ = applied
		}

		occurrences = append(occurrences, occ)
	}

	return occurrences, nil
}

// applyException rewrites an occurrence per the exception variant. The
// second return is false when the occurrence is cancelled outright.
func applyException(occ Occurrence, ex *Exception) (Occurrence, bool, error) {
	switch ex.Kind {
	case ExceptionCancel:
		return occ, false, nil

	case ExceptionShift:
		if ex.NewStart == nil || ex.NewEnd == nil {
			return occ, false, fmt.Errorf("%w: shift exception without new times", ErrMalformedRecurrence)
		}
		occ.Start = *ex.NewStart
		occ.End = *ex.NewEnd
		occ.Exception = ex
		return occ, true, nil

	case ExceptionSubstituteVenue:
		if ex.VenueID == "" {
			return occ, false, fmt.Errorf("%w: substitute_venue exception without venue", ErrMalformedRecurrence)
		}
		occ.VenueID = ex.VenueID
		occ.Exception = ex
		return occ, true, nil

	default:
		return occ, false, fmt.Errorf("%w: unknown exception kind %q", ErrMalformedRecurrence, ex.Kind)
	}
}
