/*
Package factory provides JSON to Go rule conversion.

PURPOSE:
  Converts JSON rule and exception definitions into loom.Rule and
  loom.Exception values. Coordinators author scheduling rules through the
  admin UI; the factory validates the config and builds the proper Go
  structs, one fixed schema per recurrence/exception variant - never an
  arbitrary metadata bag.

JSON SCHEMA (rule):
  {
    "id": "tuesday-craft",
    "kind": "program",
    "name": "Tuesday Craft",
    "recurrence": {"kind": "weekly", "weekdays": ["tuesday"]},
    "start": "10:00",
    "end": "12:00",
    "venue_id": "hall-a",
    "participants": ["p-1", "p-2"],
    "staff": ["s-1"],
    "vehicle_id": "van-3",
    "valid_from": "2025-01-06",
    "valid_to": "2025-06-30",
    "active": true
  }

JSON SCHEMA (exception):
  {"rule_id": "tuesday-craft", "date": "2025-01-14", "kind": "cancel"}
  {"rule_id": "...", "date": "...", "kind": "shift",
   "new_start": "11:00", "new_end": "13:00"}
  {"rule_id": "...", "date": "...", "kind": "substitute_venue",
   "venue_id": "hall-b"}

VALIDATION:
  Unknown variants and missing per-variant payloads are rejected with an
  error wrapping loom.ErrMalformedRecurrence; malformed rules never reach
  the Projector.

SEE ALSO:
  - loom/recurrence.go: Recurrence and Exception semantics
  - api/handlers.go: Uses the factory on rule create/update
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tapestry/loom-engine/loom"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Name         string         `json:"name"`
	Recurrence   RecurrenceJSON `json:"recurrence"`
	Start        string         `json:"start"`
	End          string         `json:"end"`
	VenueID      string         `json:"venue_id"`
	Participants []string       `json:"participants,omitempty"`
	Staff        []string       `json:"staff,omitempty"`
	VehicleID    string         `json:"vehicle_id,omitempty"`
	ValidFrom    string         `json:"valid_from"`
	ValidTo      string         `json:"valid_to,omitempty"`
	Active       *bool          `json:"active,omitempty"`
}

// RecurrenceJSON represents recurrence configuration.
type RecurrenceJSON struct {
	Kind      string   `json:"kind"`                 // weekly, interval
	Weekdays  []string `json:"weekdays,omitempty"`   // weekly
	EveryDays int      `json:"every_days,omitempty"` // interval
	Anchor    string   `json:"anchor,omitempty"`     // interval
}

// ExceptionJSON is the JSON representation of an exception.
type ExceptionJSON struct {
	RuleID   string `json:"rule_id"`
	Date     string `json:"date"`
	Kind     string `json:"kind"`
	NewStart string `json:"new_start,omitempty"`
	NewEnd   string `json:"new_end,omitempty"`
	VenueID  string `json:"venue_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

type RuleFactory struct{}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule converts a JSON rule definition into a loom.Rule.
func (f *RuleFactory) ParseRule(configJSON string) (*loom.Rule, error) {
	var cfg RuleJSON
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("invalid rule JSON: %w", err)
	}
	return f.BuildRule(cfg)
}

// BuildRule validates an already-decoded rule config.
func (f *RuleFactory) BuildRule(cfg RuleJSON) (*loom.Rule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("rule name is required")
	}

	kind, err := parseRuleKind(cfg.Kind)
	if err != nil {
		return nil, err
	}

	recurrence, err := parseRecurrence(cfg.Recurrence)
	if err != nil {
		return nil, err
	}

	start, err := loom.ParseTimeOfDay(cfg.Start)
	if err != nil {
		return nil, err
	}
	end, err := loom.ParseTimeOfDay(cfg.End)
	if err != nil {
		return nil, err
	}
	if end <= start {
		return nil, fmt.Errorf("rule end %s must be after start %s", cfg.End, cfg.Start)
	}

	if cfg.VenueID == "" {
		return nil, fmt.Errorf("rule venue_id is required")
	}

	validFrom, err := loom.ParseDate(cfg.ValidFrom)
	if err != nil {
		return nil, fmt.Errorf("valid_from: %w", err)
	}
	var validTo *loom.Date
	if cfg.ValidTo != "" {
		d, err := loom.ParseDate(cfg.ValidTo)
		if err != nil {
			return nil, fmt.Errorf("valid_to: %w", err)
		}
		if d.Before(validFrom) {
			return nil, fmt.Errorf("valid_to %s precedes valid_from %s", cfg.ValidTo, cfg.ValidFrom)
		}
		validTo = &d
	}

	active := true
	if cfg.Active != nil {
		active = *cfg.Active
	}

	rule := &loom.Rule{
		ID:         loom.RuleID(cfg.ID),
		Kind:       kind,
		Name:       cfg.Name,
		Recurrence: recurrence,
		Start:      start,
		End:        end,
		VenueID:    loom.SubjectID(cfg.VenueID),
		VehicleID:  loom.SubjectID(cfg.VehicleID),
		ValidFrom:  validFrom,
		ValidTo:    validTo,
		Active:     active,
	}
	for _, id := range cfg.Participants {
		rule.ParticipantIDs = append(rule.ParticipantIDs, loom.SubjectID(id))
	}
	for _, id := range cfg.Staff {
		rule.StaffIDs = append(rule.StaffIDs, loom.SubjectID(id))
	}

	return rule, nil
}

// ParseException converts a JSON exception definition into a loom.Exception,
// enforcing exactly the payload its variant requires.
func (f *RuleFactory) ParseException(configJSON string) (*loom.Exception, error) {
	var cfg ExceptionJSON
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("invalid exception JSON: %w", err)
	}
	return f.BuildException(cfg)
}

// BuildException validates an already-decoded exception config.
func (f *RuleFactory) BuildException(cfg ExceptionJSON) (*loom.Exception, error) {
	if cfg.RuleID == "" {
		return nil, fmt.Errorf("exception rule_id is required")
	}
	date, err := loom.ParseDate(cfg.Date)
	if err != nil {
		return nil, fmt.Errorf("exception date: %w", err)
	}

	ex := &loom.Exception{
		RuleID: loom.RuleID(cfg.RuleID),
		Date:   date,
		Reason: cfg.Reason,
	}

	switch loom.ExceptionKind(cfg.Kind) {
	case loom.ExceptionCancel:
		ex.Kind = loom.ExceptionCancel
		if cfg.NewStart != "" || cfg.NewEnd != "" || cfg.VenueID != "" {
			return nil, fmt.Errorf("%w: cancel exception takes no payload", loom.ErrMalformedRecurrence)
		}

	case loom.ExceptionShift:
		ex.Kind = loom.ExceptionShift
		if cfg.NewStart == "" || cfg.NewEnd == "" {
			return nil, fmt.Errorf("%w: shift exception requires new_start and new_end", loom.ErrMalformedRecurrence)
		}
		start, err := loom.ParseTimeOfDay(cfg.NewStart)
		if err != nil {
			return nil, err
		}
		end, err := loom.ParseTimeOfDay(cfg.NewEnd)
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, fmt.Errorf("%w: shift new_end must be after new_start", loom.ErrMalformedRecurrence)
		}
		ex.NewStart = &start
		ex.NewEnd = &end

	case loom.ExceptionSubstituteVenue:
		ex.Kind = loom.ExceptionSubstituteVenue
		if cfg.VenueID == "" {
			return nil, fmt.Errorf("%w: substitute_venue exception requires venue_id", loom.ErrMalformedRecurrence)
		}
		ex.VenueID = loom.SubjectID(cfg.VenueID)

	default:
		return nil, fmt.Errorf("%w: unknown exception kind %q", loom.ErrMalformedRecurrence, cfg.Kind)
	}

	return ex, nil
}

// =============================================================================
// VARIANT PARSERS
// =============================================================================

func parseRuleKind(s string) (loom.RuleKind, error) {
	switch loom.RuleKind(s) {
	case loom.RuleProgram, loom.RuleParticipantSchedule, loom.RuleStaffRoster:
		return loom.RuleKind(s), nil
	case "":
		return loom.RuleProgram, nil
	default:
		return "", fmt.Errorf("unknown rule kind %q", s)
	}
}

func parseRecurrence(cfg RecurrenceJSON) (loom.Recurrence, error) {
	switch loom.RecurrenceKind(cfg.Kind) {
	case loom.RecurWeekly:
		if len(cfg.Weekdays) == 0 {
			return loom.Recurrence{}, fmt.Errorf("%w: weekly recurrence requires weekdays", loom.ErrMalformedRecurrence)
		}
		var weekdays []time.Weekday
		for _, name := range cfg.Weekdays {
			wd, err := parseWeekday(name)
			if err != nil {
				return loom.Recurrence{}, err
			}
			weekdays = append(weekdays, wd)
		}
		return loom.Recurrence{Kind: loom.RecurWeekly, Weekdays: weekdays}, nil

	case loom.RecurInterval:
		if cfg.EveryDays <= 0 {
			return loom.Recurrence{}, fmt.Errorf("%w: interval recurrence requires positive every_days", loom.ErrMalformedRecurrence)
		}
		if cfg.Anchor == "" {
			return loom.Recurrence{}, fmt.Errorf("%w: interval recurrence requires anchor", loom.ErrMalformedRecurrence)
		}
		anchor, err := loom.ParseDate(cfg.Anchor)
		if err != nil {
			return loom.Recurrence{}, fmt.Errorf("%w: interval anchor: %v", loom.ErrMalformedRecurrence, err)
		}
		return loom.Recurrence{Kind: loom.RecurInterval, EveryDays: cfg.EveryDays, Anchor: anchor}, nil

	default:
		return loom.Recurrence{}, fmt.Errorf("%w: unknown recurrence kind %q", loom.ErrMalformedRecurrence, cfg.Kind)
	}
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(name string) (time.Weekday, error) {
	wd, ok := weekdayNames[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown weekday %q", loom.ErrMalformedRecurrence, name)
	}
	return wd, nil
}
