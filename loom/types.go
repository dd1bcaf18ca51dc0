/*
Package loom provides the core scheduling projection engine.

PURPOSE:
  This package converts durable, declarative scheduling rules into a rolling
  window of concrete, independently editable instances. Operator overrides
  survive regeneration, and completed instances are woven into an immutable
  history ribbon that permanent annotations can later be pinned to.

KEY CONCEPTS IN THIS FILE (types.go):
  - Rule: A durable template describing recurring scheduling intent
  - Exception: A rule-scoped, date-scoped override of the recurrence
  - Instance: A materialized, date-specific realization of a Rule
  - Attachment: A participant/staff/vehicle linked to an Instance
  - HistoryShift: The immutable archived form of a completed Instance
  - PinnedArtifact: An append-only annotation on a HistoryShift

DESIGN PRINCIPLES:
  1. Two layers of truth: Rules are intent, Instances are operational fact.
     The Projector reconciles them; overrides always win.
  2. Immutability: HistoryShift rows are never updated after weaving.
     Only PinnedArtifact rows may be added.
  3. Type Safety: Strong typing for IDs prevents mixing rule/instance/shift IDs.
  4. Determinism: Recurrence expansion is a pure function of rule state.

SEE ALSO:
  - recurrence.go: Rule expansion into concrete dates
  - projector.go: The reconciliation pass
  - archiver.go: The live-to-history transition
  - store.go: Persistence interfaces
*/
package loom

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RuleID string
type InstanceID string
type AttachmentID string
type ShiftID string
type ArtifactID string

// SubjectID references a reference-data record (participant, staff member,
// venue, or vehicle). The engine never dereferences these itself; it goes
// through the Directory interface.
type SubjectID string

// =============================================================================
// DATE - Day-granular time point (all scheduling is day-based)
// =============================================================================

// Date is a calendar day, normalized to midnight UTC.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func DateOf(t time.Time) Date {
	t = t.UTC()
	return NewDate(t.Year(), t.Month(), t.Day())
}

func Today() Date {
	return DateOf(time.Now())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return d.Before(other) || d.Equal(other) }
func (d Date) AfterOrEqual(other Date) bool  { return d.After(other) || d.Equal(other) }

// Arithmetic
func (d Date) AddDays(n int) Date  { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) AddWeeks(n int) Date { return d.AddDays(7 * n) }

// Properties
func (d Date) Weekday() time.Weekday { return d.Time.Weekday() }
func (d Date) IsZero() bool          { return d.Time.IsZero() }
func (d Date) String() string        { return d.Time.Format("2006-01-02") }

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == `""` {
		*d = Date{}
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func DaysBetween(from, to Date) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}

// =============================================================================
// TIME OF DAY - Clock time within an instance's date
// =============================================================================

// TimeOfDay is minutes since midnight.
type TimeOfDay int

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (use HH:MM): %w", s, err)
	}
	return NewTimeOfDay(t.Hour(), t.Minute()), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// At anchors the clock time on a concrete date, in UTC.
func (t TimeOfDay) At(d Date) time.Time {
	return d.Time.Add(time.Duration(t) * time.Minute)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd TimeOfDay) bool {
	return aStart < bEnd && bStart < aEnd
}

// =============================================================================
// RULE - Durable scheduling intent
// =============================================================================

type RuleKind string

const (
	RuleProgram             RuleKind = "program"
	RuleParticipantSchedule RuleKind = "participant_schedule"
	RuleStaffRoster         RuleKind = "staff_roster"
)

// Rule is a user-authored template for recurring scheduling. The Projector
// expands it into Instances; it is never the operational record itself.
type Rule struct {
	ID         RuleID
	Kind       RuleKind
	Name       string
	Recurrence Recurrence
	Start      TimeOfDay
	End        TimeOfDay
	VenueID    SubjectID

	// Default attachment subjects generated for each new instance.
	ParticipantIDs []SubjectID
	StaffIDs       []SubjectID
	VehicleID      SubjectID // optional

	// Validity interval [ValidFrom, ValidTo]; nil ValidTo means open-ended.
	ValidFrom Date
	ValidTo   *Date

	Active    bool
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidityIntersects reports whether the rule's validity interval overlaps
// [from, to).
func (r Rule) ValidityIntersects(from, to Date) bool {
	if r.ValidTo != nil && r.ValidTo.Before(from) {
		return false
	}
	return r.ValidFrom.Before(to)
}

// =============================================================================
// EXCEPTION - Date-scoped override of a rule's recurrence
// =============================================================================

type ExceptionKind string

const (
	// ExceptionCancel removes the occurrence on the date entirely.
	ExceptionCancel ExceptionKind = "cancel"

	// ExceptionShift moves the occurrence to different clock times on the
	// same date. Payload: NewStart, NewEnd.
	ExceptionShift ExceptionKind = "shift"

	// ExceptionSubstituteVenue keeps the occurrence but swaps the venue.
	// Payload: VenueID.
	ExceptionSubstituteVenue ExceptionKind = "substitute_venue"
)

// Exception is a tagged union: exactly the payload fields for its Kind are
// set, everything else is zero. The factory package enforces this on parse.
type Exception struct {
	ID     string
	RuleID RuleID
	Date   Date
	Kind   ExceptionKind

	// ExceptionShift payload
	NewStart *TimeOfDay
	NewEnd   *TimeOfDay

	// ExceptionSubstituteVenue payload
	VenueID SubjectID

	Reason    string
	CreatedAt time.Time
}

// =============================================================================
// INSTANCE - Materialized, editable realization of a Rule
// =============================================================================

type InstanceStatus string

const (
	StatusScheduled InstanceStatus = "scheduled"
	StatusCompleted InstanceStatus = "completed"
	StatusCancelled InstanceStatus = "cancelled"

	// StatusOnHold pins an instance open; the Archiver skips it until an
	// operator resolves it.
	StatusOnHold InstanceStatus = "on_hold"
)

// ArchiveEligible reports whether a status allows the Archiver to weave the
// instance into history once its end time has passed.
func (s InstanceStatus) ArchiveEligible() bool {
	return s != StatusOnHold
}

// Instance is one concrete occurrence inside the active window. Invariant:
// exactly one Instance per (RuleID, Date) inside the window.
type Instance struct {
	ID     InstanceID
	RuleID RuleID
	Date   Date
	Start  TimeOfDay
	End    TimeOfDay

	VenueID SubjectID
	Status  InstanceStatus

	// ManuallyModified marks instance-level operator edits. The Projector
	// never updates derived fields on a manually modified instance.
	ManuallyModified bool

	// ProjectionHash fingerprints the generation-relevant rule state that
	// produced this instance. Stale hash drives selective regeneration.
	ProjectionHash string

	// Derived counts, denormalized for list views.
	ParticipantCount int
	StaffCount       int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EndsAt returns the instant the instance ends, in UTC.
func (i Instance) EndsAt() time.Time { return i.End.At(i.Date) }

// =============================================================================
// ATTACHMENT - Subject linked to an instance
// =============================================================================

type AttachmentKind string

const (
	AttachParticipant AttachmentKind = "participant"
	AttachStaff       AttachmentKind = "staff"
	AttachVehicle     AttachmentKind = "vehicle"
)

type OverrideSource string

const (
	OverrideNone   OverrideSource = ""
	OverrideEngine OverrideSource = "engine"
	OverrideHuman  OverrideSource = "human"
)

type AttachmentStatus string

const (
	AttachExpected  AttachmentStatus = "expected"
	AttachConfirmed AttachmentStatus = "confirmed"
	AttachAbsent    AttachmentStatus = "absent"
	AttachRemoved   AttachmentStatus = "removed"
)

// Attachment links a subject to an instance. Once IsOverridden is set the
// Projector must never write to the row again; only operators may.
type Attachment struct {
	ID         AttachmentID
	InstanceID InstanceID
	Kind       AttachmentKind
	SubjectID  SubjectID

	// RuleID is the generating rule, empty for operator-added attachments.
	RuleID RuleID

	IsOverridden   bool
	OverrideSource OverrideSource
	OverrideReason string

	Status    AttachmentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// HISTORY SHIFT - Immutable archived instance
// =============================================================================

// HistoryShift is the woven, denormalized snapshot of a completed instance.
// Names and labels are captured at archival time so the ribbon never depends
// on later reference-data mutation. Immutable after creation.
type HistoryShift struct {
	ID                 ShiftID
	OriginalInstanceID InstanceID
	RuleID             RuleID
	RuleName           string
	Date               Date
	Start              TimeOfDay
	End                TimeOfDay
	VenueID            SubjectID
	VenueName          string
	CompletionStatus   InstanceStatus
	ParticipantCount   int
	StaffCount         int

	// BillableHours is the shift duration in hours, captured for downstream
	// billing readers. Rate arithmetic happens elsewhere.
	BillableHours decimal.Decimal

	Archived bool
	WovenAt  time.Time

	Subjects []ShiftSubject
}

// ShiftSubject is a per-subject ribbon row under a HistoryShift.
type ShiftSubject struct {
	ID            string
	ShiftID       ShiftID
	Kind          AttachmentKind
	SubjectID     SubjectID
	SubjectName   string
	Status        AttachmentStatus
	WasOverridden bool
}

// BillableHoursFor computes the shift duration in hours at minute precision.
func BillableHoursFor(start, end TimeOfDay) decimal.Decimal {
	minutes := int(end) - int(start)
	if minutes < 0 {
		minutes = 0
	}
	return decimal.NewFromInt(int64(minutes)).Div(decimal.NewFromInt(60))
}

// =============================================================================
// PINNED ARTIFACT - Append-only, post-archival annotation
// =============================================================================

type ArtifactType string

const (
	ArtifactSpotAudit ArtifactType = "spot_audit"
	ArtifactNote      ArtifactType = "note"
	ArtifactIncident  ArtifactType = "incident"
	ArtifactReport    ArtifactType = "report"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type PinnedArtifact struct {
	ID        ArtifactID
	ShiftID   ShiftID
	Type      ArtifactType
	Content   string
	Severity  Severity
	CreatedBy string
	CreatedAt time.Time
}

// =============================================================================
// DIRECTORY - Reference data collaborator
// =============================================================================

type SubjectKind string

const (
	SubjectParticipant SubjectKind = "participant"
	SubjectStaff       SubjectKind = "staff"
	SubjectVenue       SubjectKind = "venue"
	SubjectVehicle     SubjectKind = "vehicle"
)

// DirectoryEntry is a reference-data record. Inactive entries are excluded
// from new generation but are never cascade-deleted from history.
type DirectoryEntry struct {
	ID     SubjectID
	Kind   SubjectKind
	Name   string
	Active bool
}

// AttachmentSubjectKind maps an attachment kind to its directory kind.
func AttachmentSubjectKind(kind AttachmentKind) SubjectKind {
	switch kind {
	case AttachParticipant:
		return SubjectParticipant
	case AttachStaff:
		return SubjectStaff
	case AttachVehicle:
		return SubjectVehicle
	default:
		return SubjectKind(kind)
	}
}

// =============================================================================
// WINDOW CONFIGURATION
// =============================================================================

// WindowConfig is the rolling horizon length. It is read fresh at the start
// of every Projector pass and passed by value; there is no hidden global.
type WindowConfig struct {
	Weeks     int
	UpdatedAt time.Time
}

// Horizon returns the half-open window [today, today+Weeks*7).
func (w WindowConfig) Horizon(today Date) (Date, Date) {
	return today, today.AddWeeks(w.Weeks)
}
