/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Instances:
    InstanceDTO, AttachmentDTO, PatchInstanceRequest, AttachmentOp

  Rules:
    RuleDTO (wraps factory.RuleJSON), exceptions via factory.ExceptionJSON

  Rolling:
    RollSummaryDTO, WindowConfigDTO

  History:
    ShiftDTO, ShiftSubjectDTO, ArtifactDTO, CreateArtifactRequest

  Audit:
    AuditEventDTO

VIEWS:
  The time-slot representation is canonical. The card view (instances
  grouped by date) is derived here at the API edge, never stored.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON, ExceptionJSON
*/
package api

import (
	"time"

	"github.com/tapestry/loom-engine/factory"
	"github.com/tapestry/loom-engine/loom"
)

// =============================================================================
// INSTANCE TYPES
// =============================================================================

// InstanceDTO represents a loom instance in API responses.
type InstanceDTO struct {
	ID                string          `json:"id"`
	RuleID            string          `json:"rule_id"`
	Date              string          `json:"date"`
	Start             string          `json:"start"`
	End               string          `json:"end"`
	VenueID           string          `json:"venue_id"`
	Status            string          `json:"status"`
	ManuallyModified  bool            `json:"manually_modified"`
	ParticipantCount  int             `json:"participant_count"`
	StaffCount        int             `json:"staff_count"`
	Attachments       []AttachmentDTO `json:"attachments,omitempty"`
	UpdatedAt         string          `json:"updated_at,omitempty"`
}

// AttachmentDTO represents a single participant/staff/vehicle link.
type AttachmentDTO struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	SubjectID      string `json:"subject_id"`
	Status         string `json:"status"`
	IsOverridden   bool   `json:"is_overridden"`
	OverrideSource string `json:"override_source,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`
}

// DayCardDTO groups one date's instances for the card view.
type DayCardDTO struct {
	Date      string        `json:"date"`
	Instances []InstanceDTO `json:"instances"`
}

// PatchInstanceRequest carries an operator edit. Nil fields are untouched.
// Any field edit marks the instance manually modified; attachment ops mark
// the touched attachment as a human override.
type PatchInstanceRequest struct {
	Start       *string        `json:"start,omitempty"`
	End         *string        `json:"end,omitempty"`
	VenueID     *string        `json:"venue_id,omitempty"`
	Status      *string        `json:"status,omitempty"`
	Attachments []AttachmentOp `json:"attachments,omitempty"`
}

// AttachmentOp is one operator action on an attachment.
// Actions: "add" (new subject), "remove" (tombstone, never re-added by
// regeneration), "status" (confirmed/absent).
type AttachmentOp struct {
	Action    string `json:"action"`
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// =============================================================================
// RULE TYPES
// =============================================================================

// RuleDTO represents a rule in API responses.
type RuleDTO struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	Name      string           `json:"name"`
	Config    factory.RuleJSON `json:"config"`
	Active    bool             `json:"active"`
	Version   int              `json:"version"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

// SaveRuleRequest is the request to create or update a rule.
type SaveRuleRequest struct {
	Config factory.RuleJSON `json:"config"`
}

// ConflictDTO is one finding from the conflict resolver.
type ConflictDTO struct {
	InstanceID string `json:"instance_id"`
	Date       string `json:"date"`
	Kind       string `json:"kind,omitempty"`
	SubjectID  string `json:"subject_id,omitempty"`
	Message    string `json:"message"`
	Blocking   bool   `json:"blocking"`
}

// ConflictReportDTO wraps the resolver's findings. Returned with 409 when
// any finding blocks, with 200 alongside the saved rule otherwise.
type ConflictReportDTO struct {
	Conflicts []ConflictDTO `json:"conflicts"`
	Blocking  bool          `json:"blocking"`
}

// =============================================================================
// ROLLING TYPES
// =============================================================================

// RollSummaryDTO is the result of one manual roll pass.
type RollSummaryDTO struct {
	Created  int      `json:"created"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Deleted  int      `json:"deleted"`
	Archived int      `json:"archived"`
	Flagged  int      `json:"flagged"`
	Warnings []string `json:"warnings,omitempty"`
}

// WindowConfigDTO represents the rolling horizon length.
type WindowConfigDTO struct {
	Weeks     int    `json:"weeks"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// =============================================================================
// HISTORY TYPES
// =============================================================================

// ShiftDTO represents a woven history shift.
type ShiftDTO struct {
	ID                 string            `json:"id"`
	OriginalInstanceID string            `json:"original_instance_id"`
	RuleID             string            `json:"rule_id"`
	RuleName           string            `json:"rule_name"`
	Date               string            `json:"date"`
	Start              string            `json:"start"`
	End                string            `json:"end"`
	VenueID            string            `json:"venue_id"`
	VenueName          string            `json:"venue_name"`
	CompletionStatus   string            `json:"completion_status"`
	ParticipantCount   int               `json:"participant_count"`
	StaffCount         int               `json:"staff_count"`
	BillableHours      string            `json:"billable_hours"`
	WovenAt            string            `json:"woven_at"`
	Subjects           []ShiftSubjectDTO `json:"subjects,omitempty"`
	Artifacts          []ArtifactDTO     `json:"artifacts,omitempty"`
}

// ShiftSubjectDTO is one ribbon row for a subject on a shift.
type ShiftSubjectDTO struct {
	Kind          string `json:"kind"`
	SubjectID     string `json:"subject_id"`
	SubjectName   string `json:"subject_name"`
	Status        string `json:"status"`
	WasOverridden bool   `json:"was_overridden"`
}

// ArtifactDTO represents a pinned artifact.
type ArtifactDTO struct {
	ID        string `json:"id"`
	ShiftID   string `json:"shift_id"`
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Severity  string `json:"severity"`
	CreatedBy string `json:"created_by,omitempty"`
	CreatedAt string `json:"created_at"`
}

// CreateArtifactRequest is the request to pin an artifact to a shift.
type CreateArtifactRequest struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Severity  string `json:"severity,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

// =============================================================================
// AUDIT TYPES
// =============================================================================

// AuditEventDTO represents one audit trail entry.
type AuditEventDTO struct {
	ActionType    string `json:"action_type"`
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	PreviousState string `json:"previous_state,omitempty"`
	NewState      string `json:"new_state,omitempty"`
	Severity      string `json:"severity"`
	At            string `json:"at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toInstanceDTO(inst loom.Instance, attachments []loom.Attachment) InstanceDTO {
	dto := InstanceDTO{
		ID:               string(inst.ID),
		RuleID:           string(inst.RuleID),
		Date:             inst.Date.String(),
		Start:            inst.Start.String(),
		End:              inst.End.String(),
		VenueID:          string(inst.VenueID),
		Status:           string(inst.Status),
		ManuallyModified: inst.ManuallyModified,
		ParticipantCount: inst.ParticipantCount,
		StaffCount:       inst.StaffCount,
		UpdatedAt:        inst.UpdatedAt.Format(time.RFC3339),
	}
	for _, att := range attachments {
		dto.Attachments = append(dto.Attachments, AttachmentDTO{
			ID:             string(att.ID),
			Kind:           string(att.Kind),
			SubjectID:      string(att.SubjectID),
			Status:         string(att.Status),
			IsOverridden:   att.IsOverridden,
			OverrideSource: string(att.OverrideSource),
			OverrideReason: att.OverrideReason,
		})
	}
	return dto
}

func toDayCards(instances []InstanceDTO) []DayCardDTO {
	var cards []DayCardDTO
	for _, inst := range instances {
		if len(cards) == 0 || cards[len(cards)-1].Date != inst.Date {
			cards = append(cards, DayCardDTO{Date: inst.Date})
		}
		last := &cards[len(cards)-1]
		last.Instances = append(last.Instances, inst)
	}
	return cards
}

func toShiftDTO(shift loom.HistoryShift, artifacts []loom.PinnedArtifact) ShiftDTO {
	dto := ShiftDTO{
		ID:                 string(shift.ID),
		OriginalInstanceID: string(shift.OriginalInstanceID),
		RuleID:             string(shift.RuleID),
		RuleName:           shift.RuleName,
		Date:               shift.Date.String(),
		Start:              shift.Start.String(),
		End:                shift.End.String(),
		VenueID:            string(shift.VenueID),
		VenueName:          shift.VenueName,
		CompletionStatus:   string(shift.CompletionStatus),
		ParticipantCount:   shift.ParticipantCount,
		StaffCount:         shift.StaffCount,
		BillableHours:      shift.BillableHours.String(),
		WovenAt:            shift.WovenAt.Format(time.RFC3339),
	}
	for _, sub := range shift.Subjects {
		dto.Subjects = append(dto.Subjects, ShiftSubjectDTO{
			Kind:          string(sub.Kind),
			SubjectID:     string(sub.SubjectID),
			SubjectName:   sub.SubjectName,
			Status:        string(sub.Status),
			WasOverridden: sub.WasOverridden,
		})
	}
	for _, a := range artifacts {
		dto.Artifacts = append(dto.Artifacts, toArtifactDTO(a))
	}
	return dto
}

func toArtifactDTO(a loom.PinnedArtifact) ArtifactDTO {
	return ArtifactDTO{
		ID:        string(a.ID),
		ShiftID:   string(a.ShiftID),
		Type:      string(a.Type),
		Content:   a.Content,
		Severity:  string(a.Severity),
		CreatedBy: a.CreatedBy,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}

func toConflictReportDTO(report *loom.ConflictReport) ConflictReportDTO {
	dto := ConflictReportDTO{Blocking: report.Blocking}
	for _, c := range report.Conflicts {
		dto.Conflicts = append(dto.Conflicts, ConflictDTO{
			InstanceID: string(c.InstanceID),
			Date:       c.Date.String(),
			Kind:       string(c.Kind),
			SubjectID:  string(c.SubjectID),
			Message:    c.Message,
			Blocking:   c.Blocking,
		})
	}
	return dto
}

func toRuleDTO(rule loom.Rule) RuleDTO {
	return RuleDTO{
		ID:        string(rule.ID),
		Kind:      string(rule.Kind),
		Name:      rule.Name,
		Config:    toRuleJSON(rule),
		Active:    rule.Active,
		Version:   rule.Version,
		UpdatedAt: rule.UpdatedAt.Format(time.RFC3339),
	}
}

func toRuleJSON(rule loom.Rule) factory.RuleJSON {
	cfg := factory.RuleJSON{
		ID:      string(rule.ID),
		Kind:    string(rule.Kind),
		Name:    rule.Name,
		Start:   rule.Start.String(),
		End:     rule.End.String(),
		VenueID: string(rule.VenueID),
		Recurrence: factory.RecurrenceJSON{
			Kind:      string(rule.Recurrence.Kind),
			EveryDays: rule.Recurrence.EveryDays,
		},
		VehicleID: string(rule.VehicleID),
		ValidFrom: rule.ValidFrom.String(),
		Active:    &rule.Active,
	}
	for _, wd := range rule.Recurrence.Weekdays {
		cfg.Recurrence.Weekdays = append(cfg.Recurrence.Weekdays, wd.String())
	}
	if !rule.Recurrence.Anchor.IsZero() {
		cfg.Recurrence.Anchor = rule.Recurrence.Anchor.String()
	}
	for _, id := range rule.ParticipantIDs {
		cfg.Participants = append(cfg.Participants, string(id))
	}
	for _, id := range rule.StaffIDs {
		cfg.Staff = append(cfg.Staff, string(id))
	}
	if rule.ValidTo != nil {
		cfg.ValidTo = rule.ValidTo.String()
	}
	return cfg
}

func toAuditEventDTO(e loom.AuditEvent) AuditEventDTO {
	return AuditEventDTO{
		ActionType:    string(e.ActionType),
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		PreviousState: e.PreviousState,
		NewState:      e.NewState,
		Severity:      string(e.Severity),
		At:            e.At.Format(time.RFC3339),
	}
}
