/*
handlers.go - HTTP API handlers for the loom projection engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Rolling:
    POST   /api/roll-window            Project + archive + quality pass

  Instances:
    GET    /api/instances              List window instances (?view=cards)
    GET    /api/instances/{id}         Instance with attachments
    PATCH  /api/instances/{id}         Operator edit (marks overrides)
    DELETE /api/instances/{id}         Operator delete

  Rules:
    GET    /api/rules                  List rules
    POST   /api/rules                  Create (conflict-gated)
    GET    /api/rules/{id}             Single rule
    PUT    /api/rules/{id}             Update (conflict-gated)
    GET    /api/rules/{id}/exceptions  List exceptions
    POST   /api/rules/{id}/exceptions  Add exception

  Window:
    GET    /api/window-config          Current horizon length
    PATCH  /api/window-config          Resize (applies on next roll)

  History:
    GET    /api/history                Shifts in range
    GET    /api/history/{id}           Shift with subjects + artifacts
    POST   /api/history/{id}/artifacts Pin an artifact

  Audit:
    GET    /api/audit                  Recent audit events

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access (any Storage implementation)
  - RuleFactory: JSON to Rule conversion
  - Projector/Archiver/Resolver/Quality: engine collaborators

OVERRIDE SEMANTICS:
  PATCH on instance fields (start/end/venue) marks the instance manually
  modified; regeneration stops rewriting those fields. Attachment ops mark
  the touched attachment as a human override; removal leaves a tombstone
  row so regeneration never re-adds the subject. Status edits alone do not
  mark the instance, so time corrections from rule edits still flow.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (blocking resolver findings, concurrent edits)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tapestry/loom-engine/factory"
	"github.com/tapestry/loom-engine/loom"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Storage is what the handlers need from persistence. Both the SQLite store
// and the in-memory store satisfy it.
type Storage interface {
	loom.RuleStore
	loom.InstanceStore
	loom.HistoryStore
	loom.WindowStore
	loom.Directory

	RecentAuditEvents(ctx context.Context, limit int) ([]loom.AuditEvent, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       Storage
	RuleFactory *factory.RuleFactory

	Projector *loom.Projector
	Archiver  *loom.Archiver
	Resolver  *loom.ConflictResolver
	Quality   *loom.QualityAgent

	// AuditRate is the spot-audit selection probability per woven shift.
	AuditRate float64

	Audit loom.AuditSink
}

// NewHandler wires the engine collaborators over a shared pass lock.
func NewHandler(store Storage, audit loom.AuditSink) *Handler {
	lock := loom.NewPassLock("loom-write")
	return &Handler{
		Store:       store,
		RuleFactory: factory.NewRuleFactory(),
		Projector: &loom.Projector{
			Rules:     store,
			Instances: store,
			Windows:   store,
			Directory: store,
			Audit:     audit,
			Lock:      lock,
		},
		Archiver: &loom.Archiver{
			Rules:     store,
			Instances: store,
			History:   store,
			Directory: store,
			Audit:     audit,
			Lock:      lock,
		},
		Resolver:  &loom.ConflictResolver{Instances: store},
		Quality:   loom.NewQualityAgent(store, loom.NoopNotifier{}, time.Now().UnixNano()),
		AuditRate: 0.1,
		Audit:     audit,
	}
}

// horizon reads the current rolling window [today, today+weeks*7).
func (h *Handler) horizon(ctx context.Context) (loom.Date, loom.Date, error) {
	cfg, err := h.Store.WindowConfig(ctx)
	if err != nil {
		return loom.Date{}, loom.Date{}, err
	}
	from, to := cfg.Horizon(loom.Today())
	return from, to, nil
}

// =============================================================================
// ROLLING
// =============================================================================

// RollWindow runs one full roll: projection, archival, then the quality
// agent over the freshly woven shifts.
func (h *Handler) RollWindow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	proj, err := h.Projector.Project(ctx, loom.Today())
	if err != nil {
		writeError(w, statusForError(err), "Projection pass failed", err)
		return
	}

	arch, err := h.Archiver.ArchiveCompleted(ctx, time.Now().UTC())
	if err != nil {
		writeError(w, statusForError(err), "Archival pass failed", err)
		return
	}

	flagged := 0
	if h.Quality != nil && len(arch.Shifts) > 0 {
		flagged, err = h.Quality.Run(ctx, arch.Shifts, h.AuditRate)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Quality pass failed", err)
			return
		}
	}

	summary := RollSummaryDTO{
		Created:  proj.Created,
		Updated:  proj.Updated,
		Skipped:  proj.Skipped,
		Deleted:  proj.Deleted,
		Archived: arch.Archived,
		Flagged:  flagged,
		Warnings: append(proj.Warnings, arch.Errors...),
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// INSTANCE HANDLERS
// =============================================================================

// ListInstances returns instances in [from, to), defaulting to the current
// window. ?view=cards groups them by date.
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, to, err := h.horizon(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read window config", err)
		return
	}
	if s := r.URL.Query().Get("from"); s != "" {
		if from, err = loom.ParseDate(s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date", err)
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		if to, err = loom.ParseDate(s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date", err)
			return
		}
	}

	instances, err := h.Store.InstancesInRange(ctx, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list instances", err)
		return
	}

	dtos := make([]InstanceDTO, len(instances))
	for i, inst := range instances {
		dtos[i] = toInstanceDTO(inst, nil)
	}

	if r.URL.Query().Get("view") == "cards" {
		writeJSON(w, http.StatusOK, toDayCards(dtos))
		return
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInstance returns a single instance with its attachments.
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loom.InstanceID(chi.URLParam(r, "id"))

	inst, err := h.Store.GetInstance(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get instance", err)
		return
	}
	if inst == nil {
		writeError(w, http.StatusNotFound, "Instance not found", nil)
		return
	}

	attachments, err := h.Store.AttachmentsForInstance(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load attachments", err)
		return
	}

	writeJSON(w, http.StatusOK, toInstanceDTO(*inst, attachments))
}

// PatchInstance applies an operator edit.
func (h *Handler) PatchInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loom.InstanceID(chi.URLParam(r, "id"))

	var req PatchInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inst, err := h.Store.GetInstance(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get instance", err)
		return
	}
	if inst == nil {
		writeError(w, http.StatusNotFound, "Instance not found", nil)
		return
	}
	previous := *inst

	fieldEdit := false
	if req.Start != nil {
		t, err := loom.ParseTimeOfDay(*req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start time", err)
			return
		}
		inst.Start = t
		fieldEdit = true
	}
	if req.End != nil {
		t, err := loom.ParseTimeOfDay(*req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end time", err)
			return
		}
		inst.End = t
		fieldEdit = true
	}
	if inst.End <= inst.Start {
		writeError(w, http.StatusBadRequest, "End must be after start", nil)
		return
	}
	if req.VenueID != nil {
		inst.VenueID = loom.SubjectID(*req.VenueID)
		fieldEdit = true
	}
	if req.Status != nil {
		status := loom.InstanceStatus(*req.Status)
		switch status {
		case loom.StatusScheduled, loom.StatusCompleted, loom.StatusCancelled, loom.StatusOnHold:
			inst.Status = status
		default:
			writeError(w, http.StatusBadRequest, "Invalid status", nil)
			return
		}
	}
	if fieldEdit {
		inst.ManuallyModified = true
	}

	for _, op := range req.Attachments {
		if err := h.applyAttachmentOp(ctx, *inst, op); err != nil {
			writeError(w, statusForError(err), "Attachment edit failed", err)
			return
		}
	}

	attachments, err := h.Store.AttachmentsForInstance(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load attachments", err)
		return
	}
	inst.ParticipantCount, inst.StaffCount = loom.CountSubjects(attachments)

	if err := h.Store.UpdateInstance(ctx, *inst); err != nil {
		writeError(w, statusForError(err), "Failed to update instance", err)
		return
	}

	action := loom.ActionUpdate
	if fieldEdit || len(req.Attachments) > 0 {
		action = loom.ActionOverride
	}
	h.record(ctx, loom.NewAuditEvent(action, "instance", string(id), previous, inst))

	updated, err := h.Store.GetInstance(ctx, id)
	if err != nil || updated == nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload instance", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTO(*updated, attachments))
}

// applyAttachmentOp executes one operator action on an attachment. Every
// touched row becomes a human override.
func (h *Handler) applyAttachmentOp(ctx context.Context, inst loom.Instance, op AttachmentOp) error {
	kind := loom.AttachmentKind(op.Kind)
	switch kind {
	case loom.AttachParticipant, loom.AttachStaff, loom.AttachVehicle:
	default:
		return &loom.ReferentialIntegrityError{
			InstanceID: inst.ID,
			Kind:       loom.SubjectKind(op.Kind),
			SubjectID:  loom.SubjectID(op.SubjectID),
		}
	}

	existing, err := h.Store.AttachmentsForInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	var current *loom.Attachment
	for i := range existing {
		if existing[i].Kind == kind && existing[i].SubjectID == loom.SubjectID(op.SubjectID) {
			current = &existing[i]
			break
		}
	}

	att := loom.Attachment{
		ID:             loom.AttachmentID(uuid.NewString()),
		InstanceID:     inst.ID,
		Kind:           kind,
		SubjectID:      loom.SubjectID(op.SubjectID),
		IsOverridden:   true,
		OverrideSource: loom.OverrideHuman,
		OverrideReason: op.Reason,
		Status:         loom.AttachExpected,
	}
	if current != nil {
		att.ID = current.ID
		att.RuleID = current.RuleID
		att.Status = current.Status
	}

	switch op.Action {
	case "add":
		// New subject or resurrecting a removed one.
		att.Status = loom.AttachExpected
	case "remove":
		// Tombstone: regeneration must never re-add this subject.
		att.Status = loom.AttachRemoved
	case "status":
		status := loom.AttachmentStatus(op.Status)
		switch status {
		case loom.AttachExpected, loom.AttachConfirmed, loom.AttachAbsent:
			att.Status = status
		default:
			return &loom.ReferentialIntegrityError{
				InstanceID: inst.ID,
				Kind:       loom.SubjectKind(op.Kind),
				SubjectID:  loom.SubjectID(op.SubjectID),
			}
		}
	default:
		return &loom.ReferentialIntegrityError{
			InstanceID: inst.ID,
			Kind:       loom.SubjectKind(op.Kind),
			SubjectID:  loom.SubjectID(op.SubjectID),
		}
	}

	return h.Store.UpdateAttachment(ctx, att)
}

// DeleteInstance removes an instance from the window.
func (h *Handler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loom.InstanceID(chi.URLParam(r, "id"))

	inst, err := h.Store.GetInstance(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get instance", err)
		return
	}
	if inst == nil {
		writeError(w, http.StatusNotFound, "Instance not found", nil)
		return
	}

	if err := h.Store.DeleteInstance(ctx, id); err != nil {
		writeError(w, statusForError(err), "Failed to delete instance", err)
		return
	}

	h.record(ctx, loom.NewAuditEvent(loom.ActionDelete, "instance", string(id), inst, nil))
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns all rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}

	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRule returns a single rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := loom.RuleID(chi.URLParam(r, "id"))

	rule, err := h.Store.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rule", err)
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "Rule not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(*rule))
}

// CreateRule creates a new rule after a conflict check.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SaveRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rule, err := h.RuleFactory.BuildRule(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule config", err)
		return
	}

	existing, err := h.Store.GetRule(ctx, rule.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check rule", err)
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "Rule already exists", nil)
		return
	}

	report, status, ok := h.gateRule(ctx, w, *rule, nil)
	if !ok {
		return
	}

	if err := h.Store.SaveRule(ctx, *rule); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rule", err)
		return
	}
	h.record(ctx, loom.NewAuditEvent(loom.ActionCreate, "rule", string(rule.ID), nil, rule))

	saved, _ := h.Store.GetRule(ctx, rule.ID)
	if saved == nil {
		saved = rule
	}
	writeJSON(w, status, struct {
		Rule      RuleDTO           `json:"rule"`
		Conflicts ConflictReportDTO `json:"conflicts"`
	}{toRuleDTO(*saved), report})
}

// UpdateRule replaces a rule's definition after a conflict check against
// the live window.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loom.RuleID(chi.URLParam(r, "id"))

	var req SaveRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.Config.ID = string(id)

	rule, err := h.RuleFactory.BuildRule(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule config", err)
		return
	}

	existing, err := h.Store.GetRule(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rule", err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "Rule not found", nil)
		return
	}

	exceptions, err := h.Store.ExceptionsForRule(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load exceptions", err)
		return
	}

	report, _, ok := h.gateRule(ctx, w, *rule, exceptions)
	if !ok {
		return
	}

	if err := h.Store.SaveRule(ctx, *rule); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rule", err)
		return
	}
	h.record(ctx, loom.NewAuditEvent(loom.ActionUpdate, "rule", string(id), existing, rule))

	saved, _ := h.Store.GetRule(ctx, id)
	if saved == nil {
		saved = rule
	}
	writeJSON(w, http.StatusOK, struct {
		Rule      RuleDTO           `json:"rule"`
		Conflicts ConflictReportDTO `json:"conflicts"`
	}{toRuleDTO(*saved), report})
}

// gateRule runs the conflict resolver over the current window. On a hard
// block it writes the 409 itself and reports !ok.
func (h *Handler) gateRule(ctx context.Context, w http.ResponseWriter, rule loom.Rule, exceptions []loom.Exception) (ConflictReportDTO, int, bool) {
	from, to, err := h.horizon(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read window config", err)
		return ConflictReportDTO{}, 0, false
	}

	report, err := h.Resolver.CheckConflict(ctx, rule, exceptions, from, to)
	if err != nil {
		writeError(w, statusForError(err), "Conflict check failed", err)
		return ConflictReportDTO{}, 0, false
	}

	dto := toConflictReportDTO(report)
	if report.Blocking {
		writeJSON(w, http.StatusConflict, struct {
			Error     string            `json:"error"`
			Conflicts ConflictReportDTO `json:"conflicts"`
		}{"Rule change blocked by operator overrides", dto})
		return dto, 0, false
	}
	return dto, http.StatusCreated, true
}

// ListExceptions returns a rule's exceptions.
func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loom.RuleID(chi.URLParam(r, "id"))

	rule, err := h.Store.GetRule(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rule", err)
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "Rule not found", nil)
		return
	}

	exceptions, err := h.Store.ExceptionsForRule(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list exceptions", err)
		return
	}

	dtos := make([]factory.ExceptionJSON, len(exceptions))
	for i, ex := range exceptions {
		dtos[i] = toExceptionJSON(ex)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateException attaches a dated exception to a rule.
func (h *Handler) CreateException(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loom.RuleID(chi.URLParam(r, "id"))

	var cfg factory.ExceptionJSON
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cfg.RuleID = string(id)

	ex, err := h.RuleFactory.BuildException(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid exception config", err)
		return
	}

	rule, err := h.Store.GetRule(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rule", err)
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "Rule not found", nil)
		return
	}

	if err := h.Store.SaveException(ctx, *ex); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save exception", err)
		return
	}
	h.record(ctx, loom.NewAuditEvent(loom.ActionUpdate, "exception", string(id)+"/"+ex.Date.String(), nil, ex))

	writeJSON(w, http.StatusCreated, toExceptionJSON(*ex))
}

func toExceptionJSON(ex loom.Exception) factory.ExceptionJSON {
	cfg := factory.ExceptionJSON{
		RuleID:  string(ex.RuleID),
		Date:    ex.Date.String(),
		Kind:    string(ex.Kind),
		VenueID: string(ex.VenueID),
		Reason:  ex.Reason,
	}
	if ex.NewStart != nil {
		cfg.NewStart = ex.NewStart.String()
	}
	if ex.NewEnd != nil {
		cfg.NewEnd = ex.NewEnd.String()
	}
	return cfg
}

// =============================================================================
// WINDOW CONFIG HANDLERS
// =============================================================================

// GetWindowConfig returns the rolling horizon length.
func (h *Handler) GetWindowConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.WindowConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read window config", err)
		return
	}
	writeJSON(w, http.StatusOK, WindowConfigDTO{
		Weeks:     cfg.Weeks,
		UpdatedAt: cfg.UpdatedAt.Format(time.RFC3339),
	})
}

// PatchWindowConfig resizes the rolling horizon. The new length applies on
// the next roll pass.
func (h *Handler) PatchWindowConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req WindowConfigDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	previous, err := h.Store.WindowConfig(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read window config", err)
		return
	}

	cfg := loom.WindowConfig{Weeks: req.Weeks}
	if err := h.Store.SaveWindowConfig(ctx, cfg); err != nil {
		writeError(w, statusForError(err), "Failed to save window config", err)
		return
	}
	h.record(ctx, loom.NewAuditEvent(loom.ActionUpdate, "window_config", "window", previous, cfg))

	saved, err := h.Store.WindowConfig(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read window config", err)
		return
	}
	writeJSON(w, http.StatusOK, WindowConfigDTO{
		Weeks:     saved.Weeks,
		UpdatedAt: saved.UpdatedAt.Format(time.RFC3339),
	})
}

// =============================================================================
// HISTORY HANDLERS
// =============================================================================

// ListShifts returns woven shifts in [from, to).
func (h *Handler) ListShifts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, err := queryDate(r, "from", loom.Today().AddWeeks(-4))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return
	}
	to, err := queryDate(r, "to", loom.Today().AddDays(1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date", err)
		return
	}

	shifts, err := h.Store.ShiftsInRange(ctx, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list history", err)
		return
	}

	dtos := make([]ShiftDTO, len(shifts))
	for i, shift := range shifts {
		dtos[i] = toShiftDTO(shift, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetShift returns a shift with its subject rows and pinned artifacts.
func (h *Handler) GetShift(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loom.ShiftID(chi.URLParam(r, "id"))

	shift, err := h.Store.GetShift(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get shift", err)
		return
	}
	if shift == nil {
		writeError(w, http.StatusNotFound, "Shift not found", nil)
		return
	}

	artifacts, err := h.Store.ArtifactsForShift(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load artifacts", err)
		return
	}

	writeJSON(w, http.StatusOK, toShiftDTO(*shift, artifacts))
}

// CreateArtifact pins an artifact to a woven shift. This is the only write
// the history ribbon accepts.
func (h *Handler) CreateArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loom.ShiftID(chi.URLParam(r, "id"))

	var req CreateArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	artifactType := loom.ArtifactType(req.Type)
	switch artifactType {
	case loom.ArtifactSpotAudit, loom.ArtifactNote, loom.ArtifactIncident, loom.ArtifactReport:
	default:
		writeError(w, http.StatusBadRequest, "Invalid artifact type", nil)
		return
	}

	severity := loom.Severity(req.Severity)
	switch severity {
	case loom.SeverityInfo, loom.SeverityWarning, loom.SeverityCritical:
	case "":
		severity = loom.SeverityInfo
	default:
		writeError(w, http.StatusBadRequest, "Invalid severity", nil)
		return
	}

	artifact := loom.PinnedArtifact{
		ID:        loom.ArtifactID(uuid.NewString()),
		ShiftID:   id,
		Type:      artifactType,
		Content:   req.Content,
		Severity:  severity,
		CreatedBy: req.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.Store.AddArtifact(ctx, artifact); err != nil {
		writeError(w, statusForError(err), "Failed to pin artifact", err)
		return
	}
	h.record(ctx, loom.NewAuditEvent(loom.ActionCreate, "artifact", string(artifact.ID), nil, artifact))

	writeJSON(w, http.StatusCreated, toArtifactDTO(artifact))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListAuditEvents returns the newest audit events, ?limit= capped at 500.
func (h *Handler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	events, err := h.Store.RecentAuditEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit events", err)
		return
	}

	dtos := make([]AuditEventDTO, len(events))
	for i, e := range events {
		dtos[i] = toAuditEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) record(ctx context.Context, event loom.AuditEvent) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(ctx, event)
}

func queryDate(r *http.Request, key string, fallback loom.Date) (loom.Date, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return fallback, nil
	}
	return loom.ParseDate(s)
}

func statusForError(err error) int {
	switch {
	case loom.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, loom.ErrConcurrentModification),
		errors.Is(err, loom.ErrDuplicateInstance),
		errors.Is(err, loom.ErrAlreadyArchived):
		return http.StatusConflict
	case loom.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
