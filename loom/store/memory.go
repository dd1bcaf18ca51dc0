// Package store provides loom storage implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tapestry/loom-engine/loom"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements every loom storage interface plus Directory and
// AuditSink, backed by maps. Safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	rules      map[loom.RuleID]loom.Rule
	exceptions map[loom.RuleID][]loom.Exception

	instances   map[loom.InstanceID]loom.Instance
	byRuleDate  map[ruleDateKey]loom.InstanceID
	attachments map[loom.InstanceID][]loom.Attachment

	shifts          map[loom.ShiftID]loom.HistoryShift
	shiftByInstance map[loom.InstanceID]loom.ShiftID
	artifacts       map[loom.ShiftID][]loom.PinnedArtifact

	window    loom.WindowConfig
	directory map[dirKey]loom.DirectoryEntry
	audit     []loom.AuditEvent
}

type ruleDateKey struct {
	RuleID loom.RuleID
	Date   string
}

type dirKey struct {
	Kind loom.SubjectKind
	ID   loom.SubjectID
}

func NewMemory() *Memory {
	return &Memory{
		rules:           make(map[loom.RuleID]loom.Rule),
		exceptions:      make(map[loom.RuleID][]loom.Exception),
		instances:       make(map[loom.InstanceID]loom.Instance),
		byRuleDate:      make(map[ruleDateKey]loom.InstanceID),
		attachments:     make(map[loom.InstanceID][]loom.Attachment),
		shifts:          make(map[loom.ShiftID]loom.HistoryShift),
		shiftByInstance: make(map[loom.InstanceID]loom.ShiftID),
		artifacts:       make(map[loom.ShiftID][]loom.PinnedArtifact),
		window:          loom.WindowConfig{Weeks: 6},
		directory:       make(map[dirKey]loom.DirectoryEntry),
	}
}

// =============================================================================
// RULE STORE
// =============================================================================

func (m *Memory) ActiveRulesIntersecting(_ context.Context, from, to loom.Date) ([]loom.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rules []loom.Rule
	for _, r := range m.rules {
		if r.Active && r.ValidityIntersects(from, to) {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (m *Memory) GetRule(_ context.Context, id loom.RuleID) (*loom.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) ListRules(_ context.Context) ([]loom.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]loom.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (m *Memory) SaveRule(_ context.Context, rule loom.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.rules[rule.ID]; ok {
		rule.Version = existing.Version + 1
	} else if rule.Version == 0 {
		rule.Version = 1
	}
	rule.UpdatedAt = time.Now().UTC()
	m.rules[rule.ID] = rule
	return nil
}

func (m *Memory) ExceptionsForRule(_ context.Context, id loom.RuleID) ([]loom.Exception, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]loom.Exception(nil), m.exceptions[id]...), nil
}

func (m *Memory) SaveException(_ context.Context, ex loom.Exception) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// One exception per (rule, date); a new one replaces the old.
	existing := m.exceptions[ex.RuleID]
	for i, e := range existing {
		if e.Date.Equal(ex.Date) {
			existing[i] = ex
			return nil
		}
	}
	m.exceptions[ex.RuleID] = append(existing, ex)
	return nil
}

// =============================================================================
// INSTANCE STORE
// =============================================================================

func (m *Memory) GetInstance(_ context.Context, id loom.InstanceID) (*loom.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (m *Memory) FindInstance(_ context.Context, ruleID loom.RuleID, date loom.Date) (*loom.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRuleDate[ruleDateKey{ruleID, date.String()}]
	if !ok {
		return nil, nil
	}
	inst := m.instances[id]
	return &inst, nil
}

func (m *Memory) InstancesInRange(_ context.Context, from, to loom.Date) ([]loom.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var instances []loom.Instance
	for _, inst := range m.instances {
		if inst.Date.AfterOrEqual(from) && inst.Date.Before(to) {
			instances = append(instances, inst)
		}
	}
	sortInstances(instances)
	return instances, nil
}

func (m *Memory) InstancesForRule(_ context.Context, ruleID loom.RuleID, from, to loom.Date) ([]loom.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var instances []loom.Instance
	for _, inst := range m.instances {
		if inst.RuleID == ruleID && inst.Date.AfterOrEqual(from) && inst.Date.Before(to) {
			instances = append(instances, inst)
		}
	}
	sortInstances(instances)
	return instances, nil
}

func (m *Memory) InstancesEndedBefore(_ context.Context, asOf time.Time) ([]loom.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var instances []loom.Instance
	for _, inst := range m.instances {
		if inst.EndsAt().Before(asOf) {
			instances = append(instances, inst)
		}
	}
	sortInstances(instances)
	return instances, nil
}

func (m *Memory) AttachmentsForInstance(_ context.Context, id loom.InstanceID) ([]loom.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]loom.Attachment(nil), m.attachments[id]...), nil
}

func (m *Memory) CreateInstance(_ context.Context, inst loom.Instance, attachments []loom.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ruleDateKey{inst.RuleID, inst.Date.String()}
	if _, exists := m.byRuleDate[key]; exists {
		return loom.ErrDuplicateInstance
	}

	m.instances[inst.ID] = inst
	m.byRuleDate[key] = inst.ID
	m.attachments[inst.ID] = append([]loom.Attachment(nil), attachments...)
	return nil
}

func (m *Memory) SyncInstance(_ context.Context, inst loom.Instance, expectedUpdatedAt time.Time, sync loom.AttachmentSync) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.instances[inst.ID]
	if !ok {
		return loom.ErrInstanceNotFound
	}
	if !existing.UpdatedAt.Equal(expectedUpdatedAt) {
		return loom.ErrConcurrentModification
	}

	attachments := m.attachments[inst.ID]

	// Enforce the override invariant before writing anything.
	overridden := make(map[loom.AttachmentID]bool)
	bySubject := make(map[subjectKey]int, len(attachments))
	for i, att := range attachments {
		if att.IsOverridden {
			overridden[att.ID] = true
		}
		bySubject[subjectKey{att.Kind, att.SubjectID}] = i
	}
	for _, id := range sync.RemoveIDs {
		if overridden[id] {
			return loom.ErrOverrideViolation
		}
	}
	for _, up := range sync.Upserts {
		if i, ok := bySubject[subjectKey{up.Kind, up.SubjectID}]; ok && attachments[i].IsOverridden {
			return loom.ErrOverrideViolation
		}
	}

	removed := make(map[loom.AttachmentID]bool, len(sync.RemoveIDs))
	for _, id := range sync.RemoveIDs {
		removed[id] = true
	}
	var next []loom.Attachment
	for _, att := range attachments {
		if !removed[att.ID] {
			next = append(next, att)
		}
	}
	for _, up := range sync.Upserts {
		if i, ok := bySubject[subjectKey{up.Kind, up.SubjectID}]; ok && !removed[attachments[i].ID] {
			up.ID = attachments[i].ID
			for j := range next {
				if next[j].ID == up.ID {
					next[j] = up
				}
			}
			continue
		}
		next = append(next, up)
	}

	m.instances[inst.ID] = inst
	m.attachments[inst.ID] = next
	return nil
}

type subjectKey struct {
	Kind      loom.AttachmentKind
	SubjectID loom.SubjectID
}

func (m *Memory) UpdateInstance(_ context.Context, inst loom.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[inst.ID]; !ok {
		return loom.ErrInstanceNotFound
	}
	inst.UpdatedAt = time.Now().UTC()
	m.instances[inst.ID] = inst
	return nil
}

func (m *Memory) UpdateAttachment(_ context.Context, att loom.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attachments := m.attachments[att.InstanceID]
	for i := range attachments {
		if attachments[i].ID == att.ID {
			att.UpdatedAt = time.Now().UTC()
			attachments[i] = att
			return nil
		}
	}
	m.attachments[att.InstanceID] = append(attachments, att)
	return nil
}

func (m *Memory) DeleteInstance(_ context.Context, id loom.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return loom.ErrInstanceNotFound
	}
	delete(m.instances, id)
	delete(m.byRuleDate, ruleDateKey{inst.RuleID, inst.Date.String()})
	delete(m.attachments, id)
	return nil
}

// =============================================================================
// HISTORY STORE
// =============================================================================

func (m *Memory) ArchiveShift(_ context.Context, shift loom.HistoryShift) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.shiftByInstance[shift.OriginalInstanceID]; exists {
		return loom.ErrAlreadyArchived
	}

	m.shifts[shift.ID] = shift
	m.shiftByInstance[shift.OriginalInstanceID] = shift.ID

	// Snapshot+delete is one unit: remove the live rows.
	if inst, ok := m.instances[shift.OriginalInstanceID]; ok {
		delete(m.instances, inst.ID)
		delete(m.byRuleDate, ruleDateKey{inst.RuleID, inst.Date.String()})
		delete(m.attachments, inst.ID)
	}
	return nil
}

func (m *Memory) GetShift(_ context.Context, id loom.ShiftID) (*loom.HistoryShift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	shift, ok := m.shifts[id]
	if !ok {
		return nil, nil
	}
	return &shift, nil
}

func (m *Memory) ShiftsInRange(_ context.Context, from, to loom.Date) ([]loom.HistoryShift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var shifts []loom.HistoryShift
	for _, s := range m.shifts {
		if s.Date.AfterOrEqual(from) && s.Date.Before(to) {
			shifts = append(shifts, s)
		}
	}
	sort.Slice(shifts, func(i, j int) bool {
		if !shifts[i].Date.Equal(shifts[j].Date) {
			return shifts[i].Date.Before(shifts[j].Date)
		}
		return shifts[i].ID < shifts[j].ID
	})
	return shifts, nil
}

func (m *Memory) AddArtifact(_ context.Context, artifact loom.PinnedArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shifts[artifact.ShiftID]; !ok {
		return loom.ErrShiftNotFound
	}
	m.artifacts[artifact.ShiftID] = append(m.artifacts[artifact.ShiftID], artifact)
	return nil
}

func (m *Memory) ArtifactsForShift(_ context.Context, id loom.ShiftID) ([]loom.PinnedArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]loom.PinnedArtifact(nil), m.artifacts[id]...), nil
}

// =============================================================================
// WINDOW STORE
// =============================================================================

func (m *Memory) WindowConfig(_ context.Context) (loom.WindowConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window, nil
}

func (m *Memory) SaveWindowConfig(_ context.Context, cfg loom.WindowConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Weeks <= 0 {
		return loom.ErrInvalidWindow
	}
	cfg.UpdatedAt = time.Now().UTC()
	m.window = cfg
	return nil
}

// =============================================================================
// DIRECTORY + AUDIT SINK
// =============================================================================

// AddEntry seeds a directory record (tests/dev).
func (m *Memory) AddEntry(entry loom.DirectoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.directory[dirKey{entry.Kind, entry.ID}] = entry
}

func (m *Memory) Lookup(_ context.Context, kind loom.SubjectKind, id loom.SubjectID) (*loom.DirectoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.directory[dirKey{kind, id}]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *Memory) Record(_ context.Context, event loom.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, event)
	return nil
}

// AuditEvents returns the recorded events (tests).
func (m *Memory) AuditEvents() []loom.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]loom.AuditEvent(nil), m.audit...)
}

// RecentAuditEvents returns the newest events first.
func (m *Memory) RecentAuditEvents(_ context.Context, limit int) ([]loom.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []loom.AuditEvent
	for i := len(m.audit) - 1; i >= 0 && len(events) < limit; i-- {
		events = append(events, m.audit[i])
	}
	return events, nil
}

func sortInstances(instances []loom.Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].Date.Equal(instances[j].Date) {
			return instances[i].Date.Before(instances[j].Date)
		}
		return instances[i].ID < instances[j].ID
	})
}
