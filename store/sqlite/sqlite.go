/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every loom persistence interface (RuleStore, InstanceStore,
  HistoryStore, WindowStore, Directory, AuditSink) using SQLite. In
  production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

IMMUTABILITY ENFORCEMENT:
  The store enforces the history ribbon's append-only semantics:
  - No UPDATE statements on history_shifts or shift_subjects
  - No DELETE statements on history_shifts, shift_subjects, pinned_artifacts
  - The only post-archival write path is pinned_artifacts INSERT

KEY TABLES:
  rules:             Declarative scheduling rules (versioned)
  rule_exceptions:   Date-scoped recurrence overrides
  loom_instances:    Materialized operational instances
  attachments:       Participant/staff/vehicle links with override flags
  history_shifts:    Immutable archived shifts (denormalized)
  shift_subjects:    Per-subject ribbon rows
  pinned_artifacts:  Append-only post-archival annotations
  window_config:     Single-row rolling horizon length
  directory_entries: Reference data (participants/staff/venues/vehicles)
  audit_events:      Append-only mutation log, independent of the ribbon

INDEXES:
  - idx_instances_rule_date UNIQUE: one instance per (rule, date)
  - idx_shifts_original UNIQUE: archive idempotence backstop
  - idx_attachments_instance: the hot path of every projector pass

CONCURRENCY:
  WAL mode plus a sync.RWMutex. Batch passes already serialize writes
  behind the engine's pass lock; operator edits race them through the
  updated_at optimistic check inside SyncInstance.

USAGE:
  store, err := sqlite.New("./data/loom.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loom/store.go: Interface definitions
  - loom/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/tapestry/loom-engine/loom"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Rules (declarative layer of truth)
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		recurrence_json TEXT NOT NULL,
		start_minutes INTEGER NOT NULL,
		end_minutes INTEGER NOT NULL,
		venue_id TEXT NOT NULL,
		participants_json TEXT,
		staff_json TEXT,
		vehicle_id TEXT,
		valid_from TEXT NOT NULL,
		valid_to TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_active
		ON rules(active, valid_from, valid_to);

	-- Rule exceptions (one per rule+date)
	CREATE TABLE IF NOT EXISTS rule_exceptions (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		date TEXT NOT NULL,
		kind TEXT NOT NULL,
		new_start INTEGER,
		new_end INTEGER,
		venue_id TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(rule_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_exceptions_rule
		ON rule_exceptions(rule_id);

	-- Materialized instances (operational layer of truth)
	CREATE TABLE IF NOT EXISTS loom_instances (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		date TEXT NOT NULL,
		start_minutes INTEGER NOT NULL,
		end_minutes INTEGER NOT NULL,
		venue_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		manually_modified BOOLEAN NOT NULL DEFAULT FALSE,
		projection_hash TEXT NOT NULL,
		participant_count INTEGER NOT NULL DEFAULT 0,
		staff_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: exactly one instance per (rule, date)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_rule_date
		ON loom_instances(rule_id, date);
	CREATE INDEX IF NOT EXISTS idx_instances_date
		ON loom_instances(date);

	-- Attachments (override-tracked sub-resources)
	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		rule_id TEXT,
		is_overridden BOOLEAN NOT NULL DEFAULT FALSE,
		override_source TEXT NOT NULL DEFAULT '',
		override_reason TEXT,
		status TEXT NOT NULL DEFAULT 'expected',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(instance_id, kind, subject_id)
	);

	CREATE INDEX IF NOT EXISTS idx_attachments_instance
		ON attachments(instance_id);

	-- History ribbon (immutable after insert)
	CREATE TABLE IF NOT EXISTS history_shifts (
		id TEXT PRIMARY KEY,
		original_instance_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		date TEXT NOT NULL,
		start_minutes INTEGER NOT NULL,
		end_minutes INTEGER NOT NULL,
		venue_id TEXT NOT NULL,
		venue_name TEXT NOT NULL,
		completion_status TEXT NOT NULL,
		participant_count INTEGER NOT NULL DEFAULT 0,
		staff_count INTEGER NOT NULL DEFAULT 0,
		billable_hours TEXT NOT NULL,
		archived BOOLEAN NOT NULL DEFAULT TRUE,
		woven_at TEXT NOT NULL
	);

	-- CRITICAL: archive idempotence - one shift per original instance
	CREATE UNIQUE INDEX IF NOT EXISTS idx_shifts_original
		ON history_shifts(original_instance_id);
	CREATE INDEX IF NOT EXISTS idx_shifts_date
		ON history_shifts(date);

	CREATE TABLE IF NOT EXISTS shift_subjects (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		subject_name TEXT NOT NULL,
		status TEXT NOT NULL,
		was_overridden BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_shift_subjects_shift
		ON shift_subjects(shift_id);

	-- Pinned artifacts (the only post-archival write path)
	CREATE TABLE IF NOT EXISTS pinned_artifacts (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT,
		severity TEXT NOT NULL DEFAULT 'info',
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_shift
		ON pinned_artifacts(shift_id);

	-- Window configuration (single row)
	CREATE TABLE IF NOT EXISTS window_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		weeks INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Reference data
	CREATE TABLE IF NOT EXISTS directory_entries (
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (kind, id)
	);

	-- Audit trail (append-only, independent of the ribbon)
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		action_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		previous_state TEXT,
		new_state TEXT,
		severity TEXT NOT NULL DEFAULT 'info',
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_at
		ON audit_events(at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RULE STORE (loom.RuleStore interface)
// =============================================================================

const ruleColumns = `id, kind, name, recurrence_json, start_minutes, end_minutes,
	venue_id, participants_json, staff_json, vehicle_id, valid_from, valid_to,
	active, version, created_at, updated_at`

// SaveRule inserts or updates a rule, bumping the stored version on update.
func (s *Store) SaveRule(ctx context.Context, rule loom.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recurrenceJSON, err := json.Marshal(rule.Recurrence)
	if err != nil {
		return fmt.Errorf("encode recurrence: %w", err)
	}
	participantsJSON, _ := json.Marshal(rule.ParticipantIDs)
	staffJSON, _ := json.Marshal(rule.StaffIDs)

	var validTo *string
	if rule.ValidTo != nil {
		v := rule.ValidTo.String()
		validTo = &v
	}

	query := `
		INSERT INTO rules (id, kind, name, recurrence_json, start_minutes, end_minutes,
			venue_id, participants_json, staff_json, vehicle_id, valid_from, valid_to,
			active, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			recurrence_json = excluded.recurrence_json,
			start_minutes = excluded.start_minutes,
			end_minutes = excluded.end_minutes,
			venue_id = excluded.venue_id,
			participants_json = excluded.participants_json,
			staff_json = excluded.staff_json,
			vehicle_id = excluded.vehicle_id,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			active = excluded.active,
			version = rules.version + 1,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, query,
		rule.ID, rule.Kind, rule.Name, string(recurrenceJSON),
		int(rule.Start), int(rule.End), rule.VenueID,
		string(participantsJSON), string(staffJSON), nullString(string(rule.VehicleID)),
		rule.ValidFrom.String(), validTo, rule.Active, now, now,
	)
	return err
}

// GetRule retrieves a rule by ID, nil when absent.
func (s *Store) GetRule(ctx context.Context, id loom.RuleID) (*loom.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules, err := s.queryRules(ctx, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return &rules[0], nil
}

// ListRules returns all rules.
func (s *Store) ListRules(ctx context.Context) ([]loom.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRules(ctx, "SELECT "+ruleColumns+" FROM rules ORDER BY name")
}

// ActiveRulesIntersecting returns active rules whose validity overlaps [from, to).
func (s *Store) ActiveRulesIntersecting(ctx context.Context, from, to loom.Date) ([]loom.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE active = TRUE
		  AND valid_from < ?
		  AND (valid_to IS NULL OR valid_to >= ?)
		ORDER BY id
	`
	return s.queryRules(ctx, query, to.String(), from.String())
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]loom.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []loom.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(rows *sql.Rows) (loom.Rule, error) {
	var (
		rule                            loom.Rule
		recurrenceJSON                  string
		startMin, endMin                int
		participantsJSON, staffJSON     sql.NullString
		vehicleID, validTo              sql.NullString
		validFrom, createdAt, updatedAt string
	)

	err := rows.Scan(
		&rule.ID, &rule.Kind, &rule.Name, &recurrenceJSON, &startMin, &endMin,
		&rule.VenueID, &participantsJSON, &staffJSON, &vehicleID,
		&validFrom, &validTo, &rule.Active, &rule.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return rule, fmt.Errorf("failed to scan rule: %w", err)
	}

	if err := json.Unmarshal([]byte(recurrenceJSON), &rule.Recurrence); err != nil {
		return rule, fmt.Errorf("rule %s: decode recurrence: %w", rule.ID, err)
	}
	if participantsJSON.Valid && participantsJSON.String != "" {
		json.Unmarshal([]byte(participantsJSON.String), &rule.ParticipantIDs)
	}
	if staffJSON.Valid && staffJSON.String != "" {
		json.Unmarshal([]byte(staffJSON.String), &rule.StaffIDs)
	}
	rule.VehicleID = loom.SubjectID(vehicleID.String)
	rule.Start = loom.TimeOfDay(startMin)
	rule.End = loom.TimeOfDay(endMin)
	rule.ValidFrom, _ = loom.ParseDate(validFrom)
	if validTo.Valid {
		if d, err := loom.ParseDate(validTo.String); err == nil {
			rule.ValidTo = &d
		}
	}
	rule.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rule.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return rule, nil
}

// SaveException upserts an exception; one per (rule, date).
func (s *Store) SaveException(ctx context.Context, ex loom.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}

	var newStart, newEnd *int
	if ex.NewStart != nil {
		v := int(*ex.NewStart)
		newStart = &v
	}
	if ex.NewEnd != nil {
		v := int(*ex.NewEnd)
		newEnd = &v
	}

	query := `
		INSERT INTO rule_exceptions (id, rule_id, date, kind, new_start, new_end, venue_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id, date) DO UPDATE SET
			kind = excluded.kind,
			new_start = excluded.new_start,
			new_end = excluded.new_end,
			venue_id = excluded.venue_id,
			reason = excluded.reason
	`

	_, err := s.db.ExecContext(ctx, query,
		ex.ID, ex.RuleID, ex.Date.String(), ex.Kind,
		newStart, newEnd, nullString(string(ex.VenueID)), ex.Reason,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ExceptionsForRule returns all exceptions scoped to a rule.
func (s *Store) ExceptionsForRule(ctx context.Context, id loom.RuleID) ([]loom.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, rule_id, date, kind, new_start, new_end, venue_id, reason, created_at
		FROM rule_exceptions
		WHERE rule_id = ?
		ORDER BY date ASC
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exceptions []loom.Exception
	for rows.Next() {
		var (
			ex               loom.Exception
			date, createdAt  string
			newStart, newEnd sql.NullInt64
			venueID, reason  sql.NullString
		)
		if err := rows.Scan(&ex.ID, &ex.RuleID, &date, &ex.Kind,
			&newStart, &newEnd, &venueID, &reason, &createdAt); err != nil {
			return nil, err
		}
		ex.Date, _ = loom.ParseDate(date)
		if newStart.Valid {
			v := loom.TimeOfDay(newStart.Int64)
			ex.NewStart = &v
		}
		if newEnd.Valid {
			v := loom.TimeOfDay(newEnd.Int64)
			ex.NewEnd = &v
		}
		ex.VenueID = loom.SubjectID(venueID.String)
		ex.Reason = reason.String
		ex.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		exceptions = append(exceptions, ex)
	}
	return exceptions, rows.Err()
}

// =============================================================================
// INSTANCE STORE (loom.InstanceStore interface)
// =============================================================================

const instanceColumns = `id, rule_id, date, start_minutes, end_minutes, venue_id,
	status, manually_modified, projection_hash, participant_count, staff_count,
	created_at, updated_at`

// GetInstance retrieves an instance by ID, nil when absent.
func (s *Store) GetInstance(ctx context.Context, id loom.InstanceID) (*loom.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances, err := s.queryInstances(ctx, "SELECT "+instanceColumns+" FROM loom_instances WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return &instances[0], nil
}

// FindInstance retrieves the instance for a (rule, date) pair, nil when absent.
func (s *Store) FindInstance(ctx context.Context, ruleID loom.RuleID, date loom.Date) (*loom.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances, err := s.queryInstances(ctx,
		"SELECT "+instanceColumns+" FROM loom_instances WHERE rule_id = ? AND date = ?",
		ruleID, date.String())
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return &instances[0], nil
}

// InstancesInRange returns instances dated inside [from, to).
func (s *Store) InstancesInRange(ctx context.Context, from, to loom.Date) ([]loom.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + instanceColumns + ` FROM loom_instances
		WHERE date >= ? AND date < ?
		ORDER BY date ASC, id ASC`
	return s.queryInstances(ctx, query, from.String(), to.String())
}

// InstancesForRule returns a rule's instances dated inside [from, to).
func (s *Store) InstancesForRule(ctx context.Context, ruleID loom.RuleID, from, to loom.Date) ([]loom.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + instanceColumns + ` FROM loom_instances
		WHERE rule_id = ? AND date >= ? AND date < ?
		ORDER BY date ASC`
	return s.queryInstances(ctx, query, ruleID, from.String(), to.String())
}

// InstancesEndedBefore returns live instances whose end instant precedes asOf.
func (s *Store) InstancesEndedBefore(ctx context.Context, asOf time.Time) ([]loom.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// End instant is date midnight UTC plus end_minutes. Pre-filter by
	// date, compare precisely in Go.
	query := "SELECT " + instanceColumns + ` FROM loom_instances
		WHERE date <= ?
		ORDER BY date ASC, id ASC`
	candidates, err := s.queryInstances(ctx, query, loom.DateOf(asOf).String())
	if err != nil {
		return nil, err
	}

	var instances []loom.Instance
	for _, inst := range candidates {
		if inst.EndsAt().Before(asOf) {
			instances = append(instances, inst)
		}
	}
	return instances, nil
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]loom.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []loom.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(rows *sql.Rows) (loom.Instance, error) {
	var (
		inst                       loom.Instance
		date, createdAt, updatedAt string
		startMin, endMin           int
	)

	err := rows.Scan(
		&inst.ID, &inst.RuleID, &date, &startMin, &endMin, &inst.VenueID,
		&inst.Status, &inst.ManuallyModified, &inst.ProjectionHash,
		&inst.ParticipantCount, &inst.StaffCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return inst, fmt.Errorf("failed to scan instance: %w", err)
	}

	inst.Date, _ = loom.ParseDate(date)
	inst.Start = loom.TimeOfDay(startMin)
	inst.End = loom.TimeOfDay(endMin)
	inst.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return inst, nil
}

// CreateInstance commits the instance plus its initial attachments as one
// transaction. Returns ErrDuplicateInstance when the (rule, date) slot is
// already taken.
func (s *Store) CreateInstance(ctx context.Context, inst loom.Instance, attachments []loom.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO loom_instances (id, rule_id, date, start_minutes, end_minutes,
			venue_id, status, manually_modified, projection_hash,
			participant_count, staff_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		inst.ID, inst.RuleID, inst.Date.String(), int(inst.Start), int(inst.End),
		inst.VenueID, inst.Status, inst.ManuallyModified, inst.ProjectionHash,
		inst.ParticipantCount, inst.StaffCount,
		inst.CreatedAt.Format(time.RFC3339), inst.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return loom.ErrDuplicateInstance
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	for _, att := range attachments {
		if err := insertAttachment(ctx, tx, att); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SyncInstance is the projector's write path: derived instance fields plus
// the attachment sync set, one transaction, guarded by the optimistic
// updated_at check and the override invariant.
func (s *Store) SyncInstance(ctx context.Context, inst loom.Instance, expectedUpdatedAt time.Time, sync loom.AttachmentSync) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE loom_instances
		SET start_minutes = ?, end_minutes = ?, venue_id = ?, projection_hash = ?,
			participant_count = ?, staff_count = ?, updated_at = ?
		WHERE id = ? AND updated_at = ? AND manually_modified = FALSE
	`
	res, err := tx.ExecContext(ctx, query,
		int(inst.Start), int(inst.End), inst.VenueID, inst.ProjectionHash,
		inst.ParticipantCount, inst.StaffCount, inst.UpdatedAt.Format(time.RFC3339),
		inst.ID, expectedUpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// A racing operator edit bumped updated_at or flipped
		// manually_modified. The human wins either way.
		return loom.ErrConcurrentModification
	}

	for _, id := range sync.RemoveIDs {
		var overridden bool
		err := tx.QueryRowContext(ctx,
			"SELECT is_overridden FROM attachments WHERE id = ?", id,
		).Scan(&overridden)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		if overridden {
			return loom.ErrOverrideViolation
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE id = ?", id); err != nil {
			return err
		}
	}

	for _, att := range sync.Upserts {
		var existingID string
		var overridden bool
		err := tx.QueryRowContext(ctx,
			"SELECT id, is_overridden FROM attachments WHERE instance_id = ? AND kind = ? AND subject_id = ?",
			att.InstanceID, att.Kind, att.SubjectID,
		).Scan(&existingID, &overridden)

		switch {
		case err == sql.ErrNoRows:
			if err := insertAttachment(ctx, tx, att); err != nil {
				return err
			}
		case err != nil:
			return err
		case overridden:
			return loom.ErrOverrideViolation
		default:
			_, err := tx.ExecContext(ctx, `
				UPDATE attachments
				SET rule_id = ?, status = ?, updated_at = ?
				WHERE id = ? AND is_overridden = FALSE
			`, nullString(string(att.RuleID)), att.Status,
				att.UpdatedAt.Format(time.RFC3339), existingID)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func insertAttachment(ctx context.Context, tx *sql.Tx, att loom.Attachment) error {
	query := `
		INSERT INTO attachments (id, instance_id, kind, subject_id, rule_id,
			is_overridden, override_source, override_reason, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		att.ID, att.InstanceID, att.Kind, att.SubjectID, nullString(string(att.RuleID)),
		att.IsOverridden, att.OverrideSource, att.OverrideReason, att.Status,
		att.CreatedAt.Format(time.RFC3339), att.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

// UpdateInstance is the operator write path for instance fields.
func (s *Store) UpdateInstance(ctx context.Context, inst loom.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE loom_instances
		SET start_minutes = ?, end_minutes = ?, venue_id = ?, status = ?,
			manually_modified = ?, participant_count = ?, staff_count = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		int(inst.Start), int(inst.End), inst.VenueID, inst.Status,
		inst.ManuallyModified, inst.ParticipantCount, inst.StaffCount,
		time.Now().UTC().Format(time.RFC3339), inst.ID,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return loom.ErrInstanceNotFound
	}
	return nil
}

// UpdateAttachment is the operator write path for a single attachment.
func (s *Store) UpdateAttachment(ctx context.Context, att loom.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO attachments (id, instance_id, kind, subject_id, rule_id,
			is_overridden, override_source, override_reason, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, kind, subject_id) DO UPDATE SET
			is_overridden = excluded.is_overridden,
			override_source = excluded.override_source,
			override_reason = excluded.override_reason,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, query,
		att.ID, att.InstanceID, att.Kind, att.SubjectID, nullString(string(att.RuleID)),
		att.IsOverridden, att.OverrideSource, att.OverrideReason, att.Status,
		now, now,
	)
	return err
}

// AttachmentsForInstance returns all attachments on an instance.
func (s *Store) AttachmentsForInstance(ctx context.Context, id loom.InstanceID) ([]loom.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, instance_id, kind, subject_id, rule_id, is_overridden,
			override_source, override_reason, status, created_at, updated_at
		FROM attachments
		WHERE instance_id = ?
		ORDER BY kind ASC, subject_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []loom.Attachment
	for rows.Next() {
		var (
			att                  loom.Attachment
			ruleID, reason       sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&att.ID, &att.InstanceID, &att.Kind, &att.SubjectID,
			&ruleID, &att.IsOverridden, &att.OverrideSource, &reason, &att.Status,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		att.RuleID = loom.RuleID(ruleID.String)
		att.OverrideReason = reason.String
		att.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		att.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		attachments = append(attachments, att)
	}
	return attachments, rows.Err()
}

// DeleteInstance removes the instance and its attachments as one transaction.
func (s *Store) DeleteInstance(ctx context.Context, id loom.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM loom_instances WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return loom.ErrInstanceNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE instance_id = ?", id); err != nil {
		return err
	}

	return tx.Commit()
}

// =============================================================================
// HISTORY STORE (loom.HistoryStore interface)
// =============================================================================

// ArchiveShift inserts the shift with its subject rows and deletes the live
// instance and attachments - snapshot plus delete as one transaction.
// Returns ErrAlreadyArchived when the original instance is already woven.
func (s *Store) ArchiveShift(ctx context.Context, shift loom.HistoryShift) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO history_shifts (id, original_instance_id, rule_id, rule_name,
			date, start_minutes, end_minutes, venue_id, venue_name, completion_status,
			participant_count, staff_count, billable_hours, archived, woven_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		shift.ID, shift.OriginalInstanceID, shift.RuleID, shift.RuleName,
		shift.Date.String(), int(shift.Start), int(shift.End),
		shift.VenueID, shift.VenueName, shift.CompletionStatus,
		shift.ParticipantCount, shift.StaffCount, shift.BillableHours.String(),
		shift.Archived, shift.WovenAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return loom.ErrAlreadyArchived
		}
		return fmt.Errorf("failed to insert history shift: %w", err)
	}

	for _, sub := range shift.Subjects {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shift_subjects (id, shift_id, kind, subject_id, subject_name, status, was_overridden)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sub.ID, sub.ShiftID, sub.Kind, sub.SubjectID, sub.SubjectName, sub.Status, sub.WasOverridden)
		if err != nil {
			return fmt.Errorf("failed to insert shift subject: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM attachments WHERE instance_id = ?", shift.OriginalInstanceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM loom_instances WHERE id = ?", shift.OriginalInstanceID); err != nil {
		return err
	}

	return tx.Commit()
}

const shiftColumns = `id, original_instance_id, rule_id, rule_name, date,
	start_minutes, end_minutes, venue_id, venue_name, completion_status,
	participant_count, staff_count, billable_hours, archived, woven_at`

// GetShift retrieves a shift with its subject rows, nil when absent.
func (s *Store) GetShift(ctx context.Context, id loom.ShiftID) (*loom.HistoryShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shifts, err := s.queryShifts(ctx, "SELECT "+shiftColumns+" FROM history_shifts WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(shifts) == 0 {
		return nil, nil
	}

	shift := shifts[0]
	subjects, err := s.querySubjects(ctx, shift.ID)
	if err != nil {
		return nil, err
	}
	shift.Subjects = subjects
	return &shift, nil
}

// ShiftsInRange returns shifts dated inside [from, to), without subject rows.
func (s *Store) ShiftsInRange(ctx context.Context, from, to loom.Date) ([]loom.HistoryShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + shiftColumns + ` FROM history_shifts
		WHERE date >= ? AND date < ?
		ORDER BY date ASC, id ASC`
	return s.queryShifts(ctx, query, from.String(), to.String())
}

func (s *Store) queryShifts(ctx context.Context, query string, args ...any) ([]loom.HistoryShift, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history shifts: %w", err)
	}
	defer rows.Close()

	var shifts []loom.HistoryShift
	for rows.Next() {
		var (
			shift            loom.HistoryShift
			date, wovenAt    string
			startMin, endMin int
			billable         string
		)
		if err := rows.Scan(&shift.ID, &shift.OriginalInstanceID, &shift.RuleID,
			&shift.RuleName, &date, &startMin, &endMin, &shift.VenueID, &shift.VenueName,
			&shift.CompletionStatus, &shift.ParticipantCount, &shift.StaffCount,
			&billable, &shift.Archived, &wovenAt); err != nil {
			return nil, fmt.Errorf("failed to scan history shift: %w", err)
		}
		shift.Date, _ = loom.ParseDate(date)
		shift.Start = loom.TimeOfDay(startMin)
		shift.End = loom.TimeOfDay(endMin)
		shift.BillableHours, _ = decimal.NewFromString(billable)
		shift.WovenAt, _ = time.Parse(time.RFC3339, wovenAt)
		shifts = append(shifts, shift)
	}
	return shifts, rows.Err()
}

func (s *Store) querySubjects(ctx context.Context, shiftID loom.ShiftID) ([]loom.ShiftSubject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, kind, subject_id, subject_name, status, was_overridden
		FROM shift_subjects
		WHERE shift_id = ?
		ORDER BY kind ASC, subject_id ASC
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []loom.ShiftSubject
	for rows.Next() {
		var sub loom.ShiftSubject
		if err := rows.Scan(&sub.ID, &sub.ShiftID, &sub.Kind, &sub.SubjectID,
			&sub.SubjectName, &sub.Status, &sub.WasOverridden); err != nil {
			return nil, err
		}
		subjects = append(subjects, sub)
	}
	return subjects, rows.Err()
}

// AddArtifact pins an artifact to a woven shift. Insert only.
func (s *Store) AddArtifact(ctx context.Context, artifact loom.PinnedArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM history_shifts WHERE id = ?", artifact.ShiftID,
	).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		return loom.ErrShiftNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pinned_artifacts (id, shift_id, type, content, severity, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, artifact.ID, artifact.ShiftID, artifact.Type, artifact.Content,
		artifact.Severity, artifact.CreatedBy, artifact.CreatedAt.Format(time.RFC3339))
	return err
}

// ArtifactsForShift returns a shift's pinned artifacts, oldest first.
func (s *Store) ArtifactsForShift(ctx context.Context, id loom.ShiftID) ([]loom.PinnedArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, type, content, severity, created_by, created_at
		FROM pinned_artifacts
		WHERE shift_id = ?
		ORDER BY created_at ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []loom.PinnedArtifact
	for rows.Next() {
		var (
			a                  loom.PinnedArtifact
			content, createdBy sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&a.ID, &a.ShiftID, &a.Type, &content, &a.Severity,
			&createdBy, &createdAt); err != nil {
			return nil, err
		}
		a.Content = content.String
		a.CreatedBy = createdBy.String
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// =============================================================================
// WINDOW STORE (loom.WindowStore interface)
// =============================================================================

// WindowConfig reads the rolling horizon length. Defaults to 6 weeks when
// the row has never been written.
func (s *Store) WindowConfig(ctx context.Context) (loom.WindowConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cfg loom.WindowConfig
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT weeks, updated_at FROM window_config WHERE id = 1",
	).Scan(&cfg.Weeks, &updatedAt)

	if err == sql.ErrNoRows {
		return loom.WindowConfig{Weeks: 6}, nil
	}
	if err != nil {
		return cfg, err
	}
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return cfg, nil
}

// SaveWindowConfig writes the rolling horizon length.
func (s *Store) SaveWindowConfig(ctx context.Context, cfg loom.WindowConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Weeks <= 0 {
		return loom.ErrInvalidWindow
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO window_config (id, weeks, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			weeks = excluded.weeks,
			updated_at = excluded.updated_at
	`, cfg.Weeks, time.Now().UTC().Format(time.RFC3339))
	return err
}

// =============================================================================
// DIRECTORY (loom.Directory interface)
// =============================================================================

// SaveEntry upserts a reference-data record.
func (s *Store) SaveEntry(ctx context.Context, entry loom.DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO directory_entries (id, kind, name, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active
	`, entry.ID, entry.Kind, entry.Name, entry.Active)
	return err
}

// Lookup returns a reference-data record, nil when absent.
func (s *Store) Lookup(ctx context.Context, kind loom.SubjectKind, id loom.SubjectID) (*loom.DirectoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entry loom.DirectoryEntry
	err := s.db.QueryRowContext(ctx,
		"SELECT id, kind, name, active FROM directory_entries WHERE kind = ? AND id = ?",
		kind, id,
	).Scan(&entry.ID, &entry.Kind, &entry.Name, &entry.Active)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListEntries returns all reference-data records of a kind.
func (s *Store) ListEntries(ctx context.Context, kind loom.SubjectKind) ([]loom.DirectoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, name, active FROM directory_entries WHERE kind = ? ORDER BY name", kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []loom.DirectoryEntry
	for rows.Next() {
		var entry loom.DirectoryEntry
		if err := rows.Scan(&entry.ID, &entry.Kind, &entry.Name, &entry.Active); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// =============================================================================
// AUDIT SINK (loom.AuditSink interface)
// =============================================================================

// Record appends an audit event. No update or delete path exists.
func (s *Store) Record(ctx context.Context, event loom.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, action_type, entity_type, entity_id,
			previous_state, new_state, severity, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), event.ActionType, event.EntityType, event.EntityID,
		event.PreviousState, event.NewState, event.Severity,
		event.At.Format(time.RFC3339))
	return err
}

// RecentAuditEvents returns the newest events first.
func (s *Store) RecentAuditEvents(ctx context.Context, limit int) ([]loom.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT action_type, entity_type, entity_id, previous_state, new_state, severity, at
		FROM audit_events
		ORDER BY at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []loom.AuditEvent
	for rows.Next() {
		var (
			e          loom.AuditEvent
			prev, next sql.NullString
			at         string
		)
		if err := rows.Scan(&e.ActionType, &e.EntityType, &e.EntityID,
			&prev, &next, &e.Severity, &at); err != nil {
			return nil, err
		}
		e.PreviousState = prev.String
		e.NewState = next.String
		e.At, _ = time.Parse(time.RFC3339, at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all mutable data (for testing/demo). The history ribbon and
// the audit log are deliberately excluded.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"attachments", "loom_instances", "rule_exceptions", "rules", "directory_entries"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
