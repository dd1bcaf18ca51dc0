/*
hash.go - Projection hash

PURPOSE:
  Fingerprints the generation-relevant fields of a rule (plus the date's
  exception, if any) so the Projector can detect staleness per instance.
  The hash changes iff a field that feeds generation changes; cosmetic rule
  edits (name casing aside, name feeds the archive snapshot so it counts)
  regenerate nothing.

SEE ALSO:
  - projector.go: Compares stored vs computed hashes
*/
package loom

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashPayload is the canonical encoding of generation-relevant rule state.
// Field order is fixed by the struct; encoding/json is deterministic for it.
type hashPayload struct {
	Kind         RuleKind       `json:"kind"`
	Name         string         `json:"name"`
	Recurrence   Recurrence     `json:"recurrence"`
	Start        TimeOfDay      `json:"start"`
	End          TimeOfDay      `json:"end"`
	VenueID      SubjectID      `json:"venue_id"`
	Participants []SubjectID    `json:"participants"`
	Staff        []SubjectID    `json:"staff"`
	VehicleID    SubjectID      `json:"vehicle_id"`
	ValidFrom    string         `json:"valid_from"`
	ValidTo      string         `json:"valid_to,omitempty"`
	Exception    *exceptionHash `json:"exception,omitempty"`
}

type exceptionHash struct {
	Kind     ExceptionKind `json:"kind"`
	NewStart *TimeOfDay    `json:"new_start,omitempty"`
	NewEnd   *TimeOfDay    `json:"new_end,omitempty"`
	VenueID  SubjectID     `json:"venue_id,omitempty"`
}

// ProjectionHash computes the fingerprint for an instance generated from the
// rule, mixing in the date's exception when one applies.
func ProjectionHash(rule Rule, ex *Exception) string {
	payload := hashPayload{
		Kind:         rule.Kind,
		Name:         rule.Name,
		Recurrence:   rule.Recurrence,
		Start:        rule.Start,
		End:          rule.End,
		VenueID:      rule.VenueID,
		Participants: rule.ParticipantIDs,
		Staff:        rule.StaffIDs,
		VehicleID:    rule.VehicleID,
		ValidFrom:    rule.ValidFrom.String(),
	}
	if rule.ValidTo != nil {
		payload.ValidTo = rule.ValidTo.String()
	}
	if ex != nil {
		payload.Exception = &exceptionHash{
			Kind:     ex.Kind,
			NewStart: ex.NewStart,
			NewEnd:   ex.NewEnd,
			VenueID:  ex.VenueID,
		}
	}

	encoded, _ := json.Marshal(payload)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
