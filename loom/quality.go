/*
quality.go - Post-archival spot audits

PURPOSE:
  After an archival pass, the Quality Agent samples a subset of the newly
  woven shifts and pins a spot_audit artifact to each. Sampling uses a
  seedable random source so tests can assert exact selections.

  Strictly additive: pins artifacts, emits audit events, triggers the
  notification collaborator. Never touches HistoryShift core columns.

SEE ALSO:
  - archiver.go: Produces the candidate shifts
  - types.go: PinnedArtifact
*/
package loom

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// QUALITY AGENT
// =============================================================================

type QualityAgent struct {
	History  HistoryStore
	Audit    AuditSink
	Notifier Notifier

	rng *rand.Rand
}

// NewQualityAgent creates an agent with a seeded random source.
func NewQualityAgent(history HistoryStore, notifier Notifier, seed int64) *QualityAgent {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &QualityAgent{
		History:  history,
		Notifier: notifier,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// SelectForAudit returns the sampled subset of candidates. One draw per
// candidate in order, so a fixed seed yields a fixed selection.
func (q *QualityAgent) SelectForAudit(candidates []HistoryShift, p float64) []HistoryShift {
	if p <= 0 {
		return nil
	}
	var selected []HistoryShift
	for _, shift := range candidates {
		if p >= 1 || q.rng.Float64() < p {
			selected = append(selected, shift)
		}
	}
	return selected
}

// Run samples the candidates and pins a spot_audit artifact to each
// selection. Returns the number of shifts flagged.
func (q *QualityAgent) Run(ctx context.Context, candidates []HistoryShift, p float64) (int, error) {
	selected := q.SelectForAudit(candidates, p)

	flagged := 0
	for _, shift := range selected {
		artifact := PinnedArtifact{
			ID:       ArtifactID(uuid.NewString()),
			ShiftID:  shift.ID,
			Type:     ArtifactSpotAudit,
			Severity: SeverityInfo,
			Content: fmt.Sprintf("spot audit: shift %s on %s at %s selected for review",
				shift.RuleName, shift.Date, shift.VenueName),
			CreatedBy: "quality-agent",
			CreatedAt: time.Now().UTC(),
		}

		if err := q.History.AddArtifact(ctx, artifact); err != nil {
			log.Printf("[Quality] failed to pin spot audit on shift %s: %v", shift.ID, err)
			continue
		}
		flagged++

		recordAudit(ctx, q.Audit, NewAuditEvent(ActionFlag, "history_shift", string(shift.ID), nil, artifact))
		if err := q.Notifier.SpotAuditFlagged(ctx, shift, artifact); err != nil {
			log.Printf("[Quality] notification for shift %s failed: %v", shift.ID, err)
		}
	}

	if flagged > 0 {
		log.Printf("[Quality] flagged %d of %d newly archived shift(s)", flagged, len(candidates))
	}
	return flagged, nil
}
