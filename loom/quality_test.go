package loom_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapestry/loom-engine/loom"
	"github.com/tapestry/loom-engine/loom/store"
)

func sampleShifts(n int) []loom.HistoryShift {
	shifts := make([]loom.HistoryShift, n)
	for i := range shifts {
		shifts[i] = loom.HistoryShift{
			ID:       loom.ShiftID(fmt.Sprintf("shift-%d", i)),
			RuleName: "Morning Program",
			Date:     loom.NewDate(2025, time.June, 2).AddDays(i),
		}
	}
	return shifts
}

func TestSelectForAudit_SameSeedSameSelection(t *testing.T) {
	shifts := sampleShifts(50)

	first := loom.NewQualityAgent(store.NewMemory(), nil, 42).SelectForAudit(shifts, 0.2)
	second := loom.NewQualityAgent(store.NewMemory(), nil, 42).SelectForAudit(shifts, 0.2)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestSelectForAudit_ProbabilityBounds(t *testing.T) {
	shifts := sampleShifts(20)
	agent := loom.NewQualityAgent(store.NewMemory(), nil, 1)

	assert.Empty(t, agent.SelectForAudit(shifts, 0))
	assert.Empty(t, agent.SelectForAudit(shifts, -0.5))
	assert.Len(t, agent.SelectForAudit(shifts, 1), 20)
	assert.Len(t, agent.SelectForAudit(shifts, 1.7), 20)
}

func TestSelectForAudit_TwentyShiftsExactSelectionForSeed(t *testing.T) {
	// GIVEN: 20 candidates, a fixed seed, p=0.1
	// WHEN: Selecting
	// THEN: The subset is exactly what replaying the same source yields

	shifts := sampleShifts(20)
	const seed int64 = 42
	const p = 0.1

	rng := rand.New(rand.NewSource(seed))
	want := make([]loom.ShiftID, 0, len(shifts))
	for _, shift := range shifts {
		if rng.Float64() < p {
			want = append(want, shift.ID)
		}
	}

	selected := loom.NewQualityAgent(store.NewMemory(), nil, seed).SelectForAudit(shifts, p)

	got := make([]loom.ShiftID, 0, len(selected))
	for _, shift := range selected {
		got = append(got, shift.ID)
	}
	assert.Equal(t, want, got)
}

func TestSelectForAudit_LowProbabilitySelectsRoughlyProportionally(t *testing.T) {
	// Fixed seed, so the count is exact for this source, not a distribution
	// assertion. 1000 candidates at p=0.1 land near 100.
	shifts := sampleShifts(1000)
	agent := loom.NewQualityAgent(store.NewMemory(), nil, 42)

	selected := agent.SelectForAudit(shifts, 0.1)
	assert.InDelta(t, 100, len(selected), 30)
}

func TestQualityRun_PinsSpotAuditArtifacts(t *testing.T) {
	// GIVEN: Two archived shifts in the ribbon
	// WHEN: Running the agent with p=1
	// THEN: Each shift gains a spot_audit artifact and a flag event

	mem := store.NewMemory()
	ctx := context.Background()

	shifts := sampleShifts(2)
	for _, shift := range shifts {
		shift.OriginalInstanceID = loom.InstanceID("orig-" + string(shift.ID))
		shift.Archived = true
		require.NoError(t, mem.ArchiveShift(ctx, shift))
	}

	agent := loom.NewQualityAgent(mem, nil, 7)
	agent.Audit = mem

	flagged, err := agent.Run(ctx, shifts, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, flagged)

	for _, shift := range shifts {
		artifacts, err := mem.ArtifactsForShift(ctx, shift.ID)
		require.NoError(t, err)
		require.Len(t, artifacts, 1)
		assert.Equal(t, loom.ArtifactSpotAudit, artifacts[0].Type)
		assert.Equal(t, loom.SeverityInfo, artifacts[0].Severity)
		assert.Equal(t, "quality-agent", artifacts[0].CreatedBy)
	}

	events := mem.AuditEvents()
	flags := 0
	for _, ev := range events {
		if ev.ActionType == loom.ActionFlag {
			flags++
		}
	}
	assert.Equal(t, 2, flags)
}

func TestQualityRun_MissingShiftIsSkippedNotFatal(t *testing.T) {
	mem := store.NewMemory()

	// Candidates that were never archived; AddArtifact fails per shift.
	agent := loom.NewQualityAgent(mem, nil, 7)
	flagged, err := agent.Run(context.Background(), sampleShifts(3), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, flagged)
}
