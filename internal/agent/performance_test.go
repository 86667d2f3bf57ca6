package agent

import (
	"testing"

	"codeplane/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTierThresholds(t *testing.T) {
	tests := []struct {
		name    string
		total   int64
		success int64
		partial int64
		quality float64
		want    types.AgentTier
	}{
		{"elite", 100, 96, 0, 0.95, types.TierElite},
		{"high success low quality is advanced", 100, 96, 0, 0.5, types.TierAdvanced},
		{"advanced", 100, 86, 0, 0.95, types.TierAdvanced},
		{"competent", 100, 70, 0, 0.9, types.TierCompetent},
		{"trainee", 100, 50, 0, 0.9, types.TierTrainee},
		{"degraded", 100, 30, 0, 0.9, types.TierDegraded},
		{"partials count half", 100, 60, 20, 0.9, types.TierCompetent},
	}
	for _, tt := range tests {
		p := types.AgentPerformance{
			TotalTasks:      tt.total,
			SuccessfulTasks: tt.success,
			PartialTasks:    tt.partial,
			FailedTasks:     tt.total - tt.success - tt.partial,
			AvgQuality:      tt.quality,
		}
		assert.Equal(t, tt.want, ComputeTier(p), tt.name)
	}
}

func TestRecordOutcomeCountersAndAverages(t *testing.T) {
	tid := uuid.New()
	a := testAgent(t, tid, "Measured Implementer", types.TierTrainee, 0, 5)

	RecordOutcome(a, TaskOutcome{
		Outcome: "success", Quality: 0.8, ExecutionSecs: 100,
		TokensUsed: 1000, Cost: 0.5,
		Capabilities: []types.Capability{types.CapCodeGeneration},
		Technologies: []string{"go"},
	})
	RecordOutcome(a, TaskOutcome{
		Outcome: "failure", Quality: 0.2, ExecutionSecs: 300,
		TokensUsed: 3000, Cost: 1.5,
	})
	RecordOutcome(a, TaskOutcome{Outcome: "partial", Quality: 0.5, ExecutionSecs: 200})

	p := a.Performance
	require.Equal(t, int64(3), p.TotalTasks)
	assert.Equal(t, int64(1), p.SuccessfulTasks)
	assert.Equal(t, int64(1), p.FailedTasks)
	assert.Equal(t, int64(1), p.PartialTasks)
	assert.Equal(t, p.TotalTasks, p.SuccessfulTasks+p.FailedTasks+p.PartialTasks,
		"counter invariant")

	assert.InDelta(t, 0.5, p.AvgQuality, 1e-9)
	assert.InDelta(t, 200, p.AvgExecutionSecs, 1e-9)
	assert.InDelta(t, (1.0+0.5)/3.0, p.OverallSuccessRate(), 1e-9)

	assert.Greater(t, p.CapabilitySuccess[types.CapCodeGeneration], 0.0)
	assert.Greater(t, p.TechnologySuccess["go"], 0.0)
}

func TestRecordOutcomeRecomputesTier(t *testing.T) {
	tid := uuid.New()
	a := testAgent(t, tid, "Rising Implementer", types.TierTrainee, 0, 5)

	for i := 0; i < 20; i++ {
		RecordOutcome(a, TaskOutcome{Outcome: "success", Quality: 0.95})
	}
	assert.Equal(t, types.TierElite, a.Performance.Tier)

	for i := 0; i < 40; i++ {
		RecordOutcome(a, TaskOutcome{Outcome: "failure", Quality: 0.1})
	}
	assert.Equal(t, types.TierDegraded, a.Performance.Tier)
}
