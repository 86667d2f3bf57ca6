package agent

import (
	"codeplane/internal/logging"
	"codeplane/internal/types"
)

// TaskOutcome feeds one finished task back into an agent's counters.
type TaskOutcome struct {
	Outcome       string // success, failure, partial
	Quality       float64
	ExecutionSecs float64
	TokensUsed    int64
	Cost          float64
	Capabilities  []types.Capability
	Technologies  []string
}

// RecordOutcome updates the agent's performance counters as online moving
// averages and recomputes its tier. Called after every task completion.
func RecordOutcome(a *types.Agent, out TaskOutcome) {
	p := &a.Performance
	p.TotalTasks++
	switch out.Outcome {
	case "success":
		p.SuccessfulTasks++
	case "partial":
		p.PartialTasks++
	default:
		p.FailedTasks++
	}

	n := float64(p.TotalTasks)
	p.AvgQuality += (out.Quality - p.AvgQuality) / n
	p.AvgExecutionSecs += (out.ExecutionSecs - p.AvgExecutionSecs) / n
	p.AvgTokensPerTask += (float64(out.TokensUsed) - p.AvgTokensPerTask) / n
	p.AvgCostPerTask += (out.Cost - p.AvgCostPerTask) / n

	outcomeScore := 0.0
	switch out.Outcome {
	case "success":
		outcomeScore = 1.0
	case "partial":
		outcomeScore = 0.5
	}
	if p.CapabilitySuccess == nil {
		p.CapabilitySuccess = make(map[types.Capability]float64)
	}
	for _, c := range out.Capabilities {
		prev := p.CapabilitySuccess[c]
		p.CapabilitySuccess[c] = prev + (outcomeScore-prev)*0.2
	}
	if p.TechnologySuccess == nil {
		p.TechnologySuccess = make(map[string]float64)
	}
	for _, tech := range out.Technologies {
		prev := p.TechnologySuccess[tech]
		p.TechnologySuccess[tech] = prev + (outcomeScore-prev)*0.2
	}

	previous := p.Tier
	p.Tier = ComputeTier(*p)
	if p.Tier != previous {
		logging.Agent("agent %s tier %s -> %s (overall=%.2f, quality=%.2f)",
			a.Name, previous, p.Tier, p.OverallSuccessRate(), p.AvgQuality)
	}
}

// ComputeTier derives the tier from the overall success rate and average
// quality.
func ComputeTier(p types.AgentPerformance) types.AgentTier {
	overall := p.OverallSuccessRate()
	switch {
	case overall >= 0.95 && p.AvgQuality >= 0.9:
		return types.TierElite
	case overall >= 0.85:
		return types.TierAdvanced
	case overall >= 0.70:
		return types.TierCompetent
	case overall >= 0.50:
		return types.TierTrainee
	default:
		return types.TierDegraded
	}
}
