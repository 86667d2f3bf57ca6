package taskgraph

import (
	"strings"
	"time"

	"codeplane/internal/types"
)

func nowUTC() time.Time { return time.Now().UTC() }

// complexityKeywords each add 0.1 to the complexity score per occurrence.
var complexityKeywords = []string{
	"complex", "complicated", "advanced", "sophisticated", "intricate",
	"multiple", "various", "several", "integrate", "coordinate",
	"refactor", "redesign", "architecture", "scalable", "distributed",
}

// technicalKeywords each add 0.2 to the complexity score per occurrence.
var technicalKeywords = []string{
	"database", "api", "authentication", "authorization", "encryption",
	"concurrency", "transaction", "migration", "deployment", "kubernetes",
	"microservice", "websocket", "grpc", "cache", "queue", "sharding",
	"replication", "oauth", "security", "performance",
}

// capabilityKeywords maps description tokens to the capabilities a task
// requires. First match per capability wins; order is irrelevant.
var capabilityKeywords = map[string]types.Capability{
	"implement":     types.CapCodeGeneration,
	"code":          types.CapCodeGeneration,
	"build":         types.CapCodeGeneration,
	"develop":       types.CapCodeGeneration,
	"review":        types.CapCodeReview,
	"test":          types.CapTestGeneration,
	"tests":         types.CapTestGeneration,
	"debug":         types.CapDebugging,
	"fix":           types.CapDebugging,
	"refactor":      types.CapRefactoring,
	"design":        types.CapArchitectureDesign,
	"architecture":  types.CapArchitectureDesign,
	"api":           types.CapAPIDesign,
	"endpoint":      types.CapAPIDesign,
	"database":      types.CapDatabaseDesign,
	"schema":        types.CapDatabaseDesign,
	"security":      types.CapSecurityAudit,
	"audit":         types.CapSecurityAudit,
	"performance":   types.CapPerformanceAnalysis,
	"optimize":      types.CapOptimization,
	"requirements":  types.CapRequirementsAnalysis,
	"analyze":       types.CapRequirementsAnalysis,
	"document":      types.CapDocumentation,
	"documentation": types.CapDocumentation,
	"deploy":        types.CapDeployment,
	"deployment":    types.CapDeployment,
	"monitor":       types.CapMonitoring,
	"orchestrate":   types.CapOrchestration,
	"data":          types.CapDataAnalysis,
	"ui":            types.CapUIDesign,
	"frontend":      types.CapUIDesign,
	"integrate":     types.CapIntegration,
	"integration":   types.CapIntegration,
	"migrate":       types.CapMigration,
	"migration":     types.CapMigration,
}

// ComplexityScore derives the description-based complexity multiplier:
// 1.0 base, +0.1 per complexity keyword occurrence, +0.2 per technical
// keyword occurrence.
func ComplexityScore(description string) float64 {
	lower := strings.ToLower(description)
	score := 1.0
	for _, kw := range complexityKeywords {
		score += 0.1 * float64(strings.Count(lower, kw))
	}
	for _, kw := range technicalKeywords {
		score += 0.2 * float64(strings.Count(lower, kw))
	}
	return score
}

// EstimateFromDescription derives a PERT estimate deterministically from a
// description: hours = clamp(word_count/100 * complexity_score, 1, 24),
// spread to an (0.5h, h, 2h) triple.
func EstimateFromDescription(description string) types.Estimate {
	words := len(strings.Fields(description))
	hours := float64(words) / 100.0 * ComplexityScore(description)
	if hours < 1 {
		hours = 1
	}
	if hours > 24 {
		hours = 24
	}

	return types.Estimate{
		OptimisticHours:      hours * 0.5,
		LikelyHours:          hours,
		PessimisticHours:     hours * 2,
		RequiredCapabilities: InferCapabilities(description),
		Confidence:           0.5,
		Source:               types.EstimateAI,
	}
}

// InferCapabilities matches description tokens against the keyword map.
// Defaults to CODE_GENERATION when nothing matches.
func InferCapabilities(description string) []types.Capability {
	lower := strings.ToLower(description)
	seen := make(map[types.Capability]bool)
	var out []types.Capability
	for _, token := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if cap, ok := capabilityKeywords[token]; ok && !seen[cap] {
			seen[cap] = true
			out = append(out, cap)
		}
	}
	if len(out) == 0 {
		out = []types.Capability{types.CapCodeGeneration}
	}
	return out
}

// EnsureEstimate fills a missing estimate from the description when
// auto-estimation is on. Existing estimates are left alone.
func EnsureEstimate(t *types.Task, autoEstimate bool) {
	if t.Estimate.LikelyHours > 0 || !autoEstimate {
		return
	}
	est := EstimateFromDescription(t.Description)
	if len(t.Estimate.RequiredCapabilities) > 0 {
		est.RequiredCapabilities = t.Estimate.RequiredCapabilities
	}
	t.Estimate = est
}
