package session

import (
	"time"

	"codeplane/internal/types"
)

// Health score weights. They sum to 1.
const (
	weightSubtasks  = 0.4
	weightAPIErrors = 0.2
	weightRetries   = 0.2
	weightElapsed   = 0.2
)

// HealthInput carries the subtask tallies the score needs from the task
// graph; the rest comes off the session itself.
type HealthInput struct {
	CompletedTasks int
	TotalTasks     int
}

// HealthScore combines subtask completion, API error rate, retry rate and
// elapsed/max-duration into [0,1]. Reported in the orchestrator's progress
// snapshot; agent routing does not consult it.
func HealthScore(s *types.Session, in HealthInput, now time.Time) float64 {
	subtasks := 1.0
	if in.TotalTasks > 0 {
		subtasks = float64(in.CompletedTasks) / float64(in.TotalTasks)
	}

	apiHealth := 1.0
	if s.Metrics.APICalls > 0 {
		apiHealth = 1.0 - float64(s.Metrics.APIErrors)/float64(s.Metrics.APICalls)
	}

	retryHealth := 1.0
	if s.MaxRetries > 0 {
		rate := float64(s.RetryCount) / float64(s.MaxRetries)
		if rate > 1 {
			rate = 1
		}
		retryHealth = 1.0 - rate
	}

	elapsedHealth := 1.0
	if s.MaxDurationSeconds > 0 {
		ratio := s.Elapsed(now).Seconds() / float64(s.MaxDurationSeconds)
		if ratio > 1 {
			ratio = 1
		}
		elapsedHealth = 1.0 - ratio
	}

	return weightSubtasks*subtasks +
		weightAPIErrors*apiHealth +
		weightRetries*retryHealth +
		weightElapsed*elapsedHealth
}
