// Package session implements the session lifecycle state machine, the
// checkpoint log and the health score. The orchestrator drives transitions;
// this package only decides what is legal and keeps derived metrics in sync.
package session

import (
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/logging"
	"codeplane/internal/types"
)

// transitions is the full session transition map. Absent entries are
// invalid. FAILED/TIMEOUT/STOPPED -> PENDING are listed here but further
// gated by canRetry.
var transitions = map[types.SessionStatus][]types.SessionStatus{
	types.SessionPending:  {types.SessionQueued, types.SessionRunning, types.SessionCancelled},
	types.SessionQueued:   {types.SessionRunning, types.SessionCancelled},
	types.SessionRunning: {
		types.SessionPaused, types.SessionCompleted, types.SessionPartiallyCompleted,
		types.SessionFailed, types.SessionTimeout, types.SessionStopped, types.SessionDegraded,
	},
	types.SessionPaused:   {types.SessionRunning, types.SessionCancelled, types.SessionStopped},
	types.SessionDegraded: {types.SessionRunning, types.SessionFailed, types.SessionStopped},
	types.SessionFailed:   {types.SessionPending},
	types.SessionTimeout:  {types.SessionPending},
	types.SessionStopped:  {types.SessionPending},
}

// CanTransition reports whether from -> to is in the transition map,
// ignoring retry gating.
func CanTransition(from, to types.SessionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// canRetry gates the recovery transitions: retries remain and at least one
// checkpoint exists to recover from.
func canRetry(s *types.Session) bool {
	return s.RetryCount < s.MaxRetries && len(s.Checkpoints) > 0
}

// Transition moves the session to a new status, updating derived metrics
// timestamps exactly once per lifecycle milestone. INVALID_TRANSITION on
// anything outside the map; the recovery edges additionally require a
// checkpoint and remaining retries.
func Transition(s *types.Session, to types.SessionStatus) error {
	from := s.Status
	if !CanTransition(from, to) {
		return apperrors.New(apperrors.CodeInvalidTransition,
			"session %s cannot transition %s -> %s", s.ID, from, to)
	}

	isRecovery := to == types.SessionPending &&
		(from == types.SessionFailed || from == types.SessionTimeout || from == types.SessionStopped)
	if isRecovery && !canRetry(s) {
		return apperrors.New(apperrors.CodeInvalidTransition,
			"session %s cannot retry: retry_count=%d/%d checkpoints=%d",
			s.ID, s.RetryCount, s.MaxRetries, len(s.Checkpoints))
	}

	now := time.Now().UTC()
	s.Status = to
	s.StatusUpdatedAt = now
	s.UpdatedAt = now

	switch to {
	case types.SessionRunning:
		if s.Metrics.StartedAt == nil {
			s.Metrics.StartedAt = &now
		}
	case types.SessionCompleted, types.SessionPartiallyCompleted:
		if s.Metrics.CompletedAt == nil {
			s.Metrics.CompletedAt = &now
		}
		if s.Metrics.StartedAt != nil {
			s.Metrics.DurationSeconds = now.Sub(*s.Metrics.StartedAt).Seconds()
		}
	case types.SessionFailed:
		if s.Metrics.FailedAt == nil {
			s.Metrics.FailedAt = &now
		}
	case types.SessionPending:
		if isRecovery {
			s.RetryCount++
			s.Metrics.Retries++
		}
	}

	logging.Session("session %s: %s -> %s", s.ID, from, to)
	return nil
}
