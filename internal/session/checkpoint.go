package session

import (
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/logging"
	"codeplane/internal/types"
)

// DefaultCheckpointRetention is the number of checkpoints kept per session
// unless the session overrides it.
const DefaultCheckpointRetention = 100

// checkpointableStates are the states a session may checkpoint from.
var checkpointableStates = map[types.SessionStatus]bool{
	types.SessionRunning:  true,
	types.SessionPaused:   true,
	types.SessionDegraded: true,
}

// AddCheckpoint appends a checkpoint with sequence = last + 1, keeps the
// metrics counter in sync and evicts the oldest entries beyond the
// retention window.
func AddCheckpoint(s *types.Session, data map[string]interface{}) (*types.Checkpoint, error) {
	if !checkpointableStates[s.Status] {
		return nil, apperrors.New(apperrors.CodeInvalidTransition,
			"session %s in state %s cannot checkpoint", s.ID, s.Status)
	}

	now := time.Now().UTC()
	cp := types.Checkpoint{
		Sequence:  s.LastCheckpointSequence() + 1,
		Data:      data,
		CreatedAt: now,
	}
	s.Checkpoints = append(s.Checkpoints, cp)

	retention := s.CheckpointRetention
	if retention <= 0 {
		retention = DefaultCheckpointRetention
	}
	if evict := len(s.Checkpoints) - retention; evict > 0 {
		s.Checkpoints = append([]types.Checkpoint(nil), s.Checkpoints[evict:]...)
	}

	s.Metrics.CheckpointCount = len(s.Checkpoints)
	s.Metrics.LastCheckpointAt = &now
	s.UpdatedAt = now

	logging.SessionDebug("session %s checkpoint %d recorded (%d retained)",
		s.ID, cp.Sequence, len(s.Checkpoints))
	return &s.Checkpoints[len(s.Checkpoints)-1], nil
}

// CheckpointsSince returns checkpoints with sequence > after, oldest first.
// Backs the "replay since checkpoint N" query.
func CheckpointsSince(s *types.Session, after int) []types.Checkpoint {
	out := make([]types.Checkpoint, 0)
	for _, cp := range s.Checkpoints {
		if cp.Sequence > after {
			out = append(out, cp)
		}
	}
	return out
}
