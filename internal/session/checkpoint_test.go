package session

import (
	"fmt"
	"testing"

	"codeplane/internal/apperrors"
	"codeplane/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCheckpointSequencesAndSyncsMetrics(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, Transition(s, types.SessionRunning))

	for i := 1; i <= 5; i++ {
		cp, err := AddCheckpoint(s, map[string]interface{}{"progress": float64(i) / 10})
		require.NoError(t, err)
		assert.Equal(t, i, cp.Sequence)
		assert.Equal(t, i, s.Metrics.CheckpointCount)
		assert.Equal(t, len(s.Checkpoints), s.Metrics.CheckpointCount)
	}
	require.NotNil(t, s.Metrics.LastCheckpointAt)
}

func TestAddCheckpointRejectedOutsideActiveStates(t *testing.T) {
	s := newTestSession(t)
	_, err := AddCheckpoint(s, nil) // still PENDING
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))

	s.Status = types.SessionCompleted
	_, err = AddCheckpoint(s, nil)
	require.Error(t, err)
}

func TestCheckpointRetentionEvictsOldest(t *testing.T) {
	s := newTestSession(t)
	s.CheckpointRetention = 3
	require.NoError(t, Transition(s, types.SessionRunning))

	for i := 0; i < 4; i++ {
		_, err := AddCheckpoint(s, map[string]interface{}{"step": i})
		require.NoError(t, err)
	}

	// Exactly the oldest evicted: sequences 2,3,4 remain.
	require.Len(t, s.Checkpoints, 3)
	assert.Equal(t, 2, s.Checkpoints[0].Sequence)
	assert.Equal(t, 4, s.Checkpoints[2].Sequence)
	assert.Equal(t, 3, s.Metrics.CheckpointCount)

	// Sequences keep increasing past eviction.
	cp, err := AddCheckpoint(s, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, cp.Sequence)
}

func TestCheckpointsSince(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, Transition(s, types.SessionRunning))
	for i := 0; i < 5; i++ {
		_, err := AddCheckpoint(s, map[string]interface{}{"note": fmt.Sprintf("cp-%d", i)})
		require.NoError(t, err)
	}

	since := CheckpointsSince(s, 3)
	require.Len(t, since, 2)
	assert.Equal(t, 4, since[0].Sequence)
	assert.Equal(t, 5, since[1].Sequence)

	assert.Empty(t, CheckpointsSince(s, 5))
	assert.Len(t, CheckpointsSince(s, 0), 5)
}
