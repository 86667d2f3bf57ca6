package session

import (
	"testing"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *types.Session {
	t.Helper()
	s, err := types.NewSession(types.NewSessionInput{
		Title:         "Implement OAuth token refresh",
		InitialPrompt: "Add rotating refresh tokens",
		SessionType:   types.SessionExecution,
		Priority:      types.PriorityHigh,
	})
	require.NoError(t, err)
	return s
}

func TestTransitionHappyPath(t *testing.T) {
	s := newTestSession(t)

	require.NoError(t, Transition(s, types.SessionQueued))
	require.NoError(t, Transition(s, types.SessionRunning))
	require.NotNil(t, s.Metrics.StartedAt)
	started := *s.Metrics.StartedAt

	require.NoError(t, Transition(s, types.SessionPaused))
	require.NoError(t, Transition(s, types.SessionRunning))
	// started_at is stamped once, not per RUNNING entry.
	assert.Equal(t, started, *s.Metrics.StartedAt)

	require.NoError(t, Transition(s, types.SessionCompleted))
	require.NotNil(t, s.Metrics.CompletedAt)
	assert.True(t, s.Status.Terminal())
}

func TestTransitionRejectsUnknownEdges(t *testing.T) {
	tests := []struct {
		from, to types.SessionStatus
	}{
		{types.SessionPending, types.SessionCompleted},
		{types.SessionPending, types.SessionPaused},
		{types.SessionQueued, types.SessionPaused},
		{types.SessionCompleted, types.SessionRunning},
		{types.SessionCancelled, types.SessionPending},
		{types.SessionOrphaned, types.SessionRunning},
		{types.SessionPaused, types.SessionCompleted},
	}
	for _, tt := range tests {
		s := newTestSession(t)
		s.Status = tt.from
		err := Transition(s, tt.to)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))
		assert.Equal(t, tt.from, s.Status, "status must not move on rejection")
	}
}

func TestRetryGate(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, Transition(s, types.SessionRunning))
	require.NoError(t, Transition(s, types.SessionFailed))

	// No checkpoint: retry refused.
	err := Transition(s, types.SessionPending)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))

	// With a checkpoint the retry is armed.
	s.Checkpoints = append(s.Checkpoints, types.Checkpoint{Sequence: 1, CreatedAt: time.Now()})
	require.NoError(t, Transition(s, types.SessionPending))
	assert.Equal(t, 1, s.RetryCount)

	// Retries are bounded by MaxRetries.
	s.Status = types.SessionFailed
	s.RetryCount = 3
	err = Transition(s, types.SessionPending)
	require.Error(t, err)
}

func TestRetryFromTimeoutAndStopped(t *testing.T) {
	for _, from := range []types.SessionStatus{types.SessionTimeout, types.SessionStopped} {
		s := newTestSession(t)
		s.Status = from
		s.Checkpoints = []types.Checkpoint{{Sequence: 1}}
		require.NoError(t, Transition(s, types.SessionPending), "from %s", from)
	}
}

func TestFailedTimestampStampedOnce(t *testing.T) {
	s := newTestSession(t)
	s.Checkpoints = []types.Checkpoint{{Sequence: 1}}
	require.NoError(t, Transition(s, types.SessionRunning))
	require.NoError(t, Transition(s, types.SessionFailed))
	first := *s.Metrics.FailedAt

	require.NoError(t, Transition(s, types.SessionPending))
	require.NoError(t, Transition(s, types.SessionRunning))
	require.NoError(t, Transition(s, types.SessionFailed))
	assert.Equal(t, first, *s.Metrics.FailedAt)
}

func TestDegradedPaths(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, Transition(s, types.SessionRunning))
	require.NoError(t, Transition(s, types.SessionDegraded))
	require.NoError(t, Transition(s, types.SessionRunning))
	require.NoError(t, Transition(s, types.SessionDegraded))
	require.NoError(t, Transition(s, types.SessionStopped))
}

func TestHealthScore(t *testing.T) {
	s := newTestSession(t)
	now := time.Now()

	// Fresh session: full marks except the neutral subtask term.
	score := HealthScore(s, HealthInput{}, now)
	assert.InDelta(t, 1.0, score, 1e-9)

	// Half the subtasks done, half the API calls failing, one retry used,
	// half the duration elapsed.
	started := now.Add(-30 * time.Minute)
	s.Metrics.StartedAt = &started
	s.MaxDurationSeconds = 3600
	s.Metrics.APICalls = 10
	s.Metrics.APIErrors = 5
	s.RetryCount = 1
	s.MaxRetries = 3

	score = HealthScore(s, HealthInput{CompletedTasks: 1, TotalTasks: 2}, now)
	want := 0.4*0.5 + 0.2*0.5 + 0.2*(1-1.0/3.0) + 0.2*0.5
	assert.InDelta(t, want, score, 1e-6)
}
