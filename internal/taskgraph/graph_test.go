package taskgraph

import (
	"testing"

	"codeplane/internal/apperrors"
	"codeplane/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTask(t *testing.T, title string, hours float64) *types.Task {
	t.Helper()
	task, err := types.NewTask(types.NewTaskInput{
		SessionID: uuid.New(),
		TenantID:  uuid.New(),
		Title:     title,
		Priority:  types.PriorityMedium,
		Estimate: types.Estimate{
			OptimisticHours:  hours / 2,
			LikelyHours:      hours,
			PessimisticHours: hours * 2,
		},
	})
	require.NoError(t, err)
	return task
}

func dep(target *types.Task, kind types.DependencyKind) types.TaskDependency {
	return types.TaskDependency{TargetTaskID: target.ID, Kind: kind, Required: true}
}

func TestTaskTransitions(t *testing.T) {
	task := mkTask(t, "Implement parser", 2)

	require.NoError(t, Transition(task, types.TaskReady))
	require.NoError(t, Transition(task, types.TaskAssigned))
	require.NoError(t, Transition(task, types.TaskInProgress))
	require.NotNil(t, task.StartedAt)
	started := *task.StartedAt

	require.NoError(t, Transition(task, types.TaskPaused))
	require.NoError(t, Transition(task, types.TaskInProgress))
	assert.Equal(t, started, *task.StartedAt, "started_at set exactly once")

	require.NoError(t, Transition(task, types.TaskCompleted))
	require.NotNil(t, task.CompletedAt)

	err := Transition(task, types.TaskInProgress)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))
}

func TestCycleDetectionOnConstruction(t *testing.T) {
	a := mkTask(t, "Implement A", 1)
	b := mkTask(t, "Implement B", 1)
	c := mkTask(t, "Implement C", 1)
	a.Dependencies = []types.TaskDependency{dep(b, types.FinishToStart)}
	b.Dependencies = []types.TaskDependency{dep(c, types.FinishToStart)}
	c.Dependencies = []types.TaskDependency{dep(a, types.FinishToStart)}

	_, err := NewGraph([]*types.Task{a, b, c})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCycleDetected, apperrors.CodeOf(err))
}

func TestAddDependencyRollsBackOnCycle(t *testing.T) {
	a := mkTask(t, "Implement A", 1)
	b := mkTask(t, "Implement B", 1)
	b.Dependencies = []types.TaskDependency{dep(a, types.FinishToStart)}

	g, err := NewGraph([]*types.Task{a, b})
	require.NoError(t, err)

	err = g.AddDependency(a.ID, dep(b, types.FinishToStart))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCycleDetected, apperrors.CodeOf(err))
	assert.Empty(t, a.Dependencies, "rejected edge must not persist")

	// A legal edge still works afterwards.
	c := mkTask(t, "Implement C", 1)
	require.NoError(t, g.AddTask(c))
	require.NoError(t, g.AddDependency(c.ID, dep(b, types.StartToStart)))
}

func TestReadinessByKind(t *testing.T) {
	pred := mkTask(t, "Implement predecessor", 1)
	fs := mkTask(t, "Implement FS dependent", 1)
	ss := mkTask(t, "Implement SS dependent", 1)
	fs.Dependencies = []types.TaskDependency{dep(pred, types.FinishToStart)}
	ss.Dependencies = []types.TaskDependency{dep(pred, types.StartToStart)}

	g, err := NewGraph([]*types.Task{pred, fs, ss})
	require.NoError(t, err)

	assert.False(t, g.IsReady(fs))
	assert.False(t, g.IsReady(ss))

	// Predecessor starts: SS unblocks, FS does not.
	require.NoError(t, Transition(pred, types.TaskReady))
	require.NoError(t, Transition(pred, types.TaskAssigned))
	require.NoError(t, Transition(pred, types.TaskInProgress))
	assert.False(t, g.IsReady(fs))
	assert.True(t, g.IsReady(ss))

	// Predecessor finishes: FS unblocks too. Readiness is monotonic.
	require.NoError(t, Transition(pred, types.TaskCompleted))
	assert.True(t, g.IsReady(fs))
	assert.True(t, g.IsReady(ss))
}

func TestOptionalDependenciesDoNotBlock(t *testing.T) {
	pred := mkTask(t, "Implement predecessor", 1)
	dependent := mkTask(t, "Implement dependent", 1)
	d := dep(pred, types.FinishToStart)
	d.Required = false
	dependent.Dependencies = []types.TaskDependency{d}

	g, err := NewGraph([]*types.Task{pred, dependent})
	require.NoError(t, err)
	assert.True(t, g.IsReady(dependent))
}

func TestFinishGatedKinds(t *testing.T) {
	pred := mkTask(t, "Implement predecessor", 1)
	ff := mkTask(t, "Implement FF dependent", 1)
	ff.Dependencies = []types.TaskDependency{dep(pred, types.FinishToFinish)}

	g, err := NewGraph([]*types.Task{pred, ff})
	require.NoError(t, err)

	// FF never blocks the start...
	assert.True(t, g.IsReady(ff))
	// ...but blocks the finish until the predecessor completes.
	assert.False(t, g.CanFinish(ff))
	pred.Status = types.TaskCompleted
	assert.True(t, g.CanFinish(ff))
}

func TestTopologicalOrder(t *testing.T) {
	a := mkTask(t, "Implement A", 1)
	b := mkTask(t, "Implement B", 1)
	c := mkTask(t, "Implement C", 1)
	b.Dependencies = []types.TaskDependency{dep(a, types.FinishToStart)}
	c.Dependencies = []types.TaskDependency{dep(b, types.FinishToStart)}

	g, err := NewGraph([]*types.Task{c, b, a})
	require.NoError(t, err)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID}, order)
}

func TestCriticalPath(t *testing.T) {
	// a(2) -> b(4) -> d(1); a(2) -> c(1) -> d(1) in likely hours. Critical:
	// a,b,d = 7h likely; mkTask's triple makes each expected 13/12 of likely.
	a := mkTask(t, "Implement A", 2)
	b := mkTask(t, "Implement B", 4)
	c := mkTask(t, "Implement C", 1)
	d := mkTask(t, "Implement D", 1)
	b.Dependencies = []types.TaskDependency{dep(a, types.FinishToStart)}
	c.Dependencies = []types.TaskDependency{dep(a, types.FinishToStart)}
	d.Dependencies = []types.TaskDependency{dep(b, types.FinishToStart), dep(c, types.FinishToStart)}

	g, err := NewGraph([]*types.Task{a, b, c, d})
	require.NoError(t, err)

	path, length, err := g.CriticalPath()
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID, d.ID}, path)
	assert.InDelta(t, 7.0*13/12, length, 1e-9)
}

func TestReadyTasks(t *testing.T) {
	a := mkTask(t, "Implement A", 1)
	b := mkTask(t, "Implement B", 1)
	b.Dependencies = []types.TaskDependency{dep(a, types.FinishToStart)}

	g, err := NewGraph([]*types.Task{a, b})
	require.NoError(t, err)

	ready := g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, a.ID, ready[0].ID)
}
