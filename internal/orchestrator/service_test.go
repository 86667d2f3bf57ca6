package orchestrator

import (
	"context"
	"sync"
	"testing"

	"codeplane/internal/agent"
	"codeplane/internal/apperrors"
	"codeplane/internal/coord"
	"codeplane/internal/events"
	"codeplane/internal/lock"
	"codeplane/internal/tenant"
	"codeplane/internal/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSessionStore is an in-memory SessionStore with real optimistic
// locking semantics.
type fakeSessionStore struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*types.Session
	staleHits int // next N updates fail with STALE_VERSION
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[uuid.UUID]*types.Session)}
}

func copySession(s *types.Session) *types.Session {
	dup := *s
	dup.Checkpoints = append([]types.Checkpoint(nil), s.Checkpoints...)
	return &dup
}

func (f *fakeSessionStore) Insert(_ context.Context, s *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = copySession(s)
	return nil
}

func (f *fakeSessionStore) GetByID(_ context.Context, id uuid.UUID, includeDeleted bool) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || (!includeDeleted && s.DeletedAt != nil) {
		return nil, apperrors.New(apperrors.CodeNotFound, "session %s not found", id)
	}
	return copySession(s), nil
}

func (f *fakeSessionStore) Update(_ context.Context, s *types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.sessions[s.ID]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "session %s not found", s.ID)
	}
	if f.staleHits > 0 {
		f.staleHits--
		return apperrors.New(apperrors.CodeStaleVersion, "session %s version mismatch", s.ID)
	}
	if cur.Version != s.Version {
		return apperrors.New(apperrors.CodeStaleVersion, "session %s version mismatch", s.ID)
	}
	s.Version++
	f.sessions[s.ID] = copySession(s)
	return nil
}

func (f *fakeSessionStore) AppendCheckpoint(_ context.Context, s *types.Session, cp types.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.sessions[s.ID]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "session %s not found", s.ID)
	}
	cur.Checkpoints = append(cur.Checkpoints, cp)
	return nil
}

func (f *fakeSessionStore) CountActive(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.sessions {
		if !s.Status.Terminal() && s.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) SoftDelete(_ context.Context, id uuid.UUID, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "session %s not found", id)
	}
	if s.Version != version {
		return apperrors.New(apperrors.CodeStaleVersion, "session %s version mismatch", id)
	}
	now := s.UpdatedAt
	s.DeletedAt = &now
	s.Version++
	return nil
}

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*types.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[uuid.UUID]*types.Task)}
}

func (f *fakeTaskStore) BulkInsert(_ context.Context, tasks []*types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return nil
}

func (f *fakeTaskStore) GetByID(_ context.Context, id uuid.UUID) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "task %s not found", id)
	}
	return t, nil
}

func (f *fakeTaskStore) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Task
	for _, t := range f.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) Update(_ context.Context, t *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

type fakeTenantStore struct {
	tenants map[uuid.UUID]*types.Tenant
}

func (f *fakeTenantStore) GetByID(_ context.Context, id uuid.UUID) (*types.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "tenant %s not found", id)
	}
	return t, nil
}

// fakeRouter hands every request to its single agent and records the
// reserve/release traffic.
type fakeRouter struct {
	mu       sync.Mutex
	agent    *types.Agent
	reserved float64
	released float64
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{agent: &types.Agent{
		ID:   uuid.New(),
		Name: "Implementer Prime",
		Load: types.AgentLoad{Capacity: 100},
	}}
}

func (f *fakeRouter) RouteAndReserve(_ context.Context, req agent.RouteRequest) (*agent.RouteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agent == nil {
		return nil, apperrors.New(apperrors.CodeNoAgentAvailable, "no agent qualifies")
	}
	f.reserved += req.Complexity
	return &agent.RouteResult{Agent: f.agent, Score: 1}, nil
}

func (f *fakeRouter) ReleaseAgent(_ context.Context, _ uuid.UUID, complexity float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released += complexity
	return nil
}

func (f *fakeRouter) balance() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserved - f.released
}

type testEnv struct {
	svc      *Service
	sessions *fakeSessionStore
	tasks    *fakeTaskStore
	router   *fakeRouter
	tid      uuid.UUID
	ctx      context.Context
}

func newTestEnv(t *testing.T, maxConcurrent int) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := coord.New(rdb)

	tid := uuid.New()
	sessions := newFakeSessionStore()
	tasks := newFakeTaskStore()
	tenants := &fakeTenantStore{tenants: map[uuid.UUID]*types.Tenant{
		tid: {
			ID:   tid,
			Name: "acme",
			Quotas: types.TenantQuotas{
				MaxConcurrentSessions: maxConcurrent,
				MaxTokensPerDay:       1_000_000,
			},
		},
	}}

	mgr := lock.NewManager(store)
	router := newFakeRouter()
	svc := NewService(sessions, tasks, tenants,
		ManagerLocker{M: mgr}, router, NewTokenWindow(store),
		events.NewBroadcaster(nil), Config{})

	return &testEnv{
		svc:      svc,
		sessions: sessions,
		tasks:    tasks,
		router:   router,
		tid:      tid,
		ctx:      tenant.WithTenant(context.Background(), tid),
	}
}

func (e *testEnv) create(t *testing.T, title string) *types.Session {
	t.Helper()
	s, err := e.svc.CreateSession(e.ctx, CreateSessionInput{
		Title:         title,
		InitialPrompt: "Add rotating refresh tokens",
		SessionType:   types.SessionExecution,
		Priority:      types.PriorityHigh,
	})
	require.NoError(t, err)
	return s
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t, 100)

	s := env.create(t, "Implement OAuth token refresh")
	assert.Equal(t, types.SessionPending, s.Status)

	s, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, s.Status)
	require.NotNil(t, s.Metrics.StartedAt)

	s, err = env.svc.AddCheckpoint(env.ctx, s.ID, map[string]interface{}{"progress": 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Metrics.CheckpointCount)
	assert.Len(t, s.Checkpoints, 1)

	s, err = env.svc.CompleteSession(env.ctx, s.ID,
		map[string]interface{}{"files": []string{"oauth.go"}}, 1.0, 0.9)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, s.Status)
	require.NotNil(t, s.Metrics.CompletedAt)
	assert.InDelta(t, 1.0, s.Metrics.SuccessRate, 1e-9)
}

func TestPartialCompletion(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement flaky migration")
	_, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err)

	s, err = env.svc.CompleteSession(env.ctx, s.ID, nil, 0.6, 0.5)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPartiallyCompleted, s.Status)
}

func TestRetryAfterFailure(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement executor integration")
	_, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err)

	// A checkpoint exists, so the retry gate is satisfiable.
	_, err = env.svc.AddCheckpoint(env.ctx, s.ID, map[string]interface{}{"progress": 0.3})
	require.NoError(t, err)

	s, err = env.svc.FailSession(env.ctx, s.ID, "executor 5xx", true)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, s.Status)
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, "executor 5xx", s.LastError)

	s, err = env.svc.RetrySession(env.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, s.Status)
}

func TestRetryWithoutCheckpointRejected(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement doomed run")
	_, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err)
	_, err = env.svc.FailSession(env.ctx, s.ID, "boom", true)
	require.NoError(t, err)

	_, err = env.svc.RetrySession(env.ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))
}

func TestQuotaCeiling(t *testing.T) {
	env := newTestEnv(t, 2)

	a := env.create(t, "Implement first workload")
	b := env.create(t, "Implement second workload")
	_, err := env.svc.StartSession(env.ctx, a.ID)
	require.NoError(t, err)
	_, err = env.svc.StartSession(env.ctx, b.ID)
	require.NoError(t, err)

	// The third concurrent session breaches the quota at creation.
	_, err = env.svc.CreateSession(env.ctx, CreateSessionInput{
		Title:       "Implement third workload",
		SessionType: types.SessionExecution,
		Priority:    types.PriorityLow,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeQuotaExceeded, apperrors.CodeOf(err))

	// Completing one frees a slot.
	_, err = env.svc.CompleteSession(env.ctx, a.ID, nil, 1.0, 1.0)
	require.NoError(t, err)
	c, err := env.svc.CreateSession(env.ctx, CreateSessionInput{
		Title:       "Implement third workload",
		SessionType: types.SessionExecution,
		Priority:    types.PriorityLow,
	})
	require.NoError(t, err)
	_, err = env.svc.StartSession(env.ctx, c.ID)
	require.NoError(t, err)
}

func TestCancelReleasesTasks(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement cancellable work")

	task, err := types.NewTask(types.NewTaskInput{
		SessionID: s.ID,
		TenantID:  env.tid,
		Title:     "Implement subtask",
		Priority:  types.PriorityMedium,
		Estimate:  types.Estimate{LikelyHours: 3},
	})
	require.NoError(t, err)
	agentID := uuid.New()
	task.AssignedAgentID = &agentID
	require.NoError(t, env.tasks.BulkInsert(env.ctx, []*types.Task{task}))

	s, err = env.svc.CancelSession(env.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, s.Status)

	got, err := env.tasks.GetByID(env.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.Status)
	assert.Nil(t, got.AssignedAgentID, "agent reservation released")
	assert.InDelta(t, task.Estimate.ExpectedHours(), env.router.released, 1e-9,
		"reserved capacity handed back to the router")
}

func mkSessionTask(t *testing.T, env *testEnv, sessionID uuid.UUID, title string, hours float64, deps ...types.TaskDependency) *types.Task {
	t.Helper()
	task, err := types.NewTask(types.NewTaskInput{
		SessionID:    sessionID,
		TenantID:     env.tid,
		Title:        title,
		Priority:     types.PriorityMedium,
		Estimate:     types.Estimate{OptimisticHours: hours / 2, LikelyHours: hours, PessimisticHours: hours * 2},
		Dependencies: deps,
	})
	require.NoError(t, err)
	require.NoError(t, env.tasks.BulkInsert(env.ctx, []*types.Task{task}))
	return task
}

func TestStartSessionSchedulesReadyTasks(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement scheduled pipeline")

	t1 := mkSessionTask(t, env, s.ID, "Implement stage one", 2)
	t2 := mkSessionTask(t, env, s.ID, "Implement stage two", 2,
		types.TaskDependency{TargetTaskID: t1.ID, Kind: types.FinishToStart, Required: true})

	_, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err)

	got1, err := env.tasks.GetByID(env.ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, got1.Status)
	require.NotNil(t, got1.AssignedAgentID)
	assert.Equal(t, env.router.agent.ID, *got1.AssignedAgentID)
	assert.InDelta(t, t1.Estimate.ExpectedHours(), env.router.reserved, 1e-9)

	got2, err := env.tasks.GetByID(env.ctx, t2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got2.Status, "blocked successor is not promoted")
	assert.Nil(t, got2.AssignedAgentID)
}

func TestTaskCompletionReleasesAndUnblocksSuccessors(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement chained stages")

	t1 := mkSessionTask(t, env, s.ID, "Implement stage one", 2)
	t2 := mkSessionTask(t, env, s.ID, "Implement stage two", 2,
		types.TaskDependency{TargetTaskID: t1.ID, Kind: types.FinishToStart, Required: true})

	_, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err)

	_, err = env.svc.StartTask(env.ctx, t1.ID)
	require.NoError(t, err)

	done, err := env.svc.CompleteTask(env.ctx, t1.ID, map[string]interface{}{"files": []string{"stage1.go"}})
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.Status)
	assert.Nil(t, done.AssignedAgentID, "reservation released on completion")
	require.Len(t, done.Attempts, 1)
	assert.Equal(t, "success", done.Attempts[0].Outcome)

	// t1's capacity came back and t2 got assigned in the reschedule pass.
	assert.InDelta(t, t2.Estimate.ExpectedHours(), env.router.balance(), 1e-9)
	got2, err := env.tasks.GetByID(env.ctx, t2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, got2.Status)
	require.NotNil(t, got2.AssignedAgentID)
}

func TestFailTaskReleasesReservation(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement fragile stage")

	task := mkSessionTask(t, env, s.ID, "Implement fragile work", 2)
	_, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err)
	_, err = env.svc.StartTask(env.ctx, task.ID)
	require.NoError(t, err)

	failed, err := env.svc.FailTask(env.ctx, task.ID, "agent crashed")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, failed.Status)
	assert.Nil(t, failed.AssignedAgentID)
	assert.Equal(t, "agent crashed", failed.Error)
	assert.InDelta(t, 0, env.router.balance(), 1e-9, "no capacity left reserved")
}

func TestFailSessionReleasesReservations(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement doomed pipeline")

	task := mkSessionTask(t, env, s.ID, "Implement doomed work", 2)
	_, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err)

	got, err := env.tasks.GetByID(env.ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedAgentID)

	_, err = env.svc.FailSession(env.ctx, s.ID, "executor 5xx", true)
	require.NoError(t, err)

	got, err = env.tasks.GetByID(env.ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedAgentID, "session failure hands every reservation back")
	assert.InDelta(t, 0, env.router.balance(), 1e-9)
}

func TestCompleteTaskHonorsFinishGate(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement gated stages")

	pred := mkSessionTask(t, env, s.ID, "Implement predecessor", 2)
	gated := mkSessionTask(t, env, s.ID, "Implement gated work", 2,
		types.TaskDependency{TargetTaskID: pred.ID, Kind: types.FinishToFinish, Required: true})
	gated.Status = types.TaskInProgress
	require.NoError(t, env.tasks.Update(env.ctx, gated))

	_, err := env.svc.CompleteTask(env.ctx, gated.ID, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))

	// Once the predecessor finishes, the gate opens.
	pred.Status = types.TaskCompleted
	require.NoError(t, env.tasks.Update(env.ctx, pred))
	done, err := env.svc.CompleteTask(env.ctx, gated.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.Status)
}

func TestCancelTerminalRejected(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement short-lived work")
	_, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err)
	_, err = env.svc.CompleteSession(env.ctx, s.ID, nil, 1.0, 1.0)
	require.NoError(t, err)

	_, err = env.svc.CancelSession(env.ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))
}

func TestCheckpointRejectedBeforeStart(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement eager checkpointer")
	_, err := env.svc.AddCheckpoint(env.ctx, s.ID, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))
}

func TestTenantContextRequired(t *testing.T) {
	env := newTestEnv(t, 100)
	_, err := env.svc.CreateSession(context.Background(), CreateSessionInput{
		Title:       "Implement unscoped work",
		SessionType: types.SessionExecution,
		Priority:    types.PriorityLow,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTenantRequired, apperrors.CodeOf(err))
}

func TestStaleVersionRetried(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement contended session")

	// The next two updates collide, forcing the retry path to re-read.
	env.sessions.mu.Lock()
	env.sessions.staleHits = 2
	env.sessions.mu.Unlock()

	got, err := env.svc.StartSession(env.ctx, s.ID)
	require.NoError(t, err, "stale version must be retried transparently")
	assert.Equal(t, types.SessionRunning, got.Status)
}

func TestSessionProgress(t *testing.T) {
	env := newTestEnv(t, 100)
	s := env.create(t, "Implement measured work")

	for _, status := range []types.TaskStatus{types.TaskCompleted, types.TaskPending} {
		task, err := types.NewTask(types.NewTaskInput{
			SessionID: s.ID,
			TenantID:  env.tid,
			Title:     "Implement measured subtask",
			Priority:  types.PriorityMedium,
		})
		require.NoError(t, err)
		task.Status = status
		require.NoError(t, env.tasks.BulkInsert(env.ctx, []*types.Task{task}))
	}

	p, err := env.svc.SessionProgress(env.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.CompletedTasks)
	assert.Equal(t, 2, p.TotalTasks)
	assert.Greater(t, p.Health, 0.0)
}
