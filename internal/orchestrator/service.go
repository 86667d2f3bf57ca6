// Package orchestrator implements the session use cases: create, start,
// checkpoint, complete, fail, retry, cancel. Every use case binds the
// tenant, serializes on the session's execution lock, persists through the
// store, and publishes events. Quotas are enforced inside the lock so
// concurrent starts cannot race past the ceiling.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"codeplane/internal/agent"
	"codeplane/internal/apperrors"
	"codeplane/internal/events"
	"codeplane/internal/lock"
	"codeplane/internal/logging"
	"codeplane/internal/session"
	"codeplane/internal/taskgraph"
	"codeplane/internal/tenant"
	"codeplane/internal/types"

	"github.com/google/uuid"
)

// SessionStore is the slice of the persistence layer the orchestrator uses.
type SessionStore interface {
	Insert(ctx context.Context, s *types.Session) error
	GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*types.Session, error)
	Update(ctx context.Context, s *types.Session) error
	AppendCheckpoint(ctx context.Context, s *types.Session, cp types.Checkpoint) error
	CountActive(ctx context.Context) (int64, error)
	SoftDelete(ctx context.Context, id uuid.UUID, version int64) error
}

// TaskStore is the slice of the task repository the orchestrator uses.
type TaskStore interface {
	BulkInsert(ctx context.Context, tasks []*types.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*types.Task, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*types.Task, error)
	Update(ctx context.Context, t *types.Task) error
}

// TenantStore loads tenants for quota decisions.
type TenantStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*types.Tenant, error)
}

// AgentRouter assigns agents to ready tasks and gives reserved capacity
// back when an assignment ends.
type AgentRouter interface {
	RouteAndReserve(ctx context.Context, req agent.RouteRequest) (*agent.RouteResult, error)
	ReleaseAgent(ctx context.Context, id uuid.UUID, complexity float64) error
}

// Unlocker releases one held lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// Locker acquires distributed locks.
type Locker interface {
	Acquire(ctx context.Context, resource string, opts lock.Options) (Unlocker, error)
}

// ManagerLocker adapts *lock.Manager to the Locker interface.
type ManagerLocker struct {
	M *lock.Manager
}

// Acquire delegates to the underlying manager.
func (a ManagerLocker) Acquire(ctx context.Context, resource string, opts lock.Options) (Unlocker, error) {
	return a.M.Acquire(ctx, resource, opts)
}

// Config tunes the service.
type Config struct {
	LockTTL          time.Duration
	LockTimeout      time.Duration
	MaxUpdateRetries int
}

// Service is the session orchestrator.
type Service struct {
	sessions SessionStore
	tasks    TaskStore
	tenants  TenantStore
	locker   Locker
	router   AgentRouter  // nil disables task assignment
	tokens   *TokenWindow // nil disables the rolling token quota
	bus      *events.Broadcaster
	decomp   *taskgraph.Decomposer
	cfg      Config
	log      *logging.Logger
}

// NewService wires the orchestrator.
func NewService(sessions SessionStore, tasks TaskStore, tenants TenantStore,
	locker Locker, router AgentRouter, tokens *TokenWindow, bus *events.Broadcaster, cfg Config) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.MaxUpdateRetries <= 0 {
		cfg.MaxUpdateRetries = 3
	}
	decomp := taskgraph.NewDecomposer()
	decomp.SetParentLookup(tasks.GetByID)
	return &Service{
		sessions: sessions,
		tasks:    tasks,
		tenants:  tenants,
		locker:   locker,
		router:   router,
		tokens:   tokens,
		bus:      bus,
		decomp:   decomp,
		cfg:      cfg,
		log:      logging.Get(logging.CategoryOrchestrator),
	}
}

// withSessionLock runs fn while holding session:execution:{id}. The lock is
// released on every exit path.
func (s *Service) withSessionLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	resource := fmt.Sprintf("session:execution:%s", id)
	held, err := s.locker.Acquire(ctx, resource, lock.Options{
		Timeout:  s.cfg.LockTimeout,
		Blocking: true,
		TTL:      s.cfg.LockTTL,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := held.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.log.Warn("failed to release %s: %v", resource, relErr)
		}
	}()
	return fn(ctx)
}

// mutateSession loads the session and applies fn under the store's
// optimistic lock, retrying stale-version conflicts with backoff.
func (s *Service) mutateSession(ctx context.Context, id uuid.UUID, fn func(sess *types.Session) error) (*types.Session, error) {
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxUpdateRetries; attempt++ {
		sess, err := s.sessions.GetByID(ctx, id, false)
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}
		if err := s.sessions.Update(ctx, sess); err != nil {
			if apperrors.HasCode(err, apperrors.CodeStaleVersion) {
				lastErr = err
				select {
				case <-ctx.Done():
					return nil, apperrors.Wrap(apperrors.CodeCancelled, ctx.Err(), "update cancelled")
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, err
		}
		return sess, nil
	}
	return nil, lastErr
}

// CreateSessionInput is the create_session request.
type CreateSessionInput struct {
	Title              string
	InitialPrompt      string
	SessionType        types.SessionType
	Priority           types.Priority
	ParentID           *uuid.UUID
	AgentConfig        map[string]interface{}
	ModelConfig        string
	MaxDurationSeconds int
	Tags               []string
	Metadata           map[string]interface{}
	Decompose          bool
}

// CreateSession validates, checks quotas, inserts a PENDING session,
// optionally decomposes the prompt into a task tree, and emits
// SessionCreated.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*types.Session, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	ten, err := s.tenants.GetByID(ctx, tid)
	if err != nil {
		return nil, err
	}
	if in.ParentID != nil {
		if _, err := s.sessions.GetByID(ctx, *in.ParentID, false); err != nil {
			return nil, err
		}
	}

	sess, err := types.NewSession(types.NewSessionInput{
		TenantID:           tid,
		ParentID:           in.ParentID,
		Title:              in.Title,
		InitialPrompt:      in.InitialPrompt,
		SessionType:        in.SessionType,
		Priority:           in.Priority,
		AgentConfig:        in.AgentConfig,
		ModelConfig:        in.ModelConfig,
		MaxDurationSeconds: in.MaxDurationSeconds,
		Tags:               in.Tags,
		Metadata:           in.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if quota := ten.Quotas.MaxConcurrentSessions; quota > 0 {
		active, err := s.sessions.CountActive(ctx)
		if err != nil {
			return nil, err
		}
		if active >= int64(quota) {
			return nil, apperrors.New(apperrors.CodeQuotaExceeded,
				"tenant %s has %d active sessions, quota is %d", tid, active, quota)
		}
	}

	if err := s.sessions.Insert(ctx, sess); err != nil {
		return nil, err
	}

	if in.Decompose && in.InitialPrompt != "" {
		if err := s.decomposePrompt(ctx, sess); err != nil {
			// Planning is best-effort at creation; the session stands.
			s.log.Warn("initial decomposition for session %s failed: %v", sess.ID, err)
		}
	}

	s.publish(ctx, events.Event{
		EventType: events.SessionCreated,
		TenantID:  tid,
		SessionID: sess.ID,
		Payload:   map[string]interface{}{"title": sess.Title, "status": string(sess.Status)},
	})
	logging.Orch("created session %s (%s)", sess.ID, sess.Title)
	return sess, nil
}

// decomposePrompt turns the initial prompt into a root task plus its
// decomposed subtree.
func (s *Service) decomposePrompt(ctx context.Context, sess *types.Session) error {
	root, err := types.NewTask(types.NewTaskInput{
		SessionID:   sess.ID,
		TenantID:    sess.TenantID,
		Title:       fmt.Sprintf("Implement %s", sess.Title),
		Description: sess.InitialPrompt,
		TaskType:    "feature",
		Priority:    sess.Priority,
	})
	if err != nil {
		return err
	}
	taskgraph.EnsureEstimate(root, true)

	all := []*types.Task{root}
	result, err := s.decomp.Decompose(ctx, root, taskgraph.DecomposeRequest{AutoEstimate: true})
	if err == nil {
		all = append(all, result.Subtasks...)
	}
	return s.tasks.BulkInsert(ctx, all)
}

// StartSession transitions a session to RUNNING under the quota ceiling.
func (s *Service) StartSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	ten, err := s.tenants.GetByID(ctx, tid)
	if err != nil {
		return nil, err
	}

	var out *types.Session
	err = s.withSessionLock(ctx, id, func(ctx context.Context) error {
		if quota := ten.Quotas.MaxConcurrentSessions; quota > 0 {
			active, err := s.sessions.CountActive(ctx)
			if err != nil {
				return err
			}
			// Sessions in PENDING already count as active; the ceiling
			// binds the number that may exist non-terminally.
			if active > int64(quota) {
				return apperrors.New(apperrors.CodeQuotaExceeded,
					"tenant %s at concurrent session quota %d", tid, quota)
			}
		}
		if s.tokens != nil && ten.Quotas.MaxTokensPerDay > 0 {
			used, err := s.tokens.UsedToday(ctx, tid)
			if err != nil {
				return err
			}
			if used >= ten.Quotas.MaxTokensPerDay {
				return apperrors.New(apperrors.CodeQuotaExceeded,
					"tenant %s exhausted its daily token quota", tid)
			}
		}

		sess, err := s.mutateSession(ctx, id, func(sess *types.Session) error {
			return session.Transition(sess, types.SessionRunning)
		})
		if err != nil {
			return err
		}
		out = sess

		// The session is live: promote ready tasks and hand them to agents.
		s.scheduleTasks(ctx, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStatus(ctx, out)
	return out, nil
}

// schedulableStates are the session states in which tasks may be promoted
// and assigned.
var schedulableStates = map[types.SessionStatus]bool{
	types.SessionRunning:  true,
	types.SessionDegraded: true,
}

// scheduleTasks runs one scheduling pass over the session's DAG: every task
// whose required dependencies are satisfied is promoted to READY, and ready
// tasks are routed to the best-fit agent and marked ASSIGNED with the
// reservation held. Tasks no agent qualifies for stay READY for the next
// pass. Callers hold the session execution lock.
func (s *Service) scheduleTasks(ctx context.Context, sess *types.Session) {
	if !schedulableStates[sess.Status] {
		return
	}
	tasks, err := s.tasks.ListBySession(ctx, sess.ID)
	if err != nil {
		s.log.Warn("scheduling pass for session %s could not load tasks: %v", sess.ID, err)
		return
	}
	g, err := taskgraph.NewGraph(tasks)
	if err != nil {
		s.log.Error("session %s task graph is invalid: %v", sess.ID, err)
		return
	}

	candidates := g.ReadyTasks()
	for _, t := range g.Tasks() {
		// Tasks promoted on an earlier pass but never assigned re-enter.
		if t.Status == types.TaskReady {
			candidates = append(candidates, t)
		}
	}

	for _, t := range candidates {
		if t.Status == types.TaskPending {
			if err := taskgraph.Transition(t, types.TaskReady); err != nil {
				continue
			}
		}
		s.assignTask(ctx, sess, t)
		if err := s.tasks.Update(ctx, t); err != nil {
			s.log.Warn("failed to persist scheduled task %s: %v", t.ID, err)
			continue
		}
		s.publishTaskStatus(ctx, t)
	}
}

// assignTask routes one READY task and reserves the winner's capacity.
func (s *Service) assignTask(ctx context.Context, sess *types.Session, t *types.Task) {
	if s.router == nil || t.Status != types.TaskReady {
		return
	}
	res, err := s.router.RouteAndReserve(ctx, agent.RouteRequest{
		RequiredCapabilities: t.Estimate.RequiredCapabilities,
		Complexity:           t.Estimate.ExpectedHours(),
		SessionType:          sess.SessionType,
	})
	if err != nil {
		if !apperrors.HasCode(err, apperrors.CodeNoAgentAvailable) {
			s.log.Warn("routing task %s failed: %v", t.ID, err)
		}
		return
	}
	if err := taskgraph.Transition(t, types.TaskAssigned); err != nil {
		s.releaseReservation(ctx, res.Agent.ID, t.Estimate.ExpectedHours())
		return
	}
	agentID := res.Agent.ID
	t.AssignedAgentID = &agentID
	logging.Orch("task %s assigned to agent %s (score=%.3f)", t.ID, res.Agent.Name, res.Score)
}

// releaseAssignment gives an assigned task's reserved capacity back and
// clears the assignment. Called on task completion, failure, cancellation
// and session teardown.
func (s *Service) releaseAssignment(ctx context.Context, t *types.Task) {
	if t.AssignedAgentID == nil {
		return
	}
	s.releaseReservation(ctx, *t.AssignedAgentID, t.Estimate.ExpectedHours())
	t.AssignedAgentID = nil
}

func (s *Service) releaseReservation(ctx context.Context, agentID uuid.UUID, complexity float64) {
	if s.router == nil {
		return
	}
	if err := s.router.ReleaseAgent(ctx, agentID, complexity); err != nil {
		s.log.Warn("failed to release reservation on agent %s: %v", agentID, err)
	}
}

func (s *Service) publishTaskStatus(ctx context.Context, t *types.Task) {
	s.publish(ctx, events.Event{
		EventType: events.TaskStatusChanged,
		TenantID:  t.TenantID,
		SessionID: t.SessionID,
		Payload: map[string]interface{}{
			"task_id": t.ID.String(),
			"status":  string(t.Status),
		},
	})
}

// AddCheckpoint appends a checkpoint to a RUNNING/PAUSED/DEGRADED session.
func (s *Service) AddCheckpoint(ctx context.Context, id uuid.UUID, data map[string]interface{}) (*types.Session, error) {
	var out *types.Session
	err := s.withSessionLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.sessions.GetByID(ctx, id, false)
		if err != nil {
			return err
		}
		cp, err := session.AddCheckpoint(sess, data)
		if err != nil {
			return err
		}
		if err := s.sessions.AppendCheckpoint(ctx, sess, *cp); err != nil {
			return err
		}
		if err := s.sessions.Update(ctx, sess); err != nil {
			return err
		}
		out = sess
		return nil
	})
	return out, err
}

// CompleteSession finishes a session: COMPLETED, or PARTIALLY_COMPLETED
// when success_rate < 1.
func (s *Service) CompleteSession(ctx context.Context, id uuid.UUID, result map[string]interface{}, successRate, confidence float64) (*types.Session, error) {
	var out *types.Session
	err := s.withSessionLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.mutateSession(ctx, id, func(sess *types.Session) error {
			target := types.SessionCompleted
			if successRate < 1 {
				target = types.SessionPartiallyCompleted
			}
			if err := session.Transition(sess, target); err != nil {
				return err
			}
			sess.Result = result
			sess.Metrics.SuccessRate = successRate
			sess.Metrics.Confidence = confidence
			return nil
		})
		if err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.tokens != nil && out.Metrics.TokensUsed > 0 {
		if err := s.tokens.Record(ctx, out.TenantID, out.Metrics.TokensUsed); err != nil {
			s.log.Warn("failed to record token usage for %s: %v", out.ID, err)
		}
	}

	s.publish(ctx, events.Event{
		EventType: events.SessionCompleted,
		TenantID:  out.TenantID,
		SessionID: out.ID,
		Payload: map[string]interface{}{
			"status":       string(out.Status),
			"success_rate": out.Metrics.SuccessRate,
		},
	})
	return out, nil
}

// FailSession records a failure; retryable failures arm the retry counter.
func (s *Service) FailSession(ctx context.Context, id uuid.UUID, errMsg string, retryable bool) (*types.Session, error) {
	var out *types.Session
	err := s.withSessionLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.mutateSession(ctx, id, func(sess *types.Session) error {
			if sess.Status.Terminal() {
				return apperrors.New(apperrors.CodeInvalidTransition,
					"session %s is terminal", sess.ID)
			}
			if err := session.Transition(sess, types.SessionFailed); err != nil {
				return err
			}
			sess.LastError = errMsg
			if retryable {
				sess.RetryCount++
				sess.Metrics.Retries++
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = sess

		// The session is down: no assigned task will run, so every
		// reservation it holds goes back to its agent.
		tasks, err := s.tasks.ListBySession(ctx, id)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.AssignedAgentID == nil || t.Status.Terminal() {
				continue
			}
			s.releaseAssignment(ctx, t)
			if err := s.tasks.Update(ctx, t); err != nil {
				s.log.Warn("failed to persist released task %s: %v", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		EventType: events.SessionFailed,
		TenantID:  out.TenantID,
		SessionID: out.ID,
		Payload: map[string]interface{}{
			"error":     errMsg,
			"retryable": retryable,
		},
	})
	return out, nil
}

// MarkTimedOut moves a running session to TIMEOUT after an executor call
// exceeded the session's duration budget. TIMEOUT is retryable under the
// usual gate.
func (s *Service) MarkTimedOut(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	var out *types.Session
	err := s.withSessionLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.mutateSession(ctx, id, func(sess *types.Session) error {
			return session.Transition(sess, types.SessionTimeout)
		})
		if err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx, out)
	return out, nil
}

// RetrySession rearms a FAILED/TIMEOUT/STOPPED session for recovery. The
// transition itself enforces the retry gate.
func (s *Service) RetrySession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	var out *types.Session
	err := s.withSessionLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.mutateSession(ctx, id, func(sess *types.Session) error {
			return session.Transition(sess, types.SessionPending)
		})
		if err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx, out)
	return out, nil
}

// CancelSession terminates a non-terminal session and cancels its live
// tasks, releasing any assignment.
func (s *Service) CancelSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	var out *types.Session
	err := s.withSessionLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.mutateSession(ctx, id, func(sess *types.Session) error {
			if sess.Status.Terminal() {
				return apperrors.New(apperrors.CodeInvalidTransition,
					"session %s is terminal", sess.ID)
			}
			return session.Transition(sess, types.SessionCancelled)
		})
		if err != nil {
			return err
		}
		out = sess

		tasks, err := s.tasks.ListBySession(ctx, id)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Status.Terminal() || t.Status == types.TaskInProgress {
				continue
			}
			if taskgraph.CanTransition(t.Status, types.TaskCancelled) {
				if err := taskgraph.Transition(t, types.TaskCancelled); err != nil {
					continue
				}
				s.releaseAssignment(ctx, t)
				if err := s.tasks.Update(ctx, t); err != nil {
					s.log.Warn("failed to cancel task %s: %v", t.ID, err)
				}
				s.publishTaskStatus(ctx, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx, out)
	return out, nil
}

// GetSession loads a session.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	return s.sessions.GetByID(ctx, id, false)
}

// DeleteSession soft-deletes a session.
func (s *Service) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return s.withSessionLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.sessions.GetByID(ctx, id, false)
		if err != nil {
			return err
		}
		return s.sessions.SoftDelete(ctx, id, sess.Version)
	})
}

// Progress aggregates a session's task tallies and health for observers.
type Progress struct {
	SessionID      uuid.UUID           `json:"session_id"`
	Status         types.SessionStatus `json:"status"`
	CompletedTasks int                 `json:"completed_tasks"`
	TotalTasks     int                 `json:"total_tasks"`
	Health         float64             `json:"health"`
	RetryCount     int                 `json:"retry_count"`
	Checkpoints    int                 `json:"checkpoints"`
}

// SessionProgress computes the progress snapshot.
func (s *Service) SessionProgress(ctx context.Context, id uuid.UUID) (*Progress, error) {
	sess, err := s.sessions.GetByID(ctx, id, false)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ListBySession(ctx, id)
	if err != nil {
		return nil, err
	}
	completed := 0
	for _, t := range tasks {
		if t.Status == types.TaskCompleted {
			completed++
		}
	}
	health := session.HealthScore(sess, session.HealthInput{
		CompletedTasks: completed,
		TotalTasks:     len(tasks),
	}, time.Now())
	return &Progress{
		SessionID:      sess.ID,
		Status:         sess.Status,
		CompletedTasks: completed,
		TotalTasks:     len(tasks),
		Health:         health,
		RetryCount:     sess.RetryCount,
		Checkpoints:    sess.Metrics.CheckpointCount,
	}, nil
}

// CreateTask validates the owning session and persists a task.
func (s *Service) CreateTask(ctx context.Context, t *types.Task) error {
	if _, err := s.sessions.GetByID(ctx, t.SessionID, false); err != nil {
		return err
	}
	return s.tasks.BulkInsert(ctx, []*types.Task{t})
}

// GetTask loads a task with its dependencies.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	return s.tasks.GetByID(ctx, id)
}

// DecomposeTask splits an existing task, persists the subtree and, when the
// owning session is live, immediately schedules the dependency-free
// subtasks onto agents.
func (s *Service) DecomposeTask(ctx context.Context, taskID uuid.UUID, req taskgraph.DecomposeRequest) (*taskgraph.DecomposeResult, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	result, err := s.decomp.Decompose(ctx, t, req)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.BulkInsert(ctx, result.Subtasks); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}

	err = s.withSessionLock(ctx, t.SessionID, func(ctx context.Context) error {
		sess, err := s.sessions.GetByID(ctx, t.SessionID, false)
		if err != nil {
			return err
		}
		s.scheduleTasks(ctx, sess)
		return nil
	})
	if err != nil {
		s.log.Warn("post-decomposition scheduling for session %s failed: %v", t.SessionID, err)
	}
	return result, nil
}

// StartTask moves an ASSIGNED task to IN_PROGRESS, which is what satisfies
// START_TO_START dependencies on it.
func (s *Service) StartTask(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := taskgraph.Transition(t, types.TaskInProgress); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	s.publishTaskStatus(ctx, t)

	// Starting a task can satisfy START_TO_START predecessors, so run a
	// scheduling pass for the rest of the DAG.
	s.rescheduleSession(ctx, t.SessionID)
	return t, nil
}

// CompleteTask finishes a task, honoring the finish-gated dependency kinds,
// releases its agent reservation and schedules any successors the
// completion unblocked.
func (s *Service) CompleteTask(ctx context.Context, taskID uuid.UUID, result map[string]interface{}) (*types.Task, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	siblings, err := s.tasks.ListBySession(ctx, t.SessionID)
	if err != nil {
		return nil, err
	}
	g, err := taskgraph.NewGraph(siblings)
	if err != nil {
		return nil, err
	}
	if gt := g.Task(t.ID); gt != nil && !g.CanFinish(gt) {
		return nil, apperrors.New(apperrors.CodeInvalidTransition,
			"task %s cannot finish before its finish-gated dependencies", t.ID)
	}

	agentID := t.AssignedAgentID
	if err := taskgraph.Transition(t, types.TaskCompleted); err != nil {
		return nil, err
	}
	t.Result = result
	t.Attempts = append(t.Attempts, types.TaskAttempt{
		Number:    len(t.Attempts) + 1,
		Outcome:   "success",
		Timestamp: time.Now().UTC(),
	})
	if agentID != nil {
		t.Attempts[len(t.Attempts)-1].AgentID = *agentID
	}
	s.releaseAssignment(ctx, t)
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	s.publishTaskStatus(ctx, t)

	s.rescheduleSession(ctx, t.SessionID)
	return t, nil
}

// FailTask records a task failure, releases its agent reservation and
// reschedules the session.
func (s *Service) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string) (*types.Task, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	agentID := t.AssignedAgentID
	if err := taskgraph.Transition(t, types.TaskFailed); err != nil {
		return nil, err
	}
	t.Error = errMsg
	t.Attempts = append(t.Attempts, types.TaskAttempt{
		Number:    len(t.Attempts) + 1,
		Outcome:   "failure",
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
	})
	if agentID != nil {
		t.Attempts[len(t.Attempts)-1].AgentID = *agentID
	}
	s.releaseAssignment(ctx, t)
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	s.publishTaskStatus(ctx, t)

	s.rescheduleSession(ctx, t.SessionID)
	return t, nil
}

// rescheduleSession runs a scheduling pass under the session lock; failures
// are logged, not surfaced, since the next transition retries anyway.
func (s *Service) rescheduleSession(ctx context.Context, sessionID uuid.UUID) {
	err := s.withSessionLock(ctx, sessionID, func(ctx context.Context) error {
		sess, err := s.sessions.GetByID(ctx, sessionID, false)
		if err != nil {
			return err
		}
		s.scheduleTasks(ctx, sess)
		return nil
	})
	if err != nil {
		s.log.Warn("rescheduling session %s failed: %v", sessionID, err)
	}
}

func (s *Service) publishStatus(ctx context.Context, sess *types.Session) {
	s.publish(ctx, events.Event{
		EventType: events.SessionStatusChanged,
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		Payload:   map[string]interface{}{"status": string(sess.Status)},
	})
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.bus != nil {
		s.bus.Publish(ctx, e)
	}
}
