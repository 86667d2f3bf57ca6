package store

import (
	"context"
	"fmt"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/tenant"
	"codeplane/internal/types"

	"github.com/google/uuid"
)

const taskCachePrefix = "tasks"

type taskRow struct {
	ID              uuid.UUID  `db:"id"`
	SessionID       uuid.UUID  `db:"session_id"`
	TenantID        uuid.UUID  `db:"tenant_id"`
	ParentTaskID    *uuid.UUID `db:"parent_task_id"`
	Title           string     `db:"title"`
	Description     string     `db:"description"`
	TaskType        string     `db:"task_type"`
	Status          string     `db:"status"`
	Priority        string     `db:"priority"`
	AssignedAgentID *uuid.UUID `db:"assigned_agent_id"`
	Estimate        []byte     `db:"estimate"`
	Children        []byte     `db:"children"`
	Result          []byte     `db:"result"`
	Error           string     `db:"error"`
	Artifacts       []byte     `db:"artifacts"`
	Attempts        []byte     `db:"attempts"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
	Version         int64      `db:"version"`
}

func (r taskRow) toTask() (*types.Task, error) {
	t := &types.Task{
		ID:              r.ID,
		SessionID:       r.SessionID,
		TenantID:        r.TenantID,
		ParentTaskID:    r.ParentTaskID,
		Title:           r.Title,
		Description:     r.Description,
		TaskType:        r.TaskType,
		Status:          types.TaskStatus(r.Status),
		Priority:        types.Priority(r.Priority),
		AssignedAgentID: r.AssignedAgentID,
		Error:           r.Error,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		DeletedAt:       r.DeletedAt,
		Version:         r.Version,
	}
	if err := scanJSON(r.Estimate, &t.Estimate); err != nil {
		return nil, err
	}
	if err := scanJSON(r.Children, &t.ChildIDs); err != nil {
		return nil, err
	}
	if err := scanJSON(r.Result, &t.Result); err != nil {
		return nil, err
	}
	if err := scanJSON(r.Artifacts, &t.Artifacts); err != nil {
		return nil, err
	}
	if err := scanJSON(r.Attempts, &t.Attempts); err != nil {
		return nil, err
	}
	return t, nil
}

const taskSelectColumns = `
	id, session_id, tenant_id, parent_task_id, title, description, task_type,
	status, priority, assigned_agent_id, estimate, children, result, error,
	artifacts, attempts, started_at, completed_at,
	created_at, updated_at, deleted_at, version`

// TaskRepository persists tasks and their dependency rows.
type TaskRepository struct {
	db *DB
}

// Tasks returns the task repository.
func (d *DB) Tasks() *TaskRepository { return &TaskRepository{db: d} }

// Insert writes one task plus its dependency rows.
func (r *TaskRepository) Insert(ctx context.Context, t *types.Task) error {
	return r.BulkInsert(ctx, []*types.Task{t})
}

// BulkInsert writes tasks and their dependency rows in one transaction.
// The decomposer persists whole subtrees through this.
func (r *TaskRepository) BulkInsert(ctx context.Context, tasks []*types.Task) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.TenantID != tid {
			return apperrors.New(apperrors.CodeForbidden, "task tenant mismatch")
		}
	}

	return r.db.WithUnitOfWork(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		for _, t := range tasks {
			estimate, err := jsonColumn(t.Estimate)
			if err != nil {
				return err
			}
			children, err := jsonColumn(orEmptyUUIDs(t.ChildIDs))
			if err != nil {
				return err
			}
			result, err := jsonColumn(t.Result)
			if err != nil {
				return err
			}
			artifacts, err := jsonColumn(orEmptyArtifacts(t.Artifacts))
			if err != nil {
				return err
			}
			attempts, err := jsonColumn(orEmptyAttempts(t.Attempts))
			if err != nil {
				return err
			}

			_, err = q.ExecContext(ctx, `
				INSERT INTO tasks (
					id, session_id, tenant_id, parent_task_id, title, description,
					task_type, status, priority, assigned_agent_id, estimate, children,
					result, error, artifacts, attempts, started_at, completed_at,
					created_at, updated_at, version
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
				t.ID, t.SessionID, t.TenantID, t.ParentTaskID, t.Title, t.Description,
				t.TaskType, string(t.Status), string(t.Priority), t.AssignedAgentID, estimate, children,
				result, t.Error, artifacts, attempts, t.StartedAt, t.CompletedAt,
				t.CreatedAt, t.UpdatedAt, t.Version)
			if err != nil {
				return apperrors.Wrap(apperrors.CodeInternal, err, "failed to insert task %s", t.ID)
			}

			for _, dep := range t.Dependencies {
				_, err = q.ExecContext(ctx, `
					INSERT INTO task_dependencies (task_id, tenant_id, target_task_id, kind, required)
					VALUES ($1, $2, $3, $4, $5)`,
					t.ID, t.TenantID, dep.TargetTaskID, string(dep.Kind), dep.Required)
				if err != nil {
					return apperrors.Wrap(apperrors.CodeInternal, err,
						"failed to insert dependency of task %s", t.ID)
				}
			}
			r.db.cache.Invalidate(taskCachePrefix, t.ID.String())
		}
		return nil
	})
}

// GetByID loads a task with its dependencies.
func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	var row taskRow
	err = r.db.q(ctx).GetContext(ctx, &row, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, taskSelectColumns),
		id, tid)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	t, err := row.toTask()
	if err != nil {
		return nil, err
	}
	if err := r.loadDependencies(ctx, []*types.Task{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// ListBySession loads every live task of a session, dependencies included.
func (r *TaskRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*types.Task, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	var rows []taskRow
	err = r.db.q(ctx).SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE session_id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		ORDER BY created_at`, taskSelectColumns),
		sessionID, tid)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to list session tasks")
	}
	tasks := make([]*types.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := r.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *TaskRepository) loadDependencies(ctx context.Context, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*types.Task, len(tasks))
	ids := make([]uuid.UUID, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	type depRow struct {
		TaskID       uuid.UUID `db:"task_id"`
		TargetTaskID uuid.UUID `db:"target_task_id"`
		Kind         string    `db:"kind"`
		Required     bool      `db:"required"`
	}
	var rows []depRow
	query, args, err := buildInQuery(`
		SELECT task_id, target_task_id, kind, required FROM task_dependencies
		WHERE task_id IN (%s)`, ids)
	if err != nil {
		return err
	}
	if err := r.db.q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to load task dependencies")
	}
	for _, row := range rows {
		if t, ok := byID[row.TaskID]; ok {
			t.Dependencies = append(t.Dependencies, types.TaskDependency{
				TargetTaskID: row.TargetTaskID,
				Kind:         types.DependencyKind(row.Kind),
				Required:     row.Required,
			})
		}
	}
	return nil
}

// Update persists a modified task under optimistic locking, rewriting its
// dependency rows.
func (r *TaskRepository) Update(ctx context.Context, t *types.Task) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if t.TenantID != tid {
		return apperrors.New(apperrors.CodeForbidden, "task tenant mismatch")
	}
	estimate, err := jsonColumn(t.Estimate)
	if err != nil {
		return err
	}
	children, err := jsonColumn(orEmptyUUIDs(t.ChildIDs))
	if err != nil {
		return err
	}
	result, err := jsonColumn(t.Result)
	if err != nil {
		return err
	}
	artifacts, err := jsonColumn(orEmptyArtifacts(t.Artifacts))
	if err != nil {
		return err
	}
	attempts, err := jsonColumn(orEmptyAttempts(t.Attempts))
	if err != nil {
		return err
	}

	return r.db.WithUnitOfWork(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		res, err := q.ExecContext(ctx, `
			UPDATE tasks SET
				title = $1, description = $2, status = $3, priority = $4,
				assigned_agent_id = $5, estimate = $6, children = $7, result = $8,
				error = $9, artifacts = $10, attempts = $11,
				started_at = $12, completed_at = $13,
				updated_at = now(), version = version + 1
			WHERE id = $14 AND tenant_id = $15 AND version = $16 AND deleted_at IS NULL`,
			t.Title, t.Description, string(t.Status), string(t.Priority),
			t.AssignedAgentID, estimate, children, result,
			t.Error, artifacts, attempts,
			t.StartedAt, t.CompletedAt,
			t.ID, t.TenantID, t.Version)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "failed to update task")
		}
		if err := checkVersion(res, "task", t.ID); err != nil {
			return err
		}
		t.Version++

		if _, err := q.ExecContext(ctx,
			"DELETE FROM task_dependencies WHERE task_id = $1 AND tenant_id = $2",
			t.ID, t.TenantID); err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "failed to clear task dependencies")
		}
		for _, dep := range t.Dependencies {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, tenant_id, target_task_id, kind, required)
				VALUES ($1, $2, $3, $4, $5)`,
				t.ID, t.TenantID, dep.TargetTaskID, string(dep.Kind), dep.Required); err != nil {
				return apperrors.Wrap(apperrors.CodeInternal, err, "failed to rewrite task dependencies")
			}
		}
		r.db.cache.Invalidate(taskCachePrefix, t.ID.String())
		return nil
	})
}

// BulkUpdate persists several tasks in one transaction; the first stale
// version aborts the batch.
func (r *TaskRepository) BulkUpdate(ctx context.Context, tasks []*types.Task) error {
	return r.db.WithUnitOfWork(ctx, func(ctx context.Context) error {
		for _, t := range tasks {
			if err := r.Update(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// SoftDelete hides a task from default reads.
func (r *TaskRepository) SoftDelete(ctx context.Context, id uuid.UUID, version int64) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	res, err := r.db.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET deleted_at = now(), updated_at = now(), version = version + 1
		WHERE id = $1 AND tenant_id = $2 AND version = $3 AND deleted_at IS NULL`,
		id, tid, version)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to soft delete task")
	}
	if err := checkVersion(res, "task", id); err != nil {
		return err
	}
	r.db.cache.Invalidate(taskCachePrefix, id.String())
	return nil
}

// Count counts the live tasks of a session.
func (r *TaskRepository) Count(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	err = r.db.q(ctx).GetContext(ctx, &total, `
		SELECT COUNT(*) FROM tasks
		WHERE session_id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		sessionID, tid)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, err, "failed to count tasks")
	}
	return total, nil
}

func buildInQuery(format string, ids []uuid.UUID) (string, []interface{}, error) {
	if len(ids) == 0 {
		return "", nil, apperrors.New(apperrors.CodeInternal, "empty IN clause")
	}
	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return fmt.Sprintf(format, placeholders), args, nil
}

func orEmptyUUIDs(v []uuid.UUID) interface{} {
	if v == nil {
		return []uuid.UUID{}
	}
	return v
}

func orEmptyArtifacts(v []types.TaskArtifact) interface{} {
	if v == nil {
		return []types.TaskArtifact{}
	}
	return v
}

func orEmptyAttempts(v []types.TaskAttempt) interface{} {
	if v == nil {
		return []types.TaskAttempt{}
	}
	return v
}
