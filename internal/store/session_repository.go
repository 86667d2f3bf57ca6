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

const sessionCachePrefix = "sessions"

// sessionRow is the flat scan target for the sessions table joined with
// its metrics row.
type sessionRow struct {
	ID                  uuid.UUID  `db:"id"`
	TenantID            uuid.UUID  `db:"tenant_id"`
	ParentID            *uuid.UUID `db:"parent_id"`
	Title               string     `db:"title"`
	InitialPrompt       string     `db:"initial_prompt"`
	SessionType         string     `db:"session_type"`
	Priority            string     `db:"priority"`
	Status              string     `db:"status"`
	StatusUpdatedAt     time.Time  `db:"status_updated_at"`
	AgentConfig         []byte     `db:"agent_config"`
	ModelConfig         string     `db:"model_config"`
	MaxDurationSeconds  int        `db:"max_duration_seconds"`
	RetryCount          int        `db:"retry_count"`
	MaxRetries          int        `db:"max_retries"`
	CheckpointRetention int        `db:"checkpoint_retention"`
	LastError           string     `db:"last_error"`
	Result              []byte     `db:"result"`
	Tags                []byte     `db:"tags"`
	Metadata            []byte     `db:"metadata"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	DeletedAt           *time.Time `db:"deleted_at"`
	Version             int64      `db:"version"`

	MetStartedAt        *time.Time `db:"met_started_at"`
	MetCompletedAt      *time.Time `db:"met_completed_at"`
	MetFailedAt         *time.Time `db:"met_failed_at"`
	MetDurationSeconds  float64    `db:"met_duration_seconds"`
	MetCPUPercent       float64    `db:"met_cpu_percent"`
	MetMemoryMB         float64    `db:"met_memory_mb"`
	MetTokensUsed       int64      `db:"met_tokens_used"`
	MetAPICalls         int64      `db:"met_api_calls"`
	MetAPIErrors        int64      `db:"met_api_errors"`
	MetRetries          int64      `db:"met_retries"`
	MetSuccessRate      float64    `db:"met_success_rate"`
	MetConfidence       float64    `db:"met_confidence"`
	MetCodeQuality      float64    `db:"met_code_quality"`
	MetCheckpointCount  int        `db:"met_checkpoint_count"`
	MetLastCheckpointAt *time.Time `db:"met_last_checkpoint_at"`
	MetCostEstimate     float64    `db:"met_cost_estimate"`
}

const sessionSelectColumns = `
	s.id, s.tenant_id, s.parent_id, s.title, s.initial_prompt, s.session_type,
	s.priority, s.status, s.status_updated_at, s.agent_config, s.model_config,
	s.max_duration_seconds, s.retry_count, s.max_retries, s.checkpoint_retention,
	s.last_error, s.result, s.tags, s.metadata,
	s.created_at, s.updated_at, s.deleted_at, s.version,
	m.started_at AS met_started_at, m.completed_at AS met_completed_at,
	m.failed_at AS met_failed_at, m.duration_seconds AS met_duration_seconds,
	m.cpu_percent AS met_cpu_percent, m.memory_mb AS met_memory_mb,
	m.tokens_used AS met_tokens_used, m.api_calls AS met_api_calls,
	m.api_errors AS met_api_errors, m.retries AS met_retries,
	m.success_rate AS met_success_rate, m.confidence AS met_confidence,
	m.code_quality AS met_code_quality, m.checkpoint_count AS met_checkpoint_count,
	m.last_checkpoint_at AS met_last_checkpoint_at, m.cost_estimate AS met_cost_estimate`

func (r sessionRow) toSession() (*types.Session, error) {
	s := &types.Session{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		ParentID:            r.ParentID,
		Title:               r.Title,
		InitialPrompt:       r.InitialPrompt,
		SessionType:         types.SessionType(r.SessionType),
		Priority:            types.Priority(r.Priority),
		Status:              types.SessionStatus(r.Status),
		StatusUpdatedAt:     r.StatusUpdatedAt,
		ModelConfig:         r.ModelConfig,
		MaxDurationSeconds:  r.MaxDurationSeconds,
		RetryCount:          r.RetryCount,
		MaxRetries:          r.MaxRetries,
		CheckpointRetention: r.CheckpointRetention,
		LastError:           r.LastError,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		DeletedAt:           r.DeletedAt,
		Version:             r.Version,
		Metrics: types.SessionMetrics{
			StartedAt:        r.MetStartedAt,
			CompletedAt:      r.MetCompletedAt,
			FailedAt:         r.MetFailedAt,
			DurationSeconds:  r.MetDurationSeconds,
			CPUPercent:       r.MetCPUPercent,
			MemoryMB:         r.MetMemoryMB,
			TokensUsed:       r.MetTokensUsed,
			APICalls:         r.MetAPICalls,
			APIErrors:        r.MetAPIErrors,
			Retries:          r.MetRetries,
			SuccessRate:      r.MetSuccessRate,
			Confidence:       r.MetConfidence,
			CodeQuality:      r.MetCodeQuality,
			CheckpointCount:  r.MetCheckpointCount,
			LastCheckpointAt: r.MetLastCheckpointAt,
			CostEstimate:     r.MetCostEstimate,
		},
	}
	if err := scanJSON(r.AgentConfig, &s.AgentConfig); err != nil {
		return nil, err
	}
	if err := scanJSON(r.Result, &s.Result); err != nil {
		return nil, err
	}
	if err := scanJSON(r.Tags, &s.Tags); err != nil {
		return nil, err
	}
	if err := scanJSON(r.Metadata, &s.Metadata); err != nil {
		return nil, err
	}
	return s, nil
}

// SessionFilter narrows session queries.
type SessionFilter struct {
	Status         types.SessionStatus
	SessionType    types.SessionType
	Priority       types.Priority
	ParentID       *uuid.UUID
	IncludeDeleted bool
}

func (f SessionFilter) where(tid uuid.UUID) (string, []interface{}) {
	clause := "WHERE s.tenant_id = $1"
	args := []interface{}{tid}
	if !f.IncludeDeleted {
		clause += " AND s.deleted_at IS NULL"
	}
	n := 2
	add := func(cond string, v interface{}) {
		clause += fmt.Sprintf(" AND %s $%d", cond, n)
		args = append(args, v)
		n++
	}
	if f.Status != "" {
		add("s.status =", string(f.Status))
	}
	if f.SessionType != "" {
		add("s.session_type =", string(f.SessionType))
	}
	if f.Priority != "" {
		add("s.priority =", string(f.Priority))
	}
	if f.ParentID != nil {
		add("s.parent_id =", *f.ParentID)
	}
	return clause, args
}

var sessionSortFields = map[string]bool{
	"created_at": true, "updated_at": true, "title": true,
	"priority": true, "status": true, "status_updated_at": true,
}

// SessionRepository persists sessions, their metrics and their checkpoints.
type SessionRepository struct {
	db *DB
}

// Sessions returns the session repository.
func (d *DB) Sessions() *SessionRepository { return &SessionRepository{db: d} }

// Insert writes a session and its metrics row in one transaction.
func (r *SessionRepository) Insert(ctx context.Context, s *types.Session) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if s.TenantID != tid {
		return apperrors.New(apperrors.CodeForbidden, "session tenant mismatch")
	}

	agentConfig, err := jsonColumn(s.AgentConfig)
	if err != nil {
		return err
	}
	result, err := jsonColumn(s.Result)
	if err != nil {
		return err
	}
	tags, err := jsonColumn(orEmptyList(s.Tags))
	if err != nil {
		return err
	}
	metadata, err := jsonColumn(s.Metadata)
	if err != nil {
		return err
	}

	return r.db.WithUnitOfWork(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		_, err := q.ExecContext(ctx, `
			INSERT INTO sessions (
				id, tenant_id, parent_id, title, initial_prompt, session_type,
				priority, status, status_updated_at, agent_config, model_config,
				max_duration_seconds, retry_count, max_retries, checkpoint_retention,
				last_error, result, tags, metadata, created_at, updated_at, version
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
			s.ID, s.TenantID, s.ParentID, s.Title, s.InitialPrompt, string(s.SessionType),
			string(s.Priority), string(s.Status), s.StatusUpdatedAt, agentConfig, s.ModelConfig,
			s.MaxDurationSeconds, s.RetryCount, s.MaxRetries, s.CheckpointRetention,
			s.LastError, result, tags, metadata, s.CreatedAt, s.UpdatedAt, s.Version)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "failed to insert session")
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO session_metrics (session_id, tenant_id) VALUES ($1, $2)`,
			s.ID, s.TenantID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "failed to insert session metrics")
		}
		r.db.cache.Invalidate(sessionCachePrefix, s.ID.String())
		return nil
	})
}

// GetByID loads a session with metrics and checkpoints. Soft-deleted
// sessions are invisible unless includeDeleted.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*types.Session, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if cached, ok := r.db.cache.GetID(sessionCachePrefix, id.String()); ok && !includeDeleted {
		if s, ok := cached.(*types.Session); ok && s.TenantID == tid {
			return s, nil
		}
	}

	query := fmt.Sprintf(`
		SELECT %s FROM sessions s
		JOIN session_metrics m ON m.session_id = s.id
		WHERE s.id = $1 AND s.tenant_id = $2`, sessionSelectColumns)
	if !includeDeleted {
		query += " AND s.deleted_at IS NULL"
	}

	var row sessionRow
	if err := r.db.q(ctx).GetContext(ctx, &row, query, id, tid); err != nil {
		return nil, notFound(err, "session", id)
	}
	s, err := row.toSession()
	if err != nil {
		return nil, err
	}
	if err := r.loadCheckpoints(ctx, s); err != nil {
		return nil, err
	}
	if !includeDeleted {
		r.db.cache.SetID(sessionCachePrefix, id.String(), s)
	}
	return s, nil
}

func (r *SessionRepository) loadCheckpoints(ctx context.Context, s *types.Session) error {
	type cpRow struct {
		Sequence  int       `db:"sequence"`
		Data      []byte    `db:"data"`
		CreatedAt time.Time `db:"created_at"`
	}
	var rows []cpRow
	err := r.db.q(ctx).SelectContext(ctx, &rows, `
		SELECT sequence, data, created_at FROM session_checkpoints
		WHERE session_id = $1 AND tenant_id = $2 ORDER BY sequence`,
		s.ID, s.TenantID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to load checkpoints")
	}
	s.Checkpoints = make([]types.Checkpoint, 0, len(rows))
	for _, row := range rows {
		cp := types.Checkpoint{Sequence: row.Sequence, CreatedAt: row.CreatedAt}
		if err := scanJSON(row.Data, &cp.Data); err != nil {
			return err
		}
		s.Checkpoints = append(s.Checkpoints, cp)
	}
	return nil
}

// Find returns sessions matching the filter.
func (r *SessionRepository) Find(ctx context.Context, f SessionFilter, sorts []SortOrder, limit, offset int) ([]*types.Session, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	where, args := f.where(tid)
	query := fmt.Sprintf(`
		SELECT %s FROM sessions s
		JOIN session_metrics m ON m.session_id = s.id
		%s %s`, sessionSelectColumns, where, fmtSort(sessionSortFields, sorts, "s.created_at DESC"))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	var rows []sessionRow
	if err := r.db.q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to find sessions")
	}
	out := make([]*types.Session, 0, len(rows))
	for _, row := range rows {
		s, err := row.toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Paginate returns one page of sessions plus the unwindowed total.
func (r *SessionRepository) Paginate(ctx context.Context, f SessionFilter, sorts []SortOrder, page Page) (*PageResult[*types.Session], error) {
	total, err := r.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	items, err := r.Find(ctx, f, sorts, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	return &PageResult[*types.Session]{Items: items, Total: total, Page: page}, nil
}

// Count counts sessions matching the filter.
func (r *SessionRepository) Count(ctx context.Context, f SessionFilter) (int64, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	where, args := f.where(tid)
	var total int64
	if err := r.db.q(ctx).GetContext(ctx, &total,
		"SELECT COUNT(*) FROM sessions s "+where, args...); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, err, "failed to count sessions")
	}
	return total, nil
}

// Exists reports whether a live session with the ID exists for the tenant.
func (r *SessionRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.db.q(ctx).GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM sessions WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		)`, id, tid)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeInternal, err, "failed to check session existence")
	}
	return exists, nil
}

// CountActive counts the tenant's sessions in non-terminal states. The
// start-time quota check runs this inside the session lock; the
// creation-time check runs it with no lock held.
func (r *SessionRepository) CountActive(ctx context.Context) (int64, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	err = r.db.q(ctx).GetContext(ctx, &total, `
		SELECT COUNT(*) FROM sessions
		WHERE tenant_id = $1 AND deleted_at IS NULL
		  AND status NOT IN ('COMPLETED','PARTIALLY_COMPLETED','CANCELLED','ORPHANED')`,
		tid)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, err, "failed to count active sessions")
	}
	return total, nil
}

// Search does full-text matching over title and prompt.
func (r *SessionRepository) Search(ctx context.Context, text string, limit int) ([]*types.Session, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT %s FROM sessions s
		JOIN session_metrics m ON m.session_id = s.id
		WHERE s.tenant_id = $1 AND s.deleted_at IS NULL
		  AND to_tsvector('english', s.title || ' ' || s.initial_prompt) @@ plainto_tsquery('english', $2)
		ORDER BY s.created_at DESC LIMIT %d`, sessionSelectColumns, limit)

	var rows []sessionRow
	if err := r.db.q(ctx).SelectContext(ctx, &rows, query, tid, text); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "session search failed")
	}
	out := make([]*types.Session, 0, len(rows))
	for _, row := range rows {
		s, err := row.toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Update persists a modified session under optimistic locking: the caller's
// Version must match the stored row; on success the version increments.
// Metrics are written alongside; checkpoints are synchronized separately.
func (r *SessionRepository) Update(ctx context.Context, s *types.Session) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if s.TenantID != tid {
		return apperrors.New(apperrors.CodeForbidden, "session tenant mismatch")
	}

	agentConfig, err := jsonColumn(s.AgentConfig)
	if err != nil {
		return err
	}
	result, err := jsonColumn(s.Result)
	if err != nil {
		return err
	}
	tags, err := jsonColumn(orEmptyList(s.Tags))
	if err != nil {
		return err
	}
	metadata, err := jsonColumn(s.Metadata)
	if err != nil {
		return err
	}

	return r.db.WithUnitOfWork(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		res, err := q.ExecContext(ctx, `
			UPDATE sessions SET
				title = $1, status = $2, status_updated_at = $3, priority = $4,
				agent_config = $5, model_config = $6, max_duration_seconds = $7,
				retry_count = $8, max_retries = $9, checkpoint_retention = $10,
				last_error = $11, result = $12, tags = $13, metadata = $14,
				updated_at = now(), version = version + 1
			WHERE id = $15 AND tenant_id = $16 AND version = $17 AND deleted_at IS NULL`,
			s.Title, string(s.Status), s.StatusUpdatedAt, string(s.Priority),
			agentConfig, s.ModelConfig, s.MaxDurationSeconds,
			s.RetryCount, s.MaxRetries, s.CheckpointRetention,
			s.LastError, result, tags, metadata,
			s.ID, s.TenantID, s.Version)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "failed to update session")
		}
		if err := checkVersion(res, "session", s.ID); err != nil {
			return err
		}
		s.Version++

		m := s.Metrics
		_, err = q.ExecContext(ctx, `
			UPDATE session_metrics SET
				started_at = $1, completed_at = $2, failed_at = $3,
				duration_seconds = $4, cpu_percent = $5, memory_mb = $6,
				tokens_used = $7, api_calls = $8, api_errors = $9, retries = $10,
				success_rate = $11, confidence = $12, code_quality = $13,
				checkpoint_count = $14, last_checkpoint_at = $15, cost_estimate = $16,
				version = version + 1
			WHERE session_id = $17 AND tenant_id = $18`,
			m.StartedAt, m.CompletedAt, m.FailedAt,
			m.DurationSeconds, m.CPUPercent, m.MemoryMB,
			m.TokensUsed, m.APICalls, m.APIErrors, m.Retries,
			m.SuccessRate, m.Confidence, m.CodeQuality,
			m.CheckpointCount, m.LastCheckpointAt, m.CostEstimate,
			s.ID, s.TenantID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "failed to update session metrics")
		}
		r.db.cache.Invalidate(sessionCachePrefix, s.ID.String())
		return nil
	})
}

// AppendCheckpoint persists one checkpoint row and prunes rows older than
// the session's retention window.
func (r *SessionRepository) AppendCheckpoint(ctx context.Context, s *types.Session, cp types.Checkpoint) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	data, err := jsonColumn(cp.Data)
	if err != nil {
		return err
	}
	retention := s.CheckpointRetention
	if retention <= 0 {
		retention = 100
	}

	return r.db.WithUnitOfWork(ctx, func(ctx context.Context) error {
		q := r.db.q(ctx)
		_, err := q.ExecContext(ctx, `
			INSERT INTO session_checkpoints (session_id, tenant_id, sequence, data, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			s.ID, tid, cp.Sequence, data, cp.CreatedAt)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "failed to insert checkpoint")
		}
		_, err = q.ExecContext(ctx, `
			DELETE FROM session_checkpoints
			WHERE session_id = $1 AND tenant_id = $2 AND sequence <= $3`,
			s.ID, tid, cp.Sequence-retention)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, err, "failed to prune checkpoints")
		}
		r.db.cache.Invalidate(sessionCachePrefix, s.ID.String())
		return nil
	})
}

// SoftDelete hides a session from default reads.
func (r *SessionRepository) SoftDelete(ctx context.Context, id uuid.UUID, version int64) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	res, err := r.db.q(ctx).ExecContext(ctx, `
		UPDATE sessions SET deleted_at = now(), updated_at = now(), version = version + 1
		WHERE id = $1 AND tenant_id = $2 AND version = $3 AND deleted_at IS NULL`,
		id, tid, version)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to soft delete session")
	}
	if err := checkVersion(res, "session", id); err != nil {
		return err
	}
	r.db.cache.Invalidate(sessionCachePrefix, id.String())
	return nil
}

// HardDelete removes a session and its owned rows permanently.
func (r *SessionRepository) HardDelete(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	_, err = r.db.q(ctx).ExecContext(ctx,
		"DELETE FROM sessions WHERE id = $1 AND tenant_id = $2", id, tid)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to hard delete session")
	}
	r.db.cache.Invalidate(sessionCachePrefix, id.String())
	return nil
}

func orEmptyList(v []string) interface{} {
	if v == nil {
		return []string{}
	}
	return v
}
