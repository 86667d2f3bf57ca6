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

const agentCachePrefix = "agents"

type agentRow struct {
	ID                    uuid.UUID  `db:"id"`
	TenantID              uuid.UUID  `db:"tenant_id"`
	Name                  string     `db:"name"`
	AgentType             string     `db:"agent_type"`
	Description           string     `db:"description"`
	AgentVersion          string     `db:"agent_version"`
	PrimaryCapabilities   []byte     `db:"primary_capabilities"`
	SecondaryCapabilities []byte     `db:"secondary_capabilities"`
	ModelConfig           []byte     `db:"model_config"`
	PreferredTechnologies []byte     `db:"preferred_technologies"`
	AvoidedTechnologies   []byte     `db:"avoided_technologies"`
	ComplexityPreference  string     `db:"complexity_preference"`
	PreferredSessionTypes []byte     `db:"preferred_session_types"`
	Tags                  []byte     `db:"tags"`
	Performance           []byte     `db:"performance"`
	Load                  []byte     `db:"load"`
	IsActive              bool       `db:"is_active"`
	MaintenanceMode       bool       `db:"maintenance_mode"`
	LastActiveAt          time.Time  `db:"last_active_at"`
	IsExternal            bool       `db:"is_external"`
	Endpoint              string     `db:"endpoint"`
	AuthToken             string     `db:"auth_token"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	DeletedAt             *time.Time `db:"deleted_at"`
	Version               int64      `db:"version"`
}

func (r agentRow) toAgent() (*types.Agent, error) {
	a := &types.Agent{
		ID:                   r.ID,
		TenantID:             r.TenantID,
		Name:                 r.Name,
		AgentType:            types.AgentType(r.AgentType),
		Description:          r.Description,
		AgentVersion:         r.AgentVersion,
		ComplexityPreference: types.ComplexityPreference(r.ComplexityPreference),
		IsActive:             r.IsActive,
		MaintenanceMode:      r.MaintenanceMode,
		LastActiveAt:         r.LastActiveAt,
		IsExternal:           r.IsExternal,
		Endpoint:             r.Endpoint,
		AuthToken:            r.AuthToken,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
		DeletedAt:            r.DeletedAt,
		Version:              r.Version,
	}
	for _, pair := range []struct {
		data []byte
		dst  interface{}
	}{
		{r.PrimaryCapabilities, &a.PrimaryCapabilities},
		{r.SecondaryCapabilities, &a.SecondaryCapabilities},
		{r.ModelConfig, &a.ModelConfig},
		{r.PreferredTechnologies, &a.PreferredTechnologies},
		{r.AvoidedTechnologies, &a.AvoidedTechnologies},
		{r.PreferredSessionTypes, &a.PreferredSessionTypes},
		{r.Tags, &a.Tags},
		{r.Performance, &a.Performance},
		{r.Load, &a.Load},
	} {
		if err := scanJSON(pair.data, pair.dst); err != nil {
			return nil, err
		}
	}
	return a, nil
}

const agentSelectColumns = `
	id, tenant_id, name, agent_type, description, agent_version,
	primary_capabilities, secondary_capabilities, model_config,
	preferred_technologies, avoided_technologies, complexity_preference,
	preferred_session_types, tags, performance, load,
	is_active, maintenance_mode, last_active_at, is_external, endpoint,
	auth_token, created_at, updated_at, deleted_at, version`

// AgentRepository persists agents.
type AgentRepository struct {
	db *DB
}

// Agents returns the agent repository.
func (d *DB) Agents() *AgentRepository { return &AgentRepository{db: d} }

// Insert writes an agent.
func (r *AgentRepository) Insert(ctx context.Context, a *types.Agent) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if a.TenantID != tid {
		return apperrors.New(apperrors.CodeForbidden, "agent tenant mismatch")
	}

	cols, err := agentJSONColumns(a)
	if err != nil {
		return err
	}
	_, err = r.db.q(ctx).ExecContext(ctx, `
		INSERT INTO agents (
			id, tenant_id, name, agent_type, description, agent_version,
			primary_capabilities, secondary_capabilities, model_config,
			preferred_technologies, avoided_technologies, complexity_preference,
			preferred_session_types, tags, performance, load,
			is_active, maintenance_mode, last_active_at, is_external, endpoint,
			auth_token, created_at, updated_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		a.ID, a.TenantID, a.Name, string(a.AgentType), a.Description, a.AgentVersion,
		cols.primary, cols.secondary, cols.modelConfig,
		cols.preferredTech, cols.avoidedTech, string(a.ComplexityPreference),
		cols.sessionTypes, cols.tags, cols.performance, cols.load,
		a.IsActive, a.MaintenanceMode, a.LastActiveAt, a.IsExternal, a.Endpoint,
		a.AuthToken, a.CreatedAt, a.UpdatedAt, a.Version)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to insert agent")
	}
	r.db.cache.Invalidate(agentCachePrefix, a.ID.String())
	return nil
}

// GetByID loads an agent.
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*types.Agent, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	var row agentRow
	err = r.db.q(ctx).GetContext(ctx, &row, fmt.Sprintf(`
		SELECT %s FROM agents
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, agentSelectColumns),
		id, tid)
	if err != nil {
		return nil, notFound(err, "agent", id)
	}
	return row.toAgent()
}

// List loads the tenant's live agents.
func (r *AgentRepository) List(ctx context.Context) ([]*types.Agent, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	var rows []agentRow
	err = r.db.q(ctx).SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT %s FROM agents
		WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY name`, agentSelectColumns),
		tid)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to list agents")
	}
	out := make([]*types.Agent, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Count counts the tenant's live agents; the max_agents quota reads this.
func (r *AgentRepository) Count(ctx context.Context) (int64, error) {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	err = r.db.q(ctx).GetContext(ctx, &total,
		"SELECT COUNT(*) FROM agents WHERE tenant_id = $1 AND deleted_at IS NULL", tid)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, err, "failed to count agents")
	}
	return total, nil
}

// Update persists a modified agent under optimistic locking.
func (r *AgentRepository) Update(ctx context.Context, a *types.Agent) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	if a.TenantID != tid {
		return apperrors.New(apperrors.CodeForbidden, "agent tenant mismatch")
	}
	cols, err := agentJSONColumns(a)
	if err != nil {
		return err
	}
	res, err := r.db.q(ctx).ExecContext(ctx, `
		UPDATE agents SET
			name = $1, description = $2, agent_version = $3,
			primary_capabilities = $4, secondary_capabilities = $5, model_config = $6,
			preferred_technologies = $7, avoided_technologies = $8, complexity_preference = $9,
			preferred_session_types = $10, tags = $11, performance = $12, load = $13,
			is_active = $14, maintenance_mode = $15, last_active_at = $16,
			endpoint = $17, auth_token = $18,
			updated_at = now(), version = version + 1
		WHERE id = $19 AND tenant_id = $20 AND version = $21 AND deleted_at IS NULL`,
		a.Name, a.Description, a.AgentVersion,
		cols.primary, cols.secondary, cols.modelConfig,
		cols.preferredTech, cols.avoidedTech, string(a.ComplexityPreference),
		cols.sessionTypes, cols.tags, cols.performance, cols.load,
		a.IsActive, a.MaintenanceMode, a.LastActiveAt,
		a.Endpoint, a.AuthToken,
		a.ID, a.TenantID, a.Version)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to update agent")
	}
	if err := checkVersion(res, "agent", a.ID); err != nil {
		return err
	}
	a.Version++
	r.db.cache.Invalidate(agentCachePrefix, a.ID.String())
	return nil
}

// SoftDelete hides an agent from default reads.
func (r *AgentRepository) SoftDelete(ctx context.Context, id uuid.UUID, version int64) error {
	tid, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	res, err := r.db.q(ctx).ExecContext(ctx, `
		UPDATE agents SET deleted_at = now(), updated_at = now(), version = version + 1
		WHERE id = $1 AND tenant_id = $2 AND version = $3 AND deleted_at IS NULL`,
		id, tid, version)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to soft delete agent")
	}
	if err := checkVersion(res, "agent", id); err != nil {
		return err
	}
	r.db.cache.Invalidate(agentCachePrefix, id.String())
	return nil
}

type agentCols struct {
	primary, secondary, modelConfig  []byte
	preferredTech, avoidedTech, tags []byte
	sessionTypes, performance, load  []byte
}

func agentJSONColumns(a *types.Agent) (agentCols, error) {
	var cols agentCols
	var err error
	if cols.primary, err = jsonColumn(orEmptyCaps(a.PrimaryCapabilities)); err != nil {
		return cols, err
	}
	if cols.secondary, err = jsonColumn(orEmptyCaps(a.SecondaryCapabilities)); err != nil {
		return cols, err
	}
	if cols.modelConfig, err = jsonColumn(a.ModelConfig); err != nil {
		return cols, err
	}
	if cols.preferredTech, err = jsonColumn(orEmptyList(a.PreferredTechnologies)); err != nil {
		return cols, err
	}
	if cols.avoidedTech, err = jsonColumn(orEmptyList(a.AvoidedTechnologies)); err != nil {
		return cols, err
	}
	if cols.tags, err = jsonColumn(orEmptyList(a.Tags)); err != nil {
		return cols, err
	}
	if cols.sessionTypes, err = jsonColumn(orEmptySessionTypes(a.PreferredSessionTypes)); err != nil {
		return cols, err
	}
	if cols.performance, err = jsonColumn(a.Performance); err != nil {
		return cols, err
	}
	if cols.load, err = jsonColumn(a.Load); err != nil {
		return cols, err
	}
	return cols, nil
}

func orEmptyCaps(v []types.Capability) interface{} {
	if v == nil {
		return []types.Capability{}
	}
	return v
}

func orEmptySessionTypes(v []types.SessionType) interface{} {
	if v == nil {
		return []types.SessionType{}
	}
	return v
}
