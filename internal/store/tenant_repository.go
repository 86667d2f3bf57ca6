package store

import (
	"context"
	"time"

	"codeplane/internal/apperrors"
	"codeplane/internal/types"

	"github.com/google/uuid"
)

// TenantRepository reads tenants. Tenants are created out-of-band; the core
// only loads them and edits quotas.
type TenantRepository struct {
	db *DB
}

// Tenants returns the tenant repository.
func (d *DB) Tenants() *TenantRepository { return &TenantRepository{db: d} }

type tenantRow struct {
	ID        uuid.UUID  `db:"id"`
	Name      string     `db:"name"`
	Tier      string     `db:"tier"`
	Quotas    []byte     `db:"quotas"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
	Version   int64      `db:"version"`
}

// GetByID loads a tenant. This is a global operation: the tenant context is
// being established from it, not read by it.
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*types.Tenant, error) {
	var row tenantRow
	err := r.db.q(ctx).GetContext(ctx, &row, `
		SELECT id, name, tier, quotas, created_at, updated_at, deleted_at, version
		FROM tenants WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, notFound(err, "tenant", id)
	}
	t := &types.Tenant{
		ID:        row.ID,
		Name:      row.Name,
		Tier:      types.TenantTier(row.Tier),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		DeletedAt: row.DeletedAt,
		Version:   row.Version,
	}
	if err := scanJSON(row.Quotas, &t.Quotas); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateQuotas edits a tenant's quotas under optimistic locking.
func (r *TenantRepository) UpdateQuotas(ctx context.Context, t *types.Tenant) error {
	quotas, err := jsonColumn(t.Quotas)
	if err != nil {
		return err
	}
	res, err := r.db.q(ctx).ExecContext(ctx, `
		UPDATE tenants SET quotas = $1, updated_at = now(), version = version + 1
		WHERE id = $2 AND version = $3 AND deleted_at IS NULL`,
		quotas, t.ID, t.Version)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "failed to update tenant quotas")
	}
	if err := checkVersion(res, "tenant", t.ID); err != nil {
		return err
	}
	t.Version++
	return nil
}
