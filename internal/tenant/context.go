// Package tenant carries the current tenant identity through the logical
// execution of a request. Repositories and the coordination store read it to
// scope every operation; a missing tenant outside explicitly global work is
// an error, not a default.
package tenant

import (
	"context"

	"codeplane/internal/apperrors"

	"github.com/google/uuid"
)

type contextKey int

const (
	tenantKey contextKey = iota
	globalKey
)

// WithTenant binds a tenant ID to ctx. Work spawned on behalf of the same
// request inherits the binding through the derived context; work for a
// different tenant must rebind.
func WithTenant(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantKey, id)
}

// WithGlobal marks ctx as explicitly tenant-less, for operations that are
// global by design (health checks, registry sweeps).
func WithGlobal(ctx context.Context) context.Context {
	return context.WithValue(ctx, globalKey, true)
}

// IsGlobal reports whether ctx was marked via WithGlobal.
func IsGlobal(ctx context.Context) bool {
	v, _ := ctx.Value(globalKey).(bool)
	return v
}

// FromContext returns the bound tenant ID, or TENANT_REQUIRED if none is
// bound and the context is not global.
func FromContext(ctx context.Context) (uuid.UUID, error) {
	if id, ok := ctx.Value(tenantKey).(uuid.UUID); ok && id != uuid.Nil {
		return id, nil
	}
	if IsGlobal(ctx) {
		return uuid.Nil, nil
	}
	return uuid.Nil, apperrors.New(apperrors.CodeTenantRequired, "no tenant bound to context")
}

// MustFromContext returns the bound tenant ID and panics when absent. Only
// for call sites that middleware already guards.
func MustFromContext(ctx context.Context) uuid.UUID {
	id, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return id
}
