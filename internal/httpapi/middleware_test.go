package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"codeplane/internal/apperrors"
	"codeplane/internal/tenant"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantMiddlewareRejectsMissingHeader(t *testing.T) {
	handler := TenantMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a tenant")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "TENANT_REQUIRED")
}

func TestTenantMiddlewareRejectsMalformedHeader(t *testing.T) {
	handler := TenantMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run with a bad tenant")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set(TenantHeader, "not-a-uuid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantMiddlewareBindsContext(t *testing.T) {
	tid := uuid.New()
	var got uuid.UUID
	handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		got, err = tenant.FromContext(r.Context())
		require.NoError(t, err)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set(TenantHeader, tid.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, tid, got)
}

func TestWriteErrorMapsCodes(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"VALIDATION", http.StatusBadRequest},
		{"NOT_FOUND", http.StatusNotFound},
		{"INVALID_TRANSITION", http.StatusConflict},
		{"QUOTA_EXCEEDED", http.StatusTooManyRequests},
		{"COORDINATION_UNAVAILABLE", http.StatusServiceUnavailable},
		{"EXECUTOR_FAILED", http.StatusBadGateway},
		{"TIMEOUT", http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(rec, req, apperrors.New(apperrors.Code(tt.code), "synthetic"))
		assert.Equal(t, tt.want, rec.Code, tt.code)
		assert.Contains(t, rec.Body.String(), tt.code)
	}
}
