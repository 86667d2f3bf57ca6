package httpapi

import (
	"encoding/json"
	"net/http"

	"codeplane/internal/apperrors"
	"codeplane/internal/logging"
	"codeplane/internal/tenant"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// TenantHeader is the required inbound tenant identity header.
const TenantHeader = "X-Tenant-ID"

// TenantMiddleware binds the tenant context from the X-Tenant-ID header.
// Requests without a valid header are rejected before reaching the core.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		if raw == "" {
			writeError(w, r, apperrors.New(apperrors.CodeTenantRequired,
				"missing %s header", TenantHeader))
			return
		}
		tid, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, apperrors.New(apperrors.CodeTenantRequired,
				"invalid %s header", TenantHeader))
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithTenant(r.Context(), tid)))
	})
}

// errorBody is the transport error envelope: stable machine code plus a
// human message.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError is the single top-level error boundary: it logs with the
// request correlation ID and maps the error code to a status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	code := apperrors.CodeOf(err)
	if status >= 500 {
		logging.Get(logging.CategoryHTTP).Error("request %s failed: %v",
			middleware.GetReqID(r.Context()), err)
	} else {
		logging.Get(logging.CategoryHTTP).Debug("request %s rejected: %v",
			middleware.GetReqID(r.Context()), err)
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, err, "invalid request body")
	}
	return nil
}
