package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/envoyai/agentcore/internal/storage"
)

// TenantHeader carries the opaque tenant identifier supplied by the
// authentication layer in front of the API.
const TenantHeader = "X-Tenant-ID"

type tenantKey struct{}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TenantScope resolves the request's tenant. In multi-tenant mode the
// tenant header is required; otherwise every request runs as
// storage.NoTenant and the header is ignored.
func TenantScope(multiTenant bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := storage.NoTenant
			if multiTenant {
				tenant = strings.TrimSpace(r.Header.Get(TenantHeader))
				if tenant == "" || tenant == storage.NoTenant {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "%s header is required", TenantHeader)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
		})
	}
}

// TenantFrom returns the tenant resolved by TenantScope.
func TenantFrom(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey{}).(string); ok {
		return t
	}
	return storage.NoTenant
}
