package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/logger"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

type tenantCtxKey struct{}
type storeCtxKey struct{}

// StoreResolver maps a Host header to the tenant and a leased store handle.
type StoreResolver interface {
	Resolve(ctx context.Context, host string) (tenantstore.Handle, *tenant.Tenant, error)
}

// TenantStore resolves the request's Host to a tenant store and places the
// handle in the request context for the duration of the request. It fails
// closed: unknown hosts get 404 and tenants that are not ready get 503.
func TenantStore(resolver StoreResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h, t, err := resolver.Resolve(r.Context(), r.Host)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrNotFound):
				writeJSONError(w, http.StatusNotFound, "unknown tenant")
				return
			case errors.Is(err, domain.ErrTenantNotReady):
				w.Header().Set("Retry-After", "30")
				writeJSONError(w, http.StatusServiceUnavailable, "tenant not ready")
				return
			default:
				slog.ErrorContext(r.Context(), "tenant store resolution failed", "host", r.Host, "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, "tenant store unavailable")
				return
			}
			defer func() { _ = h.Close() }()

			ctx := context.WithValue(r.Context(), tenantCtxKey{}, t)
			ctx = context.WithValue(ctx, storeCtxKey{}, h)
			ctx = logger.WithTenantID(ctx, t.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext returns the tenant resolved by TenantStore.
func TenantFromContext(ctx context.Context) *tenant.Tenant {
	t, _ := ctx.Value(tenantCtxKey{}).(*tenant.Tenant)
	return t
}

// StoreFromContext returns the request-scoped store handle resolved by
// TenantStore. The handle must not outlive the request.
func StoreFromContext(ctx context.Context) tenantstore.Handle {
	h, _ := ctx.Value(storeCtxKey{}).(tenantstore.Handle)
	return h
}
