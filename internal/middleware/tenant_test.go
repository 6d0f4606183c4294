package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"gorm.io/gorm"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/middleware"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

type stubHandle struct {
	tenantID int64
	closed   bool
}

func (h *stubHandle) TenantID() int64            { return h.tenantID }
func (h *stubHandle) Driver() tenant.StoreDriver { return tenant.DriverSQLite }
func (h *stubHandle) Gorm() *gorm.DB             { return nil }
func (h *stubHandle) Ping(context.Context) error { return nil }

func (h *stubHandle) Close() error {
	h.closed = true
	return nil
}

type stubResolver struct {
	handles map[string]*stubHandle
	errs    map[string]error
}

func (s stubResolver) Resolve(_ context.Context, host string) (tenantstore.Handle, *tenant.Tenant, error) {
	if err, ok := s.errs[host]; ok {
		return nil, nil, err
	}
	h, ok := s.handles[host]
	if !ok {
		return nil, nil, fmt.Errorf("host %s: %w", host, domain.ErrNotFound)
	}
	return h, &tenant.Tenant{ID: h.tenantID, Slug: "acme"}, nil
}

func TestTenantStoreScopesHandleToRequest(t *testing.T) {
	acme := &stubHandle{tenantID: 1}
	resolver := stubResolver{handles: map[string]*stubHandle{"acme.tenantforge.app": acme}}

	var seen tenantstore.Handle
	var seenTenant *tenant.Tenant
	handler := middleware.TenantStore(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.StoreFromContext(r.Context())
		seenTenant = middleware.TenantFromContext(r.Context())
		if acme.closed {
			t.Error("handle closed before the handler ran")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/_tenant/status", http.NoBody)
	req.Host = "acme.tenantforge.app"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen != acme || seenTenant.ID != 1 {
		t.Fatalf("wrong handle or tenant in context: %v %+v", seen, seenTenant)
	}
	if !acme.closed {
		t.Fatal("handle must be released when the request ends")
	}
}

func TestTenantStoreFailsClosed(t *testing.T) {
	resolver := stubResolver{errs: map[string]error{
		"pending.tenantforge.app": fmt.Errorf("tenant pending: %w", domain.ErrTenantNotReady),
		"broken.tenantforge.app":  errors.New("dial tcp: connection refused"),
	}}
	called := false
	handler := middleware.TenantStore(resolver)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	tests := []struct {
		host string
		want int
	}{
		{"unknown.tenantforge.app", http.StatusNotFound},
		{"pending.tenantforge.app", http.StatusServiceUnavailable},
		{"broken.tenantforge.app", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.Host = tt.host
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if called {
		t.Fatal("handler must not run without a resolved store")
	}
}
