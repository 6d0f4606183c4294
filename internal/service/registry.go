// Package service implements the tenant control plane on top of ports.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/activity"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/broadcast"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/port/messagequeue"
)

// RouteInvalidator drops any cached routing state for a tenant.
type RouteInvalidator interface {
	Invalidate(ctx context.Context, t *tenant.Tenant, extraHosts ...string)
}

// Registry owns the canonical tenant record and its provisioning state machine.
type Registry struct {
	store       database.Store
	activity    *ActivityLogger
	events      eventPublisher
	invalidator RouteInvalidator
	metrics     *otel.Metrics

	defaultDriver tenant.StoreDriver
	baseDomain    string
	https         bool
}

// NewRegistry creates a Registry. The base domain is chosen by environment.
func NewRegistry(store database.Store, act *ActivityLogger, cfg config.Tenancy) *Registry {
	base := cfg.LocalBaseDomain
	if cfg.IsProduction() {
		base = cfg.BaseDomain
	}
	return &Registry{
		store:         store,
		activity:      act,
		metrics:       otel.NoopMetrics(),
		defaultDriver: tenant.StoreDriver(cfg.DefaultDriver),
		baseDomain:    base,
		https:         cfg.IsProduction(),
	}
}

// SetQueue enables lifecycle event publishing.
func (r *Registry) SetQueue(q messagequeue.Queue) { r.events.queue = q }

// SetFeed pushes lifecycle events to connected operators.
func (r *Registry) SetFeed(b broadcast.Broadcaster) { r.events.feed = b }

// SetInvalidator registers the router whose caches follow tenant changes.
func (r *Registry) SetInvalidator(inv RouteInvalidator) { r.invalidator = inv }

// SetMetrics replaces the no-op instruments.
func (r *Registry) SetMetrics(m *otel.Metrics) { r.metrics = m }

// BaseDomain returns the domain under which tenant subdomains live.
func (r *Registry) BaseDomain() string { return r.baseDomain }

// Scheme returns the URL scheme used for tenant links.
func (r *Registry) Scheme() string {
	if r.https {
		return "https"
	}
	return "http"
}

// Create validates and persists a new pending tenant.
func (r *Registry) Create(ctx context.Context, req *tenant.CreateRequest) (*tenant.Tenant, error) {
	req.Normalize(r.defaultDriver)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t, err := r.store.CreateTenant(ctx, req)
	if err != nil {
		return nil, err
	}
	r.metrics.TenantsCreated.Add(ctx, 1)
	r.activity.Log(ctx, t.ID, activity.ActionTenantCreated, "tenant %s registered (driver %s)", t.Slug, t.StoreDriver)
	r.events.publish(ctx, t, messagequeue.EventCreated, "")
	slog.InfoContext(ctx, "tenant registered", "tenant_id", t.ID, "slug", t.Slug)
	return t, nil
}

// Get returns a tenant by id, including soft-deleted ones.
func (r *Registry) Get(ctx context.Context, id int64) (*tenant.Tenant, error) {
	return r.store.GetTenant(ctx, id)
}

// GetLive returns a tenant by id and reports soft-deleted tenants as not found.
func (r *Registry) GetLive(ctx context.Context, id int64) (*tenant.Tenant, error) {
	t, err := r.store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.DeletedAt != nil {
		return nil, fmt.Errorf("tenant %d: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

// List returns all live tenants.
func (r *Registry) List(ctx context.Context) ([]tenant.Tenant, error) {
	return r.store.ListTenants(ctx)
}

// Transition moves t to the given provisioning status. Legal moves are
// pending→running, running→ready|failed and failed→running.
func (r *Registry) Transition(ctx context.Context, t *tenant.Tenant, to tenant.ProvisioningStatus, errMsg string) (*tenant.Tenant, error) {
	from := t.ProvisioningStatus
	if !tenant.CanTransition(from, to) {
		return nil, fmt.Errorf("tenant %d %s -> %s: %w", t.ID, from, to, domain.ErrInvalidTransition)
	}
	updated, err := r.store.TransitionProvisioning(ctx, t.ID, database.ProvisioningUpdate{From: from, To: to, Error: errMsg})
	if err != nil {
		return nil, err
	}

	switch to {
	case tenant.ProvisioningRunning:
		action := activity.ActionProvisioningStarted
		if from == tenant.ProvisioningFailed {
			action = activity.ActionProvisioningRetry
		}
		r.activity.Log(ctx, t.ID, action, "provisioning %s -> running", from)
		r.events.publish(ctx, updated, messagequeue.EventProvisioning, "")
	case tenant.ProvisioningReady:
		r.activity.Log(ctx, t.ID, activity.ActionProvisioningReady, "provisioning completed")
		r.events.publish(ctx, updated, messagequeue.EventReady, "")
	case tenant.ProvisioningFailed:
		r.activity.Log(ctx, t.ID, activity.ActionProvisioningFailed, "provisioning failed: %s", errMsg)
		r.events.publish(ctx, updated, messagequeue.EventFailed, errMsg)
	}
	r.invalidate(ctx, updated)
	return updated, nil
}

// FindByHostname resolves host to a live tenant: an exact custom-domain
// match first, then the first label of a subdomain of the base domain.
func (r *Registry) FindByHostname(ctx context.Context, host string) (*tenant.Tenant, error) {
	host = tenant.StripPort(host)
	if host == "" {
		return nil, fmt.Errorf("empty hostname: %w", domain.ErrNotFound)
	}
	t, err := r.store.FindTenantByHostname(ctx, host)
	if err == nil {
		return t, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	slug, ok := tenant.SlugFromHost(host, r.baseDomain)
	if !ok {
		return nil, fmt.Errorf("hostname %s: %w", host, domain.ErrNotFound)
	}
	return r.store.GetTenantBySlug(ctx, slug)
}

// Claims reports whether t currently answers on host.
func (r *Registry) Claims(t *tenant.Tenant, host string) bool {
	if t.DeletedAt != nil {
		return false
	}
	if host == t.PrimaryDomain || t.HasCustomDomain(host) {
		return true
	}
	slug, ok := tenant.SlugFromHost(host, r.baseDomain)
	return ok && slug == t.Slug
}

// SetStatus changes the operational status, independent of provisioning.
func (r *Registry) SetStatus(ctx context.Context, id int64, status tenant.Status) (*tenant.Tenant, error) {
	if !tenant.ValidStatuses[status] {
		return nil, fmt.Errorf("unknown status %q: %w", status, domain.ErrValidation)
	}
	t, err := r.GetLive(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return t, nil
	}
	if err := r.store.SetStatus(ctx, id, status); err != nil {
		return nil, err
	}
	r.activity.Log(ctx, id, activity.ActionStatusChanged, "status %s -> %s", t.Status, status)
	return r.store.GetTenant(ctx, id)
}

func (r *Registry) invalidate(ctx context.Context, t *tenant.Tenant, extraHosts ...string) {
	if r.invalidator != nil && t != nil {
		r.invalidator.Invalidate(ctx, t, extraHosts...)
	}
}
