package service

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/cache"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

// Router maps inbound hostnames to tenant store handles. It is the only
// component that keeps store handles open across requests; pooled handles
// are keyed by tenant id and descriptor fingerprint.
type Router struct {
	registry *Registry
	backends tenantstore.Backends
	routes   cache.Cache
	routeTTL time.Duration
	metrics  *otel.Metrics

	mu      sync.Mutex
	pool    map[string]*pooledHandle
	lru     *list.List // front is most recently used
	poolMax int
	opens   singleflight.Group
}

type pooledHandle struct {
	key      string
	tenantID int64
	h        tenantstore.Handle
	elem     *list.Element
	refs     int
	evicted  bool
}

// NewRouter creates a Router. routes may be nil to disable route caching.
func NewRouter(registry *Registry, backends tenantstore.Backends, routes cache.Cache, cfg config.Router) *Router {
	poolMax := cfg.PoolMax
	if poolMax < 1 {
		poolMax = 1
	}
	return &Router{
		registry: registry,
		backends: backends,
		routes:   routes,
		routeTTL: cfg.RouteTTL,
		metrics:  otel.NoopMetrics(),
		pool:     make(map[string]*pooledHandle),
		lru:      list.New(),
		poolMax:  poolMax,
	}
}

// SetMetrics replaces the no-op instruments.
func (r *Router) SetMetrics(m *otel.Metrics) { r.metrics = m }

// Resolve returns a handle for the tenant answering on host. It fails closed:
// an unknown host yields domain.ErrNotFound, a tenant that is not ready yields
// domain.ErrTenantNotReady, and no handle is returned in either case. The
// caller must Close the handle when the request ends.
func (r *Router) Resolve(ctx context.Context, host string) (tenantstore.Handle, *tenant.Tenant, error) {
	host = tenant.StripPort(host)
	ctx, span := otel.StartResolveSpan(ctx, host)
	defer span.End()

	t, err := r.lookup(ctx, host)
	if err != nil {
		r.countLookup(ctx, "not_found")
		return nil, nil, err
	}
	if !t.IsReady() || t.Store == nil {
		r.countLookup(ctx, "not_ready")
		return nil, t, fmt.Errorf("tenant %s (%s): %w", t.Slug, t.ProvisioningStatus, domain.ErrTenantNotReady)
	}

	h, err := r.acquire(ctx, t)
	if err != nil {
		r.countLookup(ctx, "error")
		return nil, t, err
	}
	r.countLookup(ctx, "ok")
	return h, t, nil
}

// lookup finds the tenant for host, consulting the route cache first. Cached
// entries only carry the tenant id; the row is always re-read so readiness
// and descriptor are current.
func (r *Router) lookup(ctx context.Context, host string) (*tenant.Tenant, error) {
	key := cache.RouteHostKey(host)
	if r.routes != nil {
		if data, ok, err := r.routes.Get(ctx, key); err == nil && ok {
			if id, perr := strconv.ParseInt(string(data), 10, 64); perr == nil {
				t, gerr := r.registry.GetLive(ctx, id)
				if gerr == nil && r.registry.Claims(t, host) {
					return t, nil
				}
			}
			_ = r.routes.Delete(ctx, key)
		}
	}

	t, err := r.registry.FindByHostname(ctx, host)
	if err != nil {
		return nil, err
	}
	if r.routes != nil {
		if err := r.routes.Set(ctx, key, []byte(strconv.FormatInt(t.ID, 10)), r.routeTTL); err != nil {
			slog.DebugContext(ctx, "route cache set failed", "host", host, "error", err)
		}
	}
	return t, nil
}

func poolKey(t *tenant.Tenant) string {
	return strconv.FormatInt(t.ID, 10) + ":" + t.Store.Fingerprint()
}

// acquire leases a pooled handle for t, opening one if needed. Handles for
// the same tenant under an older descriptor are evicted.
func (r *Router) acquire(ctx context.Context, t *tenant.Tenant) (tenantstore.Handle, error) {
	key := poolKey(t)
	if lease := r.lease(key); lease != nil {
		return lease, nil
	}

	desc := *t.Store
	_, err, _ := r.opens.Do(key, func() (any, error) {
		r.mu.Lock()
		_, exists := r.pool[key]
		r.mu.Unlock()
		if exists {
			return nil, nil
		}
		backend, err := r.backends.Backend(desc.Driver)
		if err != nil {
			return nil, err
		}
		h, err := backend.Open(context.WithoutCancel(ctx), t.ID, &desc)
		if err != nil {
			return nil, fmt.Errorf("open store for tenant %d: %w", t.ID, err)
		}
		if h.TenantID() != t.ID {
			_ = h.Close()
			return nil, fmt.Errorf("store handle bound to tenant %d, want %d", h.TenantID(), t.ID)
		}
		r.insert(ctx, key, t.ID, h)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if lease := r.lease(key); lease != nil {
		return lease, nil
	}
	return nil, fmt.Errorf("store handle for tenant %d evicted during open: %w", t.ID, domain.ErrConflict)
}

func (r *Router) lease(key string) tenantstore.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pool[key]
	if !ok {
		return nil
	}
	p.refs++
	r.lru.MoveToFront(p.elem)
	return &leasedHandle{router: r, p: p}
}

func (r *Router) insert(ctx context.Context, key string, tenantID int64, h tenantstore.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pool {
		if p.tenantID == tenantID && p.key != key {
			r.evictLocked(ctx, p)
		}
	}
	p := &pooledHandle{key: key, tenantID: tenantID, h: h}
	p.elem = r.lru.PushFront(p)
	r.pool[key] = p
	r.metrics.StoreHandlesOpen.Add(ctx, 1)
	for r.lru.Len() > r.poolMax {
		oldest, _ := r.lru.Back().Value.(*pooledHandle)
		r.evictLocked(ctx, oldest)
	}
}

// evictLocked removes p from the pool. The handle is closed once no request
// holds a lease on it.
func (r *Router) evictLocked(ctx context.Context, p *pooledHandle) {
	if p.evicted {
		return
	}
	p.evicted = true
	delete(r.pool, p.key)
	r.lru.Remove(p.elem)
	r.metrics.StoreHandlesOpen.Add(ctx, -1)
	if p.refs == 0 {
		closeHandle(p)
	}
}

func (r *Router) release(p *pooledHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.refs--
	if p.evicted && p.refs == 0 {
		closeHandle(p)
	}
}

func closeHandle(p *pooledHandle) {
	if err := p.h.Close(); err != nil {
		slog.Warn("close tenant store handle", "tenant_id", p.tenantID, "error", err)
	}
}

// Invalidate drops cached routes for every hostname of t (plus extraHosts,
// typically hostnames that were just removed) and evicts its pooled handles.
func (r *Router) Invalidate(ctx context.Context, t *tenant.Tenant, extraHosts ...string) {
	hosts := append(t.Hostnames(), tenant.SubdomainHost(t.Slug, r.registry.BaseDomain()))
	r.InvalidateHosts(ctx, append(hosts, extraHosts...)...)

	r.mu.Lock()
	for _, p := range r.pool {
		if p.tenantID == t.ID {
			r.evictLocked(ctx, p)
		}
	}
	r.mu.Unlock()
}

// InvalidateHosts drops cached routes for the given hostnames.
func (r *Router) InvalidateHosts(ctx context.Context, hosts ...string) {
	if r.routes == nil {
		return
	}
	for _, h := range hosts {
		if err := r.routes.Delete(ctx, cache.RouteHostKey(h)); err != nil {
			slog.WarnContext(ctx, "route cache delete failed", "host", h, "error", err)
		}
	}
}

// ProbeStore opens a fresh, unpooled connection to t's store and pings it.
// It is used by administrative health checks and works for tenants in any
// provisioning state that have a descriptor.
func (r *Router) ProbeStore(ctx context.Context, t *tenant.Tenant) error {
	if t.Store == nil {
		return fmt.Errorf("tenant %d has no store descriptor: %w", t.ID, domain.ErrTenantNotReady)
	}
	backend, err := r.backends.Backend(t.Store.Driver)
	if err != nil {
		return err
	}
	h, err := backend.Open(ctx, t.ID, t.Store)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	return h.Ping(ctx)
}

// PoolSize reports how many handles are currently pooled.
func (r *Router) PoolSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

// Close evicts every pooled handle.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pool {
		r.evictLocked(context.Background(), p)
	}
}

func (r *Router) countLookup(ctx context.Context, outcome string) {
	r.metrics.RouteLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// leasedHandle is the request-scoped view of a pooled handle. Close releases
// the lease instead of closing the underlying connection.
type leasedHandle struct {
	router *Router
	p      *pooledHandle
	once   sync.Once
}

func (l *leasedHandle) TenantID() int64                { return l.p.h.TenantID() }
func (l *leasedHandle) Driver() tenant.StoreDriver     { return l.p.h.Driver() }
func (l *leasedHandle) Gorm() *gorm.DB                 { return l.p.h.Gorm() }
func (l *leasedHandle) Ping(ctx context.Context) error { return l.p.h.Ping(ctx) }

func (l *leasedHandle) Close() error {
	l.once.Do(func() { l.router.release(l.p) })
	return nil
}

// IsNotReady reports whether err means the tenant exists but cannot serve traffic.
func IsNotReady(err error) bool { return errors.Is(err, domain.ErrTenantNotReady) }
