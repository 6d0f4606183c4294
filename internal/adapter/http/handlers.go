package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/domain/activity"
	"github.com/Strob0t/TenantForge/internal/domain/credential"
	"github.com/Strob0t/TenantForge/internal/domain/heartbeat"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/middleware"
	"github.com/Strob0t/TenantForge/internal/service"
)

const (
	defaultBodyLimit     = 1 << 20
	defaultHistoryHours  = 24
	defaultActivityLimit = 50
)

// TenantService reads tenants and manages their operational status.
type TenantService interface {
	List(ctx context.Context) ([]tenant.Tenant, error)
	GetLive(ctx context.Context, id int64) (*tenant.Tenant, error)
	SetStatus(ctx context.Context, id int64, status tenant.Status) (*tenant.Tenant, error)
}

// ProvisioningService registers, retries and removes tenants.
type ProvisioningService interface {
	Register(ctx context.Context, req *tenant.CreateRequest, admin *account.BootstrapSpec) (*service.Registration, error)
	Retry(ctx context.Context, id int64) (*tenant.Tenant, error)
	Deprovision(ctx context.Context, id int64) error
}

// DomainService manages hostnames and their verification.
type DomainService interface {
	AppURL(t *tenant.Tenant) string
	Views(t *tenant.Tenant) []service.DomainView
	AllDomains(ctx context.Context, id int64) ([]service.DomainView, error)
	AddCustomDomain(ctx context.Context, id int64, host string) (*tenant.Tenant, error)
	RemoveCustomDomain(ctx context.Context, id int64, host string) (*tenant.Tenant, error)
	SetPrimaryDomain(ctx context.Context, id int64, host string) (*tenant.Tenant, error)
	VerifyDNS(ctx context.Context, id int64, host string) (*service.DNSResult, error)
	RefreshSSL(ctx context.Context, id int64, host string) (*service.SSLResult, error)
	IsSlugAvailable(ctx context.Context, slug string, excludeID int64) (bool, error)
}

// HealthService ingests heartbeats and evaluates tenant health.
type HealthService interface {
	RecordHeartbeat(ctx context.Context, id int64, p *heartbeat.Payload) (*heartbeat.Heartbeat, error)
	HealthCheck(ctx context.Context, id int64) (*heartbeat.Report, error)
	History(ctx context.Context, id int64, hours int) ([]heartbeat.Heartbeat, error)
	PlatformSummary(ctx context.Context) (*heartbeat.PlatformSummary, error)
}

// TokenService issues service tokens.
type TokenService interface {
	Issue(ctx context.Context, id int64, req credential.IssueRequest) (*credential.Issued, error)
}

// ActivityFeed lists a tenant's audit trail.
type ActivityFeed interface {
	List(ctx context.Context, id int64, limit int) ([]activity.Entry, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Tenants      TenantService
	Provisioning ProvisioningService
	Domains      DomainService
	Health       HealthService
	Tokens       TokenService
	Activity     ActivityFeed

	// Checks are the control plane's own dependencies reported by /health.
	Checks map[string]func(context.Context) error

	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return defaultBodyLimit
}

// tenantResponse is a tenant with its derived URL and unified domain list.
type tenantResponse struct {
	*tenant.Tenant
	AppURL  string               `json:"app_url"`
	Domains []service.DomainView `json:"domains"`
}

func (h *Handlers) view(t *tenant.Tenant) tenantResponse {
	return tenantResponse{Tenant: t, AppURL: h.Domains.AppURL(t), Domains: h.Domains.Views(t)}
}

type createTenantRequest struct {
	tenant.CreateRequest
	Admin *account.BootstrapSpec `json:"admin,omitempty"`
}

type registrationResponse struct {
	Tenant            tenantResponse `json:"tenant"`
	GeneratedPassword string         `json:"generated_password,omitempty"`
}

// ListTenants handles GET /api/v1/tenants.
func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	handleList(func(ctx context.Context) ([]tenantResponse, error) {
		tenants, err := h.Tenants.List(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]tenantResponse, 0, len(tenants))
		for i := range tenants {
			out = append(out, h.view(&tenants[i]))
		}
		return out, nil
	})(w, r)
}

// GetTenant handles GET /api/v1/tenants/{id}.
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	handleTenantGet(func(ctx context.Context, id int64) (*tenantResponse, error) {
		t, err := h.Tenants.GetLive(ctx, id)
		if err != nil {
			return nil, err
		}
		v := h.view(t)
		return &v, nil
	})(w, r)
}

// CreateTenant handles POST /api/v1/tenants. The tenant is registered as
// pending and provisioning continues in the background, so the answer is 202.
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createTenantRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	reg, err := h.Provisioning.Register(r.Context(), &req.CreateRequest, req.Admin)
	if err != nil && !settled(reg, err) {
		writeDomainError(w, r, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusAccepted, registrationResponse{
		Tenant:            h.view(reg.Tenant),
		GeneratedPassword: reg.GeneratedPassword,
	})
}

// settled reports whether err is a provisioning step failure already
// recorded on the tenant, which callers see through its status.
func settled(reg *service.Registration, err error) bool {
	var stepErr *service.StepError
	return reg != nil && reg.Tenant != nil && errors.As(err, &stepErr)
}

// DeleteTenant handles DELETE /api/v1/tenants/{id}.
func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	if err := h.Provisioning.Deprovision(r.Context(), id); err != nil {
		writeDomainError(w, r, err, "tenant not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryProvisioning handles POST /api/v1/tenants/{id}/retry.
func (h *Handlers) RetryProvisioning(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	t, err := h.Provisioning.Retry(r.Context(), id)
	if err != nil && !settled(&service.Registration{Tenant: t}, err) {
		writeDomainError(w, r, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusAccepted, h.view(t))
}

type statusRequest struct {
	Status tenant.Status `json:"status"`
}

// SetTenantStatus handles PUT /api/v1/tenants/{id}/status.
func (h *Handlers) SetTenantStatus(w http.ResponseWriter, r *http.Request) {
	handleTenantAction(h.bodyLimit(), http.StatusOK, func(ctx context.Context, id int64, req *statusRequest) (*tenantResponse, error) {
		t, err := h.Tenants.SetStatus(ctx, id, req.Status)
		if err != nil {
			return nil, err
		}
		v := h.view(t)
		return &v, nil
	})(w, r)
}

// ---------------------------------------------------------------------------
// Domains
// ---------------------------------------------------------------------------

type domainRequest struct {
	Domain string `json:"domain"`
}

// ListDomains handles GET /api/v1/tenants/{id}/domains.
func (h *Handlers) ListDomains(w http.ResponseWriter, r *http.Request) {
	handleTenantList(func(ctx context.Context, _ *http.Request, id int64) ([]service.DomainView, error) {
		return h.Domains.AllDomains(ctx, id)
	})(w, r)
}

// AddDomain handles POST /api/v1/tenants/{id}/domains.
func (h *Handlers) AddDomain(w http.ResponseWriter, r *http.Request) {
	handleTenantAction(h.bodyLimit(), http.StatusCreated, func(ctx context.Context, id int64, req *domainRequest) (*[]service.DomainView, error) {
		return h.domainsAfter(h.Domains.AddCustomDomain(ctx, id, req.Domain))
	})(w, r)
}

// RemoveDomain handles DELETE /api/v1/tenants/{id}/domains/{domain}.
func (h *Handlers) RemoveDomain(w http.ResponseWriter, r *http.Request) {
	handleTenantGet(func(ctx context.Context, id int64) (*[]service.DomainView, error) {
		return h.domainsAfter(h.Domains.RemoveCustomDomain(ctx, id, urlParam(r, "domain")))
	})(w, r)
}

// SetPrimaryDomain handles PUT /api/v1/tenants/{id}/primary-domain. An empty
// domain clears the primary and falls back to the platform subdomain.
func (h *Handlers) SetPrimaryDomain(w http.ResponseWriter, r *http.Request) {
	handleTenantAction(h.bodyLimit(), http.StatusOK, func(ctx context.Context, id int64, req *domainRequest) (*[]service.DomainView, error) {
		return h.domainsAfter(h.Domains.SetPrimaryDomain(ctx, id, req.Domain))
	})(w, r)
}

func (h *Handlers) domainsAfter(t *tenant.Tenant, err error) (*[]service.DomainView, error) {
	if err != nil {
		return nil, err
	}
	views := h.Domains.Views(t)
	return &views, nil
}

// VerifyDomain handles POST /api/v1/tenants/{id}/domains/{domain}/verify.
func (h *Handlers) VerifyDomain(w http.ResponseWriter, r *http.Request) {
	handleTenantGet(func(ctx context.Context, id int64) (*service.DNSResult, error) {
		return h.Domains.VerifyDNS(ctx, id, urlParam(r, "domain"))
	})(w, r)
}

// RefreshSSL handles POST /api/v1/tenants/{id}/domains/{domain}/ssl.
func (h *Handlers) RefreshSSL(w http.ResponseWriter, r *http.Request) {
	handleTenantGet(func(ctx context.Context, id int64) (*service.SSLResult, error) {
		return h.Domains.RefreshSSL(ctx, id, urlParam(r, "domain"))
	})(w, r)
}

type slugAvailability struct {
	Slug      string `json:"slug"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// SlugAvailable handles GET /api/v1/slugs/{slug}/available. A malformed slug
// is reported as unavailable with a reason rather than as a client error.
func (h *Handlers) SlugAvailable(w http.ResponseWriter, r *http.Request) {
	slug := urlParam(r, "slug")
	var exclude int64
	if raw := r.URL.Query().Get("exclude"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "exclude must be a tenant id")
			return
		}
		exclude = v
	}
	ok, err := h.Domains.IsSlugAvailable(r.Context(), slug, exclude)
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusOK, slugAvailability{Slug: slug, Reason: err.Error()})
	case err != nil:
		writeInternalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, slugAvailability{Slug: slug, Available: ok})
	}
}

// ---------------------------------------------------------------------------
// Health, activity and tokens
// ---------------------------------------------------------------------------

// TenantHealth handles GET /api/v1/tenants/{id}/health.
func (h *Handlers) TenantHealth(w http.ResponseWriter, r *http.Request) {
	handleTenantGet(h.Health.HealthCheck)(w, r)
}

// HeartbeatHistory handles GET /api/v1/tenants/{id}/heartbeats?hours=N.
func (h *Handlers) HeartbeatHistory(w http.ResponseWriter, r *http.Request) {
	handleTenantList(func(ctx context.Context, r *http.Request, id int64) ([]heartbeat.Heartbeat, error) {
		hours, err := queryInt(r, "hours", defaultHistoryHours)
		if err != nil {
			return nil, err
		}
		return h.Health.History(ctx, id, hours)
	})(w, r)
}

// ListActivity handles GET /api/v1/tenants/{id}/activity?limit=N.
func (h *Handlers) ListActivity(w http.ResponseWriter, r *http.Request) {
	handleTenantList(func(ctx context.Context, r *http.Request, id int64) ([]activity.Entry, error) {
		limit, err := queryInt(r, "limit", defaultActivityLimit)
		if err != nil {
			return nil, err
		}
		return h.Activity.List(ctx, id, limit)
	})(w, r)
}

// IssueToken handles POST /api/v1/tenants/{id}/tokens. The plain token is
// only ever present in this response.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	handleTenantAction(h.bodyLimit(), http.StatusCreated, func(ctx context.Context, id int64, req *credential.IssueRequest) (*credential.Issued, error) {
		return h.Tokens.Issue(ctx, id, *req)
	})(w, r)
}

// PlatformHealth handles GET /api/v1/platform/health.
func (h *Handlers) PlatformHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Health.PlatformSummary(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ---------------------------------------------------------------------------
// Tenant-facing endpoints
// ---------------------------------------------------------------------------

type heartbeatAck struct {
	Status     string    `json:"status"`
	ReportedAt time.Time `json:"reported_at"`
}

// IngestHeartbeat handles POST /api/v1/heartbeat for the tenant owning the
// authenticated service token.
func (h *Handlers) IngestHeartbeat(w http.ResponseWriter, r *http.Request) {
	tok := middleware.ServiceTokenFromContext(r.Context())
	if tok == nil {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	p, ok := readJSON[heartbeat.Payload](w, r, h.bodyLimit())
	if !ok {
		return
	}
	hb, err := h.Health.RecordHeartbeat(r.Context(), tok.TenantID, &p)
	if err != nil {
		writeDomainError(w, r, err, "tenant not found")
		return
	}
	writeJSON(w, http.StatusAccepted, heartbeatAck{Status: "accepted", ReportedAt: hb.ReportedAt})
}

type tenantStatus struct {
	TenantID int64              `json:"tenant_id"`
	Slug     string             `json:"slug"`
	Driver   tenant.StoreDriver `json:"driver"`
	Store    string             `json:"store"`
	Error    string             `json:"error,omitempty"`
}

// TenantHostStatus handles GET /_tenant/status on a tenant hostname. It runs
// behind the store-resolution middleware and pings the request-scoped store.
func (h *Handlers) TenantHostStatus(w http.ResponseWriter, r *http.Request) {
	t := middleware.TenantFromContext(r.Context())
	store := middleware.StoreFromContext(r.Context())
	if t == nil || store == nil {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	res := tenantStatus{TenantID: t.ID, Slug: t.Slug, Driver: store.Driver(), Store: "ok"}
	if err := store.Ping(r.Context()); err != nil {
		res.Store, res.Error = "unreachable", err.Error()
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz handles GET /health for the control plane itself.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	res := healthStatus{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	code := http.StatusOK
	for name, check := range h.Checks {
		if err := check(r.Context()); err != nil {
			res.Checks[name] = err.Error()
			res.Status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		res.Checks[name] = "ok"
	}
	writeJSON(w, code, res)
}
