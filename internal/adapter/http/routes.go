package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/TenantForge/internal/domain/credential"
	"github.com/Strob0t/TenantForge/internal/middleware"
	"github.com/Strob0t/TenantForge/internal/port/cache"
)

// RouteConfig carries the authentication and request-shaping dependencies
// of the route tree. Nil Idempotency or RateLimit disables that middleware;
// a nil Feed leaves the event stream unmounted.
type RouteConfig struct {
	AdminKey    middleware.KeySource
	Tokens      middleware.TokenAuthenticator
	Resolver    middleware.StoreResolver
	Idempotency cache.Cache
	RateLimit   *middleware.RateLimiter
	Feed        http.Handler
}

// MountRoutes registers all routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, rc RouteConfig) {
	r.Get("/health", h.Healthz)

	r.Group(func(r chi.Router) {
		if rc.RateLimit != nil {
			r.Use(rc.RateLimit.Handler)
		}

		// Tenant hostnames: fail closed before any handler sees the request.
		r.Route("/_tenant", func(r chi.Router) {
			r.Use(middleware.TenantStore(rc.Resolver))
			r.Get("/status", h.TenantHostStatus)
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{"service": "tenantforge", "api": "v1"})
			})

			// Tenant-facing, authenticated by service token.
			r.With(middleware.ServiceToken(rc.Tokens, credential.ScopeHeartbeatWrite)).
				Post("/heartbeat", h.IngestHeartbeat)

			// Operator API.
			r.Group(func(r chi.Router) {
				r.Use(middleware.AdminKey(rc.AdminKey))
				r.Use(Actor("admin"))

				create := http.HandlerFunc(h.CreateTenant)
				if rc.Idempotency != nil {
					r.With(middleware.Idempotency(rc.Idempotency, middleware.IdempotencyTTL)).Post("/tenants", create)
				} else {
					r.Post("/tenants", create)
				}
				r.Get("/tenants", h.ListTenants)

				r.Route("/tenants/{id}", func(r chi.Router) {
					r.Get("/", h.GetTenant)
					r.Delete("/", h.DeleteTenant)
					r.Post("/retry", h.RetryProvisioning)
					r.Put("/status", h.SetTenantStatus)

					r.Get("/domains", h.ListDomains)
					r.Post("/domains", h.AddDomain)
					r.Delete("/domains/{domain}", h.RemoveDomain)
					r.Post("/domains/{domain}/verify", h.VerifyDomain)
					r.Post("/domains/{domain}/ssl", h.RefreshSSL)
					r.Put("/primary-domain", h.SetPrimaryDomain)

					r.Get("/health", h.TenantHealth)
					r.Get("/heartbeats", h.HeartbeatHistory)
					r.Get("/activity", h.ListActivity)
					r.Post("/tokens", h.IssueToken)
				})

				r.Get("/slugs/{slug}/available", h.SlugAvailable)
				r.Get("/platform/health", h.PlatformHealth)
				if rc.Feed != nil {
					r.Method(http.MethodGet, "/events", rc.Feed)
				}
			})
		})
	})
}
