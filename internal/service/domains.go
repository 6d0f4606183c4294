package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/activity"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/broadcast"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/port/messagequeue"
	"github.com/Strob0t/TenantForge/internal/port/netcheck"
)

// maxDomainWriteAttempts bounds optimistic-lock retries for domain edits.
const maxDomainWriteAttempts = 3

// DNSResult is the outcome of a CNAME verification. Lookup failures are
// reported in Error and never returned as Go errors.
type DNSResult struct {
	Domain   string `json:"domain"`
	Verified bool   `json:"verified"`
	Expected string `json:"expected"`
	Found    string `json:"found,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SSLResult is the outcome of an informational TLS inspection.
type SSLResult struct {
	Domain    string     `json:"domain"`
	Valid     bool       `json:"valid"`
	Issuer    string     `json:"issuer,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Domain view types.
const (
	DomainTypeSubdomain = "subdomain"
	DomainTypeCustom    = "custom"
)

// DomainView is one entry of the unified domain list.
type DomainView struct {
	Domain    string                   `json:"domain"`
	Type      string                   `json:"type"`
	IsPrimary bool                     `json:"is_primary"`
	URL       string                   `json:"url"`
	DNS       tenant.VerificationState `json:"dns"`
	SSL       tenant.VerificationState `json:"ssl"`
	AddedAt   *time.Time               `json:"added_at,omitempty"`
}

// DomainManager registers custom hostnames and runs best-effort DNS and TLS
// verification against them.
type DomainManager struct {
	registry  *Registry
	store     database.Store
	resolver  netcheck.Resolver
	inspector netcheck.CertInspector
	activity  *ActivityLogger
	events    eventPublisher

	dnsTimeout time.Duration
	tlsTimeout time.Duration
	now        func() time.Time
}

// NewDomainManager creates a DomainManager.
func NewDomainManager(registry *Registry, store database.Store, resolver netcheck.Resolver, inspector netcheck.CertInspector, act *ActivityLogger, cfg config.Health) *DomainManager {
	return &DomainManager{
		registry:   registry,
		store:      store,
		resolver:   resolver,
		inspector:  inspector,
		activity:   act,
		dnsTimeout: cfg.DNSTimeout,
		tlsTimeout: cfg.TLSTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetQueue enables domain_changed events.
func (m *DomainManager) SetQueue(q messagequeue.Queue) { m.events.queue = q }

// SetFeed pushes domain_changed events to connected operators.
func (m *DomainManager) SetFeed(b broadcast.Broadcaster) { m.events.feed = b }

// SubdomainHost returns the implicit "{slug}.{base}" hostname of t.
func (m *DomainManager) SubdomainHost(t *tenant.Tenant) string {
	return tenant.SubdomainHost(t.Slug, m.registry.BaseDomain())
}

// SubdomainURL returns the URL of t's implicit subdomain.
func (m *DomainManager) SubdomainURL(t *tenant.Tenant) string {
	return m.registry.Scheme() + "://" + m.SubdomainHost(t)
}

// AppURL returns the primary domain URL, or the subdomain URL when none is set.
func (m *DomainManager) AppURL(t *tenant.Tenant) string {
	if t.PrimaryDomain != "" {
		return m.registry.Scheme() + "://" + t.PrimaryDomain
	}
	return m.SubdomainURL(t)
}

// IsSlugAvailable reports whether slug is well-formed and unclaimed by any
// tenant other than excludeID, soft-deleted ones included.
func (m *DomainManager) IsSlugAvailable(ctx context.Context, slug string, excludeID int64) (bool, error) {
	slug = tenant.NormalizeSlug(slug)
	if err := tenant.ValidateSlug(slug); err != nil {
		return false, err
	}
	taken, err := m.store.SlugTaken(ctx, slug, excludeID)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

// AddCustomDomain normalizes raw and attaches it to the tenant with pending
// DNS and SSL state. Adding a hostname the tenant already owns is a no-op.
func (m *DomainManager) AddCustomDomain(ctx context.Context, tenantID int64, raw string) (*tenant.Tenant, error) {
	host, err := m.normalizeCustom(raw)
	if err != nil {
		return nil, err
	}
	added := false
	t, err := m.editDomains(ctx, tenantID, func(t *tenant.Tenant) (bool, error) {
		if t.HasCustomDomain(host) || t.PrimaryDomain == host {
			return false, nil
		}
		if err := m.ensureUnclaimed(ctx, host, t.ID); err != nil {
			return false, err
		}
		m.attach(t, host)
		added = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if added {
		m.activity.Log(ctx, t.ID, activity.ActionDomainAdded, "domain %s added", host)
	}
	return t, nil
}

// RemoveCustomDomain detaches host and drops its status entry. Removing the
// primary domain also clears it. Absent hostnames are a no-op.
func (m *DomainManager) RemoveCustomDomain(ctx context.Context, tenantID int64, raw string) (*tenant.Tenant, error) {
	host, err := tenant.NormalizeHostname(raw)
	if err != nil {
		return nil, err
	}
	removed := false
	t, err := m.editDomains(ctx, tenantID, func(t *tenant.Tenant) (bool, error) {
		if !t.HasCustomDomain(host) && t.PrimaryDomain != host {
			return false, nil
		}
		t.CustomDomains = slices.DeleteFunc(t.CustomDomains, func(d string) bool { return d == host })
		if t.PrimaryDomain == host {
			t.PrimaryDomain = ""
		}
		delete(t.DomainStatus, host)
		removed = true
		return true, nil
	}, host)
	if err != nil {
		return nil, err
	}
	if removed {
		m.activity.Log(ctx, t.ID, activity.ActionDomainRemoved, "domain %s removed", host)
	}
	return t, nil
}

// SetPrimaryDomain sets the primary hostname, claiming it as a custom domain
// if needed. An empty raw value falls back to the subdomain.
func (m *DomainManager) SetPrimaryDomain(ctx context.Context, tenantID int64, raw string) (*tenant.Tenant, error) {
	host := ""
	if strings.TrimSpace(raw) != "" {
		h, err := m.normalizeCustom(raw)
		if err != nil {
			return nil, err
		}
		host = h
	}

	var before string
	t, err := m.editDomains(ctx, tenantID, func(t *tenant.Tenant) (bool, error) {
		before = t.PrimaryDomain
		if before == host {
			return false, nil
		}
		if host != "" && !t.HasCustomDomain(host) {
			if err := m.ensureUnclaimed(ctx, host, t.ID); err != nil {
				return false, err
			}
			m.attach(t, host)
		}
		t.PrimaryDomain = host
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if before != host {
		m.activity.Log(ctx, t.ID, activity.ActionPrimaryDomainSet, "primary domain %s -> %s", orSubdomain(before), orSubdomain(host))
	}
	return t, nil
}

func orSubdomain(host string) string {
	if host == "" {
		return "(subdomain)"
	}
	return host
}

// VerifyDNS checks that host's CNAME points at the tenant's subdomain and
// records the result. Lookup failures leave the state pending.
func (m *DomainManager) VerifyDNS(ctx context.Context, tenantID int64, raw string) (*DNSResult, error) {
	t, host, err := m.ownedHost(ctx, tenantID, raw)
	if err != nil {
		return nil, err
	}
	expected := m.SubdomainHost(t)
	res := &DNSResult{Domain: host, Expected: expected}

	lookupCtx, cancel := m.withTimeout(ctx, m.dnsTimeout)
	defer cancel()
	found, lerr := m.resolver.LookupCNAME(lookupCtx, host)
	if lerr != nil {
		res.Error = lerr.Error()
	} else {
		res.Found = found
		res.Verified = strings.EqualFold(found, expected)
		if !res.Verified {
			res.Error = fmt.Sprintf("CNAME points to %s, expected %s", found, expected)
		}
	}

	now := m.now()
	state := currentState(t, host, now)
	state.DNSCheckedAt = &now
	state.DNS = tenant.StatePending
	if res.Verified {
		state.DNS = tenant.StateActive
	}
	if err := m.store.SetDomainState(ctx, t.ID, host, state); err != nil {
		return nil, err
	}
	if res.Verified {
		m.activity.Log(ctx, t.ID, activity.ActionDomainVerified, "dns verified for %s", host)
	}
	slog.InfoContext(ctx, "dns verification", "tenant_id", t.ID, "domain", host, "verified", res.Verified, "found", res.Found)
	return res, nil
}

// CheckSSLStatus inspects the certificate host presents on the HTTPS port.
// The trust chain is not validated; failures are reported in Error.
func (m *DomainManager) CheckSSLStatus(ctx context.Context, raw string) *SSLResult {
	host, err := tenant.NormalizeHostname(raw)
	if err != nil {
		return &SSLResult{Domain: raw, Error: err.Error()}
	}
	res := &SSLResult{Domain: host}

	inspectCtx, cancel := m.withTimeout(ctx, m.tlsTimeout)
	defer cancel()
	cert, err := m.inspector.Inspect(inspectCtx, host)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Issuer = cert.Issuer
	res.Subject = cert.Subject
	expires := cert.NotAfter
	res.ExpiresAt = &expires

	now := m.now()
	switch {
	case now.Before(cert.NotBefore):
		res.Error = "certificate not yet valid"
	case now.After(cert.NotAfter):
		res.Error = "certificate expired"
	case !certCovers(cert, host):
		res.Error = "certificate does not cover " + host
	default:
		res.Valid = true
	}
	return res
}

// RefreshSSL runs CheckSSLStatus for one of the tenant's hostnames and
// records the ssl state.
func (m *DomainManager) RefreshSSL(ctx context.Context, tenantID int64, raw string) (*SSLResult, error) {
	t, host, err := m.ownedHost(ctx, tenantID, raw)
	if err != nil {
		return nil, err
	}
	res := m.CheckSSLStatus(ctx, host)

	now := m.now()
	state := currentState(t, host, now)
	state.SSLCheckedAt = &now
	state.SSL = tenant.StatePending
	if res.Valid {
		state.SSL = tenant.StateActive
	}
	if err := m.store.SetDomainState(ctx, t.ID, host, state); err != nil {
		return nil, err
	}
	return res, nil
}

// AllDomains returns the subdomain followed by every custom hostname, with
// exactly one entry marked primary.
func (m *DomainManager) AllDomains(ctx context.Context, tenantID int64) ([]DomainView, error) {
	t, err := m.registry.GetLive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.Views(t), nil
}

// Views builds the unified domain list for t.
func (m *DomainManager) Views(t *tenant.Tenant) []DomainView {
	sub := m.SubdomainHost(t)
	out := []DomainView{{
		Domain:    sub,
		Type:      DomainTypeSubdomain,
		IsPrimary: t.PrimaryDomain == "",
		URL:       m.SubdomainURL(t),
		DNS:       tenant.StateActive,
		SSL:       tenant.StateActive,
	}}
	for _, host := range t.Hostnames() {
		v := DomainView{
			Domain:    host,
			Type:      DomainTypeCustom,
			IsPrimary: host == t.PrimaryDomain,
			URL:       m.registry.Scheme() + "://" + host,
			DNS:       tenant.StatePending,
			SSL:       tenant.StatePending,
		}
		if st, ok := t.DomainStatus[host]; ok {
			v.DNS, v.SSL = st.DNS, st.SSL
			added := st.AddedAt
			v.AddedAt = &added
		}
		out = append(out, v)
	}
	return out
}

// editDomains applies fn to a fresh copy of the tenant and persists it with
// optimistic locking, retrying on concurrent modification. fn returns false
// when nothing changed.
func (m *DomainManager) editDomains(ctx context.Context, tenantID int64, fn func(*tenant.Tenant) (bool, error), removedHosts ...string) (*tenant.Tenant, error) {
	var lastErr error
	for range maxDomainWriteAttempts {
		t, err := m.registry.GetLive(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if t.DomainStatus == nil {
			t.DomainStatus = make(map[string]tenant.DomainState)
		}
		changed, err := fn(t)
		if err != nil {
			return nil, err
		}
		if !changed {
			return t, nil
		}
		err = m.store.UpdateDomains(ctx, t)
		if err == nil {
			m.registry.invalidate(ctx, t, removedHosts...)
			m.events.publish(ctx, t, messagequeue.EventDomainChanged, "")
			return t, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (m *DomainManager) attach(t *tenant.Tenant, host string) {
	t.CustomDomains = append(t.CustomDomains, host)
	t.DomainStatus[host] = tenant.NewDomainState(m.now())
}

func (m *DomainManager) ensureUnclaimed(ctx context.Context, host string, tenantID int64) error {
	taken, err := m.store.HostnameTaken(ctx, host, tenantID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("domain %s: %w", host, domain.ErrNameClaimed)
	}
	return nil
}

// normalizeCustom normalizes a custom hostname and rejects the base domain
// and hostnames beneath it, which are served implicitly.
func (m *DomainManager) normalizeCustom(raw string) (string, error) {
	host, err := tenant.NormalizeHostname(raw)
	if err != nil {
		return "", err
	}
	base := m.registry.BaseDomain()
	if base != "" && (host == base || strings.HasSuffix(host, "."+base)) {
		return "", fmt.Errorf("domain %s is under the platform domain %s: %w", host, base, domain.ErrValidation)
	}
	return host, nil
}

func (m *DomainManager) ownedHost(ctx context.Context, tenantID int64, raw string) (*tenant.Tenant, string, error) {
	host, err := tenant.NormalizeHostname(raw)
	if err != nil {
		return nil, "", err
	}
	t, err := m.registry.GetLive(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	if !t.HasCustomDomain(host) && t.PrimaryDomain != host {
		return nil, "", fmt.Errorf("domain %s on tenant %d: %w", host, tenantID, domain.ErrNotFound)
	}
	return t, host, nil
}

func (m *DomainManager) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func currentState(t *tenant.Tenant, host string, now time.Time) tenant.DomainState {
	if st, ok := t.DomainStatus[host]; ok {
		return st
	}
	return tenant.NewDomainState(now)
}

// certCovers reports whether the certificate names host, honouring
// single-label wildcards.
func certCovers(cert *netcheck.Certificate, host string) bool {
	for _, name := range cert.DNSNames {
		name = strings.ToLower(name)
		if name == host {
			return true
		}
		if rest, ok := strings.CutPrefix(name, "*."); ok {
			if i := strings.IndexByte(host, '.'); i > 0 && host[i+1:] == rest {
				return true
			}
		}
	}
	return false
}
