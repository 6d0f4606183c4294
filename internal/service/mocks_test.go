package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/domain/activity"
	"github.com/Strob0t/TenantForge/internal/domain/credential"
	"github.com/Strob0t/TenantForge/internal/domain/heartbeat"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/port/messagequeue"
	"github.com/Strob0t/TenantForge/internal/port/netcheck"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

// --- control-plane store ---

type memStore struct {
	mu         sync.Mutex
	nextID     int64
	tenants    map[int64]*tenant.Tenant
	heartbeats []heartbeat.Heartbeat
	activity   []activity.Entry
	tokens     map[string]*credential.ServiceToken
	failNext   map[string]error
}

var _ database.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		tenants:  make(map[int64]*tenant.Tenant),
		tokens:   make(map[string]*credential.ServiceToken),
		failNext: make(map[string]error),
	}
}

func (m *memStore) injected(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

func cloneTenant(t *tenant.Tenant) *tenant.Tenant {
	c := *t
	c.CustomDomains = append([]string(nil), t.CustomDomains...)
	c.DomainStatus = make(map[string]tenant.DomainState, len(t.DomainStatus))
	for k, v := range t.DomainStatus {
		c.DomainStatus[k] = v
	}
	if t.Store != nil {
		s := *t.Store
		c.Store = &s
	}
	if t.PendingAdmin != nil {
		b := *t.PendingAdmin
		c.PendingAdmin = &b
	}
	return &c
}

func (m *memStore) CreateTenant(_ context.Context, req *tenant.CreateRequest) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Slug == req.Slug {
			return nil, fmt.Errorf("slug %s: %w", req.Slug, domain.ErrNameClaimed)
		}
	}
	m.nextID++
	now := time.Now().UTC()
	t := &tenant.Tenant{
		ID:                 m.nextID,
		Name:               req.Name,
		Slug:               req.Slug,
		CustomDomains:      []string{},
		DomainStatus:       map[string]tenant.DomainState{},
		StoreDriver:        req.Driver,
		ProvisioningStatus: tenant.ProvisioningPending,
		Status:             req.Status,
		TrialEndsAt:        req.TrialEndsAt,
		Usage:              tenant.Usage{SeatLimit: req.SeatLimit, StorageLimitMB: req.StorageLimitMB, RequestLimit: req.RequestLimit},
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.tenants[t.ID] = t
	return cloneTenant(t), nil
}

func (m *memStore) GetTenant(_ context.Context, id int64) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("GetTenant"); err != nil {
		return nil, err
	}
	t, ok := m.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %d: %w", id, domain.ErrNotFound)
	}
	return cloneTenant(t), nil
}

func (m *memStore) GetTenantBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Slug == slug && t.DeletedAt == nil {
			return cloneTenant(t), nil
		}
	}
	return nil, fmt.Errorf("slug %s: %w", slug, domain.ErrNotFound)
}

func (m *memStore) FindTenantByHostname(_ context.Context, host string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.DeletedAt == nil && (t.PrimaryDomain == host || t.HasCustomDomain(host)) {
			return cloneTenant(t), nil
		}
	}
	return nil, fmt.Errorf("host %s: %w", host, domain.ErrNotFound)
}

func (m *memStore) ListTenants(_ context.Context) ([]tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []tenant.Tenant{}
	for _, t := range m.tenants {
		if t.DeletedAt == nil {
			out = append(out, *cloneTenant(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) SlugTaken(_ context.Context, slug string, excludeID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Slug == slug && t.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) HostnameTaken(_ context.Context, host string, excludeID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostTakenLocked(host, excludeID), nil
}

func (m *memStore) hostTakenLocked(host string, excludeID int64) bool {
	for _, t := range m.tenants {
		if t.ID != excludeID && (t.PrimaryDomain == host || t.HasCustomDomain(host)) {
			return true
		}
	}
	return false
}

func (m *memStore) TransitionProvisioning(_ context.Context, id int64, u database.ProvisioningUpdate) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !tenant.CanTransition(u.From, u.To) {
		return nil, domain.ErrInvalidTransition
	}
	t, ok := m.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if t.ProvisioningStatus != u.From {
		return nil, fmt.Errorf("tenant %d is %s: %w", id, t.ProvisioningStatus, domain.ErrConflict)
	}
	t.ProvisioningStatus = u.To
	t.UpdatedAt = time.Now().UTC()
	t.ProvisioningError = ""
	if u.To == tenant.ProvisioningFailed {
		t.ProvisioningError = u.Error
	}
	if u.To == tenant.ProvisioningReady {
		now := time.Now().UTC()
		t.ProvisionedAt = &now
		t.PendingAdmin = nil
	}
	return cloneTenant(t), nil
}

func (m *memStore) SetStoreDescriptor(_ context.Context, id int64, desc *tenant.StoreDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	d := *desc
	t.Store = &d
	return nil
}

func (m *memStore) SetAdminAccount(_ context.Context, id, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.AdminAccountID = &accountID
	return nil
}

func (m *memStore) SetPendingAdmin(_ context.Context, id int64, b *account.Bootstrap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.PendingAdmin = b
	return nil
}

func (m *memStore) SetStatus(_ context.Context, id int64, status tenant.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = status
	return nil
}

func (m *memStore) UpdateDomains(_ context.Context, in *tenant.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("UpdateDomains"); err != nil {
		return err
	}
	t, ok := m.tenants[in.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Version != in.Version {
		return domain.ErrConflict
	}
	for _, h := range in.Hostnames() {
		if m.hostTakenLocked(h, in.ID) {
			return fmt.Errorf("domain %s: %w", h, domain.ErrNameClaimed)
		}
	}
	t.PrimaryDomain = in.PrimaryDomain
	t.CustomDomains = append([]string(nil), in.CustomDomains...)
	t.DomainStatus = cloneTenant(in).DomainStatus
	t.Version++
	in.Version = t.Version
	return nil
}

func (m *memStore) SetDomainState(_ context.Context, id int64, host string, state tenant.DomainState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	if _, present := t.DomainStatus[host]; present {
		t.DomainStatus[host] = state
		t.Version++
	}
	return nil
}

func (m *memStore) SoftDeleteTenant(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok || t.DeletedAt != nil {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	return nil
}

func (m *memStore) RecordHeartbeat(_ context.Context, hb *heartbeat.Heartbeat, usage heartbeat.UsageReport) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[hb.TenantID]
	if !ok {
		return false, domain.ErrNotFound
	}
	hb.ID = int64(len(m.heartbeats) + 1)
	hb.CreatedAt = time.Now().UTC()
	m.heartbeats = append(m.heartbeats, *hb)
	if t.LastHeartbeatAt != nil && hb.ReportedAt.Before(*t.LastHeartbeatAt) {
		return false, nil
	}
	at := hb.ReportedAt
	t.LastHeartbeatAt = &at
	t.AppVersion = hb.AppVersion
	t.HealthData = hb.Snapshot()
	if usage.SeatsUsed != nil {
		t.Usage.SeatsUsed = *usage.SeatsUsed
	}
	if usage.StorageUsedMB != nil {
		t.Usage.StorageUsedMB = *usage.StorageUsedMB
	}
	if usage.RequestsUsed != nil {
		t.Usage.RequestsUsed = *usage.RequestsUsed
	}
	return true, nil
}

func (m *memStore) ListHeartbeats(_ context.Context, tenantID int64, since time.Time) ([]heartbeat.Heartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []heartbeat.Heartbeat
	for _, hb := range m.heartbeats {
		if hb.TenantID == tenantID && !hb.ReportedAt.Before(since) {
			out = append(out, hb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReportedAt.After(out[j].ReportedAt) })
	return out, nil
}

func (m *memStore) PruneHeartbeats(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.heartbeats[:0]
	var n int64
	for _, hb := range m.heartbeats {
		if hb.ReportedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, hb)
	}
	m.heartbeats = kept
	return n, nil
}

func (m *memStore) AppendActivity(_ context.Context, e *activity.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.activity) + 1)
	e.CreatedAt = time.Now().UTC()
	m.activity = append(m.activity, *e)
	return nil
}

func (m *memStore) ListActivity(_ context.Context, tenantID int64, limit int) ([]activity.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []activity.Entry
	for i := len(m.activity) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.activity[i].TenantID == tenantID {
			out = append(out, m.activity[i])
		}
	}
	return out, nil
}

func (m *memStore) actions(tenantID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.activity {
		if e.TenantID == tenantID {
			out = append(out, e.Action)
		}
	}
	return out
}

func (m *memStore) CreateServiceToken(_ context.Context, tok *credential.ServiceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateServiceToken"); err != nil {
		return err
	}
	c := *tok
	c.CreatedAt = time.Now().UTC()
	m.tokens[tok.ID] = &c
	return nil
}

func (m *memStore) GetServiceTokenByHash(_ context.Context, keyHash string) (*credential.ServiceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.KeyHash == keyHash {
			if t := m.tenants[tok.TenantID]; t == nil || t.DeletedAt != nil {
				break
			}
			c := *tok
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) DeleteServiceTokens(_ context.Context, tenantID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tok := range m.tokens {
		if tok.TenantID == tenantID {
			delete(m.tokens, id)
		}
	}
	return nil
}

func (m *memStore) DeleteServiceTokensByName(_ context.Context, tenantID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tok := range m.tokens {
		if tok.TenantID == tenantID && tok.Name == name {
			delete(m.tokens, id)
		}
	}
	return nil
}

func (m *memStore) TouchServiceToken(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[id]; ok {
		tok.LastUsedAt = at
	}
	return nil
}

// backdate moves a tenant's last recorded progress d into the past.
func (m *memStore) backdate(id int64, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tenants[id]; ok {
		t.UpdatedAt = t.UpdatedAt.Add(-d)
	}
}

func (m *memStore) tokenCount(tenantID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tok := range m.tokens {
		if tok.TenantID == tenantID {
			n++
		}
	}
	return n
}

// --- isolated stores ---

// fakeStore is the state of one isolated store held by fakeBackend.
type fakeStore struct {
	migrated   int
	seeded     int
	accounts   map[string]*account.Account
	adminRoles map[int64]bool
	settings   map[string]string
}

type fakeBackend struct {
	mu       sync.Mutex
	driver   tenant.StoreDriver
	stores   map[string]*fakeStore // by database name
	ensured  int
	created  int
	dropped  int
	opens    int
	closes   int
	pingErr  error
	openErr  error
	ensureFn func() error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{driver: tenant.DriverPostgres, stores: make(map[string]*fakeStore)}
}

func (b *fakeBackend) Backend(driver tenant.StoreDriver) (tenantstore.Backend, error) {
	if driver != b.driver {
		return nil, fmt.Errorf("driver %s: %w", driver, domain.ErrValidation)
	}
	return b, nil
}

func (b *fakeBackend) Driver() tenant.StoreDriver { return b.driver }

func (b *fakeBackend) Describe(storeName string, prev *tenant.StoreDescriptor) (*tenant.StoreDescriptor, error) {
	if err := tenant.ValidateIdentifier(storeName); err != nil {
		return nil, err
	}
	password := "pw-" + storeName
	if prev != nil && prev.Username == storeName {
		password = prev.Password
	}
	return &tenant.StoreDescriptor{
		Driver: b.driver, Host: "db.internal", Port: 5432,
		Database: storeName, Username: storeName, Password: password,
	}, nil
}

func (b *fakeBackend) Ensure(_ context.Context, desc *tenant.StoreDescriptor) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensured++
	if b.ensureFn != nil {
		if err := b.ensureFn(); err != nil {
			return false, err
		}
	}
	if _, ok := b.stores[desc.Database]; ok {
		return false, nil
	}
	b.created++
	b.stores[desc.Database] = &fakeStore{
		accounts:   make(map[string]*account.Account),
		adminRoles: make(map[int64]bool),
		settings:   make(map[string]string),
	}
	return true, nil
}

func (b *fakeBackend) Drop(_ context.Context, desc *tenant.StoreDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped++
	delete(b.stores, desc.Database)
	return nil
}

func (b *fakeBackend) Open(_ context.Context, tenantID int64, desc *tenant.StoreDescriptor) (tenantstore.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	s, ok := b.stores[desc.Database]
	if !ok {
		return nil, fmt.Errorf("database %s does not exist", desc.Database)
	}
	b.opens++
	return &fakeHandle{backend: b, tenantID: tenantID, database: desc.Database, store: s}, nil
}

func (b *fakeBackend) store(name string) *fakeStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stores[name]
}

func (b *fakeBackend) counts() (created, opens, closes, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created, b.opens, b.closes, b.dropped
}

type fakeHandle struct {
	backend  *fakeBackend
	tenantID int64
	database string
	store    *fakeStore
	closed   bool
}

func (h *fakeHandle) TenantID() int64            { return h.tenantID }
func (h *fakeHandle) Driver() tenant.StoreDriver { return h.backend.driver }
func (h *fakeHandle) Gorm() *gorm.DB             { return nil }

func (h *fakeHandle) Ping(context.Context) error {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	return h.backend.pingErr
}

func (h *fakeHandle) Close() error {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.backend.closes++
	}
	return nil
}

func fake(h tenantstore.Handle) *fakeStore {
	switch v := h.(type) {
	case *fakeHandle:
		return v.store
	case *leasedHandle:
		return fake(v.p.h)
	}
	return nil
}

type fakeMigrator struct {
	mu  sync.Mutex
	err error
	fn  func(ctx context.Context) error
}

func (m *fakeMigrator) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *fakeMigrator) Migrate(ctx context.Context, h tenantstore.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.fn != nil {
		if err := m.fn(ctx); err != nil {
			return err
		}
	}
	fake(h).migrated++
	return nil
}

type fakeSeeder struct{ err error }

func (s *fakeSeeder) Seed(_ context.Context, h tenantstore.Handle) error {
	if s.err != nil {
		return s.err
	}
	fake(h).seeded++
	return nil
}

type fakeAccounts struct {
	mu      sync.Mutex
	nextID  int64
	creates int
	err     error
}

func (a *fakeAccounts) FindByEmail(_ context.Context, h tenantstore.Handle, email string) (*account.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if acc, ok := fake(h).accounts[email]; ok {
		c := *acc
		return &c, nil
	}
	return nil, nil
}

func (a *fakeAccounts) Create(_ context.Context, h tenantstore.Handle, acc *account.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.nextID++
	a.creates++
	acc.ID = a.nextID
	c := *acc
	fake(h).accounts[acc.Email] = &c
	return nil
}

func (a *fakeAccounts) AssignRole(_ context.Context, h tenantstore.Handle, accountID int64, role string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if role != account.RoleAdmin {
		return false, nil
	}
	fake(h).adminRoles[accountID] = true
	return true, nil
}

type fakeSettings struct{ err error }

func (s *fakeSettings) Put(_ context.Context, h tenantstore.Handle, name, value string) error {
	if s.err != nil {
		return s.err
	}
	fake(h).settings[name] = value
	return nil
}

// --- network checks ---

type fakeResolver struct {
	cnames map[string]string
	err    error
}

func (r *fakeResolver) LookupCNAME(_ context.Context, host string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if c, ok := r.cnames[host]; ok {
		return c, nil
	}
	return host, nil
}

type fakeInspector struct {
	cert *netcheck.Certificate
	err  error
}

func (i *fakeInspector) Inspect(context.Context, string) (*netcheck.Certificate, error) {
	if i.err != nil {
		return nil, i.err
	}
	return i.cert, nil
}

// --- wiring ---

type harness struct {
	store       *memStore
	backend     *fakeBackend
	migrator    *fakeMigrator
	seeder      *fakeSeeder
	accounts    *fakeAccounts
	settings    *fakeSettings
	resolver    *fakeResolver
	inspector   *fakeInspector
	registry    *Registry
	tokens      *TokenIssuer
	router      *Router
	provisioner *Provisioner
	domains     *DomainManager
}

func testTenancy() config.Tenancy {
	return config.Tenancy{
		Environment:     config.EnvProduction,
		BaseDomain:      "tenantforge.app",
		LocalBaseDomain: "localhost",
		DefaultDriver:   string(tenant.DriverPostgres),
	}
}

func newHarness() *harness {
	h := &harness{
		store:     newMemStore(),
		backend:   newFakeBackend(),
		migrator:  &fakeMigrator{},
		seeder:    &fakeSeeder{},
		accounts:  &fakeAccounts{},
		settings:  &fakeSettings{},
		resolver:  &fakeResolver{cnames: map[string]string{}},
		inspector: &fakeInspector{},
	}
	act := NewActivityLogger(h.store)
	h.registry = NewRegistry(h.store, act, testTenancy())
	h.tokens = NewTokenIssuer(h.store, act)
	h.router = NewRouter(h.registry, h.backend, newMapCache(), config.Router{PoolMax: 8, RouteTTL: time.Minute})
	h.registry.SetInvalidator(h.router)
	h.provisioner = NewProvisioner(h.registry, h.store, TenantStore{
		Backends: h.backend,
		Migrator: h.migrator,
		Seeder:   h.seeder,
		Accounts: h.accounts,
		Settings: h.settings,
	}, h.tokens, act, config.Provisioning{MaxConcurrent: 2, StepTimeout: 5 * time.Second})
	h.provisioner.bcryptCost = 4
	h.domains = NewDomainManager(h.registry, h.store, h.resolver, h.inspector, act, config.Health{DNSTimeout: time.Second, TLSTimeout: time.Second})
	return h
}

// mapCache is a minimal cache.Cache for route caching tests.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// register creates and synchronously provisions a tenant.
func (h *harness) register(t *testing.T, slug string, admin *account.BootstrapSpec) *tenant.Tenant {
	t.Helper()
	reg, err := h.provisioner.Register(context.Background(), &tenant.CreateRequest{Name: slug, Slug: slug}, admin)
	if err != nil {
		t.Fatalf("register %s: %v", slug, err)
	}
	return reg.Tenant
}

// --- queue ---

type published struct {
	subject string
	data    []byte
}

type fakeQueue struct {
	mu         sync.Mutex
	msgs       []published
	publishErr error
	handler    messagequeue.Handler
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.msgs = append(q.msgs, published{subject: subject, data: data})
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, _ string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.msgs))
	for i, m := range q.msgs {
		out[i] = m.subject
	}
	return out
}

func (q *fakeQueue) first(subject string) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.msgs {
		if m.subject == subject {
			return m.data
		}
	}
	return nil
}
