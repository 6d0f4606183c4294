package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"

	"github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/domain/activity"
	"github.com/Strob0t/TenantForge/internal/domain/credential"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/logger"
	"github.com/Strob0t/TenantForge/internal/port/broadcast"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/port/messagequeue"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
	"github.com/Strob0t/TenantForge/internal/workpool"
)

// Provisioning step names, recorded in StepError and the activity log.
const (
	StepAllocate = "allocate store"
	StepMigrate  = "migrate schema"
	StepAdmin    = "bootstrap admin"
	StepSeed     = "seed reference data"
	StepToken    = "issue credential"
	StepReady    = "mark ready"
	StepTeardown = "drop store"
)

// TokenSetting is the tenant-store setting that receives the plain service
// token issued during provisioning.
const TokenSetting = "control_plane_token"

const provisionTokenName = "provisioning"

// provisionSteps is the number of steps in one run, including the final
// transition to ready. A run with no recorded progress for longer than
// provisionSteps step timeouts cannot still be alive.
const provisionSteps = 6

// TenantStore collaborators used by the provisioner.
type TenantStore struct {
	Backends tenantstore.Backends
	Migrator tenantstore.Migrator
	Seeder   tenantstore.Seeder
	Accounts tenantstore.Accounts
	Settings tenantstore.Settings
}

// Provisioner turns a registered tenant into a running isolated environment.
// Runs for one tenant are strictly sequential; different tenants proceed in
// parallel up to the pool limit.
type Provisioner struct {
	registry *Registry
	store    database.Store
	ts       TenantStore
	tokens   *TokenIssuer
	activity *ActivityLogger
	events   eventPublisher
	queue    messagequeue.Queue
	pool     *workpool.Pool
	locks    *keyedMutex
	metrics  *otel.Metrics

	stepTimeout time.Duration
	staleAfter  time.Duration
	reapEvery   time.Duration
	async       bool
	bcryptCost  int
	now         func() time.Time

	// Background runs started by Enqueue; Close cancels and waits for them.
	mu     sync.Mutex
	closed bool
	bg     context.Context
	stop   context.CancelFunc
	runs   sync.WaitGroup
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(registry *Registry, store database.Store, ts TenantStore, tokens *TokenIssuer, act *ActivityLogger, cfg config.Provisioning) *Provisioner {
	staleAfter := cfg.StaleAfter
	if floor := provisionSteps * cfg.StepTimeout; staleAfter < floor {
		staleAfter = floor
	}
	bg, stop := context.WithCancel(context.Background())
	return &Provisioner{
		registry:    registry,
		store:       store,
		ts:          ts,
		tokens:      tokens,
		activity:    act,
		pool:        workpool.New(cfg.MaxConcurrent),
		locks:       newKeyedMutex(),
		metrics:     otel.NoopMetrics(),
		stepTimeout: cfg.StepTimeout,
		staleAfter:  staleAfter,
		reapEvery:   cfg.ReapInterval,
		async:       cfg.Async,
		bcryptCost:  bcrypt.DefaultCost,
		now:         func() time.Time { return time.Now().UTC() },
		bg:          bg,
		stop:        stop,
	}
}

// SetQueue routes provision jobs and lifecycle events through q.
func (p *Provisioner) SetQueue(q messagequeue.Queue) {
	p.queue = q
	p.events.queue = q
}

// SetFeed pushes deprovisioned events to connected operators.
func (p *Provisioner) SetFeed(b broadcast.Broadcaster) { p.events.feed = b }

// SetMetrics replaces the no-op instruments.
func (p *Provisioner) SetMetrics(m *otel.Metrics) { p.metrics = m }

// Registration is the result of Register. GeneratedPassword is set only when
// the caller did not supply an admin password, and is shown once.
type Registration struct {
	Tenant            *tenant.Tenant `json:"tenant"`
	GeneratedPassword string         `json:"generated_password,omitempty"`
}

// Register creates a pending tenant, stores the sealed admin bootstrap and
// schedules provisioning.
func (p *Provisioner) Register(ctx context.Context, req *tenant.CreateRequest, admin *account.BootstrapSpec) (*Registration, error) {
	var sealed *account.Bootstrap
	var generated string
	if admin != nil {
		admin.Normalize()
		if err := admin.Validate(); err != nil {
			return nil, err
		}
		password := admin.Password
		if password == "" {
			pw, err := generatePassword()
			if err != nil {
				return nil, err
			}
			password, generated = pw, pw
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), p.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		sealed = &account.Bootstrap{Name: admin.Name, Email: admin.Email, PasswordHash: string(hash)}
	}

	t, err := p.registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if sealed != nil {
		if err := p.store.SetPendingAdmin(ctx, t.ID, sealed); err != nil {
			return nil, fmt.Errorf("store admin bootstrap: %w", err)
		}
		t.PendingAdmin = sealed
	}

	if err := p.Enqueue(ctx, t.ID, false); err != nil {
		// Synchronous runs report the step failure; the tenant is persisted
		// either way.
		current, gerr := p.store.GetTenant(ctx, t.ID)
		if gerr == nil {
			t = current
		}
		return &Registration{Tenant: t, GeneratedPassword: generated}, err
	}
	if current, err := p.store.GetTenant(ctx, t.ID); err == nil {
		t = current
	}
	return &Registration{Tenant: t, GeneratedPassword: generated}, nil
}

// Enqueue schedules a provisioning run. With a queue the job is published;
// without one it runs on a goroutine, or inline when async is disabled.
func (p *Provisioner) Enqueue(ctx context.Context, tenantID int64, retry bool) error {
	if p.queue != nil {
		data, err := json.Marshal(messagequeue.ProvisionPayload{
			TenantID:  tenantID,
			Retry:     retry,
			RequestID: logger.RequestID(ctx),
		})
		if err != nil {
			return fmt.Errorf("marshal provision job: %w", err)
		}
		err = p.queue.Publish(ctx, messagequeue.SubjectProvision, data)
		if err == nil {
			slog.InfoContext(ctx, "provision job queued", "tenant_id", tenantID, "retry", retry)
			return nil
		}
		slog.WarnContext(ctx, "provision job publish failed, running in process", "tenant_id", tenantID, "error", err)
	}

	if !p.async {
		return p.Provision(ctx, tenantID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProvisionerClosed
	}
	p.runs.Add(1)
	p.mu.Unlock()

	// The run outlives the request but not the provisioner.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	detach := context.AfterFunc(p.bg, cancel)
	go func() {
		defer p.runs.Done()
		defer detach()
		defer cancel()
		if err := p.Provision(runCtx, tenantID); err != nil {
			slog.ErrorContext(runCtx, "provisioning run failed", "tenant_id", tenantID, "error", err)
		}
	}()
	return nil
}

// Close cancels in-process runs and waits until each has recorded its
// outcome. Interrupted runs end failed and can be retried. Enqueue fails with
// ErrProvisionerClosed afterwards.
func (p *Provisioner) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stop()
	p.runs.Wait()
}

// StartWorker subscribes to provision jobs. The returned function cancels the
// subscription.
func (p *Provisioner) StartWorker(ctx context.Context) (func(), error) {
	if p.queue == nil {
		return func() {}, nil
	}
	return p.queue.Subscribe(ctx, messagequeue.SubjectProvision, p.HandleJob)
}

// HandleJob runs one queued provision job. Outcomes already recorded on the
// tenant are acknowledged; infrastructure errors are returned for redelivery.
func (p *Provisioner) HandleJob(ctx context.Context, _ string, data []byte) error {
	var job messagequeue.ProvisionPayload
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("decode provision job: %w", err)
	}
	if job.RequestID != "" {
		ctx = logger.WithRequestID(ctx, job.RequestID)
	}
	ctx = logger.WithTenantID(ctx, job.TenantID)

	err := p.Provision(ctx, job.TenantID)
	var stepErr *StepError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &stepErr),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrNotFound):
		slog.InfoContext(ctx, "provision job settled", "tenant_id", job.TenantID, "outcome", err.Error())
		return nil
	default:
		return err
	}
}

// Provision drives a pending or failed tenant through every provisioning step.
// A failing step leaves the tenant failed with a StepError naming the step;
// partial state stays in place for Retry.
func (p *Provisioner) Provision(ctx context.Context, tenantID int64) error {
	unlock := p.locks.Lock(tenantID)
	defer unlock()
	return p.pool.Run(ctx, func(ctx context.Context) error {
		return p.run(ctx, tenantID)
	})
}

// Retry re-runs provisioning for a failed tenant. The stored error is cleared
// when the new attempt transitions to running.
func (p *Provisioner) Retry(ctx context.Context, tenantID int64) (*tenant.Tenant, error) {
	t, err := p.registry.GetLive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.ProvisioningStatus == tenant.ProvisioningRunning && p.stale(t) {
		if t, err = p.reap(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	if t.ProvisioningStatus != tenant.ProvisioningFailed {
		return nil, fmt.Errorf("retry from %s: %w", t.ProvisioningStatus, domain.ErrInvalidTransition)
	}
	runErr := p.Enqueue(ctx, tenantID, true)
	if current, err := p.store.GetTenant(ctx, tenantID); err == nil {
		t = current
	}
	return t, runErr
}

func (p *Provisioner) run(ctx context.Context, tenantID int64) error {
	t, err := p.registry.GetLive(ctx, tenantID)
	if err != nil {
		return err
	}
	ctx, span := otel.StartProvisionSpan(ctx, t.ID, t.Slug)
	defer span.End()
	started := time.Now()

	// The caller holds the tenant lock, so a stale running row belongs to a
	// run that died with its process.
	if t.ProvisioningStatus == tenant.ProvisioningRunning && p.stale(t) {
		if t, err = p.markInterrupted(ctx, t); err != nil {
			return err
		}
	}

	t, err = p.registry.Transition(ctx, t, tenant.ProvisioningRunning, "")
	if err != nil {
		return err
	}
	p.metrics.ProvisioningStarted.Add(ctx, 1)
	slog.InfoContext(ctx, "provisioning started", "tenant_id", t.ID, "slug", t.Slug)

	run := &provisionRun{p: p, t: t}
	defer run.closeHandle()

	steps := []struct {
		name  string
		fatal bool
		fn    func(context.Context) error
	}{
		{StepAllocate, true, run.allocate},
		{StepMigrate, true, run.migrate},
		{StepAdmin, true, run.bootstrapAdmin},
		{StepSeed, false, run.seed},
		{StepToken, true, run.issueCredential},
	}
	for _, s := range steps {
		err := p.step(ctx, t.ID, s.name, s.fn)
		if err == nil {
			continue
		}
		if !s.fatal {
			slog.WarnContext(ctx, "non-fatal provisioning step failed", "tenant_id", t.ID, "step", s.name, "error", err)
			p.activity.Log(ctx, t.ID, activity.ActionSeedFailed, "%s failed: %v", s.name, err)
			continue
		}
		return p.fail(ctx, run.t, &StepError{Step: s.name, Err: err}, started)
	}

	if _, err := p.registry.Transition(ctx, run.t, tenant.ProvisioningReady, ""); err != nil {
		return p.fail(ctx, run.t, &StepError{Step: StepReady, Err: err}, started)
	}
	p.metrics.ProvisioningCompleted.Add(ctx, 1)
	p.metrics.ProvisioningDuration.Record(ctx, time.Since(started).Seconds())
	slog.InfoContext(ctx, "provisioning completed", "tenant_id", t.ID, "slug", t.Slug, "duration", time.Since(started))
	return nil
}

// step runs fn under the per-step timeout inside its own span.
func (p *Provisioner) step(ctx context.Context, tenantID int64, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stepCtx, span := otel.StartStepSpan(ctx, name)
	defer span.End()
	if p.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, p.stepTimeout)
		defer cancel()
	}
	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.activity.Log(ctx, tenantID, activity.ActionProvisioningStep, "%s completed", name)
	return nil
}

// fail records the failure on the tenant even if ctx was cancelled.
func (p *Provisioner) fail(ctx context.Context, t *tenant.Tenant, stepErr *StepError, started time.Time) error {
	persistCtx := context.WithoutCancel(ctx)
	current := t
	if fresh, err := p.store.GetTenant(persistCtx, t.ID); err == nil {
		current = fresh
	}
	if current.ProvisioningStatus == tenant.ProvisioningRunning {
		if _, err := p.registry.Transition(persistCtx, current, tenant.ProvisioningFailed, stepErr.Error()); err != nil {
			slog.ErrorContext(ctx, "record provisioning failure", "tenant_id", t.ID, "error", err)
		}
	}
	p.metrics.ProvisioningFailed.Add(persistCtx, 1)
	p.metrics.ProvisioningDuration.Record(persistCtx, time.Since(started).Seconds())
	slog.ErrorContext(ctx, "provisioning failed", "tenant_id", t.ID, "step", stepErr.Step, "error", stepErr.Err)
	return stepErr
}

// provisionRun carries state between the steps of one run.
type provisionRun struct {
	p       *Provisioner
	t       *tenant.Tenant
	backend tenantstore.Backend
	handle  tenantstore.Handle
}

func (r *provisionRun) allocate(ctx context.Context) error {
	backend, err := r.p.ts.Backends.Backend(r.t.StoreDriver)
	if err != nil {
		return err
	}
	r.backend = backend

	desc, err := backend.Describe(tenant.StoreName(r.t.Slug), r.t.Store)
	if err != nil {
		return err
	}
	created, err := backend.Ensure(ctx, desc)
	if err != nil {
		return err
	}
	if r.t.Store == nil || r.t.Store.Fingerprint() != desc.Fingerprint() {
		if err := r.p.store.SetStoreDescriptor(ctx, r.t.ID, desc); err != nil {
			return fmt.Errorf("persist descriptor: %w", err)
		}
		r.t.Store = desc
		r.p.registry.invalidate(ctx, r.t)
	}
	if created {
		slog.InfoContext(ctx, "isolated store created", "tenant_id", r.t.ID, "driver", desc.Driver)
	} else {
		slog.InfoContext(ctx, "isolated store already present", "tenant_id", r.t.ID, "driver", desc.Driver)
	}
	return nil
}

func (r *provisionRun) migrate(ctx context.Context) error {
	h, err := r.backend.Open(ctx, r.t.ID, r.t.Store)
	if err != nil {
		return err
	}
	if h.TenantID() != r.t.ID {
		_ = h.Close()
		return fmt.Errorf("store handle bound to tenant %d, want %d", h.TenantID(), r.t.ID)
	}
	r.handle = h
	return r.p.ts.Migrator.Migrate(ctx, h)
}

// bootstrapAdmin creates the administrator once. An existing account with the
// same email is adopted, so re-running the step never duplicates it.
func (r *provisionRun) bootstrapAdmin(ctx context.Context) error {
	spec := r.t.PendingAdmin
	if spec == nil {
		return nil
	}
	acc, err := r.p.ts.Accounts.FindByEmail(ctx, r.handle, spec.Email)
	if err != nil {
		return err
	}
	if acc == nil {
		acc = &account.Account{Name: spec.Name, Email: spec.Email, PasswordHash: spec.PasswordHash}
		if err := r.p.ts.Accounts.Create(ctx, r.handle, acc); err != nil {
			return err
		}
	}
	attached, err := r.p.ts.Accounts.AssignRole(ctx, r.handle, acc.ID, account.RoleAdmin)
	if err != nil {
		return err
	}
	if !attached {
		slog.WarnContext(ctx, "admin role missing in tenant store", "tenant_id", r.t.ID)
	}
	if err := r.p.store.SetAdminAccount(ctx, r.t.ID, acc.ID); err != nil {
		return fmt.Errorf("record admin account: %w", err)
	}
	id := acc.ID
	r.t.AdminAccountID = &id
	return nil
}

func (r *provisionRun) seed(ctx context.Context) error {
	return r.p.ts.Seeder.Seed(ctx, r.handle)
}

// issueCredential replaces the provisioning token with a fresh one and hands
// the plain value to the tenant environment through its own store. Tokens
// issued by operators survive a retry.
func (r *provisionRun) issueCredential(ctx context.Context) error {
	if err := r.p.tokens.RevokeNamed(ctx, r.t.ID, provisionTokenName); err != nil {
		return fmt.Errorf("revoke previous provisioning token: %w", err)
	}
	issued, err := r.p.tokens.Issue(ctx, r.t.ID, credential.IssueRequest{
		Name:   provisionTokenName,
		Scopes: credential.BaselineScopes,
	})
	if err != nil {
		return err
	}
	return r.p.ts.Settings.Put(ctx, r.handle, TokenSetting, issued.PlainToken)
}

func (r *provisionRun) closeHandle() {
	if r.handle != nil {
		_ = r.handle.Close()
	}
}

// Deprovision drops the isolated store and soft-deletes the tenant. It refuses
// to run while provisioning for the tenant is in flight.
func (p *Provisioner) Deprovision(ctx context.Context, tenantID int64) error {
	unlock, ok := p.locks.TryLock(tenantID)
	if !ok {
		return fmt.Errorf("tenant %d is being provisioned: %w", tenantID, domain.ErrConflict)
	}
	defer unlock()

	t, err := p.registry.GetLive(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.ProvisioningStatus == tenant.ProvisioningRunning && !p.stale(t) {
		return fmt.Errorf("tenant %d is being provisioned: %w", tenantID, domain.ErrConflict)
	}

	if t.Store != nil {
		if err := p.dropStore(ctx, t); err != nil {
			slog.WarnContext(ctx, "drop isolated store failed", "tenant_id", t.ID, "step", StepTeardown, "error", err)
		}
	}
	p.registry.invalidate(ctx, t)
	if err := p.tokens.Revoke(ctx, t.ID); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	if err := p.store.SoftDeleteTenant(ctx, t.ID); err != nil {
		return err
	}
	p.activity.Log(ctx, t.ID, activity.ActionDeprovisioned, "tenant %s deprovisioned", t.Slug)
	p.events.publish(ctx, t, messagequeue.EventDeprovisioned, "")
	slog.InfoContext(ctx, "tenant deprovisioned", "tenant_id", t.ID, "slug", t.Slug)
	return nil
}

func (p *Provisioner) dropStore(ctx context.Context, t *tenant.Tenant) error {
	backend, err := p.ts.Backends.Backend(t.Store.Driver)
	if err != nil {
		return err
	}
	if p.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.stepTimeout)
		defer cancel()
	}
	return backend.Drop(ctx, t.Store)
}

// stale reports whether a running tenant has made no recorded progress for
// longer than any live run could take.
func (p *Provisioner) stale(t *tenant.Tenant) bool {
	return p.now().Sub(t.UpdatedAt) > p.staleAfter
}

// markInterrupted moves a running tenant to failed so Retry can resume it.
func (p *Provisioner) markInterrupted(ctx context.Context, t *tenant.Tenant) (*tenant.Tenant, error) {
	msg := fmt.Sprintf("interrupted: no progress since %s", t.UpdatedAt.UTC().Format(time.RFC3339))
	failed, err := p.registry.Transition(context.WithoutCancel(ctx), t, tenant.ProvisioningFailed, msg)
	if err != nil {
		return nil, fmt.Errorf("mark tenant %d interrupted: %w", t.ID, err)
	}
	p.metrics.ProvisioningFailed.Add(ctx, 1)
	slog.WarnContext(ctx, "provisioning run interrupted", "tenant_id", t.ID, "slug", t.Slug, "last_progress", t.UpdatedAt)
	return failed, nil
}

// reap marks one stale running tenant interrupted unless a run in this
// process holds it.
func (p *Provisioner) reap(ctx context.Context, tenantID int64) (*tenant.Tenant, error) {
	unlock, ok := p.locks.TryLock(tenantID)
	if !ok {
		return nil, fmt.Errorf("tenant %d is being provisioned: %w", tenantID, domain.ErrConflict)
	}
	defer unlock()
	t, err := p.registry.GetLive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.ProvisioningStatus != tenant.ProvisioningRunning || !p.stale(t) {
		return t, nil
	}
	return p.markInterrupted(ctx, t)
}

// ReapInterrupted moves every stale running tenant to failed and returns how
// many it moved.
func (p *Provisioner) ReapInterrupted(ctx context.Context) (int, error) {
	tenants, err := p.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	n := 0
	for i := range tenants {
		t := &tenants[i]
		if t.ProvisioningStatus != tenant.ProvisioningRunning || !p.stale(t) {
			continue
		}
		reaped, err := p.reap(ctx, t.ID)
		if err != nil {
			if isConflict(err) || isNotFound(err) {
				continue
			}
			return n, err
		}
		if reaped.ProvisioningStatus == tenant.ProvisioningFailed {
			n++
		}
	}
	return n, nil
}

// RunReaper reaps once immediately, then on every interval tick until ctx is
// cancelled.
func (p *Provisioner) RunReaper(ctx context.Context) {
	reapOnce := func() {
		n, err := p.ReapInterrupted(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "reap interrupted provisioning failed", "error", err)
			return
		}
		if n > 0 {
			slog.InfoContext(ctx, "interrupted provisioning runs marked failed", "count", n)
		}
	}
	reapOnce()
	if p.reapEvery <= 0 {
		return
	}
	ticker := time.NewTicker(p.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reapOnce()
		}
	}
}

func generatePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(b), nil
}
