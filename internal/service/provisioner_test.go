package service

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/domain/activity"
	"github.com/Strob0t/TenantForge/internal/domain/credential"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/port/messagequeue"
)

func adminSpec() *account.BootstrapSpec {
	return &account.BootstrapSpec{Name: "Ada", Email: "Admin@Acme.test", Password: "correct-horse"}
}

func TestProvisionReachesReady(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	tn := h.register(t, "acme", adminSpec())

	if tn.ProvisioningStatus != tenant.ProvisioningReady {
		t.Fatalf("status = %s, want ready (error %q)", tn.ProvisioningStatus, tn.ProvisioningError)
	}
	if tn.Store == nil || tn.Store.Database != "tenant_acme" {
		t.Fatalf("unexpected descriptor %+v", tn.Store)
	}
	if tn.ProvisionedAt == nil {
		t.Fatal("provisioned_at not stamped")
	}
	if tn.AdminAccountID == nil {
		t.Fatal("admin account id not recorded")
	}
	if tn.PendingAdmin != nil {
		t.Fatal("pending admin should be cleared once ready")
	}

	st := h.backend.store("tenant_acme")
	if st.migrated != 1 || st.seeded != 1 {
		t.Fatalf("migrated=%d seeded=%d, want 1/1", st.migrated, st.seeded)
	}
	acc := st.accounts["admin@acme.test"]
	if acc == nil || acc.ID != *tn.AdminAccountID {
		t.Fatalf("admin account missing or mismatched: %+v", acc)
	}
	if !st.adminRoles[acc.ID] {
		t.Fatal("admin role not attached")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte("correct-horse")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}

	plain := st.settings[TokenSetting]
	tok, err := h.tokens.Authenticate(ctx, plain)
	if err != nil {
		t.Fatalf("issued token does not authenticate: %v", err)
	}
	if tok.TenantID != tn.ID || !slices.Equal(tok.Scopes, []string{"heartbeat:write", "sync:read", "sync:write"}) {
		t.Fatalf("unexpected token %+v", tok)
	}

	actions := h.store.actions(tn.ID)
	for _, want := range []string{activity.ActionTenantCreated, activity.ActionProvisioningStarted, activity.ActionTokenIssued, activity.ActionProvisioningReady} {
		if !slices.Contains(actions, want) {
			t.Errorf("activity log missing %s: %v", want, actions)
		}
	}
}

func TestRegisterGeneratesAdminPassword(t *testing.T) {
	h := newHarness()
	spec := adminSpec()
	spec.Password = ""

	reg, err := h.provisioner.Register(context.Background(), &tenant.CreateRequest{Name: "Acme", Slug: "acme"}, spec)
	if err != nil {
		t.Fatal(err)
	}
	if reg.GeneratedPassword == "" {
		t.Fatal("expected a generated password")
	}
	acc := h.backend.store("tenant_acme").accounts["admin@acme.test"]
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(reg.GeneratedPassword)); err != nil {
		t.Fatalf("generated password does not match stored hash: %v", err)
	}
}

func TestRegisterRejectsInvalidAdminBeforeCreating(t *testing.T) {
	h := newHarness()
	_, err := h.provisioner.Register(context.Background(), &tenant.CreateRequest{Name: "Acme", Slug: "acme"},
		&account.BootstrapSpec{Name: "Ada", Email: "not-an-email"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ts, _ := h.store.ListTenants(context.Background()); len(ts) != 0 {
		t.Fatalf("no tenant should be created, got %d", len(ts))
	}
}

func TestProvisionFailsAtMigrationThenRetrySucceeds(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.migrator.setErr(errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	reg, err := h.provisioner.Register(ctx, &tenant.CreateRequest{Name: "Acme", Slug: "acme"}, adminSpec())
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepMigrate {
		t.Fatalf("expected migrate StepError, got %v", err)
	}
	tn := reg.Tenant
	if tn.ProvisioningStatus != tenant.ProvisioningFailed {
		t.Fatalf("status = %s, want failed", tn.ProvisioningStatus)
	}
	if tn.ProvisioningError != "migrate schema: dial tcp 10.0.0.5:5432: connection refused" {
		t.Fatalf("unexpected error text %q", tn.ProvisioningError)
	}
	if tn.Store == nil {
		t.Fatal("descriptor of the created store must survive the failure")
	}
	if tn.PendingAdmin == nil {
		t.Fatal("pending admin must survive for the retry")
	}

	h.migrator.setErr(nil)
	tn, err = h.provisioner.Retry(ctx, tn.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if tn.ProvisioningStatus != tenant.ProvisioningReady || tn.ProvisioningError != "" {
		t.Fatalf("after retry status=%s error=%q", tn.ProvisioningStatus, tn.ProvisioningError)
	}
	if created, _, _, _ := h.backend.counts(); created != 1 {
		t.Fatalf("store created %d times, want 1", created)
	}
	if !slices.Contains(h.store.actions(tn.ID), activity.ActionProvisioningRetry) {
		t.Fatal("retry not recorded in activity log")
	}
}

func TestProvisionAgainAfterAdminStepDoesNotDuplicateAccount(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.settings.err = errors.New("settings table locked")

	reg, err := h.provisioner.Register(ctx, &tenant.CreateRequest{Name: "Acme", Slug: "acme"}, adminSpec())
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepToken {
		t.Fatalf("expected credential StepError, got %v", err)
	}
	if h.accounts.creates != 1 {
		t.Fatalf("admin created %d times, want 1", h.accounts.creates)
	}

	h.settings.err = nil
	if err := h.provisioner.Provision(ctx, reg.Tenant.ID); err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if h.accounts.creates != 1 {
		t.Fatalf("admin created %d times after second run, want 1", h.accounts.creates)
	}
	tn, _ := h.registry.Get(ctx, reg.Tenant.ID)
	if tn.ProvisioningStatus != tenant.ProvisioningReady {
		t.Fatalf("status = %s", tn.ProvisioningStatus)
	}
	if n := h.store.tokenCount(tn.ID); n != 1 {
		t.Fatalf("want exactly one live token, got %d", n)
	}
}

func TestSeedFailureIsNonFatal(t *testing.T) {
	h := newHarness()
	h.seeder.err = errors.New("duplicate key")

	tn := h.register(t, "acme", nil)
	if tn.ProvisioningStatus != tenant.ProvisioningReady {
		t.Fatalf("status = %s, want ready", tn.ProvisioningStatus)
	}
	if !slices.Contains(h.store.actions(tn.ID), activity.ActionSeedFailed) {
		t.Fatal("seed failure not recorded")
	}
}

func TestProvisionWithoutAdminSkipsBootstrap(t *testing.T) {
	h := newHarness()
	tn := h.register(t, "acme", nil)
	if tn.AdminAccountID != nil || h.accounts.creates != 0 {
		t.Fatal("no admin should be created without a bootstrap spec")
	}
}

func TestProvisionReadyTenantIsRejected(t *testing.T) {
	h := newHarness()
	tn := h.register(t, "acme", nil)
	if err := h.provisioner.Provision(context.Background(), tn.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	h := newHarness()
	tn := h.register(t, "acme", nil)
	if _, err := h.provisioner.Retry(context.Background(), tn.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelledProvisionLeavesFailedAndResumes(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	h.migrator.fn = func(stepCtx context.Context) error {
		cancel()
		<-stepCtx.Done()
		return stepCtx.Err()
	}

	tn, err := h.registry.Create(context.Background(), &tenant.CreateRequest{Name: "Acme", Slug: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.provisioner.Provision(ctx, tn.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	tn, _ = h.registry.Get(context.Background(), tn.ID)
	if tn.ProvisioningStatus != tenant.ProvisioningFailed || !strings.HasPrefix(tn.ProvisioningError, StepMigrate) {
		t.Fatalf("status=%s error=%q", tn.ProvisioningStatus, tn.ProvisioningError)
	}

	h.migrator.fn = nil
	if _, err := h.provisioner.Retry(context.Background(), tn.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if created, _, _, _ := h.backend.counts(); created != 1 {
		t.Fatalf("store created %d times, want 1", created)
	}
}

func TestDeprovisionDropsStoreAndKeepsSlugClaimed(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tn := h.register(t, "acme", nil)

	if err := h.provisioner.Deprovision(ctx, tn.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, _, dropped := h.backend.counts(); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if n := h.store.tokenCount(tn.ID); n != 0 {
		t.Fatalf("tokens left: %d", n)
	}
	if _, err := h.registry.GetLive(ctx, tn.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted tenant should be not found, got %v", err)
	}
	if _, _, err := h.router.Resolve(ctx, "acme.tenantforge.app"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("resolve after delete: %v", err)
	}
	ok, err := h.domains.IsSlugAvailable(ctx, "acme", 0)
	if err != nil || ok {
		t.Fatalf("slug of deleted tenant must stay claimed, available=%v err=%v", ok, err)
	}
	if _, err := h.provisioner.Register(ctx, &tenant.CreateRequest{Name: "Again", Slug: "acme"}, nil); !errors.Is(err, domain.ErrNameClaimed) {
		t.Fatalf("expected name claimed, got %v", err)
	}
}

func TestDeprovisionRefusedDuringProvisioning(t *testing.T) {
	h := newHarness()
	tn, err := h.registry.Create(context.Background(), &tenant.CreateRequest{Name: "Acme", Slug: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	unlock := h.provisioner.locks.Lock(tn.ID)
	defer unlock()

	if err := h.provisioner.Deprovision(context.Background(), tn.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRegisterWithQueuePublishesJobWithoutSecrets(t *testing.T) {
	h := newHarness()
	q := &fakeQueue{}
	h.registry.SetQueue(q)
	h.provisioner.SetQueue(q)

	reg, err := h.provisioner.Register(context.Background(), &tenant.CreateRequest{Name: "Acme", Slug: "acme"}, adminSpec())
	if err != nil {
		t.Fatal(err)
	}
	if reg.Tenant.ProvisioningStatus != tenant.ProvisioningPending {
		t.Fatalf("queued tenant should stay pending, got %s", reg.Tenant.ProvisioningStatus)
	}
	data := q.first(messagequeue.SubjectProvision)
	if data == nil {
		t.Fatalf("no provision job published: %v", q.subjects())
	}
	if strings.Contains(string(data), "correct-horse") || strings.Contains(string(data), "$2a$") {
		t.Fatalf("job payload leaks admin secret: %s", data)
	}
	var job messagequeue.ProvisionPayload
	if err := json.Unmarshal(data, &job); err != nil || job.TenantID != reg.Tenant.ID {
		t.Fatalf("bad job %s: %v", data, err)
	}

	if err := h.provisioner.HandleJob(context.Background(), messagequeue.SubjectProvision, data); err != nil {
		t.Fatalf("handle job: %v", err)
	}
	tn, _ := h.registry.Get(context.Background(), reg.Tenant.ID)
	if tn.ProvisioningStatus != tenant.ProvisioningReady || tn.AdminAccountID == nil {
		t.Fatalf("job did not complete provisioning: %+v", tn)
	}
	if !slices.Contains(q.subjects(), messagequeue.LifecycleSubject(messagequeue.EventReady)) {
		t.Fatalf("ready event not published: %v", q.subjects())
	}
}

func TestEnqueueFallsBackWhenPublishFails(t *testing.T) {
	h := newHarness()
	h.provisioner.SetQueue(&fakeQueue{publishErr: errors.New("nats: no responders")})

	tn := h.register(t, "acme", nil)
	if tn.ProvisioningStatus != tenant.ProvisioningReady {
		t.Fatalf("status = %s, want ready", tn.ProvisioningStatus)
	}
}

func TestHandleJobAcksRecordedFailures(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tn, _ := h.registry.Create(ctx, &tenant.CreateRequest{Name: "Acme", Slug: "acme"})
	h.migrator.setErr(errors.New("boom"))

	data, _ := json.Marshal(messagequeue.ProvisionPayload{TenantID: tn.ID})
	if err := h.provisioner.HandleJob(ctx, messagequeue.SubjectProvision, data); err != nil {
		t.Fatalf("recorded failure should be acked, got %v", err)
	}
	if err := h.provisioner.HandleJob(ctx, messagequeue.SubjectProvision, []byte("{")); err == nil {
		t.Fatal("undecodable job should be returned for redelivery")
	}
}

// orphanRun leaves a tenant in running as if its process died mid-step.
func orphanRun(t *testing.T, h *harness, slug string) *tenant.Tenant {
	t.Helper()
	ctx := context.Background()
	tn, err := h.registry.Create(ctx, &tenant.CreateRequest{Name: slug, Slug: slug})
	if err != nil {
		t.Fatal(err)
	}
	tn, err = h.store.TransitionProvisioning(ctx, tn.ID, database.ProvisioningUpdate{
		From: tenant.ProvisioningPending, To: tenant.ProvisioningRunning,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tn
}

func TestOrphanedRunIsReapedAndRetried(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tn := orphanRun(t, h, "acme")

	// A fresh running row may still belong to a live run elsewhere.
	if err := h.provisioner.Deprovision(ctx, tn.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("fresh run: expected conflict, got %v", err)
	}
	if n, err := h.provisioner.ReapInterrupted(ctx); err != nil || n != 0 {
		t.Fatalf("fresh run reaped: n=%d err=%v", n, err)
	}

	h.store.backdate(tn.ID, time.Hour)
	n, err := h.provisioner.ReapInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reap: n=%d err=%v", n, err)
	}
	got, _ := h.registry.Get(ctx, tn.ID)
	if got.ProvisioningStatus != tenant.ProvisioningFailed || !strings.HasPrefix(got.ProvisioningError, "interrupted") {
		t.Fatalf("status=%s error=%q", got.ProvisioningStatus, got.ProvisioningError)
	}

	got, err = h.provisioner.Retry(ctx, tn.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.ProvisioningStatus != tenant.ProvisioningReady {
		t.Fatalf("status after retry = %s", got.ProvisioningStatus)
	}
}

func TestStaleRunningRecoveredWithoutReaper(t *testing.T) {
	ctx := context.Background()

	t.Run("redelivered job", func(t *testing.T) {
		h := newHarness()
		tn := orphanRun(t, h, "acme")
		h.store.backdate(tn.ID, time.Hour)

		data, _ := json.Marshal(messagequeue.ProvisionPayload{TenantID: tn.ID})
		if err := h.provisioner.HandleJob(ctx, messagequeue.SubjectProvision, data); err != nil {
			t.Fatal(err)
		}
		got, _ := h.registry.Get(ctx, tn.ID)
		if got.ProvisioningStatus != tenant.ProvisioningReady {
			t.Fatalf("status = %s", got.ProvisioningStatus)
		}
		if !slices.Contains(h.store.actions(tn.ID), activity.ActionProvisioningFailed) {
			t.Fatal("interruption not recorded in activity log")
		}
	})

	t.Run("retry", func(t *testing.T) {
		h := newHarness()
		tn := orphanRun(t, h, "acme")
		h.store.backdate(tn.ID, time.Hour)

		got, err := h.provisioner.Retry(ctx, tn.ID)
		if err != nil || got.ProvisioningStatus != tenant.ProvisioningReady {
			t.Fatalf("retry: status=%v err=%v", got, err)
		}
	})

	t.Run("deprovision", func(t *testing.T) {
		h := newHarness()
		tn := orphanRun(t, h, "acme")
		h.store.backdate(tn.ID, time.Hour)

		if err := h.provisioner.Deprovision(ctx, tn.ID); err != nil {
			t.Fatalf("deprovision: %v", err)
		}
		if _, err := h.registry.GetLive(ctx, tn.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected deleted, got %v", err)
		}
	})
}

func TestReapSkipsRunHeldInProcess(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tn := orphanRun(t, h, "acme")
	h.store.backdate(tn.ID, time.Hour)

	unlock := h.provisioner.locks.Lock(tn.ID)
	n, err := h.provisioner.ReapInterrupted(ctx)
	unlock()
	if err != nil || n != 0 {
		t.Fatalf("held run reaped: n=%d err=%v", n, err)
	}
	got, _ := h.registry.Get(ctx, tn.ID)
	if got.ProvisioningStatus != tenant.ProvisioningRunning {
		t.Fatalf("status = %s", got.ProvisioningStatus)
	}
}

func TestCloseWaitsForBackgroundRuns(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	p := NewProvisioner(h.registry, h.store, TenantStore{
		Backends: h.backend,
		Migrator: h.migrator,
		Seeder:   h.seeder,
		Accounts: h.accounts,
		Settings: h.settings,
	}, h.tokens, NewActivityLogger(h.store), config.Provisioning{MaxConcurrent: 1, StepTimeout: 5 * time.Second, Async: true})
	p.bcryptCost = 4

	started := make(chan struct{})
	h.migrator.fn = func(stepCtx context.Context) error {
		close(started)
		<-stepCtx.Done()
		return stepCtx.Err()
	}

	reg, err := p.Register(ctx, &tenant.CreateRequest{Name: "Acme", Slug: "acme"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("background run never reached the migrate step")
	}

	p.Close()

	got, _ := h.registry.Get(ctx, reg.Tenant.ID)
	if got.ProvisioningStatus != tenant.ProvisioningFailed || !strings.HasPrefix(got.ProvisioningError, StepMigrate) {
		t.Fatalf("status=%s error=%q", got.ProvisioningStatus, got.ProvisioningError)
	}
	if err := p.Enqueue(ctx, reg.Tenant.ID, true); !errors.Is(err, ErrProvisionerClosed) {
		t.Fatalf("enqueue after close: got %v", err)
	}
}

func TestRetryKeepsOperatorTokens(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.settings.err = errors.New("settings table locked")

	reg, err := h.provisioner.Register(ctx, &tenant.CreateRequest{Name: "Acme", Slug: "acme"}, nil)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepToken {
		t.Fatalf("expected credential StepError, got %v", err)
	}
	id := reg.Tenant.ID

	ops, err := h.tokens.Issue(ctx, id, credential.IssueRequest{Name: "ci-sync"})
	if err != nil {
		t.Fatal(err)
	}

	h.settings.err = nil
	if _, err := h.provisioner.Retry(ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := h.tokens.Authenticate(ctx, ops.PlainToken); err != nil {
		t.Fatalf("operator token revoked by retry: %v", err)
	}
	if n := h.store.tokenCount(id); n != 2 {
		t.Fatalf("want provisioning + operator token, got %d", n)
	}
}
