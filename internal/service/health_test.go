package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/heartbeat"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/resilience"
)

func newMonitor(h *harness) *HealthMonitor {
	return NewHealthMonitor(h.registry, h.store, h.router, h.domains, resilience.NewSet(5, time.Minute), config.Health{
		OfflineThreshold: 10 * time.Minute,
		QueueWarning:     100,
		QueueError:       1000,
		HTTPTimeout:      2 * time.Second,
		RetentionDays:    30,
		ProbePath:        "/up",
		MaxClockSkew:     5 * time.Minute,
	})
}

func intp(v int) *int { return &v }

func TestRecordHeartbeatLatestWins(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	acme := h.register(t, "acme", nil)
	mon := newMonitor(h)

	newer := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	older := newer.Add(-5 * time.Minute)

	if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{Timestamp: &newer, AppVersion: "2.0.0", QueueDepth: intp(3)}); err != nil {
		t.Fatal(err)
	}
	if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{Timestamp: &older, AppVersion: "1.0.0", QueueDepth: intp(900)}); err != nil {
		t.Fatal(err)
	}

	got, _ := h.registry.Get(ctx, acme.ID)
	if got.AppVersion != "2.0.0" || !got.LastHeartbeatAt.Equal(newer) {
		t.Fatalf("late report overwrote newer state: version=%s at=%v", got.AppVersion, got.LastHeartbeatAt)
	}
	if *got.HealthData.QueueDepth != 3 {
		t.Fatalf("queue depth = %d", *got.HealthData.QueueDepth)
	}
	if !mon.IsOnline(got) {
		t.Fatal("tenant should be online")
	}

	hist, err := mon.History(ctx, acme.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || !hist[0].ReportedAt.Equal(newer) {
		t.Fatalf("history should keep both rows newest first: %+v", hist)
	}
}

func TestRecordHeartbeatRejects(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	acme := h.register(t, "acme", nil)
	mon := newMonitor(h)

	if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{QueueDepth: intp(-1)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("negative depth: got %v", err)
	}
	if _, err := mon.RecordHeartbeat(ctx, 404, &heartbeat.Payload{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown tenant: got %v", err)
	}
	_ = h.store.SoftDeleteTenant(ctx, acme.ID)
	if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted tenant: got %v", err)
	}
}

func TestRecordHeartbeatRejectsFutureTimestamp(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	acme := h.register(t, "acme", nil)
	mon := newMonitor(h)

	future := time.Now().UTC().AddDate(1, 0, 0)
	if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{Timestamp: &future, QueueDepth: intp(1)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("future timestamp: got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{Timestamp: &now, QueueDepth: intp(5000)}); err != nil {
		t.Fatal(err)
	}
	got, _ := h.registry.Get(ctx, acme.ID)
	if got.LastHeartbeatAt == nil || !got.LastHeartbeatAt.Equal(now) {
		t.Fatalf("current report not applied: at=%v", got.LastHeartbeatAt)
	}
	if *got.HealthData.QueueDepth != 5000 {
		t.Fatalf("queue depth = %d", *got.HealthData.QueueDepth)
	}

	slightlyAhead := time.Now().UTC().Add(time.Minute)
	if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{Timestamp: &slightlyAhead}); err != nil {
		t.Fatalf("skew within tolerance should be accepted: %v", err)
	}
}

func TestHealthCheckReportsSubChecks(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	acme := h.register(t, "acme", nil)
	mon := newMonitor(h)

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/up" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer app.Close()
	mon.probeURL = func(*tenant.Tenant) string { return app.URL + "/up" }

	if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{QueueDepth: intp(5)}); err != nil {
		t.Fatal(err)
	}
	rep, err := mon.HealthCheck(ctx, acme.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.App.Status != heartbeat.LevelHealthy || rep.App.StatusCode != http.StatusOK || rep.App.ResponseTimeMS == nil {
		t.Fatalf("app = %+v", rep.App)
	}
	if rep.Database.Status != heartbeat.LevelHealthy || rep.Queue.Status != heartbeat.LevelHealthy {
		t.Fatalf("db = %+v queue = %+v", rep.Database, rep.Queue)
	}
	if rep.Overall != heartbeat.LevelHealthy {
		t.Fatalf("overall = %s", rep.Overall)
	}

	h.backend.pingErr = errors.New("connection refused")
	rep, err = mon.HealthCheck(ctx, acme.ID)
	if err != nil {
		t.Fatalf("sub-check failures must not be returned: %v", err)
	}
	if rep.App.Status != heartbeat.LevelHealthy {
		t.Fatalf("app should still be healthy: %+v", rep.App)
	}
	if rep.Database.Status != heartbeat.LevelError || rep.Database.Message != "connection refused" {
		t.Fatalf("database = %+v", rep.Database)
	}
	if rep.Overall != heartbeat.LevelError {
		t.Fatalf("overall = %s, want error", rep.Overall)
	}
}

func TestHealthCheckAppFailures(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	acme := h.register(t, "acme", nil)
	mon := newMonitor(h)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	mon.probeURL = func(*tenant.Tenant) string { return down.URL }

	rep, err := mon.HealthCheck(ctx, acme.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.App.Status != heartbeat.LevelError || rep.App.StatusCode != http.StatusBadGateway {
		t.Fatalf("app = %+v", rep.App)
	}
	if rep.Queue.Status != heartbeat.LevelUnknown {
		t.Fatalf("queue without reports should be unknown, got %s", rep.Queue.Status)
	}
	if rep.Overall != heartbeat.LevelError {
		t.Fatalf("overall = %s", rep.Overall)
	}
}

func TestHealthCheckPendingTenant(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	pending, _ := h.registry.Create(ctx, &tenant.CreateRequest{Name: "Globex", Slug: "globex"})
	mon := newMonitor(h)

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer app.Close()
	mon.probeURL = func(*tenant.Tenant) string { return app.URL }

	rep, err := mon.HealthCheck(ctx, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Database.Status != heartbeat.LevelWarning || rep.Database.Message != "not provisioned" {
		t.Fatalf("database = %+v", rep.Database)
	}
	if rep.Overall != heartbeat.LevelWarning {
		t.Fatalf("overall = %s", rep.Overall)
	}
}

func TestHealthCheckQueueClassification(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	acme := h.register(t, "acme", nil)
	mon := newMonitor(h)

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer app.Close()
	mon.probeURL = func(*tenant.Tenant) string { return app.URL }

	tests := []struct {
		depth int
		want  heartbeat.Level
	}{
		{50, heartbeat.LevelHealthy},
		{500, heartbeat.LevelWarning},
		{5000, heartbeat.LevelError},
	}
	for _, tt := range tests {
		if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{QueueDepth: intp(tt.depth)}); err != nil {
			t.Fatal(err)
		}
		rep, err := mon.HealthCheck(ctx, acme.ID)
		if err != nil {
			t.Fatal(err)
		}
		if rep.Queue.Status != tt.want || rep.Overall != tt.want {
			t.Fatalf("depth %d: queue=%s overall=%s, want %s", tt.depth, rep.Queue.Status, rep.Overall, tt.want)
		}
	}
}

func TestPlatformSummary(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	mon := newMonitor(h)
	now := time.Now().UTC()
	mon.now = func() time.Time { return now }

	online := h.register(t, "online", nil)
	quiet := h.register(t, "quiet", nil)
	suspended := h.register(t, "suspended", nil)
	h.migrator.setErr(errors.New("syntax error"))
	broken, _ := h.provisioner.Register(ctx, &tenant.CreateRequest{Name: "Broken", Slug: "broken"}, nil)
	h.migrator.setErr(nil)

	recent := now.Add(-time.Minute)
	stale := now.Add(-2 * time.Hour)
	for id, at := range map[int64]time.Time{online.ID: recent, quiet.ID: stale, suspended.ID: stale} {
		if _, err := mon.RecordHeartbeat(ctx, id, &heartbeat.Payload{Timestamp: &at}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.registry.SetStatus(ctx, suspended.ID, tenant.StatusSuspended); err != nil {
		t.Fatal(err)
	}

	sum, err := mon.PlatformSummary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 4 || sum.Online != 1 {
		t.Fatalf("total=%d online=%d", sum.Total, sum.Online)
	}
	if sum.ByProvisioning[tenant.ProvisioningReady] != 3 || sum.ByProvisioning[tenant.ProvisioningFailed] != 1 {
		t.Fatalf("by provisioning = %v", sum.ByProvisioning)
	}
	if sum.ByStatus[tenant.StatusSuspended] != 1 {
		t.Fatalf("by status = %v", sum.ByStatus)
	}

	issues := map[int64]heartbeat.IssueType{}
	for _, is := range sum.Issues {
		issues[is.TenantID] = is.Type
	}
	if len(issues) != 2 {
		t.Fatalf("issues = %+v", sum.Issues)
	}
	if issues[quiet.ID] != heartbeat.IssueOfflineTooLong {
		t.Fatalf("quiet tenant issue = %q", issues[quiet.ID])
	}
	if issues[broken.Tenant.ID] != heartbeat.IssueProvisioningFailed {
		t.Fatalf("failed tenant issue = %q", issues[broken.Tenant.ID])
	}
	if _, ok := issues[suspended.ID]; ok {
		t.Fatal("suspended tenants are not expected to report")
	}
}

func TestHistoryAndPrune(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	acme := h.register(t, "acme", nil)
	mon := newMonitor(h)

	for _, hours := range []int{0, -1, maxHistoryHours + 1} {
		if _, err := mon.History(ctx, acme.ID, hours); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("hours=%d: got %v", hours, err)
		}
	}
	if _, err := mon.History(ctx, 404, 24); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown tenant: got %v", err)
	}

	now := time.Now().UTC()
	for _, age := range []time.Duration{time.Hour, 10 * 24 * time.Hour, 40 * 24 * time.Hour} {
		at := now.Add(-age)
		if _, err := mon.RecordHeartbeat(ctx, acme.ID, &heartbeat.Payload{Timestamp: &at}); err != nil {
			t.Fatal(err)
		}
	}
	if hist, _ := mon.History(ctx, acme.ID, 24); len(hist) != 1 {
		t.Fatalf("24h window = %d rows", len(hist))
	}

	if _, err := mon.Prune(ctx, -1); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("negative days: got %v", err)
	}
	n, err := mon.Prune(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("default retention pruned %d, %v", n, err)
	}
	n, err = mon.Prune(ctx, 7)
	if err != nil || n != 1 {
		t.Fatalf("7 day retention pruned %d, %v", n, err)
	}
	if hist, _ := mon.History(ctx, acme.ID, maxHistoryHours); len(hist) != 1 {
		t.Fatalf("remaining = %d rows", len(hist))
	}
}
