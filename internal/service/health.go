package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/TenantForge/internal/adapter/otel"
	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/heartbeat"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/resilience"
)

// maxHistoryHours caps heartbeat history queries at the default retention.
const maxHistoryHours = 24 * 30

// StoreProber checks that a tenant's isolated store answers.
type StoreProber interface {
	ProbeStore(ctx context.Context, t *tenant.Tenant) error
}

// HealthMonitor ingests heartbeats and evaluates tenant health.
type HealthMonitor struct {
	registry *Registry
	store    database.Store
	prober   StoreProber
	breakers *resilience.Set
	client   *http.Client
	metrics  *otel.Metrics

	probeURL      func(*tenant.Tenant) string
	offline       time.Duration
	queue         heartbeat.QueueThresholds
	httpTimeout   time.Duration
	retentionDays int
	pruneEvery    time.Duration
	maxSkew       time.Duration
	now           func() time.Time
}

// NewHealthMonitor creates a HealthMonitor. Liveness probes go to the
// tenant's app URL plus the configured probe path, through a per-tenant
// circuit breaker.
func NewHealthMonitor(registry *Registry, store database.Store, prober StoreProber, domains *DomainManager, breakers *resilience.Set, cfg config.Health) *HealthMonitor {
	return &HealthMonitor{
		registry: registry,
		store:    store,
		prober:   prober,
		breakers: breakers,
		client: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		metrics:       otel.NoopMetrics(),
		probeURL:      func(t *tenant.Tenant) string { return domains.AppURL(t) + cfg.ProbePath },
		offline:       cfg.OfflineThreshold,
		queue:         heartbeat.QueueThresholds{Warning: cfg.QueueWarning, Error: cfg.QueueError},
		httpTimeout:   cfg.HTTPTimeout,
		retentionDays: cfg.RetentionDays,
		pruneEvery:    cfg.PruneInterval,
		maxSkew:       cfg.MaxClockSkew,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics replaces the no-op instruments.
func (h *HealthMonitor) SetMetrics(m *otel.Metrics) { h.metrics = m }

// RecordHeartbeat stores a heartbeat and advances the tenant's liveness
// fields when it is the newest report seen.
func (h *HealthMonitor) RecordHeartbeat(ctx context.Context, tenantID int64, p *heartbeat.Payload) (*heartbeat.Heartbeat, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t, err := h.registry.GetLive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := h.now()
	if err := p.CheckTimestamp(now, h.maxSkew); err != nil {
		return nil, err
	}
	hb := p.ToHeartbeat(t.ID, now)
	applied, err := h.store.RecordHeartbeat(ctx, hb, p.UsageReport)
	if err != nil {
		return nil, err
	}
	h.metrics.HeartbeatsReceived.Add(ctx, 1)
	if !applied {
		h.metrics.HeartbeatsStale.Add(ctx, 1)
		slog.DebugContext(ctx, "stale heartbeat stored without advancing tenant", "tenant_id", t.ID, "reported_at", hb.ReportedAt)
	}
	return hb, nil
}

// IsOnline reports whether t sent a heartbeat within the offline threshold.
func (h *HealthMonitor) IsOnline(t *tenant.Tenant) bool {
	return t.LastHeartbeatAt != nil && h.now().Sub(*t.LastHeartbeatAt) <= h.offline
}

// HealthCheck runs the app, database and queue sub-checks concurrently.
// Sub-check failures are reported in the result, never returned.
func (h *HealthMonitor) HealthCheck(ctx context.Context, tenantID int64) (*heartbeat.Report, error) {
	t, err := h.registry.GetLive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ctx, span := otel.StartHealthCheckSpan(ctx, t.ID)
	defer span.End()

	report := &heartbeat.Report{TenantID: t.ID}
	var g errgroup.Group
	g.Go(func() error {
		report.App = h.checkApp(ctx, t)
		return nil
	})
	g.Go(func() error {
		report.Database = h.checkDatabase(ctx, t)
		return nil
	})
	report.Queue = heartbeat.ClassifyQueueDepth(t.HealthData, h.queue)
	_ = g.Wait()

	report.Finalize()
	report.CheckedAt = h.now()
	h.metrics.HealthChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("overall", string(report.Overall))))
	span.SetAttributes(attribute.String("health.overall", string(report.Overall)))
	return report, nil
}

func (h *HealthMonitor) checkApp(ctx context.Context, t *tenant.Tenant) heartbeat.CheckResult {
	url := h.probeURL(t)
	var status int
	start := time.Now()
	err := h.breakers.For(t.ID).Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		status = resp.StatusCode
		if status < 200 || status >= 400 {
			return fmt.Errorf("status %d", status)
		}
		return nil
	})
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	res := heartbeat.CheckResult{Status: heartbeat.LevelHealthy, StatusCode: status}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		res.ResponseTimeMS = &elapsed
	}
	if err != nil {
		res.Status = heartbeat.LevelError
		res.Message = err.Error()
	}
	return res
}

func (h *HealthMonitor) checkDatabase(ctx context.Context, t *tenant.Tenant) heartbeat.CheckResult {
	if t.ProvisioningStatus != tenant.ProvisioningReady {
		return heartbeat.CheckResult{Status: heartbeat.LevelWarning, Message: "not provisioned"}
	}
	if h.httpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.httpTimeout)
		defer cancel()
	}
	start := time.Now()
	err := h.prober.ProbeStore(ctx, t)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return heartbeat.CheckResult{Status: heartbeat.LevelError, Message: err.Error(), ResponseTimeMS: &elapsed}
	}
	return heartbeat.CheckResult{Status: heartbeat.LevelHealthy, ResponseTimeMS: &elapsed}
}

// PlatformSummary counts live tenants and lists failed provisioning runs and
// operational tenants that have gone quiet.
func (h *HealthMonitor) PlatformSummary(ctx context.Context) (*heartbeat.PlatformSummary, error) {
	tenants, err := h.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	sum := &heartbeat.PlatformSummary{
		Total:          len(tenants),
		ByStatus:       make(map[tenant.Status]int),
		ByProvisioning: make(map[tenant.ProvisioningStatus]int),
		Issues:         []heartbeat.Issue{},
		GeneratedAt:    h.now(),
	}
	for i := range tenants {
		t := &tenants[i]
		sum.ByStatus[t.Status]++
		sum.ByProvisioning[t.ProvisioningStatus]++
		if h.IsOnline(t) {
			sum.Online++
		}

		switch {
		case t.ProvisioningStatus == tenant.ProvisioningFailed:
			sum.Issues = append(sum.Issues, heartbeat.Issue{
				Type:     heartbeat.IssueProvisioningFailed,
				TenantID: t.ID,
				Slug:     t.Slug,
				Message:  t.ProvisioningError,
			})
		case t.ProvisioningStatus == tenant.ProvisioningReady && t.IsOperational() && !h.IsOnline(t):
			msg := "no heartbeat received"
			if t.LastHeartbeatAt != nil {
				msg = "last heartbeat " + h.now().Sub(*t.LastHeartbeatAt).Truncate(time.Minute).String() + " ago"
			}
			sum.Issues = append(sum.Issues, heartbeat.Issue{
				Type:            heartbeat.IssueOfflineTooLong,
				TenantID:        t.ID,
				Slug:            t.Slug,
				Message:         msg,
				LastHeartbeatAt: t.LastHeartbeatAt,
			})
		}
	}
	return sum, nil
}

// History returns heartbeats from the trailing window, newest first.
func (h *HealthMonitor) History(ctx context.Context, tenantID int64, hours int) ([]heartbeat.Heartbeat, error) {
	if hours <= 0 || hours > maxHistoryHours {
		return nil, fmt.Errorf("hours must be between 1 and %d: %w", maxHistoryHours, domain.ErrValidation)
	}
	if _, err := h.registry.Get(ctx, tenantID); err != nil {
		return nil, err
	}
	return h.store.ListHeartbeats(ctx, tenantID, h.now().Add(-time.Duration(hours)*time.Hour))
}

// Prune deletes heartbeats older than daysToKeep days. Zero uses the
// configured retention.
func (h *HealthMonitor) Prune(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 0 {
		return 0, fmt.Errorf("days to keep must not be negative: %w", domain.ErrValidation)
	}
	if daysToKeep == 0 {
		daysToKeep = h.retentionDays
	}
	cutoff := h.now().AddDate(0, 0, -daysToKeep)
	n, err := h.store.PruneHeartbeats(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "heartbeats pruned", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// RunPruner prunes on every interval tick until ctx is cancelled.
func (h *HealthMonitor) RunPruner(ctx context.Context) {
	if h.pruneEvery <= 0 {
		return
	}
	ticker := time.NewTicker(h.pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Prune(ctx, 0); err != nil {
				slog.ErrorContext(ctx, "heartbeat prune failed", "error", err)
			}
		}
	}
}
