package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "tenantforge"

// Metrics holds all TenantForge metric instruments.
type Metrics struct {
	TenantsCreated        metric.Int64Counter
	ProvisioningStarted   metric.Int64Counter
	ProvisioningCompleted metric.Int64Counter
	ProvisioningFailed    metric.Int64Counter
	ProvisioningDuration  metric.Float64Histogram
	HeartbeatsReceived    metric.Int64Counter
	HeartbeatsStale       metric.Int64Counter
	RouteLookups          metric.Int64Counter
	StoreHandlesOpen      metric.Int64UpDownCounter
	HealthChecks          metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TenantsCreated, err = meter.Int64Counter("tenantforge.tenants.created",
		metric.WithDescription("Number of tenants registered")); err != nil {
		return nil, err
	}
	if m.ProvisioningStarted, err = meter.Int64Counter("tenantforge.provisioning.started",
		metric.WithDescription("Number of provisioning runs started")); err != nil {
		return nil, err
	}
	if m.ProvisioningCompleted, err = meter.Int64Counter("tenantforge.provisioning.completed",
		metric.WithDescription("Number of provisioning runs that reached ready")); err != nil {
		return nil, err
	}
	if m.ProvisioningFailed, err = meter.Int64Counter("tenantforge.provisioning.failed",
		metric.WithDescription("Number of provisioning runs that failed")); err != nil {
		return nil, err
	}
	if m.ProvisioningDuration, err = meter.Float64Histogram("tenantforge.provisioning.duration_seconds",
		metric.WithDescription("Provisioning run duration in seconds")); err != nil {
		return nil, err
	}
	if m.HeartbeatsReceived, err = meter.Int64Counter("tenantforge.heartbeats.received",
		metric.WithDescription("Number of heartbeats accepted")); err != nil {
		return nil, err
	}
	if m.HeartbeatsStale, err = meter.Int64Counter("tenantforge.heartbeats.stale",
		metric.WithDescription("Heartbeats stored but older than the latest report")); err != nil {
		return nil, err
	}
	if m.RouteLookups, err = meter.Int64Counter("tenantforge.router.lookups",
		metric.WithDescription("Hostname resolutions by outcome")); err != nil {
		return nil, err
	}
	if m.StoreHandlesOpen, err = meter.Int64UpDownCounter("tenantforge.router.handles_open",
		metric.WithDescription("Open tenant store handles")); err != nil {
		return nil, err
	}
	if m.HealthChecks, err = meter.Int64Counter("tenantforge.health.checks",
		metric.WithDescription("On-demand health checks by overall result")); err != nil {
		return nil, err
	}
	return m, nil
}
