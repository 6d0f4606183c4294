package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tenantforge"

// StartProvisionSpan starts a span covering one provisioning run.
func StartProvisionSpan(ctx context.Context, tenantID int64, slug string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "provision",
		trace.WithAttributes(
			attribute.Int64("tenant.id", tenantID),
			attribute.String("tenant.slug", slug),
		),
	)
}

// StartStepSpan starts a span for a single provisioning step.
func StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "provision."+step,
		trace.WithAttributes(attribute.String("provision.step", step)),
	)
}

// StartResolveSpan starts a span for a hostname-to-tenant resolution.
func StartResolveSpan(ctx context.Context, host string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "router.resolve",
		trace.WithAttributes(attribute.String("http.host", host)),
	)
}

// StartHealthCheckSpan starts a span for an on-demand tenant health check.
func StartHealthCheckSpan(ctx context.Context, tenantID int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "health.check",
		trace.WithAttributes(attribute.Int64("tenant.id", tenantID)),
	)
}
