// Package activity defines the append-only audit trail for tenant lifecycle actions.
package activity

import (
	"context"
	"time"
)

// SystemActor is recorded when no caller identity is present in the context.
const SystemActor = "system"

// Actions recorded by the control plane.
const (
	ActionTenantCreated       = "tenant.created"
	ActionProvisioningStep    = "provisioning.step"
	ActionProvisioningStarted = "provisioning.started"
	ActionProvisioningReady   = "provisioning.ready"
	ActionProvisioningFailed  = "provisioning.failed"
	ActionProvisioningRetry   = "provisioning.retry"
	ActionSeedFailed          = "provisioning.seed_failed"
	ActionDeprovisioned       = "tenant.deprovisioned"
	ActionStatusChanged       = "tenant.status_changed"
	ActionDomainAdded         = "domain.added"
	ActionDomainRemoved       = "domain.removed"
	ActionPrimaryDomainSet    = "domain.primary_set"
	ActionDomainVerified      = "domain.verified"
	ActionTokenIssued         = "token.issued"
)

// Entry is one immutable audit record.
type Entry struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type actorCtxKey struct{}

// WithActor returns a context carrying the identity of the caller.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actor)
}

// ActorFromContext returns the caller identity, or SystemActor if absent.
func ActorFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(actorCtxKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}
