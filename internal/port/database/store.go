// Package database defines the control-plane store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/domain/activity"
	"github.com/Strob0t/TenantForge/internal/domain/credential"
	"github.com/Strob0t/TenantForge/internal/domain/heartbeat"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

// ProvisioningUpdate describes a guarded provisioning state change.
// The update applies only while the row is still in From.
type ProvisioningUpdate struct {
	From  tenant.ProvisioningStatus
	To    tenant.ProvisioningStatus
	Error string    // persisted when To is failed; cleared otherwise
	At    time.Time // stamped as provisioned_at when To is ready
}

// Store is the port interface for control-plane persistence.
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, req *tenant.CreateRequest) (*tenant.Tenant, error)
	GetTenant(ctx context.Context, id int64) (*tenant.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*tenant.Tenant, error)
	FindTenantByHostname(ctx context.Context, host string) (*tenant.Tenant, error)
	ListTenants(ctx context.Context) ([]tenant.Tenant, error)
	SlugTaken(ctx context.Context, slug string, excludeID int64) (bool, error)
	HostnameTaken(ctx context.Context, host string, excludeID int64) (bool, error)
	TransitionProvisioning(ctx context.Context, id int64, u ProvisioningUpdate) (*tenant.Tenant, error)
	SetStoreDescriptor(ctx context.Context, id int64, desc *tenant.StoreDescriptor) error
	SetAdminAccount(ctx context.Context, id, accountID int64) error
	// SetPendingAdmin stores the sealed admin bootstrap; nil clears it. It is
	// also cleared when provisioning reaches ready.
	SetPendingAdmin(ctx context.Context, id int64, b *account.Bootstrap) error
	SetStatus(ctx context.Context, id int64, status tenant.Status) error
	// UpdateDomains persists primary/custom domains and their status map using
	// optimistic locking on t.Version. Hostname uniqueness is re-checked inside
	// the same transaction.
	UpdateDomains(ctx context.Context, t *tenant.Tenant) error
	// SetDomainState records a verification result for a hostname that is
	// still present on the tenant; it is a no-op otherwise.
	SetDomainState(ctx context.Context, id int64, host string, state tenant.DomainState) error
	SoftDeleteTenant(ctx context.Context, id int64) error

	// Heartbeats
	// RecordHeartbeat appends hb and advances the tenant's liveness fields only
	// if hb is not older than the stored last_heartbeat_at.
	RecordHeartbeat(ctx context.Context, hb *heartbeat.Heartbeat, usage heartbeat.UsageReport) (applied bool, err error)
	ListHeartbeats(ctx context.Context, tenantID int64, since time.Time) ([]heartbeat.Heartbeat, error)
	PruneHeartbeats(ctx context.Context, before time.Time) (int64, error)

	// Activity log
	AppendActivity(ctx context.Context, e *activity.Entry) error
	ListActivity(ctx context.Context, tenantID int64, limit int) ([]activity.Entry, error)

	// Service tokens
	CreateServiceToken(ctx context.Context, tok *credential.ServiceToken) error
	GetServiceTokenByHash(ctx context.Context, keyHash string) (*credential.ServiceToken, error)
	DeleteServiceTokens(ctx context.Context, tenantID int64) error
	DeleteServiceTokensByName(ctx context.Context, tenantID int64, name string) error
	TouchServiceToken(ctx context.Context, id string, at time.Time) error
}
