// Package tenantstore defines the ports for reaching and preparing a tenant's
// isolated store.
package tenantstore

import (
	"context"

	"gorm.io/gorm"

	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

// Handle is an open connection to exactly one tenant's isolated store.
type Handle interface {
	TenantID() int64
	Driver() tenant.StoreDriver
	// Gorm returns the session bound to this store.
	Gorm() *gorm.DB
	Ping(ctx context.Context) error
	Close() error
}

// Backend allocates, removes, and opens isolated stores for one driver.
type Backend interface {
	Driver() tenant.StoreDriver
	// Describe builds the descriptor for a store name. prev, when non-nil, is
	// the descriptor persisted by an earlier attempt and its credentials are reused.
	Describe(storeName string, prev *tenant.StoreDescriptor) (*tenant.StoreDescriptor, error)
	// Ensure creates the store if it does not exist. created is false when
	// the store was already present.
	Ensure(ctx context.Context, desc *tenant.StoreDescriptor) (created bool, err error)
	// Drop removes the store. A missing store is not an error.
	Drop(ctx context.Context, desc *tenant.StoreDescriptor) error
	Open(ctx context.Context, tenantID int64, desc *tenant.StoreDescriptor) (Handle, error)
}

// Migrator applies the tenant-local schema idempotently.
type Migrator interface {
	Migrate(ctx context.Context, h Handle) error
}

// Seeder inserts baseline reference data (roles, permissions, settings).
type Seeder interface {
	Seed(ctx context.Context, h Handle) error
}

// Accounts manages accounts inside a tenant store.
type Accounts interface {
	// FindByEmail returns nil, nil when no account matches.
	FindByEmail(ctx context.Context, h Handle, email string) (*account.Account, error)
	Create(ctx context.Context, h Handle, a *account.Account) error
	// AssignRole attaches a role by name. attached is false when the role
	// does not exist in the store.
	AssignRole(ctx context.Context, h Handle, accountID int64, role string) (attached bool, err error)
}

// Backends looks up the backend serving a driver.
type Backends interface {
	Backend(driver tenant.StoreDriver) (Backend, error)
}

// Settings writes key/value settings inside a tenant store.
type Settings interface {
	Put(ctx context.Context, h Handle, name, value string) error
}
