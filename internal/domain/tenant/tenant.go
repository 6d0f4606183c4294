// Package tenant defines the tenant domain model for the multi-tenant control plane.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain/account"
)

// Status is the operational (billing-facing) state of a tenant. It is
// independent of ProvisioningStatus.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// ValidStatuses is the set of all operational statuses.
var ValidStatuses = map[Status]bool{
	StatusTrial:     true,
	StatusActive:    true,
	StatusSuspended: true,
	StatusCancelled: true,
}

// StoreDriver identifies the backend that hosts a tenant's isolated store.
type StoreDriver string

const (
	DriverPostgres StoreDriver = "postgres"
	DriverMySQL    StoreDriver = "mysql"
	DriverSQLite   StoreDriver = "sqlite"
)

// ValidDrivers is the set of supported isolated store drivers.
var ValidDrivers = map[StoreDriver]bool{
	DriverPostgres: true,
	DriverMySQL:    true,
	DriverSQLite:   true,
}

// StoreDescriptor is the connection information for a tenant's isolated store.
// It is opaque to the router and meaningful only to store backends.
type StoreDescriptor struct {
	Driver   StoreDriver `json:"driver"`
	Host     string      `json:"host,omitempty"`
	Port     int         `json:"port,omitempty"`
	Database string      `json:"database,omitempty"`
	Username string      `json:"username,omitempty"`
	Password string      `json:"-"` // never serialized
	Path     string      `json:"path,omitempty"`
}

// Fingerprint returns a stable identity for the descriptor. Two descriptors
// with the same fingerprint address the same store with the same credentials.
func (d *StoreDescriptor) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		string(d.Driver), d.Host, strconv.Itoa(d.Port), d.Database, d.Username, d.Password, d.Path,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerificationState is the state of a DNS or TLS check for a hostname.
type VerificationState string

const (
	StatePending VerificationState = "pending"
	StateActive  VerificationState = "active"
)

// DomainState tracks verification progress for one custom hostname.
type DomainState struct {
	DNS          VerificationState `json:"dns"`
	SSL          VerificationState `json:"ssl"`
	AddedAt      time.Time         `json:"added_at"`
	DNSCheckedAt *time.Time        `json:"dns_checked_at,omitempty"`
	SSLCheckedAt *time.Time        `json:"ssl_checked_at,omitempty"`
}

// NewDomainState returns the initial state for a freshly added hostname.
func NewDomainState(now time.Time) DomainState {
	return DomainState{DNS: StatePending, SSL: StatePending, AddedAt: now}
}

// HealthSnapshot is the latest health data reported by a tenant's running
// environment. Nil metric pointers mean the value was not reported.
type HealthSnapshot struct {
	QueueDepth     *int      `json:"queue_depth,omitempty"`
	ActiveUsers    *int      `json:"active_users,omitempty"`
	ErrorRate      *float64  `json:"error_rate,omitempty"`
	ResponseTimeMS *float64  `json:"response_time_ms,omitempty"`
	ReportedAt     time.Time `json:"reported_at"`
}

// Usage holds metered counters and their limits. A zero limit means unlimited.
type Usage struct {
	SeatsUsed      int   `json:"seats_used"`
	SeatLimit      int   `json:"seat_limit"`
	StorageUsedMB  int64 `json:"storage_used_mb"`
	StorageLimitMB int64 `json:"storage_limit_mb"`
	RequestsUsed   int64 `json:"requests_used"`
	RequestLimit   int64 `json:"request_limit"`
}

// Tenant is one isolated customer environment.
type Tenant struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`

	PrimaryDomain string                 `json:"primary_domain,omitempty"`
	CustomDomains []string               `json:"custom_domains"`
	DomainStatus  map[string]DomainState `json:"domain_status"`

	// StoreDriver is chosen at registration; Store is filled in once the
	// isolated store has been allocated.
	StoreDriver StoreDriver      `json:"store_driver"`
	Store       *StoreDescriptor `json:"store,omitempty"`

	ProvisioningStatus ProvisioningStatus `json:"provisioning_status"`
	ProvisioningError  string             `json:"provisioning_error,omitempty"`
	ProvisionedAt      *time.Time         `json:"provisioned_at,omitempty"`
	AdminAccountID     *int64             `json:"admin_account_id,omitempty"`
	// PendingAdmin is the sealed bootstrap spec kept until provisioning
	// reaches ready, so a retry can still create the administrator.
	PendingAdmin *account.Bootstrap `json:"-"`

	Status      Status     `json:"status"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`

	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	AppVersion      string          `json:"app_version,omitempty"`
	HealthData      *HealthSnapshot `json:"health_data,omitempty"`

	Usage Usage `json:"usage"`

	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsReady reports whether the tenant may serve business traffic.
func (t *Tenant) IsReady() bool {
	return t.ProvisioningStatus == ProvisioningReady && t.DeletedAt == nil
}

// IsOperational reports whether the tenant is neither suspended nor cancelled.
func (t *Tenant) IsOperational() bool {
	return t.Status != StatusSuspended && t.Status != StatusCancelled
}

// HasCustomDomain reports whether host is in the tenant's custom domain set.
func (t *Tenant) HasCustomDomain(host string) bool {
	for _, d := range t.CustomDomains {
		if d == host {
			return true
		}
	}
	return false
}

// Hostnames returns every custom hostname claimed by the tenant, primary first.
func (t *Tenant) Hostnames() []string {
	out := make([]string, 0, len(t.CustomDomains)+1)
	if t.PrimaryDomain != "" {
		out = append(out, t.PrimaryDomain)
	}
	for _, d := range t.CustomDomains {
		if d != t.PrimaryDomain {
			out = append(out, d)
		}
	}
	return out
}

// CreateRequest holds the fields required to register a new tenant.
type CreateRequest struct {
	Name           string      `json:"name" validate:"required,max=255"`
	Slug           string      `json:"slug" validate:"required"`
	Driver         StoreDriver `json:"driver,omitempty"`
	Status         Status      `json:"status,omitempty"`
	TrialEndsAt    *time.Time  `json:"trial_ends_at,omitempty"`
	SeatLimit      int         `json:"seat_limit,omitempty" validate:"gte=0"`
	StorageLimitMB int64       `json:"storage_limit_mb,omitempty" validate:"gte=0"`
	RequestLimit   int64       `json:"request_limit,omitempty" validate:"gte=0"`
}
