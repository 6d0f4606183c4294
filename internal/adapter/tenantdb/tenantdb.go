// Package tenantdb implements the isolated tenant store backends on top of
// gorm: PostgreSQL and MySQL databases allocated through an admin connection,
// and SQLite files under a data directory.
package tenantdb

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Strob0t/TenantForge/internal/config"
	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

const (
	maxOpenConns    = 4
	connMaxIdleTime = 5 * time.Minute
)

// Registry maps store drivers to their backends.
type Registry struct {
	backends map[tenant.StoreDriver]tenantstore.Backend
}

var _ tenantstore.Backends = (*Registry)(nil)

// NewRegistry builds the backends for every supported driver. No connection
// is made until a backend is used.
func NewRegistry(cfg config.Tenancy, log *slog.Logger) *Registry {
	gl := newGormLogger(log)
	return NewRegistryWith(
		NewPostgresBackend(cfg.PostgresAdminDSN, cfg.PostgresHost, cfg.PostgresPort, gl),
		NewMySQLBackend(cfg.MySQLAdminDSN, cfg.MySQLHost, cfg.MySQLPort, gl),
		NewSQLiteBackend(cfg.DataDir, gl),
	)
}

// NewRegistryWith builds a registry from explicit backends.
func NewRegistryWith(backends ...tenantstore.Backend) *Registry {
	r := &Registry{backends: make(map[tenant.StoreDriver]tenantstore.Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Driver()] = b
	}
	return r
}

// Backend returns the backend for driver.
func (r *Registry) Backend(driver tenant.StoreDriver) (tenantstore.Backend, error) {
	b, ok := r.backends[driver]
	if !ok {
		return nil, fmt.Errorf("store driver %q: %w", driver, domain.ErrValidation)
	}
	return b, nil
}

// handle is an open gorm session bound to one tenant store.
type handle struct {
	tenantID int64
	driver   tenant.StoreDriver
	db       *gorm.DB
}

func newHandle(tenantID int64, driver tenant.StoreDriver, db *gorm.DB) (*handle, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	return &handle{tenantID: tenantID, driver: driver, db: db}, nil
}

func (h *handle) TenantID() int64            { return h.tenantID }
func (h *handle) Driver() tenant.StoreDriver { return h.driver }
func (h *handle) Gorm() *gorm.DB             { return h.db }

func (h *handle) Ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (h *handle) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// generatePassword returns a random hex credential.
func generatePassword() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate store password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// credentialsFor reuses the credentials from prev when it addresses the same
// store, so a retried allocation does not orphan a role.
func credentialsFor(storeName string, prev *tenant.StoreDescriptor) (user, password string, err error) {
	if prev != nil && prev.Database == storeName && prev.Username != "" && prev.Password != "" {
		return prev.Username, prev.Password, nil
	}
	password, err = generatePassword()
	if err != nil {
		return "", "", err
	}
	return storeName, password, nil
}

// quoteLiteral renders s as a single-quoted SQL string literal. Used only
// where DDL does not accept bind parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func validateDescriptor(desc *tenant.StoreDescriptor) error {
	if err := tenant.ValidateIdentifier(desc.Database); err != nil {
		return err
	}
	return tenant.ValidateIdentifier(desc.Username)
}
