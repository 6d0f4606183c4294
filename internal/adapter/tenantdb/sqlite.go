package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

// SQLiteBackend stores each tenant in its own file under dataDir.
type SQLiteBackend struct {
	dataDir string
	log     gormlogger.Interface
}

var _ tenantstore.Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend creates a backend rooted at dataDir.
func NewSQLiteBackend(dataDir string, log gormlogger.Interface) *SQLiteBackend {
	return &SQLiteBackend{dataDir: dataDir, log: log}
}

func (b *SQLiteBackend) Driver() tenant.StoreDriver { return tenant.DriverSQLite }

func (b *SQLiteBackend) Describe(storeName string, _ *tenant.StoreDescriptor) (*tenant.StoreDescriptor, error) {
	if err := tenant.ValidateIdentifier(storeName); err != nil {
		return nil, err
	}
	return &tenant.StoreDescriptor{
		Driver:   tenant.DriverSQLite,
		Database: storeName,
		Path:     filepath.Join(b.dataDir, "tenants", storeName+".sqlite"),
	}, nil
}

func (b *SQLiteBackend) Ensure(ctx context.Context, desc *tenant.StoreDescriptor) (bool, error) {
	if err := b.checkPath(desc); err != nil {
		return false, err
	}
	if _, err := os.Stat(desc.Path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", desc.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(desc.Path), 0o750); err != nil {
		return false, fmt.Errorf("create data dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(desc.Path)), &gorm.Config{Logger: b.log})
	if err != nil {
		return false, fmt.Errorf("create sqlite store %s: %w", desc.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return false, err
	}
	defer func() { _ = sqlDB.Close() }()
	if err := db.WithContext(ctx).Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return false, fmt.Errorf("init sqlite store %s: %w", desc.Path, err)
	}
	return true, nil
}

func (b *SQLiteBackend) Drop(_ context.Context, desc *tenant.StoreDescriptor) error {
	if err := b.checkPath(desc); err != nil {
		return err
	}
	for _, p := range []string{desc.Path, desc.Path + "-wal", desc.Path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// Open refuses to create a missing file; stores only come into existence via Ensure.
func (b *SQLiteBackend) Open(ctx context.Context, tenantID int64, desc *tenant.StoreDescriptor) (tenantstore.Handle, error) {
	if err := b.checkPath(desc); err != nil {
		return nil, err
	}
	if _, err := os.Stat(desc.Path); err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", desc.Path, err)
	}
	db, err := gorm.Open(sqlite.Open(sqliteDSN(desc.Path)), &gorm.Config{Logger: b.log})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", desc.Path, err)
	}
	h, err := newHandle(tenantID, tenant.DriverSQLite, db)
	if err != nil {
		return nil, err
	}
	if err := h.Ping(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("ping sqlite store %s: %w", desc.Path, err)
	}
	return h, nil
}

// checkPath keeps file operations inside the data directory.
func (b *SQLiteBackend) checkPath(desc *tenant.StoreDescriptor) error {
	want, err := b.Describe(desc.Database, nil)
	if err != nil {
		return err
	}
	if filepath.Clean(desc.Path) != filepath.Clean(want.Path) {
		return fmt.Errorf("sqlite path %q outside data dir: %w", desc.Path, domain.ErrValidation)
	}
	return nil
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
}
