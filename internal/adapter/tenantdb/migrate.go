package tenantdb

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

//go:embed migrations/*/*.sql
var migrations embed.FS

var dialects = map[tenant.StoreDriver]goose.Dialect{
	tenant.DriverPostgres: goose.DialectPostgres,
	tenant.DriverMySQL:    goose.DialectMySQL,
	tenant.DriverSQLite:   goose.DialectSQLite3,
}

// Migrator applies the tenant-local schema with goose. goose records applied
// versions inside each tenant store, so re-running is a no-op.
type Migrator struct{}

var _ tenantstore.Migrator = Migrator{}

func (Migrator) Migrate(ctx context.Context, h tenantstore.Handle) error {
	dialect, ok := dialects[h.Driver()]
	if !ok {
		return fmt.Errorf("no migrations for driver %q", h.Driver())
	}
	fsys, err := fs.Sub(migrations, "migrations/"+string(h.Driver()))
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	sqlDB, err := h.Gorm().DB()
	if err != nil {
		return fmt.Errorf("underlying sql.DB: %w", err)
	}
	p, err := goose.NewProvider(dialect, sqlDB, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate tenant %d: %w", h.TenantID(), err)
	}
	return nil
}
