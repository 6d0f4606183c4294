package tenantdb

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

// Settings upserts rows in the tenant's settings table.
type Settings struct{}

var _ tenantstore.Settings = Settings{}

func (Settings) Put(ctx context.Context, h tenantstore.Handle, name, value string) error {
	row := settingRow{Name: name, Value: value}
	err := h.Gorm().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put setting %s: %w", name, err)
	}
	return nil
}
