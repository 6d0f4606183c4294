package tenantdb

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

// RoleMember is the default role for accounts created after provisioning.
const RoleMember = "member"

var baselineRoles = []roleRow{
	{Name: account.RoleAdmin, Description: "Full access to the tenant"},
	{Name: RoleMember, Description: "Standard access"},
}

var baselineSettings = []settingRow{
	{Name: "locale", Value: "en"},
	{Name: "timezone", Value: "UTC"},
}

// Seeder inserts baseline roles and settings. Existing rows are left alone.
type Seeder struct{}

var _ tenantstore.Seeder = Seeder{}

func (Seeder) Seed(ctx context.Context, h tenantstore.Handle) error {
	return h.Gorm().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range baselineRoles {
			role := baselineRoles[i]
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&role).Error; err != nil {
				return fmt.Errorf("seed role %s: %w", role.Name, err)
			}
		}
		for i := range baselineSettings {
			setting := baselineSettings[i]
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&setting).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", setting.Name, err)
			}
		}
		return nil
	})
}
