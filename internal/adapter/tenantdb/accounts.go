package tenantdb

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

// Accounts manages account rows inside a tenant store.
type Accounts struct{}

var _ tenantstore.Accounts = Accounts{}

func (Accounts) FindByEmail(ctx context.Context, h tenantstore.Handle, email string) (*account.Account, error) {
	var row accountRow
	err := h.Gorm().WithContext(ctx).Where("email = ?", email).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account %s: %w", email, err)
	}
	return &account.Account{
		ID:           row.ID,
		Name:         row.Name,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt,
	}, nil
}

func (Accounts) Create(ctx context.Context, h tenantstore.Handle, a *account.Account) error {
	row := accountRow{Name: a.Name, Email: a.Email, PasswordHash: a.PasswordHash}
	if err := h.Gorm().WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create account %s: %w", a.Email, err)
	}
	a.ID = row.ID
	a.CreatedAt = row.CreatedAt
	return nil
}

func (Accounts) AssignRole(ctx context.Context, h tenantstore.Handle, accountID int64, role string) (bool, error) {
	db := h.Gorm().WithContext(ctx)
	var r roleRow
	err := db.Where("name = ?", role).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find role %s: %w", role, err)
	}
	link := accountRoleRow{AccountID: accountID, RoleID: r.ID}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
		return false, fmt.Errorf("assign role %s: %w", role, err)
	}
	return true, nil
}
