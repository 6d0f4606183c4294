package tenantdb

import "time"

type accountRow struct {
	ID           int64     `gorm:"primaryKey"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (accountRow) TableName() string { return "accounts" }

type roleRow struct {
	ID          int64  `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;not null"`
	Description string
}

func (roleRow) TableName() string { return "roles" }

type accountRoleRow struct {
	AccountID int64 `gorm:"primaryKey;autoIncrement:false"`
	RoleID    int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (accountRoleRow) TableName() string { return "account_roles" }

type settingRow struct {
	Name  string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (settingRow) TableName() string { return "settings" }
