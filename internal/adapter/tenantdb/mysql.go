package tenantdb

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

// MySQLBackend allocates one schema and one user per tenant on a shared
// MySQL server.
type MySQLBackend struct {
	adminDSN string
	host     string
	port     int
	log      gormlogger.Interface
}

var _ tenantstore.Backend = (*MySQLBackend)(nil)

// NewMySQLBackend creates a backend that runs DDL through adminDSN.
func NewMySQLBackend(adminDSN, host string, port int, log gormlogger.Interface) *MySQLBackend {
	return &MySQLBackend{adminDSN: adminDSN, host: host, port: port, log: log}
}

func (b *MySQLBackend) Driver() tenant.StoreDriver { return tenant.DriverMySQL }

func (b *MySQLBackend) Describe(storeName string, prev *tenant.StoreDescriptor) (*tenant.StoreDescriptor, error) {
	if err := tenant.ValidateIdentifier(storeName); err != nil {
		return nil, err
	}
	user, password, err := credentialsFor(storeName, prev)
	if err != nil {
		return nil, err
	}
	return &tenant.StoreDescriptor{
		Driver:   tenant.DriverMySQL,
		Host:     b.host,
		Port:     b.port,
		Database: storeName,
		Username: user,
		Password: password,
	}, nil
}

func (b *MySQLBackend) admin() (*gorm.DB, func(), error) {
	db, err := gorm.Open(mysql.Open(b.adminDSN), &gorm.Config{Logger: b.log})
	if err != nil {
		return nil, nil, fmt.Errorf("connect mysql admin: %w", err)
	}
	return db, func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}, nil
}

func (b *MySQLBackend) Ensure(ctx context.Context, desc *tenant.StoreDescriptor) (bool, error) {
	if err := validateDescriptor(desc); err != nil {
		return false, err
	}
	db, closeFn, err := b.admin()
	if err != nil {
		return false, err
	}
	defer closeFn()
	db = db.WithContext(ctx)

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?`, desc.Database).Scan(&count).Error; err != nil {
		return false, fmt.Errorf("check schema: %w", err)
	}

	account := mysqlAccount(desc.Username)
	stmts := []string{
		"CREATE DATABASE IF NOT EXISTS " + mysqlIdent(desc.Database) + " CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		"CREATE USER IF NOT EXISTS " + account + " IDENTIFIED BY " + mysqlLiteral(desc.Password),
		"ALTER USER " + account + " IDENTIFIED BY " + mysqlLiteral(desc.Password),
		"GRANT ALL PRIVILEGES ON " + mysqlIdent(desc.Database) + ".* TO " + account,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return false, fmt.Errorf("ensure mysql store %s: %w", desc.Database, err)
		}
	}
	return count == 0, nil
}

func (b *MySQLBackend) Drop(ctx context.Context, desc *tenant.StoreDescriptor) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}
	db, closeFn, err := b.admin()
	if err != nil {
		return err
	}
	defer closeFn()
	db = db.WithContext(ctx)

	if err := db.Exec("DROP DATABASE IF EXISTS " + mysqlIdent(desc.Database)).Error; err != nil {
		return fmt.Errorf("drop schema %s: %w", desc.Database, err)
	}
	if err := db.Exec("DROP USER IF EXISTS " + mysqlAccount(desc.Username)).Error; err != nil {
		return fmt.Errorf("drop user %s: %w", desc.Username, err)
	}
	return nil
}

func (b *MySQLBackend) Open(ctx context.Context, tenantID int64, desc *tenant.StoreDescriptor) (tenantstore.Handle, error) {
	db, err := gorm.Open(mysql.Open(mysqlDSN(desc)), &gorm.Config{Logger: b.log})
	if err != nil {
		return nil, fmt.Errorf("open mysql store %s: %w", desc.Database, err)
	}
	h, err := newHandle(tenantID, tenant.DriverMySQL, db)
	if err != nil {
		return nil, err
	}
	if err := h.Ping(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("ping mysql store %s: %w", desc.Database, err)
	}
	return h, nil
}

func mysqlDSN(desc *tenant.StoreDescriptor) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		desc.Username, desc.Password, net.JoinHostPort(desc.Host, strconv.Itoa(desc.Port)), desc.Database)
}

// mysqlIdent quotes an identifier that already passed the allow-list.
func mysqlIdent(name string) string {
	return "`" + name + "`"
}

func mysqlAccount(user string) string {
	return mysqlLiteral(user) + "@'%'"
}

func mysqlLiteral(s string) string {
	return quoteLiteral(strings.ReplaceAll(s, `\`, `\\`))
}
