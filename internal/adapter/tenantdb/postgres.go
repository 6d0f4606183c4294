package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/tenantstore"
)

// PostgresBackend allocates one database and one login role per tenant on a
// shared PostgreSQL server.
type PostgresBackend struct {
	adminDSN string
	host     string
	port     int
	log      gormlogger.Interface
}

var _ tenantstore.Backend = (*PostgresBackend)(nil)

// NewPostgresBackend creates a backend that runs DDL through adminDSN and
// hands tenants descriptors pointing at host:port.
func NewPostgresBackend(adminDSN, host string, port int, log gormlogger.Interface) *PostgresBackend {
	return &PostgresBackend{adminDSN: adminDSN, host: host, port: port, log: log}
}

func (b *PostgresBackend) Driver() tenant.StoreDriver { return tenant.DriverPostgres }

func (b *PostgresBackend) Describe(storeName string, prev *tenant.StoreDescriptor) (*tenant.StoreDescriptor, error) {
	if err := tenant.ValidateIdentifier(storeName); err != nil {
		return nil, err
	}
	user, password, err := credentialsFor(storeName, prev)
	if err != nil {
		return nil, err
	}
	return &tenant.StoreDescriptor{
		Driver:   tenant.DriverPostgres,
		Host:     b.host,
		Port:     b.port,
		Database: storeName,
		Username: user,
		Password: password,
	}, nil
}

func (b *PostgresBackend) Ensure(ctx context.Context, desc *tenant.StoreDescriptor) (bool, error) {
	if err := validateDescriptor(desc); err != nil {
		return false, err
	}
	conn, err := pgx.Connect(ctx, b.adminDSN)
	if err != nil {
		return false, fmt.Errorf("connect postgres admin: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	role := pgx.Identifier{desc.Username}.Sanitize()
	db := pgx.Identifier{desc.Database}.Sanitize()

	var roleExists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, desc.Username).Scan(&roleExists); err != nil {
		return false, fmt.Errorf("check role: %w", err)
	}
	stmt := "CREATE ROLE " + role + " WITH LOGIN PASSWORD " + quoteLiteral(desc.Password)
	if roleExists {
		stmt = "ALTER ROLE " + role + " WITH LOGIN PASSWORD " + quoteLiteral(desc.Password)
	}
	if _, err := conn.Exec(ctx, stmt); err != nil && !isPgCode(err, "42710") {
		return false, fmt.Errorf("ensure role %s: %w", desc.Username, err)
	}

	var dbExists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, desc.Database).Scan(&dbExists); err != nil {
		return false, fmt.Errorf("check database: %w", err)
	}
	if dbExists {
		return false, nil
	}
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+db+" OWNER "+role); err != nil {
		if isPgCode(err, "42P04") {
			return false, nil
		}
		return false, fmt.Errorf("create database %s: %w", desc.Database, err)
	}
	return true, nil
}

func (b *PostgresBackend) Drop(ctx context.Context, desc *tenant.StoreDescriptor) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}
	conn, err := pgx.Connect(ctx, b.adminDSN)
	if err != nil {
		return fmt.Errorf("connect postgres admin: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{desc.Database}.Sanitize()+" WITH (FORCE)"); err != nil {
		return fmt.Errorf("drop database %s: %w", desc.Database, err)
	}
	if _, err := conn.Exec(ctx, "DROP ROLE IF EXISTS "+pgx.Identifier{desc.Username}.Sanitize()); err != nil {
		return fmt.Errorf("drop role %s: %w", desc.Username, err)
	}
	return nil
}

func (b *PostgresBackend) Open(ctx context.Context, tenantID int64, desc *tenant.StoreDescriptor) (tenantstore.Handle, error) {
	db, err := gorm.Open(postgres.Open(postgresDSN(desc)), &gorm.Config{Logger: b.log})
	if err != nil {
		return nil, fmt.Errorf("open postgres store %s: %w", desc.Database, err)
	}
	h, err := newHandle(tenantID, tenant.DriverPostgres, db)
	if err != nil {
		return nil, err
	}
	if err := h.Ping(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("ping postgres store %s: %w", desc.Database, err)
	}
	return h, nil
}

func postgresDSN(desc *tenant.StoreDescriptor) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(desc.Username, desc.Password),
		Host:     net.JoinHostPort(desc.Host, strconv.Itoa(desc.Port)),
		Path:     "/" + desc.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
