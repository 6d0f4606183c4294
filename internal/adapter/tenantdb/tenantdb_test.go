package tenantdb

import (
	"errors"
	"strings"
	"testing"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

func TestPostgresDescribeReusesCredentials(t *testing.T) {
	b := NewPostgresBackend("", "db.internal", 5432, nil)

	first, err := b.Describe("tenant_acme", nil)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if first.Database != "tenant_acme" || first.Username != "tenant_acme" || len(first.Password) != 48 {
		t.Fatalf("unexpected descriptor: %+v", first)
	}

	again, err := b.Describe("tenant_acme", first)
	if err != nil {
		t.Fatalf("describe again: %v", err)
	}
	if again.Fingerprint() != first.Fingerprint() {
		t.Fatal("expected credentials to be reused across attempts")
	}

	other, _ := b.Describe("tenant_other", first)
	if other.Password == first.Password {
		t.Fatal("expected fresh credentials for a different store")
	}
}

func TestDescribeRejectsUnsafeNames(t *testing.T) {
	backends := []interface {
		Describe(string, *tenant.StoreDescriptor) (*tenant.StoreDescriptor, error)
	}{
		NewPostgresBackend("", "h", 1, nil),
		NewMySQLBackend("", "h", 1, nil),
		NewSQLiteBackend(t.TempDir(), nil),
	}
	for _, b := range backends {
		if _, err := b.Describe(`x"; DROP DATABASE y; --`, nil); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%T: expected ErrValidation, got %v", b, err)
		}
	}
}

func TestQuoting(t *testing.T) {
	if got := quoteLiteral("it's"); got != "'it''s'" {
		t.Errorf("quoteLiteral = %s", got)
	}
	if got := mysqlLiteral(`a\'b`); got != `'a\\''b'` {
		t.Errorf("mysqlLiteral = %s", got)
	}
	if got := mysqlAccount("tenant_x"); got != "'tenant_x'@'%'" {
		t.Errorf("mysqlAccount = %s", got)
	}
}

func TestDSNs(t *testing.T) {
	desc := &tenant.StoreDescriptor{Host: "db", Port: 5432, Database: "tenant_a", Username: "tenant_a", Password: "p@ss"}
	pg := postgresDSN(desc)
	if !strings.HasPrefix(pg, "postgres://tenant_a:p%40ss@db:5432/tenant_a") {
		t.Errorf("postgres dsn = %s", pg)
	}
	desc.Port = 3306
	if got := mysqlDSN(desc); !strings.HasPrefix(got, "tenant_a:p@ss@tcp(db:3306)/tenant_a?parseTime=true") {
		t.Errorf("mysql dsn = %s", got)
	}
}

func TestRegistryUnknownDriver(t *testing.T) {
	r := NewRegistryWith(NewSQLiteBackend(t.TempDir(), nil))
	if _, err := r.Backend(tenant.DriverSQLite); err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	if _, err := r.Backend(tenant.DriverPostgres); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
