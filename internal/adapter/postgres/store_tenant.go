package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/database"
)

const tenantColumns = `id, name, slug, primary_domain, custom_domains, domain_status,
	store_driver, store_host, store_port, store_database, store_username, store_password, store_path,
	provisioning_status, provisioning_error, provisioned_at, admin_account_id, pending_admin,
	status, trial_ends_at, last_heartbeat_at, app_version, health_data,
	seats_used, seat_limit, storage_used_mb, storage_limit_mb, requests_used, request_limit,
	version, created_at, updated_at, deleted_at`

// --- Tenant CRUD ---

func (s *Store) CreateTenant(ctx context.Context, req *tenant.CreateRequest) (*tenant.Tenant, error) {
	var t *tenant.Tenant
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, nameClaimLock); err != nil {
			return fmt.Errorf("lock name claims: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE slug = $1)`, req.Slug).Scan(&exists); err != nil {
			return fmt.Errorf("check slug: %w", err)
		}
		if exists {
			return fmt.Errorf("slug %s: %w", req.Slug, domain.ErrNameClaimed)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO tenants (name, slug, store_driver, status, trial_ends_at, seat_limit, storage_limit_mb, request_limit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+tenantColumns,
			req.Name, req.Slug, string(req.Driver), string(req.Status), req.TrialEndsAt,
			req.SeatLimit, req.StorageLimitMB, req.RequestLimit)
		created, err := s.scanTenant(row)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("slug %s: %w", req.Slug, domain.ErrNameClaimed)
			}
			return fmt.Errorf("insert tenant: %w", err)
		}
		t = created
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	return t, nil
}

// GetTenant returns the tenant with id, including soft-deleted rows.
func (s *Store) GetTenant(ctx context.Context, id int64) (*tenant.Tenant, error) {
	t, err := s.scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get tenant %d", id)
	}
	return t, nil
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	t, err := s.scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1 AND deleted_at IS NULL`, slug))
	if err != nil {
		return nil, notFoundWrap(err, "get tenant by slug %s", slug)
	}
	return t, nil
}

func (s *Store) FindTenantByHostname(ctx context.Context, host string) (*tenant.Tenant, error) {
	t, err := s.scanTenant(s.pool.QueryRow(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE deleted_at IS NULL AND (primary_domain = $1 OR $1 = ANY(custom_domains))
		LIMIT 1`, host))
	if err != nil {
		return nil, notFoundWrap(err, "find tenant by hostname %s", host)
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE deleted_at IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []tenant.Tenant
	for rows.Next() {
		t, err := s.scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// SlugTaken reports whether another tenant (deleted or not) holds slug.
func (s *Store) SlugTaken(ctx context.Context, slug string, excludeID int64) (bool, error) {
	var taken bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE slug = $1 AND id <> $2)`, slug, excludeID,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check slug %s: %w", slug, err)
	}
	return taken, nil
}

// HostnameTaken reports whether another tenant (deleted or not) claims host.
func (s *Store) HostnameTaken(ctx context.Context, host string, excludeID int64) (bool, error) {
	return hostnameTaken(ctx, s.pool, host, excludeID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func hostnameTaken(ctx context.Context, q querier, host string, excludeID int64) (bool, error) {
	var taken bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tenants
			WHERE id <> $2 AND (primary_domain = $1 OR $1 = ANY(custom_domains))
		)`, host, excludeID,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check hostname %s: %w", host, err)
	}
	return taken, nil
}

// --- Provisioning ---

// TransitionProvisioning moves the tenant from u.From to u.To atomically. It
// returns ErrConflict when the row is no longer in u.From.
func (s *Store) TransitionProvisioning(ctx context.Context, id int64, u database.ProvisioningUpdate) (*tenant.Tenant, error) {
	if !tenant.CanTransition(u.From, u.To) {
		return nil, fmt.Errorf("transition tenant %d %s -> %s: %w", id, u.From, u.To, domain.ErrInvalidTransition)
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE tenants SET
			provisioning_status = $3::text,
			provisioning_error = CASE WHEN $3::text = 'failed' THEN $4::text ELSE NULL END,
			provisioned_at = CASE WHEN $3::text = 'ready' THEN $5::timestamptz ELSE provisioned_at END,
			pending_admin = CASE WHEN $3::text = 'ready' THEN NULL ELSE pending_admin END,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND provisioning_status = $2::text AND deleted_at IS NULL
		RETURNING `+tenantColumns,
		id, string(u.From), string(u.To), u.Error, at)
	t, err := s.scanTenant(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition tenant %d: %w", id, err)
	}
	if _, getErr := s.GetTenant(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("transition tenant %d from %s: %w", id, u.From, domain.ErrConflict)
}

func (s *Store) SetStoreDescriptor(ctx context.Context, id int64, desc *tenant.StoreDescriptor) error {
	sealed, err := s.cipher.Seal(desc.Password)
	if err != nil {
		return fmt.Errorf("seal store password: %w", err)
	}
	var port *int
	if desc.Port != 0 {
		port = &desc.Port
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants SET
			store_driver = $2, store_host = $3, store_port = $4, store_database = $5,
			store_username = $6, store_password = $7, store_path = $8,
			version = version + 1, updated_at = now()
		WHERE id = $1`,
		id, string(desc.Driver), nullIfEmpty(desc.Host), port, nullIfEmpty(desc.Database),
		nullIfEmpty(desc.Username), nullIfEmpty(sealed), nullIfEmpty(desc.Path))
	return execExpectOne(tag, err, "set store descriptor %d", id)
}

func (s *Store) SetAdminAccount(ctx context.Context, id, accountID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET admin_account_id = $2, version = version + 1, updated_at = now() WHERE id = $1`,
		id, accountID)
	return execExpectOne(tag, err, "set admin account %d", id)
}

func (s *Store) SetPendingAdmin(ctx context.Context, id int64, b *account.Bootstrap) error {
	var raw []byte
	if b != nil {
		var err error
		if raw, err = json.Marshal(b); err != nil {
			return fmt.Errorf("marshal pending admin: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET pending_admin = $2, updated_at = now() WHERE id = $1`, id, raw)
	return execExpectOne(tag, err, "set pending admin %d", id)
}

func (s *Store) SetStatus(ctx context.Context, id int64, status tenant.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET status = $2, version = version + 1, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, string(status))
	return execExpectOne(tag, err, "set status %d", id)
}

// --- Domains ---

func (s *Store) UpdateDomains(ctx context.Context, t *tenant.Tenant) error {
	statusJSON, err := json.Marshal(t.DomainStatus)
	if err != nil {
		return fmt.Errorf("marshal domain status: %w", err)
	}
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, nameClaimLock); err != nil {
			return fmt.Errorf("lock name claims: %w", err)
		}
		for _, host := range t.Hostnames() {
			taken, err := hostnameTaken(ctx, tx, host, t.ID)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("domain %s: %w", host, domain.ErrNameClaimed)
			}
		}
		tag, err := tx.Exec(ctx, `
			UPDATE tenants SET
				primary_domain = $2, custom_domains = $3, domain_status = $4,
				version = version + 1, updated_at = now()
			WHERE id = $1 AND version = $5 AND deleted_at IS NULL`,
			t.ID, nullIfEmpty(t.PrimaryDomain), pgTextArray(t.CustomDomains), statusJSON, t.Version)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("primary domain %s: %w", t.PrimaryDomain, domain.ErrNameClaimed)
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrConflict
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update domains %d: %w", t.ID, err)
	}
	t.Version++
	return nil
}

func (s *Store) SetDomainState(ctx context.Context, id int64, host string, state tenant.DomainState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal domain state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tenants SET
			domain_status = jsonb_set(domain_status, ARRAY[$2::text], $3::jsonb),
			version = version + 1, updated_at = now()
		WHERE id = $1 AND domain_status ? $2::text`,
		id, host, stateJSON)
	if err != nil {
		return fmt.Errorf("set domain state %d %s: %w", id, host, err)
	}
	return nil
}

// SoftDeleteTenant marks the tenant deleted. Its slug and hostnames stay claimed.
func (s *Store) SoftDeleteTenant(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET deleted_at = now(), version = version + 1, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	return execExpectOne(tag, err, "soft delete tenant %d", id)
}

// --- scanning ---

func (s *Store) scanTenant(row scannable) (*tenant.Tenant, error) {
	var (
		t                                       tenant.Tenant
		primaryDomain, provErr, appVersion      *string
		host, dbName, username, password, path  *string
		port                                    *int
		driver, provStatus, status              string
		domainStatusJSON, healthJSON, adminJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Slug, &primaryDomain, &t.CustomDomains, &domainStatusJSON,
		&driver, &host, &port, &dbName, &username, &password, &path,
		&provStatus, &provErr, &t.ProvisionedAt, &t.AdminAccountID, &adminJSON,
		&status, &t.TrialEndsAt, &t.LastHeartbeatAt, &appVersion, &healthJSON,
		&t.Usage.SeatsUsed, &t.Usage.SeatLimit, &t.Usage.StorageUsedMB, &t.Usage.StorageLimitMB,
		&t.Usage.RequestsUsed, &t.Usage.RequestLimit,
		&t.Version, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	t.PrimaryDomain = derefString(primaryDomain)
	t.ProvisioningError = derefString(provErr)
	t.AppVersion = derefString(appVersion)
	t.StoreDriver = tenant.StoreDriver(driver)
	t.ProvisioningStatus = tenant.ProvisioningStatus(provStatus)
	t.Status = tenant.Status(status)
	if t.CustomDomains == nil {
		t.CustomDomains = []string{}
	}

	t.DomainStatus = map[string]tenant.DomainState{}
	if len(domainStatusJSON) > 0 {
		if err := json.Unmarshal(domainStatusJSON, &t.DomainStatus); err != nil {
			return nil, fmt.Errorf("decode domain status: %w", err)
		}
	}
	if len(adminJSON) > 0 {
		var b account.Bootstrap
		if err := json.Unmarshal(adminJSON, &b); err != nil {
			return nil, fmt.Errorf("decode pending admin: %w", err)
		}
		t.PendingAdmin = &b
	}
	if len(healthJSON) > 0 {
		var snap tenant.HealthSnapshot
		if err := json.Unmarshal(healthJSON, &snap); err != nil {
			return nil, fmt.Errorf("decode health data: %w", err)
		}
		t.HealthData = &snap
	}

	if dbName != nil || path != nil {
		plain, err := s.cipher.Open(derefString(password))
		if err != nil {
			return nil, fmt.Errorf("open store password: %w", err)
		}
		t.Store = &tenant.StoreDescriptor{
			Driver:   t.StoreDriver,
			Host:     derefString(host),
			Database: derefString(dbName),
			Username: derefString(username),
			Password: plain,
			Path:     derefString(path),
		}
		if port != nil {
			t.Store.Port = *port
		}
	}
	return &t, nil
}
