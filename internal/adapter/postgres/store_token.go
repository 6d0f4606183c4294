package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain/credential"
)

func (s *Store) CreateServiceToken(ctx context.Context, tok *credential.ServiceToken) error {
	tok.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_tokens (id, tenant_id, name, prefix, key_hash, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tok.ID, tok.TenantID, tok.Name, tok.Prefix, tok.KeyHash, pgTextArray(tok.Scopes), tok.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create service token: %w", err)
	}
	return nil
}

// GetServiceTokenByHash resolves a token whose tenant has not been deleted.
func (s *Store) GetServiceTokenByHash(ctx context.Context, keyHash string) (*credential.ServiceToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT k.id, k.tenant_id, k.name, k.prefix, k.key_hash, k.scopes, k.last_used_at, k.created_at
		FROM service_tokens k
		JOIN tenants t ON t.id = k.tenant_id AND t.deleted_at IS NULL
		WHERE k.key_hash = $1`, keyHash)

	var tok credential.ServiceToken
	var lastUsed sql.NullTime
	err := row.Scan(&tok.ID, &tok.TenantID, &tok.Name, &tok.Prefix, &tok.KeyHash, &tok.Scopes, &lastUsed, &tok.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get service token")
	}
	if lastUsed.Valid {
		tok.LastUsedAt = lastUsed.Time
	}
	return &tok, nil
}

func (s *Store) DeleteServiceTokens(ctx context.Context, tenantID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM service_tokens WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete service tokens for tenant %d: %w", tenantID, err)
	}
	return nil
}

func (s *Store) DeleteServiceTokensByName(ctx context.Context, tenantID int64, name string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM service_tokens WHERE tenant_id = $1 AND name = $2`, tenantID, name); err != nil {
		return fmt.Errorf("delete %q service tokens for tenant %d: %w", name, tenantID, err)
	}
	return nil
}

func (s *Store) TouchServiceToken(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE service_tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	return execExpectOne(tag, err, "touch service token %s", id)
}
