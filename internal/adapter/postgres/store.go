package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/TenantForge/internal/port/database"
	"github.com/Strob0t/TenantForge/internal/secrets"
)

var _ database.Store = (*Store)(nil)

// Store implements database.Store using PostgreSQL. Store passwords are
// sealed with cipher before they reach the tenants table.
type Store struct {
	pool   *pgxpool.Pool
	cipher *secrets.Cipher
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, cipher *secrets.Cipher) *Store {
	return &Store{pool: pool, cipher: cipher}
}

// Ping checks the control-plane connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
