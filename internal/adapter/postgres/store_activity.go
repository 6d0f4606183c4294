package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/activity"
)

func (s *Store) AppendActivity(ctx context.Context, e *activity.Entry) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO activity_log (tenant_id, actor, action, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.TenantID, e.Actor, e.Action, e.Description,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("append activity: tenant %d: %w", e.TenantID, domain.ErrNotFound)
		}
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest limit entries for a tenant.
func (s *Store) ListActivity(ctx context.Context, tenantID int64, limit int) ([]activity.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, actor, action, description, created_at
		FROM activity_log WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []activity.Entry
	for rows.Next() {
		var e activity.Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &e.Action, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
