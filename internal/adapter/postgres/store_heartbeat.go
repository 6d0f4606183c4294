package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/heartbeat"
)

// RecordHeartbeat appends hb and, unless a newer report already landed,
// advances the tenant's liveness, health snapshot and reported usage.
func (s *Store) RecordHeartbeat(ctx context.Context, hb *heartbeat.Heartbeat, usage heartbeat.UsageReport) (bool, error) {
	var extraJSON []byte
	if len(hb.Extra) > 0 {
		b, err := json.Marshal(hb.Extra)
		if err != nil {
			return false, fmt.Errorf("marshal heartbeat extra: %w", err)
		}
		extraJSON = b
	}
	snapJSON, err := json.Marshal(hb.Snapshot())
	if err != nil {
		return false, fmt.Errorf("marshal health snapshot: %w", err)
	}

	var applied bool
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO heartbeats (tenant_id, reported_at, app_version, uptime_seconds, queue_depth,
				active_users, error_rate, response_time_ms, extra)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at`,
			hb.TenantID, hb.ReportedAt, nullIfEmpty(hb.AppVersion), hb.UptimeSeconds, hb.QueueDepth,
			hb.ActiveUsers, hb.ErrorRate, hb.ResponseTimeMS, extraJSON,
		).Scan(&hb.ID, &hb.CreatedAt)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("tenant %d: %w", hb.TenantID, domain.ErrNotFound)
			}
			return fmt.Errorf("insert heartbeat: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE tenants SET
				last_heartbeat_at = $2,
				app_version = COALESCE($3, app_version),
				health_data = $4,
				seats_used = COALESCE($5, seats_used),
				storage_used_mb = COALESCE($6, storage_used_mb),
				requests_used = COALESCE($7, requests_used),
				updated_at = now()
			WHERE id = $1 AND deleted_at IS NULL
			  AND (last_heartbeat_at IS NULL OR last_heartbeat_at <= $2)`,
			hb.TenantID, hb.ReportedAt, nullIfEmpty(hb.AppVersion), snapJSON,
			usage.SeatsUsed, usage.StorageUsedMB, usage.RequestsUsed)
		if err != nil {
			return fmt.Errorf("advance liveness: %w", err)
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record heartbeat: %w", err)
	}
	return applied, nil
}

// ListHeartbeats returns heartbeats reported at or after since, newest first.
func (s *Store) ListHeartbeats(ctx context.Context, tenantID int64, since time.Time) ([]heartbeat.Heartbeat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, reported_at, app_version, uptime_seconds, queue_depth,
			active_users, error_rate, response_time_ms, extra, created_at
		FROM heartbeats
		WHERE tenant_id = $1 AND reported_at >= $2
		ORDER BY reported_at DESC, id DESC`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []heartbeat.Heartbeat
	for rows.Next() {
		var (
			hb         heartbeat.Heartbeat
			appVersion *string
			extraJSON  []byte
		)
		if err := rows.Scan(&hb.ID, &hb.TenantID, &hb.ReportedAt, &appVersion, &hb.UptimeSeconds,
			&hb.QueueDepth, &hb.ActiveUsers, &hb.ErrorRate, &hb.ResponseTimeMS, &extraJSON, &hb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.AppVersion = derefString(appVersion)
		if len(extraJSON) > 0 {
			_ = json.Unmarshal(extraJSON, &hb.Extra)
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

// PruneHeartbeats deletes heartbeats reported strictly before the cutoff.
func (s *Store) PruneHeartbeats(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM heartbeats WHERE reported_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}
