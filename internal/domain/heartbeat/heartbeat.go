// Package heartbeat defines tenant liveness reports and the health model derived from them.
package heartbeat

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Strob0t/TenantForge/internal/domain"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
)

var validate = validator.New()

// Heartbeat is one append-only liveness report. Rows are never updated.
type Heartbeat struct {
	ID             int64          `json:"id"`
	TenantID       int64          `json:"tenant_id"`
	ReportedAt     time.Time      `json:"reported_at"`
	AppVersion     string         `json:"app_version,omitempty"`
	UptimeSeconds  *int64         `json:"uptime_seconds,omitempty"`
	QueueDepth     *int           `json:"queue_depth,omitempty"`
	ActiveUsers    *int           `json:"active_users,omitempty"`
	ErrorRate      *float64       `json:"error_rate,omitempty"`
	ResponseTimeMS *float64       `json:"response_time_ms,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// UsageReport carries optional usage counters piggy-backed on a heartbeat.
type UsageReport struct {
	SeatsUsed     *int   `json:"seats_used,omitempty" validate:"omitempty,gte=0"`
	StorageUsedMB *int64 `json:"storage_used_mb,omitempty" validate:"omitempty,gte=0"`
	RequestsUsed  *int64 `json:"requests_used,omitempty" validate:"omitempty,gte=0"`
}

// Payload is the JSON body accepted by the heartbeat ingestion endpoint.
type Payload struct {
	Timestamp      *time.Time     `json:"timestamp,omitempty"`
	AppVersion     string         `json:"app_version,omitempty" validate:"max=64"`
	UptimeSeconds  *int64         `json:"uptime_seconds,omitempty" validate:"omitempty,gte=0"`
	QueueDepth     *int           `json:"queue_depth,omitempty" validate:"omitempty,gte=0"`
	ActiveUsers    *int           `json:"active_users,omitempty" validate:"omitempty,gte=0"`
	ErrorRate      *float64       `json:"error_rate,omitempty" validate:"omitempty,gte=0"`
	ResponseTimeMS *float64       `json:"response_time_ms,omitempty" validate:"omitempty,gte=0"`
	Extra          map[string]any `json:"extra,omitempty"`
	UsageReport
}

// Validate checks field ranges.
func (p *Payload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), domain.ErrValidation)
	}
	return nil
}

// CheckTimestamp rejects reports dated more than maxSkew after now. A
// future-dated report would otherwise stay the tenant's latest heartbeat and
// mask every real one until the clock caught up. maxSkew <= 0 disables it.
func (p *Payload) CheckTimestamp(now time.Time, maxSkew time.Duration) error {
	if p.Timestamp == nil || maxSkew <= 0 {
		return nil
	}
	if ahead := p.Timestamp.Sub(now); ahead > maxSkew {
		return fmt.Errorf("timestamp is %s ahead of server time (max %s): %w",
			ahead.Round(time.Second), maxSkew, domain.ErrValidation)
	}
	return nil
}

// ToHeartbeat builds the row to persist. A missing timestamp defaults to now.
func (p *Payload) ToHeartbeat(tenantID int64, now time.Time) *Heartbeat {
	reported := now
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		reported = p.Timestamp.UTC()
	}
	return &Heartbeat{
		TenantID:       tenantID,
		ReportedAt:     reported,
		AppVersion:     p.AppVersion,
		UptimeSeconds:  p.UptimeSeconds,
		QueueDepth:     p.QueueDepth,
		ActiveUsers:    p.ActiveUsers,
		ErrorRate:      p.ErrorRate,
		ResponseTimeMS: p.ResponseTimeMS,
		Extra:          p.Extra,
	}
}

// Snapshot converts a heartbeat into the tenant's latest health snapshot.
func (h *Heartbeat) Snapshot() *tenant.HealthSnapshot {
	return &tenant.HealthSnapshot{
		QueueDepth:     h.QueueDepth,
		ActiveUsers:    h.ActiveUsers,
		ErrorRate:      h.ErrorRate,
		ResponseTimeMS: h.ResponseTimeMS,
		ReportedAt:     h.ReportedAt,
	}
}
