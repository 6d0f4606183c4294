package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/TenantForge/internal/domain/activity"
	"github.com/Strob0t/TenantForge/internal/port/database"
)

// ActivityLogger appends audit entries. Logging is fire-and-forget: a failed
// write is reported through slog and never fails the caller.
type ActivityLogger struct {
	store database.Store
}

// NewActivityLogger creates an ActivityLogger.
func NewActivityLogger(store database.Store) *ActivityLogger {
	return &ActivityLogger{store: store}
}

// Log records action for tenantID, attributing it to the actor in ctx.
func (a *ActivityLogger) Log(ctx context.Context, tenantID int64, action, format string, args ...any) {
	e := &activity.Entry{
		TenantID:    tenantID,
		Actor:       activity.ActorFromContext(ctx),
		Action:      action,
		Description: fmt.Sprintf(format, args...),
	}
	if err := a.store.AppendActivity(context.WithoutCancel(ctx), e); err != nil {
		slog.WarnContext(ctx, "activity log write failed", "tenant_id", tenantID, "action", action, "error", err)
	}
}

// List returns the newest entries for a tenant.
func (a *ActivityLogger) List(ctx context.Context, tenantID int64, limit int) ([]activity.Entry, error) {
	if _, err := a.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return a.store.ListActivity(ctx, tenantID, limit)
}
