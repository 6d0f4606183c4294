package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/broadcast"
	"github.com/Strob0t/TenantForge/internal/port/messagequeue"
)

// eventPublisher emits lifecycle events to the queue and the live feed.
// Either sink may be nil.
type eventPublisher struct {
	queue messagequeue.Queue
	feed  broadcast.Broadcaster
}

func (p eventPublisher) publish(ctx context.Context, t *tenant.Tenant, event, errMsg string) {
	if t == nil || (p.queue == nil && p.feed == nil) {
		return
	}
	payload := messagequeue.LifecyclePayload{
		TenantID:           t.ID,
		Slug:               t.Slug,
		Event:              event,
		ProvisioningStatus: string(t.ProvisioningStatus),
		Error:              errMsg,
		At:                 time.Now().UTC(),
	}

	if p.feed != nil {
		p.feed.BroadcastEvent(context.WithoutCancel(ctx), t.ID, messagequeue.LifecycleSubject(event), payload)
	}
	if p.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshal lifecycle event", "event", event, "error", err)
		return
	}
	if err := p.queue.Publish(context.WithoutCancel(ctx), messagequeue.LifecycleSubject(event), data); err != nil {
		slog.WarnContext(ctx, "lifecycle event publish failed", "tenant_id", t.ID, "event", event, "error", err)
	}
}
