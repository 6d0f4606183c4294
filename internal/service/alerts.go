package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Strob0t/TenantForge/internal/port/messagequeue"
	"github.com/Strob0t/TenantForge/internal/port/notifier"
)

// Alerter turns lifecycle events that need operator attention into
// notifications. Delivery is asynchronous; Close waits for pending sends.
type Alerter struct {
	notifiers []notifier.Notifier
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewAlerter creates an Alerter delivering to every notifier.
func NewAlerter(timeout time.Duration, notifiers ...notifier.Notifier) *Alerter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Alerter{notifiers: notifiers, timeout: timeout}
}

// BroadcastEvent implements broadcast.Broadcaster. Events other than ready,
// failed and deprovisioned are ignored.
func (a *Alerter) BroadcastEvent(ctx context.Context, tenantID int64, _ string, payload any) {
	ev, ok := payload.(messagequeue.LifecyclePayload)
	if !ok || len(a.notifiers) == 0 {
		return
	}
	n, ok := lifecycleAlert(tenantID, ev)
	if !ok {
		return
	}

	bg := context.WithoutCancel(ctx)
	for _, ch := range a.notifiers {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			sendCtx, cancel := context.WithTimeout(bg, a.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, n); err != nil {
				slog.WarnContext(bg, "alert delivery failed", "channel", ch.Name(), "tenant_id", tenantID, "event", ev.Event, "error", err)
			}
		}()
	}
}

// Close waits for in-flight deliveries.
func (a *Alerter) Close() { a.wg.Wait() }

func lifecycleAlert(tenantID int64, ev messagequeue.LifecyclePayload) (notifier.Notification, bool) {
	n := notifier.Notification{
		Source: messagequeue.LifecycleSubject(ev.Event),
		Fields: []notifier.Field{
			{Name: "Tenant", Value: ev.Slug},
			{Name: "ID", Value: strconv.FormatInt(tenantID, 10)},
		},
	}
	switch ev.Event {
	case messagequeue.EventFailed:
		n.Level = notifier.LevelError
		n.Title = "Provisioning failed: " + ev.Slug
		n.Message = ev.Error
	case messagequeue.EventReady:
		n.Level = notifier.LevelSuccess
		n.Title = "Tenant ready: " + ev.Slug
		n.Message = fmt.Sprintf("Provisioning completed at %s.", ev.At.Format(time.RFC3339))
	case messagequeue.EventDeprovisioned:
		n.Level = notifier.LevelWarning
		n.Title = "Tenant deprovisioned: " + ev.Slug
		n.Message = "The isolated store was dropped and the tenant soft-deleted."
	default:
		return notifier.Notification{}, false
	}
	return n, true
}
