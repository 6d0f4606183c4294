package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/port/broadcast"
	"github.com/Strob0t/TenantForge/internal/port/messagequeue"
	"github.com/Strob0t/TenantForge/internal/port/notifier"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
	err  error
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Send(_ context.Context, n notifier.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return c.err
}

func TestAlerterFiltersEvents(t *testing.T) {
	ch := &captureNotifier{}
	a := NewAlerter(time.Second, ch)
	ctx := context.Background()

	for _, ev := range []string{messagequeue.EventCreated, messagequeue.EventProvisioning, messagequeue.EventDomainChanged} {
		a.BroadcastEvent(ctx, 1, messagequeue.LifecycleSubject(ev), messagequeue.LifecyclePayload{TenantID: 1, Slug: "acme", Event: ev})
	}
	a.BroadcastEvent(ctx, 1, messagequeue.LifecycleSubject(messagequeue.EventFailed), messagequeue.LifecyclePayload{
		TenantID: 1, Slug: "acme", Event: messagequeue.EventFailed, Error: "migrate: connection refused",
	})
	a.BroadcastEvent(ctx, 1, "other", "not a lifecycle payload")
	a.Close()

	if len(ch.sent) != 1 {
		t.Fatalf("sent %d alerts, want 1", len(ch.sent))
	}
	n := ch.sent[0]
	if n.Level != notifier.LevelError || n.Message != "migrate: connection refused" || n.Title != "Provisioning failed: acme" {
		t.Fatalf("alert = %+v", n)
	}
	if n.Source != "tenants.lifecycle.failed" {
		t.Fatalf("source = %q", n.Source)
	}
}

func TestAlerterDeliveryFailureIsLogged(t *testing.T) {
	failing := &captureNotifier{err: errors.New("webhook 500")}
	ok := &captureNotifier{}
	a := NewAlerter(time.Second, failing, ok)
	a.BroadcastEvent(context.Background(), 2, "", messagequeue.LifecyclePayload{Slug: "globex", Event: messagequeue.EventReady, At: time.Now()})
	a.Close()
	if len(failing.sent) != 1 || len(ok.sent) != 1 {
		t.Fatalf("every channel should be attempted: %d/%d", len(failing.sent), len(ok.sent))
	}
}

func TestProvisioningFailureRaisesAlert(t *testing.T) {
	h := newHarness()
	ch := &captureNotifier{}
	alerts := NewAlerter(time.Second, ch)
	feed := broadcast.Fanout{&recordingFeed{}, alerts}
	h.registry.SetFeed(feed)
	h.migrator.setErr(errors.New("syntax error at or near"))

	_, err := h.provisioner.Register(context.Background(), &tenant.CreateRequest{Name: "Acme", Slug: "acme"}, nil)
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected step error, got %v", err)
	}
	alerts.Close()

	if len(ch.sent) != 1 || ch.sent[0].Level != notifier.LevelError {
		t.Fatalf("alerts = %+v", ch.sent)
	}
}
