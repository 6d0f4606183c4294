// Package broadcast defines the port for pushing tenant lifecycle events to
// connected operator clients.
package broadcast

import "context"

// Broadcaster sends real-time events to connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event concerning tenantID. Clients that
	// subscribed to a single tenant only receive that tenant's events.
	BroadcastEvent(ctx context.Context, tenantID int64, eventType string, payload any)
}

// Fanout delivers each event to every member in order.
type Fanout []Broadcaster

// BroadcastEvent implements Broadcaster.
func (f Fanout) BroadcastEvent(ctx context.Context, tenantID int64, eventType string, payload any) {
	for _, b := range f {
		b.BroadcastEvent(ctx, tenantID, eventType, payload)
	}
}
