// Package ws streams tenant lifecycle events to operator clients over
// WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type     string          `json:"type"`
	TenantID int64           `json:"tenant_id"`
	Payload  json.RawMessage `json:"payload"`
}

type conn struct {
	ws *websocket.Conn
	// tenantID filters delivery; zero receives every tenant.
	tenantID int64
}

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*conn]struct{}
	origins []string
}

// NewHub creates a hub. allowedOrigins are browser origins (scheme optional)
// permitted to connect cross-origin; clients that send no Origin are always
// accepted.
func NewHub(allowedOrigins ...string) *Hub {
	h := &Hub{conns: make(map[*conn]struct{})}
	for _, o := range allowedOrigins {
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		h.origins = append(h.origins, o)
	}
	return h
}

// ServeHTTP upgrades the request and holds the connection until the client
// disconnects or the hub is closed. ?tenant_id=N limits the stream to one
// tenant.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var tenantID int64
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid tenant_id", http.StatusBadRequest)
			return
		}
		tenantID = id
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.WarnContext(r.Context(), "websocket accept failed", "error", err)
		return
	}

	c := &conn{ws: ws, tenantID: tenantID}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	slog.InfoContext(r.Context(), "event stream connected", "remote", r.RemoteAddr, "tenant_id", tenantID)

	// Clients only listen; CloseRead discards their frames and ends ctx on close.
	ctx := ws.CloseRead(context.WithoutCancel(r.Context()))
	<-ctx.Done()
	h.remove(c)
}

// BroadcastEvent marshals payload and sends it to every client subscribed to
// tenantID or to all tenants.
func (h *Hub) BroadcastEvent(ctx context.Context, tenantID int64, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "marshal ws event payload", "type", eventType, "error", err)
		return
	}
	h.Broadcast(ctx, Message{Type: eventType, TenantID: tenantID, Payload: data})
}

// Broadcast sends msg to matching clients. Clients that cannot be written to
// within the write timeout are dropped.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.tenantID == 0 || c.tenantID == msg.TenantID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.DebugContext(ctx, "websocket write failed", "error", err)
			h.remove(c)
			_ = c.ws.CloseNow()
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	var wg sync.WaitGroup
	for c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		}()
	}
	wg.Wait()
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		slog.Info("event stream disconnected", "tenant_id", c.tenantID)
	}
}
