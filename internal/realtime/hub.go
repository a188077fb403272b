// Package realtime pushes tracker events to connected dashboards over
// WebSockets.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/p-n-ai/pai-tracker/internal/tracker"
)

const (
	defaultBuffer = 16
	writeTimeout  = 5 * time.Second
	pingInterval  = 30 * time.Second
)

type client struct {
	id       string
	userID   string
	outbound chan tracker.Event
}

// Hub fans tracker events out to the sockets of the user they belong to.
// It implements tracker.EventLogger.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	buffer  int
}

var _ tracker.EventLogger = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		buffer:  defaultBuffer,
	}
}

// LogEvent queues event for every subscriber of event.UserID. Subscribers
// with a full buffer miss the event.
func (h *Hub) LogEvent(event tracker.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[event.UserID] {
		select {
		case c.outbound <- event:
		default:
			slog.Warn("dropping realtime event; outbound buffer full",
				"client_id", c.id,
				"user_id", c.userID,
				"type", event.EventType,
			)
		}
	}
	return nil
}

// Subscribers returns the number of open sockets for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) add(userID string) *client {
	c := &client{
		id:       uuid.NewString(),
		userID:   userID,
		outbound: make(chan tracker.Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
}

// Serve upgrades the request to a WebSocket and streams userID's events as
// JSON text frames until either side closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "user_id", userID, "error", err)
		return
	}
	defer conn.CloseNow()

	c := h.add(userID)
	defer h.remove(c)
	slog.Debug("realtime client connected", "client_id", c.id, "user_id", userID)

	// Dashboards never send; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("realtime client disconnected", "client_id", c.id, "error", ctx.Err())
			return
		case <-ping.C:
			if err := h.ping(ctx, conn); err != nil {
				slog.Debug("realtime ping failed", "client_id", c.id, "error", err)
				return
			}
		case event := <-c.outbound:
			if err := h.write(ctx, conn, event); err != nil {
				slog.Warn("realtime write failed", "client_id", c.id, "error", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, event tracker.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

func (h *Hub) ping(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Ping(ctx)
}
