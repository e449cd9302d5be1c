package collab

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	v1 "github.com/Force67/texler/shared/contracts/collab/v1"
)

// Hub owns one fan-out channel per active session. Channels are created
// lazily on first use and torn down when the last subscriber leaves, so
// fan-out cost is bounded by the session's own participants rather than
// every connection on the server.
//
// The hub is a pure distributor: it holds subscriptions only, never
// membership rows, and it never reorders events.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	channels map[uuid.UUID]*SessionChannel
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  metrics,
		channels: make(map[uuid.UUID]*SessionChannel),
	}
}

// GetOrCreateChannel returns a stable channel handle for the session.
func (h *Hub) GetOrCreateChannel(sessionID uuid.UUID) *SessionChannel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.channels[sessionID]; ok {
		return c
	}

	c := newSessionChannel(h, sessionID)
	h.channels[sessionID] = c
	h.metrics.channelOpened()
	return c
}

// Publish fans an envelope out to every current subscriber of the session.
// Publishing to a session with no channel or no subscribers is a silent
// no-op, not an error.
func (h *Hub) Publish(sessionID uuid.UUID, env v1.Envelope) {
	h.mu.RLock()
	c := h.channels[sessionID]
	h.mu.RUnlock()

	if c == nil {
		return
	}
	c.Broadcast(env)
}

// Subscribers reports the current subscriber count for a session.
func (h *Hub) Subscribers(sessionID uuid.UUID) int {
	h.mu.RLock()
	c := h.channels[sessionID]
	h.mu.RUnlock()

	if c == nil {
		return 0
	}
	return c.Len()
}

// dropIfEmpty removes the channel when its last subscriber is gone.
// Called by SessionChannel under its own lock released.
func (h *Hub) dropIfEmpty(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.channels[sessionID]
	if !ok || c.Len() != 0 {
		return
	}
	delete(h.channels, sessionID)
	h.metrics.channelClosed()
	h.log.Debug("hub.channel.drop", "session_id", sessionID)
}

// SessionChannel is the broadcast fan-out primitive for one session.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe are safe under concurrent Broadcast.
//   - Broadcast never blocks: a full subscriber queue drops the event and
//     latches the subscriber's missed-events flag instead.
//   - Broadcast is panic-safe because Client.Send is never closed by the server.
type SessionChannel struct {
	hub *Hub
	ID  uuid.UUID

	mu   sync.RWMutex
	subs map[string]*Client
}

func newSessionChannel(hub *Hub, id uuid.UUID) *SessionChannel {
	return &SessionChannel{
		hub:  hub,
		ID:   id,
		subs: make(map[string]*Client),
	}
}

// Subscribe adds a client to the channel, keyed by connection id.
func (c *SessionChannel) Subscribe(client *Client) {
	if c == nil || client == nil || client.ConnectionID == "" {
		return
	}

	c.mu.Lock()
	c.subs[client.ConnectionID] = client
	c.mu.Unlock()

	c.hub.log.Info("hub.subscribe", "session_id", c.ID, "connection_id", client.ConnectionID)
}

// Unsubscribe removes a client from the channel. Idempotent. The client's
// goroutines are left running; shutdown belongs to the connection handler.
func (c *SessionChannel) Unsubscribe(connectionID string) {
	if c == nil || connectionID == "" {
		return
	}

	c.mu.Lock()
	_, had := c.subs[connectionID]
	delete(c.subs, connectionID)
	empty := len(c.subs) == 0
	c.mu.Unlock()

	if had {
		c.hub.log.Info("hub.unsubscribe", "session_id", c.ID, "connection_id", connectionID)
	}
	if empty {
		c.hub.dropIfEmpty(c.ID)
	}
}

// Len returns the current subscriber count.
func (c *SessionChannel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Broadcast fans an envelope out to all subscribers without blocking.
func (c *SessionChannel) Broadcast(env v1.Envelope) {
	if c == nil {
		return
	}

	c.hub.metrics.eventPublished()

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sub := range c.subs {
		if sub == nil {
			continue
		}

		select {
		case <-sub.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case sub.Send <- env:
		default:
			// Drop rather than block the whole session; the subscriber is
			// told it fell behind on its next write cycle.
			sub.markMissed()
			c.hub.metrics.eventDropped()
		}
	}
}
