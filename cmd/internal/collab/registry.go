package collab

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Force67/texler/cmd/internal/auth"
)

// Connection is the ephemeral per-socket state. It is owned by its
// connection handler for the socket's lifetime and never persisted.
// All fields are guarded by mu because the liveness monitor and the
// membership manager read them from other goroutines.
type Connection struct {
	ID string

	mu            sync.Mutex
	identity      *auth.Identity
	sessionID     *uuid.UUID
	participantID *uuid.UUID
	lastSeen      time.Time
	authenticated bool

	// shutdown tears the connection down through the same path as an
	// explicit disconnect. Set once by the connection handler.
	shutdown func()
}

// Touch records inbound activity (frame, pong).
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// LastSeen returns the most recent activity timestamp.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// SetIdentity marks the connection authenticated.
func (c *Connection) SetIdentity(id auth.Identity, now time.Time) {
	c.mu.Lock()
	c.identity = &id
	c.authenticated = true
	c.lastSeen = now
	c.mu.Unlock()
}

// Identity returns the authenticated identity, or false before authentication.
func (c *Connection) Identity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated || c.identity == nil {
		return auth.Identity{}, false
	}
	return *c.identity, true
}

// SetSession records the joined session and participant row.
func (c *Connection) SetSession(sessionID, participantID uuid.UUID) {
	c.mu.Lock()
	sid, pid := sessionID, participantID
	c.sessionID = &sid
	c.participantID = &pid
	c.mu.Unlock()
}

// ClearSession drops the session reference. Idempotent.
func (c *Connection) ClearSession() {
	c.mu.Lock()
	c.sessionID = nil
	c.participantID = nil
	c.mu.Unlock()
}

// Session returns the current session and participant ids, or false when
// the connection has not joined one.
func (c *Connection) Session() (sessionID, participantID uuid.UUID, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == nil || c.participantID == nil {
		return uuid.Nil, uuid.Nil, false
	}
	return *c.sessionID, *c.participantID, true
}

// SetShutdown installs the teardown hook used by the liveness monitor.
func (c *Connection) SetShutdown(fn func()) {
	c.mu.Lock()
	c.shutdown = fn
	c.mu.Unlock()
}

// Shutdown invokes the teardown hook if one is installed.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	fn := c.shutdown
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Registry tracks every live connection. One lock guards the map; entries
// carry their own locks, so updates stay short and uncontended.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	conns map[string]*Connection

	// cleanup runs for connections unregistered while still holding a
	// session reference, driving membership teardown. Installed once at
	// wiring time.
	cleanup func(ctx context.Context, conn *Connection)
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		metrics: metrics,
		conns:   make(map[string]*Connection),
	}
}

// SetCleanup installs the membership cleanup hook. Must be called during
// wiring, before connections are accepted.
func (r *Registry) SetCleanup(fn func(ctx context.Context, conn *Connection)) {
	r.mu.Lock()
	r.cleanup = fn
	r.mu.Unlock()
}

// Register creates a zero-valued connection entry.
func (r *Registry) Register(connectionID string, now time.Time) *Connection {
	conn := &Connection{ID: connectionID, lastSeen: now}

	r.mu.Lock()
	r.conns[connectionID] = conn
	r.mu.Unlock()

	r.metrics.connOpened()
	r.log.Debug("registry.register", "connection_id", connectionID)
	return conn
}

// Get returns the connection's mutable state for update.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// Unregister removes the entry and, if the connection still held a session
// reference, runs membership cleanup. Unregistering an unknown id is a
// non-fatal no-op, which makes disconnect paths idempotent.
func (r *Registry) Unregister(ctx context.Context, connectionID string) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	cleanup := r.cleanup
	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.connClosed()

	if _, _, joined := conn.Session(); joined && cleanup != nil {
		cleanup(ctx, conn)
	}

	r.log.Debug("registry.unregister", "connection_id", connectionID)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns the current connections for iteration (liveness sweep).
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
