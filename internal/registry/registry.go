// ABOUTME: Registry of live connections keyed by user, with multi-device support
// ABOUTME: Push targets are Deliverables; a full outbound queue drops the connection

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobgrid/messaging/internal/presence"
	"github.com/jobgrid/messaging/internal/wire"
)

// ErrConnectionGone indicates a push target that is no longer registered.
var ErrConnectionGone = errors.New("connection gone")

// Deliverable is the capability a registered connection exposes for pushes.
// Implemented by Queue for the real transport and by test doubles in tests.
type Deliverable interface {
	// Deliver enqueues an envelope without blocking. Returns ErrQueueFull
	// when the outbound queue is at capacity and ErrClosed after Close.
	Deliver(env *wire.Envelope) error
	// Close releases the target. Idempotent.
	Close()
}

// Connection is the registry's record of one live connection.
type Connection struct {
	ID       string
	User     string
	OpenedAt time.Time

	target     Deliverable
	lastActive time.Time // guarded by Registry.mu
}

// Registry owns the set of live connections. Registration and removal notify
// the presence tracker synchronously, so presence is never observably stale
// relative to the registry.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection            // connection ID -> connection
	userConns map[string]map[string]*Connection // user -> connection ID -> connection
	presence  *presence.Tracker
	onDrop    func(user, connID string, wentOffline bool)
	logger    *slog.Logger
}

// New creates a connection registry backed by the given presence tracker.
func New(tracker *presence.Tracker, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:     make(map[string]*Connection),
		userConns: make(map[string]map[string]*Connection),
		presence:  tracker,
		logger:    logger.With("component", "registry"),
	}
}

// SetDropHandler installs a callback invoked when the registry itself drops
// a connection (queue overflow or stale sweep). Not called for explicit
// Unregister. Must be set before connections register.
func (r *Registry) SetDropHandler(fn func(user, connID string, wentOffline bool)) {
	r.onDrop = fn
}

// Register adds a connection for the user and marks them online.
// Returns the connection record and whether the user transitioned to online.
func (r *Registry) Register(user string, target Deliverable) (*Connection, bool) {
	conn := &Connection{
		ID:         uuid.New().String(),
		User:       user,
		OpenedAt:   time.Now(),
		target:     target,
		lastActive: time.Now(),
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	byUser, ok := r.userConns[user]
	if !ok {
		byUser = make(map[string]*Connection)
		r.userConns[user] = byUser
	}
	byUser[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	wentOnline := r.presence.MarkOnline(user, conn.ID)

	r.logger.Info("connection registered",
		"user", user,
		"connection_id", conn.ID,
		"total_connections", total)
	return conn, wentOnline
}

// Unregister removes a connection and closes its push target. Idempotent:
// removing an unknown or already-removed connection is a no-op, which
// absorbs the race between disconnect detection and explicit logout.
// Returns whether the user transitioned to offline.
func (r *Registry) Unregister(connID string) bool {
	conn, removed := r.remove(connID)
	if !removed {
		return false
	}

	wentOffline := r.presence.MarkOffline(conn.User, connID)
	conn.target.Close()

	r.logger.Info("connection unregistered",
		"user", conn.User,
		"connection_id", connID)
	return wentOffline
}

// remove detaches the connection from both indexes. Second return is false
// if the connection was not registered.
func (r *Registry) remove(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	if byUser, ok := r.userConns[conn.User]; ok {
		delete(byUser, connID)
		if len(byUser) == 0 {
			delete(r.userConns, conn.User)
		}
	}
	return conn, true
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(user string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byUser := r.userConns[user]
	conns := make([]*Connection, 0, len(byUser))
	for _, conn := range byUser {
		conns = append(conns, conn)
	}
	return conns
}

// Send pushes an envelope to one connection. A full outbound queue means the
// connection is too slow to keep up: it is dropped and treated as offline,
// and the caller gets ErrConnectionGone. Backlog replay on reconnect covers
// whatever the dropped connection missed.
func (r *Registry) Send(connID string, env *wire.Envelope) error {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()

	if !ok {
		return ErrConnectionGone
	}

	if err := conn.target.Deliver(env); err != nil {
		r.logger.Warn("dropping slow connection",
			"user", conn.User,
			"connection_id", connID,
			"error", err)
		r.drop(connID)
		return ErrConnectionGone
	}
	return nil
}

// SendToUser pushes an envelope to every connection of the user.
// Returns how many connections accepted the push.
func (r *Registry) SendToUser(user string, env *wire.Envelope) int {
	sent := 0
	for _, conn := range r.ConnectionsFor(user) {
		if r.Send(conn.ID, env) == nil {
			sent++
		}
	}
	return sent
}

// Broadcast pushes an envelope to every connection of each listed user.
func (r *Registry) Broadcast(users []string, env *wire.Envelope) {
	for _, user := range users {
		r.SendToUser(user, env)
	}
}

// Touch records activity on a connection (read traffic or heartbeat) and
// refreshes the user's last-seen timestamp.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		conn.lastActive = time.Now()
	}
	r.mu.Unlock()

	if ok {
		r.presence.Touch(conn.User)
	}
}

// RemoveStale drops connections with no activity within timeout. Treated
// identically to explicit disconnect. Returns the dropped connection IDs.
func (r *Registry) RemoveStale(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var stale []string
	for id, conn := range r.conns {
		if conn.lastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Warn("removing stale connection", "connection_id", id)
		r.drop(id)
	}
	return stale
}

// drop removes a connection on the registry's own initiative and fires the
// drop handler.
func (r *Registry) drop(connID string) {
	conn, removed := r.remove(connID)
	if !removed {
		return
	}

	wentOffline := r.presence.MarkOffline(conn.User, connID)
	conn.target.Close()

	if r.onDrop != nil {
		r.onDrop(conn.User, connID, wentOffline)
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
