// ABOUTME: Tracks which users are online and when they were last seen
// ABOUTME: Driven by connection registry transitions, never by polling

package presence

import (
	"log/slog"
	"sync"
	"time"
)

// Tracker maintains per-user presence derived from live connections.
// A user is online iff their connection set is non-empty. Last-seen is
// updated on every connect, disconnect, and heartbeat.
type Tracker struct {
	mu          sync.RWMutex
	connections map[string]map[string]struct{} // user -> set of connection IDs
	lastSeen    map[string]time.Time
	logger      *slog.Logger
}

// NewTracker creates a presence tracker. Pass nil logger for default.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		connections: make(map[string]map[string]struct{}),
		lastSeen:    make(map[string]time.Time),
		logger:      logger.With("component", "presence"),
	}
}

// MarkOnline records a new connection for the user.
// Returns true if this transition brought the user online.
func (t *Tracker) MarkOnline(user, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns, ok := t.connections[user]
	if !ok {
		conns = make(map[string]struct{})
		t.connections[user] = conns
	}
	wasOffline := len(conns) == 0
	conns[connID] = struct{}{}
	t.lastSeen[user] = time.Now()

	if wasOffline {
		t.logger.Debug("user online", "user", user, "connection_id", connID)
	}
	return wasOffline
}

// MarkOffline removes a connection for the user. The user only goes offline
// when their last connection is removed; a user with two devices who closes
// one stays online. Returns true if this transition took the user offline.
func (t *Tracker) MarkOffline(user, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns, ok := t.connections[user]
	if !ok {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}
	delete(conns, connID)
	t.lastSeen[user] = time.Now()

	if len(conns) == 0 {
		delete(t.connections, user)
		t.logger.Debug("user offline", "user", user, "connection_id", connID)
		return true
	}
	return false
}

// Touch refreshes the user's last-seen timestamp (heartbeat activity).
func (t *Tracker) Touch(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[user] = time.Now()
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(user string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connections[user]) > 0
}

// LastSeen returns the user's last-seen timestamp. The zero time means the
// user has never been seen.
func (t *Tracker) LastSeen(user string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSeen[user]
}

// OnlineUsers returns the IDs of all currently online users.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := make([]string, 0, len(t.connections))
	for user := range t.connections {
		users = append(users, user)
	}
	return users
}
