// ABOUTME: Tests for the presence tracker
// ABOUTME: Verifies multi-device transitions and last-seen bookkeeping

package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkOnlineOffline(t *testing.T) {
	tracker := NewTracker(nil)

	assert.False(t, tracker.IsOnline("alice"))

	wentOnline := tracker.MarkOnline("alice", "conn-1")
	assert.True(t, wentOnline)
	assert.True(t, tracker.IsOnline("alice"))

	wentOffline := tracker.MarkOffline("alice", "conn-1")
	assert.True(t, wentOffline)
	assert.False(t, tracker.IsOnline("alice"))
}

func TestMultiDevice_StaysOnlineUntilLastConnectionCloses(t *testing.T) {
	tracker := NewTracker(nil)

	assert.True(t, tracker.MarkOnline("alice", "phone"))
	assert.False(t, tracker.MarkOnline("alice", "laptop"), "second device is not a transition")

	assert.False(t, tracker.MarkOffline("alice", "phone"), "one device left, still online")
	assert.True(t, tracker.IsOnline("alice"))

	assert.True(t, tracker.MarkOffline("alice", "laptop"))
	assert.False(t, tracker.IsOnline("alice"))
}

func TestMarkOffline_UnknownConnectionIsNoop(t *testing.T) {
	tracker := NewTracker(nil)

	assert.False(t, tracker.MarkOffline("alice", "never-registered"))

	tracker.MarkOnline("alice", "conn-1")
	assert.False(t, tracker.MarkOffline("alice", "other-conn"))
	assert.True(t, tracker.IsOnline("alice"))
}

func TestLastSeen(t *testing.T) {
	tracker := NewTracker(nil)

	assert.True(t, tracker.LastSeen("alice").IsZero())

	tracker.MarkOnline("alice", "conn-1")
	afterConnect := tracker.LastSeen("alice")
	assert.False(t, afterConnect.IsZero())

	tracker.Touch("alice")
	assert.False(t, tracker.LastSeen("alice").Before(afterConnect))

	// Disconnecting updates last-seen too
	tracker.MarkOffline("alice", "conn-1")
	assert.False(t, tracker.LastSeen("alice").Before(afterConnect))
}

func TestOnlineUsers(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.MarkOnline("alice", "a1")
	tracker.MarkOnline("bob", "b1")
	tracker.MarkOffline("bob", "b1")

	users := tracker.OnlineUsers()
	assert.Equal(t, []string{"alice"}, users)
}
