// ABOUTME: Tests for the connection registry and outbound queue
// ABOUTME: Covers multi-device snapshots, idempotent removal, and overflow drops

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobgrid/messaging/internal/presence"
	"github.com/jobgrid/messaging/internal/wire"
)

// sink is a Deliverable test double that records envelopes.
type sink struct {
	envelopes  []*wire.Envelope
	deliverErr error
	closed     bool
}

func (s *sink) Deliver(env *wire.Envelope) error {
	if s.deliverErr != nil {
		return s.deliverErr
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *sink) Close() { s.closed = true }

func newTestRegistry() (*Registry, *presence.Tracker) {
	tracker := presence.NewTracker(nil)
	return New(tracker, nil), tracker
}

func TestRegisterNotifiesPresenceSynchronously(t *testing.T) {
	reg, tracker := newTestRegistry()

	conn, wentOnline := reg.Register("alice", &sink{})
	require.NotEmpty(t, conn.ID)
	assert.True(t, wentOnline)
	// Presence must already reflect the registration when Register returns
	assert.True(t, tracker.IsOnline("alice"))

	wentOffline := reg.Unregister(conn.ID)
	assert.True(t, wentOffline)
	assert.False(t, tracker.IsOnline("alice"))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()

	conn, _ := reg.Register("alice", &sink{})
	assert.True(t, reg.Unregister(conn.ID))
	// Second removal is a no-op, not an error
	assert.False(t, reg.Unregister(conn.ID))
	assert.False(t, reg.Unregister("never-existed"))
}

func TestConnectionsFor_MultiDevice(t *testing.T) {
	reg, tracker := newTestRegistry()

	phone, _ := reg.Register("alice", &sink{})
	laptop, _ := reg.Register("alice", &sink{})

	conns := reg.ConnectionsFor("alice")
	assert.Len(t, conns, 2)

	reg.Unregister(phone.ID)
	assert.Len(t, reg.ConnectionsFor("alice"), 1)
	assert.True(t, tracker.IsOnline("alice"), "one device left, still online")

	reg.Unregister(laptop.ID)
	assert.Empty(t, reg.ConnectionsFor("alice"))
	assert.False(t, tracker.IsOnline("alice"))
}

func TestSend_UnknownConnection(t *testing.T) {
	reg, _ := newTestRegistry()

	err := reg.Send("missing", wire.Pong())
	assert.ErrorIs(t, err, ErrConnectionGone)
}

func TestSend_FullQueueDropsConnection(t *testing.T) {
	reg, tracker := newTestRegistry()

	var dropped []string
	reg.SetDropHandler(func(user, connID string, wentOffline bool) {
		dropped = append(dropped, connID)
		assert.Equal(t, "alice", user)
		assert.True(t, wentOffline)
	})

	target := &sink{deliverErr: ErrQueueFull}
	conn, _ := reg.Register("alice", target)

	err := reg.Send(conn.ID, wire.Pong())
	assert.ErrorIs(t, err, ErrConnectionGone)
	assert.True(t, target.closed, "dropped connection's target must be closed")
	assert.False(t, tracker.IsOnline("alice"), "dropped connection counts as offline")
	assert.Equal(t, []string{conn.ID}, dropped)
}

func TestSendToUser_CountsAcceptedPushes(t *testing.T) {
	reg, _ := newTestRegistry()

	good := &sink{}
	bad := &sink{deliverErr: ErrQueueFull}
	reg.Register("alice", good)
	reg.Register("alice", bad)

	sent := reg.SendToUser("alice", wire.Pong())
	assert.Equal(t, 1, sent)
	assert.Len(t, good.envelopes, 1)
}

func TestBroadcast_ReachesEveryListedUser(t *testing.T) {
	reg, _ := newTestRegistry()

	alice := &sink{}
	bobPhone := &sink{}
	bobLaptop := &sink{}
	carol := &sink{}
	reg.Register("alice", alice)
	reg.Register("bob", bobPhone)
	reg.Register("bob", bobLaptop)
	reg.Register("carol", carol)

	reg.Broadcast([]string{"alice", "bob"}, wire.Pong())

	assert.Len(t, alice.envelopes, 1)
	assert.Len(t, bobPhone.envelopes, 1)
	assert.Len(t, bobLaptop.envelopes, 1)
	assert.Empty(t, carol.envelopes, "carol was not listed")
}

func TestRemoveStale(t *testing.T) {
	reg, _ := newTestRegistry()

	conn, _ := reg.Register("alice", &sink{})

	// Fresh connection survives the sweep
	assert.Empty(t, reg.RemoveStale(time.Minute))
	assert.Equal(t, 1, reg.Len())

	// With a zero timeout everything is stale
	stale := reg.RemoveStale(0)
	assert.Equal(t, []string{conn.ID}, stale)
	assert.Equal(t, 0, reg.Len())
}

func TestQueue_DeliverAndDrain(t *testing.T) {
	q := NewQueue(2)

	require.NoError(t, q.Deliver(wire.Pong()))
	require.NoError(t, q.Deliver(wire.Pong()))
	assert.ErrorIs(t, q.Deliver(wire.Pong()), ErrQueueFull)

	// Draining makes room again
	<-q.Outbound()
	require.NoError(t, q.Deliver(wire.Pong()))

	q.Close()
	assert.ErrorIs(t, q.Deliver(wire.Pong()), ErrClosed)

	// Already queued envelopes remain readable, then the channel closes
	count := 0
	for range q.Outbound() {
		count++
	}
	assert.Equal(t, 2, count)

	// Close is idempotent
	q.Close()
}
