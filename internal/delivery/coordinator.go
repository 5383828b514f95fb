// ABOUTME: DeliveryCoordinator orchestrates the send path: validate, sequence, persist, fan out
// ABOUTME: Durability comes before delivery - history is the source of truth, not a side effect

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobgrid/messaging/internal/conversation"
	"github.com/jobgrid/messaging/internal/dedupe"
	"github.com/jobgrid/messaging/internal/presence"
	"github.com/jobgrid/messaging/internal/registry"
	"github.com/jobgrid/messaging/internal/store"
	"github.com/jobgrid/messaging/internal/wire"
)

// ErrUnauthorized is returned when the caller is not a participant of the
// conversation they are acting on.
var ErrUnauthorized = errors.New("not a conversation participant")

// ErrInvalidPayload is returned when a message body violates size or content
// constraints. No state is created for an invalid send.
var ErrInvalidPayload = errors.New("invalid message payload")

// ErrPersistence wraps a durable-store failure during send. The sequence
// number issued for the failed message is burned; the caller resubmits and
// gets a fresh one, so no duplicate ever becomes visible.
var ErrPersistence = errors.New("persistence failed")

const (
	// DefaultMaxBodyBytes bounds a message body.
	DefaultMaxBodyBytes = 8192
	// DefaultReplayLimit caps how many backlog messages are replayed per
	// conversation on reconnect.
	DefaultReplayLimit = 500

	// markTimeout bounds the background delivery-marker writes, same as the
	// conversation save timeout.
	markTimeout = 5 * time.Second
)

// Options tune the coordinator. Zero values fall back to defaults.
type Options struct {
	MaxBodyBytes int
	ReplayLimit  int
	Logger       *slog.Logger
}

// Coordinator drives the message lifecycle across the router, sequencer,
// store, registry, and presence tracker. Per-message states advance
// submitted -> sequenced -> persisted -> fanned out or backlogged, and then
// per-recipient pending -> delivered -> acknowledged.
type Coordinator struct {
	store     store.Store
	router    *conversation.Router
	sequencer Sequencer
	registry  *registry.Registry
	presence  *presence.Tracker
	dedupe    *dedupe.Cache
	logger    *slog.Logger

	maxBodyBytes int
	replayLimit  int

	// per-conversation send locks: persist and fan-out are serialized per
	// conversation so recipients observe strictly increasing sequences.
	// Unrelated conversations never contend.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Sequencer issues per-conversation sequence numbers.
type Sequencer interface {
	Next(ctx context.Context, conversationID string) (uint64, error)
}

// New creates a DeliveryCoordinator.
func New(st store.Store, router *conversation.Router, seq Sequencer, reg *registry.Registry, pres *presence.Tracker, dd *dedupe.Cache, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	replayLimit := opts.ReplayLimit
	if replayLimit <= 0 {
		replayLimit = DefaultReplayLimit
	}
	return &Coordinator{
		store:        st,
		router:       router,
		sequencer:    seq,
		registry:     reg,
		presence:     pres,
		dedupe:       dd,
		logger:       logger.With("component", "delivery"),
		maxBodyBytes: maxBody,
		replayLimit:  replayLimit,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Send validates, sequences, persists, and fans out a message.
//
// The sender gets the persisted message back as soon as durability is
// confirmed. Fan-out to recipients is best-effort and never blocks or fails
// the send: recipients with no live connection (or whose outbound queue
// overflows) keep the message pending and pick it up via backlog replay on
// their next connect.
//
// clientMsgID, when non-empty, deduplicates retried submissions: a key seen
// before within the dedupe window returns the originally persisted message.
func (c *Coordinator) Send(ctx context.Context, sender, conversationID, body, clientMsgID string) (*store.Message, error) {
	if body == "" || len(body) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: body must be 1-%d bytes", ErrInvalidPayload, c.maxBodyBytes)
	}

	conv, err := c.router.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(sender) {
		return nil, ErrUnauthorized
	}

	var dedupeKey string
	if c.dedupe != nil && clientMsgID != "" {
		dedupeKey = dedupe.Key(sender, conversationID, clientMsgID)
	}

	lock := c.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	// Lookup must happen under the send lock: a concurrent resubmission
	// waits here until the first copy has persisted and been remembered,
	// so at most one copy of a client message ID ever reaches the store.
	if dedupeKey != "" {
		if msg, ok := c.dedupe.Lookup(dedupeKey); ok {
			c.logger.Debug("duplicate send suppressed",
				"conversation_id", conversationID,
				"sender", sender,
				"client_msg_id", clientMsgID,
				"seq", msg.Seq)
			return msg, nil
		}
	}

	seq, err := c.sequencer.Next(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Seq:            seq,
		Sender:         sender,
		Body:           body,
		CreatedAt:      time.Now(),
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		// seq is burned; the caller retries as a new send
		c.logger.Error("message persist failed",
			"conversation_id", conversationID,
			"seq", seq,
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if dedupeKey != "" {
		c.dedupe.Remember(dedupeKey, msg)
	}

	c.logger.Debug("message persisted",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"seq", seq,
		"sender", sender)

	c.fanOut(msg, conv)
	return msg, nil
}

// fanOut pushes a persisted message to every live connection of every
// participant other than the sender. Pushes are non-blocking queue writes;
// a recipient with no connection left is backlogged (delivery state stays
// pending). Called with the conversation send lock held so recipients see
// messages in sequence order.
func (c *Coordinator) fanOut(msg *store.Message, conv *store.Conversation) {
	env := wire.Deliver(msg)

	for _, user := range conv.Participants {
		if user == msg.Sender {
			continue
		}
		sent := c.registry.SendToUser(user, env)
		if sent == 0 {
			c.logger.Debug("recipient offline, message backlogged",
				"conversation_id", msg.ConversationID,
				"seq", msg.Seq,
				"user", user)
			continue
		}
		c.markDelivered(msg.ConversationID, user, msg.Seq)
	}
}

// markDelivered advances a recipient's delivery marker in the background
// with its own timeout, so marker writes survive request cancellation and
// never hold up the send path.
func (c *Coordinator) markDelivered(conversationID, user string, seq uint64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
		defer cancel()

		if err := c.store.MarkDelivered(ctx, conversationID, user, seq); err != nil {
			c.logger.Error("failed to record delivery marker",
				"conversation_id", conversationID,
				"user", user,
				"seq", seq,
				"error", err)
		}
	}()
}

// Acknowledge advances the user's cursor for the conversation. The cursor is
// monotonic: acknowledging a lower or equal sequence is a no-op, and batched
// acks past the end of the log clamp to the highest persisted sequence.
// When the cursor actually moves, the new position is fanned back to the
// user's own connections so other devices see the read state immediately.
func (c *Coordinator) Acknowledge(ctx context.Context, user, conversationID string, seq uint64) error {
	ok, err := c.router.IsParticipant(ctx, conversationID, user)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}

	prev, err := c.store.AckCursor(ctx, conversationID, user)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := c.store.RecordAck(ctx, conversationID, user, seq); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	cursor, err := c.store.AckCursor(ctx, conversationID, user)
	if err == nil && cursor > prev {
		c.registry.SendToUser(user, wire.AckUpdate(conversationID, user, cursor))
	}
	return nil
}

// Replay pushes the user's backlog to one connection: every persisted
// message with sequence greater than the user's ack cursor, per
// conversation, in increasing sequence order. Each conversation's marker
// advances as its messages are pushed. Redelivery of delivered-but-unacked
// messages is expected; the cursor only moves on explicit acknowledgment.
//
// A message fanned out between registration and the backlog read here can
// land in the queue ahead of older backlog messages, so a reconnecting
// client may briefly observe a higher sequence before the replayed lower
// ones (which then include that message again). Clients order by sequence
// number, not arrival, so the window is observable but harmless.
func (c *Coordinator) Replay(ctx context.Context, user, connID string) error {
	convs, err := c.store.ListConversationsFor(ctx, user)
	if err != nil {
		return fmt.Errorf("listing conversations for replay: %w", err)
	}

	type backlog struct {
		conversationID string
		messages       []*store.Message
	}
	var backlogs []backlog
	total := 0
	for _, conv := range convs {
		cursor, err := c.store.AckCursor(ctx, conv.ID, user)
		if err != nil {
			return fmt.Errorf("reading ack cursor: %w", err)
		}
		msgs, err := c.store.ReadRange(ctx, conv.ID, cursor+1, 0, c.replayLimit)
		if err != nil {
			return fmt.Errorf("reading backlog: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}
		backlogs = append(backlogs, backlog{conversationID: conv.ID, messages: msgs})
		total += len(msgs)
	}

	if total == 0 {
		return nil
	}

	if err := c.registry.Send(connID, wire.Backlog(total)); err != nil {
		return err
	}

	for _, b := range backlogs {
		var last uint64
		for _, msg := range b.messages {
			if err := c.registry.Send(connID, wire.Deliver(msg)); err != nil {
				// Connection vanished mid-replay; what was not pushed
				// stays backlogged for the next connect
				return err
			}
			last = msg.Seq
		}
		c.markDelivered(b.conversationID, user, last)
	}

	c.logger.Info("backlog replayed",
		"user", user,
		"connection_id", connID,
		"messages", total)
	return nil
}

// NotifyTyping fans a typing indicator out to the other participants.
// Typing state is transient and never persisted.
func (c *Coordinator) NotifyTyping(ctx context.Context, user, conversationID string, typing bool) error {
	conv, err := c.router.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(user) {
		return ErrUnauthorized
	}

	peers := make([]string, 0, len(conv.Participants))
	for _, peer := range conv.Participants {
		if peer != user {
			peers = append(peers, peer)
		}
	}
	c.registry.Broadcast(peers, wire.Typing(conversationID, user, typing))
	return nil
}

// BroadcastPresence pushes the user's presence change to everyone who shares
// a conversation with them.
func (c *Coordinator) BroadcastPresence(ctx context.Context, user string, online bool) {
	convs, err := c.store.ListConversationsFor(ctx, user)
	if err != nil {
		c.logger.Error("presence broadcast failed listing conversations",
			"user", user,
			"error", err)
		return
	}

	seen := make(map[string]struct{})
	var peers []string
	for _, conv := range convs {
		for _, p := range conv.Participants {
			if p == user {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			peers = append(peers, p)
		}
	}
	if len(peers) == 0 {
		return
	}

	c.registry.Broadcast(peers, wire.Presence(user, online, c.presence.LastSeen(user)))
}

// OnConnect runs the reconnect protocol for a freshly registered connection:
// confirm the handshake, replay the backlog, and announce presence if this
// connection brought the user online.
func (c *Coordinator) OnConnect(ctx context.Context, user, connID string, wentOnline bool) {
	if err := c.registry.Send(connID, wire.Connected(user)); err != nil {
		return
	}
	if err := c.Replay(ctx, user, connID); err != nil {
		c.logger.Warn("backlog replay aborted",
			"user", user,
			"connection_id", connID,
			"error", err)
	}
	if wentOnline {
		c.BroadcastPresence(ctx, user, true)
	}
}

// OnDisconnect announces presence when the user's last connection closed.
func (c *Coordinator) OnDisconnect(ctx context.Context, user string, wentOffline bool) {
	if wentOffline {
		c.BroadcastPresence(ctx, user, false)
	}
}

// HandleDrop is wired as the registry's drop handler so registry-initiated
// disconnects (slow consumer, stale sweep) announce presence like any other.
func (c *Coordinator) HandleDrop(user, connID string, wentOffline bool) {
	ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
	defer cancel()
	c.OnDisconnect(ctx, user, wentOffline)
}

// lockFor returns the conversation's send lock, creating it if needed.
func (c *Coordinator) lockFor(conversationID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[conversationID] = lock
	}
	return lock
}
