// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation     // keyed by conversation ID
	convIndex     map[string]string            // participant key -> conversation ID
	messages      map[string][]*Message        // keyed by conversation ID, seq-ordered
	delivered     map[string]uint64            // keyed by "conversationID|user"
	acked         map[string]uint64            // keyed by "conversationID|user"

	// AppendErr, when set, is returned by AppendMessage. Lets tests simulate
	// a persistence outage mid-send.
	AppendErr error

	// AppendHook, when set, runs at the start of AppendMessage before any
	// locking. Lets tests widen the persist window to exercise concurrent
	// send interleavings.
	AppendHook func()
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		convIndex:     make(map[string]string),
		messages:      make(map[string][]*Message),
		delivered:     make(map[string]uint64),
		acked:         make(map[string]uint64),
	}
}

func cursorKey(conversationID, user string) string {
	return conversationID + "|" + user
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ConversationKey(conv.Participants)
	if _, exists := m.convIndex[key]; exists {
		return ErrDuplicateConversation
	}

	// Copy with normalized participants to avoid external modification
	c := *conv
	c.Participants = NormalizeParticipants(conv.Participants)
	m.conversations[c.ID] = &c
	m.convIndex[key] = c.ID
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// GetConversationByKey retrieves a conversation by its canonical participant key.
func (m *MockStore) GetConversationByKey(ctx context.Context, key string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.convIndex[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.conversations[id]
	return &c, nil
}

// ListConversationsFor returns all conversations the user participates in.
func (m *MockStore) ListConversationsFor(ctx context.Context, user string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, conv := range m.conversations {
		if conv.HasParticipant(user) {
			c := *conv
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// AppendMessage appends a message, enforcing sequence uniqueness.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	if m.AppendHook != nil {
		m.AppendHook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}

	for _, existing := range m.messages[msg.ConversationID] {
		if existing.Seq == msg.Seq {
			return ErrDuplicateSeq
		}
	}

	copied := *msg
	msgs := append(m.messages[msg.ConversationID], &copied)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	m.messages[msg.ConversationID] = msgs
	return nil
}

// ReadRange returns messages in [fromSeq, toSeq] ordered by seq ascending.
// A toSeq of 0 means "to the end of the log". limit <= 0 means no limit.
func (m *MockStore) ReadRange(ctx context.Context, conversationID string, fromSeq, toSeq uint64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && msg.Seq > toSeq {
			break
		}
		copied := *msg
		result = append(result, &copied)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// MaxSeq returns the highest sequence number persisted for the conversation.
func (m *MockStore) MaxSeq(ctx context.Context, conversationID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSeqLocked(conversationID), nil
}

func (m *MockStore) maxSeqLocked(conversationID string) uint64 {
	msgs := m.messages[conversationID]
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].Seq
}

// MarkDelivered advances the delivery marker for the user.
func (m *MockStore) MarkDelivered(ctx context.Context, conversationID, user string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cursorKey(conversationID, user)
	if seq > m.delivered[key] {
		m.delivered[key] = seq
	}
	return nil
}

// DeliveredSeq returns the highest sequence number pushed to the user.
func (m *MockStore) DeliveredSeq(ctx context.Context, conversationID, user string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.delivered[cursorKey(conversationID, user)], nil
}

// RecordAck advances the user's acknowledgment cursor, clamped to the
// highest persisted sequence.
func (m *MockStore) RecordAck(ctx context.Context, conversationID, user string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if max := m.maxSeqLocked(conversationID); seq > max {
		seq = max
	}
	key := cursorKey(conversationID, user)
	if seq > m.acked[key] {
		m.acked[key] = seq
	}
	return nil
}

// AckCursor returns the user's acknowledgment cursor.
func (m *MockStore) AckCursor(ctx context.Context, conversationID, user string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.acked[cursorKey(conversationID, user)], nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
