// ABOUTME: Store interface and data types for the messaging core persistence layer
// ABOUTME: Defines Conversation, Message structs and the Store interface for durable append/read

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation with the same
// participant set already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateSeq is returned when appending a message whose sequence number
// is already taken within its conversation
var ErrDuplicateSeq = errors.New("sequence number already used")

// Conversation is a fixed participant set plus its ordered message log.
// Membership is immutable after creation.
type Conversation struct {
	ID           string
	Participants []string // normalized: sorted, deduplicated
	CreatedAt    time.Time
}

// HasParticipant reports whether user is a member of the conversation.
func (c *Conversation) HasParticipant(user string) bool {
	for _, p := range c.Participants {
		if p == user {
			return true
		}
	}
	return false
}

// Message is a single entry in a conversation's append-only log.
// Seq is the per-conversation sequence number, strictly increasing from 1.
type Message struct {
	ID             string
	ConversationID string
	Seq            uint64
	Sender         string
	Body           string
	CreatedAt      time.Time
}

// DeliveryState describes how far a message has progressed for one recipient.
type DeliveryState string

const (
	DeliveryPending      DeliveryState = "pending"
	DeliveryDelivered    DeliveryState = "delivered"
	DeliveryAcknowledged DeliveryState = "acknowledged"
)

// ConversationKey derives the canonical identity key for a participant set.
// The same set of users always yields the same key regardless of input order,
// which is what makes conversation creation idempotent.
func ConversationKey(participants []string) string {
	normalized := NormalizeParticipants(participants)
	return strings.Join(normalized, "|")
}

// NormalizeParticipants returns the participant set sorted and deduplicated.
func NormalizeParticipants(participants []string) []string {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Store defines the interface for conversation and message persistence.
// Message history is append-only per conversation; delivery markers and
// acknowledgment cursors only ever advance.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByKey(ctx context.Context, key string) (*Conversation, error)
	ListConversationsFor(ctx context.Context, user string) ([]*Conversation, error)

	// Messages (append-only log)
	AppendMessage(ctx context.Context, msg *Message) error
	ReadRange(ctx context.Context, conversationID string, fromSeq, toSeq uint64, limit int) ([]*Message, error)
	MaxSeq(ctx context.Context, conversationID string) (uint64, error)

	// Per-recipient delivery tracking
	MarkDelivered(ctx context.Context, conversationID, user string, seq uint64) error
	DeliveredSeq(ctx context.Context, conversationID, user string) (uint64, error)
	RecordAck(ctx context.Context, conversationID, user string, seq uint64) error
	AckCursor(ctx context.Context, conversationID, user string) (uint64, error)

	// Close releases any resources held by the store
	Close() error
}
