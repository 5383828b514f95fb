// ABOUTME: Resolves conversations from participant sets and validates membership
// ABOUTME: Conversation identity is deterministic: one participant set, one conversation

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jobgrid/messaging/internal/store"
)

// ErrInvalidParticipants is returned when a participant set has fewer than
// two distinct members.
var ErrInvalidParticipants = errors.New("conversation requires at least two distinct participants")

// Router owns conversation identity and membership. Creation is idempotent:
// the same participant set always resolves to the same conversation, in any
// order, under any concurrency.
type Router struct {
	store  store.Store
	logger *slog.Logger
}

// NewRouter creates a conversation router. Pass nil logger for default.
func NewRouter(st store.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  st,
		logger: logger.With("component", "conversation"),
	}
}

// GetOrCreate resolves the conversation for the participant set, creating it
// on first use. Participant-set equality is order-independent. The create
// race between two concurrent callers is resolved by the store's unique
// participant key: the loser retries the lookup and returns the winner's
// conversation.
func (r *Router) GetOrCreate(ctx context.Context, participants []string) (*store.Conversation, error) {
	normalized := store.NormalizeParticipants(participants)
	if len(normalized) < 2 {
		return nil, ErrInvalidParticipants
	}
	key := store.ConversationKey(normalized)

	conv, err := r.store.GetConversationByKey(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = &store.Conversation{
		ID:           uuid.New().String(),
		Participants: normalized,
		CreatedAt:    time.Now(),
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		// Another caller may have created the conversation between our
		// lookup and insert attempt
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := r.store.GetConversationByKey(ctx, key)
			if lookupErr == nil {
				r.logger.Debug("found existing conversation after race",
					"conversation_id", existing.ID)
				return existing, nil
			}
			r.logger.Error("retry lookup failed after duplicate error",
				"lookup_error", lookupErr)
			return nil, lookupErr
		}
		return nil, err
	}

	r.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"participants", len(normalized))
	return conv, nil
}

// Get returns the conversation by ID. Returns store.ErrNotFound if unknown.
func (r *Router) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return r.store.GetConversation(ctx, conversationID)
}

// ParticipantsOf returns the participant set of a conversation.
// Returns store.ErrNotFound if the conversation is unknown.
func (r *Router) ParticipantsOf(ctx context.Context, conversationID string) ([]string, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Participants, nil
}

// IsParticipant reports whether user is a member of the conversation.
// Returns store.ErrNotFound if the conversation is unknown.
func (r *Router) IsParticipant(ctx context.Context, conversationID, user string) (bool, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(user), nil
}

// ListFor returns every conversation the user participates in.
func (r *Router) ListFor(ctx context.Context, user string) ([]*store.Conversation, error) {
	convs, err := r.store.ListConversationsFor(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}
