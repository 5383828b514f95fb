// ABOUTME: Per-conversation sequence number issuance, the ordering authority
// ABOUTME: Counters are seeded from the store and never reuse a number, even after failed sends

package sequence

import (
	"context"
	"fmt"
	"sync"

	"github.com/jobgrid/messaging/internal/store"
)

// SeqSource is what the sequencer needs from storage: the highest persisted
// sequence number per conversation, used to seed counters after restart.
type SeqSource interface {
	MaxSeq(ctx context.Context, conversationID string) (uint64, error)
}

// Sequencer issues strictly increasing, per-conversation sequence numbers
// starting at 1. Issuance is serialized per conversation, so two concurrent
// sends to the same conversation can never receive the same number. A number
// handed out for a message that later fails to persist is burned: the caller
// resubmits and gets a fresh one.
type Sequencer struct {
	source SeqSource

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	mu     sync.Mutex
	seeded bool
	last   uint64
}

// New creates a sequencer seeded lazily from the given source.
func New(source SeqSource) *Sequencer {
	return &Sequencer{
		source:   source,
		counters: make(map[string]*counter),
	}
}

// Next returns the next sequence number for the conversation. The first call
// for a conversation reads the store's max persisted sequence so restarts
// continue the series instead of restarting it.
func (s *Sequencer) Next(ctx context.Context, conversationID string) (uint64, error) {
	c := s.counterFor(conversationID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seeded {
		max, err := s.source.MaxSeq(ctx, conversationID)
		if err != nil {
			return 0, fmt.Errorf("seeding sequence counter: %w", err)
		}
		c.last = max
		c.seeded = true
	}

	c.last++
	return c.last, nil
}

// counterFor returns the conversation's counter, creating it if needed.
// Only the lookup is globally locked; issuance contends per conversation.
func (s *Sequencer) counterFor(conversationID string) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[conversationID]
	if !ok {
		c = &counter{}
		s.counters[conversationID] = c
	}
	return c
}

// compile-time check: the full store satisfies SeqSource
var _ SeqSource = (store.Store)(nil)
