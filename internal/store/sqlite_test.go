// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation creation, message append/read, and cursor monotonicity

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return s
}

func newTestConversation(participants ...string) *Conversation {
	return &Conversation{
		ID:           uuid.New().String(),
		Participants: participants,
		CreatedAt:    time.Now(),
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	conv := newTestConversation("bob", "alice")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.ID != conv.ID {
		t.Errorf("ID = %q, want %q", got.ID, conv.ID)
	}
	// Participants come back normalized
	if len(got.Participants) != 2 || got.Participants[0] != "alice" || got.Participants[1] != "bob" {
		t.Errorf("Participants = %v, want [alice bob]", got.Participants)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetConversation(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateConversation_DuplicateParticipantSet(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.CreateConversation(ctx, newTestConversation("alice", "bob")); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	// Same set in a different order collides on the participant key
	err := store.CreateConversation(ctx, newTestConversation("bob", "alice"))
	if err != ErrDuplicateConversation {
		t.Errorf("err = %v, want ErrDuplicateConversation", err)
	}
}

func TestGetConversationByKey(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	conv := newTestConversation("carol", "alice", "bob")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := store.GetConversationByKey(ctx, ConversationKey([]string{"bob", "carol", "alice"}))
	if err != nil {
		t.Fatalf("GetConversationByKey failed: %v", err)
	}
	if got.ID != conv.ID {
		t.Errorf("ID = %q, want %q", got.ID, conv.ID)
	}
}

func TestListConversationsFor(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	first := newTestConversation("alice", "bob")
	first.CreatedAt = time.Now().Add(-time.Hour)
	second := newTestConversation("alice", "carol")

	for _, conv := range []*Conversation{first, second} {
		if err := store.CreateConversation(ctx, conv); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}

	convs, err := store.ListConversationsFor(ctx, "alice")
	if err != nil {
		t.Fatalf("ListConversationsFor failed: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != first.ID {
		t.Errorf("conversations not ordered oldest first")
	}

	convs, err = store.ListConversationsFor(ctx, "bob")
	if err != nil {
		t.Fatalf("ListConversationsFor failed: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("got %d conversations for bob, want 1", len(convs))
	}
}

func TestAppendAndReadRange(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	conv := newTestConversation("alice", "bob")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Seq:            seq,
			Sender:         "alice",
			Body:           fmt.Sprintf("message %d", seq),
			CreatedAt:      time.Now(),
		}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage(%d) failed: %v", seq, err)
		}
	}

	msgs, err := store.ReadRange(ctx, conv.ID, 2, 4, 0)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, msg := range msgs {
		if want := uint64(i + 2); msg.Seq != want {
			t.Errorf("msgs[%d].Seq = %d, want %d", i, msg.Seq, want)
		}
	}

	// Open-ended read from seq 3
	msgs, err = store.ReadRange(ctx, conv.ID, 3, 0, 0)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("got %d messages from seq 3, want 3", len(msgs))
	}

	// Limit caps the result
	msgs, err = store.ReadRange(ctx, conv.ID, 1, 0, 2)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages with limit 2, want 2", len(msgs))
	}
}

func TestAppendMessage_DuplicateSeq(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	conv := newTestConversation("alice", "bob")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Seq:            1,
		Sender:         "alice",
		Body:           "hi",
		CreatedAt:      time.Now(),
	}
	if err := store.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	dup := *msg
	dup.ID = uuid.New().String()
	if err := store.AppendMessage(ctx, &dup); err != ErrDuplicateSeq {
		t.Errorf("err = %v, want ErrDuplicateSeq", err)
	}
}

func TestMaxSeq(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	conv := newTestConversation("alice", "bob")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	max, err := store.MaxSeq(ctx, conv.ID)
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if max != 0 {
		t.Errorf("MaxSeq on empty log = %d, want 0", max)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Seq:            seq,
			Sender:         "alice",
			Body:           "x",
			CreatedAt:      time.Now(),
		}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	max, err = store.MaxSeq(ctx, conv.ID)
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if max != 3 {
		t.Errorf("MaxSeq = %d, want 3", max)
	}
}

func TestRecordAck_MonotonicAndClamped(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	conv := newTestConversation("alice", "bob")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	for seq := uint64(1); seq <= 5; seq++ {
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Seq:            seq,
			Sender:         "alice",
			Body:           "x",
			CreatedAt:      time.Now(),
		}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	if err := store.RecordAck(ctx, conv.ID, "bob", 5); err != nil {
		t.Fatalf("RecordAck failed: %v", err)
	}
	// A lower ack never regresses the cursor
	if err := store.RecordAck(ctx, conv.ID, "bob", 3); err != nil {
		t.Fatalf("RecordAck failed: %v", err)
	}
	cursor, err := store.AckCursor(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("AckCursor failed: %v", err)
	}
	if cursor != 5 {
		t.Errorf("cursor = %d, want 5", cursor)
	}

	// Acks past the end of the log are clamped to the max persisted seq
	if err := store.RecordAck(ctx, conv.ID, "bob", 100); err != nil {
		t.Fatalf("RecordAck failed: %v", err)
	}
	cursor, err = store.AckCursor(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("AckCursor failed: %v", err)
	}
	if cursor != 5 {
		t.Errorf("cursor after over-ack = %d, want 5", cursor)
	}
}

func TestMarkDelivered_Monotonic(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	conv := newTestConversation("alice", "bob")
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	if err := store.MarkDelivered(ctx, conv.ID, "bob", 4); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if err := store.MarkDelivered(ctx, conv.ID, "bob", 2); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	seq, err := store.DeliveredSeq(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("DeliveredSeq failed: %v", err)
	}
	if seq != 4 {
		t.Errorf("delivered seq = %d, want 4", seq)
	}
}

func TestAckCursor_UnknownUserIsZero(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	cursor, err := store.AckCursor(context.Background(), "conv", "nobody")
	if err != nil {
		t.Fatalf("AckCursor failed: %v", err)
	}
	if cursor != 0 {
		t.Errorf("cursor = %d, want 0", cursor)
	}
}
