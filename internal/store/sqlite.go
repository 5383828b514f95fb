// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			participant_key TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_participant_key
			ON conversations(participant_key);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON conversation_participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conv_seq
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS delivery_markers (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			delivered_seq INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS ack_cursors (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			acked_seq INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation creates a new conversation with its participant rows.
// If a conversation with the same participant set already exists,
// it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	participants := NormalizeParticipants(conv.Participants)
	key := ConversationKey(participants)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, participant_key, created_at) VALUES (?, ?, ?)`,
		conv.ID,
		key,
		conv.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, p := range participants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
			conv.ID, p,
		)
		if err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "participants", len(participants))
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, `WHERE id = ?`, id)
}

// GetConversationByKey retrieves a conversation by its canonical participant key.
// This uses the idx_conversations_participant_key index for efficient lookups.
// Returns ErrNotFound if no conversation exists for the given participant set.
func (s *SQLiteStore) GetConversationByKey(ctx context.Context, key string) (*Conversation, error) {
	return s.getConversation(ctx, `WHERE participant_key = ?`, key)
}

func (s *SQLiteStore) getConversation(ctx context.Context, where string, arg string) (*Conversation, error) {
	query := `SELECT id, created_at FROM conversations ` + where

	var conv Conversation
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, arg).Scan(&conv.ID, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	conv.Participants, err = s.participantsOf(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	return &conv, nil
}

func (s *SQLiteStore) participantsOf(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// ListConversationsFor returns all conversations the user participates in,
// oldest first.
func (s *SQLiteStore) ListConversationsFor(ctx context.Context, user string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.created_at ASC, c.id ASC
	`, user)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	type row struct {
		id        string
		createdAt string
	}
	var found []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.createdAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	conversations := make([]*Conversation, 0, len(found))
	for _, r := range found {
		createdAt, err := time.Parse(time.RFC3339, r.createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		participants, err := s.participantsOf(ctx, r.id)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, &Conversation{
			ID:           r.id,
			Participants: participants,
			CreatedAt:    createdAt,
		})
	}
	return conversations, nil
}

// AppendMessage appends a message to its conversation's log.
// Returns ErrDuplicateSeq if the (conversation, seq) pair is already taken,
// which signals a sequencing bug rather than a retryable condition.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		msg.Sender,
		msg.Body,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSeq
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"seq", msg.Seq)
	return nil
}

// ReadRange returns messages in [fromSeq, toSeq] ordered by seq ascending.
// A toSeq of 0 means "to the end of the log". limit <= 0 means no limit.
func (s *SQLiteStore) ReadRange(ctx context.Context, conversationID string, fromSeq, toSeq uint64, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, seq, sender, body, created_at
		FROM messages
		WHERE conversation_id = ? AND seq >= ?
	`
	args := []any{conversationID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Sender, &msg.Body, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// MaxSeq returns the highest sequence number persisted for the conversation,
// or 0 if the conversation has no messages.
func (s *SQLiteStore) MaxSeq(ctx context.Context, conversationID string) (uint64, error) {
	var max uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("querying max seq: %w", err)
	}
	return max, nil
}

// MarkDelivered records that messages up to seq have been pushed to the user.
// The marker only ever advances; a lower seq is a no-op.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, conversationID, user string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_markers (conversation_id, user_id, delivered_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			delivered_seq = MAX(delivered_seq, excluded.delivered_seq),
			updated_at = excluded.updated_at
	`,
		conversationID, user, seq, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting delivery marker: %w", err)
	}
	return nil
}

// DeliveredSeq returns the highest sequence number pushed to the user,
// or 0 if nothing has been delivered yet.
func (s *SQLiteStore) DeliveredSeq(ctx context.Context, conversationID, user string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT delivered_seq FROM delivery_markers WHERE conversation_id = ? AND user_id = ?`,
		conversationID, user,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying delivery marker: %w", err)
	}
	return seq, nil
}

// RecordAck advances the user's acknowledgment cursor for the conversation.
// The cursor is monotonic (a lower or equal seq is a no-op) and is clamped
// to the highest persisted sequence, so batched acks past the end of the log
// never advance the cursor beyond what actually exists.
func (s *SQLiteStore) RecordAck(ctx context.Context, conversationID, user string, seq uint64) error {
	max, err := s.MaxSeq(ctx, conversationID)
	if err != nil {
		return err
	}
	if seq > max {
		seq = max
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ack_cursors (conversation_id, user_id, acked_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			acked_seq = MAX(acked_seq, excluded.acked_seq),
			updated_at = excluded.updated_at
	`,
		conversationID, user, seq, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting ack cursor: %w", err)
	}

	s.logger.Debug("recorded ack",
		"conversation_id", conversationID,
		"user", user,
		"seq", seq)
	return nil
}

// AckCursor returns the user's acknowledgment cursor for the conversation,
// or 0 if the user has never acknowledged anything.
func (s *SQLiteStore) AckCursor(ctx context.Context, conversationID, user string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT acked_seq FROM ack_cursors WHERE conversation_id = ? AND user_id = ?`,
		conversationID, user,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying ack cursor: %w", err)
	}
	return seq, nil
}
