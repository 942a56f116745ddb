// Package postgres provides PostgreSQL-backed storage for conversations and
// chat entries. The schema is embedded and applied with golang-migrate.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/whisper/dmserver/internal/chat"
	"github.com/whisper/dmserver/internal/conversation"
	"github.com/whisper/dmserver/internal/storage"
)

// Postgres error codes mapped to storage error kinds.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeInvalidText         = "22P02" // malformed uuid
)

// Store manages conversations and chat entries in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ conversation.Store = (*Store)(nil)
	_ chat.Store         = (*Store)(nil)
)

// Open connects to PostgreSQL using the lib/pq driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connection failed: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// FindByPair returns the conversation with exactly this orientation, or nil.
func (s *Store) FindByPair(ctx context.Context, senderID, recipientID string) (*conversation.Conversation, error) {
	const query = `
		SELECT id, sender_id, recipient_id, last_message, created_at, modified_at
		FROM conversations
		WHERE sender_id = $1 AND recipient_id = $2`

	var c conversation.Conversation
	err := s.db.QueryRowContext(ctx, query, senderID, recipientID).Scan(
		&c.ID, &c.SenderID, &c.RecipientID, &c.LastMessage, &c.CreatedAt, &c.ModifiedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NotPersisted("postgres: find conversation", err)
	}
	return &c, nil
}

// Create inserts a new conversation. The unique pair index turns a duplicate
// unordered pair into storage.ErrConflict.
func (s *Store) Create(ctx context.Context, c *conversation.Conversation) error {
	const query = `
		INSERT INTO conversations (id, sender_id, recipient_id, last_message, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.SenderID, c.RecipientID, c.LastMessage, c.CreatedAt, c.ModifiedAt,
	)
	if err != nil {
		return storage.NotPersisted("postgres: insert conversation", classify(err))
	}
	return nil
}

// Update persists lastMessage and modifiedAt.
func (s *Store) Update(ctx context.Context, c *conversation.Conversation) error {
	const query = `
		UPDATE conversations
		SET last_message = $2, modified_at = $3
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, c.ID, c.LastMessage, c.ModifiedAt)
	if err != nil {
		return storage.NotPersisted("postgres: update conversation", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.NotPersisted("postgres: update conversation", err)
	}
	if n == 0 {
		return storage.NotPersisted("postgres: update conversation", storage.ErrNotFound)
	}
	return nil
}

// ListForUser returns conversations where userID is either participant.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*conversation.Conversation, error) {
	const query = `
		SELECT id, sender_id, recipient_id, last_message, created_at, modified_at
		FROM conversations
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY modified_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, storage.NotPersisted("postgres: list conversations", err)
	}
	defer rows.Close()

	convs := make([]*conversation.Conversation, 0)
	for rows.Next() {
		c := &conversation.Conversation{}
		if err := rows.Scan(&c.ID, &c.SenderID, &c.RecipientID, &c.LastMessage, &c.CreatedAt, &c.ModifiedAt); err != nil {
			return nil, storage.NotPersisted("postgres: scan conversation", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NotPersisted("postgres: list conversations", err)
	}
	return convs, nil
}

// Append inserts a chat entry with likeCount 0.
func (s *Store) Append(ctx context.Context, conversationID string, typ chat.Type, message string) (*chat.Entry, error) {
	const query = `
		INSERT INTO chat_entries (id, conversation_id, type, message, like_count, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`

	e := &chat.Entry{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Type:           typ,
		Message:        message,
		CreatedAt:      s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, query, e.ID, e.ConversationID, string(e.Type), e.Message, e.CreatedAt)
	if err != nil {
		return nil, storage.NotPersisted("postgres: insert entry", classify(err))
	}
	return e, nil
}

// ListByConversation returns the entries of a conversation, oldest first.
func (s *Store) ListByConversation(ctx context.Context, conversationID string) ([]*chat.Entry, error) {
	const query = `
		SELECT id, conversation_id, type, message, like_count, created_at
		FROM chat_entries
		WHERE conversation_id = $1
		ORDER BY seq ASC`

	entries := make([]*chat.Entry, 0)
	if _, err := uuid.Parse(conversationID); err != nil {
		return entries, nil
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, storage.NotPersisted("postgres: list entries", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &chat.Entry{}
		var typ string
		if err := rows.Scan(&e.ID, &e.ConversationID, &typ, &e.Message, &e.LikeCount, &e.CreatedAt); err != nil {
			return nil, storage.NotPersisted("postgres: scan entry", err)
		}
		e.Type = chat.Type(typ)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NotPersisted("postgres: list entries", err)
	}
	return entries, nil
}

// classify maps driver errors onto storage error kinds.
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Message)
	case codeForeignKeyViolation, codeInvalidText:
		return fmt.Errorf("%w: %s", storage.ErrNotFound, pqErr.Message)
	}
	return err
}
