package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const schemaLockID int64 = 2026101901

type ConversationStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ ports.ConversationStore = (*ConversationStore)(nil)

func NewConversationStore(db *sql.DB, dialect Dialect) *ConversationStore {
	return &ConversationStore{db: db, dialect: dialect}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conversation_id, seq DESC);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conversation_id, seq DESC);
`

func (s *ConversationStore) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ddl := sqliteSchema
	if s.dialect == DialectPostgres {
		// Serialize bootstrap DDL across replicas starting together.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
			return fmt.Errorf("acquire schema lock: %w", err)
		}
		ddl = postgresSchema
	}

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// AppendMessages stores all messages or none.
func (s *ConversationStore) AppendMessages(ctx context.Context, messages ...domain.ConversationMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := s.dialect.rebind(`
INSERT INTO conversation_messages (id, conversation_id, role, content, created_at)
VALUES ($1,$2,$3,$4,$5)
`)
	for _, msg := range messages {
		if msg.ConversationID == "" {
			return domain.WrapError(domain.ErrInvalidInput, "append message", errors.New("conversation id is required"))
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, query, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// ListRecentMessages returns at most limit messages in chronological order.
func (s *ConversationStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.ConversationMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
SELECT id, conversation_id, role, content, created_at
FROM conversation_messages
WHERE conversation_id = $1
ORDER BY seq DESC
LIMIT $2
`), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ConversationMessage, 0, limit)
	for rows.Next() {
		var msg domain.ConversationMessage
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteConversation reports ErrNotFound when nothing was stored.
func (s *ConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
DELETE FROM conversation_messages
WHERE conversation_id = $1
`), conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "delete conversation", fmt.Errorf("conversation %s has no messages", conversationID))
	}
	return nil
}
