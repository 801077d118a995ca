// ABOUTME: Message row operations for SQLite
// ABOUTME: Insert-only appends, ordered reads and keep-set truncation
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/harper/chatsync/internal/models"
)

// MessageStore handles message persistence
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a new MessageStore
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

// insert stores msg unless a message with the same id exists; reports whether a row was added
func (s *MessageStore) insert(ctx context.Context, q querier, msg *models.Message) (bool, error) {
	var sourcesJSON sql.NullString
	if len(msg.Sources) > 0 {
		data, err := json.Marshal(msg.Sources)
		if err != nil {
			return false, err
		}
		sourcesJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, owner_id, role, content, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, id) DO NOTHING
	`, msg.ID, msg.ConversationID, msg.OwnerID, string(msg.Role),
		models.SanitizeContent(msg.Content), sourcesJSON, toNanos(msg.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// byConversation retrieves all of ownerID's messages for a conversation, oldest first
func (s *MessageStore) byConversation(ctx context.Context, q querier, ownerID, conversationID string) ([]models.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, conversation_id, owner_id, role, content, sources, created_at
		FROM messages
		WHERE owner_id = ? AND conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	messages := []models.Message{}
	for rows.Next() {
		var (
			msg         models.Message
			role        string
			sourcesJSON sql.NullString
			createdAt   int64
		)

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.OwnerID, &role,
			&msg.Content, &sourcesJSON, &createdAt); err != nil {
			return nil, err
		}

		msg.Role = models.Role(role)
		msg.CreatedAt = fromNanos(createdAt)

		if sourcesJSON.Valid && sourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(sourcesJSON.String), &msg.Sources); err != nil {
				msg.Sources = nil
			}
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// deleteByConversation removes every message of a conversation
func (s *MessageStore) deleteByConversation(ctx context.Context, q querier, ownerID, conversationID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM messages WHERE owner_id = ? AND conversation_id = ?`, ownerID, conversationID)
	return err
}

// deleteExcept removes messages of a conversation whose id is not in keepIDs
func (s *MessageStore) deleteExcept(ctx context.Context, q querier, ownerID, conversationID string, keepIDs []string) (int64, error) {
	query := `DELETE FROM messages WHERE owner_id = ? AND conversation_id = ?`
	args := []any{ownerID, conversationID}
	if len(keepIDs) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(keepIDs)) + `)`
		for _, id := range keepIDs {
			args = append(args, id)
		}
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// repoint moves every message of ownerID's fromID onto toID
func (s *MessageStore) repoint(ctx context.Context, q querier, ownerID, fromID, toID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE messages SET conversation_id = ?
		WHERE owner_id = ? AND conversation_id = ?
	`, toID, ownerID, fromID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
