// ABOUTME: Conversation row operations for SQLite
// ABOUTME: Upserts, owner-scoped queries and watermark updates for chat threads
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/harper/chatsync/internal/models"
)

const conversationColumns = `id, owner_id, title, mode, is_pinned, is_placeholder, message_count, created_at, updated_at, cached_at`

// ConversationStore handles conversation persistence
type ConversationStore struct {
	db *DB
}

// NewConversationStore creates a new ConversationStore
func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// upsert writes conv, keeping the larger of the stored and given cached_at
func (s *ConversationStore) upsert(ctx context.Context, q querier, conv *models.Conversation, cachedAt time.Time) error {
	mode := conv.Mode
	if mode == "" {
		mode = models.ModeText
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(owner_id, id) DO UPDATE SET
			title = excluded.title,
			mode = excluded.mode,
			is_pinned = excluded.is_pinned,
			is_placeholder = 0,
			message_count = excluded.message_count,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			cached_at = MAX(conversations.cached_at, excluded.cached_at)
	`, conv.ID, conv.OwnerID, conv.Title, string(mode), conv.IsPinned, conv.MessageCount,
		toNanos(conv.CreatedAt), toNanos(conv.UpdatedAt), toNanos(cachedAt))

	return err
}

// insertPlaceholder creates a minimal untitled row that has never synced
func (s *ConversationStore) insertPlaceholder(ctx context.Context, q querier, ownerID, id string, mode models.Mode, now time.Time) error {
	if !mode.Valid() {
		mode = models.ModeText
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, '', ?, 0, 1, 0, ?, ?, 0)
		ON CONFLICT(owner_id, id) DO NOTHING
	`, id, ownerID, string(mode), toNanos(now), toNanos(now))
	return err
}

// touch bumps updated_at without moving the sync watermark
func (s *ConversationStore) touch(ctx context.Context, q querier, ownerID, id string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conversations SET updated_at = MAX(updated_at, ?)
		WHERE owner_id = ? AND id = ?
	`, toNanos(now), ownerID, id)
	return err
}

// advanceWatermark moves cached_at forward to at; it never moves backward
func (s *ConversationStore) advanceWatermark(ctx context.Context, q querier, ownerID, id string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conversations SET cached_at = MAX(cached_at, ?)
		WHERE owner_id = ? AND id = ?
	`, toNanos(at), ownerID, id)
	return err
}

// get retrieves ownerID's conversation id, or nil if absent
func (s *ConversationStore) get(ctx context.Context, q querier, ownerID, id string) (*models.Conversation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_id = ? AND id = ?
	`, ownerID, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

// listForOwner lists titled conversations, pinned first then newest update
func (s *ConversationStore) listForOwner(ctx context.Context, q querier, ownerID string) ([]models.Conversation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_id = ? AND is_placeholder = 0
		ORDER BY is_pinned DESC, updated_at DESC, id ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanConversations(rows)
}

// listTemporary lists conversations whose id is still client-generated
func (s *ConversationStore) listTemporary(ctx context.Context, q querier, ownerID string) ([]models.Conversation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_id = ? AND id LIKE ?
		ORDER BY created_at ASC, id ASC
	`, ownerID, models.TemporaryIDPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanConversations(rows)
}

// ids returns every conversation id for ownerID
func (s *ConversationStore) ids(ctx context.Context, q querier, ownerID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM conversations WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// count returns the number of cached conversations for ownerID
func (s *ConversationStore) count(ctx context.Context, q querier, ownerID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}

// update applies a partial patch; returns whether a row matched
func (s *ConversationStore) update(ctx context.Context, q querier, ownerID, id string, patch models.ConversationPatch, now time.Time) (bool, error) {
	var (
		sets []string
		args []any
	)
	if patch.Title != nil {
		sets = append(sets, "title = ?", "is_placeholder = 0")
		args = append(args, *patch.Title)
	}
	if patch.IsPinned != nil {
		sets = append(sets, "is_pinned = ?")
		args = append(args, *patch.IsPinned)
	}
	if patch.Mode != nil {
		sets = append(sets, "mode = ?")
		args = append(args, string(*patch.Mode))
	}
	sets = append(sets, "updated_at = MAX(updated_at, ?)")
	args = append(args, toNanos(now), ownerID, id)

	res, err := q.ExecContext(ctx, `UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE owner_id = ? AND id = ?`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// delete removes a conversation row; callers remove messages in the same tx
func (s *ConversationStore) delete(ctx context.Context, q querier, ownerID, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM conversations WHERE owner_id = ? AND id = ?`, ownerID, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv                           models.Conversation
		mode                           string
		createdAt, updatedAt, cachedAt int64
	)

	err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &mode, &conv.IsPinned, &conv.IsPlaceholder,
		&conv.MessageCount, &createdAt, &updatedAt, &cachedAt)
	if err != nil {
		return nil, err
	}

	conv.Mode = models.Mode(mode)
	conv.CreatedAt = fromNanos(createdAt)
	conv.UpdatedAt = fromNanos(updatedAt)
	conv.CachedAt = fromNanos(cachedAt)

	return &conv, nil
}

func scanConversations(rows *sql.Rows) ([]models.Conversation, error) {
	convs := []models.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}
