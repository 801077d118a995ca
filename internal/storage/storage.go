// ABOUTME: Persistent local store contract consumed by the sync controller
// ABOUTME: Implemented by the SQLite store; every read is scoped to one owner
package storage

import (
	"context"

	"github.com/harper/chatsync/internal/models"
)

// DefaultMaxCachedConversations bounds cached conversations per owner
const DefaultMaxCachedConversations = 50

// Store is the durable, owner-scoped cache of conversations and messages.
//
// Multi-record operations (Save, MigrateID, TruncateMessages, EvictOldest,
// DeleteMultiple) are atomic: a crash mid-operation leaves either the old or
// the new state, never messages orphaned from their conversation.
type Store interface {
	// Get returns the conversation and its messages ordered by CreatedAt,
	// or nil when no conversation with that id belongs to ownerID.
	Get(ctx context.Context, id, ownerID string) (*models.ConversationWithMessages, error)

	// GetAll lists ownerID's conversations, pinned first, then most recently
	// updated. Placeholders still awaiting a real title are excluded.
	GetAll(ctx context.Context, ownerID string) ([]models.Conversation, error)

	UpsertConversation(ctx context.Context, conv *models.Conversation) error
	Save(ctx context.Context, conv *models.Conversation, messages []models.Message) error
	AppendMessages(ctx context.Context, ownerID, conversationID string, messages []models.Message) (int, error)

	// SaveMessage caches msg under msg.OwnerID and msg.ConversationID. mode
	// is used only when the conversation has to be created as a placeholder.
	SaveMessage(ctx context.Context, msg *models.Message, mode models.Mode) error

	UpdateConversation(ctx context.Context, ownerID, id string, patch models.ConversationPatch) error
	TruncateMessages(ctx context.Context, ownerID, conversationID string, keepIDs []string) error

	// MigrateID renames ownerID's tempID to realID everywhere. It reports
	// false when another call for tempID is in flight or there was nothing
	// to migrate.
	MigrateID(ctx context.Context, ownerID, tempID, realID string) (bool, error)

	Delete(ctx context.Context, ownerID, id string) error
	DeleteMultiple(ctx context.Context, ownerID string, ids []string) error
	Clear(ctx context.Context) error
	ClearOwner(ctx context.Context, ownerID string) error
	EvictOldest(ctx context.Context, ownerID string) (int, error)

	// ListIDs returns every cached conversation id for ownerID, placeholders included
	ListIDs(ctx context.Context, ownerID string) ([]string, error)

	// PendingTemporary returns ownerID's conversations still on a client id
	PendingTemporary(ctx context.Context, ownerID string) ([]models.Conversation, error)
}
