// ABOUTME: Unified Storage layer that wraps the conversation and message stores
// ABOUTME: Implements storage.Store with one transaction per multi-record operation
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harper/chatsync/internal/models"
	"github.com/harper/chatsync/internal/storage"
)

var _ storage.Store = (*Storage)(nil)

// Storage manages the durable conversation cache using SQLite
type Storage struct {
	db            *DB
	conversations *ConversationStore
	messages      *MessageStore
	inflight      storage.InFlight
	maxCached     int
	now           func() time.Time
	logger        *log.Logger
}

// Option configures a Storage
type Option func(*Storage)

// WithMaxCached sets the per-owner conversation bound enforced after Save
func WithMaxCached(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.maxCached = n
		}
	}
}

// WithClock replaces time.Now for watermark stamping
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// WithLogger sets the logger used for non-fatal storage warnings
func WithLogger(l *log.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// NewStorage initializes storage at the default XDG path
func NewStorage(opts ...Option) (*Storage, error) {
	return NewStorageWithPath(DefaultDBPath(), opts...)
}

// NewStorageWithPath initializes storage with a custom database path
func NewStorageWithPath(dbPath string, opts ...Option) (*Storage, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStorage(db, opts), nil
}

// NewStorageInMemory creates an in-memory storage (for testing)
func NewStorageInMemory(opts ...Option) (*Storage, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	return newStorage(db, opts), nil
}

func newStorage(db *DB, opts []Option) *Storage {
	s := &Storage{
		db:            db,
		conversations: NewConversationStore(db),
		messages:      NewMessageStore(db),
		maxCached:     storage.DefaultMaxCachedConversations,
		now:           time.Now,
		logger:        log.Default().WithPrefix("storage"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the backing database path
func (s *Storage) Path() string {
	return s.db.Path()
}

// MaxCached returns the per-owner eviction bound
func (s *Storage) MaxCached() int {
	return s.maxCached
}

// Get retrieves a conversation with its messages, strictly scoped to ownerID
func (s *Storage) Get(ctx context.Context, id, ownerID string) (*models.ConversationWithMessages, error) {
	conv, err := s.conversations.get(ctx, s.db.conn, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	if conv == nil {
		return nil, nil
	}

	messages, err := s.messages.byConversation(ctx, s.db.conn, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for %s: %w", id, err)
	}

	return &models.ConversationWithMessages{Conversation: *conv, Messages: messages}, nil
}

// GetAll lists ownerID's titled conversations, pinned first then by UpdatedAt desc
func (s *Storage) GetAll(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	convs, err := s.conversations.listForOwner(ctx, s.db.conn, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// UpsertConversation inserts or overwrites conv and stamps CachedAt = now
func (s *Storage) UpsertConversation(ctx context.Context, conv *models.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	if err := s.conversations.upsert(ctx, s.db.conn, conv, s.now()); err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Save atomically replaces a conversation and its full message set, then
// enforces the eviction bound for the owner.
func (s *Storage) Save(ctx context.Context, conv *models.Conversation, messages []models.Message) error {
	if err := conv.Validate(); err != nil {
		return err
	}

	record := *conv
	record.MessageCount = len(messages)
	now := s.now()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.conversations.upsert(ctx, tx, &record, now); err != nil {
			return fmt.Errorf("failed to save conversation: %w", err)
		}
		if err := s.messages.deleteByConversation(ctx, tx, record.OwnerID, record.ID); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
		for i := range messages {
			msg := messages[i]
			msg.ConversationID = record.ID
			msg.OwnerID = record.OwnerID
			if _, err := s.messages.insert(ctx, tx, &msg); err != nil {
				return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if evicted, err := s.EvictOldest(ctx, record.OwnerID); err != nil {
		s.logger.Warn("eviction after save failed", "owner", record.OwnerID, "err", err)
	} else if evicted > 0 {
		s.logger.Debug("evicted conversations", "owner", record.OwnerID, "count", evicted)
	}

	return nil
}

// AppendMessages inserts messages not already cached and advances the
// conversation watermark to the later of now and the newest message. It
// returns the number of messages actually added.
func (s *Storage) AppendMessages(ctx context.Context, ownerID, conversationID string, messages []models.Message) (int, error) {
	added := 0
	now := s.now()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		conv, err := s.conversations.get(ctx, tx, ownerID, conversationID)
		if err != nil {
			return fmt.Errorf("failed to get conversation: %w", err)
		}
		if conv == nil {
			if len(messages) == 0 {
				return nil
			}
			if err := s.conversations.insertPlaceholder(ctx, tx, ownerID, conversationID, models.ModeText, now); err != nil {
				return fmt.Errorf("failed to create placeholder: %w", err)
			}
		}

		watermark := now
		for i := range messages {
			msg := messages[i]
			msg.ConversationID = conversationID
			msg.OwnerID = ownerID
			inserted, err := s.messages.insert(ctx, tx, &msg)
			if err != nil {
				return fmt.Errorf("failed to append message %s: %w", msg.ID, err)
			}
			if inserted {
				added++
			}
			if msg.CreatedAt.After(watermark) {
				watermark = msg.CreatedAt
			}
		}

		return s.conversations.advanceWatermark(ctx, tx, ownerID, conversationID, watermark)
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// SaveMessage writes through a single new message under its own
// conversation and owner. A missing conversation gets a never-synced
// placeholder in mode; an existing one only has UpdatedAt bumped so CachedAt
// keeps masking nothing the server changed elsewhere.
func (s *Storage) SaveMessage(ctx context.Context, msg *models.Message, mode models.Mode) error {
	record := *msg
	if err := record.Validate(); err != nil {
		return err
	}
	now := s.now()

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		conv, err := s.conversations.get(ctx, tx, record.OwnerID, record.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to get conversation: %w", err)
		}
		if conv == nil {
			if err := s.conversations.insertPlaceholder(ctx, tx, record.OwnerID, record.ConversationID, mode, now); err != nil {
				return fmt.Errorf("failed to create placeholder: %w", err)
			}
		} else if err := s.conversations.touch(ctx, tx, record.OwnerID, record.ConversationID, now); err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}

		if _, err := s.messages.insert(ctx, tx, &record); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		return nil
	})
}

// UpdateConversation applies a partial update; absent conversations are ignored
func (s *Storage) UpdateConversation(ctx context.Context, ownerID, id string, patch models.ConversationPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	if _, err := s.conversations.update(ctx, s.db.conn, ownerID, id, patch, s.now()); err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	return nil
}

// TruncateMessages deletes every message of the conversation not in keepIDs
func (s *Storage) TruncateMessages(ctx context.Context, ownerID, conversationID string, keepIDs []string) error {
	now := s.now()
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.messages.deleteExcept(ctx, tx, ownerID, conversationID, keepIDs); err != nil {
			return fmt.Errorf("failed to truncate messages: %w", err)
		}
		return s.conversations.advanceWatermark(ctx, tx, ownerID, conversationID, now)
	})
}

// Delete removes one of ownerID's conversations and its messages
func (s *Storage) Delete(ctx context.Context, ownerID, id string) error {
	return s.DeleteMultiple(ctx, ownerID, []string{id})
}

// DeleteMultiple removes ownerID's conversations and their messages in one transaction
func (s *Storage) DeleteMultiple(ctx context.Context, ownerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := s.messages.deleteByConversation(ctx, tx, ownerID, id); err != nil {
				return fmt.Errorf("failed to delete messages of %s: %w", id, err)
			}
			if err := s.conversations.delete(ctx, tx, ownerID, id); err != nil {
				return fmt.Errorf("failed to delete conversation %s: %w", id, err)
			}
		}
		return nil
	})
}

// Clear wipes every cached record
func (s *Storage) Clear(ctx context.Context) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
			return fmt.Errorf("failed to clear conversations: %w", err)
		}
		return nil
	})
}

// ClearOwner wipes every record belonging to ownerID (logout)
func (s *Storage) ClearOwner(ctx context.Context, ownerID string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("failed to clear conversations: %w", err)
		}
		return nil
	})
}

// ListIDs returns every cached conversation id for ownerID, placeholders included
func (s *Storage) ListIDs(ctx context.Context, ownerID string) ([]string, error) {
	ids, err := s.conversations.ids(ctx, s.db.conn, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation ids: %w", err)
	}
	return ids, nil
}

// PendingTemporary returns ownerID's conversations still on a client-generated id
func (s *Storage) PendingTemporary(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	convs, err := s.conversations.listTemporary(ctx, s.db.conn, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list temporary conversations: %w", err)
	}
	return convs, nil
}

// Count returns the number of cached conversations for ownerID
func (s *Storage) Count(ctx context.Context, ownerID string) (int, error) {
	n, err := s.conversations.count(ctx, s.db.conn, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n, nil
}
