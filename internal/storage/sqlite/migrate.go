// ABOUTME: Identity reconciliation from client-generated to server-assigned ids
// ABOUTME: Renames a temporary conversation exactly once, guarded by an in-flight set
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harper/chatsync/internal/models"
)

// ErrSameID is returned when a migration would rename an id onto itself
var ErrSameID = errors.New("temporary and real id are identical")

// MigrateID moves ownerID's tempID conversation and all of its messages to
// realID.
//
// A call made while another call for the same tempID is running returns
// (false, nil) without side effects. When tempID is absent (already migrated
// or never cached) the call is a no-op. When realID is already cached, the
// temporary row is folded into it and the server row's metadata wins.
func (s *Storage) MigrateID(ctx context.Context, ownerID, tempID, realID string) (bool, error) {
	if tempID == realID {
		return false, ErrSameID
	}
	if err := models.ValidateID(realID); err != nil {
		return false, err
	}

	key := ownerID + "/" + tempID
	if !s.inflight.Acquire(key) {
		s.logger.Debug("migration already in flight", "temp", tempID)
		return false, nil
	}
	defer s.inflight.Release(key)

	migrated := false
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		temp, err := s.conversations.get(ctx, tx, ownerID, tempID)
		if err != nil {
			return fmt.Errorf("failed to load temporary conversation: %w", err)
		}
		if temp == nil {
			return nil
		}

		existing, err := s.conversations.get(ctx, tx, ownerID, realID)
		if err != nil {
			return fmt.Errorf("failed to load real conversation: %w", err)
		}
		if existing == nil {
			if err := s.copyConversation(ctx, tx, temp, realID); err != nil {
				return err
			}
		}

		moved, err := s.messages.repoint(ctx, tx, ownerID, tempID, realID)
		if err != nil {
			return fmt.Errorf("failed to re-point messages: %w", err)
		}
		if err := s.conversations.delete(ctx, tx, ownerID, tempID); err != nil {
			return fmt.Errorf("failed to delete temporary conversation: %w", err)
		}

		s.logger.Debug("migrated conversation id", "temp", tempID, "real", realID, "messages", moved)
		migrated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return migrated, nil
}

// copyConversation inserts temp under newID keeping every column, including
// the never-synced watermark and placeholder flag.
func (s *Storage) copyConversation(ctx context.Context, tx *sql.Tx, temp *models.Conversation, newID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		SELECT ?, owner_id, title, mode, is_pinned, is_placeholder, message_count, created_at, updated_at, cached_at
		FROM conversations
		WHERE owner_id = ? AND id = ?
	`, newID, temp.OwnerID, temp.ID)
	if err != nil {
		return fmt.Errorf("failed to copy conversation to %s: %w", newID, err)
	}
	return nil
}

// InFlightMigrations reports how many migrations are currently running
func (s *Storage) InFlightMigrations() int {
	return s.inflight.Len()
}
