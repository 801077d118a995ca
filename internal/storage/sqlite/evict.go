// ABOUTME: Eviction policy bounding cached conversations per owner
// ABOUTME: Removes least-recently-synced conversations (by cached_at, then id)
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// EvictOldest deletes ownerID's conversations with the smallest cached_at
// until at most MaxCached remain. Ties break on id ascending. It returns the
// number of conversations removed.
func (s *Storage) EvictOldest(ctx context.Context, ownerID string) (int, error) {
	evicted := 0

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		count, err := s.conversations.count(ctx, tx, ownerID)
		if err != nil {
			return fmt.Errorf("failed to count conversations: %w", err)
		}
		excess := count - s.maxCached
		if excess <= 0 {
			return nil
		}

		victims, err := oldestIDs(ctx, tx, ownerID, excess)
		if err != nil {
			return fmt.Errorf("failed to select eviction candidates: %w", err)
		}

		for _, id := range victims {
			if err := s.messages.deleteByConversation(ctx, tx, ownerID, id); err != nil {
				return fmt.Errorf("failed to evict messages of %s: %w", id, err)
			}
			if err := s.conversations.delete(ctx, tx, ownerID, id); err != nil {
				return fmt.Errorf("failed to evict conversation %s: %w", id, err)
			}
		}
		evicted = len(victims)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return evicted, nil
}

func oldestIDs(ctx context.Context, q querier, ownerID string, limit int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM conversations
		WHERE owner_id = ?
		ORDER BY cached_at ASC, id ASC
		LIMIT ?
	`, ownerID, limit)
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
