// ABOUTME: Opening a conversation: instant cache projection plus background delta sync
// ABOUTME: Falls back to a full fetch when nothing was cached and the delta is empty
package core

import (
	"context"
	"time"

	"github.com/harper/chatsync/internal/models"
)

// LoadConversation makes id the active conversation. Cached messages are
// shown immediately; messages newer than the cache watermark are fetched in
// the background and merged by id.
func (c *Controller) LoadConversation(ctx context.Context, id string) error {
	if err := models.ValidateID(id); err != nil {
		return newError(ErrorInvalidInput, "load conversation", err)
	}
	id = c.resolve(id)

	c.mu.Lock()
	active := c.state.currentID == id && len(c.state.messages) > 0
	var watermark time.Time
	if active {
		watermark = newestMessage(c.state.messages)
	}
	c.state.currentID = id
	if !active {
		c.state.messages = nil
	}
	c.mu.Unlock()

	populated := active
	if !active {
		cached, err := c.store.Get(ctx, id, c.ownerID)
		if err != nil {
			c.logger.Warn("failed to read cached conversation", "id", id, "err", err)
		}
		watermark = models.Epoch
		if cached != nil {
			c.mu.Lock()
			if c.state.currentID == id {
				c.state.messages, _ = mergeMessages(nil, cached.Messages)
			}
			if !cached.Conversation.IsPlaceholder && c.state.find(id) == nil {
				c.state.upsert(cached.Conversation)
			}
			c.mu.Unlock()

			if len(cached.Messages) > 0 {
				populated = true
				watermark = deltaWatermark(cached.Conversation.CachedAt, cached.Messages)
			}
		}
	}
	c.events.emit(Event{Type: EventConversationUpdated, ConversationID: id})

	if populated {
		c.setLoadState(id, LoadCacheHit)
	}
	if models.IsTemporaryID(id) {
		return nil
	}

	if populated {
		c.setLoadState(id, LoadSyncing)
	} else {
		c.setLoadState(id, LoadFetching)
	}
	c.background(func(ctx context.Context) {
		c.syncConversation(ctx, id, watermark, populated)
	})
	return nil
}

// SyncConversation runs the delta sync for id in the foreground
func (c *Controller) SyncConversation(ctx context.Context, id string) error {
	if err := models.ValidateID(id); err != nil {
		return newError(ErrorInvalidInput, "sync conversation", err)
	}
	id = c.resolve(id)
	if models.IsTemporaryID(id) {
		return nil
	}

	cached, err := c.store.Get(ctx, id, c.ownerID)
	if err != nil {
		return newError(ErrorPersistence, "sync conversation", err)
	}
	watermark := models.Epoch
	populated := false
	if cached != nil && len(cached.Messages) > 0 {
		populated = true
		watermark = deltaWatermark(cached.Conversation.CachedAt, cached.Messages)
	}
	return c.syncConversation(ctx, id, watermark, populated)
}

func (c *Controller) syncConversation(ctx context.Context, id string, watermark time.Time, populated bool) error {
	delta, err := c.remote.GetMessagesAfter(ctx, id, watermark)
	if err != nil {
		return c.failSync(id, err)
	}
	delta = c.normalizeMessages(id, delta)

	if len(delta) == 0 && !populated {
		full, err := c.remote.GetConversation(ctx, id)
		if err != nil {
			return c.failSync(id, err)
		}
		conv := full.Conversation
		conv.ID = id
		if !c.normalizeConversation(&conv) {
			return c.failSync(id, ErrForeignConversation)
		}
		messages := c.normalizeMessages(id, full.Messages)
		if err := c.store.Save(ctx, &conv, messages); err != nil {
			c.logger.Warn("failed to cache conversation", "id", id, "err", err)
		}

		c.mu.Lock()
		c.state.upsert(conv)
		if c.state.currentID == id {
			c.state.messages, _ = mergeMessages(messages, c.state.messages)
		}
		c.mu.Unlock()
		c.events.emit(Event{Type: EventConversationUpdated, ConversationID: id})
		c.setLoadState(id, LoadSynced)
		return nil
	}

	if len(delta) > 0 {
		if _, err := c.store.AppendMessages(ctx, c.ownerID, id, delta); err != nil {
			c.logger.Warn("failed to cache new messages", "id", id, "err", err)
		}
	}

	c.mu.Lock()
	added := 0
	if c.state.currentID == id {
		c.state.messages, added = mergeMessages(c.state.messages, delta)
	}
	c.mu.Unlock()
	if added > 0 {
		c.logger.Debug("merged new messages", "id", id, "count", added)
		c.events.emit(Event{Type: EventConversationUpdated, ConversationID: id})
	}
	c.setLoadState(id, LoadSynced)
	return nil
}

// failSync marks id as failed while keeping whatever is already shown
func (c *Controller) failSync(id string, err error) error {
	c.logger.Warn("conversation sync failed", "id", id, "err", err)
	c.setLoadState(id, LoadSyncFailed)
	c.events.emit(Event{Type: EventSyncFailed, ConversationID: id, Err: err})
	return newError(ErrorRemote, "sync conversation", err)
}

// deltaWatermark is the cache watermark, pulled back to the newest cached
// message when a list refresh moved CachedAt past messages never fetched.
func deltaWatermark(cachedAt time.Time, msgs []models.Message) time.Time {
	newest := newestMessage(msgs)
	if newest.IsZero() || cachedAt.Before(newest) {
		return cachedAt
	}
	return newest
}

func newestMessage(msgs []models.Message) time.Time {
	var newest time.Time
	for _, msg := range msgs {
		if msg.CreatedAt.After(newest) {
			newest = msg.CreatedAt
		}
	}
	return newest
}
