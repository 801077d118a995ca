// ABOUTME: Conversation list loading: cache seed first, then server refresh
// ABOUTME: A successful refresh replaces memory, upserts the cache and drops orphans
package core

import (
	"context"

	"github.com/harper/chatsync/internal/models"
)

// FetchConversationList seeds the list from the cache and refreshes it from
// the server in the background. It does nothing if the list was already
// fetched this session, unless force is set. A forced fetch that arrives
// while a refresh is running is queued to run once that refresh finishes.
func (c *Controller) FetchConversationList(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.listLoading {
		if force {
			c.listQueued = true
		}
		c.mu.Unlock()
		return nil
	}
	if c.listFetched && !force {
		c.mu.Unlock()
		return nil
	}
	c.listLoading = true
	empty := len(c.state.conversations) == 0
	c.mu.Unlock()

	if empty {
		cached, err := c.store.GetAll(ctx, c.ownerID)
		if err != nil {
			c.logger.Warn("failed to read cached conversation list", "err", err)
		} else if len(cached) > 0 {
			c.mu.Lock()
			if len(c.state.conversations) == 0 {
				c.state.conversations = cached
				sortConversations(c.state.conversations)
			}
			c.mu.Unlock()
			c.events.emit(Event{Type: EventListUpdated})
		}
	}

	c.mu.Lock()
	c.listFetched = true
	c.mu.Unlock()

	c.refreshInBackground()
	return nil
}

// refreshInBackground runs one list refresh; callers have set listLoading
func (c *Controller) refreshInBackground() {
	started := c.background(func(ctx context.Context) {
		defer c.finishListLoad()
		if err := c.refreshList(ctx); err != nil {
			c.logger.Warn("conversation list refresh failed", "err", err)
			c.events.emit(Event{Type: EventSyncFailed, Err: err})
		}
	})
	if !started {
		c.mu.Lock()
		c.listLoading = false
		c.listQueued = false
		c.mu.Unlock()
	}
}

// RefreshConversationList fetches the list from the server and waits for the result
func (c *Controller) RefreshConversationList(ctx context.Context) error {
	c.mu.Lock()
	c.listLoading = true
	c.mu.Unlock()
	defer c.finishListLoad()

	if err := c.refreshList(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.listFetched = true
	c.mu.Unlock()
	return nil
}

// finishListLoad ends a refresh, starting the queued forced one if any
func (c *Controller) finishListLoad() {
	c.mu.Lock()
	queued := c.listQueued
	c.listQueued = false
	c.listLoading = queued
	c.mu.Unlock()

	if queued {
		c.refreshInBackground()
	}
}

// refreshList replaces the in-memory list and the cache with the server's.
// Conversations confirmed after the request was issued may be missing from
// the response; those are kept in memory and in the cache.
func (c *Controller) refreshList(ctx context.Context) error {
	c.mu.Lock()
	c.listGen++
	gen := c.listGen
	c.mu.Unlock()

	fetched, err := c.remote.ListConversations(ctx)
	if err != nil {
		return newError(ErrorRemote, "list conversations", err)
	}

	convs := make([]models.Conversation, 0, len(fetched))
	onServer := make(map[string]bool, len(fetched))
	for _, conv := range fetched {
		if !c.normalizeConversation(&conv) {
			continue
		}
		conv.IsPlaceholder = false
		convs = append(convs, conv)
		onServer[conv.ID] = true
	}

	c.mu.Lock()
	keep := make(map[string]bool)
	for id, at := range c.confirmedGen {
		if at >= gen && !onServer[id] {
			keep[id] = true
		}
	}
	next := append([]models.Conversation(nil), convs...)
	for _, conv := range c.state.conversations {
		if onServer[conv.ID] {
			continue
		}
		if models.IsTemporaryID(conv.ID) || keep[conv.ID] {
			next = append(next, conv)
		}
	}
	sortConversations(next)
	c.state.conversations = next
	c.mu.Unlock()
	c.events.emit(Event{Type: EventListUpdated})

	for i := range convs {
		if err := c.store.UpsertConversation(ctx, &convs[i]); err != nil {
			c.logger.Warn("failed to cache conversation", "id", convs[i].ID, "err", err)
		}
	}

	cachedIDs, err := c.store.ListIDs(ctx, c.ownerID)
	if err != nil {
		c.logger.Warn("failed to list cached conversations", "err", err)
		return nil
	}
	var orphans []string
	for _, id := range cachedIDs {
		if !onServer[id] && !keep[id] && !models.IsTemporaryID(id) {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		if err := c.store.DeleteMultiple(ctx, c.ownerID, orphans); err != nil {
			c.logger.Warn("failed to drop orphaned conversations", "count", len(orphans), "err", err)
		} else {
			c.logger.Debug("dropped orphaned conversations", "count", len(orphans))
		}
	}
	return nil
}
