// ABOUTME: Optimistic conversation mutations: apply in memory, mirror to cache, confirm remotely
// ABOUTME: A failed remote call restores the in-memory snapshot taken before the change
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harper/chatsync/internal/models"
	"github.com/harper/chatsync/internal/remote"
)

// listSnapshot is what a rollback needs to put back
type listSnapshot struct {
	conversations []models.Conversation
	currentID     string
	messages      []models.Message
}

func (c *Controller) takeListSnapshotLocked() listSnapshot {
	return listSnapshot{
		conversations: append([]models.Conversation(nil), c.state.conversations...),
		currentID:     c.state.currentID,
		messages:      append([]models.Message(nil), c.state.messages...),
	}
}

// restoreList puts back the list, and the open conversation if the mutation closed it
func (c *Controller) restoreList(snap listSnapshot) {
	c.mu.Lock()
	c.state.conversations = snap.conversations
	if c.state.currentID == "" && snap.currentID != "" {
		c.state.currentID = snap.currentID
		c.state.messages = snap.messages
	}
	c.mu.Unlock()
	c.events.emit(Event{Type: EventListUpdated})
}

// DeleteConversation removes id from memory and the cache, then from the server.
// On a remote failure the in-memory list is restored.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	if err := models.ValidateID(id); err != nil {
		return newError(ErrorInvalidInput, "delete conversation", err)
	}
	id = c.resolve(id)

	c.mu.Lock()
	snap := c.takeListSnapshotLocked()
	c.state.remove(map[string]bool{id: true})
	delete(c.state.loadStates, id)
	c.mu.Unlock()
	c.events.emit(Event{Type: EventListUpdated})

	if err := c.store.Delete(ctx, c.ownerID, id); err != nil {
		c.logger.Warn("failed to delete cached conversation", "id", id, "err", err)
	}
	if models.IsTemporaryID(id) {
		return nil
	}

	if err := c.remote.DeleteConversation(ctx, id); err != nil {
		if remote.IsNotFound(err) {
			return nil
		}
		c.restoreList(snap)
		return newError(ErrorRemote, "delete conversation", err)
	}
	c.logger.Info("deleted conversation", "id", id)
	return nil
}

// UpdateConversationTitle renames id everywhere, restoring the old title on failure
func (c *Controller) UpdateConversationTitle(ctx context.Context, id, title string) error {
	title = models.SanitizeContent(title)
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return newError(ErrorInvalidInput, "rename conversation", errors.New("title cannot be empty"))
	}
	_, err := c.patchConversation(ctx, "rename conversation", id, func(conv *models.Conversation) models.ConversationPatch {
		return models.ConversationPatch{Title: &title}
	})
	return err
}

// TogglePin flips the pinned flag of id and returns the new value
func (c *Controller) TogglePin(ctx context.Context, id string) (bool, error) {
	var pinned bool
	_, err := c.patchConversation(ctx, "toggle pin", id, func(conv *models.Conversation) models.ConversationPatch {
		pinned = !conv.IsPinned
		return models.ConversationPatch{IsPinned: &pinned}
	})
	if err != nil {
		return false, err
	}
	return pinned, nil
}

// SetPinned pins or unpins id
func (c *Controller) SetPinned(ctx context.Context, id string, pinned bool) error {
	_, err := c.patchConversation(ctx, "pin conversation", id, func(conv *models.Conversation) models.ConversationPatch {
		return models.ConversationPatch{IsPinned: &pinned}
	})
	return err
}

// patchConversation runs the three phases of a single-conversation update:
// apply in memory and cache, confirm with the server, and restore both on failure.
func (c *Controller) patchConversation(ctx context.Context, op, id string, build func(*models.Conversation) models.ConversationPatch) (*models.Conversation, error) {
	if err := models.ValidateID(id); err != nil {
		return nil, newError(ErrorInvalidInput, op, err)
	}
	id = c.resolve(id)

	current, err := c.lookup(ctx, id)
	if err != nil {
		return nil, newError(ErrorPersistence, op, err)
	}
	if current == nil {
		return nil, newError(ErrorNotFound, op, fmt.Errorf("conversation %s", id))
	}

	patch := build(current)
	old := *current
	var undo models.ConversationPatch
	if patch.Title != nil {
		undo.Title = &old.Title
	}
	if patch.IsPinned != nil {
		undo.IsPinned = &old.IsPinned
	}
	if patch.Mode != nil {
		undo.Mode = &old.Mode
	}

	c.mu.Lock()
	inMemory := false
	if conv := c.state.find(id); conv != nil {
		conv.Apply(patch)
		sortConversations(c.state.conversations)
		inMemory = true
	}
	c.mu.Unlock()
	if inMemory {
		c.events.emit(Event{Type: EventListUpdated, ConversationID: id})
	}

	if err := c.store.UpdateConversation(ctx, c.ownerID, id, patch); err != nil {
		c.logger.Warn("failed to cache conversation update", "id", id, "err", err)
	}

	updated := *current
	updated.Apply(patch)
	if models.IsTemporaryID(id) {
		return &updated, nil
	}

	if _, err := c.remote.UpdateConversation(ctx, id, patch); err != nil {
		c.mu.Lock()
		if conv := c.state.find(id); conv != nil {
			*conv = old
			sortConversations(c.state.conversations)
		}
		c.mu.Unlock()
		if inMemory {
			c.events.emit(Event{Type: EventListUpdated, ConversationID: id})
		}
		if err := c.store.UpdateConversation(ctx, c.ownerID, id, undo); err != nil {
			c.logger.Warn("failed to restore cached conversation", "id", id, "err", err)
		}
		if remote.IsNotFound(err) {
			return nil, newError(ErrorNotFound, op, err)
		}
		return nil, newError(ErrorRemote, op, err)
	}
	return &updated, nil
}

// TruncateMessagesAt keeps the first index messages of the open conversation.
// On a remote failure only the in-memory messages are restored; the cache
// stays truncated until the next full fetch.
func (c *Controller) TruncateMessagesAt(ctx context.Context, index int) error {
	c.mu.Lock()
	id := c.state.currentID
	if id == "" {
		c.mu.Unlock()
		return newError(ErrorInvalidInput, "truncate messages", ErrNoActiveConversation)
	}
	if index < 0 || index > len(c.state.messages) {
		n := len(c.state.messages)
		c.mu.Unlock()
		return newError(ErrorInvalidInput, "truncate messages", fmt.Errorf("index %d out of range [0, %d]", index, n))
	}
	previous := append([]models.Message(nil), c.state.messages...)
	c.state.messages = append([]models.Message(nil), c.state.messages[:index]...)
	keepIDs := make([]string, 0, index)
	for _, msg := range c.state.messages {
		keepIDs = append(keepIDs, msg.ID)
	}
	c.mu.Unlock()
	c.events.emit(Event{Type: EventConversationUpdated, ConversationID: id})

	if err := c.store.TruncateMessages(ctx, c.ownerID, id, keepIDs); err != nil {
		c.logger.Warn("failed to truncate cached messages", "id", id, "err", err)
	}
	if models.IsTemporaryID(id) {
		return nil
	}

	if err := c.remote.TruncateMessages(ctx, id, keepIDs); err != nil {
		c.mu.Lock()
		if c.state.currentID == id {
			c.state.messages = previous
		}
		c.mu.Unlock()
		c.events.emit(Event{Type: EventConversationUpdated, ConversationID: id})
		return newError(ErrorRemote, "truncate messages", err)
	}
	return nil
}

// DeleteSelectedConversations removes ids from memory and the cache, then
// deletes them on the server in one batch. On failure only the in-memory
// list is restored.
func (c *Controller) DeleteSelectedConversations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	selected := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := models.ValidateID(id); err != nil {
			return newError(ErrorInvalidInput, "delete conversations", err)
		}
		id = c.resolve(id)
		if selected[id] {
			continue
		}
		selected[id] = true
		unique = append(unique, id)
	}

	c.mu.Lock()
	snap := c.takeListSnapshotLocked()
	c.state.remove(selected)
	for id := range selected {
		delete(c.state.loadStates, id)
	}
	c.mu.Unlock()
	c.events.emit(Event{Type: EventListUpdated})

	if err := c.store.DeleteMultiple(ctx, c.ownerID, unique); err != nil {
		c.logger.Warn("failed to delete cached conversations", "count", len(unique), "err", err)
	}

	var remoteIDs []string
	for _, id := range unique {
		if !models.IsTemporaryID(id) {
			remoteIDs = append(remoteIDs, id)
		}
	}
	if len(remoteIDs) == 0 {
		return nil
	}

	if err := c.remote.DeleteConversations(ctx, remoteIDs); err != nil {
		c.restoreList(snap)
		return newError(ErrorRemote, "delete conversations", err)
	}
	c.logger.Info("deleted conversations", "count", len(remoteIDs))
	return nil
}
