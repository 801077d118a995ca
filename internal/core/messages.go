// ABOUTME: Local message path, optimistic conversations and temp id reconciliation
// ABOUTME: Includes the chat-send flow where an aborted request is not an error
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/harper/chatsync/internal/models"
	"github.com/harper/chatsync/internal/remote"
)

// NewConversation opens an optimistic conversation on a temporary id. It
// reaches the cache with its first message and the server when confirmed.
func (c *Controller) NewConversation(mode models.Mode) (*models.Conversation, error) {
	conv, err := models.NewConversation(c.ownerID, mode)
	if err != nil {
		return nil, newError(ErrorInvalidInput, "new conversation", err)
	}
	now := c.now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	c.mu.Lock()
	c.state.upsert(*conv)
	c.state.currentID = conv.ID
	c.state.messages = nil
	c.state.loadStates[conv.ID] = LoadSynced
	c.mu.Unlock()
	c.events.emit(Event{Type: EventListUpdated, ConversationID: conv.ID})
	return conv, nil
}

// prepareMessage fills defaults and validates msg for the open conversation
func (c *Controller) prepareMessage(msg *models.Message, mode models.Mode) error {
	msg.Content = models.SanitizeContent(msg.Content)
	if msg.Content == "" {
		return errors.New("message content cannot be empty")
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.ID == "" {
		fresh, err := models.NewMessage("", c.ownerID, msg.Role, msg.Content)
		if err != nil {
			return err
		}
		msg.ID = fresh.ID
	}
	if msg.OwnerID == "" {
		msg.OwnerID = c.ownerID
	}
	if msg.OwnerID != c.ownerID {
		return ErrForeignConversation
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.now()
	}

	if msg.ConversationID == "" {
		c.mu.Lock()
		msg.ConversationID = c.state.currentID
		c.mu.Unlock()
	}
	if msg.ConversationID == "" {
		conv, err := c.NewConversation(mode)
		if err != nil {
			return err
		}
		msg.ConversationID = conv.ID
	}
	msg.ConversationID = c.resolve(msg.ConversationID)
	return msg.Validate()
}

// appendLocal shows msg immediately if its conversation is open
func (c *Controller) appendLocal(msg models.Message) {
	c.mu.Lock()
	if c.state.currentID == msg.ConversationID {
		c.state.messages, _ = mergeMessages(c.state.messages, []models.Message{msg})
	}
	if conv := c.state.find(msg.ConversationID); conv != nil && msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
		sortConversations(c.state.conversations)
	}
	c.mu.Unlock()
	c.events.emit(Event{Type: EventConversationUpdated, ConversationID: msg.ConversationID})
}

// persistMessage writes msg through to the cache under the reconciliation lock
func (c *Controller) persistMessage(ctx context.Context, msg models.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	id := c.resolveLocked(msg.ConversationID)
	mode := models.ModeText
	if conv := c.state.find(id); conv != nil && conv.Mode.Valid() {
		mode = conv.Mode
	}
	c.mu.Unlock()

	msg.ConversationID = id
	if err := c.store.SaveMessage(ctx, &msg, mode); err != nil {
		c.logger.Warn("failed to cache message", "conversation", id, "message", msg.ID, "err", err)
		c.events.emit(Event{Type: EventPersistFailed, ConversationID: id, Err: err})
		return err
	}
	return nil
}

// AddMessage appends msg to memory at once and writes it to the cache in the
// background. A cache failure is reported as an event and never rolled back.
func (c *Controller) AddMessage(msg models.Message) (*models.Message, error) {
	if err := c.prepareMessage(&msg, models.ModeText); err != nil {
		return nil, newError(ErrorInvalidInput, "add message", err)
	}
	c.appendLocal(msg)
	c.background(func(ctx context.Context) {
		_ = c.persistMessage(ctx, msg)
	})
	return &msg, nil
}

// ConfirmConversation creates tempID on the server and moves every local
// record onto the id the server assigned. It returns the real id, or ""
// when another confirmation of tempID is already running.
func (c *Controller) ConfirmConversation(ctx context.Context, tempID string) (string, error) {
	if !models.IsTemporaryID(tempID) {
		return "", newError(ErrorInvalidInput, "confirm conversation", fmt.Errorf("%s is not a temporary id", tempID))
	}
	if real := c.resolve(tempID); real != tempID {
		return real, nil
	}
	if !c.creating.Acquire(tempID) {
		return "", nil
	}
	defer c.creating.Release(tempID)

	conv, err := c.lookup(ctx, tempID)
	if err != nil {
		return "", newError(ErrorPersistence, "confirm conversation", err)
	}
	if conv == nil {
		return "", newError(ErrorNotFound, "confirm conversation", fmt.Errorf("conversation %s", tempID))
	}

	created, err := c.remote.CreateConversation(ctx, remote.CreateConversationRequest{
		Title:    conv.Title,
		Mode:     conv.Mode,
		ClientID: tempID,
	})
	if err != nil {
		return "", newError(ErrorRemote, "confirm conversation", err)
	}

	if err := c.MigrateID(ctx, tempID, created.ID); err != nil {
		return created.ID, err
	}

	record := *created
	if c.normalizeConversation(&record) {
		if record.Title == "" {
			record.Title = conv.Title
		}
		if err := c.store.UpsertConversation(ctx, &record); err != nil {
			c.logger.Warn("failed to cache confirmed conversation", "id", record.ID, "err", err)
		}
		c.mu.Lock()
		if existing := c.state.find(record.ID); existing != nil {
			record.IsPinned = existing.IsPinned || record.IsPinned
		}
		c.state.upsert(record)
		c.mu.Unlock()
		c.events.emit(Event{Type: EventListUpdated, ConversationID: record.ID})
	}

	c.logger.Info("confirmed conversation", "temp_id", tempID, "id", created.ID)
	return created.ID, nil
}

// MigrateID moves tempID to realID in the cache and the in-memory projection
// in one step. Repeated calls for the same tempID are no-ops, and a call made
// while another for tempID is running returns at once.
func (c *Controller) MigrateID(ctx context.Context, tempID, realID string) error {
	if err := models.ValidateID(tempID); err != nil {
		return newError(ErrorInvalidInput, "migrate id", err)
	}
	if err := models.ValidateID(realID); err != nil {
		return newError(ErrorInvalidInput, "migrate id", err)
	}
	if tempID == realID {
		return nil
	}

	if !c.migrating.Acquire(tempID) {
		c.logger.Debug("migration already in flight", "temp_id", tempID)
		return nil
	}
	defer c.migrating.Release(tempID)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	migrated, storeErr := c.store.MigrateID(ctx, c.ownerID, tempID, realID)
	if storeErr != nil {
		c.logger.Warn("failed to migrate cached conversation", "temp_id", tempID, "id", realID, "err", storeErr)
	}

	c.mu.Lock()
	c.aliases[tempID] = realID
	c.confirmedGen[realID] = c.listGen
	changed := c.rewriteLocked(tempID, realID)
	c.mu.Unlock()

	if migrated || changed {
		c.logger.Debug("migrated conversation id", "temp_id", tempID, "id", realID)
		c.events.emit(Event{Type: EventIDMigrated, ConversationID: realID, PreviousID: tempID})
	}
	if storeErr != nil {
		return newError(ErrorPersistence, "migrate id", storeErr)
	}
	return nil
}

// rewriteLocked points every in-memory reference to tempID at realID
func (c *Controller) rewriteLocked(tempID, realID string) bool {
	changed := false
	if i := c.state.indexOf(tempID); i >= 0 {
		conv := c.state.conversations[i]
		c.state.conversations = append(c.state.conversations[:i], c.state.conversations[i+1:]...)
		if c.state.find(realID) == nil {
			conv.ID = realID
			c.state.upsert(conv)
		}
		changed = true
	}
	if c.state.currentID == tempID {
		c.state.currentID = realID
		for i := range c.state.messages {
			c.state.messages[i].ConversationID = realID
		}
		changed = true
	}
	if state, ok := c.state.loadStates[tempID]; ok {
		delete(c.state.loadStates, tempID)
		c.state.loadStates[realID] = state
	}
	return changed
}

// ReconcilePending confirms every cached conversation still on a temporary id
func (c *Controller) ReconcilePending(ctx context.Context) (int, error) {
	pending, err := c.store.PendingTemporary(ctx, c.ownerID)
	if err != nil {
		return 0, newError(ErrorPersistence, "reconcile pending", err)
	}

	confirmed := 0
	var errs []error
	for _, conv := range pending {
		real, err := c.ConfirmConversation(ctx, conv.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if real != "" {
			confirmed++
		}
	}
	if confirmed > 0 {
		c.logger.Info("reconciled pending conversations", "count", confirmed)
	}
	return confirmed, errors.Join(errs...)
}

// Ask sends content as a user message in the open conversation, creating
// one if needed, and returns the assistant reply. The user message is kept
// locally whatever happens. Cancelling ctx aborts the request: the reply is
// discarded and Ask returns nil, nil.
func (c *Controller) Ask(ctx context.Context, content string) (*models.Message, error) {
	msg := models.Message{Role: models.RoleUser, Content: content}
	if err := c.prepareMessage(&msg, models.ModeText); err != nil {
		return nil, newError(ErrorInvalidInput, "ask", err)
	}
	c.appendLocal(msg)
	_ = c.persistMessage(context.WithoutCancel(ctx), msg)

	convID := msg.ConversationID
	if models.IsTemporaryID(convID) {
		real, err := c.ConfirmConversation(ctx, convID)
		if err != nil {
			return nil, c.sendFailed(ctx, convID, err)
		}
		if real == "" {
			return nil, c.sendFailed(ctx, convID, ErrConversationPending)
		}
		convID = real
	}

	reply, err := c.remote.SendMessage(ctx, convID, remote.SendMessageRequest{
		Content:         msg.Content,
		ClientMessageID: msg.ID,
	})
	if err != nil {
		return nil, c.sendFailed(ctx, convID, err)
	}
	replies := c.normalizeMessages(convID, []models.Message{*reply})
	if len(replies) == 0 {
		return nil, c.sendFailed(ctx, convID, errors.New("server returned an unusable reply"))
	}
	answer := replies[0]

	c.appendLocal(answer)
	_ = c.persistMessage(context.WithoutCancel(ctx), answer)
	c.suggestTitle(convID)
	return &answer, nil
}

// sendFailed maps a chat-send failure; a cancelled request is an abort, not an error
func (c *Controller) sendFailed(ctx context.Context, id string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Debug("send aborted", "conversation", id)
		return nil
	}
	c.logger.Warn("send failed", "conversation", id, "err", err)
	c.events.emit(Event{Type: EventSendFailed, ConversationID: id, Err: err})
	if CodeOf(err) == "" {
		return newError(ErrorRemote, "ask", err)
	}
	return err
}

// suggestTitle names an untitled conversation in the background
func (c *Controller) suggestTitle(id string) {
	if c.titles == nil {
		return
	}
	c.mu.Lock()
	conv := c.state.find(id)
	untitled := conv != nil && conv.Title == ""
	var history []models.Message
	if c.state.currentID == id {
		history = append(history, c.state.messages...)
	}
	c.mu.Unlock()
	if !untitled || len(history) == 0 {
		return
	}

	c.background(func(ctx context.Context) {
		title, err := c.titles.SuggestTitle(ctx, history)
		if err != nil {
			c.logger.Debug("title suggestion failed", "conversation", id, "err", err)
			return
		}
		if title == "" {
			return
		}
		if err := c.UpdateConversationTitle(ctx, id, title); err != nil {
			c.logger.Debug("failed to apply suggested title", "conversation", id, "err", err)
		}
	})
}
