// ABOUTME: Charm KV backed implementation of the remote conversation API
// ABOUTME: Stores conversations and messages as JSON keys synced across devices
package charm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harper/chatsync/internal/models"
	"github.com/harper/chatsync/internal/remote"
)

// ErrNoResponder is returned by SendMessage when no assistant is configured
var ErrNoResponder = errors.New("charm remote has no assistant configured")

// Responder produces the assistant reply for a user turn
type Responder interface {
	Reply(ctx context.Context, history []models.Message, content string) (string, error)
}

var _ remote.Client = (*Remote)(nil)

// Remote serves the conversation API out of a charm KV database
type Remote struct {
	client    *Client
	ownerID   string
	responder Responder
	now       func() time.Time
	mu        sync.Mutex
}

// NewRemote creates a charm-backed remote for ownerID. responder may be nil.
func NewRemote(c *Client, ownerID string, responder Responder) *Remote {
	return &Remote{
		client:    c,
		ownerID:   ownerID,
		responder: responder,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func notFound(method, path string) error {
	return &remote.StatusError{Method: method, Path: path, StatusCode: http.StatusNotFound, Message: "conversation not found"}
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (r *Remote) loadConversation(id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.client.GetJSON(ConversationKey(id), &conv); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (r *Remote) loadMessages(conversationID string) ([]models.Message, error) {
	keys, err := r.client.ListKeys(MessagesPrefix(conversationID))
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(keys))
	for _, key := range keys {
		var msg models.Message
		if err := r.client.GetJSON(key, &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Before(&messages[j]) })
	return messages, nil
}

func (r *Remote) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.client.ListKeys(ConversationPrefix)
	if err != nil {
		return nil, err
	}
	msgKeys, err := r.client.ListKeys(MessagePrefix)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, key := range msgKeys {
		rest := strings.TrimPrefix(key, MessagePrefix)
		if i := strings.Index(rest, ":"); i > 0 {
			counts[rest[:i]]++
		}
	}

	convs := make([]models.Conversation, 0, len(keys))
	for _, key := range keys {
		var conv models.Conversation
		if err := r.client.GetJSON(key, &conv); err != nil {
			continue
		}
		conv.MessageCount = counts[conv.ID]
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

func (r *Remote) GetConversation(ctx context.Context, id string) (*models.ConversationWithMessages, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.loadConversation(id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, notFound(http.MethodGet, "/conversations/"+id)
	}
	messages, err := r.loadMessages(id)
	if err != nil {
		return nil, err
	}
	conv.MessageCount = len(messages)
	return &models.ConversationWithMessages{Conversation: *conv, Messages: messages}, nil
}

func (r *Remote) GetMessagesAfter(ctx context.Context, id string, after time.Time) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.loadConversation(id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, notFound(http.MethodGet, "/conversations/"+id+"/messages")
	}
	messages, err := r.loadMessages(id)
	if err != nil {
		return nil, err
	}

	out := []models.Message{}
	for _, msg := range messages {
		if msg.CreatedAt.After(after) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (r *Remote) CreateConversation(ctx context.Context, req remote.CreateConversationRequest) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mode := req.Mode
	if mode == "" {
		mode = models.ModeText
	}
	now := r.now()
	conv := models.Conversation{
		ID:        newID("conv_"),
		OwnerID:   r.ownerID,
		Title:     req.Title,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.client.SetJSON(ConversationKey(conv.ID), conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *Remote) UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.loadConversation(id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, notFound(http.MethodPatch, "/conversations/"+id)
	}
	conv.Apply(patch)
	conv.UpdatedAt = r.now()
	if err := r.client.SetJSON(ConversationKey(id), conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *Remote) DeleteConversation(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.loadConversation(id)
	if err != nil {
		return err
	}
	if conv == nil {
		return notFound(http.MethodDelete, "/conversations/"+id)
	}
	return r.deleteLocked(id)
}

func (r *Remote) DeleteConversations(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if err := r.deleteLocked(id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) deleteLocked(id string) error {
	keys, err := r.client.ListKeys(MessagesPrefix(id))
	if err != nil {
		return err
	}
	return r.client.Delete(append(keys, ConversationKey(id))...)
}

func (r *Remote) TruncateMessages(ctx context.Context, id string, keepIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.loadConversation(id)
	if err != nil {
		return err
	}
	if conv == nil {
		return notFound(http.MethodDelete, "/conversations/"+id+"/messages")
	}

	keep := make(map[string]bool, len(keepIDs))
	for _, k := range keepIDs {
		keep[MessageKey(id, k)] = true
	}
	keys, err := r.client.ListKeys(MessagesPrefix(id))
	if err != nil {
		return err
	}
	var drop []string
	for _, key := range keys {
		if !keep[key] {
			drop = append(drop, key)
		}
	}
	return r.client.Delete(drop...)
}

func (r *Remote) SendMessage(ctx context.Context, id string, req remote.SendMessageRequest) (*models.Message, error) {
	if r.responder == nil {
		return nil, ErrNoResponder
	}

	r.mu.Lock()
	conv, err := r.loadConversation(id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if conv == nil {
		r.mu.Unlock()
		return nil, notFound(http.MethodPost, "/conversations/"+id+"/messages")
	}
	history, err := r.loadMessages(id)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	answer, err := r.responder.Reply(ctx, history, req.Content)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	userID := req.ClientMessageID
	if userID == "" {
		userID = newID("msg_")
	}
	user := models.Message{
		ID:             userID,
		ConversationID: id,
		OwnerID:        conv.OwnerID,
		Role:           models.RoleUser,
		Content:        req.Content,
		CreatedAt:      now,
	}
	reply := models.Message{
		ID:             newID("msg_"),
		ConversationID: id,
		OwnerID:        conv.OwnerID,
		Role:           models.RoleAssistant,
		Content:        answer,
		CreatedAt:      now.Add(time.Millisecond),
	}
	for _, msg := range []models.Message{user, reply} {
		if err := r.client.SetJSON(MessageKey(id, msg.ID), msg); err != nil {
			return nil, err
		}
	}

	conv.UpdatedAt = reply.CreatedAt
	if err := r.client.SetJSON(ConversationKey(id), conv); err != nil {
		return nil, err
	}
	return &reply, nil
}
