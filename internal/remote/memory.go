// ABOUTME: Goroutine-safe in-memory implementation of the remote conversation API
// ABOUTME: Backs tests and offline demos with failure injection and call counting
package remote

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harper/chatsync/internal/models"
)

// Operation names accepted by MemoryClient.Fail and MemoryClient.Calls
const (
	OpList        = "ListConversations"
	OpGet         = "GetConversation"
	OpMessages    = "GetMessagesAfter"
	OpCreate      = "CreateConversation"
	OpUpdate      = "UpdateConversation"
	OpDelete      = "DeleteConversation"
	OpDeleteBatch = "DeleteConversations"
	OpTruncate    = "TruncateMessages"
	OpSend        = "SendMessage"
)

var _ Client = (*MemoryClient)(nil)

// MemoryClient is a single-owner conversation server held in memory
type MemoryClient struct {
	mu            sync.Mutex
	ownerID       string
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	failures      map[string]error
	calls         map[string]int
	nextID        int
	now           func() time.Time
	reply         func(content string) string
	gate          chan struct{}
	listGate      chan struct{}
	listTaken     chan struct{}
}

// NewMemoryClient creates an empty server for ownerID
func NewMemoryClient(ownerID string) *MemoryClient {
	return &MemoryClient{
		ownerID:       ownerID,
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
		now:           func() time.Time { return time.Now().UTC() },
		reply:         func(content string) string { return "You said: " + content },
	}
}

// SetClock replaces the server clock
func (m *MemoryClient) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetReply replaces the assistant reply generator used by SendMessage
func (m *MemoryClient) SetReply(fn func(content string) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reply = fn
}

// Fail makes every subsequent call to op return err until ClearFailures
func (m *MemoryClient) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// ClearFailures removes all injected failures
func (m *MemoryClient) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]error)
}

// Calls returns how many times op was invoked
func (m *MemoryClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// HoldSends makes SendMessage block until the returned release func is
// called or the caller's context ends.
func (m *MemoryClient) HoldSends() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// HoldLists makes ListConversations take its snapshot of the server, signal
// taken, then block until release is called or the caller's context ends.
func (m *MemoryClient) HoldLists() (taken <-chan struct{}, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	signal := make(chan struct{}, 16)
	m.listGate = gate
	m.listTaken = signal
	var once sync.Once
	return signal, func() { once.Do(func() { close(gate) }) }
}

// Seed stores a conversation and its messages as if created elsewhere
func (m *MemoryClient) Seed(conv models.Conversation, msgs ...models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.OwnerID == "" {
		conv.OwnerID = m.ownerID
	}
	conv.MessageCount = len(msgs)
	m.conversations[conv.ID] = conv
	stored := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		msg.ConversationID = conv.ID
		if msg.OwnerID == "" {
			msg.OwnerID = conv.OwnerID
		}
		stored = append(stored, msg)
	}
	m.messages[conv.ID] = stored
}

// AddMessage appends a message to a server conversation
func (m *MemoryClient) AddMessage(conversationID string, msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ConversationID = conversationID
	if msg.OwnerID == "" {
		msg.OwnerID = m.ownerID
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	if conv, ok := m.conversations[conversationID]; ok {
		conv.MessageCount = len(m.messages[conversationID])
		if msg.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = msg.CreatedAt
		}
		m.conversations[conversationID] = conv
	}
}

// Remove deletes a conversation server-side without going through the API
func (m *MemoryClient) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	delete(m.messages, id)
}

// Conversation returns the server copy of a conversation
func (m *MemoryClient) Conversation(id string) (models.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	return conv, ok
}

// Messages returns the server copy of a conversation's messages
func (m *MemoryClient) Messages(id string) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages[id]...)
}

func (m *MemoryClient) begin(op string) error {
	m.calls[op]++
	return m.failures[op]
}

func notFound(method, path string) error {
	return &StatusError{Method: method, Path: path, StatusCode: http.StatusNotFound, Message: "conversation not found"}
}

func (m *MemoryClient) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	m.mu.Lock()
	if err := m.begin(OpList); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	out := make([]models.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		out = append(out, conv)
	}
	gate, taken := m.listGate, m.listTaken
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if gate != nil {
		select {
		case taken <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (m *MemoryClient) GetConversation(ctx context.Context, id string) (*models.ConversationWithMessages, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGet); err != nil {
		return nil, err
	}

	conv, ok := m.conversations[id]
	if !ok {
		return nil, notFound(http.MethodGet, "/conversations/"+id)
	}
	return &models.ConversationWithMessages{
		Conversation: conv,
		Messages:     append([]models.Message{}, m.messages[id]...),
	}, nil
}

func (m *MemoryClient) GetMessagesAfter(ctx context.Context, id string, after time.Time) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpMessages); err != nil {
		return nil, err
	}

	if _, ok := m.conversations[id]; !ok {
		return nil, notFound(http.MethodGet, "/conversations/"+id+"/messages")
	}
	out := []models.Message{}
	for _, msg := range m.messages[id] {
		if msg.CreatedAt.After(after) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *MemoryClient) CreateConversation(ctx context.Context, req CreateConversationRequest) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreate); err != nil {
		return nil, err
	}

	m.nextID++
	now := m.now()
	mode := req.Mode
	if mode == "" {
		mode = models.ModeText
	}
	conv := models.Conversation{
		ID:        fmt.Sprintf("conv_%04d", m.nextID),
		OwnerID:   m.ownerID,
		Title:     req.Title,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv
	return &conv, nil
}

func (m *MemoryClient) UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpUpdate); err != nil {
		return nil, err
	}

	conv, ok := m.conversations[id]
	if !ok {
		return nil, notFound(http.MethodPatch, "/conversations/"+id)
	}
	conv.Apply(patch)
	conv.UpdatedAt = m.now()
	m.conversations[id] = conv
	return &conv, nil
}

func (m *MemoryClient) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDelete); err != nil {
		return err
	}

	if _, ok := m.conversations[id]; !ok {
		return notFound(http.MethodDelete, "/conversations/"+id)
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryClient) DeleteConversations(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDeleteBatch); err != nil {
		return err
	}

	for _, id := range ids {
		delete(m.conversations, id)
		delete(m.messages, id)
	}
	return nil
}

func (m *MemoryClient) TruncateMessages(ctx context.Context, id string, keepIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpTruncate); err != nil {
		return err
	}

	conv, ok := m.conversations[id]
	if !ok {
		return notFound(http.MethodDelete, "/conversations/"+id+"/messages")
	}
	keep := make(map[string]bool, len(keepIDs))
	for _, k := range keepIDs {
		keep[k] = true
	}
	kept := []models.Message{}
	for _, msg := range m.messages[id] {
		if keep[msg.ID] {
			kept = append(kept, msg)
		}
	}
	m.messages[id] = kept
	conv.MessageCount = len(kept)
	m.conversations[id] = conv
	return nil
}

func (m *MemoryClient) SendMessage(ctx context.Context, id string, req SendMessageRequest) (*models.Message, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSend); err != nil {
		return nil, err
	}

	conv, ok := m.conversations[id]
	if !ok {
		return nil, notFound(http.MethodPost, "/conversations/"+id+"/messages")
	}

	now := m.now()
	userID := req.ClientMessageID
	if userID == "" {
		userID = newServerMessageID()
	}
	user := models.Message{
		ID:             userID,
		ConversationID: id,
		OwnerID:        conv.OwnerID,
		Role:           models.RoleUser,
		Content:        req.Content,
		CreatedAt:      now,
	}
	answer := models.Message{
		ID:             newServerMessageID(),
		ConversationID: id,
		OwnerID:        conv.OwnerID,
		Role:           models.RoleAssistant,
		Content:        m.reply(req.Content),
		CreatedAt:      now.Add(time.Millisecond),
	}
	m.messages[id] = append(m.messages[id], user, answer)
	conv.MessageCount = len(m.messages[id])
	conv.UpdatedAt = answer.CreatedAt
	m.conversations[id] = conv
	return &answer, nil
}

func newServerMessageID() string {
	return "srvmsg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
