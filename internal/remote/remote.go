// ABOUTME: Remote conversation API abstraction used by the sync controller
// ABOUTME: Defines the Client interface, request types and typed status errors
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/harper/chatsync/internal/models"
)

// Client is the authoritative conversation service. Implementations scope
// every call to the authenticated owner.
type Client interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.ConversationWithMessages, error)
	GetMessagesAfter(ctx context.Context, id string, after time.Time) ([]models.Message, error)
	CreateConversation(ctx context.Context, req CreateConversationRequest) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	DeleteConversations(ctx context.Context, ids []string) error
	TruncateMessages(ctx context.Context, id string, keepIDs []string) error
	SendMessage(ctx context.Context, id string, req SendMessageRequest) (*models.Message, error)
}

// CreateConversationRequest is the body of POST /conversations
type CreateConversationRequest struct {
	Title    string      `json:"title,omitempty"`
	Mode     models.Mode `json:"mode"`
	ClientID string      `json:"clientId,omitempty"`
}

// SendMessageRequest is the body of POST /conversations/{id}/messages.
// ClientMessageID lets the server keep the id the client already cached.
type SendMessageRequest struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// StatusError is a non-2xx response from the remote
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Transient reports whether retrying the same request may succeed
func (e *StatusError) Transient() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// ErrNotFound matches a 404 StatusError via errors.Is
var ErrNotFound = errors.New("remote: not found")

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// IsTransient classifies err as a temporary failure worth retrying.
// Cancellation by the caller is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsNotFound reports whether err is a remote 404
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
