// ABOUTME: Message represents a single turn inside a conversation
// ABOUTME: Content is sanitized before it reaches the local cache
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Source is a citation attached to an assistant answer
type Source struct {
	Title   string `json:"title" yaml:"title"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Page    int    `json:"page,omitempty" yaml:"page,omitempty"`
	Snippet string `json:"snippet,omitempty" yaml:"snippet,omitempty"`
}

// Message is one turn of a conversation
type Message struct {
	ID             string    `json:"id" yaml:"id"`
	ConversationID string    `json:"conversationId" yaml:"conversation_id"`
	OwnerID        string    `json:"ownerId" yaml:"owner_id"`
	Role           Role      `json:"role" yaml:"role"`
	Content        string    `json:"content" yaml:"content"`
	Sources        []Source  `json:"sources,omitempty" yaml:"sources,omitempty"`
	CreatedAt      time.Time `json:"createdAt" yaml:"created_at"`
}

// NewMessage creates a message with a fresh id and sanitized content
func NewMessage(conversationID, ownerID string, role Role, content string) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	content = SanitizeContent(content)
	if content == "" {
		return nil, errors.New("message content cannot be empty")
	}
	return &Message{
		ID:             "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		ConversationID: conversationID,
		OwnerID:        ownerID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// SanitizeContent normalizes to NFC, drops control characters other than
// newline and tab, unifies line endings and trims surrounding whitespace.
func SanitizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return '\n'
		case unicode.IsControl(r), r == unicode.ReplacementChar:
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// Validate checks the fields required before persisting
func (m *Message) Validate() error {
	if err := ValidateID(m.ID); err != nil {
		return err
	}
	if err := ValidateID(m.ConversationID); err != nil {
		return fmt.Errorf("message %s: %w", m.ID, err)
	}
	if strings.TrimSpace(m.OwnerID) == "" {
		return fmt.Errorf("message %s has no owner", m.ID)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("message %s has invalid role %q", m.ID, m.Role)
	}
	return nil
}

// Before orders messages by creation time, then id for equal timestamps
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
