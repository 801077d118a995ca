// ABOUTME: Conversation represents one chat thread owned by a single user
// ABOUTME: Carries sync metadata (CachedAt, placeholder flag) for the local cache
package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode is the interaction mode a conversation was started in
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// TemporaryIDPrefix marks client-generated conversation ids awaiting a server id
const TemporaryIDPrefix = "tmp-"

// Epoch is the sentinel CachedAt for records that have never reconciled with the server.
var Epoch = time.Unix(0, 0).UTC()

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ErrInvalidID is returned for identifiers that cannot name a conversation or message
var ErrInvalidID = errors.New("invalid identifier")

// Conversation is a chat thread as cached locally
type Conversation struct {
	ID            string    `json:"id" yaml:"id"`
	OwnerID       string    `json:"ownerId" yaml:"owner_id"`
	Title         string    `json:"title" yaml:"title"`
	Mode          Mode      `json:"mode" yaml:"mode"`
	IsPinned      bool      `json:"isPinned" yaml:"is_pinned"`
	MessageCount  int       `json:"messageCount,omitempty" yaml:"message_count,omitempty"`
	CreatedAt     time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" yaml:"updated_at"`
	CachedAt      time.Time `json:"cachedAt" yaml:"cached_at"`
	IsPlaceholder bool      `json:"-" yaml:"-"`
}

// ConversationWithMessages is a conversation plus its full ordered message list
type ConversationWithMessages struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// ConversationPatch is a partial update; nil fields are left unchanged
type ConversationPatch struct {
	Title    *string `json:"title,omitempty"`
	IsPinned *bool   `json:"isPinned,omitempty"`
	Mode     *Mode   `json:"mode,omitempty"`
}

// IsEmpty reports whether the patch changes nothing
func (p ConversationPatch) IsEmpty() bool {
	return p.Title == nil && p.IsPinned == nil && p.Mode == nil
}

// NewConversation creates an optimistic conversation with a temporary id
func NewConversation(ownerID string, mode Mode) (*Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.New("owner id cannot be empty")
	}
	if mode == "" {
		mode = ModeText
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}
	now := time.Now().UTC()
	return &Conversation{
		ID:        NewTemporaryID(),
		OwnerID:   ownerID,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
		CachedAt:  Epoch,
	}, nil
}

// NewTemporaryID returns a fresh client-side conversation id
func NewTemporaryID() string {
	return TemporaryIDPrefix + uuid.New().String()
}

// IsTemporaryID reports whether id was generated locally and not yet reconciled
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// ValidateID rejects identifiers that are empty, too long, or contain path or query characters
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeText || m == ModeVoice
}

// Apply copies the non-nil patch fields onto c
func (c *Conversation) Apply(p ConversationPatch) {
	if p.Title != nil {
		c.Title = *p.Title
		c.IsPlaceholder = false
	}
	if p.IsPinned != nil {
		c.IsPinned = *p.IsPinned
	}
	if p.Mode != nil {
		c.Mode = *p.Mode
	}
}

// Validate checks the fields required before persisting
func (c *Conversation) Validate() error {
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		return fmt.Errorf("conversation %s has no owner", c.ID)
	}
	if c.Mode != "" && !c.Mode.Valid() {
		return fmt.Errorf("conversation %s has invalid mode %q", c.ID, c.Mode)
	}
	return nil
}
