// ABOUTME: Per-conversation load states and the read-only controller snapshot
// ABOUTME: Tracks absent, cache-hit, syncing, fetching, synced and sync-failed
package core

import (
	"sort"

	"github.com/harper/chatsync/internal/models"
)

// LoadState is where a conversation is in its load lifecycle
type LoadState string

const (
	LoadAbsent     LoadState = "absent"
	LoadCacheHit   LoadState = "cache-hit"
	LoadSyncing    LoadState = "syncing"
	LoadFetching   LoadState = "fetching"
	LoadSynced     LoadState = "synced"
	LoadSyncFailed LoadState = "sync-failed"
)

// Snapshot is a copy of the in-memory projection
type Snapshot struct {
	OwnerID       string
	Conversations []models.Conversation
	CurrentID     string
	Current       *models.Conversation
	Messages      []models.Message
	LoadState     LoadState
	ListFetched   bool
	Voice         VoiceConnectionState
}

// projection is the state the UI renders; guarded by Controller.mu
type projection struct {
	conversations []models.Conversation
	currentID     string
	messages      []models.Message
	loadStates    map[string]LoadState
}

func (p *projection) clone() projection {
	out := projection{
		conversations: append([]models.Conversation(nil), p.conversations...),
		currentID:     p.currentID,
		messages:      append([]models.Message(nil), p.messages...),
		loadStates:    make(map[string]LoadState, len(p.loadStates)),
	}
	for k, v := range p.loadStates {
		out.loadStates[k] = v
	}
	return out
}

func (p *projection) indexOf(id string) int {
	for i := range p.conversations {
		if p.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (p *projection) find(id string) *models.Conversation {
	if i := p.indexOf(id); i >= 0 {
		return &p.conversations[i]
	}
	return nil
}

// upsert replaces or inserts conv and keeps the list ordered
func (p *projection) upsert(conv models.Conversation) {
	if i := p.indexOf(conv.ID); i >= 0 {
		p.conversations[i] = conv
	} else {
		p.conversations = append(p.conversations, conv)
	}
	sortConversations(p.conversations)
}

func (p *projection) remove(ids map[string]bool) {
	kept := p.conversations[:0]
	for _, conv := range p.conversations {
		if !ids[conv.ID] {
			kept = append(kept, conv)
		}
	}
	p.conversations = kept
	if ids[p.currentID] {
		p.currentID = ""
		p.messages = nil
	}
}

// sortConversations orders pinned first, then most recently updated
func sortConversations(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].IsPinned != convs[j].IsPinned {
			return convs[i].IsPinned
		}
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
}

// mergeMessages adds incoming messages not already present by id, in order
func mergeMessages(existing, incoming []models.Message) ([]models.Message, int) {
	seen := make(map[string]bool, len(existing))
	for _, msg := range existing {
		seen[msg.ID] = true
	}
	merged := append([]models.Message(nil), existing...)
	added := 0
	for _, msg := range incoming {
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		merged = append(merged, msg)
		added++
	}
	sortMessages(merged)
	return merged, added
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(&msgs[j]) })
}
