// ABOUTME: Change notifications emitted by the controller for UI refresh
// ABOUTME: Handlers run synchronously; a panicking handler never breaks the emitter
package core

import (
	"sync"
)

// EventType names a controller notification
type EventType string

const (
	EventListUpdated         EventType = "list_updated"
	EventConversationUpdated EventType = "conversation_updated"
	EventLoadState           EventType = "load_state"
	EventIDMigrated          EventType = "id_migrated"
	EventPersistFailed       EventType = "persist_failed"
	EventSyncFailed          EventType = "sync_failed"
	EventSendFailed          EventType = "send_failed"
	EventVoiceState          EventType = "voice_state"
)

// Event describes one state change
type Event struct {
	Type           EventType
	ConversationID string
	// PreviousID is set on EventIDMigrated
	PreviousID string
	State      LoadState
	Voice      VoiceConnectionState
	Err        error
}

// Handler receives controller events
type Handler func(Event)

type emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// on registers fn and returns a func that removes it
func (e *emitter) on(fn Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]Handler)
	}
	id := e.nextID
	e.nextID++
	e.handlers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(ev)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[int]Handler)
}
