// ABOUTME: Ingests transcripts and connection changes from an external voice session
// ABOUTME: Voice messages take the same optimistic path as typed messages
package core

import (
	"context"

	"github.com/harper/chatsync/internal/models"
)

// VoiceConnectionState mirrors the voice session's connection status
type VoiceConnectionState string

const (
	VoiceDisconnected VoiceConnectionState = "disconnected"
	VoiceConnecting   VoiceConnectionState = "connecting"
	VoiceConnected    VoiceConnectionState = "connected"
	VoiceError        VoiceConnectionState = "error"
)

// VoiceEvent is either a finished transcript message or a connection change
type VoiceEvent struct {
	Message *models.Message
	State   VoiceConnectionState
}

// AttachVoice consumes events until the channel closes or ctx is done
func (c *Controller) AttachVoice(ctx context.Context, events <-chan VoiceEvent) {
	c.background(func(bg context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-bg.Done():
				return
			case ev, ok := <-events:
				if !ok {
					c.setVoiceState(VoiceDisconnected)
					return
				}
				c.handleVoice(bg, ev)
			}
		}
	})
}

func (c *Controller) handleVoice(ctx context.Context, ev VoiceEvent) {
	if ev.State != "" {
		c.setVoiceState(ev.State)
	}
	if ev.Message == nil {
		return
	}

	msg := *ev.Message
	if err := c.prepareMessage(&msg, models.ModeVoice); err != nil {
		c.logger.Debug("dropping voice message", "err", err)
		return
	}
	c.appendLocal(msg)
	_ = c.persistMessage(ctx, msg)
}

func (c *Controller) setVoiceState(state VoiceConnectionState) {
	c.mu.Lock()
	if c.voice == state {
		c.mu.Unlock()
		return
	}
	c.voice = state
	c.mu.Unlock()
	c.events.emit(Event{Type: EventVoiceState, Voice: state})
}
