// ABOUTME: Tests for Message construction and content sanitization
// ABOUTME: Verifies control-character stripping and ordering helpers
package models

import (
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("c1", "user-1", RoleUser, "  Hello\r\nworld  ")
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if msg.Content != "Hello\nworld" {
		t.Errorf("Content = %q, want %q", msg.Content, "Hello\nworld")
	}
	if err := msg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestNewMessage_Errors(t *testing.T) {
	if _, err := NewMessage("c1", "u", Role("tool"), "hi"); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := NewMessage("c1", "u", RoleUser, "\x00\x01  "); err == nil {
		t.Error("expected error for content that sanitizes to empty")
	}
}

func TestSanitizeContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"keeps tabs and newlines", "a\tb\nc", "a\tb\nc"},
		{"strips nul and bell", "a\x00b\x07c", "abc"},
		{"bare carriage return", "a\rb", "a\nb"},
		{"nfc composition", "e\u0301", "\u00e9"},
		{"trims", "\n\n  hi  \n", "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeContent(tt.in); got != tt.want {
				t.Errorf("SanitizeContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMessageBefore(t *testing.T) {
	now := time.Now()
	a := &Message{ID: "a", CreatedAt: now}
	b := &Message{ID: "b", CreatedAt: now}
	c := &Message{ID: "0", CreatedAt: now.Add(time.Second)}

	if !a.Before(b) || b.Before(a) {
		t.Error("equal timestamps should order by id")
	}
	if !b.Before(c) {
		t.Error("earlier message should sort first")
	}
}
