// ABOUTME: Export functionality for cached conversations
// ABOUTME: Supports YAML, JSON and Markdown export formats
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harper/chatsync/internal/models"
	"gopkg.in/yaml.v3"
)

// ExportVersion is the version of the export document layout
const ExportVersion = "1.0"

// ExportData represents the complete exportable data structure for one owner
type ExportData struct {
	Version       string               `yaml:"version" json:"version"`
	ExportedAt    string               `yaml:"exported_at" json:"exported_at"`
	Tool          string               `yaml:"tool" json:"tool"`
	OwnerID       string               `yaml:"owner_id" json:"owner_id"`
	Conversations []ExportConversation `yaml:"conversations" json:"conversations"`
}

// ExportConversation represents a conversation for export
type ExportConversation struct {
	ID        string          `yaml:"id" json:"id"`
	Title     string          `yaml:"title" json:"title"`
	Mode      string          `yaml:"mode" json:"mode"`
	IsPinned  bool            `yaml:"is_pinned" json:"is_pinned"`
	CreatedAt string          `yaml:"created_at" json:"created_at"`
	UpdatedAt string          `yaml:"updated_at" json:"updated_at"`
	Messages  []ExportMessage `yaml:"messages" json:"messages"`
}

// ExportMessage represents a message for export
type ExportMessage struct {
	ID        string          `yaml:"id" json:"id"`
	Role      string          `yaml:"role" json:"role"`
	Content   string          `yaml:"content" json:"content"`
	Sources   []models.Source `yaml:"sources,omitempty" json:"sources,omitempty"`
	CreatedAt string          `yaml:"created_at" json:"created_at"`
}

// Export collects every titled conversation of ownerID with its messages
func (s *Storage) Export(ctx context.Context, ownerID string) (*ExportData, error) {
	data := &ExportData{
		Version:       ExportVersion,
		ExportedAt:    s.now().UTC().Format(time.RFC3339),
		Tool:          "chatsync",
		OwnerID:       ownerID,
		Conversations: []ExportConversation{},
	}

	convs, err := s.GetAll(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	for _, conv := range convs {
		full, err := s.Get(ctx, conv.ID, ownerID)
		if err != nil {
			return nil, err
		}
		if full == nil {
			continue
		}

		exported := ExportConversation{
			ID:        conv.ID,
			Title:     conv.Title,
			Mode:      string(conv.Mode),
			IsPinned:  conv.IsPinned,
			CreatedAt: conv.CreatedAt.Format(time.RFC3339),
			UpdatedAt: conv.UpdatedAt.Format(time.RFC3339),
			Messages:  make([]ExportMessage, 0, len(full.Messages)),
		}
		for _, msg := range full.Messages {
			exported.Messages = append(exported.Messages, ExportMessage{
				ID:        msg.ID,
				Role:      string(msg.Role),
				Content:   msg.Content,
				Sources:   msg.Sources,
				CreatedAt: msg.CreatedAt.Format(time.RFC3339),
			})
		}
		data.Conversations = append(data.Conversations, exported)
	}

	return data, nil
}

// WriteYAML encodes an export of ownerID to w
func (s *Storage) WriteYAML(ctx context.Context, w io.Writer, ownerID string) error {
	data, err := s.Export(ctx, ownerID)
	if err != nil {
		return err
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return encoder.Close()
}

// WriteJSON encodes an export of ownerID to w
func (s *Storage) WriteJSON(ctx context.Context, w io.Writer, ownerID string) error {
	data, err := s.Export(ctx, ownerID)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// WriteMarkdown renders an export of ownerID as a readable transcript
func (s *Storage) WriteMarkdown(ctx context.Context, w io.Writer, ownerID string) error {
	data, err := s.Export(ctx, ownerID)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "# Conversations - %s\n\n", ownerID)
	_, _ = fmt.Fprintf(w, "Generated: %s\n\n", data.ExportedAt)

	for _, conv := range data.Conversations {
		title := conv.Title
		if title == "" {
			title = "(untitled)"
		}
		pin := ""
		if conv.IsPinned {
			pin = " [pinned]"
		}
		_, _ = fmt.Fprintf(w, "## %s%s\n\n", title, pin)
		_, _ = fmt.Fprintf(w, "*%s, %s*\n\n", conv.Mode, conv.UpdatedAt)

		for _, msg := range conv.Messages {
			_, _ = fmt.Fprintf(w, "**%s:** %s\n\n", roleLabel(msg.Role), msg.Content)
			for _, src := range msg.Sources {
				_, _ = fmt.Fprintf(w, "- %s\n", formatSource(src))
			}
			if len(msg.Sources) > 0 {
				_, _ = fmt.Fprintln(w)
			}
		}
		_, _ = fmt.Fprintln(w, "---")
		_, _ = fmt.Fprintln(w)
	}

	return nil
}

// ExportToFile writes an export of ownerID in format (yaml, json or markdown)
func (s *Storage) ExportToFile(ctx context.Context, outputPath, format, ownerID string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(outputPath) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = file.Close() }()

	switch strings.ToLower(format) {
	case "yaml", "yml":
		return s.WriteYAML(ctx, file, ownerID)
	case "json":
		return s.WriteJSON(ctx, file, ownerID)
	case "markdown", "md":
		return s.WriteMarkdown(ctx, file, ownerID)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func roleLabel(role string) string {
	switch models.Role(role) {
	case models.RoleUser:
		return "User"
	case models.RoleAssistant:
		return "Assistant"
	default:
		return "System"
	}
}

func formatSource(src models.Source) string {
	label := src.Title
	if label == "" {
		label = src.URL
	}
	if src.Page > 0 {
		label = fmt.Sprintf("%s (p. %d)", label, src.Page)
	}
	if src.URL != "" && label != src.URL {
		return fmt.Sprintf("[%s](%s)", label, src.URL)
	}
	return label
}
