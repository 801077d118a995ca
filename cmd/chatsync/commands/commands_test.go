// ABOUTME: End-to-end tests for the conversation commands
// ABOUTME: Runs the root command against an httptest conversation service and a temp cache

package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harper/chatsync/internal/models"
)

var fixtureTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeService is a minimal conversation REST service
type fakeService struct {
	mu       sync.Mutex
	convs    map[string]models.Conversation
	messages map[string][]models.Message
	down     bool
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	f := &fakeService{
		convs:    make(map[string]models.Conversation),
		messages: make(map[string][]models.Message),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.down {
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		list := make([]models.Conversation, 0, len(f.convs))
		for _, conv := range f.convs {
			list = append(list, conv)
		}
		writeJSON(w, map[string]any{"conversations": list})
	})
	mux.HandleFunc("GET /conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		after, _ := time.Parse(time.RFC3339Nano, r.URL.Query().Get("after"))
		out := []models.Message{}
		for _, msg := range f.messages[r.PathValue("id")] {
			if msg.CreatedAt.After(after) {
				out = append(out, msg)
			}
		}
		writeJSON(w, map[string]any{"messages": out})
	})
	mux.HandleFunc("GET /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		conv, ok := f.convs[r.PathValue("id")]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, models.ConversationWithMessages{Conversation: conv, Messages: f.messages[conv.ID]})
	})
	mux.HandleFunc("PATCH /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		conv, ok := f.convs[r.PathValue("id")]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		var patch models.ConversationPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conv.Apply(patch)
		f.convs[conv.ID] = conv
		writeJSON(w, map[string]any{"conversation": conv})
	})
	mux.HandleFunc("DELETE /conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.convs, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeService) seed(id, title string, msgs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[id] = models.Conversation{
		ID:        id,
		OwnerID:   "alice",
		Title:     title,
		Mode:      models.ModeText,
		CreatedAt: fixtureTime,
		UpdatedAt: fixtureTime,
	}
	for i, content := range msgs {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		f.messages[id] = append(f.messages[id], models.Message{
			ID:             id + "_m" + string(rune('a'+i)),
			ConversationID: id,
			OwnerID:        "alice",
			Role:           role,
			Content:        content,
			CreatedAt:      fixtureTime.Add(time.Duration(i+1) * time.Minute),
		})
	}
}

func (f *fakeService) title(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs[id].Title
}

func (f *fakeService) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.convs[id]
	return ok
}

func (f *fakeService) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// useService points the CLI configuration at srv and a temp cache
func useService(t *testing.T, srv *httptest.Server) {
	t.Helper()
	t.Setenv("CHATSYNC_OWNER", "alice")
	t.Setenv("CHATSYNC_REMOTE", "http")
	t.Setenv("CHATSYNC_API_URL", srv.URL)
	t.Setenv("CHATSYNC_DB_PATH", filepath.Join(t.TempDir(), "cache.db"))
	t.Setenv("CHATSYNC_MAX_RETRIES", "0")
	t.Setenv("CHATSYNC_RETRY_DELAY", "1ms")
	t.Setenv("CHATSYNC_RATE_LIMIT", "0")
	t.Setenv("OPENAI_API_KEY", "")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestListCmd_ShowsServerList(t *testing.T) {
	f, srv := newFakeService(t)
	useService(t, srv)
	f.seed("conv_a", "Tax questions")
	f.seed("conv_b", "Holiday plans")

	out, err := run(t, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"Tax questions", "Holiday plans", "Total: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "--format", "json", "list")
	if err != nil {
		t.Fatalf("list json: %v", err)
	}
	var rows []conversationRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if len(rows) != 2 {
		t.Errorf("got %d rows, want 2", len(rows))
	}
}

func TestListCmd_FallsBackToCache(t *testing.T) {
	f, srv := newFakeService(t)
	useService(t, srv)
	f.seed("conv_a", "Cached chat")

	if _, err := run(t, "list"); err != nil {
		t.Fatalf("first list: %v", err)
	}

	f.setDown(true)
	out, err := run(t, "list")
	if err != nil {
		t.Fatalf("list while down: %v", err)
	}
	if !strings.Contains(out, "Cached chat") {
		t.Errorf("cached conversation should still be listed:\n%s", out)
	}

	out, err = run(t, "list", "--offline")
	if err != nil {
		t.Fatalf("offline list: %v", err)
	}
	if !strings.Contains(out, "Cached chat") {
		t.Errorf("offline list should read the cache:\n%s", out)
	}
}

func TestShowCmd_PrintsMessages(t *testing.T) {
	f, srv := newFakeService(t)
	useService(t, srv)
	f.seed("conv_a", "Greetings", "hello there", "general kenobi")

	out, err := run(t, "show", "conv_a")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"hello there", "general kenobi"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	// Second run is served from the cache even with the server down
	f.setDown(true)
	out, err = run(t, "--format", "json", "show", "conv_a")
	if err != nil {
		t.Fatalf("show json: %v", err)
	}
	var view conversationView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if len(view.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(view.Messages))
	}
}

func TestShowCmd_InvalidID(t *testing.T) {
	_, srv := newFakeService(t)
	useService(t, srv)

	if _, err := run(t, "show", "not a valid id!"); err == nil {
		t.Error("expected an error for an invalid id")
	}
}

func TestRenameAndDeleteCmds(t *testing.T) {
	f, srv := newFakeService(t)
	useService(t, srv)
	f.seed("conv_a", "Old title")
	if _, err := run(t, "list"); err != nil {
		t.Fatalf("list: %v", err)
	}

	if _, err := run(t, "rename", "conv_a", "New title"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := f.title("conv_a"); got != "New title" {
		t.Errorf("server title = %q, want %q", got, "New title")
	}

	if _, err := run(t, "rename", "conv_a", "   "); err == nil {
		t.Error("blank title should be rejected")
	}

	if _, err := run(t, "delete", "conv_a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.has("conv_a") {
		t.Error("conversation should be deleted on the server")
	}
}

func TestExportCmd(t *testing.T) {
	f, srv := newFakeService(t)
	useService(t, srv)
	f.seed("conv_a", "Exported chat", "first question")
	if _, err := run(t, "list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := run(t, "show", "conv_a"); err != nil {
		t.Fatalf("show: %v", err)
	}

	out, err := run(t, "export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, want := range []string{"Exported chat", "first question", "owner_id: alice"} {
		if !strings.Contains(out, want) {
			t.Errorf("yaml export missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, "export", "--type", "csv"); err == nil {
		t.Error("unknown export type should fail")
	}
}

func TestCommandsRequireOwner(t *testing.T) {
	_, srv := newFakeService(t)
	useService(t, srv)
	t.Setenv("CHATSYNC_OWNER", "")

	_, err := run(t, "list")
	if err == nil || !strings.Contains(err.Error(), "CHATSYNC_OWNER") {
		t.Errorf("expected missing owner error, got %v", err)
	}
}

func TestSyncWipeRequiresConfirm(t *testing.T) {
	f, srv := newFakeService(t)
	useService(t, srv)
	f.seed("conv_a", "Keep me")
	if _, err := run(t, "list"); err != nil {
		t.Fatalf("list: %v", err)
	}

	out, err := run(t, "sync", "wipe")
	if err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if !strings.Contains(out, "--confirm") {
		t.Errorf("wipe without --confirm should explain itself:\n%s", out)
	}

	if _, err := run(t, "sync", "wipe", "--confirm"); err != nil {
		t.Fatalf("wipe --confirm: %v", err)
	}

	f.setDown(true)
	out, err = run(t, "list", "--offline")
	if err != nil {
		t.Fatalf("offline list: %v", err)
	}
	if strings.Contains(out, "Keep me") {
		t.Errorf("cache should be empty after wipe:\n%s", out)
	}
}

func TestSyncStatusCmd(t *testing.T) {
	f, srv := newFakeService(t)
	useService(t, srv)
	f.seed("conv_a", "One")
	if _, err := run(t, "sync", "now"); err != nil {
		t.Fatalf("sync now: %v", err)
	}

	out, err := run(t, "--format", "json", "sync", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if status["owner"] != "alice" || status["cached"] != float64(1) {
		t.Errorf("unexpected status %v", status)
	}
}
