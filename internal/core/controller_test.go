// ABOUTME: Tests for the sync controller over in-memory SQLite and an in-memory server
// ABOUTME: Covers fresh load, delta sync, reconciliation, eviction, rollback and abort
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/harper/chatsync/internal/models"
	"github.com/harper/chatsync/internal/remote"
	"github.com/harper/chatsync/internal/storage/sqlite"
	"github.com/stretchr/testify/require"
)

const owner = "alice"

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// tickClock advances one second on every read so cache watermarks are strictly ordered
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) loadStates(id string) []LoadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LoadState
	for _, ev := range r.events {
		if ev.Type == EventLoadState && ev.ConversationID == id {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) first(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

type fixture struct {
	ctrl   *Controller
	store  *sqlite.Storage
	server *remote.MemoryClient
	events *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &tickClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := sqlite.NewStorageInMemory(sqlite.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	server := remote.NewMemoryClient(owner)
	ctrl, err := New(store, server, owner, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	rec := &recorder{}
	ctrl.Subscribe(rec.handle)
	return &fixture{ctrl: ctrl, store: store, server: server, events: rec}
}

func conversation(id, title string, updated time.Time) models.Conversation {
	return models.Conversation{
		ID:        id,
		OwnerID:   owner,
		Title:     title,
		Mode:      models.ModeText,
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
	}
}

func message(id, conv string, role models.Role, content string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conv,
		OwnerID:        owner,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}
}

func internalError() error {
	return &remote.StatusError{Method: http.MethodGet, Path: "/", StatusCode: http.StatusInternalServerError}
}

func TestNewValidatesArguments(t *testing.T) {
	store, err := sqlite.NewStorageInMemory()
	require.NoError(t, err)
	defer store.Close()
	server := remote.NewMemoryClient(owner)

	_, err = New(store, server, "  ")
	require.True(t, IsCode(err, ErrorInvalidInput))

	_, err = New(nil, server, owner)
	require.True(t, IsCode(err, ErrorInvalidInput))

	_, err = New(store, nil, owner)
	require.True(t, IsCode(err, ErrorInvalidInput))
}

func TestFreshLoadFetchesMessagesFromServer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.Seed(conversation("conv_a", "Alpha", base),
		message("m1", "conv_a", models.RoleUser, "hello", base.Add(time.Minute)),
		message("m2", "conv_a", models.RoleAssistant, "hi there", base.Add(2*time.Minute)),
		message("m3", "conv_a", models.RoleUser, "thanks", base.Add(3*time.Minute)),
	)

	require.NoError(t, f.ctrl.LoadConversation(ctx, "conv_a"))
	f.ctrl.Wait()

	snap := f.ctrl.Snapshot()
	require.Equal(t, "conv_a", snap.CurrentID)
	require.Len(t, snap.Messages, 3)
	require.Equal(t, "m1", snap.Messages[0].ID)
	require.Equal(t, "m3", snap.Messages[2].ID)
	require.Equal(t, LoadSynced, snap.LoadState)
	require.Equal(t, []LoadState{LoadFetching, LoadSynced}, f.events.loadStates("conv_a"))

	cached, err := f.store.Get(ctx, "conv_a", owner)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Len(t, cached.Messages, 3)
	require.Zero(t, f.server.Calls(remote.OpGet))
}

func TestFreshLoadWithEmptyDeltaUsesFullFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.Seed(conversation("conv_b", "Empty chat", base))

	require.NoError(t, f.ctrl.LoadConversation(ctx, "conv_b"))
	f.ctrl.Wait()

	require.Equal(t, 1, f.server.Calls(remote.OpGet))
	cached, err := f.store.Get(ctx, "conv_b", owner)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, "Empty chat", cached.Conversation.Title)

	snap := f.ctrl.Snapshot()
	require.NotNil(t, snap.Current)
	require.Equal(t, "Empty chat", snap.Current.Title)
	require.Equal(t, LoadSynced, snap.LoadState)
}

func TestDeltaSyncAppendsOnlyNewMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := conversation("conv_a", "Alpha", base)
	m1 := message("m1", "conv_a", models.RoleUser, "hello", base.Add(time.Minute))
	m2 := message("m2", "conv_a", models.RoleAssistant, "hi there", base.Add(2*time.Minute))
	m3 := message("m3", "conv_a", models.RoleUser, "one more thing", base.Add(3*time.Minute))

	require.NoError(t, f.store.Save(ctx, &conv, []models.Message{m1, m2}))
	f.server.Seed(conv, m1, m2, m3)

	require.NoError(t, f.ctrl.LoadConversation(ctx, "conv_a"))
	f.ctrl.Wait()

	require.Equal(t, []LoadState{LoadCacheHit, LoadSyncing, LoadSynced}, f.events.loadStates("conv_a"))
	require.Equal(t, 1, f.server.Calls(remote.OpMessages))
	require.Zero(t, f.server.Calls(remote.OpGet))

	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Messages, 3)
	require.Equal(t, []string{"m1", "m2", "m3"}, []string{snap.Messages[0].ID, snap.Messages[1].ID, snap.Messages[2].ID})

	cached, err := f.store.Get(ctx, "conv_a", owner)
	require.NoError(t, err)
	require.Len(t, cached.Messages, 3)
	require.False(t, cached.Conversation.CachedAt.Before(m3.CreatedAt))

	// A second load of the active conversation syncs again without duplicating
	require.NoError(t, f.ctrl.LoadConversation(ctx, "conv_a"))
	f.ctrl.Wait()
	require.Len(t, f.ctrl.Snapshot().Messages, 3)
}

func TestLoadRejectsInvalidIDWithoutIO(t *testing.T) {
	f := newFixture(t)

	err := f.ctrl.LoadConversation(context.Background(), "../etc/passwd")
	require.True(t, IsCode(err, ErrorInvalidInput))
	require.ErrorIs(t, err, models.ErrInvalidID)
	require.Zero(t, f.server.Calls(remote.OpMessages))
}

func TestLoadSyncFailureKeepsCachedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := conversation("conv_a", "Alpha", base)
	require.NoError(t, f.store.Save(ctx, &conv, []models.Message{
		message("m1", "conv_a", models.RoleUser, "hello", base.Add(time.Minute)),
		message("m2", "conv_a", models.RoleAssistant, "hi", base.Add(2*time.Minute)),
	}))
	f.server.Fail(remote.OpMessages, errors.New("offline"))

	require.NoError(t, f.ctrl.LoadConversation(ctx, "conv_a"))
	f.ctrl.Wait()

	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, LoadSyncFailed, snap.LoadState)
	require.Equal(t, 1, f.events.count(EventSyncFailed))
}

func TestFetchConversationListReplacesMemoryAndDropsOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := conversation("conv_old", "Deleted elsewhere", base)
	require.NoError(t, f.store.Save(ctx, &stale, nil))

	tempID := models.NewTemporaryID()
	pending := message("m_pending", tempID, models.RoleUser, "not sent yet", base)
	require.NoError(t, f.store.SaveMessage(ctx, &pending, models.ModeText))

	pinned := conversation("conv_b", "Pinned", base)
	pinned.IsPinned = true
	f.server.Seed(conversation("conv_a", "Recent", base.Add(time.Hour)))
	f.server.Seed(pinned)

	require.NoError(t, f.ctrl.FetchConversationList(ctx, false))
	f.ctrl.Wait()

	snap := f.ctrl.Snapshot()
	require.True(t, snap.ListFetched)
	require.Len(t, snap.Conversations, 2)
	require.Equal(t, "conv_b", snap.Conversations[0].ID)
	require.Equal(t, "conv_a", snap.Conversations[1].ID)

	ids, err := f.store.ListIDs(ctx, owner)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"conv_a", "conv_b", tempID}, ids)

	// Already fetched this session
	require.NoError(t, f.ctrl.FetchConversationList(ctx, false))
	f.ctrl.Wait()
	require.Equal(t, 1, f.server.Calls(remote.OpList))

	require.NoError(t, f.ctrl.FetchConversationList(ctx, true))
	f.ctrl.Wait()
	require.Equal(t, 2, f.server.Calls(remote.OpList))
}

func TestFetchConversationListFailureKeepsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := conversation("conv_a", "Cached", base)
	require.NoError(t, f.store.Save(ctx, &conv, nil))
	f.server.Fail(remote.OpList, internalError())

	require.NoError(t, f.ctrl.FetchConversationList(ctx, false))
	f.ctrl.Wait()

	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, "Cached", snap.Conversations[0].Title)
	require.Equal(t, 1, f.events.count(EventSyncFailed))

	ids, err := f.store.ListIDs(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, []string{"conv_a"}, ids)
}

func TestListDropsOtherOwnersConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	foreign := conversation("conv_bob", "Bob's", base)
	foreign.OwnerID = "bob"
	f.server.Seed(foreign)
	f.server.Seed(conversation("conv_a", "Mine", base))

	require.NoError(t, f.ctrl.RefreshConversationList(ctx))

	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, "conv_a", snap.Conversations[0].ID)

	cached, err := f.store.Get(ctx, "conv_bob", "bob")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestStaleListKeepsConversationConfirmedMeanwhile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taken, release := f.server.HoldLists()
	done := make(chan error, 1)
	go func() { done <- f.ctrl.RefreshConversationList(ctx) }()
	<-taken

	_, err := f.ctrl.NewConversation(models.ModeText)
	require.NoError(t, err)
	_, err = f.ctrl.Ask(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, "conv_0001", f.ctrl.Snapshot().CurrentID)

	release()
	require.NoError(t, <-done)
	f.ctrl.Wait()

	snap := f.ctrl.Snapshot()
	require.Equal(t, "conv_0001", snap.CurrentID)
	require.Len(t, snap.Messages, 2)
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, "conv_0001", snap.Conversations[0].ID)

	cached, err := f.store.Get(ctx, "conv_0001", owner)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Len(t, cached.Messages, 2)

	// A list issued after the confirmation carries it from the server
	require.NoError(t, f.ctrl.RefreshConversationList(ctx))
	snap = f.ctrl.Snapshot()
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, "conv_0001", snap.CurrentID)
}

func TestListRefreshKeepsOpenConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.Seed(conversation("conv_a", "Open", base), message("m1", "conv_a", models.RoleUser, "hi", base))
	require.NoError(t, f.ctrl.LoadConversation(ctx, "conv_a"))
	f.ctrl.Wait()
	require.Equal(t, "conv_a", f.ctrl.Snapshot().CurrentID)

	f.server.Remove("conv_a")
	require.NoError(t, f.ctrl.RefreshConversationList(ctx))

	snap := f.ctrl.Snapshot()
	require.Empty(t, snap.Conversations)
	require.Equal(t, "conv_a", snap.CurrentID)
	require.Len(t, snap.Messages, 1)
}

func TestForcedFetchDuringRefreshIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taken, release := f.server.HoldLists()
	require.NoError(t, f.ctrl.FetchConversationList(ctx, false))
	<-taken

	f.server.Seed(conversation("conv_late", "Created elsewhere", base))
	require.NoError(t, f.ctrl.FetchConversationList(ctx, false))
	require.NoError(t, f.ctrl.FetchConversationList(ctx, true))
	require.NoError(t, f.ctrl.FetchConversationList(ctx, true))
	require.Equal(t, 1, f.server.Calls(remote.OpList))

	release()
	f.ctrl.Wait()

	require.Equal(t, 2, f.server.Calls(remote.OpList))
	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, "conv_late", snap.Conversations[0].ID)
}

func TestAskReconcilesTemporaryID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.ctrl.NewConversation(models.ModeText)
	require.NoError(t, err)
	tempID := conv.ID
	require.True(t, models.IsTemporaryID(tempID))

	reply, err := f.ctrl.Ask(ctx, "  hello there  ")
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, "You said: hello there", reply.Content)
	require.Equal(t, "conv_0001", reply.ConversationID)

	snap := f.ctrl.Snapshot()
	require.Equal(t, "conv_0001", snap.CurrentID)
	require.Len(t, snap.Messages, 2)
	for _, msg := range snap.Messages {
		require.Equal(t, "conv_0001", msg.ConversationID)
	}
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, "conv_0001", snap.Conversations[0].ID)

	gone, err := f.store.Get(ctx, tempID, owner)
	require.NoError(t, err)
	require.Nil(t, gone)

	cached, err := f.store.Get(ctx, "conv_0001", owner)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Len(t, cached.Messages, 2)

	serverMsgs := f.server.Messages("conv_0001")
	require.Len(t, serverMsgs, 2)
	require.Equal(t, snap.Messages[0].ID, serverMsgs[0].ID)

	ev, ok := f.events.first(EventIDMigrated)
	require.True(t, ok)
	require.Equal(t, tempID, ev.PreviousID)
	require.Equal(t, "conv_0001", ev.ConversationID)

	// The old id still resolves after reconciliation
	require.NoError(t, f.ctrl.LoadConversation(ctx, tempID))
	f.ctrl.Wait()
	require.Equal(t, "conv_0001", f.ctrl.Snapshot().CurrentID)
	require.Len(t, f.ctrl.Snapshot().Messages, 2)
}

func TestMigrateIDConcurrentCallsMigrateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.ctrl.NewConversation(models.ModeText)
	require.NoError(t, err)
	for _, content := range []string{"first", "second"} {
		_, err := f.ctrl.AddMessage(models.Message{Content: content})
		require.NoError(t, err)
	}
	f.ctrl.Wait()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.ctrl.MigrateID(ctx, conv.ID, "conv_real")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, f.events.count(EventIDMigrated))

	cached, err := f.store.Get(ctx, "conv_real", owner)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Len(t, cached.Messages, 2)

	gone, err := f.store.Get(ctx, conv.ID, owner)
	require.NoError(t, err)
	require.Nil(t, gone)

	snap := f.ctrl.Snapshot()
	require.Equal(t, "conv_real", snap.CurrentID)
	for _, msg := range snap.Messages {
		require.Equal(t, "conv_real", msg.ConversationID)
	}

	require.NoError(t, f.ctrl.MigrateID(ctx, conv.ID, "conv_real"))
	require.Equal(t, 1, f.events.count(EventIDMigrated))
}

func TestMigrateIDRejectsInvalidIDs(t *testing.T) {
	f := newFixture(t)

	err := f.ctrl.MigrateID(context.Background(), "tmp-x", "bad id")
	require.True(t, IsCode(err, ErrorInvalidInput))
}

func TestMigrateIDReturnsWhileAnotherIsRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.ctrl.NewConversation(models.ModeText)
	require.NoError(t, err)
	_, err = f.ctrl.AddMessage(models.Message{Content: "draft"})
	require.NoError(t, err)
	f.ctrl.Wait()

	// Stand in for a migration that holds the write lock mid-flight
	require.True(t, f.ctrl.migrating.Acquire(conv.ID))
	f.ctrl.writeMu.Lock()

	done := make(chan error, 1)
	go func() { done <- f.ctrl.MigrateID(ctx, conv.ID, "conv_real") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("MigrateID blocked behind the running migration")
	}

	f.ctrl.writeMu.Unlock()
	f.ctrl.migrating.Release(conv.ID)

	require.Zero(t, f.events.count(EventIDMigrated))
	cached, err := f.store.Get(ctx, conv.ID, owner)
	require.NoError(t, err)
	require.NotNil(t, cached)

	require.NoError(t, f.ctrl.MigrateID(ctx, conv.ID, "conv_real"))
	require.Equal(t, 1, f.events.count(EventIDMigrated))
}

func TestEvictionKeepsFiftyNewestCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i <= 50; i++ {
		f.server.Seed(conversation(fmt.Sprintf("conv_%02d", i), fmt.Sprintf("Chat %d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	for i := 0; i <= 50; i++ {
		require.NoError(t, f.ctrl.LoadConversation(ctx, fmt.Sprintf("conv_%02d", i)))
		f.ctrl.Wait()
	}

	count, err := f.store.Count(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, 50, count)

	evicted, err := f.store.Get(ctx, "conv_00", owner)
	require.NoError(t, err)
	require.Nil(t, evicted)

	newest, err := f.store.Get(ctx, "conv_50", owner)
	require.NoError(t, err)
	require.NotNil(t, newest)
}

func TestRenameRollsBackOnRemoteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.Seed(conversation("conv_a", "Alpha", base))
	require.NoError(t, f.ctrl.RefreshConversationList(ctx))

	f.server.Fail(remote.OpUpdate, internalError())
	err := f.ctrl.UpdateConversationTitle(ctx, "conv_a", "Beta")
	require.True(t, IsCode(err, ErrorRemote))

	require.Equal(t, "Alpha", f.ctrl.Snapshot().Conversations[0].Title)
	cached, err := f.store.Get(ctx, "conv_a", owner)
	require.NoError(t, err)
	require.Equal(t, "Alpha", cached.Conversation.Title)

	f.server.ClearFailures()
	require.NoError(t, f.ctrl.UpdateConversationTitle(ctx, "conv_a", "Beta"))
	require.Equal(t, "Beta", f.ctrl.Snapshot().Conversations[0].Title)
	onServer, ok := f.server.Conversation("conv_a")
	require.True(t, ok)
	require.Equal(t, "Beta", onServer.Title)
	cached, err = f.store.Get(ctx, "conv_a", owner)
	require.NoError(t, err)
	require.Equal(t, "Beta", cached.Conversation.Title)
}

func TestRenameValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, IsCode(f.ctrl.UpdateConversationTitle(ctx, "conv_a", "   "), ErrorInvalidInput))
	require.True(t, IsCode(f.ctrl.UpdateConversationTitle(ctx, "conv_missing", "Title"), ErrorNotFound))
	require.Zero(t, f.server.Calls(remote.OpUpdate))
}

func TestTogglePinRollsBackOnRemoteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.Seed(conversation("conv_a", "Alpha", base.Add(time.Hour)))
	f.server.Seed(conversation("conv_b", "Beta", base))
	require.NoError(t, f.ctrl.RefreshConversationList(ctx))

	f.server.Fail(remote.OpUpdate, internalError())
	_, err := f.ctrl.TogglePin(ctx, "conv_b")
	require.True(t, IsCode(err, ErrorRemote))

	snap := f.ctrl.Snapshot()
	require.Equal(t, "conv_a", snap.Conversations[0].ID)
	require.False(t, snap.Conversations[1].IsPinned)
	cached, err := f.store.Get(ctx, "conv_b", owner)
	require.NoError(t, err)
	require.False(t, cached.Conversation.IsPinned)

	f.server.ClearFailures()
	pinned, err := f.ctrl.TogglePin(ctx, "conv_b")
	require.NoError(t, err)
	require.True(t, pinned)
	snap = f.ctrl.Snapshot()
	require.Equal(t, "conv_b", snap.Conversations[0].ID)
	require.True(t, snap.Conversations[0].IsPinned)
}

func TestDeleteConversationRollsBackOnRemoteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.Seed(conversation("conv_a", "Alpha", base.Add(time.Hour)))
	f.server.Seed(conversation("conv_b", "Beta", base))
	require.NoError(t, f.ctrl.RefreshConversationList(ctx))
	before := f.ctrl.Snapshot().Conversations

	f.server.Fail(remote.OpDelete, internalError())
	err := f.ctrl.DeleteConversation(ctx, "conv_a")
	require.True(t, IsCode(err, ErrorRemote))
	require.Equal(t, before, f.ctrl.Snapshot().Conversations)

	f.server.ClearFailures()
	require.NoError(t, f.ctrl.DeleteConversation(ctx, "conv_a"))
	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, "conv_b", snap.Conversations[0].ID)

	cached, err := f.store.Get(ctx, "conv_a", owner)
	require.NoError(t, err)
	require.Nil(t, cached)
	_, ok := f.server.Conversation("conv_a")
	require.False(t, ok)

	// Already gone on the server counts as deleted
	f.server.Remove("conv_b")
	require.NoError(t, f.ctrl.DeleteConversation(ctx, "conv_b"))
	require.Empty(t, f.ctrl.Snapshot().Conversations)
}

func TestTruncateRestoresMemoryOnlyOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var msgs []models.Message
	for i := 0; i < 4; i++ {
		msgs = append(msgs, message(fmt.Sprintf("m%d", i), "conv_a", models.RoleUser, fmt.Sprintf("turn %d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	f.server.Seed(conversation("conv_a", "Alpha", base), msgs...)
	require.NoError(t, f.ctrl.LoadConversation(ctx, "conv_a"))
	f.ctrl.Wait()
	require.Len(t, f.ctrl.Snapshot().Messages, 4)

	f.server.Fail(remote.OpTruncate, internalError())
	err := f.ctrl.TruncateMessagesAt(ctx, 2)
	require.True(t, IsCode(err, ErrorRemote))
	require.Len(t, f.ctrl.Snapshot().Messages, 4)

	cached, err := f.store.Get(ctx, "conv_a", owner)
	require.NoError(t, err)
	require.Len(t, cached.Messages, 2)

	f.server.ClearFailures()
	require.NoError(t, f.ctrl.TruncateMessagesAt(ctx, 2))
	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "m1", snap.Messages[1].ID)
	require.Len(t, f.server.Messages("conv_a"), 2)

	require.True(t, IsCode(f.ctrl.TruncateMessagesAt(ctx, 5), ErrorInvalidInput))
	require.True(t, IsCode(f.ctrl.TruncateMessagesAt(ctx, -1), ErrorInvalidInput))
}

func TestTruncateRequiresActiveConversation(t *testing.T) {
	f := newFixture(t)

	err := f.ctrl.TruncateMessagesAt(context.Background(), 0)
	require.True(t, IsCode(err, ErrorInvalidInput))
	require.ErrorIs(t, err, ErrNoActiveConversation)
}

func TestDeleteSelectedRestoresMemoryOnlyOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, id := range []string{"conv_a", "conv_b", "conv_c"} {
		f.server.Seed(conversation(id, id, base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, f.ctrl.RefreshConversationList(ctx))

	f.server.Fail(remote.OpDeleteBatch, internalError())
	err := f.ctrl.DeleteSelectedConversations(ctx, []string{"conv_a", "conv_b", "conv_a"})
	require.True(t, IsCode(err, ErrorRemote))
	require.Len(t, f.ctrl.Snapshot().Conversations, 3)

	ids, err := f.store.ListIDs(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, []string{"conv_c"}, ids)

	f.server.ClearFailures()
	require.NoError(t, f.ctrl.DeleteSelectedConversations(ctx, []string{"conv_a", "conv_b"}))
	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Conversations, 1)
	require.Equal(t, "conv_c", snap.Conversations[0].ID)
	_, ok := f.server.Conversation("conv_b")
	require.False(t, ok)

	require.True(t, IsCode(f.ctrl.DeleteSelectedConversations(ctx, []string{"conv_c", "bad/id"}), ErrorInvalidInput))
}

func TestAskAbortKeepsUserMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.Seed(conversation("conv_a", "Alpha", base))
	require.NoError(t, f.ctrl.LoadConversation(ctx, "conv_a"))
	f.ctrl.Wait()

	release := f.server.HoldSends()
	defer release()

	askCtx, cancel := context.WithCancel(ctx)
	type result struct {
		reply *models.Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := f.ctrl.Ask(askCtx, "what is in chapter two?")
		done <- result{reply, err}
	}()

	require.Eventually(t, func() bool {
		return len(f.ctrl.Snapshot().Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	res := <-done
	require.NoError(t, res.err)
	require.Nil(t, res.reply)

	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, models.RoleUser, snap.Messages[0].Role)
	require.Zero(t, f.events.count(EventSendFailed))

	cached, err := f.store.Get(ctx, "conv_a", owner)
	require.NoError(t, err)
	require.Len(t, cached.Messages, 1)
	require.Empty(t, f.server.Messages("conv_a"))
}

func TestAskFailureEmitsEventAndKeepsMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.Seed(conversation("conv_a", "Alpha", base))
	require.NoError(t, f.ctrl.LoadConversation(ctx, "conv_a"))
	f.ctrl.Wait()

	f.server.Fail(remote.OpSend, internalError())
	reply, err := f.ctrl.Ask(ctx, "hello")
	require.Nil(t, reply)
	require.True(t, IsCode(err, ErrorRemote))
	require.Equal(t, 1, f.events.count(EventSendFailed))
	require.Len(t, f.ctrl.Snapshot().Messages, 1)

	_, err = f.ctrl.Ask(ctx, " \x00 ")
	require.True(t, IsCode(err, ErrorInvalidInput))
}

func TestAddMessageWritesThroughAndSweepConfirms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.ctrl.AddMessage(models.Message{Content: " hi\x00 "})
	require.NoError(t, err)
	require.Equal(t, "hi", msg.Content)
	require.True(t, models.IsTemporaryID(msg.ConversationID))
	f.ctrl.Wait()

	pending, err := f.store.PendingTemporary(ctx, owner)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, msg.ConversationID, pending[0].ID)

	confirmed, err := f.ctrl.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, confirmed)

	snap := f.ctrl.Snapshot()
	require.Equal(t, "conv_0001", snap.CurrentID)
	require.Len(t, snap.Messages, 1)

	pending, err = f.store.PendingTemporary(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, pending)

	cached, err := f.store.Get(ctx, "conv_0001", owner)
	require.NoError(t, err)
	require.Len(t, cached.Messages, 1)
}

func TestVoiceDraftKeepsModeAcrossRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.ctrl.NewConversation(models.ModeVoice)
	require.NoError(t, err)
	_, err = f.ctrl.AddMessage(models.Message{Content: "spoken"})
	require.NoError(t, err)
	f.ctrl.Wait()

	cached, err := f.store.Get(ctx, conv.ID, owner)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, models.ModeVoice, cached.Conversation.Mode)

	// A new controller only knows the draft from the cache
	restarted, err := New(f.store, f.server, owner)
	require.NoError(t, err)
	t.Cleanup(func() { _ = restarted.Close() })

	confirmed, err := restarted.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, confirmed)

	created, ok := f.server.Conversation("conv_0001")
	require.True(t, ok)
	require.Equal(t, models.ModeVoice, created.Mode)
}

func TestAddMessageValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.AddMessage(models.Message{Content: "   "})
	require.True(t, IsCode(err, ErrorInvalidInput))

	_, err = f.ctrl.AddMessage(models.Message{Content: "hi", Role: "robot"})
	require.True(t, IsCode(err, ErrorInvalidInput))

	_, err = f.ctrl.AddMessage(models.Message{Content: "hi", OwnerID: "bob"})
	require.True(t, IsCode(err, ErrorInvalidInput))
}

func TestAttachVoice(t *testing.T) {
	f := newFixture(t)

	events := make(chan VoiceEvent)
	f.ctrl.AttachVoice(context.Background(), events)

	events <- VoiceEvent{State: VoiceConnected}
	events <- VoiceEvent{Message: &models.Message{Role: models.RoleUser, Content: "spoken words"}}
	close(events)
	f.ctrl.Wait()

	snap := f.ctrl.Snapshot()
	require.Equal(t, VoiceDisconnected, snap.Voice)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "spoken words", snap.Messages[0].Content)
	require.NotNil(t, snap.Current)
	require.Equal(t, models.ModeVoice, snap.Current.Mode)
	require.Equal(t, 2, f.events.count(EventVoiceState))
}

func TestSuggestedTitleAppliedAfterFirstExchange(t *testing.T) {
	f := newFixture(t, WithTitleSuggester(staticTitle("Greetings")))
	ctx := context.Background()

	_, err := f.ctrl.Ask(ctx, "hello")
	require.NoError(t, err)
	f.ctrl.Wait()

	onServer, ok := f.server.Conversation("conv_0001")
	require.True(t, ok)
	require.Equal(t, "Greetings", onServer.Title)
	require.Equal(t, "Greetings", f.ctrl.Snapshot().Current.Title)
}

func TestLogoutClearsOwnerCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.server.Seed(conversation("conv_a", "Alpha", base))
	require.NoError(t, f.ctrl.RefreshConversationList(ctx))

	require.NoError(t, f.ctrl.Logout(ctx))
	count, err := f.store.Count(ctx, owner)
	require.NoError(t, err)
	require.Zero(t, count)

	snap := f.ctrl.Snapshot()
	require.Empty(t, snap.Conversations)
	require.False(t, snap.ListFetched)
}

func TestSubscribeSurvivesPanickingHandler(t *testing.T) {
	f := newFixture(t)

	f.ctrl.Subscribe(func(Event) { panic("boom") })
	second := &recorder{}
	unsubscribe := f.ctrl.Subscribe(second.handle)

	_, err := f.ctrl.NewConversation(models.ModeText)
	require.NoError(t, err)
	require.Equal(t, 1, second.count(EventListUpdated))

	unsubscribe()
	_, err = f.ctrl.NewConversation(models.ModeText)
	require.NoError(t, err)
	require.Equal(t, 1, second.count(EventListUpdated))
}

func TestCloseStopsBackgroundWork(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Close())
	require.NoError(t, f.ctrl.Close())

	// Background tasks are not started after close
	require.NoError(t, f.ctrl.FetchConversationList(context.Background(), false))
	f.ctrl.Wait()
	require.Zero(t, f.server.Calls(remote.OpList))
}

type staticTitle string

func (s staticTitle) SuggestTitle(ctx context.Context, messages []models.Message) (string, error) {
	return string(s), nil
}
