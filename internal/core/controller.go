// ABOUTME: Controller keeps the in-memory projection, local cache and remote server consistent
// ABOUTME: Cache-first reads, background sync and optimistic writes with rollback
package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harper/chatsync/internal/models"
	"github.com/harper/chatsync/internal/remote"
	"github.com/harper/chatsync/internal/storage"
)

// TitleSuggester proposes a title for an untitled conversation
type TitleSuggester interface {
	SuggestTitle(ctx context.Context, messages []models.Message) (string, error)
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger replaces the controller logger
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTitleSuggester enables automatic titles after the first exchange
func WithTitleSuggester(t TitleSuggester) Option {
	return func(c *Controller) {
		c.titles = t
	}
}

// WithClock replaces the clock used for locally created messages
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller is the single entry point the UI uses to read and change conversations.
// It is the only writer to the store.
type Controller struct {
	store   storage.Store
	remote  remote.Client
	ownerID string
	logger  *log.Logger
	titles  TitleSuggester
	now     func() time.Time

	mu          sync.Mutex
	state       projection
	voice       VoiceConnectionState
	listFetched bool
	listLoading bool
	listQueued  bool
	closed      bool

	// aliases maps migrated temp ids to their real ids; confirmedGen records
	// the list generation current when each real id was adopted
	aliases      map[string]string
	confirmedGen map[string]uint64
	listGen      uint64

	// writeMu serializes message write-through with identity reconciliation
	writeMu   sync.Mutex
	creating  storage.InFlight
	migrating storage.InFlight

	events emitter
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a controller for ownerID over store and client
func New(store storage.Store, client remote.Client, ownerID string, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, newError(ErrorInvalidInput, "new", errors.New("store is required"))
	}
	if client == nil {
		return nil, newError(ErrorInvalidInput, "new", errors.New("remote client is required"))
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, newError(ErrorInvalidInput, "new", errors.New("owner id cannot be empty"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:   store,
		remote:  client,
		ownerID: ownerID,
		logger:  log.Default().WithPrefix("sync"),
		now:     func() time.Time { return time.Now().UTC() },
		state:   projection{loadStates: make(map[string]LoadState)},
		voice:   VoiceDisconnected,
		aliases: make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,

		confirmedGen: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OwnerID returns the identity every read and write is scoped to
func (c *Controller) OwnerID() string {
	return c.ownerID
}

// Subscribe registers fn for change events and returns a func that removes it
func (c *Controller) Subscribe(fn Handler) func() {
	return c.events.on(fn)
}

// Snapshot returns a copy of the current in-memory state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		OwnerID:       c.ownerID,
		Conversations: append([]models.Conversation(nil), c.state.conversations...),
		CurrentID:     c.state.currentID,
		Messages:      append([]models.Message(nil), c.state.messages...),
		ListFetched:   c.listFetched,
		Voice:         c.voice,
		LoadState:     LoadAbsent,
	}
	if conv := c.state.find(c.state.currentID); conv != nil {
		current := *conv
		snap.Current = &current
	}
	if state, ok := c.state.loadStates[c.state.currentID]; ok {
		snap.LoadState = state
	}
	return snap
}

// LoadStateOf returns the load state recorded for id
func (c *Controller) LoadStateOf(id string) LoadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.state.loadStates[c.resolveLocked(id)]; ok {
		return state
	}
	return LoadAbsent
}

// Wait blocks until every background task started so far has finished
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels background work and waits for it to stop
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.events.removeAll()
	return nil
}

// Logout drops every cached record of the owner and resets the projection
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.state = projection{loadStates: make(map[string]LoadState)}
	c.listFetched = false
	c.aliases = make(map[string]string)
	c.confirmedGen = make(map[string]uint64)
	c.mu.Unlock()
	c.events.emit(Event{Type: EventListUpdated})

	if err := c.store.ClearOwner(ctx, c.ownerID); err != nil {
		return newError(ErrorPersistence, "logout", err)
	}
	c.logger.Info("cleared local cache", "owner", c.ownerID)
	return nil
}

// background runs fn on the controller context unless the controller is
// closed; it reports whether fn was started
func (c *Controller) background(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

func (c *Controller) setLoadState(id string, state LoadState) {
	c.mu.Lock()
	c.state.loadStates[id] = state
	c.mu.Unlock()
	c.events.emit(Event{Type: EventLoadState, ConversationID: id, State: state})
}

// resolveLocked follows a completed temp id migration; callers hold c.mu
func (c *Controller) resolveLocked(id string) string {
	if real, ok := c.aliases[id]; ok {
		return real
	}
	return id
}

func (c *Controller) resolve(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(id)
}

// normalizeConversation fills in the owner for server records and rejects foreign ones
func (c *Controller) normalizeConversation(conv *models.Conversation) bool {
	if conv.OwnerID == "" {
		conv.OwnerID = c.ownerID
	}
	if conv.OwnerID != c.ownerID {
		c.logger.Warn("dropping conversation for another owner", "id", conv.ID)
		return false
	}
	if err := conv.Validate(); err != nil {
		c.logger.Warn("dropping invalid conversation", "id", conv.ID, "err", err)
		return false
	}
	return true
}

// normalizeMessages binds server messages to conversationID and drops unusable ones
func (c *Controller) normalizeMessages(conversationID string, msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		msg.ConversationID = conversationID
		if msg.OwnerID == "" {
			msg.OwnerID = c.ownerID
		}
		if msg.OwnerID != c.ownerID {
			continue
		}
		msg.Content = models.SanitizeContent(msg.Content)
		if err := msg.Validate(); err != nil {
			c.logger.Debug("dropping invalid message", "conversation", conversationID, "err", err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// lookup finds a conversation in memory, falling back to the cache
func (c *Controller) lookup(ctx context.Context, id string) (*models.Conversation, error) {
	c.mu.Lock()
	if conv := c.state.find(id); conv != nil {
		found := *conv
		c.mu.Unlock()
		return &found, nil
	}
	c.mu.Unlock()

	cached, err := c.store.Get(ctx, id, c.ownerID)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}
	return &cached.Conversation, nil
}
