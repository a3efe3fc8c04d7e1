// Package chat is the client-side synchronisation engine. It keeps one
// consistent view of the signed-in user's conversations and messages
// while push events, REST responses and local optimistic edits arrive
// concurrently. All state is owned by a single event loop; public
// methods hand work to that loop and wait for the result.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/presence"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval     = 30 * time.Second
	defaultMarkReadDelay    = 1 * time.Second
	defaultTypingTimeout    = 1 * time.Second
	defaultLoadMoreDebounce = 200 * time.Millisecond

	inboxSize = 256

	keyMarkRead   = "mark-read"
	keyTypingStop = "typing-stop"
	keyLoadMore   = "load-more"
)

//go:generate mockgen -destination=mock_api_test.go -package=chat github.com/alexjbarnes/chat-sync/internal/chat API

// API is the request/response side of the chat server.
type API interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	ListUsers(ctx context.Context, userID string) ([]models.User, error)
	ListMessages(ctx context.Context, conversationID string, before *int64) (*models.MessagePage, error)
	MarkRead(ctx context.Context, conversationID, userID string) (*models.ReadResult, error)
	SendMessage(ctx context.Context, req api.SendMessageRequest) (*models.SendResult, error)
}

// Transport is the outbound half of the push connection. Every command
// is fire-and-forget; an error only means it was not queued.
type Transport interface {
	JoinConversation(conversationID string) error
	LeaveConversation(conversationID string) error
	Typing(conversationID string) error
	StopTyping(conversationID string) error
	AnnounceMessage(a realtime.Announcement) error
	CreateConversation(recipientID string) error
	MessagesRead(conversationID string, messageIDs []string) error
}

// Cache is the advisory local store. The engine stays correct when it
// is empty, stale or nil.
type Cache interface {
	CachedMessages(conversationID string) ([]models.Message, error)
	CacheMessages(conversationID string, msgs []models.Message) error
	Directory() ([]models.Conversation, error)
	SetDirectory(convs []models.Conversation) error
	DeleteMessages(conversationID string) error
}

// Config wires an Engine to its collaborators. Zero durations fall back
// to the defaults.
type Config struct {
	Viewer    models.User
	API       API
	Transport Transport
	Cache     Cache
	Presence  *presence.Tracker

	PollInterval     time.Duration
	MarkReadDelay    time.Duration
	TypingTimeout    time.Duration
	LoadMoreDebounce time.Duration
}

// Engine is the synchronisation engine for one signed-in user. Build it
// with NewEngine, subscribe it to the realtime manager, and call Run.
type Engine struct {
	viewer    models.User
	api       API
	transport Transport
	cache     Cache
	presence  *presence.Tracker
	logger    *slog.Logger

	pollInterval     time.Duration
	markReadDelay    time.Duration
	typingTimeout    time.Duration
	loadMoreDebounce time.Duration

	ops     chan func()
	inbox   chan realtime.Event
	stopped chan struct{}
	sched   *Scheduler
	bg      sync.WaitGroup

	// runCtx is set once by Run before the loop starts.
	runCtx context.Context

	// Owned by the loop goroutine.
	store      *Store
	pager      *Paginator
	dir        *Directory
	active     *models.Conversation
	users      []models.User
	typing     *rate.Limiter
	typingConv string
}

// NewEngine creates an engine. It does nothing until Run is called.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	tracker := cfg.Presence
	if tracker == nil {
		tracker = presence.NewTracker()
	}

	return &Engine{
		viewer:           cfg.Viewer,
		api:              cfg.API,
		transport:        cfg.Transport,
		cache:            cfg.Cache,
		presence:         tracker,
		logger:           logger,
		pollInterval:     orDefault(cfg.PollInterval, defaultPollInterval),
		markReadDelay:    orDefault(cfg.MarkReadDelay, defaultMarkReadDelay),
		typingTimeout:    orDefault(cfg.TypingTimeout, defaultTypingTimeout),
		loadMoreDebounce: orDefault(cfg.LoadMoreDebounce, defaultLoadMoreDebounce),
		ops:              make(chan func()),
		inbox:            make(chan realtime.Event, inboxSize),
		stopped:          make(chan struct{}),
		sched:            NewScheduler(),
		store:            NewStore(),
		pager:            NewPaginator(),
		dir:              NewDirectory(),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}

	return d
}

// Viewer returns the signed-in user.
func (e *Engine) Viewer() models.User {
	return e.viewer
}

// Presence returns the tracker fed by this engine.
func (e *Engine) Presence() *presence.Tracker {
	return e.presence
}

// HandleEvent queues a push event for the loop. It implements
// realtime.Sink and blocks only when the inbox is full.
func (e *Engine) HandleEvent(ev realtime.Event) {
	select {
	case e.inbox <- ev:
	case <-e.stopped:
	}
}

// Run starts the event loop and the directory poller and blocks until
// ctx is cancelled. The cached directory, if any, is shown before the
// first fetch completes. Run must only be called once.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	e.runCtx = ctx

	e.warmDirectory()

	g.Go(func() error {
		return e.loop(ctx)
	})

	g.Go(func() error {
		e.poll(ctx)
		return nil
	})

	err := g.Wait()

	e.sched.Stop()
	e.bg.Wait()

	return err
}

func (e *Engine) loop(ctx context.Context) error {
	defer close(e.stopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-e.ops:
			op()
		case ev := <-e.inbox:
			e.handleEvent(ev)
		}
	}
}

// poll refetches the directory right away and then on every tick.
// Failures are logged and the next tick tries again.
func (e *Engine) poll(ctx context.Context) {
	if err := e.RefreshDirectory(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("initial directory fetch failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RefreshDirectory(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("directory poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	select {
	case e.ops <- op:
	case <-e.stopped:
		return chaterrors.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doErr is do for loop functions that can fail.
func (e *Engine) doErr(ctx context.Context, fn func() error) error {
	var opErr error
	if err := e.do(ctx, func() { opErr = fn() }); err != nil {
		return err
	}

	return opErr
}

// goBackground runs fn off the loop with the engine's context. Errors
// are logged, never returned.
func (e *Engine) goBackground(name string, fn func(ctx context.Context) error) {
	ctx := e.runCtx

	e.bg.Go(func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn(name+" failed", slog.String("error", err.Error()))
		}
	})
}

func (e *Engine) handleEvent(ev realtime.Event) {
	switch ev := ev.(type) {
	case realtime.OnlineUsers:
		e.presence.ApplySnapshot(ev.UserIDs)
	case realtime.UserStatus:
		e.presence.ApplyStatus(ev.UserID, ev.Online)
	case realtime.UserTyping:
		e.presence.SetTyping(ev.UserID, ev.ConversationID, ev.IsTyping)
	case realtime.NewMessage:
		e.applyNewMessage(ev)
	case realtime.ConversationUpdated:
		if e.dir.SetLastMessage(ev.ConversationID, ev.LastMessage) {
			e.persistDirectory()
		}
	case realtime.ConversationCreated:
		e.applyCreated(ev.Conversation)
	case realtime.MessagesRead:
		if e.isActive(ev.ConversationID) && e.store.ApplyReadUpdate(ev.ConversationID, ev.MessageIDs) > 0 {
			e.persistMessages(ev.ConversationID)
		}
	case realtime.Connected:
		e.onConnected(ev.Reconnect)
	case realtime.Disconnected:
		if ev.Err != nil {
			e.logger.Info("push connection dropped", slog.String("error", ev.Err.Error()))
		}
	}
}

func (e *Engine) applyNewMessage(ev realtime.NewMessage) {
	msg := ev.Message

	if e.isActive(msg.ConversationID) {
		before := e.store.Len(msg.ConversationID)
		e.store.ApplyInbound(msg, ev.TempID)
		e.persistMessages(msg.ConversationID)

		if e.store.Len(msg.ConversationID) != before {
			e.scheduleMarkRead()
		}
	}

	if !e.dir.ApplyNewMessage(msg, e.viewer.ID) {
		e.logger.Debug("message for unknown conversation, refetching directory",
			slog.String("conversation_id", msg.ConversationID))
		e.goBackground("directory refetch", e.RefreshDirectory)

		return
	}

	e.persistDirectory()
}

// applyCreated lists a new conversation. If the viewer is looking at a
// provisional conversation with the same participants, the confirmed
// one takes its place.
func (e *Engine) applyCreated(conv models.Conversation) {
	if e.dir.ApplyCreated(conv) {
		e.persistDirectory()
	}

	if e.active == nil || !e.active.Temporary() || !e.active.SameParticipants(conv) {
		return
	}

	provisional := e.active.ID
	e.store.Rekey(provisional, conv.ID)
	e.pager.Rekey(provisional, conv.ID)
	e.activate(conv)

	id := conv.ID
	e.goBackground("conversation load", func(ctx context.Context) error {
		return e.loadInitial(ctx, id, true)
	})
}

func (e *Engine) onConnected(reconnect bool) {
	if e.active != nil && !e.active.Temporary() {
		if err := e.transport.JoinConversation(e.active.ID); err != nil {
			e.logger.Debug("rejoin failed", slog.String("error", err.Error()))
		}
	}

	if !reconnect {
		return
	}

	var activeID string
	if e.active != nil && !e.active.Temporary() {
		activeID = e.active.ID
	}

	e.goBackground("resync", func(ctx context.Context) error {
		if err := e.RefreshDirectory(ctx); err != nil {
			return err
		}

		if activeID == "" {
			return nil
		}

		return e.loadInitial(ctx, activeID, false)
	})
}

// RefreshDirectory refetches the conversation list and replaces the
// local copy if anything changed.
func (e *Engine) RefreshDirectory(ctx context.Context) error {
	convs, err := e.api.ListConversations(ctx, e.viewer.ID)
	if err != nil {
		return fmt.Errorf("refreshing directory: %w", err)
	}

	return e.do(ctx, func() {
		before := e.dir.List()

		if e.dir.ReplaceIfChanged(convs) {
			e.logger.Debug("directory changed", slog.Int("conversations", e.dir.Len()))
			e.forgetRemoved(before)
			e.persistDirectory()
		}
	})
}

// forgetRemoved drops the log and cached messages of conversations that
// were listed in before but are gone now. The active one is kept.
func (e *Engine) forgetRemoved(before []models.Conversation) {
	for _, c := range before {
		if _, ok := e.dir.Get(c.ID); ok || e.isActive(c.ID) {
			continue
		}

		e.store.Drop(c.ID)

		if e.cache == nil {
			continue
		}

		if err := e.cache.DeleteMessages(c.ID); err != nil {
			e.logger.Warn("deleting cached messages",
				slog.String("conversation_id", c.ID),
				slog.String("error", err.Error()))
		}
	}
}

// loadInitial fetches the newest page of a conversation and unions it
// into the local log. The cursor is only reset when reset is true or
// the conversation has never been paged.
func (e *Engine) loadInitial(ctx context.Context, conversationID string, reset bool) error {
	page, err := e.api.ListMessages(ctx, conversationID, nil)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	return e.do(ctx, func() {
		before := e.store.Len(conversationID)
		e.store.Merge(conversationID, page.Messages)

		if reset || e.pager.Cursor(conversationID) == nil {
			e.pager.Reset(conversationID, page.NextPage, page.HasMore)
		}

		e.persistMessages(conversationID)

		if e.isActive(conversationID) && e.store.Len(conversationID) != before {
			e.scheduleMarkRead()
		}
	})
}

func (e *Engine) isActive(conversationID string) bool {
	return e.active != nil && e.active.ID == conversationID
}

// activate makes conv the active conversation, moving the room
// subscription and cancelling timers that belonged to the previous one.
func (e *Engine) activate(conv models.Conversation) {
	if e.active != nil && e.active.ID != conv.ID {
		e.stopTyping()
		e.sched.Cancel(keyMarkRead)
		e.sched.Cancel(keyLoadMore)

		if !e.active.Temporary() {
			if err := e.transport.LeaveConversation(e.active.ID); err != nil {
				e.logger.Debug("leave failed", slog.String("error", err.Error()))
			}
		}
	}

	joined := e.active != nil && e.active.ID == conv.ID

	c := conv.Clone()
	e.active = &c

	if !joined && !conv.Temporary() {
		if err := e.transport.JoinConversation(conv.ID); err != nil {
			e.logger.Debug("join failed", slog.String("error", err.Error()))
		}
	}
}

// scheduleMarkRead (re)starts the mark-read debounce for the active
// conversation.
func (e *Engine) scheduleMarkRead() {
	if e.active == nil || e.active.Temporary() {
		return
	}

	id := e.active.ID
	ctx := e.runCtx

	e.sched.Schedule(keyMarkRead, e.markReadDelay, func() {
		if _, err := e.markRead(ctx, id); err != nil && ctx.Err() == nil {
			e.logger.Warn("automatic mark-read failed",
				slog.String("conversation_id", id),
				slog.String("error", err.Error()))
		}
	})
}

func (e *Engine) warmDirectory() {
	if e.cache == nil {
		return
	}

	convs, err := e.cache.Directory()
	if err != nil {
		e.logger.Warn("reading cached directory", slog.String("error", err.Error()))
		return
	}

	e.dir.Replace(convs)
}

// warmMessages seeds a conversation's log from the cache the first time
// it is opened in this session.
func (e *Engine) warmMessages(conversationID string) {
	if e.cache == nil || e.store.Has(conversationID) || models.IsTemporary(conversationID) {
		return
	}

	msgs, err := e.cache.CachedMessages(conversationID)
	if err != nil {
		e.logger.Warn("reading cached messages",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))

		return
	}

	e.store.Merge(conversationID, msgs)
}

func (e *Engine) persistMessages(conversationID string) {
	if e.cache == nil || models.IsTemporary(conversationID) || !e.store.Has(conversationID) {
		return
	}

	if err := e.cache.CacheMessages(conversationID, e.store.Messages(conversationID)); err != nil {
		e.logger.Warn("writing message cache",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) persistDirectory() {
	if e.cache == nil {
		return
	}

	if err := e.cache.SetDirectory(e.dir.List()); err != nil {
		e.logger.Warn("writing directory cache", slog.String("error", err.Error()))
	}
}
