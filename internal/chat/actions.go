package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Snapshot is a consistent copy of what the viewer currently sees.
type Snapshot struct {
	Viewer        models.User
	Conversations []models.Conversation
	Active        *models.Conversation
	Messages      []models.Message
	HasMore       bool
	// Loading is set while an older page is requested or in flight.
	Loading       bool
	Online        []string
	Typing        []string
}

// LoadResult describes the outcome of one backward page load. Height is
// a rendering hint for keeping the scroll position, zero when the page
// landed in a conversation that is no longer active.
type LoadResult struct {
	Added   int
	Height  int
	HasMore bool
}

// Snapshot returns the directory together with the active conversation's
// log and presence.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Viewer: e.viewer, Online: e.presence.Online()}

	err := e.do(ctx, func() {
		snap.Conversations = e.dir.List()

		if e.active == nil {
			return
		}

		active := e.active.Clone()
		snap.Active = &active
		snap.Messages = e.store.Messages(active.ID)
		snap.HasMore = e.pager.HasMore(active.ID)
		snap.Loading = e.pager.Loading(active.ID) || e.sched.Pending(keyLoadMore)
	})
	if err != nil {
		return Snapshot{}, err
	}

	if snap.Active != nil {
		snap.Typing = slices.DeleteFunc(e.presence.Typing(snap.Active.ID), func(id string) bool {
			return id == e.viewer.ID
		})
	}

	return snap, nil
}

// Messages returns the log held for a conversation, active or not.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message

	err := e.do(ctx, func() {
		msgs = e.store.Messages(conversationID)
	})

	return msgs, err
}

// Conversations returns the directory.
func (e *Engine) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation

	err := e.do(ctx, func() {
		convs = e.dir.List()
	})

	return convs, err
}

// OpenConversation makes a listed conversation active. Cached messages
// are shown at once; the newest page is then fetched and unioned in.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	var provisional bool

	err := e.doErr(ctx, func() error {
		conv, ok := e.dir.Get(conversationID)
		if !ok && e.isActive(conversationID) {
			conv, ok = e.active.Clone(), true
		}

		if !ok {
			return fmt.Errorf("opening %s: %w", conversationID, chaterrors.ErrUnknownConversation)
		}

		e.activate(conv)
		e.warmMessages(conv.ID)
		e.scheduleMarkRead()

		provisional = conv.Temporary()

		return nil
	})
	if err != nil {
		return err
	}

	if provisional {
		return nil
	}

	return e.loadInitial(ctx, conversationID, true)
}

// Send posts content to the active conversation. The message is shown
// immediately under a temporary id and announced over the push channel.
// When the durable write succeeds the entry takes the server identity in
// place; when it fails the entry is removed and the error returned.
func (e *Engine) Send(ctx context.Context, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, chaterrors.ErrEmptyContent
	}

	var (
		optimistic  models.Message
		provisional bool
	)

	err := e.doErr(ctx, func() error {
		if e.active == nil {
			return chaterrors.ErrNoActiveConversation
		}

		peer, ok := e.active.Peer(e.viewer.ID)
		if !ok {
			return chaterrors.ErrNoRecipient
		}

		now := models.NewTimestamp(time.Now())
		optimistic = models.Message{
			ID:             models.TempPrefix + uuid.NewString(),
			ConversationID: e.active.ID,
			Sender:         models.UserRef(e.viewer.ID),
			Recipient:      models.UserRef(peer.ID),
			Content:        content,
			CreatedAt:      now,
		}
		provisional = e.active.Temporary()

		e.store.AddOptimistic(optimistic)
		e.stopTyping()

		err := e.transport.AnnounceMessage(realtime.Announcement{
			ConversationID: optimistic.ConversationID,
			Sender:         e.viewer.ID,
			Recipient:      peer.ID,
			Content:        content,
			Timestamp:      now,
			CreatedAt:      now,
			TempID:         optimistic.ID,
		})
		if err != nil {
			e.logger.Debug("announce failed", slog.String("error", err.Error()))
		}

		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	res, err := e.api.SendMessage(ctx, api.SendMessageRequest{
		ConversationID: optimistic.ConversationID,
		Sender:         e.viewer.ID,
		Recipient:      string(optimistic.Recipient),
		Content:        content,
	})

	// The outcome has to be applied even if the caller gave up waiting.
	applyCtx := context.WithoutCancel(ctx)

	if err != nil {
		_ = e.do(applyCtx, func() {
			e.store.Discard(optimistic.ConversationID, optimistic.ID)
		})

		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	var confirmed models.Message

	err = e.do(applyCtx, func() {
		confirmed = e.confirmSend(optimistic, provisional, res)
	})

	return confirmed, err
}

// confirmSend swaps the optimistic entry for the durable message and
// promotes a provisional conversation when the server assigned an id.
func (e *Engine) confirmSend(optimistic models.Message, provisional bool, res *models.SendResult) models.Message {
	confirmed := res.Message

	// conversation_created may have re-keyed the provisional log while
	// the write was in flight.
	current := e.store.Resolve(optimistic.ConversationID)
	target := current

	switch {
	case res.ConversationIDAssigned != "":
		target = res.ConversationIDAssigned
	case provisional && confirmed.ConversationID != "" && !models.IsTemporary(confirmed.ConversationID):
		target = confirmed.ConversationID
	}

	if models.IsTemporary(current) && target != current {
		e.promote(current, target)
	}

	confirmed.ConversationID = target
	if confirmed.Sender == "" {
		confirmed.Sender = optimistic.Sender
	}

	if !confirmed.CreatedAt.Valid() && confirmed.CreatedAt.Raw == "" {
		confirmed.CreatedAt = optimistic.CreatedAt
	}

	e.store.Confirm(target, optimistic.ID, confirmed)

	if e.dir.SetLastMessage(target, &models.LastMessage{
		Content:   confirmed.Content,
		Sender:    confirmed.Sender,
		Timestamp: confirmed.CreatedAt,
	}) {
		e.persistDirectory()
	}

	e.persistMessages(target)

	return confirmed
}

// promote re-keys a provisional conversation to its durable id across
// the log, the paginator, the directory and the active selection.
func (e *Engine) promote(provisionalID, durableID string) {
	e.store.Rekey(provisionalID, durableID)
	e.pager.Rekey(provisionalID, durableID)

	prov, ok := e.dir.Get(provisionalID)
	if !ok && e.isActive(provisionalID) {
		prov, ok = e.active.Clone(), true
	}

	if !ok {
		// Already replaced by the conversation_created event.
		return
	}

	e.dir.Promote(prov, durableID, nil)

	if e.isActive(provisionalID) {
		durable := prov.Clone()
		durable.ID = durableID
		e.activate(durable)
	}

	e.persistDirectory()
}

// LoadMore fetches the next older page of the active conversation. It
// is a no-op returning an empty result when there is no cursor, the
// server reported no more history, or a load is already in flight.
// A failed load keeps the cursor so it can be retried.
func (e *Engine) LoadMore(ctx context.Context) (LoadResult, error) {
	var (
		ticket  PageTicket
		started bool
		hasMore bool
	)

	err := e.doErr(ctx, func() error {
		if e.active == nil || e.active.Temporary() {
			return chaterrors.ErrNoActiveConversation
		}

		ticket, started = e.pager.Begin(e.active.ID)
		hasMore = e.pager.HasMore(e.active.ID)

		return nil
	})
	if err != nil {
		return LoadResult{}, err
	}

	if !started {
		return LoadResult{HasMore: hasMore}, nil
	}

	before := ticket.Before

	page, err := e.api.ListMessages(ctx, ticket.ConversationID, &before)

	applyCtx := context.WithoutCancel(ctx)

	if err != nil {
		_ = e.do(applyCtx, func() { e.pager.Fail(ticket) })
		return LoadResult{HasMore: hasMore}, fmt.Errorf("loading older messages: %w", err)
	}

	var res LoadResult

	err = e.do(applyCtx, func() {
		e.pager.Finish(ticket, page.NextPage, page.HasMore)

		res.Added = e.store.Prepend(ticket.ConversationID, page.Messages)
		res.HasMore = e.pager.HasMore(ticket.ConversationID)

		if res.Added > 0 {
			e.persistMessages(ticket.ConversationID)
		}

		if e.isActive(ticket.ConversationID) {
			res.Height = EstimateHeight(res.Added)
		}
	})

	return res, err
}

// RequestOlder asks for an older page after the scroll debounce. Calls
// arriving within the debounce window collapse into one LoadMore.
func (e *Engine) RequestOlder(ctx context.Context) error {
	return e.do(ctx, func() {
		runCtx := e.runCtx

		e.sched.Schedule(keyLoadMore, e.loadMoreDebounce, func() {
			if _, err := e.LoadMore(runCtx); err != nil && runCtx.Err() == nil {
				e.logger.Warn("scroll load failed", slog.String("error", err.Error()))
			}
		})
	})
}

// MarkRead marks every message in the active conversation as read on
// the server, mirrors the change locally and tells the sender.
func (e *Engine) MarkRead(ctx context.Context) (*models.ReadResult, error) {
	var id string

	err := e.doErr(ctx, func() error {
		if e.active == nil || e.active.Temporary() {
			return chaterrors.ErrNoActiveConversation
		}

		id = e.active.ID

		return nil
	})
	if err != nil {
		return nil, err
	}

	return e.markRead(ctx, id)
}

func (e *Engine) markRead(ctx context.Context, conversationID string) (*models.ReadResult, error) {
	res, err := e.api.MarkRead(ctx, conversationID, e.viewer.ID)
	if err != nil {
		return nil, fmt.Errorf("marking read: %w", err)
	}

	err = e.do(context.WithoutCancel(ctx), func() {
		local := e.store.MarkAllRead(conversationID, e.viewer.ID)
		if len(local) > 0 {
			e.persistMessages(conversationID)
		}

		if conv, ok := e.dir.Get(conversationID); ok && conv.Unread(e.viewer.ID) != 0 {
			e.dir.ResetUnread(conversationID, e.viewer.ID)
			e.persistDirectory()
		}

		if res.UpdatedCount == 0 {
			return
		}

		ids := res.UpdatedMessageIDs
		if len(ids) == 0 {
			ids = local
		}

		if err := e.transport.MessagesRead(conversationID, ids); err != nil {
			e.logger.Debug("read announcement failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// StartConversation opens the conversation with recipientID, creating a
// provisional one when none exists yet. The provisional conversation is
// swapped for the durable one when the server announces it or when the
// first message is confirmed.
func (e *Engine) StartConversation(ctx context.Context, recipientID string) (models.Conversation, error) {
	if recipientID == "" || recipientID == e.viewer.ID {
		return models.Conversation{}, chaterrors.ErrNoRecipient
	}

	var (
		existing  models.Conversation
		found     bool
		recipient models.User
		known     bool
	)

	err := e.do(ctx, func() {
		existing, found = e.dir.FindByParticipant(recipientID)
		recipient, known = e.findUser(recipientID)
	})
	if err != nil {
		return models.Conversation{}, err
	}

	if found {
		return existing, e.OpenConversation(ctx, existing.ID)
	}

	if !known {
		users, err := e.FetchUsers(ctx)
		if err != nil {
			return models.Conversation{}, err
		}

		i := slices.IndexFunc(users, func(u models.User) bool { return u.ID == recipientID })
		if i < 0 {
			return models.Conversation{}, fmt.Errorf("starting conversation with %s: %w", recipientID, chaterrors.ErrUnknownRecipient)
		}

		recipient = users[i]
	}

	var conv models.Conversation

	err = e.do(ctx, func() {
		// The directory may have learned about the conversation meanwhile.
		if c, ok := e.dir.FindByParticipant(recipientID); ok {
			conv = c
			return
		}

		conv = models.Conversation{
			ID:           models.TempPrefix + uuid.NewString(),
			Participants: []models.User{e.viewer, recipient},
		}
		e.activate(conv)

		if err := e.transport.CreateConversation(recipientID); err != nil {
			e.logger.Warn("create conversation not announced", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return models.Conversation{}, err
	}

	if !conv.Temporary() {
		return conv, e.OpenConversation(ctx, conv.ID)
	}

	return conv, nil
}

func (e *Engine) findUser(id string) (models.User, bool) {
	for _, u := range e.users {
		if u.ID == id {
			return u, true
		}
	}

	return models.User{}, false
}

// FetchUsers refreshes the list of users the viewer can talk to.
func (e *Engine) FetchUsers(ctx context.Context) ([]models.User, error) {
	users, err := e.api.ListUsers(ctx, e.viewer.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching users: %w", err)
	}

	err = e.do(ctx, func() {
		e.users = slices.Clone(users)
	})

	return users, err
}

// Users returns the last fetched user list.
func (e *Engine) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User

	err := e.do(ctx, func() {
		users = slices.Clone(e.users)
	})

	return users, err
}

// Typing records key activity in the active conversation. The first
// call announces typing-start; further calls within the typing timeout
// only push back the automatic typing-stop.
func (e *Engine) Typing(ctx context.Context) error {
	return e.doErr(ctx, func() error {
		if e.active == nil || e.active.Temporary() {
			return chaterrors.ErrNoActiveConversation
		}

		id := e.active.ID

		if e.typing == nil || e.typingConv != id {
			e.stopTyping()
			e.typing = rate.NewLimiter(rate.Every(e.typingTimeout), 1)
			e.typingConv = id
		}

		if e.typing.Allow() {
			if err := e.transport.Typing(id); err != nil {
				e.logger.Debug("typing announcement failed", slog.String("error", err.Error()))
			}
		}

		runCtx := e.runCtx

		e.sched.Schedule(keyTypingStop, e.typingTimeout, func() {
			_ = e.do(runCtx, e.stopTyping)
		})

		return nil
	})
}

// StopTyping announces typing-stop right away.
func (e *Engine) StopTyping(ctx context.Context) error {
	return e.do(ctx, e.stopTyping)
}

func (e *Engine) stopTyping() {
	e.sched.Cancel(keyTypingStop)

	if e.typing == nil {
		return
	}

	id := e.typingConv
	e.typing = nil
	e.typingConv = ""

	if err := e.transport.StopTyping(id); err != nil {
		e.logger.Debug("stop typing announcement failed", slog.String("error", err.Error()))
	}
}
