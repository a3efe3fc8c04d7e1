package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// EventKind names an inbound event. The string values are the wire
// "type" field of the envelope, except for the lifecycle kinds which are
// produced locally.
type EventKind string

const (
	KindOnlineUsers         EventKind = "online_users"
	KindUserStatus          EventKind = "user_status"
	KindNewMessage          EventKind = "new_message"
	KindConversationUpdated EventKind = "conversation_updated"
	KindConversationCreated EventKind = "conversation_created"
	KindUserTyping          EventKind = "user_typing"
	KindMessagesRead        EventKind = "messages_read_update"

	KindConnected    EventKind = "connected"
	KindDisconnected EventKind = "disconnected"
)

// Event is the closed set of things a Sink can receive. Only types in
// this package implement it.
type Event interface {
	Kind() EventKind
	event()
}

// OnlineUsers replaces the full presence set.
type OnlineUsers struct {
	UserIDs []string
}

// UserStatus adds or removes one user from the presence set.
type UserStatus struct {
	UserID string
	Online bool
}

// NewMessage is a message pushed by the server. SenderInfo is set when
// the server embedded the sender object instead of an id.
type NewMessage struct {
	Message    models.Message
	SenderInfo *models.User
	TempID     string
}

// ConversationUpdated carries a new last-message summary.
type ConversationUpdated struct {
	ConversationID string
	LastMessage    *models.LastMessage
}

// ConversationCreated announces a conversation the viewer takes part in.
type ConversationCreated struct {
	Conversation models.Conversation
}

// UserTyping starts or stops the typing indicator for one (user,
// conversation) pair.
type UserTyping struct {
	UserID         string
	ConversationID string
	IsTyping       bool
}

// MessagesRead lists messages the server has flipped to read.
type MessagesRead struct {
	ConversationID string
	MessageIDs     []string
}

// Connected is emitted after every successful handshake. Reconnect is
// false only for the first connection of a Listen call. Consumers must
// resync when Reconnect is true since nothing is ordered across the gap.
type Connected struct {
	Reconnect bool
}

// Disconnected is emitted when a live connection drops.
type Disconnected struct {
	Err error
}

func (OnlineUsers) Kind() EventKind         { return KindOnlineUsers }
func (UserStatus) Kind() EventKind          { return KindUserStatus }
func (NewMessage) Kind() EventKind          { return KindNewMessage }
func (ConversationUpdated) Kind() EventKind { return KindConversationUpdated }
func (ConversationCreated) Kind() EventKind { return KindConversationCreated }
func (UserTyping) Kind() EventKind          { return KindUserTyping }
func (MessagesRead) Kind() EventKind        { return KindMessagesRead }
func (Connected) Kind() EventKind           { return KindConnected }
func (Disconnected) Kind() EventKind        { return KindDisconnected }

func (OnlineUsers) event()         {}
func (UserStatus) event()          {}
func (NewMessage) event()          {}
func (ConversationUpdated) event() {}
func (ConversationCreated) event() {}
func (UserTyping) event()          {}
func (MessagesRead) event()        {}
func (Connected) event()           {}
func (Disconnected) event()        {}

// errUnknownEvent is returned by decodeEvent for frames this client does
// not handle. They are skipped, not treated as malformed.
var errUnknownEvent = fmt.Errorf("unknown event type")

// decodeEvent validates one inbound frame and turns it into an Event.
// now is used as the creation time of messages that carry none.
func decodeEvent(data []byte, now time.Time) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON frame")
	}

	typ := gjson.GetBytes(data, "type").Str
	payload := gjson.GetBytes(data, "payload")

	switch EventKind(typ) {
	case KindOnlineUsers:
		var users []models.User
		if err := unmarshalPayload(payload, &users); err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(users))
		for _, u := range users {
			if u.ID != "" {
				ids = append(ids, u.ID)
			}
		}

		return OnlineUsers{UserIDs: ids}, nil

	case KindUserStatus:
		userID := payload.Get("userId").String()
		if userID == "" {
			return nil, fmt.Errorf("%s: missing userId", typ)
		}

		switch status := payload.Get("status").String(); status {
		case "online":
			return UserStatus{UserID: userID, Online: true}, nil
		case "offline":
			return UserStatus{UserID: userID, Online: false}, nil
		default:
			return nil, fmt.Errorf("%s: unknown status %q", typ, status)
		}

	case KindNewMessage:
		return decodeNewMessage(payload, now)

	case KindConversationUpdated:
		convID := payload.Get("conversationId").String()
		if convID == "" {
			return nil, fmt.Errorf("%s: missing conversationId", typ)
		}

		ev := ConversationUpdated{ConversationID: convID}

		if lm := payload.Get("lastMessage"); lm.IsObject() {
			var last models.LastMessage
			if err := json.Unmarshal([]byte(lm.Raw), &last); err != nil {
				return nil, fmt.Errorf("%s: decoding lastMessage: %w", typ, err)
			}

			ev.LastMessage = &last
		}

		return ev, nil

	case KindConversationCreated:
		var conv models.Conversation
		if err := unmarshalPayload(payload, &conv); err != nil {
			return nil, err
		}

		if conv.ID == "" {
			return nil, fmt.Errorf("%s: missing _id", typ)
		}

		return ConversationCreated{Conversation: conv}, nil

	case KindUserTyping:
		ev := UserTyping{
			UserID:         payload.Get("userId").String(),
			ConversationID: payload.Get("conversationId").String(),
			IsTyping:       payload.Get("isTyping").Bool(),
		}
		if ev.UserID == "" || ev.ConversationID == "" {
			return nil, fmt.Errorf("%s: missing userId or conversationId", typ)
		}

		return ev, nil

	case KindMessagesRead:
		ev := MessagesRead{ConversationID: payload.Get("conversationId").String()}
		if ev.ConversationID == "" {
			return nil, fmt.Errorf("%s: missing conversationId", typ)
		}

		for _, id := range payload.Get("messageIds").Array() {
			if id.String() != "" {
				ev.MessageIDs = append(ev.MessageIDs, id.String())
			}
		}

		return ev, nil
	}

	return nil, fmt.Errorf("%w %q", errUnknownEvent, typ)
}

func decodeNewMessage(payload gjson.Result, now time.Time) (Event, error) {
	var msg models.Message
	if err := unmarshalPayload(payload, &msg); err != nil {
		return nil, err
	}

	if msg.ID == "" || msg.ConversationID == "" {
		return nil, fmt.Errorf("%s: missing _id or conversationId", KindNewMessage)
	}

	if msg.Content == "" {
		return nil, fmt.Errorf("%s: empty content", KindNewMessage)
	}

	ev := NewMessage{TempID: payload.Get("tempId").String()}

	if s := payload.Get("sender"); s.IsObject() {
		var u models.User
		if err := json.Unmarshal([]byte(s.Raw), &u); err == nil {
			ev.SenderInfo = &u
		}
	}

	// createdAt falls back to timestamp, then to the time of receipt.
	// A present but unparseable value is kept as-is and shown under a
	// fallback date rather than replaced.
	if !payload.Get("createdAt").Exists() || payload.Get("createdAt").Type == gjson.Null {
		if ts := payload.Get("timestamp"); ts.Exists() && ts.Type != gjson.Null {
			_ = msg.CreatedAt.UnmarshalJSON([]byte(ts.Raw))
		} else {
			msg.CreatedAt = models.NewTimestamp(now.UTC())
		}
	}

	ev.Message = msg

	return ev, nil
}

func unmarshalPayload(payload gjson.Result, v any) error {
	if !payload.Exists() {
		return fmt.Errorf("missing payload")
	}

	if err := json.Unmarshal([]byte(payload.Raw), v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	return nil
}
