package models

import (
	"encoding/json"
	"strings"
)

// TempPrefix marks identities synthesized on the client before the server
// has confirmed the record. Anything carrying it is not durable.
const TempPrefix = "temp-"

// IsTemporary reports whether id is a client-generated placeholder.
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// User is a chat participant. Online status is tracked separately by the
// presence tracker; the Online field only mirrors what the server sent.
type User struct {
	ID     string `json:"_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Online bool   `json:"online,omitempty"`
}

// UnmarshalJSON accepts either a full user object or a bare id string.
// The server embeds participants and senders in both shapes.
func (u *User) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*u = User{}
		return nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}

		*u = User{ID: id}

		return nil
	}

	type plain User

	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	*u = User(p)

	return nil
}

// UserRef is a user id that may arrive on the wire as an embedded user object.
type UserRef string

// UnmarshalJSON accepts "id" or {"_id": "id", ...}.
func (r *UserRef) UnmarshalJSON(data []byte) error {
	var u User
	if err := u.UnmarshalJSON(data); err != nil {
		return err
	}

	*r = UserRef(u.ID)

	return nil
}

// LastMessage summarises the newest message of a conversation.
type LastMessage struct {
	Content   string    `json:"content"`
	Sender    UserRef   `json:"sender"`
	Timestamp Timestamp `json:"timestamp"`
}

// Conversation is a two-party conversation as listed in the directory.
type Conversation struct {
	ID           string         `json:"_id"`
	Participants []User         `json:"participants"`
	LastMessage  *LastMessage   `json:"lastMessage"`
	UnreadCount  map[string]int `json:"unreadCount,omitempty"`
}

// Temporary reports whether the conversation only exists on this client.
func (c Conversation) Temporary() bool {
	return IsTemporary(c.ID)
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}

	return false
}

// Peer returns the first participant that is not viewerID.
func (c Conversation) Peer(viewerID string) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != viewerID {
			return p, true
		}
	}

	return User{}, false
}

// SameParticipants compares participant sets by id, ignoring order.
func (c Conversation) SameParticipants(other Conversation) bool {
	if len(c.Participants) != len(other.Participants) {
		return false
	}

	for _, p := range c.Participants {
		if !other.HasParticipant(p.ID) {
			return false
		}
	}

	for _, p := range other.Participants {
		if !c.HasParticipant(p.ID) {
			return false
		}
	}

	return true
}

// Unread returns the unread counter for userID, zero when absent.
func (c Conversation) Unread(userID string) int {
	return c.UnreadCount[userID]
}

// Clone returns a deep copy so callers can mutate the result freely.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]User(nil), c.Participants...)

	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}

	if c.UnreadCount != nil {
		out.UnreadCount = make(map[string]int, len(c.UnreadCount))
		for k, v := range c.UnreadCount {
			out.UnreadCount[k] = v
		}
	}

	return out
}

// Message is a single chat message. Optimistic messages carry a
// TempPrefix id until the durable write confirms them.
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	Sender         UserRef   `json:"sender"`
	Recipient      UserRef   `json:"recipient,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"createdAt"`
	Read           bool      `json:"read"`
}

// Optimistic reports whether the message has not been confirmed yet.
func (m Message) Optimistic() bool {
	return IsTemporary(m.ID)
}

// MessagePage is one page of history returned by the messages endpoint.
// NextPage is the cursor for the next older page, nil when none was given.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
	NextPage *int64    `json:"nextPage"`
}

// ReadResult is returned by the mark-read endpoint.
type ReadResult struct {
	UpdatedCount      int      `json:"updatedCount"`
	UpdatedMessageIDs []string `json:"updatedMessageIds"`
}

// SendResult is the confirmed message returned by the durable write. When
// the message was sent into a provisional conversation the server reports
// the durable conversation id in ConversationIDAssigned.
type SendResult struct {
	Message
	ConversationIDAssigned string `json:"_conversationId,omitempty"`
}

// Session is the signed-in identity together with its durable credential.
type Session struct {
	User  User
	Token string
}
