package realtime

import (
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Outbound command types.
const (
	cmdAuthenticate       = "authenticate"
	cmdJoinConversation   = "join_conversation"
	cmdLeaveConversation  = "leave_conversation"
	cmdSendMessage        = "send_message"
	cmdTyping             = "typing"
	cmdStopTyping         = "stop_typing"
	cmdCreateConversation = "create_conversation"
	cmdMessagesRead       = "messages_read"
)

// envelope is the frame shape in both directions.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type authenticatePayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Announcement is the live copy of a message being sent. Durable
// persistence goes through the REST path; this only lets the peer see
// the message early. TempID lets a server that supports it echo the
// optimistic identity back on new_message.
type Announcement struct {
	ConversationID string           `json:"conversationId"`
	Sender         string           `json:"sender"`
	Recipient      string           `json:"recipient"`
	Content        string           `json:"content"`
	Timestamp      models.Timestamp `json:"timestamp"`
	CreatedAt      models.Timestamp `json:"createdAt"`
	TempID         string           `json:"tempId"`
}

type createConversationPayload struct {
	Participants []string `json:"participants"`
}

type messagesReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// JoinConversation subscribes this connection to a conversation room.
func (m *Manager) JoinConversation(conversationID string) error {
	return m.enqueue(envelope{Type: cmdJoinConversation, Payload: conversationID})
}

// LeaveConversation unsubscribes from a conversation room.
func (m *Manager) LeaveConversation(conversationID string) error {
	return m.enqueue(envelope{Type: cmdLeaveConversation, Payload: conversationID})
}

// Typing announces that the signed-in user is typing.
func (m *Manager) Typing(conversationID string) error {
	return m.enqueue(envelope{Type: cmdTyping, Payload: typingPayload{ConversationID: conversationID, UserID: m.userID}})
}

// StopTyping clears the typing announcement.
func (m *Manager) StopTyping(conversationID string) error {
	return m.enqueue(envelope{Type: cmdStopTyping, Payload: typingPayload{ConversationID: conversationID, UserID: m.userID}})
}

// AnnounceMessage sends the fire-and-forget live copy of a message.
func (m *Manager) AnnounceMessage(a Announcement) error {
	return m.enqueue(envelope{Type: cmdSendMessage, Payload: a})
}

// CreateConversation asks the server to create a conversation between
// the signed-in user and recipientID. The result arrives as a
// conversation_created event.
func (m *Manager) CreateConversation(recipientID string) error {
	return m.enqueue(envelope{Type: cmdCreateConversation, Payload: createConversationPayload{
		Participants: []string{m.userID, recipientID},
	}})
}

// MessagesRead tells the sender which of their messages are now read.
func (m *Manager) MessagesRead(conversationID string, messageIDs []string) error {
	return m.enqueue(envelope{Type: cmdMessagesRead, Payload: messagesReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	}})
}
