// Package mcpserver registers MCP tools that expose the chat engine.
// It adapts the chat package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, e *chat.Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_conversations",
		Description: "List every conversation of the signed-in user with the other participant, unread count and last message. Use this first to find conversation ids.",
	}, conversationsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open",
		Description: "Make a conversation active and return its newest messages. Joins the conversation's realtime room and leaves the previous one.",
	}, openHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "Return the locally held messages of a conversation, oldest first. Defaults to the active conversation. Optionally grouped by UTC calendar day.",
	}, messagesHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_load_more",
		Description: "Fetch the next page of older messages for the active conversation. Returns how many were added and whether more history exists.",
	}, loadMoreHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message to the active conversation and return it once the server has stored it.",
	}, sendHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mark_read",
		Description: "Mark every message in the active conversation as read and notify the sender.",
	}, markReadHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_start_conversation",
		Description: "Open the conversation with a user, creating it if none exists. A new conversation stays provisional until the server confirms it or the first message is sent.",
	}, startHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_presence",
		Description: "List online users and who is typing in the active conversation.",
	}, presenceHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_users",
		Description: "List users the signed-in user can start a conversation with, with their online status.",
	}, usersHandler(e))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ConversationsInput has no parameters.
type ConversationsInput struct{}

// OpenInput holds parameters for chat_open.
type OpenInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,id from chat_conversations"`
}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"conversation id, defaults to the active conversation"`
	GroupByDay     bool   `json:"group_by_day,omitempty" jsonschema:"group messages by UTC calendar day"`
}

// LoadMoreInput has no parameters.
type LoadMoreInput struct{}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Content string `json:"content" jsonschema:"required,message text"`
}

// MarkReadInput has no parameters.
type MarkReadInput struct{}

// StartInput holds parameters for chat_start_conversation.
type StartInput struct {
	RecipientID string `json:"recipient_id" jsonschema:"required,user id from chat_users"`
}

// PresenceInput has no parameters.
type PresenceInput struct{}

// UsersInput has no parameters.
type UsersInput struct{}

// --- Output types ---

// ConversationView is one directory entry as seen by the viewer.
type ConversationView struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Peer         string   `json:"peer,omitempty"`
	PeerOnline   bool     `json:"peer_online"`
	Unread       int      `json:"unread"`
	LastMessage  string   `json:"last_message,omitempty"`
	LastSender   string   `json:"last_sender,omitempty"`
	LastAt       string   `json:"last_at,omitempty"`
	Provisional  bool     `json:"provisional,omitempty"`
}

// MessageView is one message in a log.
type MessageView struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
	Read      bool   `json:"read"`
	Pending   bool   `json:"pending,omitempty"`
}

// DayView is a run of messages from one calendar day.
type DayView struct {
	Day      string        `json:"day"`
	Messages []MessageView `json:"messages"`
}

// ConversationsResult is returned by chat_conversations.
type ConversationsResult struct {
	Total         int                `json:"total"`
	Conversations []ConversationView `json:"conversations"`
}

// MessagesResult is returned by chat_open and chat_messages.
type MessagesResult struct {
	ConversationID string        `json:"conversation_id"`
	Active         bool          `json:"active"`
	HasMore        bool          `json:"has_more"`
	Total          int           `json:"total"`
	Messages       []MessageView `json:"messages,omitempty"`
	Days           []DayView     `json:"days,omitempty"`
}

// LoadMoreResult is returned by chat_load_more.
type LoadMoreResult struct {
	Added   int  `json:"added"`
	HasMore bool `json:"has_more"`
}

// ReadResult is returned by chat_mark_read.
type ReadResult struct {
	ConversationID string `json:"conversation_id"`
	UpdatedCount   int    `json:"updated_count"`
}

// StartResult is returned by chat_start_conversation.
type StartResult struct {
	ConversationID string `json:"conversation_id"`
	Provisional    bool   `json:"provisional"`
}

// PresenceResult is returned by chat_presence.
type PresenceResult struct {
	Online         []string `json:"online"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Typing         []string `json:"typing,omitempty"`
}

// UserView is one user the viewer can talk to.
type UserView struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Online bool   `json:"online"`
}

// UsersResult is returned by chat_users.
type UsersResult struct {
	Users []UserView `json:"users"`
}

// --- Handlers ---

func conversationsHandler(e *chat.Engine) mcp.ToolHandlerFor[ConversationsInput, *ConversationsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ConversationsInput) (*mcp.CallToolResult, *ConversationsResult, error) {
		convs, err := e.Conversations(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ConversationsResult{
			Total:         len(convs),
			Conversations: make([]ConversationView, 0, len(convs)),
		}
		for _, c := range convs {
			result.Conversations = append(result.Conversations, conversationView(e, c))
		}

		return textResult(result), result, nil
	}
}

func openHandler(e *chat.Engine) mcp.ToolHandlerFor[OpenInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenInput) (*mcp.CallToolResult, *MessagesResult, error) {
		if input.ConversationID == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		if err := e.OpenConversation(ctx, input.ConversationID); err != nil {
			return nil, nil, err
		}

		snap, err := e.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &MessagesResult{
			ConversationID: input.ConversationID,
			Active:         true,
			HasMore:        snap.HasMore,
			Total:          len(snap.Messages),
			Messages:       messageViews(snap.Messages),
		}

		return textResult(result), result, nil
	}
}

func messagesHandler(e *chat.Engine) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &MessagesResult{ConversationID: input.ConversationID}

		var msgs []models.Message

		switch {
		case input.ConversationID == "" && snap.Active == nil:
			return nil, nil, fmt.Errorf("no active conversation, pass conversation_id or call chat_open first")
		case input.ConversationID == "" || input.ConversationID == snap.Active.ID:
			result.ConversationID = snap.Active.ID
			result.Active = true
			result.HasMore = snap.HasMore
			msgs = snap.Messages
		default:
			msgs, err = e.Messages(ctx, input.ConversationID)
			if err != nil {
				return nil, nil, err
			}
		}

		result.Total = len(msgs)

		if input.GroupByDay {
			for _, g := range chat.GroupByDay(msgs, time.UTC, time.Now()) {
				result.Days = append(result.Days, DayView{Day: g.Day, Messages: messageViews(g.Messages)})
			}
		} else {
			result.Messages = messageViews(msgs)
		}

		return textResult(result), result, nil
	}
}

func loadMoreHandler(e *chat.Engine) mcp.ToolHandlerFor[LoadMoreInput, *LoadMoreResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ LoadMoreInput) (*mcp.CallToolResult, *LoadMoreResult, error) {
		res, err := e.LoadMore(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &LoadMoreResult{Added: res.Added, HasMore: res.HasMore}

		return textResult(result), result, nil
	}
}

func sendHandler(e *chat.Engine) mcp.ToolHandlerFor[SendInput, *MessageView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *MessageView, error) {
		msg, err := e.Send(ctx, input.Content)
		if err != nil {
			return nil, nil, err
		}

		result := messageView(msg)

		return textResult(&result), &result, nil
	}
}

func markReadHandler(e *chat.Engine) mcp.ToolHandlerFor[MarkReadInput, *ReadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ MarkReadInput) (*mcp.CallToolResult, *ReadResult, error) {
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		res, err := e.MarkRead(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ReadResult{UpdatedCount: res.UpdatedCount}
		if snap.Active != nil {
			result.ConversationID = snap.Active.ID
		}

		return textResult(result), result, nil
	}
}

func startHandler(e *chat.Engine) mcp.ToolHandlerFor[StartInput, *StartResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input StartInput) (*mcp.CallToolResult, *StartResult, error) {
		conv, err := e.StartConversation(ctx, input.RecipientID)
		if err != nil {
			return nil, nil, err
		}

		result := &StartResult{ConversationID: conv.ID, Provisional: conv.Temporary()}

		return textResult(result), result, nil
	}
}

func presenceHandler(e *chat.Engine) mcp.ToolHandlerFor[PresenceInput, *PresenceResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ PresenceInput) (*mcp.CallToolResult, *PresenceResult, error) {
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &PresenceResult{Online: snap.Online, Typing: snap.Typing}
		if result.Online == nil {
			result.Online = []string{}
		}

		if snap.Active != nil {
			result.ConversationID = snap.Active.ID
		}

		return textResult(result), result, nil
	}
}

func usersHandler(e *chat.Engine) mcp.ToolHandlerFor[UsersInput, *UsersResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ UsersInput) (*mcp.CallToolResult, *UsersResult, error) {
		users, err := e.FetchUsers(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &UsersResult{Users: make([]UserView, 0, len(users))}
		for _, u := range users {
			result.Users = append(result.Users, UserView{
				ID:     u.ID,
				Name:   u.Name,
				Online: e.Presence().IsOnline(u.ID),
			})
		}

		return textResult(result), result, nil
	}
}

// --- Views ---

func conversationView(e *chat.Engine, c models.Conversation) ConversationView {
	viewer := e.Viewer().ID

	v := ConversationView{
		ID:           c.ID,
		Participants: make([]string, 0, len(c.Participants)),
		Unread:       c.Unread(viewer),
		Provisional:  c.Temporary(),
	}

	for _, p := range c.Participants {
		v.Participants = append(v.Participants, displayName(p))
	}

	if peer, ok := c.Peer(viewer); ok {
		v.Peer = displayName(peer)
		v.PeerOnline = e.Presence().IsOnline(peer.ID)
	}

	if lm := c.LastMessage; lm != nil {
		v.LastMessage = lm.Content
		v.LastSender = string(lm.Sender)
		v.LastAt = formatTimestamp(lm.Timestamp)
	}

	return v
}

func displayName(u models.User) string {
	if u.Name != "" {
		return u.Name
	}

	return u.ID
}

func messageViews(msgs []models.Message) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m))
	}

	return out
}

func messageView(m models.Message) MessageView {
	return MessageView{
		ID:        m.ID,
		Sender:    string(m.Sender),
		Content:   m.Content,
		CreatedAt: formatTimestamp(m.CreatedAt),
		Read:      m.Read,
		Pending:   m.Optimistic(),
	}
}

// formatTimestamp renders valid times as RFC 3339 and passes unparseable
// wire values through unchanged.
func formatTimestamp(ts models.Timestamp) string {
	if ts.Valid() {
		return ts.Time.UTC().Format(time.RFC3339)
	}

	return ts.Raw
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
