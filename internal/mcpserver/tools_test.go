package mcpserver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/presence"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	me    = models.User{ID: "me", Name: "Me"}
	peer  = models.User{ID: "peer", Name: "Peer"}
	other = models.User{ID: "other", Name: "Other"}
)

func ts(day, hour int) models.Timestamp {
	return models.NewTimestamp(time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC))
}

// fakeAPI serves one conversation with peer holding three messages
// across two pages.
type fakeAPI struct {
	mu   sync.Mutex
	sent []api.SendMessageRequest
}

func (f *fakeAPI) ListConversations(_ context.Context, _ string) ([]models.Conversation, error) {
	return []models.Conversation{{
		ID:           "c1",
		Participants: []models.User{me, peer},
		LastMessage:  &models.LastMessage{Content: "hello", Sender: "peer", Timestamp: ts(2, 9)},
		UnreadCount:  map[string]int{"me": 2},
	}}, nil
}

func (f *fakeAPI) ListUsers(_ context.Context, _ string) ([]models.User, error) {
	return []models.User{peer, other}, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, conversationID string, before *int64) (*models.MessagePage, error) {
	if conversationID != "c1" {
		return &models.MessagePage{}, nil
	}

	if before == nil {
		next := ts(2, 8).UnixMilli()

		return &models.MessagePage{
			Messages: []models.Message{
				{ID: "m2", ConversationID: "c1", Sender: "peer", Content: "morning", CreatedAt: ts(2, 8)},
				{ID: "m3", ConversationID: "c1", Sender: "peer", Content: "hello", CreatedAt: ts(2, 9)},
			},
			HasMore:  true,
			NextPage: &next,
		}, nil
	}

	return &models.MessagePage{
		Messages: []models.Message{
			{ID: "m1", ConversationID: "c1", Sender: "me", Content: "night", CreatedAt: ts(1, 22)},
		},
	}, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _, _ string) (*models.ReadResult, error) {
	return &models.ReadResult{UpdatedCount: 2, UpdatedMessageIDs: []string{"m2", "m3"}}, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req api.SendMessageRequest) (*models.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, req)

	res := &models.SendResult{Message: models.Message{
		ID:             "srv-1",
		ConversationID: req.ConversationID,
		Sender:         models.UserRef(req.Sender),
		Recipient:      models.UserRef(req.Recipient),
		Content:        req.Content,
		CreatedAt:      ts(3, 10),
	}}

	if models.IsTemporary(req.ConversationID) {
		res.ConversationID = "c9"
		res.ConversationIDAssigned = "c9"
	}

	return res, nil
}

type nopTransport struct{}

func (nopTransport) JoinConversation(string) error              { return nil }
func (nopTransport) LeaveConversation(string) error             { return nil }
func (nopTransport) Typing(string) error                        { return nil }
func (nopTransport) StopTyping(string) error                    { return nil }
func (nopTransport) AnnounceMessage(realtime.Announcement) error { return nil }
func (nopTransport) CreateConversation(string) error            { return nil }
func (nopTransport) MessagesRead(string, []string) error        { return nil }

// testSetup runs an engine over the fake API, registers tools on an MCP
// server, and returns a connected client session for calling tools.
func testSetup(t *testing.T) (*mcp.ClientSession, *presence.Tracker) {
	t.Helper()

	tracker := presence.NewTracker()

	e := chat.NewEngine(chat.Config{
		Viewer:        me,
		API:           &fakeAPI{},
		Transport:     nopTransport{},
		Presence:      tracker,
		MarkReadDelay: time.Hour,
	}, logging.Discard())

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- e.Run(runCtx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	ctx := context.Background()

	// The poller's first fetch must land before tools mutate the
	// directory, or it would overwrite their changes.
	require.Eventually(t, func() bool {
		convs, err := e.Conversations(ctx)
		return err == nil && len(convs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	server := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, e)

	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, tracker
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func openC1(t *testing.T, session *mcp.ClientSession) {
	t.Helper()
	result := callTool(t, session, "chat_open", map[string]any{"conversation_id": "c1"})
	require.False(t, result.IsError)
}

// --- chat_conversations ---

func TestConversations_List(t *testing.T) {
	session, tracker := testSetup(t)
	tracker.ApplySnapshot([]string{"peer"})

	result := callTool(t, session, "chat_conversations", nil)
	assert.False(t, result.IsError)

	var out ConversationsResult
	extractJSON(t, result, &out)
	require.Equal(t, 1, out.Total)

	c := out.Conversations[0]
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "Peer", c.Peer)
	assert.True(t, c.PeerOnline)
	assert.Equal(t, 2, c.Unread)
	assert.Equal(t, "hello", c.LastMessage)
	assert.Equal(t, "peer", c.LastSender)
	assert.Equal(t, "2024-03-02T09:00:00Z", c.LastAt)
	assert.False(t, c.Provisional)
}

// --- chat_open ---

func TestOpen_ReturnsNewestPage(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_open", map[string]any{"conversation_id": "c1"})
	assert.False(t, result.IsError)

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.Equal(t, "c1", out.ConversationID)
	assert.True(t, out.Active)
	assert.True(t, out.HasMore)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "m2", out.Messages[0].ID)
	assert.Equal(t, "m3", out.Messages[1].ID)
}

func TestOpen_UnknownConversation(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_open", map[string]any{"conversation_id": "nope"})
	assert.True(t, result.IsError)
}

// --- chat_messages ---

func TestMessages_NoActiveConversation(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_messages", nil)
	assert.True(t, result.IsError)
}

func TestMessages_GroupByDay(t *testing.T) {
	session, _ := testSetup(t)
	openC1(t, session)

	result := callTool(t, session, "chat_load_more", nil)
	require.False(t, result.IsError)

	result = callTool(t, session, "chat_messages", map[string]any{"group_by_day": true})
	assert.False(t, result.IsError)

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.Equal(t, 3, out.Total)
	assert.Empty(t, out.Messages)
	require.Len(t, out.Days, 2)
	assert.Equal(t, "2024-03-01", out.Days[0].Day)
	assert.Len(t, out.Days[0].Messages, 1)
	assert.Equal(t, "2024-03-02", out.Days[1].Day)
	assert.Len(t, out.Days[1].Messages, 2)
}

func TestMessages_InactiveConversationIsEmpty(t *testing.T) {
	session, _ := testSetup(t)
	openC1(t, session)

	result := callTool(t, session, "chat_messages", map[string]any{"conversation_id": "elsewhere"})
	assert.False(t, result.IsError)

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.False(t, out.Active)
	assert.Zero(t, out.Total)
}

// --- chat_load_more ---

func TestLoadMore_AddsOlderPage(t *testing.T) {
	session, _ := testSetup(t)
	openC1(t, session)

	result := callTool(t, session, "chat_load_more", nil)
	assert.False(t, result.IsError)

	var out LoadMoreResult
	extractJSON(t, result, &out)
	assert.Equal(t, 1, out.Added)
	assert.False(t, out.HasMore)

	result = callTool(t, session, "chat_load_more", nil)
	assert.False(t, result.IsError)

	extractJSON(t, result, &out)
	assert.Zero(t, out.Added)
}

func TestLoadMore_NoActiveConversation(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_load_more", nil)
	assert.True(t, result.IsError)
}

// --- chat_send ---

func TestSend_ReturnsConfirmedMessage(t *testing.T) {
	session, _ := testSetup(t)
	openC1(t, session)

	result := callTool(t, session, "chat_send", map[string]any{"content": "hi there"})
	assert.False(t, result.IsError)

	var out MessageView
	extractJSON(t, result, &out)
	assert.Equal(t, "srv-1", out.ID)
	assert.Equal(t, "hi there", out.Content)
	assert.Equal(t, "me", out.Sender)
	assert.False(t, out.Pending)

	result = callTool(t, session, "chat_messages", nil)

	var msgs MessagesResult
	extractJSON(t, result, &msgs)
	require.Len(t, msgs.Messages, 3)
	assert.Equal(t, "srv-1", msgs.Messages[2].ID)
}

func TestSend_EmptyContent(t *testing.T) {
	session, _ := testSetup(t)
	openC1(t, session)

	result := callTool(t, session, "chat_send", map[string]any{"content": "  "})
	assert.True(t, result.IsError)
}

func TestSend_NoActiveConversation(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_send", map[string]any{"content": "hi"})
	assert.True(t, result.IsError)
}

// --- chat_mark_read ---

func TestMarkRead(t *testing.T) {
	session, _ := testSetup(t)
	openC1(t, session)

	result := callTool(t, session, "chat_mark_read", nil)
	assert.False(t, result.IsError)

	var out ReadResult
	extractJSON(t, result, &out)
	assert.Equal(t, "c1", out.ConversationID)
	assert.Equal(t, 2, out.UpdatedCount)

	result = callTool(t, session, "chat_conversations", nil)

	var convs ConversationsResult
	extractJSON(t, result, &convs)
	assert.Zero(t, convs.Conversations[0].Unread)

	result = callTool(t, session, "chat_messages", nil)

	var msgs MessagesResult
	extractJSON(t, result, &msgs)
	for _, m := range msgs.Messages {
		assert.True(t, m.Read, m.ID)
	}
}

// --- chat_start_conversation ---

func TestStart_ExistingConversation(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_start_conversation", map[string]any{"recipient_id": "peer"})
	assert.False(t, result.IsError)

	var out StartResult
	extractJSON(t, result, &out)
	assert.Equal(t, "c1", out.ConversationID)
	assert.False(t, out.Provisional)
}

func TestStart_NewConversationPromotedOnSend(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_start_conversation", map[string]any{"recipient_id": "other"})
	assert.False(t, result.IsError)

	var out StartResult
	extractJSON(t, result, &out)
	assert.True(t, out.Provisional)
	assert.True(t, models.IsTemporary(out.ConversationID))

	result = callTool(t, session, "chat_send", map[string]any{"content": "hello other"})
	require.False(t, result.IsError)

	result = callTool(t, session, "chat_conversations", nil)

	var convs ConversationsResult
	extractJSON(t, result, &convs)
	require.Equal(t, 2, convs.Total)
	assert.Equal(t, "c9", convs.Conversations[0].ID)
	assert.Equal(t, "Other", convs.Conversations[0].Peer)
	assert.Equal(t, "hello other", convs.Conversations[0].LastMessage)
}

func TestStart_UnknownRecipient(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_start_conversation", map[string]any{"recipient_id": "ghost"})
	assert.True(t, result.IsError)
}

// --- chat_presence / chat_users ---

func TestPresence(t *testing.T) {
	session, tracker := testSetup(t)
	openC1(t, session)

	tracker.ApplySnapshot([]string{"peer", "other"})
	tracker.SetTyping("peer", "c1", true)

	result := callTool(t, session, "chat_presence", nil)
	assert.False(t, result.IsError)

	var out PresenceResult
	extractJSON(t, result, &out)
	assert.Equal(t, []string{"other", "peer"}, out.Online)
	assert.Equal(t, "c1", out.ConversationID)
	assert.Equal(t, []string{"peer"}, out.Typing)
}

func TestUsers(t *testing.T) {
	session, tracker := testSetup(t)
	tracker.ApplyStatus("other", true)

	result := callTool(t, session, "chat_users", nil)
	assert.False(t, result.IsError)

	var out UsersResult
	extractJSON(t, result, &out)
	require.Len(t, out.Users, 2)

	online := make(map[string]bool)
	for _, u := range out.Users {
		online[u.ID] = u.Online
	}

	assert.False(t, online["peer"])
	assert.True(t, online["other"])
}

// --- Tool listing ---

func TestToolsRegistered(t *testing.T) {
	session, _ := testSetup(t)
	ctx := context.Background()

	var names []string
	for tool, err := range session.Tools(ctx, nil) {
		require.NoError(t, err)
		names = append(names, tool.Name)
	}

	expected := []string{
		"chat_conversations",
		"chat_open",
		"chat_messages",
		"chat_load_more",
		"chat_send",
		"chat_mark_read",
		"chat_start_conversation",
		"chat_presence",
		"chat_users",
	}
	for _, name := range expected {
		assert.Contains(t, names, name, "tool %s should be registered", name)
	}
}
