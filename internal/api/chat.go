package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// MarkReadRequest is the body of POST /api/v1/chat/read.
type MarkReadRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// SendMessageRequest is the body of POST /api/v1/chat/message.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	Content        string `json:"content"`
}

// ListConversations returns every conversation userID takes part in.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/chat/conversations/"+url.PathEscape(userID), nil, &convs); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return convs, nil
}

// ListUsers returns the users userID can start a conversation with.
func (c *Client) ListUsers(ctx context.Context, userID string) ([]models.User, error) {
	var users []models.User
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/chat/users/"+url.PathEscape(userID), nil, &users); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return users, nil
}

// ListMessages returns one page of history. A nil before fetches the
// newest page; otherwise messages older than the cursor are returned.
func (c *Client) ListMessages(ctx context.Context, conversationID string, before *int64) (*models.MessagePage, error) {
	endpoint := "/api/v1/chat/messages/" + url.PathEscape(conversationID)
	if before != nil {
		endpoint += "?before=" + strconv.FormatInt(*before, 10)
	}

	var page models.MessagePage
	if _, err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return &page, nil
}

// MarkRead marks every message addressed to userID in the conversation
// as read.
func (c *Client) MarkRead(ctx context.Context, conversationID, userID string) (*models.ReadResult, error) {
	req := MarkReadRequest{ConversationID: conversationID, UserID: userID}

	var res models.ReadResult
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/chat/read", req, &res); err != nil {
		return nil, fmt.Errorf("marking messages read: %w", err)
	}

	return &res, nil
}

// SendMessage durably stores a message. When conversationID is
// provisional the result reports the conversation the server created.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*models.SendResult, error) {
	var res models.SendResult
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/chat/message", req, &res); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	return &res, nil
}
