package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// sessionCookie is the cookie the server sets alongside the login response.
const sessionCookie = "token"

// LoginRequest is the body of POST /api/v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /api/v1/auth/signup.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates with email and password and stores the returned
// token in the credential store.
func (c *Client) Login(ctx context.Context, email, password string) (*models.Session, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: email, Password: password}, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Status == http.StatusBadRequest || se.Status == http.StatusUnauthorized) {
			return nil, fmt.Errorf("logging in: %w: %w", chaterrors.ErrInvalidCredentials, err)
		}

		return nil, fmt.Errorf("logging in: %w", err)
	}

	token := extractToken(resp)
	if token == "" {
		return nil, fmt.Errorf("logging in: %w", chaterrors.ErrMissingToken)
	}

	if err := c.creds.SetToken(token); err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	user, err := extractUser(resp.body)
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	return &models.Session{User: user, Token: token}, nil
}

// Register creates an account. It does not sign in; call Login after.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	req := RegisterRequest{Name: name, Email: email, Password: password}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/auth/signup", req, nil); err != nil {
		return fmt.Errorf("registering: %w", err)
	}

	return nil
}

// Verify checks the stored credential and returns the user it belongs
// to. A refreshed token in the response replaces the stored one.
func (c *Client) Verify(ctx context.Context) (*models.Session, error) {
	if c.creds.Token() == "" {
		return nil, fmt.Errorf("verifying session: %w", chaterrors.ErrMissingToken)
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/v1/auth/verify", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("verifying session: %w", err)
	}

	if token := extractToken(resp); token != "" && token != c.creds.Token() {
		if err := c.creds.SetToken(token); err != nil {
			return nil, fmt.Errorf("storing credential: %w", err)
		}
	}

	user, err := extractUser(resp.body)
	if err != nil {
		return nil, fmt.Errorf("verifying session: %w", err)
	}

	return &models.Session{User: user, Token: c.creds.Token()}, nil
}

// extractToken looks for the durable token in the Authorization header,
// then the body, then the session cookie.
func extractToken(resp *response) string {
	if h := resp.header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}

	if t := gjson.GetBytes(resp.body, "token").String(); t != "" {
		return t
	}

	for _, ck := range resp.cookies {
		if ck.Name == sessionCookie && ck.Value != "" {
			return ck.Value
		}
	}

	return ""
}

// extractUser accepts either {"user": {...}} or a top-level user object.
func extractUser(body []byte) (models.User, error) {
	raw := gjson.GetBytes(body, "user")
	if !raw.IsObject() {
		raw = gjson.ParseBytes(body)
	}

	var u models.User
	if err := json.Unmarshal([]byte(raw.Raw), &u); err != nil || u.ID == "" {
		return models.User{}, fmt.Errorf("%w: missing user identity", chaterrors.ErrAPIResponse)
	}

	return u, nil
}
