// Package api is the request/response client for the chat server's REST
// endpoints. The durable credential is read from and written back to a
// Credentials store, which is the same store the realtime handshake reads.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Message pages are
	// the largest payloads and stay well under this.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Credentials is the single source of truth for the durable token.
type Credentials interface {
	Token() string
	SetToken(token string) error
	ClearToken() error
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Status, e.Message)
	}

	return fmt.Sprintf("API %s returned status %d", e.Endpoint, e.Status)
}

// Unwrap maps the status onto the sentinel callers test for.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return chaterrors.ErrUnauthorized
	}

	return chaterrors.ErrAPIRequest
}

// IsUnauthorized reports whether err was caused by a rejected credential.
func IsUnauthorized(err error) bool {
	return errors.Is(err, chaterrors.ErrUnauthorized)
}

// Client talks to the chat REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL string, creds Credentials, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		logger:     logger,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// response is what do hands back to callers that need more than the
// decoded body, such as the auth endpoints reading headers and cookies.
type response struct {
	header  http.Header
	cookies []*http.Cookie
	body    []byte
}

// do sends a JSON request and decodes a 2xx response into result. A 401
// clears the stored credential before returning.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) (*response, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.creds.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		return nil, &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, fmt.Errorf("decoding response from %s: %w: %w", endpoint, chaterrors.ErrAPIResponse, err)
		}
	}

	return &response{header: resp.Header, cookies: resp.Cookies(), body: respBody}, nil
}

func (c *Client) statusError(endpoint string, status int, body []byte) error {
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}

	if msg == "" && len(body) > 0 && !gjson.ValidBytes(body) {
		msg = sanitizeResponseBody(body)
	}

	statusErr := &StatusError{Endpoint: endpoint, Status: status, Message: msg}

	if status == http.StatusUnauthorized {
		if err := c.creds.ClearToken(); err != nil {
			c.logger.Warn("clearing rejected credential", slog.String("error", err.Error()))
		}

		c.logger.Info("credential rejected, re-authentication required", slog.String("endpoint", endpoint))
	}

	if isTransientStatus(status) {
		return &TransientError{Err: statusErr}
	}

	return statusErr
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
