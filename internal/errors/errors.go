package errors

import "errors"

// Credential errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrMissingToken       = errors.New("no credential available")
	ErrPlaceholderToken   = errors.New("credential is a session placeholder")
)

// Server/transport errors.
var (
	ErrAPIRequest         = errors.New("API request failed")
	ErrAPIResponse        = errors.New("unexpected API response")
	ErrNotConnected       = errors.New("realtime channel not connected")
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
	ErrCommandQueueFull   = errors.New("realtime command queue full")
)

// Chat action errors.
var (
	ErrEmptyContent         = errors.New("message content is empty")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrNoRecipient          = errors.New("conversation has no recipient")
	ErrUnknownRecipient     = errors.New("recipient not found")
	ErrUnknownConversation  = errors.New("conversation not found")
	ErrEngineStopped        = errors.New("sync engine stopped")
)
