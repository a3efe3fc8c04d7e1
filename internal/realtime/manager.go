// Package realtime owns the persistent push connection to the chat
// server: dial and handshake, bounded reconnection, typed event
// dispatch to subscribers, and fire-and-forget outbound commands.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// PlaceholderPrefix marks a locally synthesized session marker. Such a
// value is never a real credential and must not be sent to the server.
const PlaceholderPrefix = "auth-session-"

const (
	pingAfter        = 25 * time.Second
	disconnectAfter  = 90 * time.Second
	heartbeatCheckAt = 15 * time.Second
	pingTimeout      = 10 * time.Second
	handshakeTimeout = 15 * time.Second

	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 1 * time.Second
	reconnectMax             = 30 * time.Second
	jitterDivisor            = 2

	wsReadLimit        = 1024 * 1024
	cmdChanSize        = 64
	inboundChanSize    = 64
	handshakeMaxFrames = 32
)

// TokenSource hands out the current durable credential. It is read on
// every connection attempt so a refreshed token is picked up.
type TokenSource interface {
	Token() string
}

// Sink receives every event in arrival order. HandleEvent is called from
// the connection goroutine and should hand the event off quickly.
type Sink interface {
	HandleEvent(ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev Event)

// HandleEvent calls f(ev).
func (f SinkFunc) HandleEvent(ev Event) { f(ev) }

// Subscription is a registered Sink. Unsubscribe is safe to call more
// than once.
type Subscription struct {
	m    *Manager
	id   uint64
	sink Sink
}

// Unsubscribe stops delivery to the sink.
func (s *Subscription) Unsubscribe() {
	s.m.unsubscribe(s.id)
}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// session is one authenticated connection.
type session struct {
	ctx     context.Context
	conn    wsConn
	inbound <-chan inboundMsg
	early   []Event
}

// Config holds the parameters needed to connect to the push server.
type Config struct {
	URL               string
	UserID            string
	Credentials       TokenSource
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Manager maintains at most one live connection at a time.
//
// Architecture: Listen dials and authenticates, then a reader goroutine
// feeds raw frames to the event loop. The event loop decodes and
// dispatches inbound events, writes queued commands, and sends
// heartbeat pings. All writes happen from the event loop, so no write
// mutex is needed.
type Manager struct {
	logger *slog.Logger
	dial   dialFunc

	url      string
	userID   string
	creds    TokenSource
	attempts int
	delay    time.Duration

	// cmdCh holds outbound commands until the event loop writes them.
	cmdCh chan envelope

	connMu     sync.Mutex
	conn       wsConn
	connCancel context.CancelFunc

	connected   bool
	connectedMu sync.RWMutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	subsMu  sync.Mutex
	subs    []*Subscription
	nextSub uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewManager creates a Manager. Zero reconnect settings fall back to
// five attempts with a one second baseline delay.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	attempts := cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = defaultReconnectAttempts
	}

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	return &Manager{
		logger:   logger,
		dial:     dialWebsocket,
		url:      cfg.URL,
		userID:   cfg.UserID,
		creds:    cfg.Credentials,
		attempts: attempts,
		delay:    delay,
		cmdCh:    make(chan envelope, cmdChanSize),
		done:     make(chan struct{}),
	}
}

// Subscribe registers sink for every subsequent event.
func (m *Manager) Subscribe(sink Sink) *Subscription {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.nextSub++
	sub := &Subscription{m: m, id: m.nextSub, sink: sink}
	m.subs = append(m.subs, sub)

	return sub
}

func (m *Manager) unsubscribe(id uint64) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for i, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *Manager) dispatch(ev Event) {
	m.subsMu.Lock()
	sinks := make([]Sink, 0, len(m.subs))

	for _, s := range m.subs {
		sinks = append(sinks, s.sink)
	}
	m.subsMu.Unlock()

	for _, sink := range sinks {
		sink.HandleEvent(ev)
	}
}

// Listen connects and keeps the connection alive until ctx is cancelled,
// Close is called, a permanent error occurs, or the reconnection budget
// is spent. Consecutive failed attempts are bounded; a successful
// handshake resets the count.
func (m *Manager) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := m.delay
	failures := 0
	reconnect := false

	for {
		var wait time.Duration

		sess, err := m.connect(ctx)
		if err == nil {
			failures = 0
			backoff = m.delay

			m.dispatch(Connected{Reconnect: reconnect})

			for _, ev := range sess.early {
				m.dispatch(ev)
			}

			reconnect = true

			err = m.eventLoop(ctx, sess)
			m.teardown("connection lost")

			if m.isClosed() {
				return nil
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			m.dispatch(Disconnected{Err: err})
			m.logger.Warn("connection lost, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			wait = backoff
		} else {
			if m.isClosed() {
				return nil
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			if isPermanentError(err) {
				return fmt.Errorf("permanent error: %w", err)
			}

			failures++
			if failures >= m.attempts {
				return fmt.Errorf("%w after %d attempts: %w", chaterrors.ErrReconnectExhausted, failures, err)
			}

			m.logger.Warn("connect failed",
				slog.String("error", err.Error()),
				slog.Int("attempt", failures),
				slog.Duration("backoff", backoff),
			)

			wait = backoff
			backoff = min(backoff*2, reconnectMax)
		}

		jitter := time.Duration(rand.Int64N(int64(wait)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for reconnect jitter

		timer := time.NewTimer(wait + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()

			if m.isClosed() {
				return nil
			}

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connect tears down any previous connection, dials a fresh one and
// authenticates it.
func (m *Manager) connect(ctx context.Context) (*session, error) {
	token := m.creds.Token()
	if token == "" {
		return nil, fmt.Errorf("connecting: %w", chaterrors.ErrMissingToken)
	}

	if strings.HasPrefix(token, PlaceholderPrefix) {
		m.logger.Warn("refusing to connect with a placeholder credential")
		return nil, fmt.Errorf("connecting: %w", chaterrors.ErrPlaceholderToken)
	}

	m.teardown("replaced")

	m.logger.Debug("connecting", slog.String("url", m.url))

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := m.dial(hctx, m.url, http.Header{"Authorization": []string{"Bearer " + token}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("auth failed: upgrade rejected: %w", chaterrors.ErrUnauthorized)
		}

		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	early, err := m.handshake(hctx, conn, token)
	if err != nil {
		return nil, err
	}

	connCtx, connCancel := context.WithCancel(ctx)

	m.connMu.Lock()
	m.conn = conn
	m.connCancel = connCancel
	m.connMu.Unlock()

	m.setConnected(true)

	return &session{
		ctx:     connCtx,
		conn:    conn,
		inbound: m.startReader(connCtx, conn),
		early:   early,
	}, nil
}

// handshake sends the credential and waits for the server to accept it.
// Events that arrive before the confirmation are returned so they can be
// dispatched once the connection is announced.
func (m *Manager) handshake(ctx context.Context, conn wsConn, token string) ([]Event, error) {
	conn.SetReadLimit(wsReadLimit)
	m.touchLastMessage()

	auth := envelope{Type: cmdAuthenticate, Payload: authenticatePayload{Token: token, UserID: m.userID}}
	if err := m.writeJSON(ctx, conn, auth); err != nil {
		conn.Close(websocket.StatusInternalError, "authenticate failed")
		return nil, fmt.Errorf("sending authenticate: %w", err)
	}

	var early []Event

	for range handshakeMaxFrames {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "auth read failed")
			return nil, fmt.Errorf("reading auth response: %w", err)
		}

		m.touchLastMessage()

		switch gjson.GetBytes(data, "type").Str {
		case "authenticated":
			m.logger.Info("websocket authenticated", slog.String("user_id", m.userID))
			return early, nil

		case "error":
			msg := gjson.GetBytes(data, "payload.message").String()
			if msg == "" {
				msg = gjson.GetBytes(data, "payload").String()
			}

			conn.Close(websocket.StatusNormalClosure, "auth failed")

			return nil, fmt.Errorf("auth failed: %s: %w", msg, chaterrors.ErrUnauthorized)

		default:
			if ev, err := decodeEvent(data, time.Now()); err == nil {
				early = append(early, ev)
			}
		}
	}

	conn.Close(websocket.StatusPolicyViolation, "no auth response")

	return nil, fmt.Errorf("reading auth response: no confirmation within %d frames", handshakeMaxFrames)
}

// startReader launches a goroutine that reads from conn and sends each
// frame to the returned channel. The goroutine exits when connCtx is
// cancelled or a read error occurs; the error is the last message sent.
func (m *Manager) startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// eventLoop is the single event loop for one connection. Returns on
// read or write error, heartbeat timeout, or context cancellation.
func (m *Manager) eventLoop(ctx context.Context, sess *session) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sess.inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			m.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			m.handleInbound(msg.data)

		case cmd := <-m.cmdCh:
			if err := m.writeJSON(ctx, sess.conn, cmd); err != nil {
				return fmt.Errorf("sending %s: %w", cmd.Type, err)
			}

		case <-ticker.C:
			elapsed := m.sinceLastMessage()

			if elapsed > disconnectAfter {
				m.logger.Warn("connection timed out, closing")
				sess.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				pctx, cancel := context.WithTimeout(ctx, pingTimeout)
				err := sess.conn.Ping(pctx)

				cancel()

				if err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}

				m.touchLastMessage()
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-sess.ctx.Done():
			return sess.ctx.Err()
		}
	}
}

// handleInbound decodes one frame and dispatches it. Malformed frames
// are logged and dropped; they never break the connection.
func (m *Manager) handleInbound(data []byte) {
	ev, err := decodeEvent(data, time.Now())
	if err != nil {
		if errors.Is(err, errUnknownEvent) {
			m.logger.Debug("ignoring frame", slog.String("type", gjson.GetBytes(data, "type").Str))
		} else {
			m.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
		}

		return
	}

	m.dispatch(ev)
}

// enqueue hands a command to the event loop without waiting for it to
// be written.
func (m *Manager) enqueue(cmd envelope) error {
	if !m.Connected() {
		return fmt.Errorf("%s: %w", cmd.Type, chaterrors.ErrNotConnected)
	}

	select {
	case m.cmdCh <- cmd:
		return nil
	default:
		return fmt.Errorf("%s: %w", cmd.Type, chaterrors.ErrCommandQueueFull)
	}
}

// teardown closes the current connection, if any, and discards commands
// queued for it. Commands are tied to the connection that was live when
// they were issued; consumers resync on reconnect.
func (m *Manager) teardown(reason string) {
	m.connMu.Lock()
	conn, cancel := m.conn, m.connCancel
	m.conn, m.connCancel = nil, nil
	m.connMu.Unlock()

	m.setConnected(false)

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, reason)
	}

	for {
		select {
		case <-m.cmdCh:
		default:
			return
		}
	}
}

// Close shuts down the connection, stops Listen, and unregisters every
// subscriber.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.done) })

	m.teardown("bye")

	m.subsMu.Lock()
	m.subs = nil
	m.subsMu.Unlock()

	return nil
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Manager) setConnected(v bool) {
	m.connectedMu.Lock()
	m.connected = v
	m.connectedMu.Unlock()
}

// Connected reports whether an authenticated connection is live.
func (m *Manager) Connected() bool {
	m.connectedMu.RLock()
	v := m.connected
	m.connectedMu.RUnlock()

	return v
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	return errors.Is(err, chaterrors.ErrUnauthorized) ||
		errors.Is(err, chaterrors.ErrPlaceholderToken) ||
		errors.Is(err, chaterrors.ErrMissingToken)
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

func (m *Manager) sinceLastMessage() time.Duration {
	m.lastMsgMu.Lock()
	defer m.lastMsgMu.Unlock()

	return time.Since(m.lastMessage)
}

// writeJSON marshals v to JSON and writes it as a text frame.
func (m *Manager) writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
