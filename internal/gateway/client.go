package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Default client timings.
const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultChallengeTimeout = 1 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

var (
	// ErrDisconnected is returned for control requests that were outstanding
	// when the upstream socket dropped.
	ErrDisconnected = errors.New("gateway: disconnected")

	// ErrNotSent marks a request that never reached the gateway: its socket
	// had already closed, or ctx ended while waiting for a connection.
	ErrNotSent = errors.New("gateway: request not sent")

	// ErrNotConfigured is returned by [NewClient] when the URL is empty.
	ErrNotConfigured = errors.New("gateway: url must not be empty")
)

// RequestError is a res frame with ok=false.
type RequestError struct {
	Method  string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway: %s rejected: %s", e.Method, e.Message)
}

// State is the connection state of a [Client].
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns a lowercase name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventHandler receives every upstream event except the handshake
// challenge. It runs on the read goroutine and must not block.
type EventHandler func(Event)

// Config configures a [Client].
type Config struct {
	// URL is the gateway WebSocket URL (ws:// or wss://).
	URL string

	// Token authenticates the connect request.
	Token string

	// Client identity sent in the handshake.
	ClientID    string
	DisplayName string
	ClientMode  string
	Version     string

	// ReconnectDelay is the fixed wait between a drop and the next attempt.
	// Defaults to 5s.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds dial, challenge and connect together.
	// Defaults to 15s.
	HandshakeTimeout time.Duration

	// ChallengeTimeout is how long to wait for connect.challenge before
	// connecting without a nonce. Defaults to 1s.
	ChallengeTimeout time.Duration

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// OnEvent receives upstream events. May be nil.
	OnEvent EventHandler
}

// Client owns the single upstream WebSocket to the gateway. It connects,
// performs the handshake and reconnects after a fixed delay until the
// context passed to [Client.Run] is cancelled.
//
// All methods are safe for concurrent use.
type Client struct {
	cfg Config

	mu        sync.Mutex
	state     State
	conn      *conn
	ready     chan struct{} // closed while conn is set
	listeners []func(State)
	attempts  int
}

// NewClient returns a Client for cfg. Call [Client.Run] to start it.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "voicerelay"
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "Voice Relay"
	}
	if cfg.ClientMode == "" {
		cfg.ClientMode = "backend"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{cfg: cfg, ready: make(chan struct{})}, nil
}

// SetEventHandler replaces the event handler. It must be called before
// [Client.Run].
func (c *Client) SetEventHandler(h EventHandler) {
	c.mu.Lock()
	c.cfg.OnEvent = h
	c.mu.Unlock()
}

// OnStateChange registers fn to be called on every state transition. fn runs
// synchronously on the goroutine driving the transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the handshake has completed on a live socket.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Run connects and keeps the connection alive until ctx is cancelled. It
// returns nil on cancellation; individual connection failures are logged and
// retried after the reconnect delay.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting, nil)
		cn, err := c.connect(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				slog.Warn("gateway: connect failed", "url", c.cfg.URL, "err", err, "retry_in", c.cfg.ReconnectDelay)
			}
		default:
			c.setState(StateConnected, cn)
			slog.Info("gateway: connected", "url", c.cfg.URL)
			select {
			case <-cn.done:
				slog.Warn("gateway: connection lost", "err", cn.err(), "retry_in", c.cfg.ReconnectDelay)
			case <-ctx.Done():
				cn.close()
				<-cn.done
			}
		}
		c.setState(StateDisconnected, nil)

		if ctx.Err() != nil {
			return nil
		}
		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Request sends a control request and waits for its response. While the
// client is not connected it waits for the next successful handshake within
// ctx. Outstanding requests fail with [ErrDisconnected] when the socket drops.
// A request that reaches a socket which has already closed is retried on the
// next connection.
func (c *Client) Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	for {
		cn, err := c.waitConnected(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := cn.call(ctx, method, params, opts...)
		if errors.Is(err, ErrNotSent) {
			c.release(cn)
			continue
		}
		return payload, err
	}
}

// release stops handing out cn once its socket has closed, so waitConnected
// blocks until the next handshake even before Run notices the drop.
func (c *Client) release(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == cn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
}

// waitConnected blocks until a connection is available or ctx ends.
func (c *Client) waitConnected(ctx context.Context) (*conn, error) {
	for {
		c.mu.Lock()
		cn, ready := c.conn, c.ready
		c.mu.Unlock()
		if cn != nil {
			return cn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, fmt.Errorf("gateway: waiting for connection: %w: %w", ErrNotSent, ctx.Err())
		}
	}
}

func (c *Client) setState(s State, cn *conn) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	switch s {
	case StateConnected:
		c.conn = cn
		close(c.ready)
	default:
		if prev == StateConnected && c.conn != nil {
			c.ready = make(chan struct{})
		}
		c.conn = nil
	}
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	slog.Debug("gateway: state change", "from", prev, "to", s)
	for _, fn := range listeners {
		fn(s)
	}
}

// connect dials and completes the handshake within HandshakeTimeout.
func (c *Client) connect(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	onEvent := c.cfg.OnEvent
	c.mu.Unlock()
	slog.Debug("gateway: connecting", "url", c.cfg.URL, "attempt", attempt)

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, resp, err := c.cfg.Dialer.DialContext(hctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway: dial (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gateway: dial: %w", err)
	}

	cn := newConn(ws)
	go cn.readLoop(onEvent)

	if err := c.handshake(hctx, cn); err != nil {
		cn.close()
		<-cn.done
		return nil, err
	}
	return cn, nil
}

// handshake waits briefly for a challenge nonce, then sends connect.
func (c *Client) handshake(ctx context.Context, cn *conn) error {
	var nonce string
	t := time.NewTimer(c.cfg.ChallengeTimeout)
	defer t.Stop()
	select {
	case nonce = <-cn.challenge:
	case <-t.C:
		slog.Debug("gateway: no challenge received, connecting without nonce")
	case <-cn.done:
		return fmt.Errorf("gateway: closed during handshake: %w", cn.err())
	case <-ctx.Done():
		return fmt.Errorf("gateway: handshake: %w", ctx.Err())
	}

	params := connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: clientInfo{
			ID:          c.cfg.ClientID,
			DisplayName: c.cfg.DisplayName,
			Version:     c.cfg.Version,
			Platform:    runtime.GOOS,
			Mode:        c.cfg.ClientMode,
		},
		Auth:  authInfo{Token: c.cfg.Token},
		Nonce: nonce,
	}
	if _, err := cn.call(ctx, "connect", params); err != nil {
		return fmt.Errorf("gateway: handshake: %w", err)
	}
	return nil
}

// RequestOption customises a single [Client.Request].
type RequestOption func(*requestOptions)

type requestOptions struct {
	onResponse func(json.RawMessage)
}

// OnResponse registers fn to run on the read goroutine when a successful
// response arrives, before any later frame is processed. Use it to bind
// state that later events depend on.
func OnResponse(fn func(json.RawMessage)) RequestOption {
	return func(o *requestOptions) { o.onResponse = fn }
}

type result struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	method     string
	ch         chan result
	onResponse func(json.RawMessage)
}

// conn is one upstream socket. Its read loop is the only reader; writes are
// serialised by writeMu.
type conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
	readErr error

	challenge chan string
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:        ws,
		pending:   make(map[string]*pendingCall),
		challenge: make(chan string, 1),
		done:      make(chan struct{}),
	}
}

func (cn *conn) call(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	pc := &pendingCall{method: method, ch: make(chan result, 1), onResponse: o.onResponse}

	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return nil, ErrNotSent
	}
	cn.pending[id] = pc
	cn.mu.Unlock()

	if err := cn.write(request{Type: frameRequest, ID: id, Method: method, Params: params}); err != nil {
		cn.forget(id)
		return nil, fmt.Errorf("gateway: send %s: %w", method, err)
	}

	select {
	case r := <-pc.ch:
		return r.payload, r.err
	case <-ctx.Done():
		cn.forget(id)
		return nil, ctx.Err()
	}
}

func (cn *conn) write(v any) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return cn.ws.WriteJSON(v)
}

func (cn *conn) forget(id string) {
	cn.mu.Lock()
	delete(cn.pending, id)
	cn.mu.Unlock()
}

func (cn *conn) readLoop(onEvent EventHandler) {
	defer close(cn.done)
	defer cn.failPending()

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			cn.mu.Lock()
			cn.readErr = err
			cn.mu.Unlock()
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("gateway: malformed frame", "err", err)
			continue
		}
		switch f.Type {
		case frameResponse:
			cn.resolve(f)
		case frameEvent, frameEventAlt:
			if f.Event == EventChallenge {
				var cp challengePayload
				_ = json.Unmarshal(f.Payload, &cp)
				select {
				case cn.challenge <- cp.Nonce:
				default:
				}
				continue
			}
			if onEvent != nil {
				onEvent(Event{Name: f.Event, Payload: f.Payload})
			}
		default:
			slog.Debug("gateway: ignoring frame", "type", f.Type)
		}
	}
}

func (cn *conn) resolve(f frame) {
	cn.mu.Lock()
	pc, ok := cn.pending[f.ID]
	delete(cn.pending, f.ID)
	cn.mu.Unlock()
	if !ok {
		slog.Debug("gateway: response for unknown request", "id", f.ID)
		return
	}
	if !f.OK {
		pc.ch <- result{err: &RequestError{Method: pc.method, Message: errorMessage(f.Error)}}
		return
	}
	if pc.onResponse != nil {
		pc.onResponse(f.Payload)
	}
	pc.ch <- result{payload: f.Payload}
}

// failPending rejects every outstanding control request.
func (cn *conn) failPending() {
	cn.mu.Lock()
	cn.closed = true
	pending := cn.pending
	cn.pending = make(map[string]*pendingCall)
	cn.mu.Unlock()
	for _, pc := range pending {
		pc.ch <- result{err: ErrDisconnected}
	}
}

func (cn *conn) err() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.readErr
}

// close sends a normal close frame and closes the socket, which ends the
// read loop.
func (cn *conn) close() {
	cn.closeOnce.Do(func() {
		cn.writeMu.Lock()
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		cn.writeMu.Unlock()
		_ = cn.ws.Close()
	})
}
