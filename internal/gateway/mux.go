package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTurnTimeout bounds one chat turn from chat.send to the final event.
const DefaultTurnTimeout = 5 * time.Minute

// maxRetired caps the run ids remembered after their turn expired.
const maxRetired = 256

var (
	// ErrTimeout is returned when no final event arrives within the turn
	// timeout.
	ErrTimeout = errors.New("gateway: turn timed out")

	// ErrTurnInFlight is returned when a connection already has a pending
	// turn.
	ErrTurnInFlight = errors.New("gateway: turn already in flight for connection")

	// ErrCancelled is returned to a waiter whose connection was cancelled.
	ErrCancelled = errors.New("gateway: turn cancelled")
)

// RunError is a run that ended in the error or aborted state.
type RunError struct {
	State   string
	Message string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("gateway: run %s: %s", e.State, e.Message)
}

// Response is the flushed output of one gateway run.
type Response struct {
	Text      string
	MediaURLs []string
}

// Requester sends control requests upstream. [*Client] implements it.
type Requester interface {
	Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error)
}

// MultiplexerConfig configures a [Multiplexer].
type MultiplexerConfig struct {
	// TurnTimeout bounds each turn. Defaults to 5m.
	TurnTimeout time.Duration

	// MediaExtensions lists accepted media URL extensions. Defaults to
	// [DefaultMediaExtensions].
	MediaExtensions []string

	// OnPending is called with +1 and -1 as turns are registered and
	// settled. May be nil.
	OnPending func(delta int64)
}

type turnResult struct {
	resp Response
	err  error
}

// pending is one outstanding chat turn.
type pending struct {
	connID     string
	sessionKey string
	runID      string
	result     chan turnResult
	timer      *time.Timer
	abandoned  bool
	expired    bool
	settled    bool
}

// Multiplexer shares one upstream socket among many client connections. It
// sends chat.send for each turn and routes the run that answers it back to
// the waiting caller: by run id when the chat.send ack carries one, otherwise
// to the oldest unbound turn registered under the same session key.
//
// Feed it upstream events through [Multiplexer.HandleEvent].
type Multiplexer struct {
	req       Requester
	timeout   time.Duration
	onPending func(int64)

	mu      sync.Mutex
	queue   []*pending
	byConn  map[string]*pending
	acc     *runAccumulator
	retired map[string]struct{}
}

// NewMultiplexer returns a Multiplexer that sends through req.
func NewMultiplexer(req Requester, cfg MultiplexerConfig) *Multiplexer {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	onPending := cfg.OnPending
	if onPending == nil {
		onPending = func(int64) {}
	}
	return &Multiplexer{
		req:       req,
		timeout:   cfg.TurnTimeout,
		onPending: onPending,
		byConn:    make(map[string]*pending),
		acc:       newRunAccumulator(cfg.MediaExtensions),
		retired:   make(map[string]struct{}),
	}
}

// Send forwards text as one chat turn for connID and blocks until the run
// completes, the turn times out ([ErrTimeout]), the run is rejected
// ([*RunError]), the connection is cancelled ([ErrCancelled]) or ctx ends.
//
// If the socket drops after chat.send was written, the turn stays pending
// and completes when the run finishes after reconnect, or times out.
func (m *Multiplexer) Send(ctx context.Context, connID, sessionKey, text string) (Response, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return Response{}, errors.New("gateway: session key must not be empty")
	}
	p, err := m.register(connID, sessionKey)
	if err != nil {
		return Response{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	params := chatSendParams{
		SessionKey:     sessionKey,
		Message:        text,
		IdempotencyKey: uuid.NewString(),
	}
	_, err = m.req.Request(reqCtx, "chat.send", params, OnResponse(func(payload json.RawMessage) {
		m.bind(p, payload)
	}))
	switch {
	case err == nil:
	case errors.Is(err, ErrDisconnected):
		slog.Warn("gateway: socket dropped before chat.send ack, keeping turn pending", "conn_id", connID)
	case maybeWritten(err):
		// The gateway may still answer, so the turn stays queued without a
		// waiter and absorbs that run.
		m.mu.Lock()
		if ctx.Err() != nil {
			m.abandonLocked(p, ctx.Err())
		} else if !p.expired {
			m.expireLocked(p)
		}
		m.mu.Unlock()
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, ErrTimeout
	default:
		m.discard(p)
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("gateway: chat.send: %w", err)
	}

	select {
	case r := <-p.result:
		return r.resp, r.err
	case <-ctx.Done():
		m.mu.Lock()
		m.abandonLocked(p, ctx.Err())
		m.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// maybeWritten reports whether a failed chat.send may have reached the
// gateway: the wait for its ack ended rather than the write failing.
func maybeWritten(err error) bool {
	if errors.Is(err, ErrNotSent) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Cancel releases the waiter of connID's pending turn, if any. The turn
// stays queued so the run answering it is consumed and discarded instead of
// being routed to another connection. It is dropped when that run arrives or
// the turn expires.
func (m *Multiplexer) Cancel(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byConn[connID]; ok {
		m.abandonLocked(p, ErrCancelled)
	}
}

// Pending returns the number of queued turns, abandoned ones included.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// HandleEvent consumes one upstream event. Events for session keys with no
// pending turn are ignored.
func (m *Multiplexer) HandleEvent(ev Event) {
	switch ev.Name {
	case EventAgent:
		var p agentPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			slog.Debug("gateway: malformed agent event", "err", err)
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.relevantLocked(p.SessionKey, p.RunID) {
			return
		}
		if p.Stream == "" || p.Stream == "assistant" {
			m.acc.addText(p.RunID, p.SessionKey, p.Data.Text)
		}
		m.acc.addMedia(p.RunID, p.SessionKey, p.Data.MediaURLs)

	case EventChat:
		var p chatPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			slog.Debug("gateway: malformed chat event", "err", err)
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.relevantLocked(p.SessionKey, p.RunID) {
			return
		}
		if text := p.Message.text(); text != "" {
			m.acc.addText(p.RunID, p.SessionKey, text)
		}
		switch p.State {
		case ChatStateFinal:
			m.finishLocked(p.RunID, p.SessionKey, turnResult{resp: m.acc.take(p.RunID)})
		case ChatStateError, ChatStateAborted:
			m.acc.drop(p.RunID)
			msg := p.ErrorMessage
			if msg == "" {
				msg = p.State
			}
			m.finishLocked(p.RunID, p.SessionKey, turnResult{err: &RunError{State: p.State, Message: msg}})
		}

	case EventTick:
	default:
		slog.Debug("gateway: unhandled event", "event", ev.Name)
	}
}

func (m *Multiplexer) register(connID, sessionKey string) (*pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.byConn[connID]; busy {
		return nil, ErrTurnInFlight
	}
	p := &pending{
		connID:     connID,
		sessionKey: sessionKey,
		result:     make(chan turnResult, 1),
	}
	p.timer = time.AfterFunc(m.timeout, func() { m.expire(p) })
	m.queue = append(m.queue, p)
	m.byConn[connID] = p
	m.onPending(1)
	return p, nil
}

// bind records the run id from a chat.send ack. It runs on the client's
// read goroutine before any later event is handled.
func (m *Multiplexer) bind(p *pending, payload json.RawMessage) {
	var ack chatSendAck
	if err := json.Unmarshal(payload, &ack); err != nil || ack.RunID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !p.settled {
		p.runID = ack.RunID
	}
}

func (m *Multiplexer) expire(p *pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(p)
}

// expireLocked times out p. A turn bound to a run id is removed and its run
// retired. An unbound turn releases its waiter with [ErrTimeout] but stays
// queued for one more timeout, so a late run answering it is consumed here
// instead of reaching the next turn on the same session key.
func (m *Multiplexer) expireLocked(p *pending) {
	switch {
	case p.settled:
	case p.expired:
		slog.Debug("gateway: dropping expired turn", "conn_id", p.connID)
		m.retireLocked(p.runID)
		m.settleLocked(p, turnResult{})
	case p.runID != "":
		m.retireLocked(p.runID)
		slog.Warn("gateway: turn timed out", "conn_id", p.connID, "run_id", p.runID)
		m.settleLocked(p, turnResult{err: ErrTimeout})
	default:
		slog.Warn("gateway: turn timed out", "conn_id", p.connID)
		p.expired = true
		m.abandonLocked(p, ErrTimeout)
		p.timer.Reset(m.timeout)
	}
}

// retireLocked remembers runID so its late events are dropped.
func (m *Multiplexer) retireLocked(runID string) {
	if runID == "" {
		return
	}
	if len(m.retired) >= maxRetired {
		clear(m.retired)
	}
	m.retired[runID] = struct{}{}
}

// discard removes a turn whose chat.send never reached the gateway.
func (m *Multiplexer) discard(p *pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.abandoned = true
	m.settleLocked(p, turnResult{})
}

// abandonLocked releases p's waiter with err and keeps p queued without one.
func (m *Multiplexer) abandonLocked(p *pending, err error) {
	if p.settled || p.abandoned {
		return
	}
	p.abandoned = true
	if m.byConn[p.connID] == p {
		delete(m.byConn, p.connID)
	}
	select {
	case p.result <- turnResult{err: err}:
	default:
	}
}

// relevantLocked reports whether an event belongs to a queued turn or to a
// run retired after its turn expired.
func (m *Multiplexer) relevantLocked(sessionKey, runID string) bool {
	if runID != "" {
		if _, ok := m.retired[runID]; ok {
			return true
		}
	}
	for _, p := range m.queue {
		if SessionKeysMatch(sessionKey, p.sessionKey) {
			return true
		}
	}
	return false
}

// finishLocked delivers r to exactly one pending turn.
func (m *Multiplexer) finishLocked(runID, sessionKey string, r turnResult) {
	if runID != "" {
		if _, ok := m.retired[runID]; ok {
			delete(m.retired, runID)
			slog.Debug("gateway: discarding run of expired turn", "run_id", runID)
			return
		}
	}

	var target *pending
	if runID != "" {
		for _, p := range m.queue {
			if p.runID == runID && SessionKeysMatch(sessionKey, p.sessionKey) {
				target = p
				break
			}
		}
	}
	if target == nil {
		for _, p := range m.queue {
			if p.runID == "" && SessionKeysMatch(sessionKey, p.sessionKey) {
				target = p
				break
			}
		}
	}
	if target == nil {
		slog.Debug("gateway: no pending turn for run", "run_id", runID, "session_key", sessionKey)
		return
	}
	if target.abandoned {
		slog.Debug("gateway: discarding run for closed connection", "conn_id", target.connID, "run_id", runID)
	}
	m.settleLocked(target, r)
}

// settleLocked removes p from the queue and, unless it was abandoned, hands
// r to its waiter. It is a no-op for an already settled turn.
func (m *Multiplexer) settleLocked(p *pending, r turnResult) {
	if p.settled {
		return
	}
	p.settled = true
	p.timer.Stop()
	m.queue = slices.DeleteFunc(m.queue, func(q *pending) bool { return q == p })
	if m.byConn[p.connID] == p {
		delete(m.byConn, p.connID)
	}
	if len(m.queue) == 0 {
		m.acc.reset()
	}
	m.onPending(-1)
	if !p.abandoned {
		p.result <- r
	}
}
