package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// inbound is a req frame as the fake gateway sees it.
type inbound struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeGateway is a minimal upstream: it optionally sends a challenge,
// answers connect and hands each accepted socket to the test.
type fakeGateway struct {
	srv           *httptest.Server
	nonce         string
	rejectConnect bool

	connects chan connectParams
	conns    chan *fakeConn
}

func newFakeGateway(t *testing.T, nonce string, reject bool) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{
		nonce:         nonce,
		rejectConnect: reject,
		connects:      make(chan connectParams, 16),
		conns:         make(chan *fakeConn, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if fg.nonce != "" {
			_ = ws.WriteJSON(map[string]any{
				"type": "event", "event": EventChallenge,
				"payload": map[string]any{"nonce": fg.nonce},
			})
		}
		var req inbound
		if err := ws.ReadJSON(&req); err != nil {
			_ = ws.Close()
			return
		}
		var cp connectParams
		_ = json.Unmarshal(req.Params, &cp)
		select {
		case fg.connects <- cp:
		default:
		}
		if fg.rejectConnect {
			_ = ws.WriteJSON(map[string]any{
				"type": "res", "id": req.ID, "ok": false,
				"error": map[string]any{"message": "invalid token"},
			})
			_ = ws.Close()
			return
		}
		_ = ws.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{}})
		fg.conns <- &fakeConn{ws: ws}
	}))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

// nextConn waits for the client's next accepted connection.
func (fg *fakeGateway) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-fg.conns:
		t.Cleanup(func() { _ = c.ws.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for gateway connection")
		return nil
	}
}

type fakeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		t.Fatalf("fake gateway write: %v", err)
	}
}

func (c *fakeConn) readRequest(t *testing.T) inbound {
	t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var req inbound
	if err := c.ws.ReadJSON(&req); err != nil {
		t.Fatalf("fake gateway read: %v", err)
	}
	return req
}

func (c *fakeConn) respond(t *testing.T, id string, payload any) {
	t.Helper()
	c.send(t, map[string]any{"type": "res", "id": id, "ok": true, "payload": payload})
}

func (c *fakeConn) chatFinal(t *testing.T, sessionKey, runID, text string) {
	t.Helper()
	c.send(t, map[string]any{
		"type":  "event",
		"event": EventChat,
		"payload": map[string]any{
			"sessionKey": sessionKey,
			"runId":      runID,
			"state":      ChatStateFinal,
			"message": map[string]any{
				"role":    "assistant",
				"content": []map[string]any{{"type": "text", "text": text}},
			},
		},
	})
}

// startClient runs a Client against fg until the test ends.
func startClient(t *testing.T, fg *fakeGateway, onEvent EventHandler) *Client {
	t.Helper()
	c, err := NewClient(Config{
		URL:              fg.url(),
		Token:            "gateway-token-123",
		ReconnectDelay:   20 * time.Millisecond,
		ChallengeTimeout: 50 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		OnEvent:          onEvent,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	runClient(t, c)
	return c
}

// runClient runs c until the test ends.
func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeRequester answers chat.send in-process so multiplexer tests control
// event order exactly.
type fakeRequester struct {
	withRunIDs bool
	err        error
	// hang holds each request until its ctx ends, as if the ack were lost.
	hang bool

	mu   sync.Mutex
	sent []chatSendParams

	calls chan chatSendParams
}

func newFakeRequester(withRunIDs bool) *fakeRequester {
	return &fakeRequester{withRunIDs: withRunIDs, calls: make(chan chatSendParams, 16)}
}

func (f *fakeRequester) Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	p, _ := params.(chatSendParams)
	f.mu.Lock()
	f.sent = append(f.sent, p)
	n := len(f.sent)
	f.mu.Unlock()

	if f.err != nil {
		f.calls <- p
		return nil, f.err
	}
	if f.hang {
		f.calls <- p
		<-ctx.Done()
		return nil, ctx.Err()
	}
	payload := json.RawMessage(`{}`)
	if f.withRunIDs {
		payload, _ = json.Marshal(chatSendAck{RunID: runName(n)})
	}
	if o.onResponse != nil {
		o.onResponse(payload)
	}
	f.calls <- p
	return payload, nil
}

func runName(n int) string {
	return "run-" + string(rune('0'+n))
}

// awaitSend waits until the requester has seen one more chat.send.
func (f *fakeRequester) awaitSend(t *testing.T) chatSendParams {
	t.Helper()
	select {
	case p := <-f.calls:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chat.send")
		return chatSendParams{}
	}
}

type sendResult struct {
	resp Response
	err  error
}

// sendAsync runs Multiplexer.Send in a goroutine.
func sendAsync(m *Multiplexer, connID, key, text string) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		resp, err := m.Send(context.Background(), connID, key, text)
		ch <- sendResult{resp, err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Send to return")
		return sendResult{}
	}
}

func assertPending(t *testing.T, ch <-chan sendResult) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("Send returned early: %+v", r)
	case <-time.After(30 * time.Millisecond):
	}
}

func chatEvent(sessionKey, runID, state, text string) Event {
	payload := map[string]any{
		"sessionKey": sessionKey,
		"runId":      runID,
		"state":      state,
	}
	if text != "" {
		payload["message"] = map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": text}},
		}
	}
	raw, _ := json.Marshal(payload)
	return Event{Name: EventChat, Payload: raw}
}

func agentEvent(sessionKey, runID, text string, media ...string) Event {
	data := map[string]any{"text": text}
	if len(media) > 0 {
		data["mediaUrls"] = media
	}
	raw, _ := json.Marshal(map[string]any{
		"sessionKey": sessionKey,
		"runId":      runID,
		"stream":     "assistant",
		"data":       data,
	})
	return Event{Name: EventAgent, Payload: raw}
}
