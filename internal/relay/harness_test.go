package relay_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/internal/gateway"
	"github.com/MrWong99/voicerelay/internal/relay"
	sttmock "github.com/MrWong99/voicerelay/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voicerelay/pkg/provider/tts/mock"
)

const testToken = "s3cret"

// fakeGateway records forwarded turns and answers each with a fixed reply.
type fakeGateway struct {
	mu        sync.Mutex
	resp      gateway.Response
	err       error
	block     chan struct{}
	texts     []string
	connIDs   []string
	cancelled []string

	sent chan string
}

func newFakeGateway(resp gateway.Response) *fakeGateway {
	return &fakeGateway{resp: resp, sent: make(chan string, 16)}
}

func (g *fakeGateway) Send(ctx context.Context, connID, _, text string) (gateway.Response, error) {
	g.mu.Lock()
	g.texts = append(g.texts, text)
	g.connIDs = append(g.connIDs, connID)
	resp, err, block := g.resp, g.err, g.block
	g.mu.Unlock()

	select {
	case g.sent <- text:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return gateway.Response{}, ctx.Err()
		}
	}
	return resp, err
}

func (g *fakeGateway) Cancel(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, connID)
}

func (g *fakeGateway) Texts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.texts)
}

func (g *fakeGateway) ConnIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.connIDs)
}

func (g *fakeGateway) Cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.cancelled)
}

// fakeClock is a settable time source for rate limiting.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	srv *relay.Server
	hs  *httptest.Server
	stt *sttmock.Provider
	tts *ttsmock.Provider
	gw  *fakeGateway
}

type option func(*relay.Config, *relay.Deps)

func newHarness(t *testing.T, stt *sttmock.Provider, tts *ttsmock.Provider, gw *fakeGateway, opts ...option) *harness {
	t.Helper()
	cfg := relay.Config{
		AuthToken:         testToken,
		SessionKey:        "main",
		KeepaliveInterval: time.Hour,
	}
	deps := relay.Deps{STT: stt, TTS: tts, Gateway: gw}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	srv, err := relay.NewServer(cfg, deps)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return &harness{srv: srv, hs: hs, stt: stt, tts: tts, gw: gw}
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.hs.URL, "http")
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return &client{t: t, conn: conn}
}

// dialAuthed dials and completes the auth handshake.
func (h *harness) dialAuthed(t *testing.T) *client {
	t.Helper()
	c := h.dial(t)
	c.send(map[string]any{"type": relay.MsgAuth, "token": testToken})
	if got := c.read(); got.Type != relay.MsgAuthOK {
		t.Fatalf("auth reply = %+v, want auth_ok", got)
	}
	return c
}

func (c *client) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(string(data))
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) sendAudio(audio []byte) {
	c.t.Helper()
	c.send(map[string]any{"type": relay.MsgAudio, "data": base64.StdEncoding.EncodeToString(audio)})
}

func (c *client) read() relay.Outbound {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var out relay.Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return out
}

// readTurn reads frames up to and including audio_end.
func (c *client) readTurn() []relay.Outbound {
	c.t.Helper()
	var frames []relay.Outbound
	for {
		f := c.read()
		frames = append(frames, f)
		if f.Type == relay.MsgAudioEnd {
			return frames
		}
	}
}

// expectClose reads until the server closes the socket and checks the code.
func (c *client) expectClose(want websocket.StatusCode) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := c.conn.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != want {
			c.t.Fatalf("close status = %v (err %v), want %v", got, err, want)
		}
		return
	}
}

// kinds renders frames as type names, with the state for status frames.
func kinds(frames []relay.Outbound) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
		if f.Type == relay.MsgStatus {
			out[i] += ":" + f.State
		}
	}
	return out
}

func withoutStatus(frames []relay.Outbound) []relay.Outbound {
	return slices.DeleteFunc(slices.Clone(frames), func(f relay.Outbound) bool {
		return f.Type == relay.MsgStatus
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
