package app_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/relay"
	sttmock "github.com/MrWong99/voicerelay/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voicerelay/pkg/provider/tts/mock"
)

const testToken = "client-secret"

// fakeGateway answers connect and replies to every chat.send with a final
// chat event carrying reply.
func fakeGateway(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	upgrader := gorilla.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var req struct {
				ID     string `json:"id"`
				Method string `json:"method"`
				Params struct {
					SessionKey string `json:"sessionKey"`
				} `json:"params"`
			}
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "connect":
				_ = ws.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{}})
			case "chat.send":
				_ = ws.WriteJSON(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": map[string]any{"runId": "run-1"}})
				_ = ws.WriteJSON(map[string]any{
					"type": "event", "event": "chat",
					"payload": map[string]any{
						"sessionKey": req.Params.SessionKey,
						"runId":      "run-1",
						"state":      "final",
						"message": map[string]any{
							"role":    "assistant",
							"content": []map[string]any{{"type": "text", "text": reply}},
						},
					},
				})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(gatewayURL string) *config.Config {
	cfg := &config.Config{
		Auth:    config.AuthConfig{Token: testToken},
		Gateway: config.GatewayConfig{URL: gatewayURL, Token: "gateway-token-123", ReconnectDelay: 20 * time.Millisecond},
		Server:  config.ServerConfig{AllowedOrigins: []string{"http://localhost:5173"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		STT:     &sttmock.Provider{Results: []sttmock.Result{{Text: "What's the weather?"}}},
		TTS:     &ttsmock.Provider{Chunks: [][]byte{[]byte("pcm")}},
		STTName: "mock",
		TTSName: "mock",
	}
}

// testMetrics returns metrics exported through a private Prometheus registry.
func testMetrics(t *testing.T) (*observe.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		t.Fatalf("prometheus exporter: %v", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reg
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	m, reg := testMetrics(t)
	opts = append([]app.Option{app.WithMetrics(m), app.WithGatherer(reg)}, opts...)
	a, err := app.New(cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// serve runs a on a loopback listener until the test ends.
func serve(t *testing.T, a *app.App) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := app.New(testConfig("ws://127.0.0.1:1"), &app.Providers{}); err == nil {
		t.Error("expected error without providers")
	}
}

func TestBranding(t *testing.T) {
	t.Parallel()
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Branding = config.BrandingConfig{Name: "Jarvis", Emoji: "robot"}
	a := newApp(t, cfg)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/branding", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]string{"name": "Jarvis", "emoji": "robot", "description": "Hands-free voice interface for Jarvis"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	old := testConfig("ws://127.0.0.1:1")
	lv := new(slog.LevelVar)
	a := newApp(t, old, app.WithLevelVar(lv))

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Server.AllowedOrigins = []string{"https://voice.example.com"}
	updated.Branding = config.BrandingConfig{Name: "Friday", Emoji: "sparkles"}
	updated.Relay.RateLimit = config.RateLimitConfig{Max: 5, Window: time.Minute}
	a.ApplyConfig(old, &updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/branding", nil))
	if !strings.Contains(rec.Body.String(), `"name":"Friday"`) {
		t.Errorf("branding not reloaded: %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://voice.example.com")
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://voice.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q after reload", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("removed origin still allowed: %q", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHealthWithoutGateway(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig("ws://127.0.0.1:1"))
	base := serve(t, a)

	var body struct {
		Status  string `json:"status"`
		Gateway string `json:"gateway"`
	}
	if code := getJSON(t, base+"/health", &body); code != http.StatusOK {
		t.Errorf("/health status = %d", code)
	}
	if body.Status != "ok" || body.Gateway != "disconnected" {
		t.Errorf("/health = %+v", body)
	}
	if code := getJSON(t, base+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503 while the gateway is down", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig("ws://127.0.0.1:1"))

	a.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "voicerelay_http_request_duration") {
		t.Errorf("/metrics missing the http request histogram:\n%s", body)
	}
}

func TestEndToEndTurn(t *testing.T) {
	t.Parallel()
	gw := fakeGateway(t, "**Sunny** and warm")
	a := newApp(t, testConfig(gw.URL))
	base := serve(t, a)

	waitFor(t, func() bool {
		var body struct {
			Gateway string `json:"gateway"`
		}
		getJSON(t, base+"/health", &body)
		return body.Gateway == "connected"
	}, "gateway connection")
	if code := getJSON(t, base+"/readyz", nil); code != http.StatusOK {
		t.Errorf("/readyz = %d once connected", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer conn.CloseNow()

	write := func(v any) {
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	read := func() relay.Outbound {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var out relay.Outbound
		_ = json.Unmarshal(data, &out)
		return out
	}

	write(map[string]any{"type": "auth", "token": testToken})
	if got := read(); got.Type != relay.MsgAuthOK {
		t.Fatalf("auth reply = %+v", got)
	}
	write(map[string]any{"type": "audio", "data": base64.StdEncoding.EncodeToString([]byte("RIFF fake wav"))})

	var types []string
	var transcriptText, responseText string
	for {
		f := read()
		if f.Type == relay.MsgStatus {
			continue
		}
		types = append(types, f.Type)
		switch f.Type {
		case relay.MsgTranscript:
			transcriptText = f.Text
		case relay.MsgResponse:
			responseText = f.Text
		}
		if f.Type == relay.MsgAudioEnd {
			break
		}
	}
	want := []string{"transcript", "response", "audio", "audio_end"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("frames = %v, want %v", types, want)
	}
	if transcriptText != "What's the weather?" || responseText != "**Sunny** and warm" {
		t.Errorf("transcript %q, response %q", transcriptText, responseText)
	}
}
