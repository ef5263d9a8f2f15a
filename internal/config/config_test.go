package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicerelay/pkg/provider/stt/mock"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicerelay/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  allowed_origins:
    - https://voice.example.com

auth:
  token: client-secret

gateway:
  url: https://gw.example.com
  token: gateway-token-xyz
  session_key: agent:main:kitchen

relay:
  rate_limit:
    max: 5
    window: 30s

providers:
  stt:
    - name: groq
      api_key: gsk_0123456789abcdefghij
    - name: whisper
      base_url: http://whisper.local:8080
  tts:
    - name: chatterbox
      base_url: http://tts.local:8880
      voice: narrator
    - name: elevenlabs
      api_key: el-test
  circuit_breaker:
    max_failures: 4

branding:
  name: Jarvis
  emoji: robot
`

// envMap returns a LookupEnv backed by m.
func envMap(m map[string]string) config.LookupEnv {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func mustLoad(t *testing.T, yaml string, opts ...config.LoadOption) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml), opts...)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Gateway.SessionKey != "agent:main:kitchen" {
		t.Errorf("session_key = %q", cfg.Gateway.SessionKey)
	}
	if cfg.Relay.RateLimit.Max != 5 || cfg.Relay.RateLimit.Window != 30*time.Second {
		t.Errorf("rate_limit = %+v", cfg.Relay.RateLimit)
	}
	if len(cfg.Providers.STT) != 2 || cfg.Providers.STT[0].Name != "groq" {
		t.Errorf("stt providers = %+v", cfg.Providers.STT)
	}
	if got := cfg.Providers.TTS[0]; got.Name != "chatterbox" || got.Voice != "narrator" {
		t.Errorf("tts[0] = %+v", got)
	}
	if cfg.Providers.CircuitBreaker.MaxFailures != 4 {
		t.Errorf("max_failures = %d", cfg.Providers.CircuitBreaker.MaxFailures)
	}
	if cfg.Branding.Name != "Jarvis" || cfg.Branding.Emoji != "robot" {
		t.Errorf("branding = %+v", cfg.Branding)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, `
auth: {token: secret}
gateway: {token: gateway-token-xyz}
providers:
  stt: [{name: groq, api_key: gsk_0123456789abcdefghij}]
  tts: [{name: chatterbox}]
`)

	checks := []struct {
		name      string
		got, want any
	}{
		{"listen addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log level", cfg.Server.LogLevel, config.LogInfo},
		{"gateway url", cfg.Gateway.URL, config.DefaultGatewayURL},
		{"session key", cfg.Gateway.SessionKey, config.DefaultSessionKey},
		{"client id", cfg.Gateway.ClientID, "gateway-client"},
		{"reconnect", cfg.Gateway.ReconnectDelay, 5 * time.Second},
		{"challenge", cfg.Gateway.ChallengeTimeout, time.Second},
		{"handshake", cfg.Gateway.HandshakeTimeout, 15 * time.Second},
		{"turn timeout", cfg.Gateway.TurnTimeout, 5 * time.Minute},
		{"auth timeout", cfg.Relay.AuthTimeout, 10 * time.Second},
		{"keepalive", cfg.Relay.KeepaliveInterval, 15 * time.Second},
		{"max audio", cfg.Relay.MaxAudioBytes, config.DefaultMaxAudioBytes},
		{"rate max", cfg.Relay.RateLimit.Max, config.DefaultRateLimitMax},
		{"rate window", cfg.Relay.RateLimit.Window, time.Minute},
		{"chatterbox url", cfg.Providers.TTS[0].BaseURL, config.DefaultChatterboxURL},
		{"chatterbox voice", cfg.Providers.TTS[0].Voice, "default"},
		{"branding name", cfg.Branding.Name, config.DefaultAssistantName},
		{"media exts", len(cfg.Gateway.MediaExtensions), len(config.DefaultMediaExtensions)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("bogus: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/definitely/not/here.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── environment overrides ─────────────────────────────────────────────────────

func TestApplyEnv_BuildsProvidersFromEnv(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "", config.WithEnv(envMap(map[string]string{
		"OC_AUTH_TOKEN":       "client-secret",
		"GATEWAY_URL":         "http://10.0.0.5:18789",
		"GATEWAY_TOKEN":       "gateway-token-xyz",
		"GROQ_API_KEY":        "gsk_0123456789abcdefghij",
		"ELEVENLABS_API_KEY":  "el-key",
		"ELEVENLABS_VOICE_ID": "voice-1",
		"CHATTERBOX_URL":      "http://tts:8880",
		"CHATTERBOX_VOICE":    "warm",
		"PORT":                "9000",
		"ALLOWED_ORIGINS":     "https://a.example, https://b.example ,",
		"RATE_LIMIT_MAX":      "7",
		"RATE_LIMIT_WINDOW":   "120",
		"ASSISTANT_NAME":      "Friday",
		"LOG_LEVEL":           "WARN",
	})))

	if cfg.Auth.Token != "client-secret" {
		t.Errorf("auth token = %q", cfg.Auth.Token)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
	if got := cfg.Server.AllowedOrigins; len(got) != 2 || got[1] != "https://b.example" {
		t.Errorf("origins = %v", got)
	}
	if cfg.Relay.RateLimit.Max != 7 || cfg.Relay.RateLimit.Window != 2*time.Minute {
		t.Errorf("rate limit = %+v", cfg.Relay.RateLimit)
	}
	if len(cfg.Providers.STT) != 1 || cfg.Providers.STT[0].Name != "groq" {
		t.Fatalf("stt = %+v", cfg.Providers.STT)
	}
	if len(cfg.Providers.TTS) != 2 {
		t.Fatalf("tts = %+v", cfg.Providers.TTS)
	}
	if p := cfg.Providers.TTS[0]; p.Name != "chatterbox" || p.BaseURL != "http://tts:8880" || p.Voice != "warm" {
		t.Errorf("tts[0] = %+v, want chatterbox primary", p)
	}
	if p := cfg.Providers.TTS[1]; p.Name != "elevenlabs" || p.APIKey != "el-key" || p.Voice != "voice-1" {
		t.Errorf("tts[1] = %+v, want elevenlabs fallback", p)
	}
	if cfg.Branding.Name != "Friday" {
		t.Errorf("branding name = %q", cfg.Branding.Name)
	}
}

func TestApplyEnv_OverridesFileEntry(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML, config.WithEnv(envMap(map[string]string{
		"GROQ_API_KEY": "gsk_override_0123456789",
	})))
	if len(cfg.Providers.STT) != 2 {
		t.Fatalf("expected env to update, not duplicate, the groq entry: %+v", cfg.Providers.STT)
	}
	if cfg.Providers.STT[0].APIKey != "gsk_override_0123456789" {
		t.Errorf("api key = %q", cfg.Providers.STT[0].APIKey)
	}
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		key, value string
	}{
		{"PORT", "http"},
		{"PORT", "70000"},
		{"RATE_LIMIT_MAX", "-1"},
		{"RATE_LIMIT_WINDOW", "soon"},
		{"RATE_LIMIT_WINDOW", "0"},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			err := config.ApplyEnv(cfg, envMap(map[string]string{tc.key: tc.value}))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Errorf("error should name %s: %v", tc.key, err)
			}
		})
	}
}

// ── gateway URL helpers ───────────────────────────────────────────────────────

func TestWebSocketURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://localhost:18789", want: "ws://localhost:18789"},
		{in: "https://gw.example.com/path", want: "wss://gw.example.com/path"},
		{in: "ws://gw:1", want: "ws://gw:1"},
		{in: "wss://gw", want: "wss://gw"},
		{in: "ftp://gw", wantErr: true},
		{in: "http://", wantErr: true},
	}
	for _, tc := range tests {
		got, err := config.WebSocketURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("WebSocketURL(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("WebSocketURL(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestHTTPURL(t *testing.T) {
	t.Parallel()
	if got, _ := config.HTTPURL("wss://gw.example.com"); got != "https://gw.example.com" {
		t.Errorf("HTTPURL(wss) = %q", got)
	}
	if got, _ := config.HTTPURL("ws://localhost:18789"); got != "http://localhost:18789" {
		t.Errorf("HTTPURL(ws) = %q", got)
	}
}

// ── registry ──────────────────────────────────────────────────────────────────

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterSTT("mock", func(e config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	reg.RegisterTTS("mock", func(e config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if got := reg.Names("stt"); len(got) != 1 || got[0] != "mock" {
		t.Errorf("Names(stt) = %v", got)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT err = %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateTTS(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterSTT("bad", func(config.ProviderEntry) (stt.Provider, error) { return nil, boom })
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "bad"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
