package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":7860"
	DefaultGatewayURL      = "ws://localhost:18789"
	DefaultSessionKey      = "agent:main:main"
	DefaultAssistantName   = "OpenClaw"
	DefaultAssistantEmoji  = "lobster"
	DefaultChatterboxURL   = "http://localhost:8880"
	DefaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"
	DefaultMaxAudioBytes   = 10 << 20
	DefaultMaxMediaBytes   = 25 << 20
	DefaultRateLimitMax    = 20
	DefaultHTTPProbeModel  = "openclaw:main"
)

// DefaultAllowedOrigins are the local development origins of the web client.
var DefaultAllowedOrigins = []string{
	"http://localhost:5173",
	"http://localhost:4173",
	"http://localhost:7860",
}

// DefaultMediaExtensions are the file extensions recognised as playable media
// in gateway replies.
var DefaultMediaExtensions = []string{".mp3", ".wav", ".ogg", ".opus", ".m4a"}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"groq", "openai", "whisper", "whisper-native", "deepgram"},
	"tts": {"elevenlabs", "chatterbox", "openai"},
}

// Minimum secret lengths; shorter values are almost always placeholders.
const (
	minGatewayTokenLen = 10
	minGroqKeyLen      = 20
)

// LookupEnv matches the signature of [os.LookupEnv].
type LookupEnv func(key string) (string, bool)

// LoadOption configures [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	env LookupEnv
}

// WithEnv applies environment overrides read through lookup.
func WithEnv(lookup LookupEnv) LoadOption {
	return func(o *loadOptions) { o.env = lookup }
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and validates the result. An empty path loads a
// configuration built from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""), WithEnv(os.LookupEnv))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, WithEnv(os.LookupEnv))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies overrides and defaults
// and validates the result. Without [WithEnv] the environment is ignored,
// which keeps tests hermetic.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if o.env != nil {
		if err := ApplyEnv(cfg, o.env); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the supported environment variables onto cfg.
func ApplyEnv(cfg *Config, lookup LookupEnv) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("OC_AUTH_TOKEN", &cfg.Auth.Token)
	str("GATEWAY_URL", &cfg.Gateway.URL)
	str("GATEWAY_TOKEN", &cfg.Gateway.Token)
	str("SESSION_KEY", &cfg.Gateway.SessionKey)
	str("ASSISTANT_NAME", &cfg.Branding.Name)
	str("ASSISTANT_EMOJI", &cfg.Branding.Emoji)
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 || n > 65535 {
			errs = append(errs, fmt.Errorf("PORT %q is not a valid port", v))
		} else {
			cfg.Server.ListenAddr = ":" + v
		}
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("RATE_LIMIT_MAX"); ok && v != "" {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX %q must be a positive integer", v))
		} else {
			cfg.Relay.RateLimit.Max = n
		}
	}
	if v, ok := lookup("RATE_LIMIT_WINDOW"); ok && v != "" {
		if d, err := parseSecondsOrDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW %q: %w", v, err))
		} else {
			cfg.Relay.RateLimit.Window = d
		}
	}

	if v, ok := lookup("GROQ_API_KEY"); ok && v != "" {
		e := upsertProvider(&cfg.Providers.STT, "groq", false)
		e.APIKey = v
	}
	if v, ok := lookup("ELEVENLABS_API_KEY"); ok && v != "" {
		e := upsertProvider(&cfg.Providers.TTS, "elevenlabs", false)
		e.APIKey = v
	}
	if v, ok := lookup("ELEVENLABS_VOICE_ID"); ok && v != "" {
		e := upsertProvider(&cfg.Providers.TTS, "elevenlabs", false)
		e.Voice = v
	}
	if v, ok := lookup("CHATTERBOX_URL"); ok && v != "" {
		// A local Chatterbox is preferred over hosted synthesis.
		e := upsertProvider(&cfg.Providers.TTS, "chatterbox", true)
		e.BaseURL = v
	}
	if v, ok := lookup("CHATTERBOX_VOICE"); ok && v != "" {
		if i := slices.IndexFunc(cfg.Providers.TTS, func(e ProviderEntry) bool { return e.Name == "chatterbox" }); i >= 0 {
			cfg.Providers.TTS[i].Voice = v
		}
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = slices.Clone(DefaultAllowedOrigins)
	}

	g := &cfg.Gateway
	setDefault(&g.URL, DefaultGatewayURL)
	setDefault(&g.SessionKey, DefaultSessionKey)
	setDefault(&g.ClientID, "gateway-client")
	setDefault(&g.ClientName, "Voice Relay")
	setDefault(&g.ClientMode, "backend")
	setDefault(&g.ReconnectDelay, 5*time.Second)
	setDefault(&g.HandshakeTimeout, 15*time.Second)
	setDefault(&g.ChallengeTimeout, time.Second)
	setDefault(&g.TurnTimeout, 5*time.Minute)
	setDefault(&g.MaxMediaBytes, DefaultMaxMediaBytes)
	setDefault(&g.HTTPProbeModel, DefaultHTTPProbeModel)
	if len(g.MediaExtensions) == 0 {
		g.MediaExtensions = slices.Clone(DefaultMediaExtensions)
	}

	r := &cfg.Relay
	setDefault(&r.AuthTimeout, 10*time.Second)
	setDefault(&r.KeepaliveInterval, 15*time.Second)
	setDefault(&r.MaxAudioBytes, DefaultMaxAudioBytes)
	setDefault(&r.RateLimit.Max, DefaultRateLimitMax)
	setDefault(&r.RateLimit.Window, time.Minute)

	b := &cfg.Providers.CircuitBreaker
	setDefault(&b.MaxFailures, 3)
	setDefault(&b.ResetTimeout, 30*time.Second)
	setDefault(&b.HalfOpenMax, 1)

	for i := range cfg.Providers.TTS {
		e := &cfg.Providers.TTS[i]
		switch e.Name {
		case "chatterbox":
			setDefault(&e.BaseURL, DefaultChatterboxURL)
			setDefault(&e.Voice, "default")
		case "elevenlabs":
			setDefault(&e.Voice, DefaultElevenLabsVoice)
		}
	}

	setDefault(&cfg.Branding.Name, DefaultAssistantName)
	setDefault(&cfg.Branding.Emoji, DefaultAssistantEmoji)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Unresolved secret references ("ssm:...") count as present but skip the
// length checks; validate again after [ResolveSecrets].
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if (cfg.Server.TLS != nil) && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Auth.Token == "" {
		errs = append(errs, errors.New("auth.token is required (set OC_AUTH_TOKEN)"))
	}

	if cfg.Gateway.Token == "" {
		errs = append(errs, errors.New("gateway.token is required (set GATEWAY_TOKEN)"))
	} else if !IsSecretRef(cfg.Gateway.Token) && len(cfg.Gateway.Token) < minGatewayTokenLen {
		errs = append(errs, fmt.Errorf("gateway.token is too short (minimum %d characters)", minGatewayTokenLen))
	}
	if _, err := WebSocketURL(cfg.Gateway.URL); err != nil {
		errs = append(errs, fmt.Errorf("gateway.url: %w", err))
	}
	if cfg.Gateway.SessionKey == "" {
		errs = append(errs, errors.New("gateway.session_key must not be empty"))
	}

	if cfg.Relay.RateLimit.Max < 0 {
		errs = append(errs, errors.New("relay.rate_limit.max must not be negative"))
	}
	if cfg.Relay.RateLimit.Window < 0 {
		errs = append(errs, errors.New("relay.rate_limit.window must not be negative"))
	}
	if cfg.Relay.MaxAudioBytes < 0 {
		errs = append(errs, errors.New("relay.max_audio_bytes must not be negative"))
	}

	if len(cfg.Providers.STT) == 0 {
		errs = append(errs, errors.New("providers.stt: at least one provider is required (set GROQ_API_KEY)"))
	}
	for i, e := range cfg.Providers.STT {
		prefix := fmt.Sprintf("providers.stt[%d]", i)
		errs = append(errs, validateEntry(prefix, e)...)
		validateProviderName("stt", e.Name)
		if e.Name == "groq" && e.APIKey != "" && !IsSecretRef(e.APIKey) && len(e.APIKey) < minGroqKeyLen {
			errs = append(errs, fmt.Errorf("%s.api_key is too short (minimum %d characters)", prefix, minGroqKeyLen))
		}
	}

	if len(cfg.Providers.TTS) == 0 {
		errs = append(errs, errors.New("providers.tts: at least one provider is required (set CHATTERBOX_URL or ELEVENLABS_API_KEY)"))
	}
	for i, e := range cfg.Providers.TTS {
		prefix := fmt.Sprintf("providers.tts[%d]", i)
		errs = append(errs, validateEntry(prefix, e)...)
		validateProviderName("tts", e.Name)
	}

	for _, o := range cfg.Server.AllowedOrigins {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.allowed_origins: %q is not an origin", o))
		}
	}

	return errors.Join(errs...)
}

// validateEntry checks fields common to every provider entry.
func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
	}
	switch e.Name {
	case "groq", "openai", "deepgram", "elevenlabs":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for %s", prefix, e.Name))
		}
	case "whisper", "chatterbox":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for %s", prefix, e.Name))
		}
	case "whisper-native":
		if e.OptionString("model_path") == "" {
			errs = append(errs, fmt.Errorf("%s.options.model_path is required for whisper-native", prefix))
		}
	}
	return errs
}

// WebSocketURL normalises a gateway address to a ws:// or wss:// URL.
func WebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return u.String(), nil
}

// HTTPURL returns the http:// or https:// form of a gateway address.
func HTTPURL(raw string) (string, error) {
	ws, err := WebSocketURL(raw)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(ws)
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	return u.String(), nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}

// upsertProvider returns the entry called name, creating it at the front or
// back of list when missing.
func upsertProvider(list *[]ProviderEntry, name string, front bool) *ProviderEntry {
	if i := slices.IndexFunc(*list, func(e ProviderEntry) bool { return e.Name == name }); i >= 0 {
		return &(*list)[i]
	}
	if front {
		*list = slices.Insert(*list, 0, ProviderEntry{Name: name})
		return &(*list)[0]
	}
	*list = append(*list, ProviderEntry{Name: name})
	return &(*list)[len(*list)-1]
}

func setDefault[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSecondsOrDuration accepts "90s"-style durations or bare seconds.
func parseSecondsOrDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, errors.New("must be positive")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}
