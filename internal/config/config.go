// Package config provides the configuration schema, loader, secret resolution
// and provider registry for the voice relay.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Relay     RelayConfig     `yaml:"relay"`
	Providers ProvidersConfig `yaml:"providers"`
	Branding  BrandingConfig  `yaml:"branding"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":7860").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins is the CORS and WebSocket origin allow-list. Entries are
	// full origins ("http://localhost:5173") or "*". Hot-reloadable.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the shared secret clients present in their first frame.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// GatewayConfig describes the upstream conversational gateway.
type GatewayConfig struct {
	// URL is the gateway WebSocket address. http(s) schemes are rewritten to
	// ws(s).
	URL string `yaml:"url"`

	// Token authenticates the proxy in the connect handshake.
	Token string `yaml:"token"`

	// SessionKey is the conversation thread all turns are sent to.
	SessionKey string `yaml:"session_key"`

	// ClientID, ClientName and ClientMode are announced in the handshake.
	ClientID   string `yaml:"client_id"`
	ClientName string `yaml:"client_name"`
	ClientMode string `yaml:"client_mode"`

	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ChallengeTimeout  time.Duration `yaml:"challenge_timeout"`
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
	MediaExtensions   []string      `yaml:"media_extensions"`
	MaxMediaBytes     int64         `yaml:"max_media_bytes"`
	HTTPProbeModel    string        `yaml:"http_probe_model"`
	HTTPProbeEndpoint string        `yaml:"http_probe_endpoint"`
}

// RelayConfig tunes the per-connection session manager.
type RelayConfig struct {
	AuthTimeout       time.Duration   `yaml:"auth_timeout"`
	KeepaliveInterval time.Duration   `yaml:"keepalive_interval"`
	MaxAudioBytes     int             `yaml:"max_audio_bytes"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a fixed-window limit on audio turns per connection.
// Hot-reloadable; applies to windows opened after the change.
type RateLimitConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// ProvidersConfig selects the speech providers. The first entry of each list
// is the primary; later entries are fallbacks used once the primary's circuit
// breaker opens.
type ProvidersConfig struct {
	STT            []ProviderEntry `yaml:"stt"`
	TTS            []ProviderEntry `yaml:"tts"`
	CircuitBreaker BreakerConfig   `yaml:"circuit_breaker"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "groq", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice selects the synthesis voice (TTS only).
	Voice string `yaml:"voice"`

	// Language is a recognition language hint (STT only).
	Language string `yaml:"language"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] as a string, or "" when absent.
func (e ProviderEntry) OptionString(key string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return ""
}

// BrandingConfig is served at /branding. Hot-reloadable.
type BrandingConfig struct {
	Name  string `yaml:"name"`
	Emoji string `yaml:"emoji"`
}

// SecretsConfig configures resolution of "ssm:" secret references.
type SecretsConfig struct {
	// AWSRegion overrides the region from the default AWS config chain.
	AWSRegion string `yaml:"aws_region"`
}
