package config

import (
	"fmt"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; everything else only
// raises RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RateLimitChanged bool
	NewRateLimit     RateLimitConfig

	OriginsChanged bool
	NewOrigins     []string

	BrandingChanged bool
	NewBranding     BrandingConfig

	// RestartRequired lists the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// HasChanges reports whether any hot-reloadable field changed.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.RateLimitChanged || d.OriginsChanged || d.BrandingChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Relay.RateLimit != new.Relay.RateLimit {
		d.RateLimitChanged = true
		d.NewRateLimit = new.Relay.RateLimit
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.OriginsChanged = true
		d.NewOrigins = slices.Clone(new.Server.AllowedOrigins)
	}
	if old.Branding != new.Branding {
		d.BrandingChanged = true
		d.NewBranding = new.Branding
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Auth != new.Auth {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	if !sameGateway(old.Gateway, new.Gateway) {
		d.RestartRequired = append(d.RestartRequired, "gateway")
	}
	if old.Relay.AuthTimeout != new.Relay.AuthTimeout ||
		old.Relay.KeepaliveInterval != new.Relay.KeepaliveInterval ||
		old.Relay.MaxAudioBytes != new.Relay.MaxAudioBytes {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameGateway(a, b GatewayConfig) bool {
	if !slices.Equal(a.MediaExtensions, b.MediaExtensions) {
		return false
	}
	a.MediaExtensions, b.MediaExtensions = nil, nil
	return reflect.DeepEqual(a, b)
}

func sameProviders(a, b ProvidersConfig) bool {
	if a.CircuitBreaker != b.CircuitBreaker {
		return false
	}
	eq := func(x, y ProviderEntry) bool {
		return x.Name == y.Name && x.APIKey == y.APIKey && x.BaseURL == y.BaseURL &&
			x.Model == y.Model && x.Voice == y.Voice && x.Language == y.Language &&
			fmt.Sprint(x.Options) == fmt.Sprint(y.Options)
	}
	return slices.EqualFunc(a.STT, b.STT, eq) && slices.EqualFunc(a.TTS, b.TTS, eq)
}
