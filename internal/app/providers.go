package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/resilience"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	"github.com/MrWong99/voicerelay/pkg/provider/stt/deepgram"
	sttopenai "github.com/MrWong99/voicerelay/pkg/provider/stt/openai"
	"github.com/MrWong99/voicerelay/pkg/provider/stt/whisper"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
	"github.com/MrWong99/voicerelay/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/voicerelay/pkg/provider/tts/openai"
)

// healthCheckTimeout bounds the startup ping of TTS providers.
const healthCheckTimeout = 5 * time.Second

// Providers holds the speech backends shared by every client connection.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider

	// STTName and TTSName are the primary provider names, used as metric
	// labels.
	STTName string
	TTSName string

	closers []func() error
}

// Close releases providers that hold resources, such as a loaded whisper
// model.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterBuiltinProviders wires the built-in provider factories into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	// groq and openai share the OpenAI-compatible transcription API; groq is
	// the default base URL.
	for _, name := range []string{"groq", "openai"} {
		reg.RegisterSTT(name, func(entry config.ProviderEntry) (stt.Provider, error) {
			var opts []sttopenai.Option
			switch {
			case entry.BaseURL != "":
				opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
			case name == "openai":
				opts = append(opts, sttopenai.WithBaseURL("https://api.openai.com/v1"))
			}
			if entry.Language != "" {
				opts = append(opts, sttopenai.WithLanguage(entry.Language))
			}
			return sttopenai.New(entry.APIKey, entry.Model, opts...)
		})
	}

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if f := entry.OptionString("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, entry.Voice, opts...)
	})

	reg.RegisterTTS("chatterbox", func(entry config.ProviderEntry) (tts.Provider, error) {
		return ttsopenai.NewChatterbox(entry.BaseURL, speechOptions(entry)...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := speechOptions(entry)
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"stt", "tts"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func speechOptions(entry config.ProviderEntry) []ttsopenai.Option {
	var opts []ttsopenai.Option
	if entry.Model != "" {
		opts = append(opts, ttsopenai.WithModel(entry.Model))
	}
	if entry.Voice != "" {
		opts = append(opts, ttsopenai.WithVoice(entry.Voice))
	}
	if f := entry.OptionString("response_format"); f != "" {
		opts = append(opts, ttsopenai.WithResponseFormat(f))
	}
	return opts
}

// BuildProviders instantiates the STT and TTS chains named in cfg. The first
// entry of each list is the primary; the rest become fallbacks behind their
// own circuit breakers. TTS providers that fail a startup health ping are
// moved behind the healthy ones.
func BuildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*Providers, error) {
	if len(cfg.Providers.STT) == 0 || len(cfg.Providers.TTS) == 0 {
		return nil, errors.New("app: at least one stt and one tts provider are required")
	}
	ps := &Providers{}
	fb := fallbackConfig(cfg.Providers.CircuitBreaker)

	var sttGroup *resilience.STTFallback
	for i, entry := range cfg.Providers.STT {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("app: create stt provider %q: %w", entry.Name, err)
		}
		if c, ok := p.(io.Closer); ok {
			ps.closers = append(ps.closers, c.Close)
		}
		if i == 0 {
			sttGroup = resilience.NewSTTFallback(p, entry.Name, fb)
			ps.STTName = entry.Name
		} else {
			sttGroup.AddFallback(entry.Name, p)
		}
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "model", entry.Model, "fallback", i > 0)
	}

	var ttsGroup *resilience.TTSFallback
	for i, entry := range cfg.Providers.TTS {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("app: create tts provider %q: %w", entry.Name, err)
		}
		if i == 0 {
			ttsGroup = resilience.NewTTSFallback(p, entry.Name, fb)
			ps.TTSName = entry.Name
		} else {
			ttsGroup.AddFallback(entry.Name, p)
		}
		slog.Info("provider created", "kind", "tts", "name", entry.Name, "model", entry.Model, "fallback", i > 0)
	}

	if len(cfg.Providers.TTS) > 1 {
		pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		demoted := ttsGroup.DemoteUnhealthy(pingCtx)
		cancel()
		if len(demoted) > 0 {
			slog.Warn("tts providers demoted", "demoted", demoted, "order", ttsGroup.Names())
		}
	}

	ps.STT = sttGroup
	ps.TTS = ttsGroup
	return ps, nil
}

func fallbackConfig(b config.BreakerConfig) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit breaker state changed", "provider", name, "from", from, "to", to)
			},
		},
	}
}
