package resilience

import (
	"context"
	"iter"
	"log/slog"

	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] over several TTS backends, each with
// its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the provider names in call order.
func (f *TTSFallback) Names() []string { return f.group.Names() }

// DemoteUnhealthy pings every provider that implements [tts.Pinger] and moves
// the ones that fail behind the rest. It returns the demoted names. When
// every provider fails, the order is left unchanged.
func (f *TTSFallback) DemoteUnhealthy(ctx context.Context) []string {
	var unhealthy []string
	f.group.Each(func(name string, p tts.Provider) bool {
		pinger, ok := p.(tts.Pinger)
		if !ok {
			return true
		}
		if err := pinger.Ping(ctx); err != nil {
			slog.Warn("tts provider failed health check, demoting", "provider", name, "err", err)
			unhealthy = append(unhealthy, name)
		}
		return true
	})
	if len(unhealthy) == len(f.group.Names()) {
		return nil
	}
	for _, name := range unhealthy {
		f.group.Demote(name)
	}
	return unhealthy
}

// Synthesize picks a provider when the sequence is ranged and forwards its
// chunks. The first error ends the sequence and counts against the chosen
// provider; stopping early counts as success.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		err := f.group.Execute(ctx, func(p tts.Provider) error {
			for chunk, err := range p.Synthesize(ctx, text) {
				if err != nil {
					return err
				}
				if !yield(chunk, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
		}
	}
}
