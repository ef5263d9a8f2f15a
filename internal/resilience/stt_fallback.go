package resilience

import (
	"context"

	"github.com/MrWong99/voicerelay/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] over several STT backends, each with
// its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the provider names in call order.
func (f *STTFallback) Names() []string { return f.group.Names() }

// Transcribe sends audio to the first provider whose breaker is not open.
// The call is made once; its error is returned unchanged.
func (f *STTFallback) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, audio)
	})
}
