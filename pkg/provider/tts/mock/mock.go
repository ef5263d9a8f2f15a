// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which texts were passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
//	for chunk, err := range p.Synthesize(ctx, "hello") { ... }
package mock

import (
	"context"
	"iter"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of audio byte slices yielded by Synthesize.
	Chunks [][]byte

	// Err, if non-nil, is yielded after FailAfter chunks have been produced.
	Err error

	// FailAfter is the number of chunks yielded before Err. Zero means Err
	// is yielded first.
	FailAfter int

	// PingErr is returned by Ping.
	PingErr error

	// --- Call records ---

	// Texts records the text of every Synthesize call in order.
	Texts []string

	// Pings counts Ping calls.
	Pings int
}

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Pinger   = (*Provider)(nil)
)

// Synthesize records text and returns a sequence over the configured chunks.
// The call is recorded immediately; chunks are produced only when ranged.
func (p *Provider) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	p.mu.Lock()
	p.Texts = append(p.Texts, text)
	chunks := p.Chunks
	failErr := p.Err
	failAfter := p.FailAfter
	p.mu.Unlock()

	return func(yield func([]byte, error) bool) {
		for i, c := range chunks {
			if failErr != nil && i == failAfter {
				yield(nil, failErr)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if failErr != nil && failAfter >= len(chunks) {
			yield(nil, failErr)
		}
	}
}

// Ping returns PingErr.
func (p *Provider) Ping(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Pings++
	return p.PingErr
}

// Calls returns a copy of the recorded texts.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Texts...)
}
