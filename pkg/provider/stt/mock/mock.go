// Package mock provides a test double for [stt.Provider].
//
// Results are consumed in order; once exhausted, the last entry repeats.
//
//	p := &mock.Provider{Results: []mock.Result{{Text: "hello"}}}
//	text, err := p.Transcribe(ctx, audio)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/provider/stt"
)

// Result is one scripted response of [Provider.Transcribe].
type Result struct {
	Text string
	Err  error
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned in order by successive Transcribe calls.
	Results []Result

	// Block, if non-nil, is waited on before Transcribe returns. Closing it
	// releases every pending call.
	Block chan struct{}

	// Calls records a copy of the audio passed to every Transcribe call.
	Calls [][]byte
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, audio []byte) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, append([]byte(nil), audio...))
	idx := len(p.Calls) - 1
	var res Result
	if n := len(p.Results); n > 0 {
		res = p.Results[min(idx, n-1)]
	}
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return res.Text, res.Err
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
