// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// local Chatterbox instance) and presents one uniform pull-based interface:
// Synthesize returns a lazy sequence of audio chunks. Streaming backends yield
// each chunk as it arrives; batch backends yield their buffer in slices. The
// caller forwards chunks in the order they are yielded.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"iter"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize returns a finite sequence of audio chunks for text. No work
	// starts until the sequence is ranged over, and it can be ranged over only
	// once. A failure is reported as a final (nil, err) pair; stopping the
	// range early releases the underlying connection.
	Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error]
}

// Pinger is implemented by providers that can report their availability
// without synthesizing anything.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Fail returns a sequence that yields only err. Providers use it to report
// errors detected before any I/O happens.
func Fail(err error) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		yield(nil, err)
	}
}

// Collect drains seq and returns the concatenated audio. It stops at the
// first error.
func Collect(seq iter.Seq2[[]byte, error]) ([]byte, error) {
	var out []byte
	for chunk, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}
