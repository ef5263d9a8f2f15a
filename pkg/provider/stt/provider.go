// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider receives one complete utterance (an encoded audio file, usually
// WAV as produced by the browser's speech detector) and returns its text.
// Providers never retry internally: a failed call is reported to the caller,
// who decides how the turn ends.
//
// Implementations must be safe for concurrent use; every client connection
// shares the same provider instance.
package stt

import (
	"context"
	"net/http"
	"strings"
)

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one utterance into text. An empty string with a nil
	// error means the provider heard nothing intelligible.
	//
	// Returns an error if the provider cannot be reached, rejects the audio,
	// or ctx is cancelled.
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// FileInfo sniffs the container of an encoded utterance and returns a file
// name and MIME type suitable for a multipart upload. Unknown data is
// labelled as WAV, which is what browser clients send.
func FileInfo(audio []byte) (name, contentType string) {
	ct := http.DetectContentType(audio)
	switch {
	case strings.HasPrefix(ct, "audio/wave"):
		return "audio.wav", "audio/wav"
	case strings.HasPrefix(ct, "audio/mpeg"):
		return "audio.mp3", "audio/mpeg"
	case strings.HasPrefix(ct, "application/ogg"):
		return "audio.ogg", "audio/ogg"
	case strings.HasPrefix(ct, "video/webm"):
		return "audio.webm", "audio/webm"
	default:
		return "audio.wav", "audio/wav"
	}
}
