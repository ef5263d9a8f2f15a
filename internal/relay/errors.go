package relay

import (
	"errors"
	"fmt"
)

// Kind classifies a turn or connection failure.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindValidation Kind = "validation"
	KindProvider   Kind = "provider"
	KindTimeout    Kind = "timeout"
	KindProtocol   Kind = "protocol"
)

// Provider stages named in Error.Op.
const (
	OpSTT     = "stt"
	OpGateway = "gateway"
	OpTTS     = "tts"
	OpMedia   = "media"
)

// Fixed user-facing messages. Raw provider errors never reach the client.
const (
	MsgAuthFailed       = "Authentication failed"
	MsgAuthTimeout      = "Authentication timeout"
	MsgNotAuthenticated = "Not authenticated"
	MsgRateLimited      = "Too many requests. Please wait a moment."
	MsgAudioTooLarge    = "Audio too large"
	MsgInvalidAudio     = "Invalid audio data"
	MsgTranscribeFailed = "Could not transcribe audio"
	MsgUnavailable      = "Service unavailable. Please try again."
	MsgInvalidMessage   = "Invalid message"
)

// Error is a classified failure. Reason is a short internal description;
// Err is the underlying cause, if any.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	op := ""
	if e.Op != "" {
		op = " " + e.Op
	}
	if e.Err == nil {
		return fmt.Sprintf("relay: %s%s (%s)", e.Kind, op, e.Reason)
	}
	return fmt.Sprintf("relay: %s%s (%s): %v", e.Kind, op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// KindOf returns the Kind of err, or "" when err is not an [*Error].
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// UserMessage maps err to the message shown to the client.
func UserMessage(err error) string {
	var re *Error
	if !errors.As(err, &re) {
		return MsgUnavailable
	}
	switch re.Kind {
	case KindAuth:
		return MsgAuthFailed
	case KindRateLimit:
		return MsgRateLimited
	case KindValidation:
		if re.Reason == MsgAudioTooLarge {
			return MsgAudioTooLarge
		}
		return MsgInvalidAudio
	case KindProvider:
		if re.Op == OpSTT {
			return MsgTranscribeFailed
		}
		return MsgUnavailable
	case KindProtocol:
		return MsgInvalidMessage
	default:
		return MsgUnavailable
	}
}
