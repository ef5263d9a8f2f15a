// Package relay implements the client-facing side of the voice relay: the
// WebSocket wire protocol, per-connection sessions that authenticate a
// browser and run its audio turns (transcribe, filter, ask the gateway,
// synthesize), and the error taxonomy mapped to user-safe messages.
package relay

import (
	"encoding/json"
	"strings"
)

// Client → server message types.
const (
	MsgAuth     = "auth"
	MsgAudio    = "audio"
	MsgTTSState = "tts_state"
	MsgPing     = "ping"
)

// Server → client message types.
const (
	MsgAuthOK     = "auth_ok"
	MsgTranscript = "transcript"
	MsgResponse   = "response"
	MsgAudioEnd   = "audio_end"
	MsgStatus     = "status"
	MsgError      = "error"
	MsgPong       = "pong"
)

// Status states sent while a turn progresses.
const (
	StatusThinking = "thinking"
	StatusSpeaking = "speaking"
)

// Location is an optional client position attached to an utterance.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Inbound is a decoded client frame. Only the fields of its Type are set.
type Inbound struct {
	Type     string    `json:"type"`
	Token    string    `json:"token,omitempty"`
	Data     string    `json:"data,omitempty"`
	Location *Location `json:"location,omitempty"`
	Enabled  *bool     `json:"enabled,omitempty"`
}

// Outbound is a server frame.
type Outbound struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Data    string `json:"data,omitempty"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeInbound parses one client frame. Malformed JSON or a missing type is
// a protocol error; unknown types decode fine and are handled by the caller.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, newError(KindProtocol, "decode", "invalid json frame", err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return Inbound{}, newError(KindProtocol, "decode", "missing type", nil)
	}
	return msg, nil
}

func statusFrame(state string) Outbound { return Outbound{Type: MsgStatus, State: state} }

func errorFrame(message string) Outbound { return Outbound{Type: MsgError, Message: message} }
