// Package gateway connects the relay to the upstream conversational gateway.
//
// A single [Client] owns the upstream WebSocket: it performs the
// challenge/connect handshake, tracks request ids and reconnects after a
// fixed delay. A [Multiplexer] sits on top of it and routes the streamed
// chat events of one shared socket back to the client connection that
// asked, correlating by run id where the gateway provides one and by FIFO
// order per session key otherwise.
package gateway

import (
	"encoding/json"
	"strings"
)

// Frame kinds on the gateway socket.
const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
	frameEventAlt = "evt"
)

// Event names dispatched by the gateway.
const (
	EventChallenge = "connect.challenge"
	EventTick      = "tick"
	EventAgent     = "agent"
	EventChat      = "chat"
)

// Chat states that end a run.
const (
	ChatStateFinal   = "final"
	ChatStateError   = "error"
	ChatStateAborted = "aborted"
)

// protocolVersion is the only handshake protocol version spoken.
const protocolVersion = 3

// request is an outbound req frame.
type request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// frame is any inbound frame. Only the fields of its kind are set.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// Event is an upstream event handed to the [EventHandler].
type Event struct {
	Name    string
	Payload json.RawMessage
}

type connectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      clientInfo `json:"client"`
	Auth        authInfo   `json:"auth"`
	Nonce       string     `json:"nonce,omitempty"`
}

type clientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

type authInfo struct {
	Token string `json:"token"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
}

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type chatSendAck struct {
	RunID string `json:"runId"`
}

type agentPayload struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	Stream     string `json:"stream"`
	Data       struct {
		Text      string   `json:"text"`
		MediaURLs []string `json:"mediaUrls"`
	} `json:"data"`
}

type chatPayload struct {
	SessionKey   string       `json:"sessionKey"`
	RunID        string       `json:"runId"`
	State        string       `json:"state"`
	Message      *chatMessage `json:"message"`
	ErrorMessage string       `json:"errorMessage"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text joins the text parts of a chat message.
func (m *chatMessage) text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == "text" || p.Type == "" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// errorMessage extracts a human-readable message from a res error, which the
// gateway sends either as a string or as {"message": "..."}.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		switch {
		case obj.Message != "":
			return obj.Message
		case obj.Code != "":
			return obj.Code
		}
	}
	return string(raw)
}

// SessionKeysMatch reports whether an event's session key addresses the
// registered key. The gateway sometimes echoes keys with or without the
// "agent:main:" prefix, so both forms are accepted.
func SessionKeysMatch(eventKey, registered string) bool {
	if eventKey == "" || registered == "" {
		return false
	}
	if eventKey == registered {
		return true
	}
	return stripAgentPrefix(eventKey) == stripAgentPrefix(registered)
}

const agentPrefix = "agent:main:"

func stripAgentPrefix(k string) string {
	return strings.TrimPrefix(k, agentPrefix)
}
