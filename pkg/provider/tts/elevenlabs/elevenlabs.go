// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_24000", "mp3_44100_128").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the WebSocket origin (scheme and host). Used by tests.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	baseURL      string
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey and voiceID must be non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		voiceID:      voiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio in the configured output format
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is the initial "beginning of input" message.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize opens a stream-input WebSocket when ranged, sends text followed by
// the end-of-input marker, and yields each decoded audio chunk as it arrives.
// The sequence ends on the server's isFinal message or a normal close.
func (p *Provider) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	if strings.TrimSpace(text) == "" {
		return tts.Fail(errors.New("elevenlabs: text must not be empty"))
	}
	return func(yield func([]byte, error) bool) {
		conn, _, err := websocket.Dial(ctx, p.streamURL(), nil)
		if err != nil {
			yield(nil, fmt.Errorf("elevenlabs: dial: %w", err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(4 << 20)

		msgs := []any{
			boiMessage{
				Text:          " ", // ElevenLabs requires a non-empty first text value
				VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
				XiAPIKey:      p.apiKey,
			},
			textMessage{Text: text + " ", TryTriggerGeneration: true},
			textMessage{Text: ""}, // end of input
		}
		for _, m := range msgs {
			data, _ := json.Marshal(m)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				yield(nil, fmt.Errorf("elevenlabs: send: %w", err))
				return
			}
		}

		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return
				}
				yield(nil, fmt.Errorf("elevenlabs: read: %w", err))
				return
			}
			var resp audioResponse
			if err := json.Unmarshal(msg, &resp); err != nil {
				continue
			}
			if resp.Error != "" {
				yield(nil, fmt.Errorf("elevenlabs: server error: %s", resp.Error))
				return
			}
			if resp.Audio != "" {
				chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					yield(nil, fmt.Errorf("elevenlabs: decode audio: %w", err))
					return
				}
				if !yield(chunk, nil) {
					return
				}
			}
			if resp.IsFinal {
				conn.Close(websocket.StatusNormalClosure, "done")
				return
			}
		}
	}
}

// streamURL constructs the stream-input URL for the configured voice and model.
func (p *Provider) streamURL() string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.baseURL, url.PathEscape(p.voiceID), q.Encode())
}
