// Package openai provides a TTS provider for OpenAI-compatible speech
// endpoints (POST {base}/audio/speech). It covers both the hosted OpenAI API
// and a local Chatterbox server, which speaks the same protocol but returns
// WAV and exposes GET /health.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

const (
	// DefaultModel is the speech model used when none is configured.
	DefaultModel = "tts-1"

	// DefaultVoice is the OpenAI voice used when none is configured.
	DefaultVoice = "alloy"

	// ChunkSize is the maximum size of one yielded audio chunk.
	ChunkSize = 16 * 1024

	defaultTimeout = 60 * time.Second
)

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Pinger   = (*Provider)(nil)
)

// Provider implements tts.Provider via the /audio/speech endpoint.
type Provider struct {
	client     oai.Client
	httpClient *http.Client
	rootURL    string
	model      string
	voice      string
	format     oai.AudioSpeechNewParamsResponseFormat
	stripWAV   bool
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	model      string
	voice      string
	format     string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL (e.g., "https://api.openai.com/v1").
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the speech model.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithVoice sets the voice name.
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithResponseFormat sets the audio container ("pcm", "wav", "mp3", ...).
// Defaults to "pcm".
func WithResponseFormat(format string) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithTimeout sets a per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. WithTimeout is ignored when set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a Provider for the hosted OpenAI speech API.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	return newProvider(apiKey, false, opts)
}

// NewChatterbox constructs a Provider for a Chatterbox server rooted at
// serverURL (e.g., "http://localhost:8880"). Responses are requested as WAV
// and the 44-byte header is dropped so only raw PCM is yielded.
func NewChatterbox(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("chatterbox: serverURL must not be empty")
	}
	root := strings.TrimRight(serverURL, "/")
	base := []Option{
		WithBaseURL(root + "/v1"),
		WithVoice("default"),
		WithResponseFormat("wav"),
	}
	return newProvider("chatterbox", true, append(base, opts...))
}

func newProvider(apiKey string, chatterbox bool, opts []Option) (*Provider, error) {
	cfg := &config{
		model:   DefaultModel,
		voice:   DefaultVoice,
		format:  "pcm",
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	p := &Provider{
		client:     oai.NewClient(reqOpts...),
		httpClient: hc,
		model:      cfg.model,
		voice:      cfg.voice,
		format:     oai.AudioSpeechNewParamsResponseFormat(cfg.format),
		stripWAV:   chatterbox && cfg.format == "wav",
	}
	if chatterbox {
		p.rootURL = strings.TrimSuffix(strings.TrimRight(cfg.baseURL, "/"), "/v1")
	}
	return p, nil
}

// Synthesize requests speech for text when ranged and yields the response
// body in chunks of at most ChunkSize bytes.
func (p *Provider) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	if strings.TrimSpace(text) == "" {
		return tts.Fail(errors.New("openai tts: text must not be empty"))
	}
	return func(yield func([]byte, error) bool) {
		resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
			Input:          text,
			Model:          oai.SpeechModel(p.model),
			Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
			ResponseFormat: p.format,
		})
		if err != nil {
			yield(nil, fmt.Errorf("openai tts: speech: %w", err))
			return
		}
		defer resp.Body.Close()

		if p.stripWAV {
			if _, err := io.CopyN(io.Discard, resp.Body, audio.WAVHeaderSize); err != nil {
				if errors.Is(err, io.EOF) {
					return // header only, no audio
				}
				yield(nil, fmt.Errorf("openai tts: read header: %w", err))
				return
			}
		}

		buf := make([]byte, ChunkSize)
		for {
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				yield(nil, fmt.Errorf("openai tts: read body: %w", err))
				return
			}
		}
	}
}

// Ping checks GET {root}/health on a Chatterbox server. Hosted providers
// have no health endpoint and always report healthy.
func (p *Provider) Ping(ctx context.Context) error {
	if p.rootURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.rootURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("chatterbox: ping: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chatterbox: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("chatterbox: ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}
