package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// SessionKeyHeader carries the session key on the gateway's HTTP API.
const SessionKeyHeader = "x-openclaw-session-key"

// Probe defaults.
const (
	DefaultProbeModel  = "openclaw:main"
	DefaultProbePrompt = "Say 'test successful' and nothing else."
)

// ProbeConfig configures [ProbeHTTP].
type ProbeConfig struct {
	// BaseURL is the gateway HTTP origin, e.g. http://localhost:18789.
	BaseURL string
	Token   string

	SessionKey string
	Model      string
	Prompt     string

	// Timeout bounds the request. Defaults to 60s.
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// ProbeHTTP sends one chat completion through the gateway's
// OpenAI-compatible endpoint and returns the reply text. It checks that the
// gateway is reachable and accepts the token without opening a WebSocket.
func ProbeHTTP(ctx context.Context, cfg ProbeConfig) (string, error) {
	if cfg.BaseURL == "" {
		return "", errors.New("gateway: probe: base url must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultProbeModel
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultProbePrompt
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.Token),
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/v1/"),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	}
	if cfg.SessionKey != "" {
		reqOpts = append(reqOpts, option.WithHeader(SessionKeyHeader, cfg.SessionKey))
	}
	client := oai.NewClient(reqOpts...)

	resp, err := client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(cfg.Model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(cfg.Prompt)},
	})
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("gateway: probe: chat completions endpoint not found, enable gateway.http.endpoints.chatCompletions: %w", err)
		}
		return "", fmt.Errorf("gateway: probe: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("gateway: probe: response has no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
