package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/gateway"
)

func newGatewayCheckCmd(configPath *string) *cobra.Command {
	var (
		useHTTP bool
		prompt  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gateway-check",
		Short: "Send one test prompt to the gateway and print the reply",
		Long: "gateway-check verifies the gateway address, token and session key. " +
			"By default it performs the WebSocket handshake and one chat turn; " +
			"with --http it calls the gateway's OpenAI-compatible chat completions endpoint instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cfg, err := loadConfig(ctx, *configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var reply string
			if useHTTP {
				base := cfg.Gateway.HTTPProbeEndpoint
				if base == "" {
					if base, err = config.HTTPURL(cfg.Gateway.URL); err != nil {
						return fmt.Errorf("gateway url: %w", err)
					}
				}
				fmt.Fprintf(out, "Testing gateway chat completions...\n  URL: %s\n  Session: %s\n", base, cfg.Gateway.SessionKey)
				reply, err = gateway.ProbeHTTP(ctx, gateway.ProbeConfig{
					BaseURL:    base,
					Token:      cfg.Gateway.Token,
					SessionKey: cfg.Gateway.SessionKey,
					Model:      cfg.Gateway.HTTPProbeModel,
					Prompt:     prompt,
				})
			} else {
				fmt.Fprintf(out, "Testing gateway WebSocket...\n  URL: %s\n  Session: %s\n", cfg.Gateway.URL, cfg.Gateway.SessionKey)
				reply, err = checkWebSocket(ctx, cfg, prompt)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  Gateway response: %s\n", reply)
			return nil
		},
	}
	cmd.Flags().BoolVar(&useHTTP, "http", false, "probe the HTTP chat completions endpoint instead of the WebSocket")
	cmd.Flags().StringVar(&prompt, "prompt", gateway.DefaultProbePrompt, "prompt to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "overall time limit")
	return cmd
}

// checkWebSocket connects to the gateway, sends one turn and returns the
// reply text.
func checkWebSocket(ctx context.Context, cfg *config.Config, prompt string) (string, error) {
	wsURL, err := config.WebSocketURL(cfg.Gateway.URL)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	client, err := gateway.NewClient(gateway.Config{
		URL:              wsURL,
		Token:            cfg.Gateway.Token,
		ClientID:         cfg.Gateway.ClientID,
		DisplayName:      cfg.Gateway.ClientName,
		ClientMode:       cfg.Gateway.ClientMode,
		Version:          version,
		ReconnectDelay:   cfg.Gateway.ReconnectDelay,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		ChallengeTimeout: cfg.Gateway.ChallengeTimeout,
	})
	if err != nil {
		return "", err
	}
	mux := gateway.NewMultiplexer(client, gateway.MultiplexerConfig{
		TurnTimeout:     cfg.Gateway.TurnTimeout,
		MediaExtensions: cfg.Gateway.MediaExtensions,
	})
	client.SetEventHandler(mux.HandleEvent)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return client.Run(gctx) })

	var resp gateway.Response
	g.Go(func() error {
		defer stop()
		var err error
		resp, err = mux.Send(gctx, "gateway-check-"+uuid.NewString(), cfg.Gateway.SessionKey, prompt)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("gateway did not answer in time: %w", err)
		}
		return "", err
	}
	reply := resp.Text
	for _, u := range resp.MediaURLs {
		reply += "\n  media: " + u
	}
	return reply, nil
}
