package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/observe"
)

const (
	shutdownTimeout = 15 * time.Second
	secretsTimeout  = 30 * time.Second
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, *configPath)
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), levelVar))

	slog.Info("voicerelay starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicerelay",
		ServiceVersion: version,
		Registerer:     reg,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	providerReg := config.NewRegistry()
	app.RegisterBuiltinProviders(providerReg)

	providers, err := app.BuildProviders(ctx, cfg, providerReg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	application, err := app.New(cfg, providers,
		app.WithLevelVar(levelVar),
		app.WithGatherer(reg),
		app.WithVersion(version),
	)
	if err != nil {
		_ = providers.Close()
		return fmt.Errorf("init application: %w", err)
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, application.ApplyConfig, config.WithWatcherEnv(os.LookupEnv))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	printStartupSummary(cmd.OutOrStdout(), cfg, providers)
	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// loadConfig reads the configuration file and resolves "ssm:" secret
// references when present.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started: %w", path, err)
		}
		return nil, err
	}
	if !config.HasSecretRefs(cfg) {
		return cfg, nil
	}

	sctx, cancel := context.WithTimeout(ctx, secretsTimeout)
	defer cancel()
	resolver, err := config.NewSSMResolverFromEnv(sctx, cfg.Secrets.AWSRegion)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	if err := config.ResolveSecrets(sctx, cfg, resolver); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: after resolving secrets: %w", err)
	}
	return cfg, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, ps *app.Providers) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       voicerelay startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "STT", providerSummary(ps.STTName, len(cfg.Providers.STT)))
	printRow(w, "TTS", providerSummary(ps.TTSName, len(cfg.Providers.TTS)))
	printRow(w, "Gateway", cfg.Gateway.URL)
	printRow(w, "Session", cfg.Gateway.SessionKey)
	if cfg.Relay.RateLimit.Max > 0 {
		printRow(w, "Rate limit", fmt.Sprintf("%d / %s", cfg.Relay.RateLimit.Max, cfg.Relay.RateLimit.Window))
	}
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow(w, "TLS", "enabled")
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerSummary(primary string, total int) string {
	if total > 1 {
		return fmt.Sprintf("%s (+%d fallback)", primary, total-1)
	}
	return primary
}

func printRow(w io.Writer, label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
