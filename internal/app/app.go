// Package app wires the voice relay subsystems into a running application.
//
// The App owns the full lifecycle: New builds the gateway client, the
// multiplexer, the client-facing WebSocket server and the operational HTTP
// routes from a config; Run serves until the context ends; ApplyConfig
// applies hot-reloadable changes reported by the config watcher; Shutdown
// releases the speech providers.
//
// For testing, inject metrics, a Prometheus gatherer or a log level via
// functional options. Providers are always passed in by the caller.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/gateway"
	"github.com/MrWong99/voicerelay/internal/health"
	"github.com/MrWong99/voicerelay/internal/httpmw"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/relay"
)

// shutdownTimeout bounds the graceful stop of the HTTP server and the open
// client sessions.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the relay.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	logLevel *slog.LevelVar
	origins  *httpmw.Origins
	branding atomic.Pointer[config.BrandingConfig]

	client  *gateway.Client
	mux     *gateway.Multiplexer
	relay   *relay.Server
	health  *health.Handler
	handler http.Handler

	wasConnected atomic.Bool
	stopOnce     sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus gatherer served at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLevelVar lets ApplyConfig change the level of the process logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithVersion sets the version announced in the gateway handshake.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from a validated config with resolved secrets.
// Nothing connects until [App.Run].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: stt and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(SlogLevel(cfg.Server.LogLevel))
	}
	a.origins = httpmw.NewOrigins(cfg.Server.AllowedOrigins)
	branding := cfg.Branding
	a.branding.Store(&branding)

	// ── 1. Upstream gateway ──────────────────────────────────────────────
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 2. Client-facing relay ───────────────────────────────────────────
	if err := a.initRelay(); err != nil {
		return nil, fmt.Errorf("app: init relay: %w", err)
	}

	// ── 3. Health + routes ───────────────────────────────────────────────
	a.health = health.New(health.GatewayChecker(a.client.Connected)).WithGateway(a.client.Connected)
	a.handler = a.routes()

	return a, nil
}

// initGateway creates the upstream client and the multiplexer that shares it.
func (a *App) initGateway() error {
	g := a.cfg.Gateway
	wsURL, err := config.WebSocketURL(g.URL)
	if err != nil {
		return err
	}
	client, err := gateway.NewClient(gateway.Config{
		URL:              wsURL,
		Token:            g.Token,
		ClientID:         g.ClientID,
		DisplayName:      g.ClientName,
		ClientMode:       g.ClientMode,
		Version:          a.version,
		ReconnectDelay:   g.ReconnectDelay,
		HandshakeTimeout: g.HandshakeTimeout,
		ChallengeTimeout: g.ChallengeTimeout,
	})
	if err != nil {
		return err
	}
	a.client = client
	a.mux = gateway.NewMultiplexer(client, gateway.MultiplexerConfig{
		TurnTimeout:     g.TurnTimeout,
		MediaExtensions: g.MediaExtensions,
		OnPending: func(delta int64) {
			a.metrics.PendingTurns.Add(context.Background(), delta)
		},
	})
	client.SetEventHandler(a.mux.HandleEvent)
	client.OnStateChange(a.onGatewayState)
	return nil
}

// initRelay creates the WebSocket server that serves browser clients.
func (a *App) initRelay() error {
	r := a.cfg.Relay
	srv, err := relay.NewServer(relay.Config{
		AuthToken:         a.cfg.Auth.Token,
		SessionKey:        a.cfg.Gateway.SessionKey,
		AuthTimeout:       r.AuthTimeout,
		KeepaliveInterval: r.KeepaliveInterval,
		MaxAudioBytes:     r.MaxAudioBytes,
	}, relay.Deps{
		STT:       a.providers.STT,
		TTS:       a.providers.TTS,
		Gateway:   a.mux,
		STTName:   a.providers.STTName,
		TTSName:   a.providers.TTSName,
		Media:     relay.NewMediaFetcher(nil, a.cfg.Gateway.MaxMediaBytes),
		Origins:   a.origins,
		RateLimit: relay.NewRateLimitSetting(relay.RateLimit{Max: r.RateLimit.Max, Window: r.RateLimit.Window}),
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	a.relay = srv
	return nil
}

// routes builds the HTTP handler tree.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.relay)
	a.health.Register(mux)
	mux.HandleFunc("GET /branding", a.handleBranding)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	var h http.Handler = mux
	h = httpmw.CORS(a.origins, h)
	h = observe.Middleware(a.metrics)(h)
	h = httpmw.RequestID(h)
	return httpmw.Recover(slog.Default(), h)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

type brandingResponse struct {
	Name        string `json:"name"`
	Emoji       string `json:"emoji"`
	Description string `json:"description"`
}

func (a *App) handleBranding(w http.ResponseWriter, _ *http.Request) {
	b := a.branding.Load()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(brandingResponse{
		Name:        b.Name,
		Emoji:       b.Emoji,
		Description: "Hands-free voice interface for " + b.Name,
	})
}

func (a *App) onGatewayState(s gateway.State) {
	ctx := context.Background()
	a.metrics.SetGatewayConnected(ctx, s == gateway.StateConnected)
	switch s {
	case gateway.StateConnected:
		a.wasConnected.Store(true)
		slog.Info("gateway connected", "url", a.cfg.Gateway.URL)
	case gateway.StateConnecting:
		if a.wasConnected.Swap(false) {
			a.metrics.GatewayReconnects.Add(ctx, 1)
		}
	case gateway.StateDisconnected:
		slog.Warn("gateway disconnected", "url", a.cfg.Gateway.URL, "pending_turns", a.mux.Pending())
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the gateway client and the HTTP server on ln until ctx is
// cancelled or either fails. Open client sessions are closed with a
// going-away status before the server stops. It returns nil after a
// graceful stop.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.client.Run(gctx)
	})
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := a.relay.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	slog.Info("voice relay listening",
		"addr", ln.Addr().String(),
		"gateway", a.cfg.Gateway.URL,
		"session_key", a.cfg.Gateway.SessionKey,
		"stt", a.providers.STTName,
		"tts", a.providers.TTSName,
	)
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// It has the signature of a [config.Watcher] callback. Changes to other
// sections are logged and take effect after a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("config reload: log level", "level", d.NewLogLevel)
	}
	if d.RateLimitChanged {
		a.relay.SetRateLimit(relay.RateLimit{Max: d.NewRateLimit.Max, Window: d.NewRateLimit.Window})
		slog.Info("config reload: rate limit", "max", d.NewRateLimit.Max, "window", d.NewRateLimit.Window)
	}
	if d.OriginsChanged {
		a.origins.Set(d.NewOrigins)
		slog.Info("config reload: allowed origins", "origins", d.NewOrigins)
	}
	if d.BrandingChanged {
		b := d.NewBranding
		a.branding.Store(&b)
		slog.Info("config reload: branding", "name", b.Name)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the speech providers. Call it after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- a.providers.Close() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		slog.Info("shutdown complete")
	})
	return err
}

// SlogLevel converts a configured log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
