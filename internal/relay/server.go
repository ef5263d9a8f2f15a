package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voicerelay/internal/gateway"
	"github.com/MrWong99/voicerelay/internal/httpmw"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/provider/stt"
	"github.com/MrWong99/voicerelay/pkg/provider/tts"
)

// Session defaults.
const (
	DefaultAuthTimeout       = 10 * time.Second
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxAudioBytes     = 10 << 20
	DefaultMaxQueuedTurns    = 4
)

// Gateway is the chat backend as seen by a session. [*gateway.Multiplexer]
// implements it.
type Gateway interface {
	Send(ctx context.Context, connID, sessionKey, text string) (gateway.Response, error)
	Cancel(connID string)
}

// Config holds per-connection settings.
type Config struct {
	// AuthToken is the shared secret clients present in their auth frame.
	AuthToken string

	// SessionKey addresses the gateway conversation all clients share.
	SessionKey string

	AuthTimeout       time.Duration
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration

	// MaxAudioBytes bounds one decoded utterance.
	MaxAudioBytes int

	// MaxQueuedTurns bounds utterances waiting behind the running turn.
	MaxQueuedTurns int
}

// Deps are the collaborators of a [Server].
type Deps struct {
	STT     stt.Provider
	TTS     tts.Provider
	Gateway Gateway

	// STTName and TTSName label provider metrics.
	STTName string
	TTSName string

	// Media fetches reply attachments. Nil disables attachment playback.
	Media *MediaFetcher

	// Origins restricts WebSocket upgrades. Nil allows only same-host
	// browser origins.
	Origins *httpmw.Origins

	// RateLimit is the per-connection audio budget. Nil uses the defaults.
	RateLimit *RateLimitSetting

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the clock for rate limiting. Defaults to time.Now.
	Now func() time.Time
}

// Server accepts client WebSocket connections and runs a session for each.
type Server struct {
	cfg     Config
	stt     stt.Provider
	tts     tts.Provider
	gw      Gateway
	sttName string
	ttsName string
	media   *MediaFetcher
	origins *httpmw.Origins
	limits  *RateLimitSetting
	metrics *observe.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer validates cfg and deps and returns a Server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	var errs []error
	if cfg.AuthToken == "" {
		errs = append(errs, errors.New("relay: auth token must not be empty"))
	}
	if cfg.SessionKey == "" {
		errs = append(errs, errors.New("relay: session key must not be empty"))
	}
	if deps.STT == nil {
		errs = append(errs, errors.New("relay: stt provider is required"))
	}
	if deps.TTS == nil {
		errs = append(errs, errors.New("relay: tts provider is required"))
	}
	if deps.Gateway == nil {
		errs = append(errs, errors.New("relay: gateway is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = DefaultMaxAudioBytes
	}
	if cfg.MaxQueuedTurns <= 0 {
		cfg.MaxQueuedTurns = DefaultMaxQueuedTurns
	}

	s := &Server{
		cfg:     cfg,
		stt:     deps.STT,
		tts:     deps.TTS,
		gw:      deps.Gateway,
		sttName: deps.STTName,
		ttsName: deps.TTSName,
		media:   deps.Media,
		origins: deps.Origins,
		limits:  deps.RateLimit,
		metrics: deps.Metrics,
		now:     deps.Now,
	}
	if s.sttName == "" {
		s.sttName = "stt"
	}
	if s.ttsName == "" {
		s.ttsName = "tts"
	}
	if s.limits == nil {
		s.limits = NewRateLimitSetting(RateLimit{})
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// ServeHTTP upgrades the request and serves the session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	opts := &websocket.AcceptOptions{}
	if s.origins != nil {
		patterns := s.origins.HostPatterns()
		if len(patterns) == 1 && patterns[0] == "*" {
			opts.InsecureSkipVerify = true
		} else {
			opts.OriginPatterns = patterns
		}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("relay: websocket accept failed", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "err", err)
		return
	}
	// Frames up to twice MaxAudioBytes are read and rejected as too large.
	conn.SetReadLimit(int64(s.cfg.MaxAudioBytes)*2 + 64<<10)

	s.wg.Add(1)
	defer s.wg.Done()
	s.metrics.ActiveConnections.Add(s.ctx, 1)
	defer s.metrics.ActiveConnections.Add(s.ctx, -1)

	newSession(s, uuid.NewString(), r.RemoteAddr, conn).run(s.ctx)
}

// Shutdown closes every session with a going-away status and waits for
// them to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRateLimit replaces the per-connection audio budget. Existing sessions
// apply the new maximum at their next check and the new window when their
// current one ends.
func (s *Server) SetRateLimit(r RateLimit) {
	s.limits.Set(r)
}
