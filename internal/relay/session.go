package relay

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicerelay/internal/gateway"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/transcript"
)

// wsConn is the subset of *websocket.Conn a session uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// errAuthFailed ends the session after a wrong token.
var errAuthFailed = errors.New("relay: authentication failed")

// queuedTurn is an utterance waiting for the turn worker. The rate limit is
// decided when the frame arrives.
type queuedTurn struct {
	msg     Inbound
	limited bool
}

// session is one client connection. Its state is owned by run; the turn
// worker reads the TTS flag and writes through send.
type session struct {
	srv    *Server
	id     string
	remote string
	conn   wsConn
	log    *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	tts     atomic.Bool

	authenticated bool
	limiter       *windowLimiter
}

func newSession(srv *Server, id, remote string, conn wsConn) *session {
	s := &session{
		srv:     srv,
		id:      id,
		remote:  remote,
		conn:    conn,
		log:     observe.WithConn(context.Background(), id).With("remote", remote),
		limiter: newWindowLimiter(srv.now, srv.limits),
	}
	s.tts.Store(true)
	return s
}

// run serves the connection until the client goes away, authentication
// fails or ctx is cancelled. Audio turns are handed to a worker goroutine
// and run one at a time; ping and tts_state are answered immediately.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	inbox := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		// Reading stops when run closes the connection.
		readCtx := context.WithoutCancel(ctx)
		for {
			typ, data, err := s.conn.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			if typ != websocket.MessageText {
				s.log.Warn("relay: ignoring binary frame", "bytes", len(data))
				continue
			}
			select {
			case inbox <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	turns := make(chan queuedTurn, s.srv.cfg.MaxQueuedTurns)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for qt := range turns {
			if s.closed.Load() {
				continue
			}
			s.runTurn(ctx, qt)
		}
	}()

	status, reason := websocket.StatusNormalClosure, ""
	defer func() {
		s.closed.Store(true)
		s.srv.gw.Cancel(s.id)
		_ = s.conn.Close(status, reason)
		cancel()
		close(turns)
		<-workerDone
		s.log.Info("relay: connection closed", "authenticated", s.authenticated)
	}()

	s.log.Info("relay: connection opened")
	authTimer := time.NewTimer(s.srv.cfg.AuthTimeout)
	defer authTimer.Stop()
	authC := authTimer.C

	for {
		select {
		case <-authC:
			s.log.Warn("relay: authentication timeout")
			s.srv.metrics.RecordAuthFailure(ctx, "timeout")
			s.send(errorFrame(MsgAuthTimeout))
			status, reason = websocket.StatusPolicyViolation, "authentication timeout"
			return

		case err := <-readErr:
			if cs := websocket.CloseStatus(err); cs == websocket.StatusNormalClosure || cs == websocket.StatusGoingAway {
				s.log.Debug("relay: client closed", "status", cs)
			} else if ctx.Err() == nil {
				s.log.Debug("relay: read ended", "err", err)
			}
			return

		case <-ctx.Done():
			status, reason = websocket.StatusGoingAway, "server shutting down"
			return

		case data := <-inbox:
			msg, err := DecodeInbound(data)
			if err != nil {
				s.log.Warn("relay: protocol error", "err", err)
				continue
			}
			if !s.authenticated {
				if err := s.authenticate(ctx, msg); err != nil {
					status, reason = websocket.StatusPolicyViolation, "authentication failed"
					return
				}
				if s.authenticated {
					authTimer.Stop()
					authC = nil
				}
				continue
			}
			s.dispatch(msg, turns)
		}
	}
}

// authenticate handles a frame received before authentication. It returns
// errAuthFailed when the connection must be closed.
func (s *session) authenticate(ctx context.Context, msg Inbound) error {
	if msg.Type != MsgAuth {
		s.send(errorFrame(MsgNotAuthenticated))
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(msg.Token), []byte(s.srv.cfg.AuthToken)) != 1 {
		s.log.Warn("relay: authentication failed")
		s.srv.metrics.RecordAuthFailure(ctx, "invalid_token")
		s.send(errorFrame(MsgAuthFailed))
		return errAuthFailed
	}
	s.authenticated = true
	s.send(Outbound{Type: MsgAuthOK})
	s.log.Info("relay: authenticated")
	return nil
}

// dispatch handles a frame from an authenticated client.
func (s *session) dispatch(msg Inbound, turns chan<- queuedTurn) {
	switch msg.Type {
	case MsgAuth:
		s.send(Outbound{Type: MsgAuthOK})
	case MsgPing:
		s.send(Outbound{Type: MsgPong})
	case MsgTTSState:
		if msg.Enabled != nil {
			s.tts.Store(*msg.Enabled)
			s.log.Debug("relay: tts state", "enabled", *msg.Enabled)
		}
	case MsgAudio:
		qt := queuedTurn{msg: msg, limited: !s.limiter.Allow()}
		select {
		case turns <- qt:
		default:
			s.log.Warn("relay: turn queue full, dropping utterance")
			s.fail(newError(KindRateLimit, "", "turn queue full", nil))
			s.send(Outbound{Type: MsgAudioEnd})
		}
	default:
		s.log.Warn("relay: unknown message type", "type", msg.Type)
	}
}

// runTurn runs one audio turn and always ends it with audio_end.
func (s *session) runTurn(ctx context.Context, qt queuedTurn) {
	start := time.Now()
	ctx, span := observe.StartTurn(ctx, s.id)
	defer span.End()

	outcome := s.turn(ctx, qt)
	s.send(Outbound{Type: MsgAudioEnd})

	m := s.srv.metrics
	m.RecordTurn(ctx, outcome)
	m.TurnDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	span.SetAttributes(attribute.String("outcome", outcome))
}

// turn runs the pipeline and returns its outcome for metrics. Failures are
// reported to the client as user-safe messages.
func (s *session) turn(ctx context.Context, qt queuedTurn) string {
	msg := qt.msg
	if qt.limited {
		s.fail(newError(KindRateLimit, "", "window exhausted", nil))
		return observe.TurnRateLimited
	}
	audio, err := s.decodeAudio(msg.Data)
	if err != nil {
		s.fail(err)
		return observe.TurnError
	}

	text, err := s.transcribe(ctx, audio)
	if err != nil {
		s.fail(err)
		return observe.TurnError
	}
	if s.closed.Load() {
		return observe.TurnCancelled
	}
	if filtered, reason := transcript.ShouldFilter(text); filtered {
		s.log.Debug("relay: transcript filtered", "reason", reason, "text", text)
		s.srv.metrics.RecordFiltered(ctx, string(reason))
		return observe.TurnFiltered
	}

	s.send(Outbound{Type: MsgTranscript, Text: text})
	s.send(statusFrame(StatusThinking))
	resp, err := s.askGateway(ctx, GatewayMessage(text, s.tts.Load(), msg.Location))
	if err != nil {
		if s.closed.Load() {
			return observe.TurnCancelled
		}
		s.fail(err)
		return observe.TurnError
	}

	if resp.Text != "" {
		s.send(Outbound{Type: MsgResponse, Text: resp.Text})
	}
	if !s.tts.Load() {
		return observe.TurnOK
	}
	if err := s.speak(ctx, resp); err != nil {
		s.fail(err)
		return observe.TurnError
	}
	if s.closed.Load() {
		return observe.TurnCancelled
	}
	return observe.TurnOK
}

func (s *session) decodeAudio(data string) ([]byte, error) {
	limit := s.srv.cfg.MaxAudioBytes
	if base64.StdEncoding.DecodedLen(len(data)) > limit+2 {
		return nil, newError(KindValidation, "", MsgAudioTooLarge, nil)
	}
	audio, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, newError(KindValidation, "", MsgInvalidAudio, err)
	}
	if len(audio) == 0 {
		return nil, newError(KindValidation, "", MsgInvalidAudio, nil)
	}
	if len(audio) > limit {
		return nil, newError(KindValidation, "", MsgAudioTooLarge, nil)
	}
	return audio, nil
}

// transcribe runs STT outside the session's cancellation so a call that was
// started completes even if the client leaves.
func (s *session) transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, span := observe.StartStage(ctx, OpSTT, s.srv.sttName)
	start := time.Now()
	text, err := s.srv.stt.Transcribe(context.WithoutCancel(ctx), audio)
	s.srv.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndStage(span, err)
	s.srv.metrics.RecordProviderRequest(ctx, s.srv.sttName, OpSTT, status(err))
	if err != nil {
		return "", newError(KindProvider, OpSTT, "transcription failed", err)
	}
	return text, nil
}

// askGateway forwards text and sends keepalive status frames until the
// reply arrives.
func (s *session) askGateway(ctx context.Context, text string) (resp gateway.Response, err error) {
	ctx, span := observe.StartStage(ctx, OpGateway, "gateway")
	defer func() { observe.EndStage(span, err) }()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(s.srv.cfg.KeepaliveInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.send(statusFrame(StatusThinking))
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	start := time.Now()
	resp, err = s.srv.gw.Send(ctx, s.id, s.srv.cfg.SessionKey, text)
	s.srv.metrics.GatewayDuration.Record(ctx, time.Since(start).Seconds())
	s.srv.metrics.RecordProviderRequest(ctx, "gateway", OpGateway, status(err))
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, gateway.ErrTimeout):
		return gateway.Response{}, newError(KindTimeout, OpGateway, "no reply within turn timeout", err)
	default:
		return gateway.Response{}, newError(KindProvider, OpGateway, "chat turn failed", err)
	}
}

// speak streams the reply as audio: synthesized speech for the cleaned
// text, or the reply's media attachments when there is no text.
func (s *session) speak(ctx context.Context, resp gateway.Response) (err error) {
	ctx, span := observe.StartStage(ctx, OpTTS, s.srv.ttsName)
	defer func() { observe.EndStage(span, err) }()
	start := time.Now()
	defer func() {
		s.srv.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if spoken := transcript.CleanForSpeech(resp.Text); spoken != "" {
		s.send(statusFrame(StatusSpeaking))
		for chunk, err := range s.srv.tts.Synthesize(context.WithoutCancel(ctx), spoken) {
			if err != nil {
				s.srv.metrics.RecordProviderRequest(ctx, s.srv.ttsName, OpTTS, "error")
				return newError(KindProvider, OpTTS, "synthesis failed", err)
			}
			if s.closed.Load() {
				return nil
			}
			if len(chunk) > 0 {
				s.sendAudio(chunk)
			}
		}
		s.srv.metrics.RecordProviderRequest(ctx, s.srv.ttsName, OpTTS, "ok")
		return nil
	}

	if len(resp.MediaURLs) == 0 || s.srv.media == nil {
		return nil
	}
	s.send(statusFrame(StatusSpeaking))
	for _, u := range resp.MediaURLs {
		data, err := s.srv.media.Fetch(context.WithoutCancel(ctx), u)
		if err != nil {
			return newError(KindProvider, OpMedia, "media fetch failed", err)
		}
		if s.closed.Load() {
			return nil
		}
		s.sendAudio(data)
	}
	return nil
}

func (s *session) sendAudio(chunk []byte) {
	s.send(Outbound{Type: MsgAudio, Data: base64.StdEncoding.EncodeToString(chunk)})
}

// fail logs err with its cause and sends the user-safe message.
func (s *session) fail(err error) {
	s.log.Warn("relay: turn failed", "kind", KindOf(err), "err", err)
	s.send(errorFrame(UserMessage(err)))
}

// send writes one frame. Frames for a closed session are dropped.
func (s *session) send(out Outbound) {
	if s.closed.Load() {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.log.Error("relay: encode frame", "type", out.Type, "err", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Debug("relay: write failed", "type", out.Type, "err", err)
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
