package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	useTestTracer(t)
	ctx, span := StartSpan(context.Background(), "probe")
	defer span.End()
	if cid := CorrelationID(ctx); len(cid) != 32 || cid != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q, want trace id %s", cid, span.SpanContext().TraceID())
	}
}

func TestTurnAndStageSpans(t *testing.T) {
	exp := useTestTracer(t)

	ctx, turn := StartTurn(context.Background(), "c-1")
	_, stt := StartStage(ctx, "stt", "groq")
	EndStage(stt, nil)
	_, tts := StartStage(ctx, "tts", "chatterbox")
	EndStage(tts, errors.New("connection refused"))
	turn.End()

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}

	root := byName["relay.turn"]
	if !hasAttr(root, AttrConnID, "c-1") {
		t.Errorf("turn span attributes = %v", root.Attributes)
	}
	for _, name := range []string{"relay.stt", "relay.tts"} {
		s := byName[name]
		if s.Parent.SpanID() != root.SpanContext.SpanID() {
			t.Errorf("%s is not a child of relay.turn", name)
		}
	}
	if s := byName["relay.stt"]; !hasAttr(s, AttrProvider, "groq") || s.Status.Code == codes.Error {
		t.Errorf("stt span = %+v", s)
	}
	tts2 := byName["relay.tts"]
	if tts2.Status.Code != codes.Error || len(tts2.Events) == 0 {
		t.Errorf("tts span status = %v, events = %d; want error with recorded event", tts2.Status, len(tts2.Events))
	}
	if !hasAttr(tts2, AttrStage, "tts") {
		t.Errorf("tts span attributes = %v", tts2.Attributes)
	}
}

func hasAttr(s tracetest.SpanStub, key attribute.Key, want string) bool {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value.AsString() == want
		}
	}
	return false
}

func TestLogger(t *testing.T) {
	buf := captureLogs(t)
	Logger(context.Background()).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("logger without span added trace_id: %s", buf)
	}

	useTestTracer(t)
	ctx, span := StartSpan(context.Background(), "logged")
	defer span.End()
	buf.Reset()
	WithConn(ctx, "c-123").Info("hello")

	out := buf.String()
	for _, want := range []string{"conn_id=c-123", "trace_id=" + CorrelationID(ctx), "span_id=" + span.SpanContext().SpanID().String()} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
