package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voicerelay"

// Span attribute keys shared by the relay spans.
const (
	AttrConnID   = attribute.Key("voicerelay.conn_id")
	AttrStage    = attribute.Key("voicerelay.stage")
	AttrProvider = attribute.Key("voicerelay.provider")
)

// Tracer returns the relay tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span under the relay tracer. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurn starts the root span of one voice turn on a client connection.
func StartTurn(ctx context.Context, connID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay.turn", trace.WithAttributes(AttrConnID.String(connID)))
}

// StartStage starts a child span for one stage of a turn ("stt", "gateway",
// "tts", "media") served by the named provider.
func StartStage(ctx context.Context, stage, provider string) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay."+stage,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrStage.String(stage), AttrProvider.String(provider)),
	)
}

// EndStage records err on span, if any, and ends it.
func EndStage(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace id of the span in ctx, or "" when there
// is none.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id attached
// when ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// WithConn returns a logger carrying the connection id of a client session,
// enriched with trace ids from ctx.
func WithConn(ctx context.Context, connID string) *slog.Logger {
	return Logger(ctx).With(slog.String("conn_id", connID))
}
