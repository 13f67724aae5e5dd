package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/pushtalk"

// SpanResponse names the span covering one request/response exchange.
const SpanResponse = "pushtalk.response"

// Attribute keys of the response span.
const (
	AttrTurnID      = attribute.Key("pushtalk.turn.id")
	AttrTurnAudio   = attribute.Key("pushtalk.turn.audio_bytes")
	AttrTextLength  = attribute.Key("pushtalk.text.length")
	AttrResponseID  = attribute.Key("pushtalk.response.id")
	AttrReplyAudio  = attribute.Key("pushtalk.response.audio_bytes")
	AttrSuperseded  = attribute.Key("pushtalk.response.superseded")
	AttrInterrupted = attribute.Key("pushtalk.turn.interrupted")
)

// Tracer returns the pushtalk tracer of the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Exchange is one request/response exchange: a committed turn or a typed
// message, and the reply it produces. Its span starts when the request is
// sent and ends when the reply finished, failed or was abandoned for a newer
// request. A nil *Exchange is valid and does nothing.
type Exchange struct {
	ctx   context.Context
	span  trace.Span
	start time.Time
	once  sync.Once
}

// StartTurn opens the exchange of a committed push-to-talk turn. interrupted
// marks a turn that cut off the previous reply.
func StartTurn(ctx context.Context, turnID uint64, audioBytes int, interrupted bool) *Exchange {
	return startExchange(ctx,
		AttrTurnID.Int64(int64(turnID)),
		AttrTurnAudio.Int(audioBytes),
		AttrInterrupted.Bool(interrupted),
	)
}

// StartText opens the exchange of a typed message of length bytes.
func StartText(ctx context.Context, length int) *Exchange {
	return startExchange(ctx, AttrTextLength.Int(length))
}

func startExchange(ctx context.Context, attrs ...attribute.KeyValue) *Exchange {
	ctx, span := Tracer().Start(ctx, SpanResponse, trace.WithAttributes(attrs...))
	return &Exchange{ctx: ctx, span: span, start: time.Now()}
}

// Context returns the context carrying the exchange's span. Logs written
// with [Logger] on it carry the exchange's trace ID.
func (e *Exchange) Context() context.Context {
	if e == nil {
		return context.Background()
	}
	return e.ctx
}

// Finish ends the exchange with the server's response ID, the number of
// reply audio bytes handed to playback and the failure, if any. It returns
// how long the exchange took. Only the first Finish or Supersede counts.
func (e *Exchange) Finish(responseID string, replyAudio int, err error) time.Duration {
	if e == nil {
		return 0
	}
	var elapsed time.Duration
	e.once.Do(func() {
		elapsed = time.Since(e.start)
		if responseID != "" {
			e.span.SetAttributes(AttrResponseID.String(responseID))
		}
		e.span.SetAttributes(AttrReplyAudio.Int(replyAudio))
		if err != nil {
			e.span.RecordError(err)
			e.span.SetStatus(codes.Error, err.Error())
		}
		e.span.End()
	})
	return elapsed
}

// Supersede ends an exchange whose reply was abandoned because the user
// started a new one.
func (e *Exchange) Supersede() {
	if e == nil {
		return
	}
	e.once.Do(func() {
		e.span.SetAttributes(AttrSuperseded.Bool(true))
		e.span.AddEvent("superseded")
		e.span.End()
	})
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. Turn logs and journal entries carry it to tie them together.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the span in
// ctx added. Without a span it is the default logger.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
