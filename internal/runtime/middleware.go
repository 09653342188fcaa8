package runtime

import (
	"fmt"
	"iter"
	"reflect"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protostream/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/protostream/internal/runtime/logging"
	"github.com/drblury/protostream/internal/runtime/pipeline"
)

// PayloadStrategy selects how the logging middleware prints payloads.
type PayloadStrategy int

const (
	// PayloadOmit leaves payloads out of log entries.
	PayloadOmit PayloadStrategy = iota
	// PayloadMinimalJSON prints payloads as compact JSON.
	PayloadMinimalJSON
	// PayloadIndentedJSON prints payloads as indented JSON.
	PayloadIndentedJSON
)

// LogEvent is passed to logging hooks. A hook returning false suppresses the
// default entry.
type LogEvent struct {
	Logger        loggingpkg.ServiceLogger
	Level         loggingpkg.Level
	CorrelationID string
	TraceID       string
	Transport     pipeline.TransportInfo
	RequestType   reflect.Type
	ItemType      reflect.Type
	Request       any
	Item          any
	Items         int
	Elapsed       time.Duration
	Err           error
}

// LoggingConfiguration configures LoggingMiddleware.
type LoggingConfiguration struct {
	PreLevel   loggingpkg.Level
	ItemLevel  loggingpkg.Level
	PostLevel  loggingpkg.Level
	ErrorLevel loggingpkg.Level

	RequestPayload PayloadStrategy
	ItemPayload    PayloadStrategy

	PreHook   func(LogEvent) bool
	ItemHook  func(LogEvent) bool
	PostHook  func(LogEvent) bool
	ErrorHook func(LogEvent) bool
}

// DefaultLoggingConfiguration logs stream boundaries at debug, items at trace
// and failures at error, without payloads.
func DefaultLoggingConfiguration() LoggingConfiguration {
	return LoggingConfiguration{
		PreLevel:   loggingpkg.LevelDebug,
		ItemLevel:  loggingpkg.LevelTrace,
		PostLevel:  loggingpkg.LevelDebug,
		ErrorLevel: loggingpkg.LevelError,
	}
}

// LoggingMiddleware logs the start, items, end and failure of every stream.
type LoggingMiddleware struct {
	logger loggingpkg.ServiceLogger
}

// NewLoggingMiddleware returns a LoggingMiddleware writing to logger.
func NewLoggingMiddleware(logger loggingpkg.ServiceLogger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Execute(mc *pipeline.Context, cfg LoggingConfiguration) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		start := time.Now()
		ev := LogEvent{
			Logger:      m.logger,
			Transport:   mc.Transport,
			RequestType: mc.RequestType,
			ItemType:    mc.ItemType,
			Request:     mc.Request,
		}
		fields := loggingpkg.LogFields{
			"request_type": typeName(mc.RequestType),
			"item_type":    typeName(mc.ItemType),
			"transport":    mc.Transport.Name,
			"role":         mc.Transport.Role.String(),
		}
		if cc := mc.CallContext(); cc != nil {
			ev.CorrelationID, ev.TraceID = cc.CorrelationID(), cc.TraceID()
			fields["correlation_id"] = ev.CorrelationID
			fields["trace_id"] = ev.TraceID
		}

		pre := withPayload(fields, "request", mc.Request, cfg.RequestPayload)
		m.emit(cfg.PreHook, cfg.PreLevel, "Stream started", ev, pre)

		for item, err := range mc.Proceed() {
			ev.Elapsed = time.Since(start)
			if err != nil {
				ev.Err = err
				failed := withPayload(fields, "request", mc.Request, cfg.RequestPayload)
				failed["items"], failed["elapsed"] = ev.Items, ev.Elapsed.String()
				m.emit(cfg.ErrorHook, cfg.ErrorLevel, "Stream failed", ev, failed)
				yield(nil, err)
				return
			}
			ev.Items++
			ev.Item = item
			itemFields := withPayload(fields, "item", item, cfg.ItemPayload)
			itemFields["seq"] = ev.Items
			m.emit(cfg.ItemHook, cfg.ItemLevel, "Stream item", ev, itemFields)
			if !yield(item, nil) {
				break
			}
		}

		ev.Item = nil
		ev.Elapsed = time.Since(start)
		post := loggingpkg.LogFields{"items": ev.Items, "elapsed": ev.Elapsed.String()}
		for k, v := range fields {
			post[k] = v
		}
		m.emit(cfg.PostHook, cfg.PostLevel, "Stream completed", ev, post)
	}
}

func (m *LoggingMiddleware) emit(hook func(LogEvent) bool, level loggingpkg.Level, msg string, ev LogEvent, fields loggingpkg.LogFields) {
	ev.Level = level
	if hook != nil && !hook(ev) {
		return
	}
	loggingpkg.Log(m.logger, level, msg, ev.Err, fields)
}

func withPayload(fields loggingpkg.LogFields, key string, v any, strategy PayloadStrategy) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(fields)+1)
	for k, val := range fields {
		out[k] = val
	}
	if payload, ok := formatPayload(v, strategy); ok {
		out[key] = payload
	}
	return out
}

func formatPayload(v any, strategy PayloadStrategy) (string, bool) {
	var (
		raw []byte
		err error
	)
	switch strategy {
	case PayloadMinimalJSON:
		raw, err = jsoncodec.Marshal(v)
	case PayloadIndentedJSON:
		raw, err = jsoncodec.MarshalIndent(v, "", "  ")
	default:
		return "", false
	}
	if err != nil {
		return fmt.Sprintf("<unencodable %T: %v>", v, err), true
	}
	return string(raw), true
}

func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}

// TracingMiddleware wraps every stream in an OpenTelemetry span that lasts
// until the stream ends.
type TracingMiddleware struct {
	tracer trace.Tracer
}

// NewTracingMiddleware returns a TracingMiddleware using tracer.
func NewTracingMiddleware(tracer trace.Tracer) *TracingMiddleware {
	return &TracingMiddleware{tracer: tracer}
}

func (m *TracingMiddleware) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		kind := trace.SpanKindServer
		if mc.Transport.Role == pipeline.RoleClient {
			kind = trace.SpanKindClient
		}
		ctx, span := m.tracer.Start(mc.Context(), "stream "+typeName(mc.RequestType), trace.WithSpanKind(kind))
		defer span.End()

		span.SetAttributes(
			attribute.String("stream.request.type", typeName(mc.RequestType)),
			attribute.String("stream.item.type", typeName(mc.ItemType)),
			attribute.String("stream.transport.name", mc.Transport.Name),
			attribute.String("stream.transport.role", mc.Transport.Role.String()),
		)
		if cc := mc.CallContext(); cc != nil {
			span.SetAttributes(attribute.String("stream.correlation_id", cc.CorrelationID()))
		}

		items := 0
		for item, err := range mc.Next(ctx, mc.Request) {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attribute.Int("stream.items", items))
				yield(nil, err)
				return
			}
			items++
			if !yield(item, nil) {
				break
			}
		}
		span.SetAttributes(attribute.Int("stream.items", items))
	}
}

// PanicError is yielded by RecovererMiddleware when a downstream stage panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("protostream: stream panicked: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// RecovererMiddleware turns panics raised downstream into a PanicError. Panics
// raised by the consumer while handling an item are not recovered, and neither
// are panics raised after the stream stopped, since nothing is left to yield to.
type RecovererMiddleware struct{}

func (RecovererMiddleware) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		consuming, stopped := false, false
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if consuming || stopped {
				panic(r)
			}
			yield(nil, &PanicError{Value: r, Stack: debug.Stack()})
		}()

		for item, err := range mc.Proceed() {
			consuming = true
			ok := yield(item, err)
			consuming = false
			if !ok || err != nil {
				stopped = true
				return
			}
		}
	}
}
