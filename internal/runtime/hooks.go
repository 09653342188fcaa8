package runtime

import (
	"context"
	"iter"
	"reflect"
	"time"

	"github.com/drblury/protostream/internal/runtime/pipeline"
)

// StreamContext provides information about one stream to hooks.
type StreamContext struct {
	// RequestType and ItemType identify the pair being served.
	RequestType reflect.Type
	ItemType    reflect.Type
	// Transport is the terminal the pipeline ends in.
	Transport pipeline.TransportInfo
	// CorrelationID and TraceID come from the active call context.
	CorrelationID string
	TraceID       string
	// Context is the context the stream runs with.
	Context context.Context
	// StartedAt is when the stream was first pulled.
	StartedAt time.Time
	// Duration is how long the stream ran (only set in OnStreamDone and OnStreamError).
	Duration time.Duration
	// Items is the number of items yielded so far.
	Items int
}

// StreamHooks defines callbacks for stream lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type StreamHooks struct {
	// OnStreamStart is called before the rest of the pipeline runs.
	OnStreamStart func(ctx StreamContext)

	// OnItem is called for every item, before it reaches the consumer.
	OnItem func(ctx StreamContext, item any)

	// OnStreamDone is called when the stream ends without an error, including
	// when the consumer stops early.
	OnStreamDone func(ctx StreamContext)

	// OnStreamError is called when the stream yields an error.
	OnStreamError func(ctx StreamContext, err error)
}

// Merge combines two StreamHooks, creating a new StreamHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h StreamHooks) Merge(other StreamHooks) StreamHooks {
	return StreamHooks{
		OnStreamStart: chainHooks(h.OnStreamStart, other.OnStreamStart),
		OnItem:        chainItemHooks(h.OnItem, other.OnItem),
		OnStreamDone:  chainHooks(h.OnStreamDone, other.OnStreamDone),
		OnStreamError: chainErrorHooks(h.OnStreamError, other.OnStreamError),
	}
}

func (h StreamHooks) empty() bool {
	return h.OnStreamStart == nil && h.OnItem == nil && h.OnStreamDone == nil && h.OnStreamError == nil
}

func chainHooks(a, b func(StreamContext)) func(StreamContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx StreamContext) {
		a(ctx)
		b(ctx)
	}
}

func chainItemHooks(a, b func(StreamContext, any)) func(StreamContext, any) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx StreamContext, item any) {
		a(ctx, item)
		b(ctx, item)
	}
}

func chainErrorHooks(a, b func(StreamContext, error)) func(StreamContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx StreamContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware invokes StreamHooks around the rest of the pipeline.
type HooksMiddleware struct {
	hooks StreamHooks
}

// NewHooksMiddleware returns a HooksMiddleware calling hooks.
func NewHooksMiddleware(hooks StreamHooks) *HooksMiddleware {
	return &HooksMiddleware{hooks: hooks}
}

func (m *HooksMiddleware) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		sc := StreamContext{
			RequestType: mc.RequestType,
			ItemType:    mc.ItemType,
			Transport:   mc.Transport,
			Context:     mc.Context(),
			StartedAt:   time.Now(),
		}
		if cc := mc.CallContext(); cc != nil {
			sc.CorrelationID, sc.TraceID = cc.CorrelationID(), cc.TraceID()
		}

		if m.hooks.OnStreamStart != nil {
			m.hooks.OnStreamStart(sc)
		}

		for item, err := range mc.Proceed() {
			if err != nil {
				sc.Duration = time.Since(sc.StartedAt)
				if m.hooks.OnStreamError != nil {
					m.hooks.OnStreamError(sc, err)
				}
				yield(nil, err)
				return
			}
			sc.Items++
			if m.hooks.OnItem != nil {
				m.hooks.OnItem(sc, item)
			}
			if !yield(item, nil) {
				break
			}
		}

		sc.Duration = time.Since(sc.StartedAt)
		if m.hooks.OnStreamDone != nil {
			m.hooks.OnStreamDone(sc)
		}
	}
}
