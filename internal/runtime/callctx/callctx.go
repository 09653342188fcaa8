// Package callctx carries the ambient context of one logical invocation: a
// correlation id unique per top-level call, a trace id shared by the whole call
// tree, and a small metadata bag middlewares can read and write.
package callctx

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protostream/internal/runtime/ids"
	"github.com/drblury/protostream/internal/runtime/metadata"
)

// CallContext is the state of one invocation. It is safe for concurrent use.
type CallContext struct {
	correlationID string
	traceID       string
	parent        *CallContext
	ended         atomic.Bool

	mu   sync.RWMutex
	data metadata.Metadata
}

// CorrelationID identifies the top-level invocation.
func (c *CallContext) CorrelationID() string { return c.correlationID }

// TraceID identifies the call tree. Nested invocations inherit it.
func (c *CallContext) TraceID() string { return c.traceID }

// Parent returns the enclosing call context, or nil for a root call.
func (c *CallContext) Parent() *CallContext { return c.parent }

// Ended reports whether the invocation's stream has finished.
func (c *CallContext) Ended() bool { return c.ended.Load() }

// Set stores value under key.
func (c *CallContext) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = metadata.Metadata{}
	}
	c.data[key] = value
}

// Get returns the value stored under key.
func (c *CallContext) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Data returns a copy of the metadata bag.
func (c *CallContext) Data() metadata.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Clone()
}

// Export flattens the call context into message metadata: the ids under their
// reserved keys and the bag under metadata.ContextPrefix.
func (c *CallContext) Export() metadata.Metadata {
	md := c.Data().Prefixed(metadata.ContextPrefix)
	md[metadata.KeyCorrelationID] = c.correlationID
	md[metadata.KeyTraceID] = c.traceID
	return md
}

type contextKey struct{}

// FromContext returns the current call context, or nil outside any invocation.
func FromContext(ctx context.Context) *CallContext {
	if ctx == nil {
		return nil
	}
	cc, _ := ctx.Value(contextKey{}).(*CallContext)
	return cc
}

// Attach returns ctx carrying cc.
func Attach(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, contextKey{}, cc)
}

// Handle ends a call context entered with EnterNew or Restore. The zero
// Handle does nothing.
type Handle struct {
	cc       *CallContext
	released *atomic.Bool
}

// Release marks the call context as ended. It is idempotent.
func (h Handle) Release() {
	if h.released == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.cc.ended.Store(true)
}

// EnterNew starts a top-level invocation. The correlation id is always fresh;
// the trace id comes from the enclosing call context, then from an active
// OpenTelemetry span, and is generated otherwise.
func EnterNew(ctx context.Context) (context.Context, *CallContext, Handle) {
	parent := FromContext(ctx)
	return enter(ctx, &CallContext{
		correlationID: ids.NewCorrelationID(),
		traceID:       inheritTraceID(ctx, parent),
		parent:        parent,
	})
}

// EnterNested returns the active call context unchanged, or starts a new one
// when none is active.
func EnterNested(ctx context.Context) (context.Context, *CallContext, Handle) {
	if cc := FromContext(ctx); cc != nil {
		return ctx, cc, Handle{}
	}
	return EnterNew(ctx)
}

// Restore starts an invocation whose identity was exported by a remote
// caller. Missing ids are filled in the way EnterNew does.
func Restore(ctx context.Context, md metadata.Metadata) (context.Context, *CallContext, Handle) {
	parent := FromContext(ctx)
	cc := &CallContext{
		correlationID: md[metadata.KeyCorrelationID],
		traceID:       md[metadata.KeyTraceID],
		parent:        parent,
		data:          md.WithPrefix(metadata.ContextPrefix),
	}
	if cc.correlationID == "" {
		cc.correlationID = ids.NewCorrelationID()
	}
	if cc.traceID == "" {
		cc.traceID = inheritTraceID(ctx, parent)
	}
	return enter(ctx, cc)
}

func enter(ctx context.Context, cc *CallContext) (context.Context, *CallContext, Handle) {
	return Attach(ctx, cc), cc, Handle{cc: cc, released: &atomic.Bool{}}
}

func inheritTraceID(ctx context.Context, parent *CallContext) string {
	if parent != nil && parent.traceID != "" {
		return parent.traceID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ids.NewTraceID()
}
