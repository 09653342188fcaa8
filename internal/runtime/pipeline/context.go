package pipeline

import (
	"context"
	"fmt"
	"iter"
	"reflect"

	"github.com/drblury/protostream/internal/runtime/callctx"
	"github.com/drblury/protostream/internal/runtime/services"
)

// ExecuteFunc runs one stage of a chain. Items are untyped; the facades
// assert them back to the registered item type.
type ExecuteFunc func(ctx context.Context, req any) iter.Seq2[any, error]

// Role tells whether the terminal of a chain is a client calling out, a
// handler answering a request, or a consumer handling one item.
type Role int

const (
	RoleServer Role = iota
	RoleClient
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	case RoleConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// TransportInfo describes the terminal of a chain.
type TransportInfo struct {
	Name string
	Role Role
}

// InProcess describes a handler executed in the calling process.
var InProcess = TransportInfo{Name: "inprocess", Role: RoleServer}

// Consumer describes a stream consumer handling a single item. Consumer
// chains yield no items; a failed item surfaces as the only error.
var Consumer = TransportInfo{Name: "consumer", Role: RoleConsumer}

// Context is handed to a middleware's Execute method for one invocation.
type Context struct {
	// Request is the value flowing into this stage.
	Request     any
	RequestType reflect.Type
	ItemType    reflect.Type
	// Configuration is the entry's configuration, nil for parameterless
	// middlewares.
	Configuration any
	Scope         *services.Scope
	Transport     TransportInfo

	ctx  context.Context
	next ExecuteFunc
}

// Context returns the context the stage was invoked with.
func (c *Context) Context() context.Context { return c.ctx }

// CallContext returns the active call context.
func (c *Context) CallContext() *callctx.CallContext {
	return callctx.FromContext(c.ctx)
}

// Next invokes the rest of the chain. It may be called any number of times,
// with a substituted request or context. A ctx without a call context gets
// the current one attached.
func (c *Context) Next(ctx context.Context, req any) iter.Seq2[any, error] {
	if ctx == nil {
		ctx = c.ctx
	}
	if callctx.FromContext(ctx) == nil {
		if cc := callctx.FromContext(c.ctx); cc != nil {
			ctx = callctx.Attach(ctx, cc)
		}
	}
	return c.next(ctx, req)
}

// Proceed is Next with the stage's own context and request.
func (c *Context) Proceed() iter.Seq2[any, error] {
	return c.next(c.ctx, c.Request)
}
