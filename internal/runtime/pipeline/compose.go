package pipeline

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"slices"

	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	"github.com/drblury/protostream/internal/runtime/services"
)

// Middleware is the parameterless middleware contract. Configured middlewares
// declare Execute(*Context, C) instead and are invoked reflectively.
type Middleware interface {
	Execute(mc *Context) iter.Seq2[any, error]
}

// Invoker runs a resolved middleware with the entry's configuration.
type Invoker func(mc *Context, cfg any) iter.Seq2[any, error]

// MiddlewareResolver produces a live invoker for middleware type mt.
type MiddlewareResolver func(scope *services.Scope, mt reflect.Type) (Invoker, error)

// Options carries what every link of a composed chain shares.
type Options struct {
	Scope       *services.Scope
	RequestType reflect.Type
	ItemType    reflect.Type
	Transport   TransportInfo
	// Resolver defaults to ResolveFromScope.
	Resolver MiddlewareResolver
}

// Compose wraps terminal with entries, first entry outermost. Every link
// resolves its middleware when its stream is first pulled, so nothing is
// cached across invocations.
func Compose(entries []Entry, terminal ExecuteFunc, opts Options) ExecuteFunc {
	resolve := opts.Resolver
	if resolve == nil {
		resolve = ResolveFromScope
	}
	next := terminal
	for _, entry := range slices.Backward(slices.Clone(entries)) {
		next = link(entry, next, resolve, opts)
	}
	return next
}

func link(entry Entry, next ExecuteFunc, resolve MiddlewareResolver, opts Options) ExecuteFunc {
	return func(ctx context.Context, req any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			invoke, err := resolve(opts.Scope, entry.MiddlewareType)
			if err != nil {
				yield(nil, err)
				return
			}
			mc := &Context{
				Request:       req,
				RequestType:   opts.RequestType,
				ItemType:      opts.ItemType,
				Configuration: entry.Configuration,
				Scope:         opts.Scope,
				Transport:     opts.Transport,
				ctx:           ctx,
				next:          next,
			}
			for item, err := range invoke(mc, entry.Configuration) {
				if !yield(item, err) || err != nil {
					return
				}
			}
		}
	}
}

// ResolveFromScope builds the middleware registered for mt in scope.
func ResolveFromScope(scope *services.Scope, mt reflect.Type) (Invoker, error) {
	if scope == nil || !scope.Has(mt) {
		return nil, UnregisteredError(mt)
	}
	instance, err := scope.Get(mt)
	if err != nil {
		if errors.Is(err, errspkg.ErrNotFound) {
			return nil, UnregisteredError(mt)
		}
		return nil, err
	}
	return InvokerFor(instance)
}

// UnregisteredError reports a pipeline entry whose middleware type was never
// registered.
func UnregisteredError(mt reflect.Type) error {
	return errspkg.InvalidOperation("trying to use unregistered middleware type '%s'", mt)
}

var (
	seqType     = reflect.TypeFor[iter.Seq2[any, error]]()
	contextType = reflect.TypeFor[*Context]()
)

// InvokerFor adapts a middleware instance to an Invoker.
func InvokerFor(instance any) (Invoker, error) {
	if m, ok := instance.(Middleware); ok {
		return func(mc *Context, _ any) iter.Seq2[any, error] { return m.Execute(mc) }, nil
	}

	method := reflect.ValueOf(instance).MethodByName("Execute")
	if !method.IsValid() {
		return nil, errspkg.InvalidOperation("middleware %T has no Execute method", instance)
	}
	mt := method.Type()
	if mt.NumIn() != 2 || mt.In(0) != contextType || mt.NumOut() != 1 || !mt.Out(0).ConvertibleTo(seqType) {
		return nil, errspkg.InvalidOperation("middleware %T has an unsupported Execute signature %s", instance, mt)
	}
	cfgType := mt.In(1)

	return func(mc *Context, cfg any) iter.Seq2[any, error] {
		cv := reflect.ValueOf(cfg)
		if !cv.IsValid() {
			cv = reflect.Zero(cfgType)
		}
		if !cv.Type().AssignableTo(cfgType) {
			return failed(errspkg.InvalidOperation("middleware %T expects configuration %s, got %s", instance, cfgType, cv.Type()))
		}
		out := method.Call([]reflect.Value{reflect.ValueOf(mc), cv})
		return out[0].Convert(seqType).Interface().(iter.Seq2[any, error])
	}, nil
}

func failed(err error) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(nil, err)
	}
}
