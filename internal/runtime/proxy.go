package runtime

import (
	"context"
	"iter"
	"reflect"

	"github.com/drblury/protostream/internal/runtime/callctx"
	"github.com/drblury/protostream/internal/runtime/contract"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/registry"
	"github.com/drblury/protostream/internal/runtime/services"
)

// Handler is the typed streaming contract every registration answers.
type Handler[Req, Item any] interface {
	ExecuteRequest(ctx context.Context, req Req) iter.Seq2[Item, error]
}

// PipelineConfigurer is implemented by handler types that shape their own
// middleware pipeline. It is called once per resolved instance per invocation.
type PipelineConfigurer interface {
	ConfigurePipeline(b *pipeline.Builder)
}

// handlerProxy is what Resolve hands out. Every call goes through the
// pipeline composed for its registration.
type handlerProxy[Req, Item any] struct {
	svc    *Service
	scope  *services.Scope
	reg    *handlerRegistration
	nested bool
}

func (p *handlerProxy[Req, Item]) ExecuteRequest(ctx context.Context, req Req) iter.Seq2[Item, error] {
	return castStream[Item](p.svc.execute(ctx, p.scope, p.reg, req, p.nested))
}

func castStream[Item any](stream iter.Seq2[any, error]) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		var zero Item
		for item, err := range stream {
			if err != nil {
				yield(zero, err)
				return
			}
			if item == nil {
				if !yield(zero, nil) {
					return
				}
				continue
			}
			typed, ok := item.(Item)
			if !ok {
				yield(zero, errspkg.InvalidOperation("stream yielded %T, want %s", item, reflect.TypeFor[Item]()))
				return
			}
			if !yield(typed, nil) {
				return
			}
		}
	}
}

func serviceFrom(scope *services.Scope) (*Service, error) {
	if scope == nil {
		return nil, errspkg.InvalidArgument("scope is nil")
	}
	return services.Resolve[*Service](scope)
}

func registrationOf(e registry.Entry) (*handlerRegistration, error) {
	reg, ok := e.Payload.(*handlerRegistration)
	if !ok {
		return nil, errspkg.InvalidOperation("registration %s was not made through a service", e)
	}
	return reg, nil
}

// Resolve returns the producer registered for Req -> Item in scope.
func Resolve[Req, Item any](scope *services.Scope) (Handler[Req, Item], error) {
	svc, err := serviceFrom(scope)
	if err != nil {
		return nil, err
	}
	e, err := svc.table.Resolve(reflect.TypeFor[Req](), reflect.TypeFor[Item]())
	if err != nil {
		return nil, err
	}
	return newProxy[Req, Item](svc, scope, e, false)
}

// ResolveKeyed returns the producer registered for Req -> Item under key.
func ResolveKeyed[Req, Item any](scope *services.Scope, key any) (Handler[Req, Item], error) {
	svc, err := serviceFrom(scope)
	if err != nil {
		return nil, err
	}
	e, err := svc.table.ResolveKeyed(reflect.TypeFor[Req](), reflect.TypeFor[Item](), key)
	if err != nil {
		return nil, err
	}
	return newProxy[Req, Item](svc, scope, e, false)
}

// ResolveAs returns the producer behind the handler interface I. When no
// registration named I explicitly, the unkeyed registration for the pair is
// used.
func ResolveAs[I, Req, Item any](scope *services.Scope) (I, error) {
	var zero I
	iface := reflect.TypeFor[I]()
	if err := checkInterfacePair[Req, Item](iface); err != nil {
		return zero, err
	}
	svc, err := serviceFrom(scope)
	if err != nil {
		return zero, err
	}
	e, err := svc.table.ResolveInterface(iface)
	if err != nil {
		if e, err = svc.table.Resolve(reflect.TypeFor[Req](), reflect.TypeFor[Item]()); err != nil {
			return zero, err
		}
	}
	proxy, err := newProxy[Req, Item](svc, scope, e, false)
	if err != nil {
		return zero, err
	}
	return asInterface[I](proxy)
}

func checkInterfacePair[Req, Item any](iface reflect.Type) error {
	accepted, err := contract.Check(contract.InspectHandlerInterface(iface))
	if err != nil {
		return err
	}
	if accepted.RequestType != reflect.TypeFor[Req]() || accepted.ItemType != reflect.TypeFor[Item]() {
		return errspkg.InvalidArgument("interface %s handles %s -> %s, not %s -> %s",
			iface, accepted.RequestType, accepted.ItemType, reflect.TypeFor[Req](), reflect.TypeFor[Item]())
	}
	return nil
}

func asInterface[I any](h any) (I, error) {
	typed, ok := h.(I)
	if !ok {
		var zero I
		return zero, errspkg.InvalidArgument("%s must declare ExecuteRequest returning iter.Seq2", reflect.TypeFor[I]())
	}
	return typed, nil
}

func newProxy[Req, Item any](svc *Service, scope *services.Scope, e registry.Entry, nested bool) (*handlerProxy[Req, Item], error) {
	reg, err := registrationOf(e)
	if err != nil {
		return nil, err
	}
	return &handlerProxy[Req, Item]{svc: svc, scope: scope, reg: reg, nested: nested}, nil
}

// execute runs one invocation of reg. All work, including handler and
// transport resolution, happens when the stream is first pulled.
func (s *Service) execute(ctx context.Context, scope *services.Scope, reg *handlerRegistration, req any, nested bool) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		ctx := ctx
		if ctx == nil {
			ctx = context.Background()
		}

		var (
			cc     *callctx.CallContext
			handle callctx.Handle
		)
		if nested {
			ctx, cc, handle = callctx.EnterNested(ctx)
		} else {
			ctx, cc, handle = callctx.EnterNew(ctx)
		}
		defer handle.Release()
		scope := invocationScope(scope, cc)

		terminal, info, configurers, err := s.terminalFor(ctx, scope, reg)
		if err != nil {
			yield(nil, err)
			return
		}

		b := pipeline.NewBuilder(scope, pipeline.WithTransport(info), pipeline.WithEntries(s.defaultEntries()...))
		for _, configure := range configurers {
			configure(b)
		}
		if err := b.Err(); err != nil {
			yield(nil, err)
			return
		}

		chain := pipeline.Compose(b.Entries(), terminal, pipeline.Options{
			Scope:       scope,
			RequestType: reg.pair.Request,
			ItemType:    reg.pair.Item,
			Transport:   info,
			Resolver:    s.resolveMiddleware,
		})
		for item, err := range chain(ctx, req) {
			if !yield(item, err) || err != nil {
				return
			}
		}
	}
}

var accessorType = reflect.TypeFor[*callctx.Accessor]()

// invocationScope overlays scope with an accessor bound to cc. Everything the
// invocation builds transiently resolves through it.
func invocationScope(scope *services.Scope, cc *callctx.CallContext) *services.Scope {
	return scope.Overlay(accessorType, callctx.Bind(cc))
}

// scopeBinder is implemented by handlers that must see the invocation scope
// even when the instance itself is cached longer.
type scopeBinder interface {
	bindScope(*services.Scope) any
}

func (s *Service) terminalFor(ctx context.Context, scope *services.Scope, reg *handlerRegistration) (pipeline.ExecuteFunc, pipeline.TransportInfo, []func(*pipeline.Builder), error) {
	if reg.client != nil {
		client, err := s.clientFor(ctx, scope, reg)
		if err != nil {
			return nil, pipeline.TransportInfo{}, nil, err
		}
		itemType := reg.pair.Item
		terminal := func(ctx context.Context, req any) iter.Seq2[any, error] {
			return client.ExecuteRequest(ctx, req, itemType)
		}
		return terminal, client.Info(), reg.configure, nil
	}

	instance, err := scope.GetKeyed(reg.implType, reg)
	if err != nil {
		return nil, pipeline.TransportInfo{}, nil, err
	}
	if sb, ok := instance.(scopeBinder); ok {
		instance = sb.bindScope(scope)
	}
	configurers := make([]func(*pipeline.Builder), 0, len(reg.configure)+1)
	if pc, ok := instance.(PipelineConfigurer); ok {
		configurers = append(configurers, pc.ConfigurePipeline)
	}
	configurers = append(configurers, reg.configure...)
	return reg.terminal(instance), pipeline.InProcess, configurers, nil
}

func (s *Service) resolveMiddleware(scope *services.Scope, mt reflect.Type) (pipeline.Invoker, error) {
	s.mu.RLock()
	_, ok := s.middlewares[mt]
	s.mu.RUnlock()
	if !ok {
		return nil, pipeline.UnregisteredError(mt)
	}
	return pipeline.ResolveFromScope(scope, mt)
}

func typedTerminal[Req, Item any](instance any) pipeline.ExecuteFunc {
	h := instance.(Handler[Req, Item])
	return func(ctx context.Context, req any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			typed, ok := req.(Req)
			if !ok && req != nil {
				yield(nil, errspkg.InvalidOperation("request is %T, want %s", req, reflect.TypeFor[Req]()))
				return
			}
			stream := h.ExecuteRequest(ctx, typed)
			if stream == nil {
				return
			}
			for item, err := range stream {
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

var boolType = reflect.TypeFor[bool]()

// reflectTerminal calls ExecuteRequest on a handler whose types are only
// known at registration time.
func reflectTerminal(instance any, reqType reflect.Type) pipeline.ExecuteFunc {
	method := reflect.ValueOf(instance).MethodByName(contract.HandlerMethod)
	return func(ctx context.Context, req any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			rv := reflect.ValueOf(req)
			switch {
			case !rv.IsValid():
				rv = reflect.Zero(reqType)
			case !rv.Type().AssignableTo(reqType):
				yield(nil, errspkg.InvalidOperation("request is %T, want %s", req, reqType))
				return
			}
			seq := method.Call([]reflect.Value{reflect.ValueOf(ctx), rv})[0]
			if seq.IsNil() {
				return
			}

			yieldType := seq.Type().In(0)
			stopped := false
			fn := reflect.MakeFunc(yieldType, func(args []reflect.Value) []reflect.Value {
				if stopped {
					return []reflect.Value{reflect.ValueOf(false)}
				}
				item := args[0].Interface()
				err, _ := args[1].Interface().(error)
				if err != nil {
					item = nil
				}
				if !yield(item, err) || err != nil {
					stopped = true
				}
				return []reflect.Value{reflect.ValueOf(!stopped).Convert(boolType)}
			})
			seq.Call([]reflect.Value{fn})
		}
	}
}
