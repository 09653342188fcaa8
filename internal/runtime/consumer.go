package runtime

import (
	"context"
	"iter"
	"reflect"

	"github.com/drblury/protostream/internal/runtime/callctx"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	loggingpkg "github.com/drblury/protostream/internal/runtime/logging"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/services"
)

// Consumer handles the items of a stream one at a time. Types that also
// implement PipelineConfigurer shape the pipeline each item passes through.
type Consumer[Item any] interface {
	HandleItem(ctx context.Context, item Item) error
}

// ConsumerFunc is the signature of delegate consumers. The scope is the one
// the item is handled in.
type ConsumerFunc[Item any] func(ctx context.Context, item Item, scope *services.Scope) error

type consumerKey struct {
	item  reflect.Type
	key   any
	keyed bool
}

type consumerRegistration struct {
	item      reflect.Type
	implType  reflect.Type
	kind      string
	lifetime  services.Lifetime
	key       any
	keyed     bool
	configure []func(*pipeline.Builder)

	// factory is nil for ad-hoc delegates; their proxy carries the function.
	factory  services.Factory
	terminal func(instance any) pipeline.ExecuteFunc
}

func (r *consumerRegistration) serviceKey() consumerKey {
	return consumerKey{item: r.item, key: r.key, keyed: r.keyed}
}

// RegisterConsumer registers C, constructed from its zero value, as the
// consumer of Item. Pointer-to-struct types receive a fresh allocation.
func RegisterConsumer[C Consumer[Item], Item any](svc *Service, opts ...HandlerOption) error {
	t := reflect.TypeFor[C]()
	if t.Kind() == reflect.Interface {
		return errspkg.InvalidArgument("cannot construct consumer interface %s; register a concrete type", t)
	}
	return registerConsumer[C, Item](svc, KindType, func(*services.Scope) (any, error) {
		if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
			return reflect.New(t.Elem()).Interface(), nil
		}
		return reflect.Zero(t).Interface(), nil
	}, false, opts)
}

// RegisterConsumerFactory registers C built by factory as the consumer of Item.
func RegisterConsumerFactory[C Consumer[Item], Item any](svc *Service, factory func(*services.Scope) (C, error), opts ...HandlerOption) error {
	if factory == nil {
		return errspkg.InvalidArgument("consumer factory for %s is nil", reflect.TypeFor[C]())
	}
	return registerConsumer[C, Item](svc, KindFactory, func(s *services.Scope) (any, error) {
		return factory(s)
	}, false, opts)
}

// RegisterConsumerInstance registers an existing consumer. It is shared by
// every scope and never closed by the service.
func RegisterConsumerInstance[C Consumer[Item], Item any](svc *Service, consumer C, opts ...HandlerOption) error {
	if v := reflect.ValueOf(consumer); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return errspkg.InvalidArgument("consumer instance for %s is nil", reflect.TypeFor[C]())
	}
	opts = append(opts, WithLifetime(services.Singleton))
	return registerConsumer[C, Item](svc, KindInstance, func(*services.Scope) (any, error) {
		return consumer, nil
	}, true, opts)
}

func registerConsumer[C Consumer[Item], Item any](svc *Service, kind string, factory services.Factory, shared bool, opts []HandlerOption) error {
	if svc == nil {
		return errspkg.InvalidArgument("service is nil")
	}
	// Handler options are reused; only lifetime, key and pipeline apply.
	var scratch handlerRegistration
	for _, opt := range opts {
		opt(&scratch)
	}
	if len(scratch.interfaces) > 0 {
		return errspkg.InvalidArgument("consumers cannot be registered behind handler interfaces")
	}
	if scratch.keyed && (scratch.key == nil || !reflect.TypeOf(scratch.key).Comparable()) {
		return errspkg.InvalidArgument("registration key %v (%T) is not comparable", scratch.key, scratch.key)
	}

	reg := &consumerRegistration{
		item:      reflect.TypeFor[Item](),
		implType:  reflect.TypeFor[C](),
		kind:      kind,
		lifetime:  scratch.lifetime,
		key:       scratch.key,
		keyed:     scratch.keyed,
		configure: scratch.configure,
		factory:   factory,
		terminal:  consumerTerminal[Item],
	}
	return svc.registerConsumer(reg, shared)
}

func (s *Service) registerConsumer(reg *consumerRegistration, shared bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider != nil {
		return errspkg.InvalidOperation("cannot register consumer for %s after the service was built", reg.item)
	}

	k := reg.serviceKey()
	if existing, ok := s.consumers[k]; ok {
		if existing.implType != reg.implType {
			if reg.keyed {
				return errspkg.InvalidOperation("consumer %s for %s with key %v is already registered; cannot add %s",
					existing.implType, reg.item, reg.key, reg.implType)
			}
			return errspkg.InvalidOperation("consumer %s for %s is already registered; cannot add %s; use a keyed registration",
				existing.implType, reg.item, reg.implType)
		}
		if err := s.services.Remove(existing.implType, existing, true); err != nil {
			return err
		}
	}

	d := services.Descriptor{
		Type:     reg.implType,
		Key:      reg,
		Keyed:    true,
		Lifetime: reg.lifetime,
		Factory:  reg.factory,
	}
	var err error
	if shared {
		err = s.services.AddShared(d)
	} else {
		err = s.services.Add(d)
	}
	if err != nil {
		return err
	}
	s.consumers[k] = reg

	s.Logger.Debug("Registered stream consumer", loggingpkg.LogFields{
		"item":           reg.item.String(),
		"implementation": reg.implType.String(),
		"kind":           reg.kind,
		"lifetime":       reg.lifetime.String(),
	})
	return nil
}

// ResolveConsumer returns the consumer registered for Item in scope.
func ResolveConsumer[Item any](scope *services.Scope) (Consumer[Item], error) {
	return resolveConsumer[Item](scope, consumerKey{item: reflect.TypeFor[Item]()})
}

// ResolveConsumerKeyed returns the consumer registered for Item under key.
func ResolveConsumerKeyed[Item any](scope *services.Scope, key any) (Consumer[Item], error) {
	if key == nil || !reflect.TypeOf(key).Comparable() {
		return nil, errspkg.InvalidArgument("registration key %v (%T) is not comparable", key, key)
	}
	return resolveConsumer[Item](scope, consumerKey{item: reflect.TypeFor[Item](), key: key, keyed: true})
}

func resolveConsumer[Item any](scope *services.Scope, k consumerKey) (Consumer[Item], error) {
	svc, err := serviceFrom(scope)
	if err != nil {
		return nil, err
	}
	svc.mu.RLock()
	reg, ok := svc.consumers[k]
	svc.mu.RUnlock()
	if !ok {
		if k.keyed {
			return nil, errspkg.NotFound("no consumer registered for %s with key %v", k.item, k.key)
		}
		return nil, errspkg.NotFound("no consumer registered for %s", k.item)
	}
	return &consumerProxy[Item]{svc: svc, scope: scope, reg: reg}, nil
}

// NewConsumer wraps fn in a consumer that runs every item through its own
// pipeline, as configured by configure.
func NewConsumer[Item any](scope *services.Scope, fn ConsumerFunc[Item], configure func(*pipeline.Builder)) (Consumer[Item], error) {
	if fn == nil {
		return nil, errspkg.InvalidArgument("consumer func for %s is nil", reflect.TypeFor[Item]())
	}
	svc, err := serviceFrom(scope)
	if err != nil {
		return nil, err
	}
	reg := &consumerRegistration{
		item:     reflect.TypeFor[Item](),
		implType: reflect.TypeFor[ConsumerFunc[Item]](),
		kind:     KindDelegate,
		terminal: consumerTerminal[Item],
	}
	if configure != nil {
		reg.configure = append(reg.configure, configure)
	}
	return &consumerProxy[Item]{svc: svc, scope: scope, reg: reg, fn: fn}, nil
}

// Consume feeds every item of stream to consumer. It stops at the first
// stream or consumer error and returns it.
func Consume[Item any](ctx context.Context, stream iter.Seq2[Item, error], consumer Consumer[Item]) error {
	if consumer == nil {
		return errspkg.InvalidArgument("consumer is nil")
	}
	for item, err := range stream {
		if err != nil {
			return err
		}
		if err := consumer.HandleItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

type consumerProxy[Item any] struct {
	svc   *Service
	scope *services.Scope
	reg   *consumerRegistration
	fn    ConsumerFunc[Item]
}

func (p *consumerProxy[Item]) HandleItem(ctx context.Context, item Item) error {
	for _, err := range p.svc.consume(ctx, p.scope, p.reg, p.instance, item) {
		if err != nil {
			return err
		}
	}
	return nil
}

// instance resolves the consumer for one item from the invocation scope.
func (p *consumerProxy[Item]) instance(scope *services.Scope) (any, error) {
	if p.fn != nil {
		return &funcConsumer[Item]{fn: p.fn, scope: scope}, nil
	}
	return scope.GetKeyed(p.reg.implType, p.reg)
}

type funcConsumer[Item any] struct {
	fn    ConsumerFunc[Item]
	scope *services.Scope
}

func (c *funcConsumer[Item]) HandleItem(ctx context.Context, item Item) error {
	return c.fn(ctx, item, c.scope)
}

// consume handles one item. Consumers run inside the caller's call context,
// so items handled while iterating a stream share its correlation id.
func (s *Service) consume(ctx context.Context, scope *services.Scope, reg *consumerRegistration, resolve func(*services.Scope) (any, error), item any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		ctx := ctx
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cc, handle := callctx.EnterNested(ctx)
		defer handle.Release()
		scope := invocationScope(scope, cc)

		instance, err := resolve(scope)
		if err != nil {
			yield(nil, err)
			return
		}

		b := pipeline.NewBuilder(scope, pipeline.WithTransport(pipeline.Consumer), pipeline.WithEntries(s.consumerDefaultEntries()...))
		if pc, ok := instance.(PipelineConfigurer); ok {
			pc.ConfigurePipeline(b)
		}
		for _, configure := range reg.configure {
			configure(b)
		}
		if err := b.Err(); err != nil {
			yield(nil, err)
			return
		}

		chain := pipeline.Compose(b.Entries(), reg.terminal(instance), pipeline.Options{
			Scope:       scope,
			RequestType: reg.item,
			ItemType:    reg.item,
			Transport:   pipeline.Consumer,
			Resolver:    s.resolveMiddleware,
		})
		for _, err := range chain(ctx, item) {
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

func (s *Service) consumerDefaultEntries() []pipeline.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]pipeline.Entry(nil), s.consumerDefaults...)
}

func consumerTerminal[Item any](instance any) pipeline.ExecuteFunc {
	c := instance.(Consumer[Item])
	return func(ctx context.Context, req any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			item, ok := req.(Item)
			if !ok && req != nil {
				yield(nil, errspkg.InvalidOperation("item is %T, want %s", req, reflect.TypeFor[Item]()))
				return
			}
			if err := c.HandleItem(ctx, item); err != nil {
				yield(nil, err)
			}
		}
	}
}
