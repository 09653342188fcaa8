package runtime

import (
	"context"
	"iter"
	"reflect"

	"github.com/drblury/protostream/internal/runtime/contract"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	loggingpkg "github.com/drblury/protostream/internal/runtime/logging"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/registry"
	"github.com/drblury/protostream/internal/runtime/services"
)

// Registration kinds reported in registry entries.
const (
	KindType     = "type"
	KindFactory  = "factory"
	KindInstance = "instance"
	KindDelegate = "delegate"
	KindClient   = "client"
)

type handlerRegistration struct {
	pair       registry.Pair
	implType   reflect.Type
	kind       string
	lifetime   services.Lifetime
	key        any
	keyed      bool
	configure  []func(*pipeline.Builder)
	interfaces []reflect.Type

	// factory builds the handler instance; nil for clients.
	factory services.Factory
	// terminal adapts a resolved instance to the end of the chain.
	terminal func(instance any) pipeline.ExecuteFunc
	// client is set for client registrations only.
	client TransportFactory
}

func (r *handlerRegistration) entry() registry.Entry {
	return registry.Entry{
		RequestType:        r.pair.Request,
		ItemType:           r.pair.Item,
		ImplementationType: r.implType,
		Key:                r.key,
		Keyed:              r.keyed,
		Kind:               r.kind,
		Payload:            r,
	}
}

// HandlerOption customises a handler or client registration.
type HandlerOption func(*handlerRegistration)

// WithLifetime sets how long resolved handler instances are reused. The
// default is services.Transient.
func WithLifetime(l services.Lifetime) HandlerOption {
	return func(r *handlerRegistration) { r.lifetime = l }
}

// WithKey registers the handler under key instead of as the pair's default.
func WithKey(key any) HandlerOption {
	return func(r *handlerRegistration) {
		r.key = key
		r.keyed = true
	}
}

// WithInterfaces makes the registration resolvable through each of the given
// handler interfaces.
func WithInterfaces(ifaces ...reflect.Type) HandlerOption {
	return func(r *handlerRegistration) { r.interfaces = append(r.interfaces, ifaces...) }
}

// WithInterface is WithInterfaces for a single static interface type.
func WithInterface[I any]() HandlerOption {
	return WithInterfaces(reflect.TypeFor[I]())
}

// WithPipeline adds a pipeline configuration step. It runs after the
// handler's own ConfigurePipeline hook.
func WithPipeline(fn func(*pipeline.Builder)) HandlerOption {
	return func(r *handlerRegistration) {
		if fn != nil {
			r.configure = append(r.configure, fn)
		}
	}
}

// RegisterHandler registers H, constructed from its zero value on every
// resolution. Pointer-to-struct types receive a fresh allocation.
func RegisterHandler[H any](svc *Service, opts ...HandlerOption) error {
	t := reflect.TypeFor[H]()
	if t.Kind() == reflect.Interface {
		return errspkg.InvalidArgument("cannot construct handler interface %s; register a concrete type", t)
	}
	factory := func(*services.Scope) (any, error) {
		if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
			return reflect.New(t.Elem()).Interface(), nil
		}
		return reflect.Zero(t).Interface(), nil
	}
	return svc.registerHandlerType(t, KindType, factory, opts)
}

// RegisterHandlerFactory registers H built by factory.
func RegisterHandlerFactory[H any](svc *Service, factory func(*services.Scope) (H, error), opts ...HandlerOption) error {
	if factory == nil {
		return errspkg.InvalidArgument("handler factory for %s is nil", reflect.TypeFor[H]())
	}
	return svc.registerHandlerType(reflect.TypeFor[H](), KindFactory, func(s *services.Scope) (any, error) {
		return factory(s)
	}, opts)
}

// RegisterHandlerInstance registers an existing handler. The instance is
// shared by every scope and is never closed by the service.
func RegisterHandlerInstance[H any](svc *Service, handler H, opts ...HandlerOption) error {
	t := reflect.TypeFor[H]()
	if v := reflect.ValueOf(handler); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return errspkg.InvalidArgument("handler instance for %s is nil", t)
	}
	opts = append(opts, func(r *handlerRegistration) { r.lifetime = services.Singleton })
	return svc.registerHandlerType(t, KindInstance, nil, opts, handler)
}

// HandlerFunc is the signature of delegate handlers. The scope is the one the
// invocation resolves from.
type HandlerFunc[Req, Item any] func(ctx context.Context, req Req, scope *services.Scope) iter.Seq2[Item, error]

type funcHandler[Req, Item any] struct {
	fn    HandlerFunc[Req, Item]
	scope *services.Scope
}

func (h *funcHandler[Req, Item]) ExecuteRequest(ctx context.Context, req Req) iter.Seq2[Item, error] {
	return h.fn(ctx, req, h.scope)
}

func (h *funcHandler[Req, Item]) bindScope(scope *services.Scope) any {
	return &funcHandler[Req, Item]{fn: h.fn, scope: scope}
}

// RegisterHandlerFunc registers a delegate as the handler for Req -> Item.
func RegisterHandlerFunc[Req, Item any](svc *Service, fn HandlerFunc[Req, Item], opts ...HandlerOption) error {
	if svc == nil {
		return errspkg.InvalidArgument("service is nil")
	}
	if fn == nil {
		return errspkg.InvalidArgument("handler func for %s -> %s is nil", reflect.TypeFor[Req](), reflect.TypeFor[Item]())
	}
	reg := &handlerRegistration{
		pair:     registry.Pair{Request: reflect.TypeFor[Req](), Item: reflect.TypeFor[Item]()},
		implType: reflect.TypeFor[*funcHandler[Req, Item]](),
		kind:     KindDelegate,
		factory: func(s *services.Scope) (any, error) {
			return &funcHandler[Req, Item]{fn: fn, scope: s}, nil
		},
		terminal: typedTerminal[Req, Item],
	}
	return svc.register(reg, opts)
}

// RegisterClient registers a transport client as the producer for Req ->
// Item. Resolving the pair yields the client facade; the transport is built
// by factory on first use in each scope.
func RegisterClient[Req, Item any](svc *Service, factory TransportFactory, configure func(*pipeline.Builder), opts ...HandlerOption) error {
	if svc == nil {
		return errspkg.InvalidArgument("service is nil")
	}
	if factory == nil {
		return errspkg.InvalidArgument("transport factory for %s -> %s is nil", reflect.TypeFor[Req](), reflect.TypeFor[Item]())
	}
	reg := &handlerRegistration{
		pair:     registry.Pair{Request: reflect.TypeFor[Req](), Item: reflect.TypeFor[Item]()},
		implType: reflect.TypeFor[*handlerProxy[Req, Item]](),
		kind:     KindClient,
		client:   factory,
	}
	if configure != nil {
		reg.configure = append(reg.configure, configure)
	}
	return svc.register(reg, opts)
}

func (s *Service) registerHandlerType(t reflect.Type, kind string, factory services.Factory, opts []HandlerOption, instance ...any) error {
	if s == nil {
		return errspkg.InvalidArgument("service is nil")
	}
	accepted, err := contract.Check(contract.InspectHandler(t))
	if err != nil {
		return err
	}
	if len(instance) == 1 {
		shared := instance[0]
		factory = func(*services.Scope) (any, error) { return shared, nil }
	}
	reg := &handlerRegistration{
		pair:     registry.Pair{Request: accepted.RequestType, Item: accepted.ItemType},
		implType: t,
		kind:     kind,
		factory:  factory,
		terminal: func(instance any) pipeline.ExecuteFunc { return reflectTerminal(instance, accepted.RequestType) },
	}
	return s.register(reg, opts, len(instance) == 1)
}

func (s *Service) register(reg *handlerRegistration, opts []HandlerOption, shared ...bool) error {
	for _, opt := range opts {
		opt(reg)
	}
	if reg.keyed && (reg.key == nil || !reflect.TypeOf(reg.key).Comparable()) {
		return errspkg.InvalidArgument("registration key %v (%T) is not comparable", reg.key, reg.key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider != nil {
		return errspkg.InvalidOperation("cannot register %s after the service was built", reg.pair)
	}

	superseded := s.registeredFor(reg)

	var err error
	if len(reg.interfaces) > 0 {
		err = s.table.RegisterInterface(reg.entry(), reg.interfaces...)
	} else {
		err = s.table.Register(reg.entry())
	}
	if err != nil {
		return err
	}

	if reg.factory != nil {
		d := services.Descriptor{
			Type:     reg.implType,
			Key:      reg,
			Keyed:    true,
			Lifetime: reg.lifetime,
			Factory:  reg.factory,
		}
		if len(shared) == 1 && shared[0] {
			err = s.services.AddShared(d)
		} else {
			err = s.services.Add(d)
		}
		if err != nil {
			return err
		}
	}
	if superseded != nil && superseded != reg && superseded.factory != nil {
		if err := s.services.Remove(superseded.implType, superseded, true); err != nil {
			return err
		}
	}

	s.Logger.Debug("Registered stream handler", loggingpkg.LogFields{
		"pair":           reg.pair.String(),
		"implementation": reg.implType.String(),
		"kind":           reg.kind,
		"lifetime":       reg.lifetime.String(),
	})
	return nil
}

// registeredFor returns the registration currently answering reg's pair and
// key, if one was made through this service.
func (s *Service) registeredFor(reg *handlerRegistration) *handlerRegistration {
	var (
		e   registry.Entry
		err error
	)
	if reg.keyed {
		e, err = s.table.ResolveKeyed(reg.pair.Request, reg.pair.Item, reg.key)
	} else {
		e, err = s.table.Resolve(reg.pair.Request, reg.pair.Item)
	}
	if err != nil {
		return nil
	}
	prev, _ := e.Payload.(*handlerRegistration)
	return prev
}

// MiddlewareOption customises a middleware registration.
type MiddlewareOption func(*services.Descriptor)

// WithMiddlewareLifetime sets how long resolved middleware instances are
// reused. The default is services.Transient.
func WithMiddlewareLifetime(l services.Lifetime) MiddlewareOption {
	return func(d *services.Descriptor) { d.Lifetime = l }
}

// RegisterMiddleware registers M, constructed from its zero value.
func RegisterMiddleware[M any](svc *Service, opts ...MiddlewareOption) error {
	t := reflect.TypeFor[M]()
	return svc.registerMiddleware(t, func(*services.Scope) (any, error) {
		if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
			return reflect.New(t.Elem()).Interface(), nil
		}
		return reflect.Zero(t).Interface(), nil
	}, false, opts)
}

// RegisterMiddlewareFactory registers M built by factory.
func RegisterMiddlewareFactory[M any](svc *Service, factory func(*services.Scope) (M, error), opts ...MiddlewareOption) error {
	if factory == nil {
		return errspkg.InvalidArgument("middleware factory for %s is nil", reflect.TypeFor[M]())
	}
	return svc.registerMiddleware(reflect.TypeFor[M](), func(s *services.Scope) (any, error) {
		return factory(s)
	}, false, opts)
}

// RegisterMiddlewareInstance registers a shared middleware instance.
func RegisterMiddlewareInstance[M any](svc *Service, middleware M) error {
	return svc.registerMiddleware(reflect.TypeFor[M](), func(*services.Scope) (any, error) {
		return middleware, nil
	}, true, []MiddlewareOption{WithMiddlewareLifetime(services.Singleton)})
}

func (s *Service) registerMiddleware(t reflect.Type, factory services.Factory, shared bool, opts []MiddlewareOption) error {
	if s == nil {
		return errspkg.InvalidArgument("service is nil")
	}
	if t.Kind() == reflect.Interface {
		return errspkg.InvalidArgument("cannot register middleware interface %s; register a concrete type", t)
	}
	accepted, err := contract.Check(contract.InspectMiddleware(t))
	if err != nil {
		return err
	}

	d := services.Descriptor{Type: t, Lifetime: services.Transient, Factory: factory}
	for _, opt := range opts {
		opt(&d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider != nil {
		return errspkg.InvalidOperation("cannot register middleware %s after the service was built", t)
	}
	if shared {
		err = s.services.AddShared(d)
	} else {
		err = s.services.Add(d)
	}
	if err != nil {
		return err
	}
	s.middlewares[t] = accepted.ConfigurationType

	s.Logger.Debug("Registered stream middleware", loggingpkg.LogFields{
		"middleware": t.String(),
		"lifetime":   d.Lifetime.String(),
	})
	return nil
}
