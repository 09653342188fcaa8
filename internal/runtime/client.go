package runtime

import (
	"context"
	"iter"
	"reflect"

	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	loggingpkg "github.com/drblury/protostream/internal/runtime/logging"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/registry"
	"github.com/drblury/protostream/internal/runtime/services"
)

// TransportClient carries one request to wherever its stream is produced.
type TransportClient interface {
	ExecuteRequest(ctx context.Context, req any, itemType reflect.Type) iter.Seq2[any, error]
	Info() pipeline.TransportInfo
}

// TransportFactory builds the transport client of a client facade. It runs on
// the first pull of an invocation and may block; its result is reused for the
// rest of the scope.
type TransportFactory func(ctx context.Context, b *TransportClientBuilder) (TransportClient, error)

// TransportClientBuilder is handed to a TransportFactory.
type TransportClientBuilder struct {
	svc   *Service
	scope *services.Scope
	pair  registry.Pair
	self  *handlerRegistration
}

// Scope is the scope the client resolves from.
func (b *TransportClientBuilder) Scope() *services.Scope { return b.scope }

// RequestType is the request type of the client's pair.
func (b *TransportClientBuilder) RequestType() reflect.Type { return b.pair.Request }

// ItemType is the item type of the client's pair.
func (b *TransportClientBuilder) ItemType() reflect.Type { return b.pair.Item }

// UseInProcess routes requests to the handler registered for the pair. The
// handler runs inside the caller's call context.
func (b *TransportClientBuilder) UseInProcess() (TransportClient, error) {
	e, err := b.svc.table.Resolve(b.pair.Request, b.pair.Item)
	if err != nil {
		return nil, err
	}
	reg, err := registrationOf(e)
	if err != nil {
		return nil, err
	}
	if reg == b.self || reg.client != nil {
		return nil, errspkg.InvalidOperation("no in-process handler for %s; it is registered as a client", b.pair)
	}
	return &inProcessClient{svc: b.svc, scope: b.scope, reg: reg}, nil
}

// UseBus sends requests over the service's bus to the stream host serving
// topic.
func (b *TransportClientBuilder) UseBus(topic string) (TransportClient, error) {
	if topic == "" {
		return nil, errspkg.InvalidArgument("bus topic is empty")
	}
	return &busClient{svc: b.svc, topic: topic, pair: b.pair}, nil
}

// InProcess is a TransportFactory that always calls UseInProcess.
func InProcess(_ context.Context, b *TransportClientBuilder) (TransportClient, error) {
	return b.UseInProcess()
}

// Bus returns a TransportFactory that always calls UseBus(topic).
func Bus(topic string) TransportFactory {
	return func(_ context.Context, b *TransportClientBuilder) (TransportClient, error) {
		return b.UseBus(topic)
	}
}

var inProcessClientInfo = pipeline.TransportInfo{Name: pipeline.InProcess.Name, Role: pipeline.RoleClient}

type inProcessClient struct {
	svc   *Service
	scope *services.Scope
	reg   *handlerRegistration
}

func (c *inProcessClient) ExecuteRequest(ctx context.Context, req any, _ reflect.Type) iter.Seq2[any, error] {
	return c.svc.execute(ctx, c.scope, c.reg, req, true)
}

func (c *inProcessClient) Info() pipeline.TransportInfo { return inProcessClientInfo }

func (s *Service) clientFor(ctx context.Context, scope *services.Scope, reg *handlerRegistration) (TransportClient, error) {
	base := scope.Base()
	v, err := base.Memo(reg, func() (any, error) {
		client, err := reg.client(ctx, &TransportClientBuilder{svc: s, scope: base, pair: reg.pair, self: reg})
		if err != nil {
			return nil, err
		}
		if client == nil {
			return nil, errspkg.InvalidOperation("transport factory for %s returned no client", reg.pair)
		}
		return client, nil
	})
	if err != nil {
		s.Logger.Error("Failed to resolve stream transport", err, loggingpkg.LogFields{
			"pair": reg.pair.String(),
		})
		return nil, err
	}
	return v.(TransportClient), nil
}

// NewClient returns an ad-hoc client facade for Req -> Item. The facade is not
// registered; configure shapes its client-side pipeline.
func NewClient[Req, Item any](scope *services.Scope, factory TransportFactory, configure func(*pipeline.Builder)) (Handler[Req, Item], error) {
	return newClient[Req, Item](scope, factory, configure)
}

// NewClientAs is NewClient behind the handler interface I.
func NewClientAs[I, Req, Item any](scope *services.Scope, factory TransportFactory, configure func(*pipeline.Builder)) (I, error) {
	var zero I
	if err := checkInterfacePair[Req, Item](reflect.TypeFor[I]()); err != nil {
		return zero, err
	}
	proxy, err := newClient[Req, Item](scope, factory, configure)
	if err != nil {
		return zero, err
	}
	return asInterface[I](proxy)
}

func newClient[Req, Item any](scope *services.Scope, factory TransportFactory, configure func(*pipeline.Builder)) (*handlerProxy[Req, Item], error) {
	if factory == nil {
		return nil, errspkg.InvalidArgument("transport factory for %s -> %s is nil", reflect.TypeFor[Req](), reflect.TypeFor[Item]())
	}
	svc, err := serviceFrom(scope)
	if err != nil {
		return nil, err
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
	return &handlerProxy[Req, Item]{svc: svc, scope: scope, reg: reg}, nil
}
