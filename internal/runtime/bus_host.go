package runtime

import (
	"reflect"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/patrickmn/go-cache"

	"github.com/drblury/protostream/internal/runtime/callctx"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	"github.com/drblury/protostream/internal/runtime/ids"
	"github.com/drblury/protostream/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/protostream/internal/runtime/logging"
	"github.com/drblury/protostream/internal/runtime/metadata"
	"github.com/drblury/protostream/internal/runtime/registry"
	"github.com/drblury/protostream/internal/runtime/services"
)

// ServeOption customises a bus stream host.
type ServeOption func(*busHostOptions)

type busHostOptions struct {
	key   any
	keyed bool
}

// WithServeKey serves the registration made under key instead of the
// unkeyed one.
func WithServeKey(key any) ServeOption {
	return func(o *busHostOptions) {
		o.key = key
		o.keyed = true
	}
}

// ServeBus hosts the producer registered for Req -> Item on the bus topic
// name. Requests arriving there are executed in a fresh scope each and their
// items published to the caller's reply topic. Hosts must be added before
// Start.
func ServeBus[Req, Item any](svc *Service, name string, opts ...ServeOption) error {
	if svc == nil {
		return errspkg.InvalidArgument("service is nil")
	}
	if name == "" {
		return errspkg.InvalidArgument("bus topic is empty")
	}
	var o busHostOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.keyed && (o.key == nil || !reflect.TypeOf(o.key).Comparable()) {
		return errspkg.InvalidArgument("serve key %v (%T) is not comparable", o.key, o.key)
	}

	topic := svc.Topic(name)
	pair := registry.Pair{Request: reflect.TypeFor[Req](), Item: reflect.TypeFor[Item]()}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	switch {
	case svc.closed:
		return errspkg.InvalidOperation("service is closed")
	case svc.router.IsRunning():
		return errspkg.InvalidOperation("cannot host %s after the service started", topic)
	}
	if _, dup := svc.hosted[topic]; dup {
		return errspkg.InvalidOperation("bus topic %s is already hosted", topic)
	}
	svc.hosted[topic] = struct{}{}

	host := &busHost[Req, Item]{svc: svc, topic: topic, pair: pair, opts: o}
	svc.router.AddNoPublisherHandler("protostream_"+topic, topic, svc.subscriber, host.handle)

	svc.Logger.Info("Hosting bus stream", loggingpkg.LogFields{
		"topic": topic,
		"pair":  pair.String(),
	})
	return nil
}

type busHost[Req, Item any] struct {
	svc   *Service
	topic string
	pair  registry.Pair
	opts  busHostOptions
}

func (h *busHost[Req, Item]) handle(msg *message.Message) error {
	md := metadata.FromWatermill(msg.Metadata)
	reply := md[metadata.KeyReplyTopic]
	fields := loggingpkg.LogFields{
		"topic":          h.topic,
		"message_uuid":   msg.UUID,
		"correlation_id": md[metadata.KeyCorrelationID],
	}
	if reply == "" {
		h.svc.Logger.Error("Dropping bus request without reply topic", errspkg.InvalidArgument("missing %s", metadata.KeyReplyTopic), fields)
		return nil
	}
	if err := h.svc.delivered.Add(msg.UUID, struct{}{}, cache.DefaultExpiration); err != nil {
		h.svc.Logger.Debug("Skipping duplicate bus request", fields)
		return nil
	}

	if err := h.serve(msg, md, reply); err != nil {
		// Let the redelivery run the stream again.
		h.svc.delivered.Delete(msg.UUID)
		h.svc.Logger.Error("Failed to publish bus reply", err, fields)
		return err
	}
	return nil
}

func (h *busHost[Req, Item]) serve(msg *message.Message, md metadata.Metadata, reply string) error {
	provider, err := h.svc.Build()
	if err != nil {
		return err
	}
	scope := provider.NewScope()
	defer scope.Close()

	ctx, cc, handle := callctx.Restore(msg.Context(), md)
	defer handle.Release()

	r := &replier{svc: h.svc, topic: reply, cc: cc}

	decoded, err := jsoncodec.DecodeAs(msg.Payload, h.pair.Request)
	if err != nil {
		return r.fail(errspkg.InvalidArgument("decode %s request: %v", h.pair.Request, err))
	}
	req, _ := decoded.(Req)

	producer, err := h.resolve(scope)
	if err != nil {
		return r.fail(err)
	}
	for item, err := range producer.ExecuteRequest(ctx, req) {
		if err != nil {
			return r.fail(err)
		}
		payload, err := jsoncodec.Marshal(item)
		if err != nil {
			return r.fail(err)
		}
		if err := r.send(EventItem, payload, nil); err != nil {
			return err
		}
	}
	return r.send(EventEnd, nil, nil)
}

func (h *busHost[Req, Item]) resolve(scope *services.Scope) (Handler[Req, Item], error) {
	var (
		e   registry.Entry
		err error
	)
	if h.opts.keyed {
		e, err = h.svc.table.ResolveKeyed(h.pair.Request, h.pair.Item, h.opts.key)
	} else {
		e, err = h.svc.table.Resolve(h.pair.Request, h.pair.Item)
	}
	if err != nil {
		return nil, err
	}
	// The restored call context is reused, so the remote caller's correlation
	// id reaches the handler.
	return newProxy[Req, Item](h.svc, scope, e, true)
}

// replier publishes the reply events of one request in order.
type replier struct {
	svc   *Service
	topic string
	cc    *callctx.CallContext
	seq   int
}

func (r *replier) send(event string, payload []byte, extra metadata.Metadata) error {
	md := r.cc.Export().WithAll(extra)
	md[metadata.KeyStreamEvent] = event
	md[metadata.KeyStreamSeq] = strconv.Itoa(r.seq)

	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = metadata.ToWatermill(md)
	if err := r.svc.publisher.Publish(r.topic, msg); err != nil {
		return err
	}
	r.seq++
	return nil
}

// fail reports err to the caller. Only a publish failure is returned.
func (r *replier) fail(err error) error {
	return r.send(EventError, nil, metadata.Metadata{metadata.KeyErrorMessage: err.Error()})
}
