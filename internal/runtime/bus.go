package runtime

import (
	"context"
	"fmt"
	"iter"
	"reflect"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protostream/internal/runtime/callctx"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	"github.com/drblury/protostream/internal/runtime/ids"
	"github.com/drblury/protostream/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/protostream/internal/runtime/logging"
	"github.com/drblury/protostream/internal/runtime/metadata"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/registry"
)

// Stream events carried in metadata.KeyStreamEvent of reply messages.
const (
	EventItem  = "item"
	EventEnd   = "end"
	EventError = "error"
)

// busClient publishes a request on the service bus and streams the replies
// of the host serving its topic. Each invocation listens on its own reply
// topic.
type busClient struct {
	svc   *Service
	topic string
	pair  registry.Pair
}

func (c *busClient) Info() pipeline.TransportInfo {
	return pipeline.TransportInfo{Name: c.svc.settings.StreamTransport, Role: pipeline.RoleClient}
}

func (c *busClient) ExecuteRequest(ctx context.Context, req any, itemType reflect.Type) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		topic := c.svc.Topic(c.topic)
		replyTopic := ids.ReplyTopic(topic)

		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		// Subscribe first so no reply can be published before we listen.
		replies, err := c.svc.subscriber.Subscribe(subCtx, replyTopic)
		if err != nil {
			yield(nil, fmt.Errorf("subscribe to %s: %w", replyTopic, err))
			return
		}

		payload, err := jsoncodec.Marshal(req)
		if err != nil {
			yield(nil, err)
			return
		}

		md := metadata.Metadata{}
		if cc := callctx.FromContext(ctx); cc != nil {
			md = cc.Export()
		}
		md[metadata.KeyReplyTopic] = replyTopic
		md[metadata.KeyRequestType] = typeName(c.pair.Request)
		md[metadata.KeyItemType] = typeName(itemType)

		msg := message.NewMessage(ids.CreateULID(), payload)
		msg.Metadata = metadata.ToWatermill(md)
		msg.SetContext(ctx)
		if err := c.svc.publisher.Publish(topic, msg); err != nil {
			yield(nil, fmt.Errorf("publish to %s: %w", topic, err))
			return
		}

		c.receive(ctx, replyTopic, replies, itemType, yield)
	}
}

func (c *busClient) receive(ctx context.Context, replyTopic string, replies <-chan *message.Message, itemType reflect.Type, yield func(any, error) bool) {
	timeout := c.svc.settings.StreamIdleTimeout
	var (
		timer *time.Timer
		idle  <-chan time.Time
	)
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		idle = timer.C
	}

	next := 0
	pending := make(map[int]*message.Message)

	for {
		select {
		case <-ctx.Done():
			yield(nil, ctx.Err())
			return
		case <-idle:
			yield(nil, fmt.Errorf("%w: no event on %s for %s", errspkg.ErrStreamTimeout, replyTopic, timeout))
			return
		case msg, ok := <-replies:
			if !ok {
				yield(nil, fmt.Errorf("%w: reply subscription %s ended", errspkg.ErrTransportClosed, replyTopic))
				return
			}
			msg.Ack()
			if timer != nil {
				timer.Reset(timeout)
			}

			seq, err := strconv.Atoi(msg.Metadata.Get(metadata.KeyStreamSeq))
			if err != nil {
				c.svc.Logger.Error("Dropping bus reply without sequence", err, loggingpkg.LogFields{
					"reply_topic":  replyTopic,
					"message_uuid": msg.UUID,
				})
				continue
			}
			if seq < next {
				continue
			}
			pending[seq] = msg

			for {
				m, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if !c.emit(m, itemType, yield) {
					return
				}
			}
		}
	}
}

// emit forwards one reply event and reports whether the stream continues.
func (c *busClient) emit(msg *message.Message, itemType reflect.Type, yield func(any, error) bool) bool {
	switch event := msg.Metadata.Get(metadata.KeyStreamEvent); event {
	case EventItem:
		item, err := jsoncodec.DecodeAs(msg.Payload, itemType)
		if err != nil {
			yield(nil, fmt.Errorf("decode %s item: %w", itemType, err))
			return false
		}
		return yield(item, nil)
	case EventEnd:
		return false
	case EventError:
		yield(nil, &errspkg.RemoteError{
			Message:       msg.Metadata.Get(metadata.KeyErrorMessage),
			CorrelationID: msg.Metadata.Get(metadata.KeyCorrelationID),
		})
		return false
	default:
		yield(nil, errspkg.InvalidOperation("unknown stream event %q", event))
		return false
	}
}
