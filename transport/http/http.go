// Package http provides an HTTP transport. Each topic is served as a POST
// route on the subscriber's server and published to publisherURL + route.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/protostream/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the HTTP transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// TopicPath maps a topic onto its route.
func TopicPath(topic string) string {
	return "/" + strings.TrimPrefix(topic, "/")
}

// Build creates a new HTTP transport and starts the subscriber's server in
// the background.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := strings.TrimSuffix(cfg.GetHTTPPublisherURL(), "/")
	if serverAddr == "" || publisherURL == "" {
		return transport.Transport{}, errors.New("http: server address and publisher URL are required")
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+TopicPath(topic), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("Failed to start HTTP subscriber server", err, watermill.LogFields{"addr": serverAddr})
			}
		}()
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: pathSubscriber{Subscriber: subscriber},
	}, nil
}

// pathSubscriber routes topics through TopicPath so publisher and subscriber
// agree on the route.
type pathSubscriber struct {
	message.Subscriber
}

func (p pathSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return p.Subscriber.Subscribe(ctx, TopicPath(topic))
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
