// Package transport defines the Watermill publisher/subscriber pairs that
// carry streams between services. Each backend lives in its own sub-package
// and registers a Builder under the name used by Config.GetStreamTransport.
package transport

import (
	"context"
	"errors"
	"reflect"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber and then the publisher. When both halves are
// the same value it is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil && !sameValue(t.Publisher, t.Subscriber) {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

func sameValue(pub message.Publisher, sub message.Subscriber) bool {
	pt, st := reflect.TypeOf(pub), reflect.TypeOf(sub)
	if pt == nil || pt != st || !pt.Comparable() {
		return false
	}
	return any(pub) == any(sub)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the settings transports read. The runtime config satisfies
// it; tests can supply a smaller implementation.
type Config interface {
	// GetStreamTransport returns the registered transport name.
	GetStreamTransport() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
	GetKafkaClientID() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
