package transport

// Capabilities describes what a transport backend guarantees to the stream
// client and host.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	// When false the stream client resequences items by their sequence number.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates metadata headers, so
	// the call context survives the hop.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport redelivers nacked messages.
	SupportsNack bool

	// SupportsPartitioning indicates topics are split into partitions.
	SupportsPartitioning bool

	// EphemeralTopics indicates per-call reply topics are cheap to create.
	EphemeralTopics bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresResequencing reports whether stream items may arrive out of order.
func (c Capabilities) RequiresResequencing() bool {
	return !c.SupportsOrdering
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory transport. Deliveries to a
	// subscriber run on their own goroutines, so order is not kept.
	ChannelCapabilities = Capabilities{
		Name:            "channel",
		SupportsTracing: true,
		SupportsAck:     true,
		SupportsNack:    true,
		EphemeralTopics: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		EphemeralTopics:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		EphemeralTopics: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// AWSCapabilities for SNS/SQS. Every reply topic provisions a queue.
	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: false,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name from the
// default registry. Unknown transports report a zero set with only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
