// Package protostream dispatches typed requests to handlers that answer with a
// lazy stream of items. A handler is any type with a method
//
//	ExecuteRequest(ctx context.Context, req Req) iter.Seq2[Item, error]
//
// registered on a Service under its request/item pair. Callers resolve a
// Handler[Req, Item] from a Scope and range over the returned stream; nothing
// runs until the first pull, and breaking out of the loop stops the producer.
//
// Every invocation passes through a middleware pipeline. The default pipeline
// logs streams, optionally traces them with OpenTelemetry and counts them with
// Prometheus, runs StreamHooks, and turns handler panics into PanicError.
// Registrations can add, remove or reconfigure middlewares through
// WithPipeline or by implementing PipelineConfigurer.
//
// # Consumers
//
// A Consumer[Item] handles one item at a time through HandleItem. Consumers
// are registered like handlers, by type, factory or instance and optionally
// under a key, or built ad hoc with NewConsumer. Each item runs through its
// own pipeline, which by default only recovers panics. Consume feeds a whole
// stream to a consumer.
//
// # Clients and transports
//
// RegisterClient and NewClient put a client facade in front of a producer.
// InProcess runs the registered handler in this process; Bus sends the request
// over the configured Watermill transport to a process that called ServeBus,
// and resequences the streamed replies.
//
// Protostream supports these bus transports out of the box:
//   - channel: in-memory Go channels, the default
//   - kafka: Kafka topics through Sarama
//   - rabbitmq: AMQP queues
//   - nats: NATS core subjects
//   - http: HTTP push between processes
//   - aws: SNS topics fanned out to SQS queues
//
// # Call context
//
// Each top-level invocation carries a CallContext with a fresh correlation id
// and a trace id inherited from the caller. Nested invocations made from
// inside a handler share their parent's context. CurrentCallContext reads it
// from a context.Context; helpers built for an invocation can inject
// *CallContextAccessor instead, which stays bound to that invocation.
package protostream
