/*
Package runtime is the streaming dispatch engine behind protostream.

# Architecture Overview

A Service maps request/item type pairs to producers. A producer is a handler
type, a factory, an instance, a delegate, or a transport client. Every
invocation resolves its producer from a services.Scope and runs it at the end
of a middleware pipeline. All work is lazy and happens when the returned
iter.Seq2 is first pulled.

# Package Structure

## Core Service (service.go)

The Service struct owns:
  - the registration table and the service container
  - the default pipeline entries (logging, tracing, metrics, hooks, recoverer)
  - the Watermill bus transport and the router hosting bus streams
  - the HTTP server exposing /metrics

## Registration (registration.go)

RegisterHandler, RegisterHandlerFactory, RegisterHandlerInstance,
RegisterHandlerFunc and RegisterClient record producers. RegisterMiddleware
and its variants record middleware types a pipeline may name.

## Resolution and execution (proxy.go, client.go)

Resolve, ResolveKeyed and ResolveAs hand out proxies. A proxy composes the
pipeline on each invocation. Client facades choose their transport through a
TransportFactory; UseInProcess and UseBus are the built-in choices.

## Bus (bus.go, bus_host.go)

ServeBus hosts a pair on a bus topic. The bus client publishes a request with
a private reply topic and streams the sequenced reply events back.

# Sub-packages

  - callctx/: correlation and trace ids of the active invocation
  - config/: service configuration with validation
  - contract/: reflective checks of the handler and middleware contracts
  - errors/: sentinel errors and error types
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling for bus payloads and logged payloads
  - logging/: logger interface and adapters
  - metadata/: string bags carried by call contexts and messages
  - pipeline/: the pipeline builder and chain composer
  - registry/: the registration table
  - services/: the dependency-injection container

# Usage Example

	svc, err := runtime.NewService(&config.Config{}, logger, ctx, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	if err := runtime.RegisterHandler[*CountdownHandler](svc); err != nil {
		return err
	}

	provider, err := svc.Build()
	if err != nil {
		return err
	}
	scope := provider.NewScope()
	defer scope.Close()

	countdown, err := runtime.Resolve[CountdownRequest, int](scope)
	if err != nil {
		return err
	}
	for n, err := range countdown.ExecuteRequest(ctx, CountdownRequest{From: 3}) {
		...
	}
*/
package runtime
