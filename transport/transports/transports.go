// Package transports imports all built-in transports for auto-registration.
// Import this package to have every transport registered with the default
// registry.
package transports

import (
	// Side-effect registration.
	_ "github.com/drblury/protostream/transport/aws"
	_ "github.com/drblury/protostream/transport/channel"
	_ "github.com/drblury/protostream/transport/http"
	_ "github.com/drblury/protostream/transport/kafka"
	_ "github.com/drblury/protostream/transport/nats"
	_ "github.com/drblury/protostream/transport/rabbitmq"
)
