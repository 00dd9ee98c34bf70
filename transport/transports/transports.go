// Package transports imports all built-in notification transports for
// auto-registration with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/gobflow/transport/aws"
	_ "github.com/drblury/gobflow/transport/channel"
	_ "github.com/drblury/gobflow/transport/rabbitmq"
)
