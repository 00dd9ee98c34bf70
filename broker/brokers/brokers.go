// Package brokers imports all built-in brokers for auto-registration.
// Import this package to have all brokers registered with the default registry.
package brokers

import (
	// Import all brokers for side-effect registration
	_ "github.com/drblury/gobflow/broker/aws"
	_ "github.com/drblury/gobflow/broker/memory"
	_ "github.com/drblury/gobflow/broker/rabbitmq"
)
