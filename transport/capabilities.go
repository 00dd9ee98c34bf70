package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsPersistence indicates broadcasts survive a listener that is
	// temporarily offline: its queue keeps collecting messages.
	SupportsPersistence bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// CrossProcess indicates publishers and listeners may live in different
	// processes.
	CrossProcess bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-process Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:                "rabbitmq",
		SupportsPersistence: true,
		SupportsOrdering:    true,
		SupportsAck:         true,
		SupportsNack:        true,
		CrossProcess:        true,
	}

	// AWSCapabilities for the AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:                "aws",
		SupportsPersistence: true,
		SupportsAck:         true,
		SupportsNack:        true,
		CrossProcess:        true,
		MaxMessageSize:      262144, // 256KB
	}
)

// CapabilitiesOf looks name up in DefaultRegistry.
func CapabilitiesOf(name string) Capabilities {
	return DefaultRegistry.Capabilities(name)
}
