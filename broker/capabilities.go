package broker

import "time"

// Capabilities describes the features supported by a broker family.
type Capabilities struct {
	// Name is the registry name of the broker.
	Name string

	// SupportsDelay indicates the broker can delay delivery natively up to
	// MaxDelay. Longer or unsupported delays use a dead-letter sidecar.
	SupportsDelay bool
	MaxDelay      time.Duration

	// SupportsTopicWildcards indicates "*" and "#" are matched per segment.
	SupportsTopicWildcards bool

	// SupportsLabelFilters indicates routing happens through label filters;
	// wildcard keys are translated with LikePattern.
	SupportsLabelFilters bool

	// SupportsTTL indicates per message expiry.
	SupportsTTL bool

	// ReportsRedelivery indicates deliveries carry a redelivered flag.
	ReportsRedelivery bool

	// Persistent indicates messages survive a broker restart.
	Persistent bool

	// MaxMessageSize is the maximum body size in bytes (0 = unlimited).
	MaxMessageSize int64
}

// RequiresDelayEmulation reports whether delay cannot be handled natively.
func (c Capabilities) RequiresDelayEmulation(delay time.Duration) bool {
	if !c.SupportsDelay {
		return true
	}
	return c.MaxDelay > 0 && delay > c.MaxDelay
}

var (
	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsDelay:          false,
		SupportsTopicWildcards: true,
		SupportsTTL:            true,
		ReportsRedelivery:      true,
		Persistent:             true,
		MaxMessageSize:         128 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:                 "aws",
		SupportsDelay:        true,
		MaxDelay:             15 * time.Minute,
		SupportsLabelFilters: true,
		SupportsTTL:          true,
		ReportsRedelivery:    true,
		Persistent:           true,
		MaxMessageSize:       262144,
	}

	MemoryCapabilities = Capabilities{
		Name:                   "memory",
		SupportsDelay:          true,
		SupportsTopicWildcards: true,
		SupportsTTL:            true,
		ReportsRedelivery:      true,
		Persistent:             false,
	}
)

// GetCapabilities returns the capabilities registered for name.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
