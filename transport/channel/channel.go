// Package channel provides an in-process Go channel transport for
// notifications. Every transport built in a process shares one GoChannel, so
// a runtime and its listeners see each other's broadcasts.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/gobflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

var (
	sharedOnce sync.Once
	shared     *gochannel.GoChannel
)

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	sharedOnce.Do(func() {
		shared = gochannel.NewGoChannel(cfg, logger)
	})
	return processPubSub{shared}, processPubSub{shared}
}

// processPubSub keeps the shared GoChannel open when a single transport is
// closed.
type processPubSub struct {
	*gochannel.GoChannel
}

func (processPubSub) Close() error { return nil }

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns the process wide Go channel transport. Each Subscribe call
// receives its own copy of every message, so group needs no mapping.
func Build(ctx context.Context, cfg transport.Config, group string, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
