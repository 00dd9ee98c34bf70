// Package status emits the liveness and step progress signals of a service
// on the status exchange.
package status

import (
	"context"

	"github.com/drblury/gobflow/broker"
	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

// Publisher is the part of a broker connection status signals need.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, opts ...broker.PublishOption) error
}

// send publishes v on the status exchange. Status signals are best effort:
// failures are logged and swallowed.
func send(ctx context.Context, pub Publisher, log loggingpkg.ServiceLogger, key string, v any) {
	if pub == nil {
		return
	}
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		log.Error("Failed to encode status message", err, loggingpkg.LogFields{"key": key})
		return
	}
	if err := pub.Publish(ctx, topology.StatusExchange, key, body); err != nil {
		log.Error("Failed to publish status message", err, loggingpkg.LogFields{"key": key})
	}
}
