package runtime

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/drblury/gobflow/broker"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
	"github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

// HandlerFunc handles one message. Returning a nil message acknowledges the
// input without publishing a result. Returning ErrReject hands the message
// back to the broker without acknowledging it.
type HandlerFunc func(ctx context.Context, mc *MessageContext) (*messagepkg.Message, error)

// ErrReject is the rejection sentinel a handler returns to keep its input on
// the queue.
var ErrReject = errspkg.ErrReject

// Report is where a service publishes its result.
type Report struct {
	Exchange string
	Key      string
}

// ServiceDefinition binds a handler to a queue of the topology.
type ServiceDefinition struct {
	// Queue the service consumes from.
	Queue string
	// Key selects the messages on Queue this service handles when the queue
	// is bound to several keys. Empty handles every key.
	Key string
	// Handler is invoked once per message.
	Handler HandlerFunc
	// Report receives the handler result. Nil publishes nothing.
	Report *Report
	// Logger names the per message logger; defaults to the service name.
	Logger string
	// OwnThread gives the service its own subscriber worker.
	OwnThread bool
	// Step is the workflow step used to decide on quality updates. Defaults
	// to the first segment of the report key.
	Step string
	// Stream attaches offloaded array contents lazily.
	Stream bool
	// Args names the extra header values the standalone runner accepts as
	// flags for this service.
	Args []string
}

// MessageContext is handed to a handler together with the message.
type MessageContext struct {
	// Service is the name of the definition being run.
	Service string
	Message *messagepkg.Message
	// Logger collects log records, counters and issues for the message.
	Logger   *logging.MessageLogger
	Audit    *logging.AuditLogger
	Delivery broker.Delivery

	svc *Service
}

// Publish offloads msg when needed and publishes it on exchange with key.
func (mc *MessageContext) Publish(ctx context.Context, exchange, key string, msg *messagepkg.Message) error {
	if mc.svc == nil {
		return errspkg.ErrConnectionClosed
	}
	return mc.svc.publishMessage(ctx, exchange, key, msg)
}

type serviceEntry struct {
	name string
	ServiceDefinition
}

func (e serviceEntry) loggerName() string {
	if e.Logger != "" {
		return e.Logger
	}
	return e.name
}

func (e serviceEntry) step() string {
	if e.Step != "" {
		return e.Step
	}
	if e.Report == nil {
		return ""
	}
	step, _, _ := strings.Cut(e.Report.Key, ".")
	return step
}

func (e serviceEntry) handles(key string) bool {
	return e.Key == "" || topology.MatchKey(e.Key, key)
}

// validateDefinition checks a definition against the topology: the queue
// must be declared, its key bound to the queue and the report exchange
// declared.
func validateDefinition(topo *topology.Topology, name string, def ServiceDefinition) error {
	if def.Handler == nil {
		return fmt.Errorf("service %q: %w", name, errspkg.ErrHandlerRequired)
	}
	if def.Queue == "" {
		return fmt.Errorf("service %q: %w", name, errspkg.ErrQueueRequired)
	}
	q, _, ok := topo.Queue(def.Queue)
	if !ok {
		return fmt.Errorf("service %q: %w: %s", name, errspkg.ErrUnknownQueue, def.Queue)
	}
	if def.Key != "" && !slices.ContainsFunc(q.Keys, func(p string) bool { return topology.MatchKey(p, def.Key) }) {
		return fmt.Errorf("service %q: %w: %s on %s", name, errspkg.ErrUnboundRoutingKey, def.Key, def.Queue)
	}
	if def.Report != nil {
		if !slices.Contains(topo.ExchangeNames(), def.Report.Exchange) {
			return fmt.Errorf("service %q: %w: %s", name, errspkg.ErrUnknownExchange, def.Report.Exchange)
		}
		if err := topology.ValidateKey(def.Report.Key); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
	}
	return nil
}

// buildEntries validates defs and returns them sorted by name.
func buildEntries(topo *topology.Topology, defs map[string]ServiceDefinition) ([]serviceEntry, error) {
	if len(defs) == 0 {
		return nil, errspkg.ErrServiceRequired
	}
	entries := make([]serviceEntry, 0, len(defs))
	for name, def := range defs {
		if err := validateDefinition(topo, name, def); err != nil {
			return nil, err
		}
		entries = append(entries, serviceEntry{name: name, ServiceDefinition: def})
	}
	slices.SortFunc(entries, func(a, b serviceEntry) int { return strings.Compare(a.name, b.name) })
	return entries, nil
}

// resolve finds the service for a delivery. A definition with an explicit
// key wins over a catch-all one on the same queue.
func resolve(entries []serviceEntry, queue, key string) (serviceEntry, bool) {
	var fallback *serviceEntry
	for i, e := range entries {
		if e.Queue != queue {
			continue
		}
		if e.Key == "" {
			if fallback == nil {
				fallback = &entries[i]
			}
			continue
		}
		if e.handles(key) {
			return e, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return serviceEntry{}, false
}
