// Package broker defines the vendor neutral message broker contract used by
// gobflow services. Each broker family lives in its own sub-package and
// registers itself with the broker registry.
package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/gobflow/internal/runtime/topology"
)

// Metadata keys set on every delivered message.
const (
	MetadataExchange    = "gobflow_exchange"
	MetadataQueue       = "gobflow_queue"
	MetadataRoutingKey  = "gobflow_routing_key"
	MetadataRedelivered = "gobflow_redelivered"
)

// Config provides the values broker builders need.
type Config interface {
	GetBrokerType() string

	// RabbitMQ
	GetRabbitMQURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Builder creates a broker from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Broker hands out management handles and connections.
type Broker interface {
	Name() string
	Capabilities() Capabilities
	Manager(ctx context.Context) (Manager, error)
	Connect(ctx context.Context) (Connection, error)
	ConnectAsync(ctx context.Context) (AsyncConnection, error)
	Close() error
}

// Manager declares and removes exchanges and queues.
type Manager interface {
	CreateExchange(ctx context.Context, name string) error
	CreateQueueWithBinding(ctx context.Context, exchange, queue string, keys []string) error
	DeleteQueue(ctx context.Context, queue string) error
	DeleteExchange(ctx context.Context, name string) error
	Close() error
}

// PublishOptions tune a single publish.
type PublishOptions struct {
	// TTL makes the message transient and expire after the duration.
	TTL time.Duration
}

type PublishOption func(*PublishOptions)

func WithTTL(ttl time.Duration) PublishOption {
	return func(o *PublishOptions) { o.TTL = ttl }
}

// ApplyPublishOptions folds opts into PublishOptions.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Connection is a synchronous broker client.
type Connection interface {
	Publish(ctx context.Context, exchange, key string, body []byte, opts ...PublishOption) error
	// PublishDelayed delivers body to exchange with key once delay has
	// passed. queue names the destination so brokers without native delay can
	// park the message next to it.
	PublishDelayed(ctx context.Context, exchange, key, queue string, body []byte, delay time.Duration) error
	// Receive pulls up to maxCount bodies from queue, waiting at most maxWait
	// for the first one. Received messages are acknowledged.
	Receive(ctx context.Context, queue string, maxWait time.Duration, maxCount int) ([][]byte, error)
	Close() error
}

// Handler processes one delivery. Returning nil acknowledges the message,
// any error hands it back to the broker for redelivery.
type Handler func(ctx context.Context, conn Connection, msg *message.Message) error

// AsyncConnection consumes queues and dispatches deliveries to a handler one
// at a time. It also publishes, so handlers can report results on it.
type AsyncConnection interface {
	Connection
	Subscribe(ctx context.Context, queues []string, handler Handler) error
	IsAlive() bool
	Disconnect() error
}

// Delivery is the broker side information attached to a message.
type Delivery struct {
	Exchange    string
	Queue       string
	RoutingKey  string
	Redelivered bool
}

// DeliveryOf reads the delivery metadata from msg.
func DeliveryOf(msg *message.Message) Delivery {
	redelivered, _ := strconv.ParseBool(msg.Metadata.Get(MetadataRedelivered))
	return Delivery{
		Exchange:    msg.Metadata.Get(MetadataExchange),
		Queue:       msg.Metadata.Get(MetadataQueue),
		RoutingKey:  msg.Metadata.Get(MetadataRoutingKey),
		Redelivered: redelivered,
	}
}

// NewDeliveryMessage wraps a body in a watermill message carrying d.
func NewDeliveryMessage(uuid string, body []byte, d Delivery) *message.Message {
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	msg := message.NewMessage(uuid, body)
	msg.Metadata.Set(MetadataExchange, d.Exchange)
	msg.Metadata.Set(MetadataQueue, d.Queue)
	msg.Metadata.Set(MetadataRoutingKey, d.RoutingKey)
	msg.Metadata.Set(MetadataRedelivered, strconv.FormatBool(d.Redelivered))
	return msg
}

// WithManager acquires a manager, runs fn and always releases the manager.
func WithManager(ctx context.Context, b Broker, fn func(Manager) error) (err error) {
	m, err := b.Manager(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, m.Close())
	}()
	return fn(m)
}

// CreateAll declares every exchange, queue and binding of topo. Existing
// objects are left alone.
func CreateAll(ctx context.Context, m Manager, topo *topology.Topology) error {
	for _, ex := range topo.Exchanges {
		if err := m.CreateExchange(ctx, ex.Name); err != nil {
			return err
		}
		for _, q := range ex.Queues {
			if err := m.CreateQueueWithBinding(ctx, ex.Name, q.Name, q.Keys); err != nil {
				return err
			}
		}
	}
	return nil
}

// DestroyAll removes every queue and exchange of topo.
func DestroyAll(ctx context.Context, m Manager, topo *topology.Topology) error {
	var errs []error
	for _, ex := range topo.Exchanges {
		for _, q := range ex.Queues {
			if err := m.DeleteQueue(ctx, q.Name); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.DeleteExchange(ctx, ex.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DelayQueueName is the sidecar queue used to emulate delayed delivery to
// queue. Every delay gets its own sidecar so messages expire in order.
func DelayQueueName(queue string, delay time.Duration) string {
	return queue + "_delay_" + strconv.FormatInt(delay.Milliseconds(), 10)
}
