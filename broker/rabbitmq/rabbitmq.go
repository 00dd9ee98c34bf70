// Package rabbitmq provides the topic exchange broker family on top of
// RabbitMQ/AMQP 0.9.1.
package rabbitmq

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/gobflow/broker"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
)

// BrokerName is the name used to register this broker.
const BrokerName = "rabbitmq"

const (
	exchangeKind = "topic"
	contentType  = "application/json"

	// Headers carrying the target of a delayed message through its sidecar.
	exchangeHeader   = "gobflow-exchange"
	routingKeyHeader = "gobflow-routing-key"
)

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.RabbitMQCapabilities)
}

// Options configures the broker.
type Options struct {
	URL string
	// Prefetch is the number of unacknowledged deliveries per consumer.
	Prefetch int
	// IdleTimeout closes pooled connections unused for this long.
	IdleTimeout time.Duration
	// ReceivePoll is the pause between empty polls in Receive.
	ReceivePoll time.Duration
	// NewBackOff returns the retry policy for synchronous operations.
	NewBackOff func() backoff.BackOff
}

func (o Options) withDefaults() Options {
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = time.Minute
	}
	if o.ReceivePoll <= 0 {
		o.ReceivePoll = 100 * time.Millisecond
	}
	if o.NewBackOff == nil {
		o.NewBackOff = defaultBackOff
	}
	return o
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Build creates a RabbitMQ broker from config.
func Build(_ context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Broker, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return nil, errspkg.NewConfigValidationError(errors.New("rabbitmq url is required"))
	}
	return New(Options{URL: url}, logger), nil
}

// Broker hands out pooled synchronous connections and dedicated consumer
// connections.
type Broker struct {
	opts   Options
	logger watermill.LoggerAdapter
	pool   *pool
}

func New(opts Options, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	opts = opts.withDefaults()
	return &Broker{
		opts:   opts,
		logger: logger,
		pool:   newPool(opts.URL, opts.IdleTimeout, logger),
	}
}

func (b *Broker) Name() string { return BrokerName }

func (b *Broker) Capabilities() broker.Capabilities { return broker.RabbitMQCapabilities }

func (b *Broker) Manager(context.Context) (broker.Manager, error) {
	s, err := openSession(b.opts.URL)
	if err != nil {
		return nil, err
	}
	return &manager{s: s}, nil
}

func (b *Broker) Connect(context.Context) (broker.Connection, error) {
	return &syncConnection{b: b}, nil
}

func (b *Broker) ConnectAsync(context.Context) (broker.AsyncConnection, error) {
	return &asyncConnection{syncConnection: &syncConnection{b: b}}, nil
}

// Close releases pooled connections and stops the reaper.
func (b *Broker) Close() error {
	b.pool.close()
	return nil
}

type manager struct {
	s *session
}

func (m *manager) CreateExchange(_ context.Context, name string) error {
	if name == "" {
		return errspkg.ErrExchangeRequired
	}
	return m.s.ch.ExchangeDeclare(name, exchangeKind, true, false, false, false, nil)
}

func (m *manager) CreateQueueWithBinding(_ context.Context, exchange, queue string, keys []string) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	if _, err := m.s.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.s.ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func (m *manager) DeleteQueue(_ context.Context, queue string) error {
	_, err := m.s.ch.QueueDelete(queue, false, false, false)
	return err
}

func (m *manager) DeleteExchange(_ context.Context, name string) error {
	return m.s.ch.ExchangeDelete(name, false, false)
}

func (m *manager) Close() error {
	m.s.close()
	return nil
}

// syncConnection serialises operations on one pooled session and retries
// transport failures with exponential back-off until ctx is done.
type syncConnection struct {
	b      *Broker
	mu     sync.Mutex
	s      *session
	closed bool
}

func (c *syncConnection) withSession(ctx context.Context, op func(s *session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrConnectionClosed
	}

	return backoff.Retry(func() error {
		if c.s == nil {
			s, err := c.b.pool.get()
			if err != nil {
				c.b.logger.Error("Broker connection failed, retrying", err, nil)
				return err
			}
			c.s = s
		}
		err := op(c.s)
		if err == nil {
			return nil
		}
		c.b.pool.discard(c.s)
		c.s = nil
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		c.b.logger.Error("Broker operation failed, retrying", err, nil)
		return err
	}, backoff.WithContext(c.b.opts.NewBackOff(), ctx))
}

// isPermanent reports errors a reconnect cannot fix.
func isPermanent(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.NotFound, amqp.PreconditionFailed, amqp.AccessRefused:
			return true
		}
	}
	return errors.Is(err, errspkg.ErrExchangeRequired) || errors.Is(err, errspkg.ErrRoutingKeyRequired)
}

func (c *syncConnection) Publish(ctx context.Context, exchange, key string, body []byte, opts ...broker.PublishOption) error {
	if exchange == "" {
		return errspkg.ErrExchangeRequired
	}
	o := broker.ApplyPublishOptions(opts...)
	msg := newPublishing(body)
	if o.TTL > 0 {
		msg.DeliveryMode = amqp.Transient
		msg.Expiration = strconv.FormatInt(o.TTL.Milliseconds(), 10)
	}
	return c.withSession(ctx, func(s *session) error {
		return s.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	})
}

// PublishDelayed parks body in a sidecar queue per (queue, delay) whose
// message TTL is the delay. Expired messages dead-letter through the default
// exchange straight into queue; the intended exchange and key travel along
// as headers.
func (c *syncConnection) PublishDelayed(ctx context.Context, exchange, key, queue string, body []byte, delay time.Duration) error {
	if delay <= 0 {
		return c.Publish(ctx, exchange, key, body)
	}
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	sidecar := broker.DelayQueueName(queue, delay)
	msg := newPublishing(body)
	msg.Headers = amqp.Table{
		exchangeHeader:   exchange,
		routingKeyHeader: key,
	}

	return c.withSession(ctx, func(s *session) error {
		if !s.declared[sidecar] {
			_, err := s.ch.QueueDeclare(sidecar, true, false, false, false, amqp.Table{
				"x-message-ttl":             delay.Milliseconds(),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": queue,
			})
			if err != nil {
				return err
			}
			s.declared[sidecar] = true
		}
		return s.ch.PublishWithContext(ctx, "", sidecar, false, false, msg)
	})
}

func (c *syncConnection) Receive(ctx context.Context, queue string, maxWait time.Duration, maxCount int) ([][]byte, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	var out [][]byte
	err := c.withSession(ctx, func(s *session) error {
		deadline := time.Now().Add(maxWait)
		for len(out) < maxCount {
			d, ok, err := s.ch.Get(queue, false)
			if err != nil {
				return err
			}
			if ok {
				if err := d.Ack(false); err != nil {
					return err
				}
				out = append(out, d.Body)
				continue
			}
			if len(out) > 0 || !time.Now().Before(deadline) {
				return nil
			}
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(c.b.opts.ReceivePoll):
			}
		}
		return nil
	})
	return out, err
}

// Close hands the session back to the pool.
func (c *syncConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.b.pool.put(c.s)
	c.s = nil
	return nil
}

func newPublishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    watermill.NewUUID(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
}
