package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/gobflow/broker"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
)

type inbound struct {
	queue    string
	delivery amqp.Delivery
}

// asyncConnection consumes on a dedicated connection and publishes through
// its embedded pooled connection. All consumers feed one dispatcher, so
// handlers never overlap.
type asyncConnection struct {
	*syncConnection

	mu      sync.Mutex
	sess    *session
	tags    []string
	cancel  context.CancelFunc
	stop    chan struct{}
	workers sync.WaitGroup
	done    chan struct{}
	alive   atomic.Bool
}

func (a *asyncConnection) Subscribe(ctx context.Context, queues []string, handler broker.Handler) error {
	if len(queues) == 0 {
		return errspkg.ErrQueueRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return errspkg.ErrAlreadySubscribed
	}

	s, err := openSession(a.b.opts.URL)
	if err != nil {
		return err
	}
	if err := s.ch.Qos(a.b.opts.Prefetch, 0, false); err != nil {
		s.close()
		return err
	}

	merged := make(chan inbound)
	stop := make(chan struct{})
	lost := make(chan string, len(queues))
	var tags []string
	for _, q := range queues {
		tag := q + "-" + watermill.NewShortUUID()
		deliveries, err := s.ch.Consume(q, tag, false, false, false, false, nil)
		if err != nil {
			close(stop)
			s.close()
			a.workers.Wait()
			return err
		}
		tags = append(tags, tag)
		a.workers.Add(1)
		go a.forward(q, deliveries, merged, stop, lost)
	}

	closed := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := s.ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelled := s.ch.NotifyCancel(make(chan string, len(queues)))
	runCtx, cancel := context.WithCancel(ctx)
	a.sess = s
	a.tags = tags
	a.cancel = cancel
	a.stop = stop
	a.done = make(chan struct{})
	a.alive.Store(true)
	go a.dispatch(runCtx, merged, watch{conn: closed, channel: chClosed, cancelled: cancelled, lost: lost}, handler)
	return nil
}

// watch groups the signals that end a subscription.
type watch struct {
	conn      <-chan *amqp.Error
	channel   <-chan *amqp.Error
	cancelled <-chan string
	lost      <-chan string
}

// forward copies deliveries of one consumer into merged and reports on lost
// when the broker stops delivering.
func (a *asyncConnection) forward(queue string, deliveries <-chan amqp.Delivery, merged chan<- inbound, stop <-chan struct{}, lost chan<- string) {
	defer a.workers.Done()
	for d := range deliveries {
		select {
		case merged <- inbound{queue: queue, delivery: d}:
		case <-stop:
			return
		}
	}
	select {
	case lost <- queue:
	default:
	}
}

func (a *asyncConnection) dispatch(ctx context.Context, merged <-chan inbound, w watch, handler broker.Handler) {
	defer close(a.done)
	defer a.alive.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case amqpErr, ok := <-w.conn:
			if ok && amqpErr != nil {
				a.b.logger.Error("Broker connection closed", amqpErr, nil)
			}
			return
		case amqpErr, ok := <-w.channel:
			if ok && amqpErr != nil {
				a.b.logger.Error("Broker channel closed", amqpErr, nil)
			}
			return
		case tag := <-w.cancelled:
			a.b.logger.Error("Consumer cancelled by broker", nil, watermill.LogFields{"consumer": tag})
			return
		case queue := <-w.lost:
			a.b.logger.Info("Consumer stopped delivering", watermill.LogFields{"queue": queue})
			return
		case in := <-merged:
			a.handle(ctx, in, handler)
		}
	}
}

func (a *asyncConnection) handle(ctx context.Context, in inbound, handler broker.Handler) {
	d := in.delivery
	exchange, key := target(d)
	msg := broker.NewDeliveryMessage(d.MessageId, d.Body, broker.Delivery{
		Exchange:    exchange,
		Queue:       in.queue,
		RoutingKey:  key,
		Redelivered: d.Redelivered,
	})
	fields := watermill.LogFields{"queue": in.queue, "routing_key": key}

	if err := handler(ctx, a, msg); err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			a.b.logger.Error("Failed to nack delivery", nackErr, fields)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		a.b.logger.Error("Failed to ack delivery", err, fields)
	}
}

// target returns the exchange and key a delivery was published to. Messages
// that waited in a delay sidecar carry them in headers.
func target(d amqp.Delivery) (exchange, key string) {
	exchange, key = d.Exchange, d.RoutingKey
	if v, ok := d.Headers[exchangeHeader].(string); ok {
		exchange = v
	}
	if v, ok := d.Headers[routingKeyHeader].(string); ok {
		key = v
	}
	return exchange, key
}

func (a *asyncConnection) IsAlive() bool {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()
	return a.alive.Load() && s != nil && !s.conn.IsClosed()
}

// Disconnect cancels all consumers, waits for the running handler and closes
// the consumer connection.
func (a *asyncConnection) Disconnect() error {
	a.mu.Lock()
	s, tags, cancel, stop, done := a.sess, a.tags, a.cancel, a.stop, a.done
	a.mu.Unlock()

	if s != nil {
		for _, tag := range tags {
			if err := s.ch.Cancel(tag, false); err != nil {
				a.b.logger.Debug("Consumer cancel failed", watermill.LogFields{"consumer": tag, "error": err.Error()})
			}
		}
		cancel()
		<-done
		close(stop)
		a.workers.Wait()
		s.close()
	}
	return a.Close()
}
