package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/gobflow/broker"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
)

type manager struct {
	b *Broker
}

func (m *manager) CreateExchange(_ context.Context, name string) error {
	return m.b.createExchange(name)
}

func (m *manager) CreateQueueWithBinding(_ context.Context, exchange, queue string, keys []string) error {
	return m.b.createQueue(exchange, queue, keys)
}

func (m *manager) DeleteQueue(_ context.Context, queue string) error {
	m.b.deleteQueue(queue)
	return nil
}

func (m *manager) DeleteExchange(_ context.Context, name string) error {
	m.b.deleteExchange(name)
	return nil
}

func (m *manager) Close() error { return nil }

type connection struct {
	b      *Broker
	closed atomic.Bool
}

func (c *connection) Publish(_ context.Context, exchange, key string, body []byte, opts ...broker.PublishOption) error {
	if c.closed.Load() {
		return errspkg.ErrConnectionClosed
	}
	o := broker.ApplyPublishOptions(opts...)
	return c.b.publish(exchange, key, body, o.TTL)
}

func (c *connection) PublishDelayed(_ context.Context, exchange, key, _ string, body []byte, delay time.Duration) error {
	if c.closed.Load() {
		return errspkg.ErrConnectionClosed
	}
	return c.b.publishDelayed(exchange, key, body, delay)
}

func (c *connection) Receive(ctx context.Context, queue string, maxWait time.Duration, maxCount int) ([][]byte, error) {
	if c.closed.Load() {
		return nil, errspkg.ErrConnectionClosed
	}
	if maxCount <= 0 {
		maxCount = 1
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	var out [][]byte
	env, _, _, err := c.b.next(waitCtx, []string{queue}, 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}
	out = append(out, env.body)

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for len(out) < maxCount {
		env, _, _ := c.b.popLocked([]string{queue}, 0)
		if env == nil {
			break
		}
		out = append(out, env.body)
	}
	return out, nil
}

func (c *connection) Close() error {
	c.closed.Store(true)
	return nil
}

// asyncConnection dispatches deliveries from all subscribed queues through a
// single goroutine, so at most one handler runs at a time.
type asyncConnection struct {
	connection

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	alive  atomic.Bool
}

func (a *asyncConnection) Subscribe(ctx context.Context, queues []string, handler broker.Handler) error {
	if len(queues) == 0 {
		return errspkg.ErrQueueRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	a.b.mu.Lock()
	for _, q := range queues {
		if _, ok := a.b.queues[q]; !ok {
			a.b.mu.Unlock()
			return errspkg.ErrUnknownQueue
		}
	}
	a.b.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return errspkg.ErrAlreadySubscribed
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.alive.Store(true)
	go a.dispatch(runCtx, queues, handler)
	return nil
}

func (a *asyncConnection) dispatch(ctx context.Context, queues []string, handler broker.Handler) {
	defer close(a.done)
	defer a.alive.Store(false)

	start := 0
	for {
		env, queue, idx, err := a.b.next(ctx, queues, start)
		if err != nil {
			if ctx.Err() == nil {
				a.b.logger.Error("Subscription stopped", err, watermill.LogFields{"queues": queues})
			}
			return
		}
		start = idx + 1

		msg := broker.NewDeliveryMessage(env.uuid, env.body, broker.Delivery{
			Exchange:    env.exchange,
			Queue:       queue,
			RoutingKey:  env.key,
			Redelivered: env.deliveries > 0,
		})
		if err := handler(ctx, a, msg); err != nil {
			a.b.requeue(queue, env)
		}
	}
}

func (a *asyncConnection) IsAlive() bool {
	return a.alive.Load() && !a.closed.Load()
}

// Disconnect stops dispatching and waits for the running handler to return.
func (a *asyncConnection) Disconnect() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return a.Close()
}
