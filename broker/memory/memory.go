// Package memory provides an in-process broker with topic exchange routing.
// It backs tests and single process runs.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/gobflow/broker"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

// BrokerName is the name used to register this broker.
const BrokerName = "memory"

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.MemoryCapabilities)
}

// Shared is the broker returned by Build so every component of a process
// sees the same queues.
var Shared = New(watermill.NopLogger{})

// Build returns the process wide in-memory broker.
func Build(_ context.Context, _ broker.Config, _ watermill.LoggerAdapter) (broker.Broker, error) {
	return Shared, nil
}

type binding struct {
	queue string
	keys  []string
}

type envelope struct {
	uuid       string
	body       []byte
	exchange   string
	key        string
	deliveries int
	expiresAt  time.Time
}

// Broker keeps exchanges and queues in memory. Bodies are copied on publish.
type Broker struct {
	mu        sync.Mutex
	logger    watermill.LoggerAdapter
	now       func() time.Time
	exchanges map[string][]binding
	queues    map[string][]*envelope
	changed   chan struct{}
	timers    []*time.Timer
	closed    bool
}

func New(logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		logger:    logger,
		now:       time.Now,
		exchanges: map[string][]binding{},
		queues:    map[string][]*envelope{},
		changed:   make(chan struct{}),
	}
}

func (b *Broker) Name() string { return BrokerName }

func (b *Broker) Capabilities() broker.Capabilities { return broker.MemoryCapabilities }

func (b *Broker) Manager(context.Context) (broker.Manager, error) {
	return &manager{b: b}, nil
}

func (b *Broker) Connect(context.Context) (broker.Connection, error) {
	return &connection{b: b}, nil
}

func (b *Broker) ConnectAsync(context.Context) (broker.AsyncConnection, error) {
	return &asyncConnection{connection: connection{b: b}}, nil
}

// Close stops pending delayed deliveries and drops all state.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	b.exchanges = map[string][]binding{}
	b.queues = map[string][]*envelope{}
	b.signalLocked()
	return nil
}

// Reset empties the broker so it can be reused, mostly between tests.
func (b *Broker) Reset() {
	_ = b.Close()
}

// Depth returns the number of messages waiting in queue.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

func (b *Broker) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) createExchange(name string) error {
	if name == "" {
		return errspkg.ErrExchangeRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = nil
	}
	return nil
}

func (b *Broker) createQueue(exchange, queue string, keys []string) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		b.queues[queue] = nil
	}
	if exchange == "" {
		return nil
	}
	bindings, ok := b.exchanges[exchange]
	if !ok {
		return errspkg.ErrUnknownExchange
	}
	for i, bd := range bindings {
		if bd.queue == queue {
			for _, k := range keys {
				if !slices.Contains(bd.keys, k) {
					bindings[i].keys = append(bindings[i].keys, k)
				}
			}
			return nil
		}
	}
	b.exchanges[exchange] = append(bindings, binding{queue: queue, keys: slices.Clone(keys)})
	return nil
}

func (b *Broker) deleteQueue(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, queue)
	for ex, bindings := range b.exchanges {
		b.exchanges[ex] = slices.DeleteFunc(bindings, func(bd binding) bool { return bd.queue == queue })
	}
}

func (b *Broker) deleteExchange(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exchanges, name)
}

func (b *Broker) publish(exchange, key string, body []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bindings, ok := b.exchanges[exchange]
	if !ok {
		return errspkg.ErrUnknownExchange
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = b.now().Add(ttl)
	}
	routed := false
	for _, bd := range bindings {
		if !slices.ContainsFunc(bd.keys, func(p string) bool { return topology.MatchKey(p, key) }) {
			continue
		}
		b.queues[bd.queue] = append(b.queues[bd.queue], &envelope{
			uuid:      watermill.NewUUID(),
			body:      slices.Clone(body),
			exchange:  exchange,
			key:       key,
			expiresAt: expiresAt,
		})
		routed = true
	}
	if routed {
		b.signalLocked()
	} else {
		b.logger.Debug("Dropped unroutable message", watermill.LogFields{"exchange": exchange, "key": key})
	}
	return nil
}

func (b *Broker) publishDelayed(exchange, key string, body []byte, delay time.Duration) error {
	if delay <= 0 {
		return b.publish(exchange, key, body, 0)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return errspkg.ErrUnknownExchange
	}
	body = slices.Clone(body)
	t := time.AfterFunc(delay, func() {
		if err := b.publish(exchange, key, body, 0); err != nil {
			b.logger.Error("Delayed publish failed", err, watermill.LogFields{"exchange": exchange, "key": key})
		}
	})
	b.timers = append(b.timers, t)
	return nil
}

// popLocked removes the first live message from one of queues, starting at
// index start. Expired messages are discarded.
func (b *Broker) popLocked(queues []string, start int) (*envelope, string, int) {
	now := b.now()
	for i := range queues {
		idx := (start + i) % len(queues)
		name := queues[idx]
		for len(b.queues[name]) > 0 {
			env := b.queues[name][0]
			b.queues[name] = b.queues[name][1:]
			if !env.expiresAt.IsZero() && now.After(env.expiresAt) {
				continue
			}
			return env, name, idx
		}
	}
	return nil, "", start
}

// requeue puts env back at the head of queue, marked as redelivered.
func (b *Broker) requeue(queue string, env *envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		return
	}
	env.deliveries++
	b.queues[queue] = append([]*envelope{env}, b.queues[queue]...)
	b.signalLocked()
}

// next blocks until a message is available on one of queues.
func (b *Broker) next(ctx context.Context, queues []string, start int) (*envelope, string, int, error) {
	for {
		b.mu.Lock()
		for _, q := range queues {
			if _, ok := b.queues[q]; !ok {
				b.mu.Unlock()
				return nil, "", start, errspkg.ErrUnknownQueue
			}
		}
		env, queue, idx := b.popLocked(queues, start)
		changed := b.changed
		b.mu.Unlock()

		if env != nil {
			return env, queue, idx, nil
		}
		select {
		case <-ctx.Done():
			return nil, "", start, ctx.Err()
		case <-changed:
		}
	}
}
