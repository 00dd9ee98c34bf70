package notification

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker"

	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/transport"
)

const metadataType = "type"

// Options configures a Bus.
type Options struct {
	// Registry resolves the transport; transport.DefaultRegistry when nil.
	Registry *transport.Registry
	Logger   loggingpkg.ServiceLogger
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = transport.DefaultRegistry
	}
	if o.Logger == nil {
		o.Logger = loggingpkg.NewNopLogger()
	}
	return o
}

// Bus publishes notifications on the configured transport and opens
// listeners on it.
type Bus struct {
	cfg  transport.Config
	opts Options
	log  loggingpkg.ServiceLogger
	cb   *gobreaker.CircuitBreaker

	mu     sync.Mutex
	pub    transport.Transport
	closed bool
}

// NewBus builds the publishing side of the bus.
func NewBus(ctx context.Context, cfg transport.Config, opts Options) (*Bus, error) {
	opts = opts.withDefaults()
	tr, err := opts.Registry.Build(ctx, cfg, "", loggingpkg.NewWatermillAdapter(opts.Logger))
	if err != nil {
		return nil, err
	}
	log := opts.Logger.With(loggingpkg.LogFields{"component": "notification_bus"})
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gobflow-notifications",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Notification publishing changed state", loggingpkg.LogFields{"breaker": name, "from": from.String(), "to": to.String()})
		},
	})
	return &Bus{cfg: cfg, opts: opts, log: log, cb: cb, pub: tr}, nil
}

// Publish broadcasts n under its type. The forwarded header is the
// notification subset of header, overlaid with n.Header.
func (b *Bus) Publish(ctx context.Context, header messagepkg.Header, n *messagepkg.Notification) error {
	if n == nil {
		return nil
	}
	if n.Type == "" {
		return ErrTypeRequired
	}

	body, err := jsoncodec.Marshal(map[string]any{
		"type":     n.Type,
		"header":   map[string]any(header.Subset(messagepkg.NotificationHeaderKeys...).WithAll(n.Header)),
		"contents": n.Contents,
	})
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(metadataType, n.Type)
	if ctx != nil {
		msg.SetContext(ctx)
	}

	b.mu.Lock()
	pub, closed := b.pub.Publisher, b.closed
	b.mu.Unlock()
	if closed || pub == nil {
		return errspkg.ErrConnectionClosed
	}

	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, pub.Publish(Topic(n.Type), msg)
	})
	if err != nil {
		return err
	}
	b.log.Debug("Notification sent", loggingpkg.LogFields{"type": n.Type, "process_id": header.ProcessID()})
	return nil
}

// Close releases the publishing transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pub.Close()
}

// Delivery is one received notification. Every delivery must be acked or
// nacked; a nack redelivers it to the same listener.
type Delivery struct {
	Notification *messagepkg.Notification
	msg          *message.Message
}

func (d *Delivery) Ack() bool  { return d.msg.Ack() }
func (d *Delivery) Nack() bool { return d.msg.Nack() }

// Listen subscribes listenerID to the given notification types, or to all
// registered types when none are given; types registered later are added to
// such a listener as they appear. Each listener id receives its own copy of
// every broadcast. The returned channel closes once ctx is done.
func Listen(ctx context.Context, bus *Bus, listenerID string, notificationTypes ...string) (<-chan *Delivery, error) {
	log := bus.log.With(loggingpkg.LogFields{"listener": listenerID})

	tr, err := bus.opts.Registry.Build(ctx, bus.cfg, listenerID, loggingpkg.NewWatermillAdapter(bus.opts.Logger))
	if err != nil {
		return nil, err
	}

	l := &listener{ctx: ctx, tr: tr, out: make(chan *Delivery), log: log}
	stopWatch := func() {}
	if len(notificationTypes) == 0 {
		notificationTypes, stopWatch = watchTypes(func(t string) {
			if err := l.subscribe(t); err != nil {
				log.Error("Failed to subscribe to new notification type", err, loggingpkg.LogFields{"type": t})
			}
		})
	}
	for _, t := range notificationTypes {
		if err := l.subscribe(t); err != nil {
			stopWatch()
			l.stop()
			_ = tr.Close()
			return nil, err
		}
	}

	go func() {
		<-ctx.Done()
		stopWatch()
		l.stop()
		l.wg.Wait()
		close(l.out)
		if err := tr.Close(); err != nil {
			log.Error("Failed to close listener transport", err, nil)
		}
	}()

	log.Info("Listening for notifications", loggingpkg.LogFields{"types": notificationTypes})
	return l.out, nil
}

// listener fans the topics of one listener id into a single channel.
type listener struct {
	ctx context.Context
	tr  transport.Transport
	out chan *Delivery
	log loggingpkg.ServiceLogger

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	topics  map[string]bool
}

func (l *listener) subscribe(notificationType string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	topic := Topic(notificationType)
	if l.stopped || l.topics[topic] {
		return nil
	}
	msgs, err := l.tr.Subscriber.Subscribe(l.ctx, topic)
	if err != nil {
		return err
	}
	if l.topics == nil {
		l.topics = map[string]bool{}
	}
	l.topics[topic] = true
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		forward(l.ctx, msgs, l.out, l.log)
	}()
	return nil
}

func (l *listener) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

func forward(ctx context.Context, msgs <-chan *message.Message, out chan<- *Delivery, log loggingpkg.ServiceLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			n, err := decode(msg.Payload)
			if err != nil {
				log.Error("Dropping malformed notification", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
				msg.Ack()
				continue
			}
			select {
			case out <- &Delivery{Notification: n, msg: msg}:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}
}

func decode(body []byte) (*messagepkg.Notification, error) {
	v, err := jsoncodec.UnmarshalValue(body)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, messagepkg.ErrNotAnObject
	}
	n := &messagepkg.Notification{Contents: obj["contents"], Header: messagepkg.Header{}}
	n.Type, _ = obj["type"].(string)
	if n.Type == "" {
		return nil, ErrTypeRequired
	}
	if h, ok := obj["header"].(map[string]any); ok {
		n.Header = messagepkg.Header(h)
	}
	return n, nil
}
