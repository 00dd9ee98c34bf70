package aws

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/drblury/gobflow/broker"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
)

const (
	// maxNativeDelay is the longest DelaySeconds SQS accepts. Longer delays
	// hop through the queue until deliver_at has passed.
	maxNativeDelay  = 15 * time.Minute
	maxLongPoll     = 20 * time.Second
	maxReceiveBatch = 10
	emptyPollPause  = 100 * time.Millisecond
)

type connection struct {
	b      *Broker
	closed atomic.Bool
}

func (c *connection) Publish(ctx context.Context, exchange, key string, body []byte, opts ...broker.PublishOption) error {
	if c.closed.Load() {
		return errspkg.ErrConnectionClosed
	}
	if key == "" {
		return errspkg.ErrRoutingKeyRequired
	}
	arn, err := c.b.topicARN(ctx, exchange)
	if err != nil {
		return err
	}
	o := broker.ApplyPublishOptions(opts...)

	attrs := map[string]snstypes.MessageAttributeValue{
		routingKeyAttribute: snsString(key),
		exchangeAttribute:   snsString(exchange),
	}
	if o.TTL > 0 {
		attrs[expiresAtAttribute] = snstypes.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.FormatInt(c.b.now().Add(o.TTL).UnixMilli(), 10)),
		}
	}
	_, err = c.b.opts.SNS.Publish(ctx, &amazonsns.PublishInput{
		TopicArn:          aws.String(arn),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})
	return err
}

// PublishDelayed sends body straight to queue with a native delivery delay.
func (c *connection) PublishDelayed(ctx context.Context, exchange, key, queue string, body []byte, delay time.Duration) error {
	if c.closed.Load() {
		return errspkg.ErrConnectionClosed
	}
	if delay <= 0 {
		return c.Publish(ctx, exchange, key, body)
	}
	url, err := c.b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	return c.b.send(ctx, url, exchange, key, body, c.b.now().Add(delay))
}

func (b *Broker) send(ctx context.Context, url, exchange, key string, body []byte, at time.Time) error {
	attrs := map[string]sqstypes.MessageAttributeValue{
		routingKeyAttribute: sqsString(key),
		exchangeAttribute:   sqsString(exchange),
	}
	delay := at.Sub(b.now())
	if delay > maxNativeDelay {
		attrs[deliverAtAttribute] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.FormatInt(at.UnixMilli(), 10)),
		}
		delay = maxNativeDelay
	}
	_, err := b.opts.SQS.SendMessage(ctx, &amazonsqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(body)),
		DelaySeconds:      int32(math.Ceil(max(delay, 0).Seconds())),
		MessageAttributes: attrs,
	})
	return err
}

func (c *connection) Receive(ctx context.Context, queue string, maxWait time.Duration, maxCount int) ([][]byte, error) {
	if c.closed.Load() {
		return nil, errspkg.ErrConnectionClosed
	}
	if maxCount <= 0 {
		maxCount = 1
	}
	url, err := c.b.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	deadline := c.b.now().Add(maxWait)
	for len(out) < maxCount {
		wait := min(deadline.Sub(c.b.now()), maxLongPoll)
		msgs, err := c.b.receive(ctx, url, min(maxCount-len(out), maxReceiveBatch), wait)
		if err != nil {
			return out, err
		}
		for _, m := range msgs {
			if _, ok := c.b.inspect(ctx, queue, url, m); !ok {
				continue
			}
			if err := c.b.ack(ctx, url, m); err != nil {
				return out, err
			}
			out = append(out, []byte(aws.ToString(m.Body)))
		}
		if len(out) > 0 || !c.b.now().Before(deadline) {
			break
		}
		if wait < time.Second {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(emptyPollPause):
			}
		}
	}
	return out, nil
}

func (c *connection) Close() error {
	c.closed.Store(true)
	return nil
}

func (b *Broker) receive(ctx context.Context, url string, count int, wait time.Duration) ([]sqstypes.Message, error) {
	out, err := b.opts.SQS.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   int32(count),
		WaitTimeSeconds:       int32(max(wait, 0) / time.Second),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// inspect decides whether m is delivered to the caller. Expired messages and
// messages rejected by the routing key recheck are deleted; messages whose
// deliver_at lies in the future are sent back for another delay hop.
func (b *Broker) inspect(ctx context.Context, queue, url string, m sqstypes.Message) (broker.Delivery, bool) {
	key := attribute(m, routingKeyAttribute)
	d := broker.Delivery{
		Exchange:   attribute(m, exchangeAttribute),
		Queue:      queue,
		RoutingKey: key,
	}
	fields := watermill.LogFields{"queue": queue, "routing_key": key}
	now := b.now()

	if at, ok := millisAttribute(m, expiresAtAttribute); ok && !now.Before(at) {
		b.logger.Debug("Dropping expired message", fields)
		_ = b.ack(ctx, url, m)
		return d, false
	}
	if at, ok := millisAttribute(m, deliverAtAttribute); ok && now.Before(at) {
		if err := b.send(ctx, url, d.Exchange, key, []byte(aws.ToString(m.Body)), at); err != nil {
			b.logger.Error("Failed to reschedule delayed message", err, fields)
			_ = b.nack(ctx, url, m)
			return d, false
		}
		_ = b.ack(ctx, url, m)
		return d, false
	}
	if !b.accepts(queue, key) {
		b.logger.Debug("Dropping message outside queue bindings", fields)
		_ = b.ack(ctx, url, m)
		return d, false
	}

	if n, err := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		d.Redelivered = n > 1
	}
	return d, true
}

func (b *Broker) ack(ctx context.Context, url string, m sqstypes.Message) error {
	_, err := b.opts.SQS.DeleteMessage(context.WithoutCancel(ctx), &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: m.ReceiptHandle,
	})
	return err
}

// nack makes m visible again immediately.
func (b *Broker) nack(ctx context.Context, url string, m sqstypes.Message) error {
	_, err := b.opts.SQS.ChangeMessageVisibility(context.WithoutCancel(ctx), &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     m.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	return err
}

// holdVisibility renews the visibility timeout of m until the returned func
// is called, so a long running handler keeps the message to itself.
func (b *Broker) holdVisibility(ctx context.Context, url string, m sqstypes.Message, fields watermill.LogFields) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(b.opts.VisibilityHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, err := b.opts.SQS.ChangeMessageVisibility(context.WithoutCancel(ctx), &amazonsqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(url),
					ReceiptHandle:     m.ReceiptHandle,
					VisibilityTimeout: int32(b.opts.VisibilityTimeout / time.Second),
				})
				if err != nil {
					b.logger.Error("Failed to extend message visibility", err, fields)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// asyncConnection polls its queues round robin, one message at a time.
type asyncConnection struct {
	*connection

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

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return errspkg.ErrAlreadySubscribed
	}

	urls := make([]string, len(queues))
	for i, q := range queues {
		url, err := a.b.queueURL(ctx, q)
		if err != nil {
			return err
		}
		urls[i] = url
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.alive.Store(true)
	go a.run(runCtx, queues, urls, handler)
	return nil
}

func (a *asyncConnection) run(ctx context.Context, queues, urls []string, handler broker.Handler) {
	defer close(a.done)
	defer a.alive.Store(false)

	for i := 0; ; i = (i + 1) % len(queues) {
		var msgs []sqstypes.Message
		err := backoff.RetryNotify(func() error {
			var err error
			msgs, err = a.b.receive(ctx, urls[i], 1, a.b.opts.PollWait)
			return err
		}, backoff.WithContext(a.b.opts.NewBackOff(), ctx), func(err error, next time.Duration) {
			a.b.logger.Error("Receive failed, retrying", err, watermill.LogFields{"queue": queues[i], "retry_in": next.String()})
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.b.logger.Error("Subscriber stopped", err, watermill.LogFields{"queue": queues[i]})
			return
		}
		for _, m := range msgs {
			a.handle(ctx, queues[i], urls[i], m, handler)
		}
	}
}

func (a *asyncConnection) handle(ctx context.Context, queue, url string, m sqstypes.Message, handler broker.Handler) {
	d, ok := a.b.inspect(ctx, queue, url, m)
	if !ok {
		return
	}
	msg := broker.NewDeliveryMessage(aws.ToString(m.MessageId), []byte(aws.ToString(m.Body)), d)
	fields := watermill.LogFields{"queue": queue, "routing_key": d.RoutingKey}

	release := a.b.holdVisibility(ctx, url, m, fields)
	err := handler(ctx, a, msg)
	release()
	if err != nil {
		if nackErr := a.b.nack(ctx, url, m); nackErr != nil {
			a.b.logger.Error("Failed to release message", nackErr, fields)
		}
		return
	}
	if err := a.b.ack(ctx, url, m); err != nil {
		a.b.logger.Error("Failed to delete message", err, fields)
	}
}

func (a *asyncConnection) IsAlive() bool {
	return a.alive.Load()
}

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

func attribute(m sqstypes.Message, name string) string {
	v, ok := m.MessageAttributes[name]
	if !ok {
		return ""
	}
	return aws.ToString(v.StringValue)
}

func millisAttribute(m sqstypes.Message, name string) (time.Time, bool) {
	raw := attribute(m, name)
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func snsString(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func sqsString(v string) sqstypes.MessageAttributeValue {
	return sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
