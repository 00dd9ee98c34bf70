package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/drblury/gobflow/broker"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

// Message attributes carried on every published message.
const (
	routingKeyAttribute = "routing_key"
	exchangeAttribute   = "exchange"
	expiresAtAttribute  = "expires_at"
	deliverAtAttribute  = "deliver_at"
)

// Options configures the broker.
type Options struct {
	SNS SNSClient
	SQS SQSClient
	// VisibilityTimeout hides a received message from other consumers.
	VisibilityTimeout time.Duration
	// VisibilityHeartbeat is how often a subscriber renews the visibility
	// timeout of the message its handler is working on.
	VisibilityHeartbeat time.Duration
	// PollWait is the long-poll wait of a single subscriber receive.
	PollWait time.Duration
	// NewBackOff returns the retry policy for subscriber receives. When
	// it gives up the subscriber stops and reports itself dead.
	NewBackOff func() backoff.BackOff
}

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.VisibilityHeartbeat <= 0 {
		o.VisibilityHeartbeat = o.VisibilityTimeout / 2
	}
	if o.PollWait <= 0 {
		o.PollWait = time.Second
	}
	if o.NewBackOff == nil {
		o.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			return b
		}
	}
	return o
}

// Broker maps exchanges onto SNS topics and queues onto SQS queues
// subscribed with a routing key filter policy.
type Broker struct {
	opts   Options
	logger watermill.LoggerAdapter
	now    func() time.Time

	mu      sync.Mutex
	topics  map[string]string
	queues  map[string]string
	filters map[string][]string
}

func New(opts Options, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		opts:    opts.withDefaults(),
		logger:  logger,
		now:     time.Now,
		topics:  map[string]string{},
		queues:  map[string]string{},
		filters: map[string][]string{},
	}
}

func (b *Broker) Name() string { return BrokerName }

func (b *Broker) Capabilities() broker.Capabilities { return broker.AWSCapabilities }

func (b *Broker) Manager(context.Context) (broker.Manager, error) {
	return &manager{b: b}, nil
}

func (b *Broker) Connect(context.Context) (broker.Connection, error) {
	return &connection{b: b}, nil
}

func (b *Broker) ConnectAsync(context.Context) (broker.AsyncConnection, error) {
	return &asyncConnection{connection: &connection{b: b}}, nil
}

func (b *Broker) Close() error { return nil }

// topicARN creates the topic if needed; CreateTopic is idempotent and
// returns the ARN of an existing topic.
func (b *Broker) topicARN(ctx context.Context, exchange string) (string, error) {
	if exchange == "" {
		return "", errspkg.ErrExchangeRequired
	}
	b.mu.Lock()
	arn, ok := b.topics[exchange]
	b.mu.Unlock()
	if ok {
		return arn, nil
	}

	out, err := b.opts.SNS.CreateTopic(ctx, &amazonsns.CreateTopicInput{Name: aws.String(resourceName(exchange))})
	if err != nil {
		return "", fmt.Errorf("create topic %s: %w", exchange, err)
	}
	arn = aws.ToString(out.TopicArn)
	b.mu.Lock()
	b.topics[exchange] = arn
	b.mu.Unlock()
	return arn, nil
}

func (b *Broker) queueURL(ctx context.Context, queue string) (string, error) {
	if queue == "" {
		return "", errspkg.ErrQueueRequired
	}
	b.mu.Lock()
	url, ok := b.queues[queue]
	b.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := b.opts.SQS.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(resourceName(queue))})
	if err != nil {
		if isQueueMissing(err) {
			return "", fmt.Errorf("%w: %s", errspkg.ErrUnknownQueue, queue)
		}
		return "", err
	}
	url = aws.ToString(out.QueueUrl)
	b.mu.Lock()
	b.queues[queue] = url
	b.mu.Unlock()
	return url, nil
}

func (b *Broker) createQueue(ctx context.Context, queue string) (url, arn string, err error) {
	out, err := b.opts.SQS.CreateQueue(ctx, &amazonsqs.CreateQueueInput{
		QueueName: aws.String(resourceName(queue)),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameVisibilityTimeout): strconv.Itoa(int(b.opts.VisibilityTimeout.Seconds())),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("create queue %s: %w", queue, err)
	}
	url = aws.ToString(out.QueueUrl)

	attrs, err := b.opts.SQS.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", "", err
	}
	arn = attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]

	b.mu.Lock()
	b.queues[queue] = url
	b.mu.Unlock()
	return url, arn, nil
}

func (b *Broker) bind(ctx context.Context, exchange, queue string, keys []string) error {
	topicARN, err := b.topicARN(ctx, exchange)
	if err != nil {
		return err
	}
	url, queueARN, err := b.createQueue(ctx, queue)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	policy, err := queuePolicy(queueARN, topicARN)
	if err != nil {
		return err
	}
	_, err = b.opts.SQS.SetQueueAttributes(ctx, &amazonsqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(url),
		Attributes: map[string]string{string(sqstypes.QueueAttributeNamePolicy): policy},
	})
	if err != nil {
		return err
	}

	attrs := map[string]string{"RawMessageDelivery": "true"}
	filter, patterns, err := filterPolicy(keys)
	if err != nil {
		return err
	}
	if filter != "" {
		attrs["FilterPolicy"] = filter
	}
	_, err = b.opts.SNS.Subscribe(ctx, &amazonsns.SubscribeInput{
		TopicArn:              aws.String(topicARN),
		Protocol:              aws.String("sqs"),
		Endpoint:              aws.String(queueARN),
		Attributes:            attrs,
		ReturnSubscriptionArn: true,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", queue, exchange, err)
	}

	b.mu.Lock()
	b.filters[queue] = append(b.filters[queue], patterns...)
	b.mu.Unlock()
	return nil
}

// accepts rechecks a routing key against the LIKE patterns bound to queue.
// SNS filter policies only express prefixes and suffixes, so keys with an
// inner wildcard are over-matched server side. Queues bound by another
// process have no recorded patterns and accept everything.
func (b *Broker) accepts(queue, key string) bool {
	b.mu.Lock()
	patterns := b.filters[queue]
	b.mu.Unlock()
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if broker.MatchLike(p, key) {
			return true
		}
	}
	return false
}

func (b *Broker) forget(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, queue)
	delete(b.filters, queue)
}

// filterPolicy builds an SNS filter policy on the routing key attribute. It
// returns an empty policy when any key matches everything.
func filterPolicy(keys []string) (string, []string, error) {
	rules := make([]any, 0, len(keys))
	patterns := make([]string, 0, len(keys))
	for _, key := range keys {
		translated, all := broker.LikePatterns(key)
		if all {
			return "", nil, nil
		}
		for _, pattern := range translated {
			patterns = append(patterns, pattern)
			rules = append(rules, likeRule(pattern))
		}
	}
	body, err := jsoncodec.Marshal(map[string]any{routingKeyAttribute: rules})
	if err != nil {
		return "", nil, err
	}
	return string(body), patterns, nil
}

func likeRule(pattern string) any {
	first := strings.Index(pattern, "%")
	if first < 0 {
		return pattern
	}
	last := strings.LastIndex(pattern, "%")
	if prefix := pattern[:first]; prefix != "" {
		return map[string]any{"prefix": prefix}
	}
	if suffix := pattern[last+1:]; suffix != "" {
		return map[string]any{"suffix": suffix}
	}
	return map[string]any{"exists": true}
}

func queuePolicy(queueARN, topicARN string) (string, error) {
	body, err := jsoncodec.Marshal(map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{map[string]any{
			"Effect":    "Allow",
			"Principal": map[string]any{"Service": "sns.amazonaws.com"},
			"Action":    "sqs:SendMessage",
			"Resource":  queueARN,
			"Condition": map[string]any{
				"ArnEquals": map[string]any{"aws:SourceArn": topicARN},
			},
		}},
	})
	return string(body), err
}

type manager struct {
	b *Broker
}

func (m *manager) CreateExchange(ctx context.Context, name string) error {
	_, err := m.b.topicARN(ctx, name)
	return err
}

func (m *manager) CreateQueueWithBinding(ctx context.Context, exchange, queue string, keys []string) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	return m.b.bind(ctx, exchange, queue, keys)
}

func (m *manager) DeleteQueue(ctx context.Context, queue string) error {
	url, err := m.b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	defer m.b.forget(queue)
	_, err = m.b.opts.SQS.DeleteQueue(ctx, &amazonsqs.DeleteQueueInput{QueueUrl: aws.String(url)})
	return err
}

func (m *manager) DeleteExchange(ctx context.Context, name string) error {
	arn, err := m.b.topicARN(ctx, name)
	if err != nil {
		return err
	}
	m.b.mu.Lock()
	delete(m.b.topics, name)
	m.b.mu.Unlock()
	_, err = m.b.opts.SNS.DeleteTopic(ctx, &amazonsns.DeleteTopicInput{TopicArn: aws.String(arn)})
	return err
}

func (m *manager) Close() error { return nil }
