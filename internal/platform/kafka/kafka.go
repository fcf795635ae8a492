// Package kafka wraps franz-go client construction, topic bootstrap and a
// consumer loop that hands records to a Handler.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"signout/internal/platform/config"
)

// Message is a consumed record with headers flattened to strings.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// NewClient builds a producer-capable client for the configured brokers.
func NewClient(cfg config.Kafka, opts ...kgo.Opt) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	cl, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return cl, nil
}

// EnsureTopic creates topic if it does not exist yet.
func EnsureTopic(ctx context.Context, cl *kgo.Client, topic string, partitions int32, replication int16) error {
	adm := kadm.NewClient(cl)
	resps, err := adm.CreateTopics(ctx, partitions, replication, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Consumer reads a topic as part of a consumer group. A record's offset is
// committed only after its handler succeeds, so delivery is at-least-once.
type Consumer struct {
	client       fetchClient
	handler      Handler
	logger       *slog.Logger
	retryInitial time.Duration
	retryMax     time.Duration
}

type fetchClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

type ConsumerOption func(*Consumer)

// WithRetryBackoff bounds the delay between attempts at a failing record.
func WithRetryBackoff(initial, maxInterval time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if initial > 0 {
			c.retryInitial = initial
		}
		if maxInterval > 0 {
			c.retryMax = maxInterval
		}
	}
}

func NewConsumer(cfg config.Kafka, handler Handler, logger *slog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cl, err := NewClient(cfg,
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, err
	}
	return newConsumer(cl, handler, logger, opts...), nil
}

func newConsumer(cl fetchClient, handler Handler, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		client:       cl,
		handler:      handler,
		logger:       logger,
		retryInitial: 500 * time.Millisecond,
		retryMax:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled. A failing record is retried with backoff
// and holds back every record polled after it; on shutdown those stay
// uncommitted and are redelivered to the next group member.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		for _, fe := range fetches.Errors() {
			c.logger.WarnContext(ctx, "kafka fetch error",
				"topic", fe.Topic,
				"partition", fe.Partition,
				"error", fe.Err,
			)
		}

		records := fetches.Records()
		handled := make([]*kgo.Record, 0, len(records))
		for _, r := range records {
			if err := c.handle(ctx, r); err != nil {
				break
			}
			handled = append(handled, r)
		}
		c.commit(ctx, handled)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle retries r until the handler succeeds or ctx is cancelled.
func (c *Consumer) handle(ctx context.Context, r *kgo.Record) error {
	msg := FromRecord(r)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = c.retryMax
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return c.handler.Handle(ctx, msg)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.ErrorContext(ctx, "kafka handler failed, retrying",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"retry_in", wait.String(),
			"error", err,
		)
	})
}

func (c *Consumer) commit(ctx context.Context, handled []*kgo.Record) {
	if len(handled) == 0 {
		return
	}
	// Handled records are committed even while shutting down.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.client.CommitRecords(commitCtx, handled...); err != nil {
		c.logger.WarnContext(ctx, "kafka commit failed", "error", err)
	}
}

func FromRecord(r *kgo.Record) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
	}
}
