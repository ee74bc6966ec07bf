package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
)

// ConsumerClient is the subset of *kafka.Consumer used by Consumer.
type ConsumerClient interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	StoreMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	Logs() chan kafka.LogEvent
	Close() error
}

// Consumer consumes the topic of one queue.
//
// Messages are handled one at a time in partition order. The offset of a
// message is stored once its handler succeeded. A failed message is retried
// by seeking back to it after RetryBackoff; after MaxAttempts failures it is
// moved to the dead letter topic when one is configured.
type Consumer struct {
	queue.Runner

	name       string
	topic      string
	client     ConsumerClient
	dlq        MessageProducer
	cfg        queue.KafkaConfig
	dispatcher *queue.Dispatcher
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	attempts map[string]int
	closed   bool
}

// NewConsumer creates a stopped Consumer. dlq may be nil.
func NewConsumer(
	name string,
	topic string,
	client ConsumerClient,
	dlq MessageProducer,
	cfg queue.KafkaConfig,
	dispatcher *queue.Dispatcher,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Consumer {
	return &Consumer{
		name:       name,
		topic:      topic,
		client:     client,
		dlq:        dlq,
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log.With("queue", name, "topic", topic),
		metrics:    m,
		attempts:   make(map[string]int),
	}
}

func (c *Consumer) Queue() string { return c.name }

// Errors returns the channel receiving handler and broker errors.
func (c *Consumer) Errors() <-chan error { return c.dispatcher.Errors() }

// Start subscribes to the topic and starts polling.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.client.SubscribeTopics([]string{c.topic}, c.rebalance); err != nil {
		return fmt.Errorf("failed to subscribe to topic %q: %w", c.topic, err)
	}
	if err := c.Run(ctx, c.poll); err != nil {
		return err
	}
	c.metrics.SetConsumerRunning(c.name, true)
	c.log.Info("kafka consumer started")
	return nil
}

// Stop ends polling, waits for the in-flight job and closes the client,
// committing stored offsets.
func (c *Consumer) Stop(ctx context.Context) error {
	err := c.Runner.Stop(ctx)
	if werr := c.dispatcher.Wait(ctx); werr != nil {
		err = errors.Join(err, werr)
	}

	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if !alreadyClosed {
		if cerr := c.client.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close kafka consumer: %w", cerr))
		}
	}
	c.log.Info("kafka consumer stopped")
	return err
}

func (c *Consumer) poll(ctx context.Context) {
	defer c.metrics.SetConsumerRunning(c.name, false)
	if c.cfg.EnableLogs {
		go c.forwardLogs(ctx)
	}

	timeoutMs := int(c.cfg.PollInterval.Milliseconds())
	for ctx.Err() == nil {
		switch ev := c.client.Poll(timeoutMs).(type) {
		case nil:
		case *kafka.Message:
			c.handle(ctx, ev)
		case kafka.Error:
			c.metrics.RecordBackendError(ev.IsFatal())
			if ev.IsFatal() {
				c.log.Errorw("fatal kafka error, stopping consumer", "error", ev)
				c.dispatcher.Report(fmt.Errorf("fatal kafka error on topic %q: %w", c.topic, ev))
				return
			}
			c.log.Warnw("kafka error", "code", ev.Code(), "error", ev)
		default:
			c.log.Debugw("ignoring kafka event", "event", ev.String())
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *kafka.Message) {
	job, err := c.dispatcher.Decode(msg.Value)
	if err != nil {
		// An undecodable record can never succeed.
		c.deadLetter(ctx, msg, err)
		return
	}

	done := make(chan error, 1)
	jobCtx := context.WithoutCancel(ctx)
	if err := c.dispatcher.Go(ctx, func() {
		done <- c.dispatcher.Handle(jobCtx, job, fromHeaders(msg.Headers))
	}); err != nil {
		// Stopping: the offset is not stored and the record is redelivered.
		return
	}

	if err := <-done; err != nil {
		c.retry(ctx, msg, err)
		return
	}
	c.commit(msg)
}

func (c *Consumer) commit(msg *kafka.Message) {
	c.forget(msg)
	if _, err := c.client.StoreMessage(msg); err != nil {
		c.log.Errorw("failed to store offset",
			"partition", msg.TopicPartition.Partition,
			"offset", msg.TopicPartition.Offset,
			"error", err,
		)
		c.dispatcher.Report(fmt.Errorf("failed to store offset on topic %q: %w", c.topic, err))
	}
}

func (c *Consumer) retry(ctx context.Context, msg *kafka.Message, cause error) {
	tp := positionOf(msg)
	key := attemptKey(msg)

	c.mu.Lock()
	c.attempts[key]++
	attempts := c.attempts[key]
	c.mu.Unlock()

	if c.cfg.MaxAttempts > 0 && attempts >= c.cfg.MaxAttempts && c.dlq != nil && c.cfg.DLQTopic != "" {
		c.deadLetter(ctx, msg, cause)
		return
	}

	c.metrics.RecordRedelivery(c.name)
	if err := c.client.Seek(tp, 0); err != nil {
		c.log.Errorw("failed to seek back to failed message", "offset", tp.Offset, "error", err)
		c.dispatcher.Report(fmt.Errorf("failed to seek on topic %q: %w", c.topic, err))
		return
	}
	queue.Sleep(ctx, c.cfg.RetryBackoff)
}

// deadLetter moves msg to the dead letter topic, if any, and skips it.
func (c *Consumer) deadLetter(ctx context.Context, msg *kafka.Message, cause error) {
	if c.dlq != nil && c.cfg.DLQTopic != "" {
		headers := fromHeaders(msg.Headers)
		if headers == nil {
			headers = make(map[string]string, 2)
		}
		headers[HeaderQueue] = c.name
		headers["jobqueue-error"] = cause.Error()

		err := c.dlq.Produce(context.WithoutCancel(ctx), Msg{
			Topic:   c.cfg.DLQTopic,
			Key:     msg.Key,
			Value:   msg.Value,
			Headers: headers,
		})
		if err != nil {
			// Keep the offset so the record is retried rather than lost.
			c.log.Errorw("failed to publish to DLQ", "dlqTopic", c.cfg.DLQTopic, "error", err)
			c.dispatcher.Report(fmt.Errorf("failed to publish to DLQ %q: %w", c.cfg.DLQTopic, err))
			c.metrics.RecordRedelivery(c.name)
			if serr := c.client.Seek(positionOf(msg), 0); serr == nil {
				queue.Sleep(ctx, c.cfg.RetryBackoff)
			}
			return
		}
		c.log.Warnw("moved message to DLQ",
			"partition", msg.TopicPartition.Partition,
			"offset", msg.TopicPartition.Offset,
			"dlqTopic", c.cfg.DLQTopic,
			"cause", cause,
		)
	} else {
		c.log.Errorw("skipping message",
			"partition", msg.TopicPartition.Partition,
			"offset", msg.TopicPartition.Offset,
			"cause", cause,
		)
	}
	c.commit(msg)
}

func (c *Consumer) forget(msg *kafka.Message) {
	c.mu.Lock()
	delete(c.attempts, attemptKey(msg))
	c.mu.Unlock()
}

func (c *Consumer) rebalance(kc *kafka.Consumer, ev kafka.Event) error {
	switch e := ev.(type) {
	case kafka.AssignedPartitions:
		c.log.Infow("partitions assigned", "count", len(e.Partitions), "partitions", e.Partitions)
	case kafka.RevokedPartitions:
		c.log.Infow("partitions revoked", "count", len(e.Partitions), "partitions", e.Partitions)
		if kc != nil && kc.AssignmentLost() {
			c.log.Warn("assignment lost involuntarily, stored offsets may not be committed")
		}
	default:
		c.log.Warnw("unexpected rebalance event", "event", ev)
	}
	return nil
}

func (c *Consumer) forwardLogs(ctx context.Context) {
	logs := c.client.Logs()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-logs:
			if !ok {
				return
			}
			c.log.Debugw("librdkafka", "level", entry.Level, "tag", entry.Tag, "message", entry.Message)
		}
	}
}

// positionOf identifies the partition and offset of msg, without error.
func positionOf(msg *kafka.Message) kafka.TopicPartition {
	return kafka.TopicPartition{
		Topic:     msg.TopicPartition.Topic,
		Partition: msg.TopicPartition.Partition,
		Offset:    msg.TopicPartition.Offset,
	}
}

func attemptKey(msg *kafka.Message) string {
	return fmt.Sprintf("%d/%d", msg.TopicPartition.Partition, msg.TopicPartition.Offset)
}
