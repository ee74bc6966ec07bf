package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
)

const queueFullRetryDelay = time.Second

// Msg is a record to produce.
type Msg struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// MessageProducer produces records synchronously.
type MessageProducer interface {
	Produce(ctx context.Context, msg Msg) error
	Errors() <-chan error
	Close(timeout time.Duration)
}

// Producer is a synchronous Kafka producer.
//
// Produce blocks until the broker confirmed delivery. A background goroutine
// drains producer events and reports the first fatal error on Errors. Close
// must be called to flush in-flight records and stop the goroutines.
type Producer struct {
	producer   *kafka.Producer
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	errCh      chan error
	closedCh   chan struct{}
	eventsDone chan struct{}
	logsDone   chan struct{}
	once       sync.Once
}

// NewProducer creates a Producer from conf. ctx bounds the lifetime of the
// background goroutines.
func NewProducer(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger, m *metrics.Metrics) (*Producer, error) {
	logsEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		return nil, fmt.Errorf("failed to read go.logs.channel.enable: %w", err)
	}

	kp, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	p := &Producer{
		producer:   kp,
		log:        log,
		metrics:    m,
		errCh:      make(chan error, 1),
		closedCh:   make(chan struct{}),
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
	}

	if enabled, _ := logsEnabled.(bool); enabled {
		go p.forwardLogs(ctx)
	} else {
		close(p.logsDone)
	}
	go p.watchEvents(ctx)

	return p, nil
}

// Produce sends msg and waits for its delivery report or ctx. If ctx ends
// first the record may still be delivered later.
func (p *Producer) Produce(ctx context.Context, msg Msg) error {
	deliveryCh := make(chan kafka.Event, 1)

	record := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &msg.Topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
		Headers:        toHeaders(msg.Headers),
	}

	if err := p.enqueue(ctx, record, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-deliveryCh:
		delivered, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %T", ev)
		}
		if err := delivered.TopicPartition.Error; err != nil {
			return fmt.Errorf("delivery to %s failed: %w", msg.Topic, err)
		}
		p.log.Debugw("delivered record",
			"topic", msg.Topic,
			"partition", delivered.TopicPartition.Partition,
			"offset", delivered.TopicPartition.Offset,
		)
		return nil
	}
}

// enqueue hands record to librdkafka, waiting while its local queue is full.
func (p *Producer) enqueue(ctx context.Context, record *kafka.Message, deliveryCh chan kafka.Event) error {
	for {
		err := p.producer.Produce(record, deliveryCh)
		if err == nil {
			return nil
		}

		var kerr kafka.Error
		if !errors.As(err, &kerr) || kerr.Code() != kafka.ErrQueueFull {
			return fmt.Errorf("failed to produce to %s: %w", *record.TopicPartition.Topic, err)
		}

		p.log.Warnw("producer queue full, retrying", "delay", queueFullRetryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(queueFullRetryDelay):
		}
	}
}

// Errors returns a channel receiving at most one fatal producer error. The
// producer is unusable afterwards.
func (p *Producer) Errors() <-chan error {
	return p.errCh
}

// Close stops the background goroutines, flushes pending records for up to
// timeout and closes the producer. Calling Close again does nothing.
func (p *Producer) Close(timeout time.Duration) {
	p.once.Do(func() {
		close(p.closedCh)
		<-p.eventsDone
		<-p.logsDone

		if pending := p.producer.Flush(int(timeout.Milliseconds())); pending > 0 {
			p.log.Warnw("flush incomplete, pending records are lost", "pending", pending)
		}
		p.producer.Close()
		p.log.Info("kafka producer closed")
	})
}

func (p *Producer) watchEvents(ctx context.Context) {
	defer close(p.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closedCh:
			return
		case ev, ok := <-p.producer.Events():
			if !ok {
				p.fail(errors.New("kafka producer event channel closed"))
				return
			}
			kerr, isErr := ev.(kafka.Error)
			if !isErr {
				p.log.Debugw("ignoring kafka producer event", "event", ev.String())
				continue
			}

			fatal := kerr.IsFatal() || kerr.Code() == kafka.ErrAllBrokersDown
			p.metrics.RecordBackendError(fatal)
			if fatal {
				p.fail(fmt.Errorf("fatal kafka producer error %#x: %w", kerr.Code(), kerr))
				return
			}
			p.log.Warnw("kafka producer error", "code", kerr.Code(), "error", kerr)
		}
	}
}

func (p *Producer) fail(err error) {
	p.log.Errorw("kafka producer failed", "error", err)
	select {
	case p.errCh <- err:
	default:
	}
}

func (p *Producer) forwardLogs(ctx context.Context) {
	defer close(p.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closedCh:
			return
		case entry, ok := <-p.producer.Logs():
			if !ok {
				return
			}
			p.log.Debugw("librdkafka", "level", entry.Level, "tag", entry.Tag, "message", entry.Message)
		}
	}
}
