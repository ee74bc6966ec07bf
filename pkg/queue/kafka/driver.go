package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
)

// System is the messaging.system name used in metrics, spans and logs.
const System = "kafka"

// ConsumerFactory creates the client consuming the topic of queueName.
type ConsumerFactory func(queueName string) (ConsumerClient, error)

// Driver is the Kafka implementation of queue.Driver.
//
// Queue names map to topics through KafkaConfig.Topics. Records are keyed by
// queue name and carry the payload digest in the jobqueue-dedup-token header;
// Kafka itself does not deduplicate them. Close must be called to flush the
// shared producer.
type Driver struct {
	cfg       queue.Config
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	tp        trace.TracerProvider
	publisher *queue.Publisher
	registry  *queue.Registry

	newConsumer ConsumerFactory
	admin       TopicAdmin

	producerOnce sync.Once
	producer     MessageProducer
	producerErr  error
}

// Option customizes a Driver.
type Option func(*Driver)

// WithProducer makes the driver publish through p.
func WithProducer(p MessageProducer) Option {
	return func(d *Driver) { d.producer = p }
}

// WithConsumerFactory overrides how consumer clients are created.
func WithConsumerFactory(f ConsumerFactory) Option {
	return func(d *Driver) { d.newConsumer = f }
}

// WithTopicAdmin sets the admin client used when AutoCreateTopics is enabled.
func WithTopicAdmin(admin TopicAdmin) Option {
	return func(d *Driver) { d.admin = admin }
}

// WithMetrics records driver metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithTracerProvider sets the provider used for publish and process spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Driver) { d.tp = tp }
}

// New creates a Kafka driver. Clients are created lazily.
func New(cfg queue.Config, log *zap.SugaredLogger, opts ...Option) *Driver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Driver{
		cfg: cfg.WithDefaults(),
		log: log.With("driver", queue.DriverKafka),
	}
	d.newConsumer = func(queueName string) (ConsumerClient, error) {
		c, err := kafka.NewConsumer(ConsumerConfigMap(d.cfg.Kafka, queueName))
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		return c, nil
	}
	for _, opt := range opts {
		opt(d)
	}
	d.publisher = queue.NewPublisher(System, d.cfg, d.log, d.metrics, d.tp)
	d.registry = queue.NewRegistry(d.log)
	return d
}

func (d *Driver) messageProducer() (MessageProducer, error) {
	d.producerOnce.Do(func() {
		if d.producer != nil {
			return
		}
		// Producer goroutines live until Close.
		d.producer, d.producerErr = NewProducer(context.Background(), ProducerConfigMap(d.cfg.Kafka), d.log, d.metrics)
	})
	return d.producer, d.producerErr
}

func (d *Driver) topic(queueName string) (string, error) {
	if err := queue.ValidateQueueName(queueName); err != nil {
		return "", err
	}
	topic, ok := d.cfg.Kafka.Topics[queueName]
	if !ok || topic == "" {
		return "", fmt.Errorf("%w: %q", queue.ErrUnknownQueue, queueName)
	}
	return topic, nil
}

// Enqueue produces data to the topic mapped to queueName and waits for the
// broker acknowledgement.
func (d *Driver) Enqueue(ctx context.Context, queueName string, data any) error {
	topic, err := d.topic(queueName)
	if err != nil {
		return err
	}

	return d.publisher.Publish(ctx, queueName, data, func(ctx context.Context, p queue.Payload, headers map[string]string) error {
		producer, err := d.messageProducer()
		if err != nil {
			return err
		}
		headers[HeaderDedupToken] = p.DedupToken
		headers[HeaderQueue] = queueName

		return producer.Produce(ctx, Msg{
			Topic:   topic,
			Key:     []byte(queueName),
			Value:   p.Body,
			Headers: headers,
		})
	})
}

// Process starts a consumer for the topic of queueName.
func (d *Driver) Process(ctx context.Context, queueName string, handler queue.Handler) error {
	topic, err := d.topic(queueName)
	if err != nil {
		return err
	}
	if d.cfg.Kafka.AutoCreateTopics {
		if err := d.ensureTopics(ctx, topic); err != nil {
			return err
		}
	}

	var dlq MessageProducer
	if d.cfg.Kafka.DLQTopic != "" {
		if dlq, err = d.messageProducer(); err != nil {
			return err
		}
	}

	client, err := d.newConsumer(queueName)
	if err != nil {
		return err
	}

	dispatcher := queue.NewDispatcher(System, queueName, handler, d.cfg.Kafka.Dispatch, d.cfg.Debug, d.log, d.metrics, d.tp)
	c := NewConsumer(queueName, topic, client, dlq, d.cfg.Kafka, dispatcher, d.log, d.metrics)
	if err := d.registry.Attach(ctx, c); err != nil {
		if cerr := client.Close(); cerr != nil {
			d.log.Warnw("failed to close unused kafka consumer", "queue", queueName, "error", cerr)
		}
		return err
	}
	return nil
}

func (d *Driver) ensureTopics(ctx context.Context, topics ...string) error {
	admin := d.admin
	if admin == nil {
		ac, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": d.cfg.Kafka.BootstrapServers})
		if err != nil {
			return fmt.Errorf("failed to create kafka admin client: %w", err)
		}
		defer ac.Close()
		admin = ac
	}

	if d.cfg.Kafka.DLQTopic != "" {
		topics = append(topics, d.cfg.Kafka.DLQTopic)
	}
	for _, topic := range topics {
		err := EnsureTopic(ctx, admin, TopicConfig{
			Name:              topic,
			NumPartitions:     d.cfg.Kafka.NumPartitions,
			ReplicationFactor: d.cfg.Kafka.ReplicationFactor,
		}, d.log)
		if err != nil {
			return err
		}
	}
	return nil
}

// Drain stops every consumer started by Process. The producer stays usable.
func (d *Driver) Drain(ctx context.Context) error {
	start := time.Now()
	err := d.registry.Drain(ctx, d.cfg.DrainTimeout)
	d.metrics.RecordDrain(err, time.Since(start).Seconds())
	return err
}

// Close flushes and closes the shared producer.
func (d *Driver) Close() error {
	if d.producer != nil {
		d.producer.Close(d.cfg.Kafka.FlushTimeout)
	}
	return nil
}

// Running returns the queues with a running consumer.
func (d *Driver) Running() []string { return d.registry.Running() }

// Errors returns the error channel of the consumer attached to queueName.
func (d *Driver) Errors(queueName string) <-chan error { return d.registry.Errors(queueName) }

var (
	_ queue.Driver   = (*Driver)(nil)
	_ queue.Monitor  = (*Driver)(nil)
	_ queue.Consumer = (*Consumer)(nil)
	_ ConsumerClient = (*kafka.Consumer)(nil)
	_ TopicAdmin     = (*kafka.AdminClient)(nil)
)
