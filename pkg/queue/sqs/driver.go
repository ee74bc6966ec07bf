package sqs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
)

// System is the messaging.system name used in metrics, spans and logs.
const System = "aws_sqs"

// Driver is the SQS implementation of queue.Driver.
//
// Queue names are mapped to queue URLs by SQSConfig.Queues. Messages sent to
// FIFO queues carry the payload digest as deduplication id and the queue name
// as message group id.
type Driver struct {
	cfg       queue.Config
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	tp        trace.TracerProvider
	publisher *queue.Publisher
	registry  *queue.Registry

	clientMu  sync.Mutex
	client    API
	newClient func(ctx context.Context, cfg queue.SQSConfig) (API, error)
}

// Option customizes a Driver.
type Option func(*Driver)

// WithClient makes the driver use api instead of building an SQS client.
func WithClient(api API) Option {
	return func(d *Driver) { d.client = api }
}

// WithMetrics records driver metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithTracerProvider sets the provider used for publish and process spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Driver) { d.tp = tp }
}

// New creates an SQS driver. The SQS client is built on first use.
func New(cfg queue.Config, log *zap.SugaredLogger, opts ...Option) *Driver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Driver{
		cfg: cfg.WithDefaults(),
		log: log.With("driver", queue.DriverSQS),
		newClient: func(ctx context.Context, cfg queue.SQSConfig) (API, error) {
			return NewClient(ctx, cfg)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.publisher = queue.NewPublisher(System, d.cfg, d.log, d.metrics, d.tp)
	d.registry = queue.NewRegistry(d.log)
	return d
}

// sqsClient returns the shared client, building it on first use. A failed
// build is not cached so that the next call retries it.
func (d *Driver) sqsClient(ctx context.Context) (API, error) {
	d.clientMu.Lock()
	defer d.clientMu.Unlock()

	if d.client != nil {
		return d.client, nil
	}
	client, err := d.newClient(ctx, d.cfg.SQS)
	if err != nil {
		return nil, err
	}
	d.client = client
	return client, nil
}

func (d *Driver) queueURL(queueName string) (string, error) {
	if err := queue.ValidateQueueName(queueName); err != nil {
		return "", err
	}
	url, ok := d.cfg.SQS.Queues[queueName]
	if !ok || url == "" {
		return "", fmt.Errorf("%w: %q", queue.ErrUnknownQueue, queueName)
	}
	return url, nil
}

// Enqueue publishes data to the SQS queue mapped to queueName.
func (d *Driver) Enqueue(ctx context.Context, queueName string, data any) error {
	url, err := d.queueURL(queueName)
	if err != nil {
		return err
	}

	return d.publisher.Publish(ctx, queueName, data, func(ctx context.Context, p queue.Payload, headers map[string]string) error {
		client, err := d.sqsClient(ctx)
		if err != nil {
			return err
		}

		input := &sqs.SendMessageInput{
			QueueUrl:          aws.String(url),
			MessageBody:       aws.String(string(p.Body)),
			MessageAttributes: toAttributes(headers),
		}
		if IsFIFO(url) {
			input.MessageDeduplicationId = aws.String(p.DedupToken)
			input.MessageGroupId = aws.String(queueName)
		}

		out, err := client.SendMessage(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to send message to %s: %w", url, err)
		}
		d.log.Debugw("sent message", "queue", queueName, "messageID", aws.ToString(out.MessageId))
		return nil
	})
}

// Process starts a consumer for queueName that long-polls its SQS queue.
func (d *Driver) Process(ctx context.Context, queueName string, handler queue.Handler) error {
	url, err := d.queueURL(queueName)
	if err != nil {
		return err
	}
	client, err := d.sqsClient(ctx)
	if err != nil {
		return err
	}

	dispatcher := queue.NewDispatcher(System, queueName, handler, d.cfg.SQS.Consumer.Dispatch, d.cfg.Debug, d.log, d.metrics, d.tp)
	c := NewConsumer(queueName, url, client, d.cfg.SQS.Consumer, dispatcher, d.log, d.metrics)
	return d.registry.Attach(ctx, c)
}

// Drain stops every consumer started by Process.
func (d *Driver) Drain(ctx context.Context) error {
	start := time.Now()
	err := d.registry.Drain(ctx, d.cfg.DrainTimeout)
	d.metrics.RecordDrain(err, time.Since(start).Seconds())
	return err
}

// Running returns the queues with a running consumer.
func (d *Driver) Running() []string { return d.registry.Running() }

// Errors returns the error channel of the consumer attached to queueName.
func (d *Driver) Errors(queueName string) <-chan error { return d.registry.Errors(queueName) }

var (
	_ queue.Driver   = (*Driver)(nil)
	_ queue.Monitor  = (*Driver)(nil)
	_ queue.Consumer = (*Consumer)(nil)
)
