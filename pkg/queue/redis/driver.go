package redis

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
)

// System is the messaging.system name used in metrics, spans and logs.
const System = "redis"

// Driver is the Redis Streams implementation of queue.Driver.
type Driver struct {
	cfg       queue.Config
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	tp        trace.TracerProvider
	publisher *queue.Publisher
	registry  *queue.Registry
	client    Client
	member    string
}

// Option customizes a Driver.
type Option func(*Driver)

// WithClient makes the driver use client instead of creating one.
func WithClient(client Client) Option {
	return func(d *Driver) { d.client = client }
}

// WithMetrics records driver metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithTracerProvider sets the provider used for publish and process spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Driver) { d.tp = tp }
}

// New creates a Redis driver.
func New(cfg queue.Config, log *zap.SugaredLogger, opts ...Option) *Driver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Driver{
		cfg: cfg.WithDefaults(),
		log: log.With("driver", queue.DriverRedis),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = NewClient(d.cfg.Redis)
	}

	d.member = d.cfg.Redis.ConsumerName
	if d.member == "" {
		d.member = defaultMember()
	}
	d.publisher = queue.NewPublisher(System, d.cfg, d.log, d.metrics, d.tp)
	d.registry = queue.NewRegistry(d.log)
	return d
}

func defaultMember() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobqueue"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (d *Driver) checkQueue(queueName string) error {
	if err := queue.ValidateQueueName(queueName); err != nil {
		return err
	}
	if !slices.Contains(d.cfg.Redis.Queues, queueName) {
		return fmt.Errorf("%w: %q", queue.ErrUnknownQueue, queueName)
	}
	return nil
}

// Enqueue appends data to the stream of queueName. A payload whose token was
// enqueued within DedupWindow is acknowledged without being appended.
func (d *Driver) Enqueue(ctx context.Context, queueName string, data any) error {
	if err := d.checkQueue(queueName); err != nil {
		return err
	}

	return d.publisher.Publish(ctx, queueName, data, func(ctx context.Context, p queue.Payload, headers map[string]string) error {
		dedupKey := DedupKey(d.cfg.Redis.Prefix, queueName, p.DedupToken)
		fresh, err := d.client.SetNX(ctx, dedupKey, 1, d.cfg.Redis.DedupWindow).Result()
		if err != nil {
			return fmt.Errorf("failed to record dedup token: %w", err)
		}
		if !fresh {
			d.log.Debugw("suppressed duplicate payload", "queue", queueName, "dedupToken", p.DedupToken)
			return nil
		}

		values := map[string]interface{}{
			fieldBody:  string(p.Body),
			fieldDedup: p.DedupToken,
		}
		for k, v := range headers {
			values[headerFieldPrefix+k] = v
		}
		args := &redis.XAddArgs{
			Stream: StreamKey(d.cfg.Redis.Prefix, queueName),
			Values: values,
		}
		if d.cfg.Redis.MaxLen > 0 {
			args.MaxLen = d.cfg.Redis.MaxLen
			args.Approx = true
		}

		if err := d.client.XAdd(ctx, args).Err(); err != nil {
			// Release the token so that a retry is not suppressed.
			if derr := d.client.Del(context.WithoutCancel(ctx), dedupKey).Err(); derr != nil {
				d.log.Warnw("failed to release dedup token", "key", dedupKey, "error", derr)
			}
			return fmt.Errorf("failed to append to stream: %w", err)
		}
		return nil
	})
}

// Process starts a consumer group member reading the stream of queueName.
func (d *Driver) Process(ctx context.Context, queueName string, handler queue.Handler) error {
	if err := d.checkQueue(queueName); err != nil {
		return err
	}
	dispatcher := queue.NewDispatcher(System, queueName, handler, d.cfg.Redis.Dispatch, d.cfg.Debug, d.log, d.metrics, d.tp)
	c := NewConsumer(queueName, d.member, d.client, d.cfg.Redis, dispatcher, d.log, d.metrics)
	return d.registry.Attach(ctx, c)
}

// Drain stops every consumer started by Process.
func (d *Driver) Drain(ctx context.Context) error {
	start := time.Now()
	err := d.registry.Drain(ctx, d.cfg.DrainTimeout)
	d.metrics.RecordDrain(err, time.Since(start).Seconds())
	return err
}

// Ping checks connectivity to Redis.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (d *Driver) Close() error {
	if c, ok := d.client.(io.Closer); ok {
		return c.Close()
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
)
