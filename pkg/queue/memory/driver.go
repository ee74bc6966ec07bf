package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
)

// System is the messaging.system name used in metrics, spans and logs.
const System = "memory"

// ErrQueueFull is returned by Enqueue when the buffer of a queue is full and
// ctx ends before space frees up.
var ErrQueueFull = errors.New("memory queue is full")

type envelope struct {
	body     []byte
	headers  map[string]string
	attempts int
}

type memQueue struct {
	name string
	ch   chan envelope

	mu   sync.Mutex
	seen map[string]time.Time
}

// remember records token and reports whether it was not seen within window.
func (q *memQueue) remember(token string, now time.Time, window time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for t, expiry := range q.seen {
		if !now.Before(expiry) {
			delete(q.seen, t)
		}
	}
	if _, dup := q.seen[token]; dup {
		return false
	}
	q.seen[token] = now.Add(window)
	return true
}

func (q *memQueue) forget(token string) {
	q.mu.Lock()
	delete(q.seen, token)
	q.mu.Unlock()
}

// Driver is the in-process implementation of queue.Driver.
type Driver struct {
	cfg       queue.Config
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	tp        trace.TracerProvider
	publisher *queue.Publisher
	registry  *queue.Registry
	now       func() time.Time

	mu     sync.Mutex
	queues map[string]*memQueue
}

// Option customizes a Driver.
type Option func(*Driver)

// WithMetrics records driver metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithTracerProvider sets the provider used for publish and process spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Driver) { d.tp = tp }
}

// WithClock overrides the time source of the deduplication window.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// New creates an in-process driver.
func New(cfg queue.Config, log *zap.SugaredLogger, opts ...Option) *Driver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Driver{
		cfg:    cfg.WithDefaults(),
		log:    log.With("driver", queue.DriverMemory),
		now:    time.Now,
		queues: make(map[string]*memQueue),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.publisher = queue.NewPublisher(System, d.cfg, d.log, d.metrics, d.tp)
	d.registry = queue.NewRegistry(d.log)
	return d
}

func (d *Driver) queue(name string) (*memQueue, error) {
	if err := queue.ValidateQueueName(name); err != nil {
		return nil, err
	}
	if len(d.cfg.Memory.Queues) > 0 && !slices.Contains(d.cfg.Memory.Queues, name) {
		return nil, fmt.Errorf("%w: %q", queue.ErrUnknownQueue, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[name]
	if !ok {
		q = &memQueue{
			name: name,
			ch:   make(chan envelope, d.cfg.Memory.BufferSize),
			seen: make(map[string]time.Time),
		}
		d.queues[name] = q
	}
	return q, nil
}

// Enqueue buffers data on queueName, blocking while the buffer is full.
func (d *Driver) Enqueue(ctx context.Context, queueName string, data any) error {
	q, err := d.queue(queueName)
	if err != nil {
		return err
	}

	return d.publisher.Publish(ctx, queueName, data, func(ctx context.Context, p queue.Payload, headers map[string]string) error {
		if !q.remember(p.DedupToken, d.now(), d.cfg.Memory.DedupWindow) {
			d.log.Debugw("suppressed duplicate payload", "queue", queueName, "dedupToken", p.DedupToken)
			return nil
		}

		select {
		case q.ch <- envelope{body: p.Body, headers: headers}:
			return nil
		case <-ctx.Done():
			q.forget(p.DedupToken)
			return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
		}
	})
}

// Process starts a consumer reading the buffer of queueName.
func (d *Driver) Process(ctx context.Context, queueName string, handler queue.Handler) error {
	q, err := d.queue(queueName)
	if err != nil {
		return err
	}
	dispatcher := queue.NewDispatcher(System, queueName, handler, d.cfg.Memory.Dispatch, d.cfg.Debug, d.log, d.metrics, d.tp)
	return d.registry.Attach(ctx, &consumer{
		q:          q,
		cfg:        d.cfg.Memory,
		dispatcher: dispatcher,
		log:        d.log.With("queue", queueName),
		metrics:    d.metrics,
	})
}

// Drain stops every consumer started by Process. Buffered jobs are kept for
// the next consumer.
func (d *Driver) Drain(ctx context.Context) error {
	start := time.Now()
	err := d.registry.Drain(ctx, d.cfg.DrainTimeout)
	d.metrics.RecordDrain(err, time.Since(start).Seconds())
	return err
}

// Len returns the number of jobs buffered on queueName.
func (d *Driver) Len(queueName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[queueName]; ok {
		return len(q.ch)
	}
	return 0
}

// Running returns the queues with a running consumer.
func (d *Driver) Running() []string { return d.registry.Running() }

// Errors returns the error channel of the consumer attached to queueName.
func (d *Driver) Errors(queueName string) <-chan error { return d.registry.Errors(queueName) }

var (
	_ queue.Driver   = (*Driver)(nil)
	_ queue.Monitor  = (*Driver)(nil)
	_ queue.Consumer = (*consumer)(nil)
)
