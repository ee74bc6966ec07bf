package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ava-labs/jobqueue/pkg/metrics"
)

const errChannelSize = 64

// Dispatcher hands the messages received by one consumer to its Handler.
//
// It decodes message bodies into jobs, bounds handler concurrency and rate,
// wires the ack diagnostics and records metrics and spans. Backends own the
// polling loop and decide what happens to a message once Handle returns.
type Dispatcher struct {
	system  string
	queue   string
	handler Handler
	debug   bool
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wg      sync.WaitGroup
	errCh   chan error
}

// NewDispatcher creates a Dispatcher for queueName.
func NewDispatcher(
	system string,
	queueName string,
	handler Handler,
	opts DispatchOptions,
	debug bool,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
	tp trace.TracerProvider,
) *Dispatcher {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	d := &Dispatcher{
		system:  system,
		queue:   queueName,
		handler: handler,
		debug:   debug,
		log:     log,
		metrics: m,
		tracer:  Tracer(tp),
		sem:     semaphore.NewWeighted(opts.Concurrency),
		errCh:   make(chan error, errChannelSize),
	}
	if opts.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return d
}

// Decode turns a message body into a Job with a fresh id.
func (d *Dispatcher) Decode(body []byte) (*Job, error) {
	d.metrics.RecordJobReceived(d.queue)

	job, err := NewJob(d.queue, body)
	if err != nil {
		d.metrics.RecordDecodeError(d.queue)
		d.log.Errorw("dropping undecodable message", "queue", d.queue, "error", err)
		d.Report(err)
		return nil, err
	}
	return job, nil
}

// Handle runs the handler for job and returns its error. A panicking handler
// is converted into an error.
func (d *Dispatcher) Handle(ctx context.Context, job *Job, headers map[string]string) (err error) {
	ctx = ExtractTraceContext(ctx, headers)
	ctx, span := startSpan(ctx, d.tracer, d.queue+" process", trace.SpanKindConsumer, d.system, d.queue)
	span.SetAttributes(attribute.String("messaging.message.id", job.ID()))

	d.metrics.IncJobsInFlight(d.queue)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
		d.metrics.DecJobsInFlight(d.queue)
		d.metrics.RecordJobProcessed(d.queue, err, time.Since(start).Seconds())
		endSpan(span, err)

		if err != nil {
			d.log.Errorw("job handler failed", "queue", d.queue, "jobID", job.ID(), "error", err)
			d.Report(fmt.Errorf("job %s on queue %q: %w", job.ID(), d.queue, err))
		}
	}()

	return d.handler(ctx, job, d.ack(job))
}

func (d *Dispatcher) ack(job *Job) AckFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.metrics.RecordAck(d.queue)
			if d.debug {
				d.log.Infow("message processed",
					"system", d.system,
					"queue", d.queue,
					"jobID", job.ID(),
					"body", string(job.raw),
				)
			}
		})
	}
}

// Go runs fn in a new goroutine once a concurrency slot and, if configured, a
// rate limit token are available. It returns ctx.Err() if ctx is done first.
func (d *Dispatcher) Go(ctx context.Context, fn func()) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		fn()
	}()
	return nil
}

// Wait blocks until every goroutine started by Go returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight jobs on queue %q: %w", d.queue, ctx.Err())
	}
}

// Report publishes err on the Errors channel, dropping it if the channel is full.
func (d *Dispatcher) Report(err error) {
	select {
	case d.errCh <- err:
	default:
		d.log.Warnw("error channel is full, dropping error", "queue", d.queue, "error", err)
	}
}

// Errors returns the consumer error channel. Handler failures, undecodable
// messages and backend receive errors are reported here. The channel is
// never closed.
func (d *Dispatcher) Errors() <-chan error {
	return d.errCh
}
