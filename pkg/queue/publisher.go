package queue

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
)

// SendFunc submits an encoded payload to the backend endpoint of a queue.
// headers carry trace context and may be attached as message metadata.
type SendFunc func(ctx context.Context, payload Payload, headers map[string]string) error

// Publisher implements the backend independent part of Enqueue: encoding,
// deduplication token, tracing, metrics, diagnostics and the publish failure
// policy.
type Publisher struct {
	system  string
	policy  PublishFailurePolicy
	debug   bool
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewPublisher creates a Publisher for the named backend system.
func NewPublisher(
	system string,
	cfg Config,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
	tp trace.TracerProvider,
) *Publisher {
	policy := cfg.PublishFailurePolicy
	if policy == "" {
		policy = PublishFailOpen
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Publisher{
		system:  system,
		policy:  policy,
		debug:   cfg.Debug,
		log:     log,
		metrics: m,
		tracer:  Tracer(tp),
	}
}

// Publish encodes data and hands it to send.
//
// Encoding errors are always returned. Send errors are returned only under
// PublishFailClosed; under PublishFailOpen they are logged when debug is
// enabled and Publish reports success.
func (p *Publisher) Publish(ctx context.Context, queueName string, data any, send SendFunc) error {
	payload, err := Encode(data)
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, p.tracer, queueName+" publish", trace.SpanKindProducer, p.system, queueName)
	span.SetAttributes(attribute.String("messaging.message.dedup_token", payload.DedupToken))

	start := time.Now()
	err = send(ctx, payload, InjectTraceContext(ctx))
	p.metrics.RecordEnqueue(queueName, err, time.Since(start).Seconds())
	endSpan(span, err)

	if err != nil {
		if p.debug {
			p.log.Errorw("could not publish to the queue",
				"system", p.system,
				"queue", queueName,
				"dedupToken", payload.DedupToken,
				"body", string(payload.Body),
				"error", err,
			)
		}
		if p.policy == PublishFailClosed {
			return fmt.Errorf("failed to publish to queue %q: %w", queueName, err)
		}
		return nil
	}

	if p.debug {
		p.log.Infow("published message to the queue",
			"system", p.system,
			"queue", queueName,
			"dedupToken", payload.DedupToken,
			"body", string(payload.Body),
		)
	}
	return nil
}
