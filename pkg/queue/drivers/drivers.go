// Package drivers builds the queue.Driver selected by configuration.
package drivers

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
	"github.com/ava-labs/jobqueue/pkg/queue/kafka"
	"github.com/ava-labs/jobqueue/pkg/queue/memory"
	"github.com/ava-labs/jobqueue/pkg/queue/redis"
	"github.com/ava-labs/jobqueue/pkg/queue/sqs"
)

// New validates cfg and creates the driver named by cfg.Driver. m and tp may
// be nil.
func New(cfg queue.Config, log *zap.SugaredLogger, m *metrics.Metrics, tp trace.TracerProvider) (queue.Driver, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	switch cfg.Driver {
	case queue.DriverSQS:
		return sqs.New(cfg, log, sqs.WithMetrics(m), sqs.WithTracerProvider(tp)), nil
	case queue.DriverKafka:
		return kafka.New(cfg, log, kafka.WithMetrics(m), kafka.WithTracerProvider(tp)), nil
	case queue.DriverRedis:
		return redis.New(cfg, log, redis.WithMetrics(m), redis.WithTracerProvider(tp)), nil
	case queue.DriverMemory:
		return memory.New(cfg, log, memory.WithMetrics(m), memory.WithTracerProvider(tp)), nil
	default:
		return nil, fmt.Errorf("%w: %q", queue.ErrDriverNotSupported, cfg.Driver)
	}
}
