package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
	"github.com/ava-labs/jobqueue/pkg/queue/drivers"
	"github.com/ava-labs/jobqueue/pkg/utils"
)

func work(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(serviceName, cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"driver", cfg.Queue.Driver,
		"queues", cfg.Queues,
		"debug", cfg.Queue.Debug,
		"publishFailurePolicy", cfg.Queue.PublishFailurePolicy,
		"drainTimeout", cfg.Queue.DrainTimeout,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
		"traceSampleRatio", cfg.TraceSampleRatio,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Driver:        cfg.Queue.Driver,
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	tp := newTracerProvider(cfg.TraceSampleRatio)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			sugar.Warnw("tracer provider shutdown error", "error", err)
		}
	}()

	driver, err := drivers.New(cfg.Queue, sugar, m, tp)
	if err != nil {
		return fmt.Errorf("failed to create queue driver: %w", err)
	}
	defer closeDriver(driver, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, name := range cfg.Queues {
		if err := driver.Process(ctx, name, logJobs(sugar)); err != nil {
			drainErr := driver.Drain(context.Background())
			return errors.Join(fmt.Errorf("failed to process queue %q: %w", name, err), drainErr)
		}
		sugar.Infow("consumer attached", "queue", name)
	}

	monitor, _ := driver.(queue.Monitor)

	// Start metrics server
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, readiness(monitor, cfg.Queues))
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}

	g, gctx := errgroup.WithContext(ctx)

	// Metrics server error monitoring goroutine
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		}
	})

	// Consumer errors are logged; redelivery is left to the backend
	if monitor != nil {
		for _, name := range cfg.Queues {
			errs := monitor.Errors(name)
			if errs == nil {
				continue
			}
			g.Go(func() error {
				logConsumerErrors(gctx, sugar, name, errs)
				return nil
			})
		}
	}

	err = g.Wait()

	sugar.Info("draining consumers")
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.DrainTimeout+cfg.ShutdownTimeout)
	defer cancel()
	if drainErr := driver.Drain(drainCtx); drainErr != nil {
		sugar.Errorw("drain error", "error", drainErr)
		err = errors.Join(err, drainErr)
	}

	// Gracefully shutdown metrics server
	sugar.Info("shutting down metrics server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown error", "error", shutdownErr)
	}

	sugar.Info("shutdown complete")
	return err
}

// newTracerProvider installs an SDK tracer provider and the W3C propagators
// so that trace context flows from publishers to consumers.
func newTracerProvider(ratio float64) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp
}

// logJobs is the handler of the work command: it logs each job and acks it.
func logJobs(log *zap.SugaredLogger) queue.Handler {
	return func(ctx context.Context, job *queue.Job, ack queue.AckFunc) error {
		fields := []interface{}{
			"queue", job.Queue(),
			"jobID", job.ID(),
			"data", job.Data(),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			fields = append(fields, "traceID", sc.TraceID().String())
		}
		log.Infow("job received", fields...)
		ack()
		return nil
	}
}

// readiness reports ready while every queue has a running consumer.
func readiness(monitor queue.Monitor, queues []string) metrics.ReadinessFunc {
	if monitor == nil {
		return nil
	}
	return func() error {
		running := monitor.Running()
		for _, name := range queues {
			if !slices.Contains(running, name) {
				return fmt.Errorf("consumer for queue %q is not running", name)
			}
		}
		return nil
	}
}

func logConsumerErrors(ctx context.Context, log *zap.SugaredLogger, name string, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			log.Warnw("consumer error", "queue", name, "error", err)
		}
	}
}

func closeDriver(driver queue.Driver, log *zap.SugaredLogger) {
	c, ok := driver.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Warnw("failed to close queue driver", "error", err)
	}
}
