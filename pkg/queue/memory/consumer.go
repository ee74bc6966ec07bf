package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
)

type consumer struct {
	queue.Runner

	q          *memQueue
	cfg        queue.MemoryConfig
	dispatcher *queue.Dispatcher
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
}

func (c *consumer) Queue() string { return c.q.name }

func (c *consumer) Errors() <-chan error { return c.dispatcher.Errors() }

func (c *consumer) Start(ctx context.Context) error {
	if err := c.Run(ctx, c.loop); err != nil {
		return err
	}
	c.metrics.SetConsumerRunning(c.q.name, true)
	return nil
}

func (c *consumer) Stop(ctx context.Context) error {
	err := c.Runner.Stop(ctx)
	if werr := c.dispatcher.Wait(ctx); werr != nil {
		err = errors.Join(err, werr)
	}
	return err
}

func (c *consumer) loop(ctx context.Context) {
	defer c.metrics.SetConsumerRunning(c.q.name, false)
	jobCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.q.ch:
			if err := c.dispatcher.Go(ctx, func() { c.handle(jobCtx, env) }); err != nil {
				c.requeue(env)
				return
			}
		}
	}
}

func (c *consumer) handle(ctx context.Context, env envelope) {
	job, err := c.dispatcher.Decode(env.body)
	if err != nil {
		return
	}
	if err := c.dispatcher.Handle(ctx, job, env.headers); err == nil {
		return
	}

	env.attempts++
	if env.attempts >= c.cfg.MaxAttempts {
		c.log.Errorw("dropping job after max attempts", "jobID", job.ID(), "attempts", env.attempts)
		c.dispatcher.Report(fmt.Errorf("job %s on queue %q dropped after %d attempts", job.ID(), c.q.name, env.attempts))
		return
	}

	c.metrics.RecordRedelivery(c.q.name)
	time.AfterFunc(c.cfg.RedeliveryDelay, func() { c.requeue(env) })
}

func (c *consumer) requeue(env envelope) {
	select {
	case c.q.ch <- env:
	default:
		c.log.Errorw("queue full, dropping redelivered job", "attempts", env.attempts)
	}
}
