package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
)

// Stream entry fields.
const (
	fieldBody         = "body"
	fieldDedup        = "dedup"
	headerFieldPrefix = "h:"
)

// Consumer reads one queue stream as a member of the consumer group.
type Consumer struct {
	queue.Runner

	name       string
	stream     string
	group      string
	member     string
	client     Client
	cfg        queue.RedisConfig
	dispatcher *queue.Dispatcher
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
}

// NewConsumer creates a stopped Consumer. member names this process within
// the consumer group.
func NewConsumer(
	name string,
	member string,
	client Client,
	cfg queue.RedisConfig,
	dispatcher *queue.Dispatcher,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Consumer {
	stream := StreamKey(cfg.Prefix, name)
	return &Consumer{
		name:       name,
		stream:     stream,
		group:      cfg.Group,
		member:     member,
		client:     client,
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log.With("queue", name, "stream", stream),
		metrics:    m,
	}
}

func (c *Consumer) Queue() string { return c.name }

// Errors returns the channel receiving handler and Redis errors.
func (c *Consumer) Errors() <-chan error { return c.dispatcher.Errors() }

// Start creates the stream and consumer group if needed and starts reading.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	if err := c.Run(ctx, c.poll); err != nil {
		return err
	}
	c.metrics.SetConsumerRunning(c.name, true)
	c.log.Infow("redis consumer started", "group", c.group, "member", c.member)
	return nil
}

// Stop ends reading and waits for in-flight handlers. A blocked XREADGROUP
// returns within BlockTimeout.
func (c *Consumer) Stop(ctx context.Context) error {
	err := c.Runner.Stop(ctx)
	if werr := c.dispatcher.Wait(ctx); werr != nil {
		err = errors.Join(err, werr)
	}
	c.log.Info("redis consumer stopped")
	return err
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %q on %s: %w", c.group, c.stream, err)
	}
	return nil
}

func (c *Consumer) poll(ctx context.Context) {
	defer c.metrics.SetConsumerRunning(c.name, false)

	for ctx.Err() == nil {
		c.claim(ctx)

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.member,
			Streams:  []string{c.stream, ">"},
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			c.metrics.RecordPollError(c.name)
			c.log.Warnw("failed to read from stream", "error", err)
			c.dispatcher.Report(fmt.Errorf("failed to read from %s: %w", c.stream, err))

			if strings.HasPrefix(err.Error(), "NOGROUP") {
				if gerr := c.ensureGroup(ctx); gerr != nil {
					c.log.Warnw("failed to recreate consumer group", "error", gerr)
				}
			}
			queue.Sleep(ctx, c.cfg.BlockTimeout)
			continue
		}

		for _, s := range streams {
			c.handleBatch(ctx, s.Messages)
		}
	}
}

// claim takes over entries left pending longer than ClaimIdle, by this or a
// crashed member, and handles them again.
func (c *Consumer) claim(ctx context.Context) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.member,
		MinIdle:  c.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    c.cfg.BatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			c.log.Warnw("failed to claim pending entries", "error", err)
		}
		return
	}
	if len(msgs) == 0 {
		return
	}

	for range msgs {
		c.metrics.RecordRedelivery(c.name)
	}
	c.log.Debugw("claimed pending entries", "count", len(msgs))
	c.handleBatch(ctx, msgs)
}

func (c *Consumer) handleBatch(ctx context.Context, msgs []redis.XMessage) {
	jobCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		if err := c.dispatcher.Go(ctx, func() {
			defer wg.Done()
			c.handleMessage(jobCtx, msg)
		}); err != nil {
			// Stopping: the remaining entries stay pending.
			wg.Done()
			break
		}
	}
	wg.Wait()
}

func (c *Consumer) handleMessage(ctx context.Context, msg redis.XMessage) {
	body, ok := msg.Values[fieldBody].(string)
	if !ok {
		// Trimmed from the stream while pending.
		c.log.Warnw("acknowledging entry without body", "id", msg.ID)
		c.ack(ctx, msg.ID)
		return
	}

	job, err := c.dispatcher.Decode([]byte(body))
	if err != nil {
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.dispatcher.Handle(ctx, job, headersOf(msg.Values)); err != nil {
		// Left pending; claimed again after ClaimIdle.
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.log.Errorw("failed to acknowledge entry", "id", id, "error", err)
		c.dispatcher.Report(fmt.Errorf("failed to ack %s on %s: %w", id, c.stream, err))
	}
}

func headersOf(values map[string]interface{}) map[string]string {
	var headers map[string]string
	for k, v := range values {
		key, ok := strings.CutPrefix(k, headerFieldPrefix)
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[key] = s
	}
	return headers
}
