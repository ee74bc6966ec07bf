package sqs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/ava-labs/jobqueue/pkg/metrics"
	"github.com/ava-labs/jobqueue/pkg/queue"
)

var errQueueMissing = errors.New("sqs queue does not exist")

// Consumer long-polls one SQS queue and dispatches its messages.
//
// A message is deleted once its handler returns nil. Otherwise it is left on
// the queue and becomes visible again after its visibility timeout, or
// immediately when TerminateVisibilityTimeout is set.
type Consumer struct {
	queue.Runner

	name       string
	url        string
	client     API
	opts       queue.SQSConsumerOptions
	dispatcher *queue.Dispatcher
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
}

// NewConsumer creates a stopped Consumer for the queue at url.
func NewConsumer(
	name string,
	url string,
	client API,
	opts queue.SQSConsumerOptions,
	dispatcher *queue.Dispatcher,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Consumer {
	return &Consumer{
		name:       name,
		url:        url,
		client:     client,
		opts:       opts,
		dispatcher: dispatcher,
		log:        log,
		metrics:    m,
	}
}

func (c *Consumer) Queue() string { return c.name }

// Errors returns the channel receiving handler and polling errors.
func (c *Consumer) Errors() <-chan error { return c.dispatcher.Errors() }

// Start checks that the queue exists and starts polling it.
func (c *Consumer) Start(ctx context.Context) error {
	_, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("failed to verify queue %s: %w", c.url, err)
	}

	if err := c.Run(ctx, c.poll); err != nil {
		return err
	}
	c.metrics.SetConsumerRunning(c.name, true)
	c.log.Infow("sqs consumer started", "queue", c.name, "url", c.url)
	return nil
}

// Stop ends polling and waits for in-flight handlers.
func (c *Consumer) Stop(ctx context.Context) error {
	err := c.Runner.Stop(ctx)
	if werr := c.dispatcher.Wait(ctx); werr != nil {
		err = errors.Join(err, werr)
	}
	c.log.Infow("sqs consumer stopped", "queue", c.name)
	return err
}

func (c *Consumer) poll(ctx context.Context) {
	defer c.metrics.SetConsumerRunning(c.name, false)

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.url),
		MaxNumberOfMessages:   c.opts.BatchSize,
		WaitTimeSeconds:       c.opts.WaitTimeSeconds,
		VisibilityTimeout:     c.opts.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
	}

	for ctx.Err() == nil {
		out, err := c.client.ReceiveMessage(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.RecordPollError(c.name)
			if isQueueMissing(err) {
				c.log.Errorw("sqs queue no longer exists, stopping consumer", "queue", c.name, "error", err)
				c.dispatcher.Report(fmt.Errorf("%w: %s: %w", errQueueMissing, c.url, err))
				return
			}
			c.log.Warnw("failed to receive messages", "queue", c.name, "error", err)
			c.dispatcher.Report(fmt.Errorf("failed to receive messages from %s: %w", c.url, err))
			if !queue.Sleep(ctx, c.opts.ErrorBackoff) {
				return
			}
			continue
		}

		c.handleBatch(ctx, out.Messages)

		if !queue.Sleep(ctx, c.opts.PollingWaitTime) {
			return
		}
	}
}

func (c *Consumer) handleBatch(ctx context.Context, msgs []types.Message) {
	// Handlers outlive the loop context so that Drain lets them finish and
	// their messages can still be deleted.
	jobCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		err := c.dispatcher.Go(ctx, func() {
			defer wg.Done()
			c.handleMessage(jobCtx, msg)
		})
		if err != nil {
			// Stopping: hand the undispatched messages back to the queue.
			wg.Done()
			for _, rest := range msgs[i:] {
				c.release(jobCtx, rest)
			}
			break
		}
	}
	wg.Wait()
}

func (c *Consumer) handleMessage(ctx context.Context, msg types.Message) {
	job, err := c.dispatcher.Decode([]byte(aws.ToString(msg.Body)))
	if err != nil {
		c.release(ctx, msg)
		return
	}

	if err := c.dispatcher.Handle(ctx, job, fromAttributes(msg.MessageAttributes)); err != nil {
		c.release(ctx, msg)
		return
	}

	_, err = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.url),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.log.Errorw("failed to delete message", "queue", c.name, "messageID", aws.ToString(msg.MessageId), "error", err)
		c.dispatcher.Report(fmt.Errorf("failed to delete message %s: %w", aws.ToString(msg.MessageId), err))
	}
}

// release leaves a failed or undispatched message on the queue for redelivery.
func (c *Consumer) release(ctx context.Context, msg types.Message) {
	c.metrics.RecordRedelivery(c.name)
	if !c.opts.TerminateVisibilityTimeout {
		return
	}

	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.url),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		c.log.Warnw("failed to reset message visibility", "queue", c.name, "messageID", aws.ToString(msg.MessageId), "error", err)
	}
}

func isQueueMissing(err error) bool {
	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return true
		}
	}
	return false
}
