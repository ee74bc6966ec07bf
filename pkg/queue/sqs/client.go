package sqs

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ava-labs/jobqueue/pkg/queue"
)

// API is the subset of the SQS client used by the driver. *sqs.Client
// satisfies it.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// ResolveRegion returns the region the client is built for: the client
// option wins over the driver region, which wins over us-east-1.
func ResolveRegion(cfg queue.SQSConfig) string {
	if cfg.Client.Region != "" {
		return cfg.Client.Region
	}
	if cfg.Region != "" {
		return cfg.Region
	}
	return queue.DefaultSQSRegion
}

// NewClient builds an SQS client from cfg. Credentials come from the default
// AWS chain unless static keys are configured.
func NewClient(ctx context.Context, cfg queue.SQSConfig) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(ResolveRegion(cfg)),
	}
	if cfg.Client.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Client.AccessKeyID,
				cfg.Client.SecretAccessKey,
				cfg.Client.SessionToken,
			),
		))
	}
	if cfg.Client.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.Client.MaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Client.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Client.Endpoint)
		}
	}), nil
}

// IsFIFO reports whether queueURL points at a FIFO queue.
func IsFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
