package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// TopicConfig describes a topic to create.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

// Validate checks that the topic can be created.
func (tc TopicConfig) Validate() error {
	if tc.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", tc.ReplicationFactor)
	}
	return nil
}

// TopicAdmin is the subset of *kafka.AdminClient used to provision topics.
type TopicAdmin interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
}

// TopicExists reports whether name exists on the cluster.
func TopicExists(admin TopicAdmin, name string) (bool, error) {
	md, err := admin.GetMetadata(&name, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("failed to get metadata for topic %q: %w", name, err)
	}

	topic, ok := md.Topics[name]
	if !ok || topic.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return false, nil
	}
	if topic.Error.Code() != kafka.ErrNoError {
		return false, fmt.Errorf("topic %q has error: %w", name, topic.Error)
	}
	return true, nil
}

// EnsureTopic creates the topic unless it already exists. Existing topics are
// left untouched.
func EnsureTopic(ctx context.Context, admin TopicAdmin, cfg TopicConfig, log *zap.SugaredLogger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	exists, err := TopicExists(admin, cfg.Name)
	if err != nil {
		return err
	}
	if exists {
		log.Debugw("topic exists", "topic", cfg.Name)
		return nil
	}

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             cfg.Name,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", cfg.Name, err)
	}

	for _, res := range results {
		switch res.Error.Code() {
		case kafka.ErrNoError:
			log.Infow("created topic",
				"topic", res.Topic,
				"partitions", cfg.NumPartitions,
				"replicationFactor", cfg.ReplicationFactor,
			)
		case kafka.ErrTopicAlreadyExists:
			log.Debugw("topic created concurrently", "topic", res.Topic)
		default:
			return fmt.Errorf("failed to create topic %q: %w", res.Topic, res.Error)
		}
	}
	return nil
}
