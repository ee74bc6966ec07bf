package kafka

import (
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/ava-labs/jobqueue/pkg/queue"
)

// Message headers set by the driver.
const (
	HeaderDedupToken = "jobqueue-dedup-token"
	HeaderQueue      = "jobqueue-queue"
)

// ConsumerConfigMap returns the librdkafka settings of the consumer serving
// queueName. Each queue joins its own consumer group so that queues rebalance
// independently.
//
// Offsets are stored explicitly once a job succeeded and committed in the
// background by librdkafka.
func ConsumerConfigMap(cfg queue.KafkaConfig, queueName string) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":             cfg.BootstrapServers,
		"group.id":                      GroupID(cfg, queueName),
		"auto.offset.reset":             cfg.AutoOffsetReset,
		"enable.auto.commit":            true,
		"enable.auto.offset.store":      false,
		"session.timeout.ms":            int(cfg.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":          int(cfg.MaxPollInterval.Milliseconds()),
		"partition.assignment.strategy": "cooperative-sticky",
		"go.logs.channel.enable":        cfg.EnableLogs,
	}
}

// ProducerConfigMap returns the librdkafka settings of the shared producer.
func ProducerConfigMap(cfg queue.KafkaConfig) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":      cfg.BootstrapServers,
		"acks":                   "all",
		"enable.idempotence":     true,
		"linger.ms":              5,
		"compression.type":       "lz4",
		"go.logs.channel.enable": cfg.EnableLogs,
	}
}

// GroupID returns the consumer group of queueName.
func GroupID(cfg queue.KafkaConfig, queueName string) string {
	return cfg.GroupID + "." + queueName
}

func toHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromHeaders(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
