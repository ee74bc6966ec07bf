package kafka

import (
	"context"
	"testing"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/jobqueue/pkg/queue"
	"github.com/ava-labs/jobqueue/pkg/queue/testutils"
)

// ============================================================================
// NewProducer Tests
// ============================================================================

func TestNewProducer_ValidConfig(t *testing.T) {
	log := testutils.NewTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer, err := NewProducer(ctx, ProducerConfigMap(queue.KafkaConfig{BootstrapServers: "localhost:9092"}), log, nil)
	require.NoError(t, err)
	require.NotNil(t, producer)

	producer.Close(time.Second)
}

func TestNewProducer_InvalidConfig(t *testing.T) {
	log := testutils.NewTestLogger(t)

	_, err := NewProducer(context.Background(), &cKafka.ConfigMap{
		"bootstrap.servers": "localhost:9092",
		"acks":              "sometimes",
	}, log, nil)
	assert.Error(t, err)
}

// ============================================================================
// Close Tests
// ============================================================================

func TestProducer_Close_Idempotent(t *testing.T) {
	log := testutils.NewTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer, err := NewProducer(ctx, &cKafka.ConfigMap{"bootstrap.servers": "localhost:9092"}, log, nil)
	require.NoError(t, err)

	producer.Close(time.Second)
	producer.Close(time.Second)
}

func TestProducer_Close_AfterContextCanceled(t *testing.T) {
	log := testutils.NewTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())

	producer, err := NewProducer(ctx, &cKafka.ConfigMap{"bootstrap.servers": "localhost:9092"}, log, nil)
	require.NoError(t, err)

	cancel()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	producer.Close(time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// ============================================================================
// Produce Tests
// ============================================================================

func TestProducer_Produce_ContextCanceled(t *testing.T) {
	log := testutils.NewTestLogger(t)

	// Nothing listens on this port, so delivery never completes.
	producer, err := NewProducer(context.Background(), &cKafka.ConfigMap{
		"bootstrap.servers":  "localhost:1",
		"message.timeout.ms": 60000,
	}, log, nil)
	require.NoError(t, err)
	defer producer.Close(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = producer.Produce(ctx, Msg{Topic: "greeting-topic", Value: []byte(`{}`)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
