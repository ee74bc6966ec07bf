package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
)

// Supported driver names.
const (
	DriverSQS    = "sqs"
	DriverKafka  = "kafka"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// PublishFailurePolicy decides whether backend publish failures reach the
// caller of Enqueue.
type PublishFailurePolicy string

const (
	// PublishFailOpen logs publish failures (in debug mode) and reports success.
	PublishFailOpen PublishFailurePolicy = "open"
	// PublishFailClosed returns publish failures to the caller.
	PublishFailClosed PublishFailurePolicy = "closed"
)

// Default values applied by WithDefaults.
const (
	DefaultSQSRegion       = "us-east-1"
	DefaultDrainTimeout    = 30 * time.Second
	DefaultDedupWindow     = 5 * time.Minute
	DefaultConcurrency     = 1
	DefaultSQSBatchSize    = 10
	DefaultSQSWaitTime     = 20
	DefaultErrorBackoff    = 10 * time.Second
	DefaultKafkaPoll       = 100 * time.Millisecond
	DefaultKafkaFlush      = 15 * time.Second
	DefaultRetryBackoff    = time.Second
	DefaultRedisBlock      = 5 * time.Second
	DefaultRedisClaimIdle  = 30 * time.Second
	DefaultRedisBatchSize  = 10
	DefaultMemoryBuffer    = 1024
	DefaultMemoryMaxTries  = 3
	DefaultMemoryRedeliver = time.Second
)

// Config holds the configuration of the queue subsystem. Only the section
// matching Driver is used.
type Config struct {
	Driver               string               `env:"QUEUE_DRIVER"                 envDefault:"sqs"`   // Backend: sqs, kafka, redis or memory
	Debug                bool                 `env:"QUEUE_DEBUG"                  envDefault:"false"` // Log publish and ack diagnostics
	PublishFailurePolicy PublishFailurePolicy `env:"QUEUE_PUBLISH_FAILURE_POLICY" envDefault:"open"`  // open or closed
	DrainTimeout         time.Duration        `env:"QUEUE_DRAIN_TIMEOUT"          envDefault:"30s"`   // Upper bound for Drain

	SQS    SQSConfig    `envPrefix:"SQS_"`
	Kafka  KafkaConfig  `envPrefix:"KAFKA_"`
	Redis  RedisConfig  `envPrefix:"REDIS_"`
	Memory MemoryConfig `envPrefix:"MEMORY_"`
}

// DispatchOptions bound how a consumer hands jobs to its handler.
type DispatchOptions struct {
	Concurrency int64   `env:"CONCURRENCY" envDefault:"1"` // Handlers running at once per queue
	RateLimit   float64 `env:"RATE_LIMIT"`                 // Jobs per second, 0 disables
	RateBurst   int     `env:"RATE_BURST"`                 // Token bucket burst, defaults to 1
}

// SQSConfig configures the SQS driver.
type SQSConfig struct {
	Region   string            `env:"REGION"`                        // Falls back to us-east-1
	Queues   map[string]string `env:"QUEUES" envKeyValSeparator:"="` // queue name=queue URL
	Client   SQSClientOptions
	Consumer SQSConsumerOptions
}

// SQSClientOptions override how the SQS client is built.
type SQSClientOptions struct {
	Region          string `env:"CLIENT_REGION"`     // Takes precedence over SQSConfig.Region
	Endpoint        string `env:"ENDPOINT"`          // Custom endpoint, e.g. LocalStack
	AccessKeyID     string `env:"ACCESS_KEY_ID"`     // Static credentials; default chain when empty
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	SessionToken    string `env:"SESSION_TOKEN"`
	MaxAttempts     int    `env:"MAX_ATTEMPTS"`      // SDK retry attempts, 0 keeps the SDK default
}

// SQSConsumerOptions tune the SQS polling consumer.
type SQSConsumerOptions struct {
	BatchSize                  int32         `env:"BATCH_SIZE"                   envDefault:"10"`  // Messages per receive (1-10)
	WaitTimeSeconds            int32         `env:"WAIT_TIME_SECONDS"            envDefault:"20"`  // Long poll duration
	VisibilityTimeout          int32         `env:"VISIBILITY_TIMEOUT"`                            // 0 keeps the queue default
	PollingWaitTime            time.Duration `env:"POLLING_WAIT_TIME"`                             // Pause between receives
	ErrorBackoff               time.Duration `env:"ERROR_BACKOFF"                envDefault:"10s"` // Pause after a receive error
	TerminateVisibilityTimeout bool          `env:"TERMINATE_VISIBILITY_TIMEOUT"`                  // Make failed messages visible immediately
	Dispatch                   DispatchOptions
}

// KafkaConfig configures the Kafka driver.
type KafkaConfig struct {
	BootstrapServers  string            `env:"BOOTSTRAP_SERVERS"  envDefault:"localhost:9092"`
	GroupID           string            `env:"GROUP_ID"           envDefault:"jobqueue"`
	AutoOffsetReset   string            `env:"AUTO_OFFSET_RESET"  envDefault:"earliest"`
	Topics            map[string]string `env:"TOPICS"             envKeyValSeparator:"="` // queue name=topic
	EnableLogs        bool              `env:"ENABLE_LOGS"        envDefault:"false"`     // librdkafka client logs
	SessionTimeout    time.Duration     `env:"SESSION_TIMEOUT"    envDefault:"45s"`
	MaxPollInterval   time.Duration     `env:"MAX_POLL_INTERVAL"  envDefault:"300s"`
	PollInterval      time.Duration     `env:"POLL_INTERVAL"      envDefault:"100ms"`
	FlushTimeout      time.Duration     `env:"FLUSH_TIMEOUT"      envDefault:"15s"`
	RetryBackoff      time.Duration     `env:"RETRY_BACKOFF"      envDefault:"1s"` // Delay before a failed message is redelivered
	MaxAttempts       int               `env:"MAX_ATTEMPTS"`                       // Handler attempts before a message goes to the DLQ, 0 retries forever
	DLQTopic          string            `env:"DLQ_TOPIC"`                          // Dead letter topic, empty disables it
	AutoCreateTopics  bool              `env:"AUTO_CREATE_TOPICS" envDefault:"false"`
	NumPartitions     int               `env:"NUM_PARTITIONS"     envDefault:"1"`
	ReplicationFactor int               `env:"REPLICATION_FACTOR" envDefault:"1"`
	Dispatch          DispatchOptions
}

// RedisConfig configures the Redis Streams driver.
type RedisConfig struct {
	Addr         string        `env:"ADDR"          envDefault:"localhost:6379"`
	Username     string        `env:"USERNAME"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB"            envDefault:"0"`
	Prefix       string        `env:"PREFIX"        envDefault:"jobqueue"` // Stream key prefix
	Queues       []string      `env:"QUEUES"`                              // Queue names served by this driver
	Group        string        `env:"GROUP"         envDefault:"jobqueue"` // Consumer group
	ConsumerName string        `env:"CONSUMER_NAME"`                       // Defaults to a random name
	DedupWindow  time.Duration `env:"DEDUP_WINDOW"  envDefault:"5m"`
	BlockTimeout time.Duration `env:"BLOCK_TIMEOUT" envDefault:"5s"`
	BatchSize    int64         `env:"BATCH_SIZE"    envDefault:"10"`
	ClaimIdle    time.Duration `env:"CLAIM_IDLE"    envDefault:"30s"` // Pending messages idle longer are redelivered
	MaxLen       int64         `env:"MAX_LEN"`                        // Approximate stream cap, 0 is unbounded
	Dispatch     DispatchOptions
}

// MemoryConfig configures the in-process driver.
type MemoryConfig struct {
	Queues          []string      `env:"QUEUES"`                                 // Empty accepts every queue name
	BufferSize      int           `env:"BUFFER_SIZE"      envDefault:"1024"`
	DedupWindow     time.Duration `env:"DEDUP_WINDOW"     envDefault:"5m"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS"     envDefault:"3"`
	RedeliveryDelay time.Duration `env:"REDELIVERY_DELAY" envDefault:"1s"`
	Dispatch        DispatchOptions
}

// LoadConfig parses Config from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse queue config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns a copy of the config with zero values replaced by
// defaults. It does not mutate the receiver.
func (c Config) WithDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverSQS
	}
	if c.PublishFailurePolicy == "" {
		c.PublishFailurePolicy = PublishFailOpen
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}

	c.SQS.Consumer.Dispatch = c.SQS.Consumer.Dispatch.withDefaults()
	if c.SQS.Consumer.BatchSize == 0 {
		c.SQS.Consumer.BatchSize = DefaultSQSBatchSize
	}
	if c.SQS.Consumer.WaitTimeSeconds == 0 {
		c.SQS.Consumer.WaitTimeSeconds = DefaultSQSWaitTime
	}
	if c.SQS.Consumer.ErrorBackoff == 0 {
		c.SQS.Consumer.ErrorBackoff = DefaultErrorBackoff
	}

	c.Kafka.Dispatch = c.Kafka.Dispatch.withDefaults()
	if c.Kafka.PollInterval == 0 {
		c.Kafka.PollInterval = DefaultKafkaPoll
	}
	if c.Kafka.FlushTimeout == 0 {
		c.Kafka.FlushTimeout = DefaultKafkaFlush
	}
	if c.Kafka.RetryBackoff == 0 {
		c.Kafka.RetryBackoff = DefaultRetryBackoff
	}
	if c.Kafka.NumPartitions == 0 {
		c.Kafka.NumPartitions = 1
	}
	if c.Kafka.ReplicationFactor == 0 {
		c.Kafka.ReplicationFactor = 1
	}

	c.Redis.Dispatch = c.Redis.Dispatch.withDefaults()
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "jobqueue"
	}
	if c.Redis.Group == "" {
		c.Redis.Group = "jobqueue"
	}
	if c.Redis.DedupWindow == 0 {
		c.Redis.DedupWindow = DefaultDedupWindow
	}
	if c.Redis.BlockTimeout == 0 {
		c.Redis.BlockTimeout = DefaultRedisBlock
	}
	if c.Redis.BatchSize == 0 {
		c.Redis.BatchSize = DefaultRedisBatchSize
	}
	if c.Redis.ClaimIdle == 0 {
		c.Redis.ClaimIdle = DefaultRedisClaimIdle
	}

	c.Memory.Dispatch = c.Memory.Dispatch.withDefaults()
	if c.Memory.BufferSize == 0 {
		c.Memory.BufferSize = DefaultMemoryBuffer
	}
	if c.Memory.DedupWindow == 0 {
		c.Memory.DedupWindow = DefaultDedupWindow
	}
	if c.Memory.MaxAttempts == 0 {
		c.Memory.MaxAttempts = DefaultMemoryMaxTries
	}
	if c.Memory.RedeliveryDelay == 0 {
		c.Memory.RedeliveryDelay = DefaultMemoryRedeliver
	}
	return c
}

func (o DispatchOptions) withDefaults() DispatchOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	return o
}

// Validate checks the settings of the selected driver.
func (c Config) Validate() error {
	switch c.PublishFailurePolicy {
	case PublishFailOpen, PublishFailClosed:
	default:
		return fmt.Errorf("invalid publish failure policy %q", c.PublishFailurePolicy)
	}
	if c.DrainTimeout < 0 {
		return errors.New("drain timeout cannot be negative")
	}

	switch c.Driver {
	case DriverSQS:
		if len(c.SQS.Queues) == 0 {
			return errors.New("sqs driver requires at least one queue URL")
		}
		if b := c.SQS.Consumer.BatchSize; b < 1 || b > 10 {
			return fmt.Errorf("sqs batch size must be between 1 and 10, got %d", b)
		}
		if w := c.SQS.Consumer.WaitTimeSeconds; w < 0 || w > 20 {
			return fmt.Errorf("sqs wait time must be between 0 and 20 seconds, got %d", w)
		}
	case DriverKafka:
		if c.Kafka.BootstrapServers == "" {
			return errors.New("kafka driver requires bootstrap servers")
		}
		if len(c.Kafka.Topics) == 0 {
			return errors.New("kafka driver requires at least one topic")
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis driver requires an address")
		}
		if len(c.Redis.Queues) == 0 {
			return errors.New("redis driver requires at least one queue")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: %q", ErrDriverNotSupported, c.Driver)
	}
	return nil
}

// QueueNames returns the sorted queue names configured for the selected driver.
func (c Config) QueueNames() []string {
	var names []string
	switch c.Driver {
	case DriverSQS:
		for name := range c.SQS.Queues {
			names = append(names, name)
		}
	case DriverKafka:
		for name := range c.Kafka.Topics {
			names = append(names, name)
		}
	case DriverRedis:
		names = append(names, c.Redis.Queues...)
	case DriverMemory:
		names = append(names, c.Memory.Queues...)
	}
	sort.Strings(names)
	return names
}
