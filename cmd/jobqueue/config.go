package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/jobqueue/pkg/queue"
)

// Config holds all configuration for the work command
type Config struct {
	Verbose bool
	Queue   queue.Config
	Queues  []string

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string

	TraceSampleRatio float64
	ShutdownTimeout  time.Duration
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// buildConfig builds a Config from the environment and CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	qcfg, err := buildQueueConfig(c)
	if err != nil {
		return nil, err
	}

	queues := c.StringSlice("queue")
	if len(queues) == 0 {
		queues = qcfg.QueueNames()
	}
	if len(queues) == 0 {
		return nil, errors.New("no queues to process: pass --queue or configure queues for the driver")
	}

	ratio := c.Float64("trace-sample-ratio")
	if ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("trace-sample-ratio must be between 0 and 1, got %v", ratio)
	}

	return &Config{
		Verbose:          c.Bool("verbose"),
		Queue:            qcfg,
		Queues:           queues,
		MetricsHost:      c.String("metrics-host"),
		MetricsPort:      c.Int("metrics-port"),
		Environment:      c.String("environment"),
		Region:           c.String("region"),
		CloudProvider:    c.String("cloud-provider"),
		TraceSampleRatio: ratio,
		ShutdownTimeout:  c.Duration("shutdown-timeout"),
	}, nil
}

// buildQueueConfig reads the queue settings from the environment and applies
// the flags that were set explicitly.
func buildQueueConfig(c *cli.Context) (queue.Config, error) {
	cfg, err := queue.LoadConfig()
	if err != nil {
		return queue.Config{}, err
	}

	if c.IsSet("driver") {
		cfg.Driver = c.String("driver")
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	if c.IsSet("publish-failure-policy") {
		cfg.PublishFailurePolicy = queue.PublishFailurePolicy(c.String("publish-failure-policy"))
	}
	if c.IsSet("drain-timeout") {
		cfg.DrainTimeout = c.Duration("drain-timeout")
	}
	return cfg.WithDefaults(), nil
}
