package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// queueFlags override the QUEUE_* environment settings of every command.
func queueFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
		&cli.StringFlag{
			Name:    "driver",
			Aliases: []string{"d"},
			Usage:   "Queue backend (sqs, kafka, redis, memory), overrides QUEUE_DRIVER",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Log publish and ack diagnostics, overrides QUEUE_DEBUG",
		},
		&cli.StringFlag{
			Name:  "publish-failure-policy",
			Usage: "open or closed, overrides QUEUE_PUBLISH_FAILURE_POLICY",
		},
		&cli.DurationFlag{
			Name:  "drain-timeout",
			Usage: "Upper bound for draining consumers on shutdown, overrides QUEUE_DRAIN_TIMEOUT",
		},
	}
}

// workFlags returns all CLI flags for the work command
func workFlags() []cli.Flag {
	return append(queueFlags(),
		&cli.StringSliceFlag{
			Name:    "queue",
			Aliases: []string{"q"},
			Usage:   "Queue to process, repeatable. Defaults to every configured queue",
			EnvVars: []string{"WORK_QUEUES"},
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
		&cli.Float64Flag{
			Name:    "trace-sample-ratio",
			Usage:   "Fraction of new traces to sample (0-1)",
			EnvVars: []string{"TRACE_SAMPLE_RATIO"},
			Value:   1,
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "Timeout for shutting down the metrics server and flushing producers",
			EnvVars: []string{"SHUTDOWN_TIMEOUT"},
			Value:   5 * time.Second,
		},
	)
}

// publishFlags returns all CLI flags for the publish command
func publishFlags() []cli.Flag {
	return append(queueFlags(),
		&cli.StringFlag{
			Name:     "queue",
			Aliases:  []string{"q"},
			Usage:    "Queue to publish to",
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Timeout for the publish call",
			Value: 30 * time.Second,
		},
	)
}
