package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const serviceName = "jobqueue"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  serviceName,
		Usage: "Publish and process jobs on SQS, Kafka, Redis or in-memory queues",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Load environment variables from these files before reading queue settings",
			},
		},
		Before: loadEnvFiles,
		Commands: []*cli.Command{
			{
				Name:   "work",
				Usage:  "Attach a consumer to each configured queue and process jobs until interrupted",
				Flags:  workFlags(),
				Action: work,
			},
			{
				Name:      "publish",
				Usage:     "Enqueue a JSON payload",
				ArgsUsage: "<json|->",
				Flags:     publishFlags(),
				Action:    publish,
			},
			{
				Name:   "queues",
				Usage:  "List the queue names configured for the selected driver",
				Flags:  queueFlags(),
				Action: listQueues,
			},
		},
	}
}

// loadEnvFiles loads the --env-file files. Variables already set in the
// environment win.
func loadEnvFiles(c *cli.Context) error {
	files := c.StringSlice("env-file")
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}
