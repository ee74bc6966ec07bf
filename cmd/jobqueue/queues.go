package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func listQueues(c *cli.Context) error {
	cfg, err := buildQueueConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}
	for _, name := range cfg.QueueNames() {
		fmt.Fprintln(c.App.Writer, name)
	}
	return nil
}
