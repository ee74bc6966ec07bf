package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/jobqueue/pkg/queue"
	"github.com/ava-labs/jobqueue/pkg/queue/drivers"
	"github.com/ava-labs/jobqueue/pkg/utils"
)

func publish(c *cli.Context) error {
	qcfg, err := buildQueueConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}
	// A one-shot publish reports failures unless asked otherwise.
	if !c.IsSet("publish-failure-policy") {
		qcfg.PublishFailurePolicy = queue.PublishFailClosed
	}

	data, err := readPayload(c)
	if err != nil {
		return err
	}

	sugar, err := utils.NewSugaredLogger(serviceName, c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	driver, err := drivers.New(qcfg, sugar, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create queue driver: %w", err)
	}
	defer closeDriver(driver, sugar)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	queueName := c.String("queue")
	if err := driver.Enqueue(ctx, queueName, data); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	sugar.Infow("job enqueued", "driver", qcfg.Driver, "queue", queueName)
	return nil
}

// readPayload parses the JSON payload given as argument, or read from stdin
// when the argument is "-".
func readPayload(c *cli.Context) (any, error) {
	if c.NArg() != 1 {
		return nil, errors.New("expected exactly one JSON payload argument")
	}

	raw := []byte(c.Args().First())
	if c.Args().First() == "-" {
		var err error
		raw, err = io.ReadAll(c.App.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return data, nil
}
