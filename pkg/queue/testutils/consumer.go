package testutils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FakeConsumer is an in-memory queue.Consumer with configurable failures.
type FakeConsumer struct {
	Name       string
	StartErr   error
	StopErr    error
	StartDelay time.Duration
	StopDelay  time.Duration

	running atomic.Bool
	mu      sync.Mutex
	starts  int
	stops   int
}

// NewFakeConsumer creates a stopped FakeConsumer for name.
func NewFakeConsumer(name string) *FakeConsumer {
	return &FakeConsumer{Name: name}
}

func (c *FakeConsumer) Queue() string { return c.Name }

func (c *FakeConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()

	if c.StartDelay > 0 {
		select {
		case <-time.After(c.StartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.StartErr != nil {
		return c.StartErr
	}
	c.running.Store(true)
	return nil
}

func (c *FakeConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()

	if c.StopDelay > 0 {
		select {
		case <-time.After(c.StopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.running.Store(false)
	return c.StopErr
}

func (c *FakeConsumer) IsRunning() bool { return c.running.Load() }

// Starts returns how many times Start was called.
func (c *FakeConsumer) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Stops returns how many times Stop was called.
func (c *FakeConsumer) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}
