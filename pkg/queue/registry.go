package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type registration struct {
	consumer Consumer
	starting bool
	started  chan struct{} // closed once Start returned
}

// Registry tracks the consumer attached to each queue name.
//
// A queue has at most one running consumer. Attaching a queue whose previous
// consumer was stopped replaces the stale entry. Registry is safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registration
	log     *zap.SugaredLogger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		entries: make(map[string]*registration),
		log:     log,
	}
}

// Attach registers c under its queue name and starts it.
//
// Attach returns ErrConsumerAttached if a consumer for the same queue is
// running or being started. If Start fails the registration is rolled back
// and the start error is returned.
func (r *Registry) Attach(ctx context.Context, c Consumer) error {
	name := c.Queue()

	r.mu.Lock()
	prev, ok := r.entries[name]
	if ok && (prev.starting || prev.consumer.IsRunning()) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrConsumerAttached, name)
	}
	reg := &registration{consumer: c, starting: true, started: make(chan struct{})}
	r.entries[name] = reg
	r.mu.Unlock()

	err := c.Start(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(reg.started)
	if err != nil {
		if ok {
			r.entries[name] = prev
		} else {
			delete(r.entries, name)
		}
		return fmt.Errorf("failed to start consumer for queue %q: %w", name, err)
	}
	reg.starting = false

	if ok {
		r.log.Infow("replaced stopped consumer", "queue", name)
	}
	return nil
}

// Running returns the sorted names of queues with a running consumer.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if !e.starting && e.consumer.IsRunning() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Lookup returns the consumer registered for name, running or not.
func (r *Registry) Lookup(name string) (Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.consumer, true
}

// pendingStarts returns the start signals of consumers still inside Start.
func (r *Registry) pendingStarts() []chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []chan struct{}
	for _, e := range r.entries {
		if e.starting {
			out = append(out, e.started)
		}
	}
	return out
}

func (r *Registry) runningConsumers() []Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Consumer, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.starting && e.consumer.IsRunning() {
			out = append(out, e.consumer)
		}
	}
	return out
}

// Drain stops every running consumer concurrently.
//
// Consumers that are already stopped are skipped, so calling Drain twice is a
// no-op the second time. A failing Stop does not prevent the remaining
// consumers from being stopped; all failures are joined into the returned
// error. A positive timeout bounds the whole operation; if it expires Drain
// returns ErrDrainTimeout without waiting for the outstanding Stop calls.
//
// Consumers still being started when Drain is called are waited for and then
// stopped along with the others.
func (r *Registry) Drain(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for _, started := range r.pendingStarts() {
		select {
		case <-started:
		case <-ctx.Done():
			return errors.Join(ErrDrainTimeout, ctx.Err())
		}
	}

	consumers := r.runningConsumers()
	if len(consumers) == 0 {
		return nil
	}

	r.log.Infow("draining consumers", "count", len(consumers))

	errs := make([]error, len(consumers))
	var wg sync.WaitGroup
	for i, c := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("failed to stop consumer for queue %q: %w", c.Queue(), err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(ErrDrainTimeout, ctx.Err())
	}

	err := errors.Join(errs...)
	if err != nil {
		r.log.Errorw("drain completed with errors", "error", err)
		return err
	}

	r.log.Infow("drain complete", "count", len(consumers))
	return nil
}

// Errors returns the error channel of the consumer registered for name, or
// nil if the consumer does not expose one.
func (r *Registry) Errors(name string) <-chan error {
	c, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	if ec, ok := c.(interface{ Errors() <-chan error }); ok {
		return ec.Errors()
	}
	return nil
}
