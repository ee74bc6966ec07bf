package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errAlreadyRunning = errors.New("consumer already running")

// Runner owns the background loop of a consumer: it starts it once, reports
// whether it is still running and stops it on request.
type Runner struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Run starts loop in a new goroutine.
//
// The loop context is detached from ctx's cancellation so that only Stop ends
// the loop; values such as trace context are kept. Running becomes false as
// soon as loop returns, whether Stop was called or not.
func (r *Runner) Run(ctx context.Context, loop func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.running = true
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		defer func() {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}()
		loop(loopCtx)
	}()
	return nil
}

// Stop cancels the loop and waits until it returns or ctx is done. Stopping a
// loop that never started or already ended returns nil.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for consumer loop: %w", ctx.Err())
	}
}

// IsRunning reports whether the loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Sleep pauses for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
