package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ava-labs/jobqueue/pkg/queue"
)

// NewTestLogger creates a test logger that writes to testing.T
func NewTestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// NewObservedLogger creates a logger whose entries at or above level can be
// inspected.
func NewObservedLogger(level zapcore.Level) (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core).Sugar(), logs
}

// Recorder is a queue.Handler that records the jobs it receives.
type Recorder struct {
	mu   sync.Mutex
	jobs []*queue.Job

	// Fail, when set, decides the handler result for each job.
	Fail func(job *queue.Job, attempt int) error
	// Delay is slept before the handler returns.
	Delay time.Duration

	attempts map[string]int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{attempts: make(map[string]int)}
}

// Handle records job, acks it and returns the Fail result.
func (r *Recorder) Handle(ctx context.Context, job *queue.Job, ack queue.AckFunc) error {
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}

	r.mu.Lock()
	key := string(job.Raw())
	r.attempts[key]++
	attempt := r.attempts[key]
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()

	if r.Fail != nil {
		if err := r.Fail(job, attempt); err != nil {
			return err
		}
	}
	ack()
	return nil
}

// Jobs returns the jobs received so far.
func (r *Recorder) Jobs() []*queue.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*queue.Job(nil), r.jobs...)
}

// Attempts returns how many times a payload with the given body was handled.
func (r *Recorder) Attempts(body string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[body]
}

// WaitForJobs waits until at least n jobs were received and returns them.
func (r *Recorder) WaitForJobs(t *testing.T, n int, timeout time.Duration) []*queue.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.Jobs()) >= n
	}, timeout, 10*time.Millisecond, "expected at least %d jobs", n)
	return r.Jobs()
}
