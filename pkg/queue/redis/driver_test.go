package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/jobqueue/pkg/queue"
	"github.com/ava-labs/jobqueue/pkg/queue/testutils"
)

const greetingStream = "jobqueue:queue:greeting"

func testConfig() queue.Config {
	return queue.Config{
		Driver:       queue.DriverRedis,
		DrainTimeout: 5 * time.Second,
		Redis: queue.RedisConfig{
			Addr:         "localhost:6379",
			Queues:       []string{"greeting", "notifications"},
			ConsumerName: "worker-1",
			BlockTimeout: 10 * time.Millisecond,
			ClaimIdle:    30 * time.Millisecond,
		},
	}
}

func newTestDriver(t *testing.T, cfg queue.Config, client Client) *Driver {
	t.Helper()
	d := New(cfg, testutils.NewTestLogger(t), WithClient(client))
	t.Cleanup(func() { _ = d.Drain(context.Background()) })
	return d
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "jobqueue:queue:greeting", StreamKey("jobqueue", "greeting"))
	assert.Equal(t, "app:dedup:greeting:abc", DedupKey("app", "greeting", "abc"))
}

func TestHeadersOf(t *testing.T) {
	headers := headersOf(map[string]interface{}{
		"body":           "{}",
		"h:traceparent":  "00-abc",
		"h:not-a-string": 3,
	})
	assert.Equal(t, map[string]string{"traceparent": "00-abc"}, headers)
	assert.Nil(t, headersOf(map[string]interface{}{"body": "{}"}))
}

// ============================================================================
// Enqueue Tests
// ============================================================================

func TestEnqueue_AppendsEntry(t *testing.T) {
	fake := newFakeRedis()
	d := newTestDriver(t, testConfig(), fake)

	require.NoError(t, d.Enqueue(context.Background(), "greeting", map[string]string{"greeting": "hello"}))

	entries := fake.entries(greetingStream)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"greeting":"hello"}`, entries[0].Values["body"])
	assert.Equal(t, queue.DedupToken([]byte(`{"greeting":"hello"}`)), entries[0].Values["dedup"])
}

func TestEnqueue_SuppressesDuplicates(t *testing.T) {
	fake := newFakeRedis()
	d := newTestDriver(t, testConfig(), fake)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, "greeting", map[string]string{"greeting": "hello"}))
	require.NoError(t, d.Enqueue(ctx, "greeting", map[string]string{"greeting": "hello"}))
	require.NoError(t, d.Enqueue(ctx, "greeting", map[string]string{"greeting": "bye"}))
	// The same payload on another queue is not a duplicate.
	require.NoError(t, d.Enqueue(ctx, "notifications", map[string]string{"greeting": "hello"}))

	assert.Len(t, fake.entries(greetingStream), 2)
	assert.Len(t, fake.entries("jobqueue:queue:notifications"), 1)
	assert.Equal(t, queue.DefaultDedupWindow, fake.keys[DedupKey("jobqueue", "greeting", queue.DedupToken([]byte(`{"greeting":"hello"}`)))])
}

func TestEnqueue_FailureReleasesToken(t *testing.T) {
	fake := newFakeRedis()
	fake.xaddErr = errors.New("OOM command not allowed")

	cfg := testConfig()
	cfg.PublishFailurePolicy = queue.PublishFailClosed
	d := newTestDriver(t, cfg, fake)

	err := d.Enqueue(context.Background(), "greeting", map[string]string{"greeting": "hello"})
	require.ErrorIs(t, err, fake.xaddErr)
	require.Len(t, fake.deleted, 1)

	// A retry after recovery is not suppressed.
	fake.xaddErr = nil
	require.NoError(t, d.Enqueue(context.Background(), "greeting", map[string]string{"greeting": "hello"}))
	assert.Len(t, fake.entries(greetingStream), 1)
}

func TestEnqueue_UnknownQueue(t *testing.T) {
	d := newTestDriver(t, testConfig(), newFakeRedis())
	assert.ErrorIs(t, d.Enqueue(context.Background(), "billing", nil), queue.ErrUnknownQueue)
	assert.ErrorIs(t, d.Enqueue(context.Background(), "", nil), queue.ErrInvalidQueueName)
}

// ============================================================================
// Process Tests
// ============================================================================

func TestProcess_DeliversAndAcks(t *testing.T) {
	fake := newFakeRedis()
	d := newTestDriver(t, testConfig(), fake)
	ctx := context.Background()

	rec := testutils.NewRecorder()
	require.NoError(t, d.Process(ctx, "greeting", rec.Handle))
	assert.Equal(t, []string{"greeting"}, d.Running())

	require.NoError(t, d.Enqueue(ctx, "greeting", map[string]string{"greeting": "hello"}))

	jobs := rec.WaitForJobs(t, 1, 2*time.Second)
	assert.Equal(t, map[string]any{"greeting": "hello"}, jobs[0].Data())
	require.Eventually(t, func() bool { return len(fake.ackedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, fake.pendingCount(greetingStream, "jobqueue"))
}

func TestProcess_ExistingGroupIsReused(t *testing.T) {
	fake := newFakeRedis()
	require.NoError(t, fake.XGroupCreateMkStream(context.Background(), greetingStream, "jobqueue", "0").Err())

	d := newTestDriver(t, testConfig(), fake)
	assert.NoError(t, d.Process(context.Background(), "greeting", testutils.NewRecorder().Handle))
}

func TestProcess_FailedJobIsClaimedAgain(t *testing.T) {
	fake := newFakeRedis()
	d := newTestDriver(t, testConfig(), fake)
	ctx := context.Background()

	rec := testutils.NewRecorder()
	rec.Fail = func(_ *queue.Job, attempt int) error {
		if attempt == 1 {
			return errors.New("transient")
		}
		return nil
	}
	require.NoError(t, d.Process(ctx, "greeting", rec.Handle))
	require.NoError(t, d.Enqueue(ctx, "greeting", map[string]string{"greeting": "retry"}))

	rec.WaitForJobs(t, 2, 2*time.Second)
	require.Eventually(t, func() bool { return fake.pendingCount(greetingStream, "jobqueue") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec.Attempts(`{"greeting":"retry"}`))
}

func TestProcess_UndecodableEntryIsAcked(t *testing.T) {
	fake := newFakeRedis()
	d := newTestDriver(t, testConfig(), fake)

	rec := testutils.NewRecorder()
	require.NoError(t, d.Process(context.Background(), "greeting", rec.Handle))
	fake.addRaw(greetingStream, map[string]interface{}{"body": "not json"})
	fake.addRaw(greetingStream, map[string]interface{}{"other": "field"})

	require.Eventually(t, func() bool { return len(fake.ackedIDs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.Jobs())

	select {
	case err := <-d.Errors("greeting"):
		assert.Contains(t, err.Error(), "failed to decode message body")
	case <-time.After(time.Second):
		t.Fatal("expected decode error")
	}
}

func TestProcess_ReadErrorsAreReported(t *testing.T) {
	fake := newFakeRedis()
	d := newTestDriver(t, testConfig(), fake)

	rec := testutils.NewRecorder()
	require.NoError(t, d.Process(context.Background(), "greeting", rec.Handle))
	fake.setReadErr(errors.New("LOADING Redis is loading the dataset in memory"))

	select {
	case err := <-d.Errors("greeting"):
		assert.Contains(t, err.Error(), "LOADING")
	case <-time.After(2 * time.Second):
		t.Fatal("expected read error")
	}

	fake.setReadErr(nil)
	require.NoError(t, d.Enqueue(context.Background(), "greeting", map[string]int{"n": 1}))
	rec.WaitForJobs(t, 1, 2*time.Second)
}

func TestProcess_RejectsSecondConsumer(t *testing.T) {
	d := newTestDriver(t, testConfig(), newFakeRedis())

	require.NoError(t, d.Process(context.Background(), "greeting", testutils.NewRecorder().Handle))
	err := d.Process(context.Background(), "greeting", testutils.NewRecorder().Handle)
	assert.ErrorIs(t, err, queue.ErrConsumerAttached)
}

// ============================================================================
// Drain Tests
// ============================================================================

func TestDrain_StopsConsumers(t *testing.T) {
	fake := newFakeRedis()
	d := newTestDriver(t, testConfig(), fake)
	ctx := context.Background()

	rec := testutils.NewRecorder()
	require.NoError(t, d.Process(ctx, "greeting", rec.Handle))
	require.NoError(t, d.Process(ctx, "notifications", testutils.NewRecorder().Handle))

	require.NoError(t, d.Drain(ctx))
	require.NoError(t, d.Drain(ctx))
	assert.Empty(t, d.Running())

	require.NoError(t, d.Enqueue(ctx, "greeting", map[string]int{"n": 1}))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.Jobs())

	// Entries enqueued while no consumer runs are kept for the next one.
	next := testutils.NewRecorder()
	require.NoError(t, d.Process(ctx, "greeting", next.Handle))
	next.WaitForJobs(t, 1, 2*time.Second)
}

func TestPing(t *testing.T) {
	d := newTestDriver(t, testConfig(), newFakeRedis())
	assert.NoError(t, d.Ping(context.Background()))
	assert.NoError(t, d.Close())
}
