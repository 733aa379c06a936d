package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowrunner/pkg/testutil"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()

	return NewRedisQueue(testutil.RedisClient(t), "test-queue", Options{}, slog.Default())
}

func runWorker(t *testing.T, q *RedisQueue, handlers map[string]Handler, opts WorkerOptions) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = NewWorker(q, handlers, opts, slog.Default()).Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRedisQueue_EnqueueAndRemove(t *testing.T) {
	q := newTestQueue(t)
	ctx := t.Context()

	added, err := q.Enqueue(ctx, JobWorkflow, json.RawMessage(`{"executionId":1}`), EnqueueOptions{JobID: "1"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, JobWorkflow, json.RawMessage(`{"executionId":1}`), EnqueueOptions{JobID: "1"})
	require.NoError(t, err)
	assert.False(t, added)

	_, err = q.Enqueue(ctx, JobWorkflow, nil, EnqueueOptions{JobID: DelayJobID(1, 5), Delay: time.Hour})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, JobWorkflow, nil, EnqueueOptions{JobID: DelayJobID(1, 6), Delay: time.Hour})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, JobWorkflow, nil, EnqueueOptions{JobID: DelayJobID(11, 6), Delay: time.Hour})
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["wait"])
	assert.Equal(t, int64(3), counts["delayed"])

	job, err := q.Job(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobWorkflow, job.Name)
	assert.JSONEq(t, `{"executionId":1}`, string(job.Data))
	assert.Equal(t, 1, job.MaxAttempts)

	removed, err := q.RemoveByPrefix(ctx, DelayJobPrefix(1))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	ok, err := q.Remove(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Remove(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts["wait"])
	assert.Equal(t, int64(1), counts["delayed"])
}

func TestRedisQueue_WorkerProcessesJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := t.Context()

	var (
		mu  sync.Mutex
		ids []string
	)

	handlers := map[string]Handler{
		JobWorkflow: func(_ context.Context, job *Job) error {
			mu.Lock()
			defer mu.Unlock()

			ids = append(ids, job.ID)

			return nil
		},
	}

	runWorker(t, q, handlers, WorkerOptions{Concurrency: 2, PollInterval: 20 * time.Millisecond})

	_, err := q.Enqueue(ctx, JobWorkflow, json.RawMessage(`{}`), EnqueueOptions{JobID: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, JobWorkflow, json.RawMessage(`{}`), EnqueueOptions{JobID: "b", Delay: 100 * time.Millisecond})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(ids) == 2
	}, 5*time.Second, 20*time.Millisecond)

	job, err := q.Job(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, job, "completed jobs are removed")
}

func TestRedisQueue_WorkerRetriesAndFails(t *testing.T) {
	q := newTestQueue(t)
	ctx := t.Context()

	var retried, fatal atomic.Int32

	handlers := map[string]Handler{
		"flaky": func(context.Context, *Job) error {
			retried.Add(1)

			return errors.New("temporary")
		},
		"fatal": func(context.Context, *Job) error {
			fatal.Add(1)

			return Unrecoverable(errors.New("bad payload"))
		},
	}

	runWorker(t, q, handlers, WorkerOptions{Concurrency: 1, PollInterval: 20 * time.Millisecond})

	_, err := q.Enqueue(ctx, "flaky", nil, EnqueueOptions{JobID: "flaky", Attempts: 3})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "fatal", nil, EnqueueOptions{JobID: "fatal", Attempts: 3})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		counts, err := q.Counts(ctx)

		return err == nil && counts["failed"] == 2
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(3), retried.Load())
	assert.Equal(t, int32(1), fatal.Load())

	job, err := q.Job(ctx, "flaky")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Attempts)
}

func TestRedisQueue_RecoverStalled(t *testing.T) {
	q := newTestQueue(t)
	ctx := t.Context()

	_, err := q.Enqueue(ctx, JobWorkflow, nil, EnqueueOptions{JobID: "stuck"})
	require.NoError(t, err)

	w := NewWorker(q, nil, WorkerOptions{LockDuration: time.Millisecond, MaxStalledCount: 1}, slog.Default())

	job, _, err := w.next(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	time.Sleep(5 * time.Millisecond)
	w.recoverStalled(ctx)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["wait"])
	assert.Equal(t, int64(0), counts["active"])

	_, _, err = w.next(ctx)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	w.recoverStalled(ctx)

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts["wait"])
	assert.Equal(t, int64(1), counts["failed"])
}

func TestRedisQueue_Scheduler(t *testing.T) {
	q := newTestQueue(t)
	ctx := t.Context()

	data := json.RawMessage(`{"triggerId":3,"userWorkflowId":1}`)

	require.NoError(t, q.UpsertScheduler(ctx, CronSchedulerID(3), "*/5 * * * *", JobCron, data))
	require.NoError(t, q.UpsertScheduler(ctx, CronSchedulerID(3), "*/10 * * * *", JobCron, data))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["delayed"])

	def, err := q.scheduler(ctx, CronSchedulerID(3))
	require.NoError(t, err)
	assert.Equal(t, "*/10 * * * *", def.Pattern)

	require.NoError(t, q.RemoveScheduler(ctx, CronSchedulerID(3)))

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts["delayed"])

	_, err = q.scheduler(ctx, CronSchedulerID(3))
	assert.ErrorIs(t, err, ErrSchedulerMissing)
}

func TestRedisQueue_WorkerPostpones(t *testing.T) {
	q := newTestQueue(t)
	ctx := t.Context()

	var calls atomic.Int32

	handlers := map[string]Handler{
		"busy": func(context.Context, *Job) error {
			if calls.Add(1) < 3 {
				return Postpone(errors.New("busy"), 50*time.Millisecond)
			}

			return nil
		},
	}

	runWorker(t, q, handlers, WorkerOptions{Concurrency: 1, PollInterval: 20 * time.Millisecond})

	_, err := q.Enqueue(ctx, "busy", nil, EnqueueOptions{JobID: "busy", Attempts: 1})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		job, err := q.Job(ctx, "busy")

		return err == nil && job == nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(3), calls.Load())

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts["failed"])
}
