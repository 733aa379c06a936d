package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_EnqueueDeduplicates(t *testing.T) {
	q := NewMemoryQueue()
	ctx := t.Context()

	added, err := q.Enqueue(ctx, JobWorkflow, json.RawMessage(`{"executionId":1}`), EnqueueOptions{JobID: "1"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, JobWorkflow, json.RawMessage(`{"executionId":1}`), EnqueueOptions{JobID: "1"})
	require.NoError(t, err)
	assert.False(t, added)

	assert.Len(t, q.Jobs(), 1)
}

func TestMemoryQueue_RemoveByPrefix(t *testing.T) {
	q := NewMemoryQueue()
	ctx := t.Context()

	for _, id := range []string{"1", DelayJobID(1, 2), DelayJobID(1, 3), ResumeJobID(1, time.Now()), "10", DelayJobID(10, 2)} {
		_, err := q.Enqueue(ctx, JobWorkflow, nil, EnqueueOptions{JobID: id})
		require.NoError(t, err)
	}

	removed, err := q.RemoveByPrefix(ctx, DelayJobPrefix(1))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	ok, err := q.Remove(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)

	ids := []string{}
	for _, job := range q.Jobs() {
		ids = append(ids, job.ID)
	}

	assert.Len(t, ids, 3)
	assert.Contains(t, ids, "10")
	assert.Contains(t, ids, DelayJobID(10, 2))
}

func TestMemoryQueue_Scheduler(t *testing.T) {
	q := NewMemoryQueue()
	ctx := t.Context()

	require.NoError(t, q.UpsertScheduler(ctx, CronSchedulerID(4), "*/5 * * * *", JobCron, json.RawMessage(`{"triggerId":4,"userWorkflowId":2}`)))
	require.NoError(t, q.UpsertScheduler(ctx, CronSchedulerID(4), "0 * * * *", JobCron, json.RawMessage(`{"triggerId":4,"userWorkflowId":2}`)))

	assert.Equal(t, map[string]string{"4-cron": "0 * * * *"}, q.Schedulers())

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "4-cron", jobs[0].Repeat)
	assert.True(t, jobs[0].ProcessAt.After(time.Now()))

	require.ErrorIs(t, q.UpsertScheduler(ctx, "bad", "nope", JobCron, nil), ErrInvalidSchedule)

	require.NoError(t, q.RemoveScheduler(ctx, CronSchedulerID(4)))
	assert.Empty(t, q.Jobs())
	assert.Empty(t, q.Schedulers())
}

func TestMemoryQueue_RunDue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := t.Context()

	_, err := q.Enqueue(ctx, JobWorkflow, nil, EnqueueOptions{JobID: "now"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, JobWorkflow, nil, EnqueueOptions{JobID: "later", Delay: time.Hour})
	require.NoError(t, err)

	var ran []string

	handlers := map[string]Handler{
		JobWorkflow: func(_ context.Context, job *Job) error {
			ran = append(ran, job.ID)

			return errors.New("failed")
		},
	}

	errs, err := q.RunDue(ctx, time.Now(), handlers)
	require.NoError(t, err)
	assert.Len(t, errs, 1)
	assert.Equal(t, []string{"now"}, ran)

	_, err = q.RunDue(ctx, time.Now().Add(2*time.Hour), handlers)
	require.NoError(t, err)
	assert.Equal(t, []string{"now", "later"}, ran)
	assert.Empty(t, q.Jobs())
}

func TestMemoryQueue_RunDuePostponed(t *testing.T) {
	q := NewMemoryQueue()
	ctx := t.Context()

	_, err := q.Enqueue(ctx, JobWorkflow, nil, EnqueueOptions{JobID: "busy"})
	require.NoError(t, err)

	calls := 0

	handlers := map[string]Handler{
		JobWorkflow: func(context.Context, *Job) error {
			calls++
			if calls == 1 {
				return Postpone(errors.New("busy"), time.Minute)
			}

			return nil
		},
	}

	errs, err := q.RunDue(ctx, time.Now(), handlers)
	require.NoError(t, err)
	assert.Empty(t, errs)

	job, ok := q.Job("busy")
	require.True(t, ok)
	assert.True(t, job.ProcessAt.After(time.Now()))

	errs, err = q.RunDue(ctx, time.Now().Add(2*time.Minute), handlers)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, 2, calls)
	assert.Empty(t, q.Jobs())
}
