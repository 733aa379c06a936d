package queue

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Client for tests and memory:// runs. Jobs are
// kept until removed or taken with RunDue.
type MemoryQueue struct {
	mu         sync.Mutex
	jobs       []*Job
	schedulers map[string]repeatDefinition
	location   *time.Location
	now        func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		schedulers: make(map[string]repeatDefinition),
		location:   time.UTC,
		now:        time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, name string, data json.RawMessage, opts EnqueueOptions) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.add(name, data, opts, ""), nil
}

func (q *MemoryQueue) add(name string, data json.RawMessage, opts EnqueueOptions, repeat string) bool {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	if q.indexOf(id) >= 0 {
		return false
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	q.jobs = append(q.jobs, &Job{
		ID:          id,
		Name:        name,
		Data:        data,
		MaxAttempts: attempts,
		ProcessAt:   q.now().Add(opts.Delay),
		Repeat:      repeat,
	})

	return true
}

func (q *MemoryQueue) indexOf(id string) int {
	return slices.IndexFunc(q.jobs, func(j *Job) bool { return j.ID == id })
}

func (q *MemoryQueue) Remove(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return false, nil
	}

	q.jobs = slices.Delete(q.jobs, i, i+1)

	return true, nil
}

func (q *MemoryQueue) RemoveByPrefix(_ context.Context, prefix string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.removePrefix(prefix), nil
}

func (q *MemoryQueue) removePrefix(prefix string) int {
	before := len(q.jobs)
	q.jobs = slices.DeleteFunc(q.jobs, func(j *Job) bool { return strings.HasPrefix(j.ID, prefix) })

	return before - len(q.jobs)
}

func (q *MemoryQueue) UpsertScheduler(_ context.Context, schedulerID, cronExpr, name string, data json.RawMessage) error {
	next, err := NextRun(cronExpr, q.now(), q.location)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.schedulers[schedulerID] = repeatDefinition{Pattern: cronExpr, Name: name, Data: data}
	q.removePrefix(repeatJobPrefix(schedulerID))
	q.add(name, data, EnqueueOptions{JobID: repeatJobID(schedulerID, next), Delay: next.Sub(q.now())}, schedulerID)

	return nil
}

func (q *MemoryQueue) RemoveScheduler(_ context.Context, schedulerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.schedulers, schedulerID)
	q.removePrefix(repeatJobPrefix(schedulerID))

	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

// Jobs returns a copy of the queued jobs in insertion order.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = *j
	}

	return out
}

// Job returns the queued job with id.
func (q *MemoryQueue) Job(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return Job{}, false
	}

	return *q.jobs[i], true
}

// Schedulers returns the registered cron expressions by scheduler id.
func (q *MemoryQueue) Schedulers() map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]string, len(q.schedulers))
	for id, def := range q.schedulers {
		out[id] = def.Pattern
	}

	return out
}

// RunDue takes every job due at or before until and runs it through the
// handler registered for its name, in insertion order. Postponed jobs are put
// back with a new due time; other handler errors are collected and returned.
func (q *MemoryQueue) RunDue(ctx context.Context, until time.Time, handlers map[string]Handler) ([]error, error) {
	q.mu.Lock()

	var due []*Job

	q.jobs = slices.DeleteFunc(q.jobs, func(j *Job) bool {
		if j.ProcessAt.After(until) {
			return false
		}

		due = append(due, j)

		return true
	})

	q.mu.Unlock()

	var errs []error

	for _, job := range due {
		handler, ok := handlers[job.Name]
		if !ok {
			continue
		}

		err := handler(ctx, job)
		if delay, ok := Postponed(err); ok {
			q.requeue(job, delay)
		} else if err != nil {
			errs = append(errs, err)
		}

		if err := ctx.Err(); err != nil {
			return errs, err
		}
	}

	return errs, nil
}

func (q *MemoryQueue) requeue(job *Job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexOf(job.ID) >= 0 {
		return
	}

	job.ProcessAt = q.now().Add(delay)
	q.jobs = append(q.jobs, job)
}
