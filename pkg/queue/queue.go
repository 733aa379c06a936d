// Package queue is the distributed job queue that carries workflow, cron and
// schedule jobs between the API and the workers. Job ids are deterministic
// so that enqueueing the same logical job twice is a no-op.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	JobWorkflow = "workflow"
	JobCron     = "cron"
	JobSchedule = "schedule"

	DefaultQueueName = "workflow-queue"
)

var (
	ErrInvalidPayload   = errors.New("invalid job payload")
	ErrInvalidSchedule  = errors.New("invalid cron expression")
	ErrSchedulerMissing = errors.New("scheduler not found")
)

// Job is a unit of work as seen by a handler.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	ProcessAt   time.Time       `json:"processAt"`
	Repeat      string          `json:"repeat,omitempty"`
}

type EnqueueOptions struct {
	JobID    string
	Delay    time.Duration
	Attempts int
}

// Client is the producer side of the queue.
type Client interface {
	// Enqueue adds a job. It returns false when a job with the same id
	// already exists.
	Enqueue(ctx context.Context, name string, data json.RawMessage, opts EnqueueOptions) (bool, error)
	// Remove deletes a waiting, delayed or failed job. Active jobs are left alone.
	Remove(ctx context.Context, id string) (bool, error)
	RemoveByPrefix(ctx context.Context, prefix string) (int, error)
	// UpsertScheduler registers a repeatable job fired on cronExpr.
	UpsertScheduler(ctx context.Context, schedulerID, cronExpr, name string, data json.RawMessage) error
	RemoveScheduler(ctx context.Context, schedulerID string) error
	Close() error
}

// Handler processes one job. Returning an error wrapped with Unrecoverable
// fails the job without further attempts.
type Handler func(ctx context.Context, job *Job) error

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string {
	return e.err.Error()
}

func (e *unrecoverableError) Unwrap() error {
	return e.err
}

func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}

	return &unrecoverableError{err: err}
}

func IsUnrecoverable(err error) bool {
	var target *unrecoverableError

	return errors.As(err, &target)
}

type postponedError struct {
	err   error
	delay time.Duration
}

func (e *postponedError) Error() string {
	return e.err.Error()
}

func (e *postponedError) Unwrap() error {
	return e.err
}

// Postpone asks the worker to put the job back and retry it after delay.
// A postponed job keeps its attempt count.
func Postpone(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}

	return &postponedError{err: err, delay: delay}
}

// Postponed reports whether err asks for the job to be retried later, and
// after how long.
func Postponed(err error) (time.Duration, bool) {
	var target *postponedError
	if !errors.As(err, &target) {
		return 0, false
	}

	return target.delay, true
}
