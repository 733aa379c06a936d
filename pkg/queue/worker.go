package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const stalledReason = "job stalled more than allowable limit"

type WorkerOptions struct {
	Concurrency     int
	LockDuration    time.Duration
	LockRenew       time.Duration
	StalledInterval time.Duration
	MaxStalledCount int
	PollInterval    time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}

	if o.LockDuration <= 0 {
		o.LockDuration = 60 * time.Second
	}

	if o.LockRenew <= 0 {
		o.LockRenew = 15 * time.Second
	}

	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}

	if o.MaxStalledCount <= 0 {
		o.MaxStalledCount = 1
	}

	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}

	return o
}

// Worker consumes a RedisQueue and dispatches jobs to handlers by name.
type Worker struct {
	queue    *RedisQueue
	handlers map[string]Handler
	opts     WorkerOptions
	logger   *slog.Logger
	id       string
}

func NewWorker(queue *RedisQueue, handlers map[string]Handler, opts WorkerOptions, logger *slog.Logger) *Worker {
	id := uuid.NewString()

	return &Worker{
		queue:    queue,
		handlers: handlers,
		opts:     opts.withDefaults(),
		logger:   logger.With("module", "queue_worker", "worker_id", id),
		id:       id,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started", "concurrency", w.opts.Concurrency)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		w.every(ctx, w.opts.PollInterval, w.promoteDelayed)
	}()

	go func() {
		defer wg.Done()
		w.every(ctx, w.opts.StalledInterval, w.recoverStalled)
	}()

	for i := range w.opts.Concurrency {
		wg.Add(1)

		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}

	wg.Wait()

	w.logger.Info("worker stopped")

	return nil
}

func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *Worker) promoteDelayed(ctx context.Context) {
	q := w.queue

	_, err := promoteDelayedScript.Run(ctx, q.client,
		[]string{q.key("delayed"), q.key("wait")},
		q.now().UnixMilli(), 1000,
	).Int()
	if err != nil && ctx.Err() == nil {
		w.logger.ErrorContext(ctx, "failed to promote delayed jobs", "error", err)
	}
}

func (w *Worker) recoverStalled(ctx context.Context) {
	q := w.queue

	counts, err := recoverStalledScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("wait"), q.key("failed")},
		q.now().UnixMilli(), w.opts.MaxStalledCount, q.jobKeyPrefix(), stalledReason,
	).Int64Slice()
	if err != nil {
		if ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "failed to recover stalled jobs", "error", err)
		}

		return
	}

	if len(counts) == 2 && (counts[0] > 0 || counts[1] > 0) {
		w.logger.WarnContext(ctx, "recovered stalled jobs", "requeued", counts[0], "failed", counts[1])
	}
}

func (w *Worker) consume(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		job, token, err := w.next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "failed to fetch job", "slot", slot, "error", err)
			}

			w.sleep(ctx)

			continue
		}

		if job == nil {
			w.sleep(ctx)

			continue
		}

		w.process(ctx, job, token)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.opts.PollInterval):
	}
}

func (w *Worker) next(ctx context.Context) (*Job, string, error) {
	q := w.queue
	token := uuid.NewString()

	id, err := moveToActiveScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("active")},
		q.now().Add(w.opts.LockDuration).UnixMilli(), token, q.jobKeyPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}

	if err != nil {
		return nil, "", err
	}

	job, err := q.Job(ctx, id)
	if err != nil || job == nil {
		return nil, "", err
	}

	return job, token, nil
}

func (w *Worker) process(ctx context.Context, job *Job, token string) {
	logger := w.logger.With("job_id", job.ID, "job_name", job.Name)

	jobCtx, stopRenew := context.WithCancel(ctx)

	var renew sync.WaitGroup

	renew.Add(1)

	go func() {
		defer renew.Done()
		w.renewLock(jobCtx, job.ID, token)
	}()

	err := w.run(ctx, job)

	stopRenew()
	renew.Wait()

	// Finalize even when shutting down so the lock is not left to expire.
	finalizeCtx := context.WithoutCancel(ctx)

	if err == nil {
		if err := w.complete(finalizeCtx, job.ID, token); err != nil {
			logger.ErrorContext(ctx, "failed to complete job", "error", err)
		}

		return
	}

	if delay, ok := Postponed(err); ok {
		postponed, perr := w.postpone(finalizeCtx, job.ID, token, delay)
		if perr != nil {
			logger.ErrorContext(ctx, "failed to postpone job", "error", perr)

			return
		}

		logger.InfoContext(ctx, "job postponed", "reason", err, "delay", delay, "postponed", postponed)

		return
	}

	retry := !IsUnrecoverable(err)

	requeued, ferr := w.fail(finalizeCtx, job.ID, token, retry, err.Error())
	if ferr != nil {
		logger.ErrorContext(ctx, "failed to record job failure", "error", ferr)

		return
	}

	logger.WarnContext(ctx, "job failed", "error", err, "attempt", job.Attempts+1, "retrying", requeued)
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	if job.Repeat != "" {
		from := job.ProcessAt
		if now := w.queue.now(); now.After(from) {
			from = now
		}

		if err := w.queue.armNext(ctx, job.Repeat, from); err != nil {
			if errors.Is(err, ErrSchedulerMissing) {
				w.logger.InfoContext(ctx, "dropping job of removed scheduler", "job_id", job.ID, "scheduler", job.Repeat)

				return nil
			}

			w.logger.ErrorContext(ctx, "failed to arm next repeat", "scheduler", job.Repeat, "error", err)
		}
	}

	handler, ok := w.handlers[job.Name]
	if !ok {
		return Unrecoverable(fmt.Errorf("no handler registered for job %q", job.Name))
	}

	return handler(ctx, job)
}

func (w *Worker) renewLock(ctx context.Context, id, token string) {
	q := w.queue

	ticker := time.NewTicker(w.opts.LockRenew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := extendLockScript.Run(ctx, q.client,
				[]string{q.key("active"), q.jobKey(id)},
				id, token, q.now().Add(w.opts.LockDuration).UnixMilli(),
			).Int()
			if err != nil && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "failed to renew job lock", "job_id", id, "error", err)
			} else if ok == 0 && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "job lock lost", "job_id", id)
			}
		}
	}
}

func (w *Worker) complete(ctx context.Context, id, token string) error {
	q := w.queue

	return completeJobScript.Run(ctx, q.client,
		[]string{q.key("active"), q.jobKey(id)},
		id, token,
	).Err()
}

func (w *Worker) fail(ctx context.Context, id, token string, retry bool, reason string) (bool, error) {
	q := w.queue

	retryFlag := "0"
	if retry {
		retryFlag = "1"
	}

	result, err := failJobScript.Run(ctx, q.client,
		[]string{q.key("active"), q.jobKey(id), q.key("wait"), q.key("failed")},
		id, token, retryFlag, reason,
		q.now().UnixMilli(), q.opts.FailedRetention.Milliseconds(), q.opts.FailedMax, q.jobKeyPrefix(),
	).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

func (w *Worker) postpone(ctx context.Context, id, token string, delay time.Duration) (bool, error) {
	q := w.queue

	result, err := postponeJobScript.Run(ctx, q.client,
		[]string{q.key("active"), q.jobKey(id), q.key("delayed")},
		id, token, q.now().Add(delay).UnixMilli(),
	).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}
