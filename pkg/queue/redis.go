package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix          = "flowrunner"
	DefaultFailedRetention = 24 * time.Hour
	DefaultFailedMax       = 1000
)

type Options struct {
	Prefix          string
	DefaultAttempts int
	// Location is the timezone repeatable jobs are evaluated in.
	Location        *time.Location
	FailedRetention time.Duration
	FailedMax       int
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}

	if o.DefaultAttempts <= 0 {
		o.DefaultAttempts = 1
	}

	if o.Location == nil {
		o.Location = time.UTC
	}

	if o.FailedRetention <= 0 {
		o.FailedRetention = DefaultFailedRetention
	}

	if o.FailedMax <= 0 {
		o.FailedMax = DefaultFailedMax
	}

	return o
}

type repeatDefinition struct {
	Pattern string          `json:"pattern"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
}

// RedisQueue stores jobs in Redis. All state transitions run as Lua
// scripts so that several workers can share one queue.
type RedisQueue struct {
	client redis.UniversalClient
	name   string
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, name string, opts Options, logger *slog.Logger) *RedisQueue {
	if name == "" {
		name = DefaultQueueName
	}

	return &RedisQueue{
		client: client,
		name:   name,
		opts:   opts.withDefaults(),
		logger: logger.With("module", "queue", "queue", name),
		now:    time.Now,
	}
}

func (q *RedisQueue) key(suffix string) string {
	return fmt.Sprintf("%s:%s:%s", q.opts.Prefix, q.name, suffix)
}

func (q *RedisQueue) jobKeyPrefix() string {
	return q.key("job:")
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobKeyPrefix() + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, name string, data json.RawMessage, opts EnqueueOptions) (bool, error) {
	return q.enqueue(ctx, name, data, opts, "")
}

func (q *RedisQueue) enqueue(ctx context.Context, name string, data json.RawMessage, opts EnqueueOptions, repeat string) (bool, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.opts.DefaultAttempts
	}

	now := q.now()

	var processAt int64
	if opts.Delay > 0 {
		processAt = now.Add(opts.Delay).UnixMilli()
	}

	encoded, err := encodeEnvelope(envelope{
		Name:      name,
		Data:      data,
		ProcessAt: max(processAt, now.UnixMilli()),
		Repeat:    repeat,
		CreatedAt: now.UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode job %s: %w", id, err)
	}

	added, err := addJobScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("wait"), q.key("delayed")},
		id, encoded, attempts, processAt,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}

	if added == 0 {
		q.logger.DebugContext(ctx, "job already exists", "job_id", id)

		return false, nil
	}

	q.logger.DebugContext(ctx, "job enqueued", "job_id", id, "name", name, "delay", opts.Delay)

	return true, nil
}

func (q *RedisQueue) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := removeJobScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.key("wait"), q.key("delayed"), q.key("active"), q.key("failed")},
		id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to remove job %s: %w", id, err)
	}

	return removed == 1, nil
}

func (q *RedisQueue) RemoveByPrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New("refusing to remove jobs with an empty prefix")
	}

	removed, err := removeByPrefixScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("delayed"), q.key("active"), q.key("failed")},
		prefix, q.jobKeyPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to remove jobs with prefix %s: %w", prefix, err)
	}

	return removed, nil
}

func (q *RedisQueue) UpsertScheduler(ctx context.Context, schedulerID, cronExpr, name string, data json.RawMessage) error {
	if _, err := ParseSchedule(cronExpr); err != nil {
		return err
	}

	def, err := sonic.MarshalString(repeatDefinition{Pattern: cronExpr, Name: name, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode scheduler %s: %w", schedulerID, err)
	}

	if err := q.client.HSet(ctx, q.key("repeat"), schedulerID, def).Err(); err != nil {
		return fmt.Errorf("failed to store scheduler %s: %w", schedulerID, err)
	}

	if _, err := q.RemoveByPrefix(ctx, repeatJobPrefix(schedulerID)); err != nil {
		return err
	}

	return q.armNext(ctx, schedulerID, q.now())
}

func (q *RedisQueue) RemoveScheduler(ctx context.Context, schedulerID string) error {
	if err := q.client.HDel(ctx, q.key("repeat"), schedulerID).Err(); err != nil {
		return fmt.Errorf("failed to remove scheduler %s: %w", schedulerID, err)
	}

	if _, err := q.RemoveByPrefix(ctx, repeatJobPrefix(schedulerID)); err != nil {
		return err
	}

	return nil
}

func (q *RedisQueue) scheduler(ctx context.Context, schedulerID string) (repeatDefinition, error) {
	raw, err := q.client.HGet(ctx, q.key("repeat"), schedulerID).Result()
	if errors.Is(err, redis.Nil) {
		return repeatDefinition{}, fmt.Errorf("%w: %s", ErrSchedulerMissing, schedulerID)
	}

	if err != nil {
		return repeatDefinition{}, fmt.Errorf("failed to load scheduler %s: %w", schedulerID, err)
	}

	var def repeatDefinition
	if err := sonic.UnmarshalString(raw, &def); err != nil {
		return repeatDefinition{}, fmt.Errorf("failed to decode scheduler %s: %w", schedulerID, err)
	}

	return def, nil
}

// armNext enqueues the first firing of schedulerID after from.
func (q *RedisQueue) armNext(ctx context.Context, schedulerID string, from time.Time) error {
	def, err := q.scheduler(ctx, schedulerID)
	if err != nil {
		return err
	}

	next, err := NextRun(def.Pattern, from, q.opts.Location)
	if err != nil {
		return err
	}

	_, err = q.enqueue(ctx, def.Name, def.Data, EnqueueOptions{
		JobID: repeatJobID(schedulerID, next),
		Delay: max(next.Sub(q.now()), time.Millisecond),
	}, schedulerID)

	return err
}

func (q *RedisQueue) Close() error {
	return nil
}

// Counts reports the number of jobs per state.
func (q *RedisQueue) Counts(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	failed := pipe.ZCard(ctx, q.key("failed"))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	return map[string]int64{
		"wait":    wait.Val(),
		"delayed": delayed.Val(),
		"active":  active.Val(),
		"failed":  failed.Val(),
	}, nil
}

// Job loads a stored job by id.
func (q *RedisQueue) Job(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	if len(fields) == 0 {
		return nil, nil
	}

	env, err := decodeEnvelope(fields["envelope"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}

	attempts, _ := strconv.Atoi(fields["attemptsMade"])
	maxAttempts, _ := strconv.Atoi(fields["maxAttempts"])

	return &Job{
		ID:          id,
		Name:        env.Name,
		Data:        env.Data,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		ProcessAt:   time.UnixMilli(env.ProcessAt),
		Repeat:      env.Repeat,
	}, nil
}
