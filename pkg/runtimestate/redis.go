package runtimestate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	redis "github.com/redis/go-redis/v9"

	"github.com/dukex/flowrunner/pkg/models"
)

var addPendingScript = redis.NewScript(`
if redis.call('LPOS', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

var removeExecutionPendingScript = redis.NewScript(`
local entries = redis.call('LRANGE', KEYS[1], 0, -1)
local removed = 0
local prefix = ARGV[1] .. ':'
for _, entry in ipairs(entries) do
  if entry == ARGV[1] or string.sub(entry, 1, #prefix) == prefix then
    removed = removed + redis.call('LREM', KEYS[1], 0, entry)
  end
end
return removed
`)

// RedisStore keeps runtime state in Redis. Per-execution keys expire after
// the state TTL, refreshed on every write.
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
}

func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts.withDefaults()}
}

func (s *RedisStore) key(executionID int64, suffix string) string {
	return fmt.Sprintf("%s:%d:%s", s.opts.Prefix, executionID, suffix)
}

func (s *RedisStore) pendingKey() string {
	return s.opts.Prefix + ":pending"
}

func (s *RedisStore) QueuedNodes(ctx context.Context, executionID int64) ([]int64, error) {
	values, err := s.client.LRange(ctx, s.key(executionID, "queued"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queued nodes: %w", err)
	}

	return parseIDs(values), nil
}

func (s *RedisStore) PushQueued(ctx context.Context, executionID int64, nodeIDs ...int64) error {
	if len(nodeIDs) == 0 {
		return nil
	}

	key := s.key(executionID, "queued")

	values := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		values[i] = strconv.FormatInt(id, 10)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, s.opts.StateTTL)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push queued nodes: %w", err)
	}

	return nil
}

func (s *RedisStore) RemoveQueued(ctx context.Context, executionID, nodeID int64) error {
	err := s.client.LRem(ctx, s.key(executionID, "queued"), 0, strconv.FormatInt(nodeID, 10)).Err()
	if err != nil {
		return fmt.Errorf("failed to remove queued node: %w", err)
	}

	return nil
}

func (s *RedisStore) FlushQueued(ctx context.Context, executionID int64) error {
	if err := s.client.Del(ctx, s.key(executionID, "queued")).Err(); err != nil {
		return fmt.Errorf("failed to flush queued nodes: %w", err)
	}

	return nil
}

func (s *RedisStore) VisitedNodes(ctx context.Context, executionID int64) ([]int64, error) {
	values, err := s.client.SMembers(ctx, s.key(executionID, "visited")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read visited nodes: %w", err)
	}

	return parseIDs(values), nil
}

func (s *RedisStore) MarkVisited(ctx context.Context, executionID, nodeID int64) error {
	key := s.key(executionID, "visited")

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, strconv.FormatInt(nodeID, 10))
		pipe.Expire(ctx, key, s.opts.StateTTL)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark node visited: %w", err)
	}

	return nil
}

func (s *RedisStore) IsVisited(ctx context.Context, executionID, nodeID int64) (bool, error) {
	visited, err := s.client.SIsMember(ctx, s.key(executionID, "visited"), strconv.FormatInt(nodeID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check visited node: %w", err)
	}

	return visited, nil
}

func (s *RedisStore) Context(ctx context.Context, executionID int64) (*models.GlobalContext, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(executionID, "context")).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read execution context: %w", err)
	}

	gc := models.NewGlobalContext()

	for path, raw := range fields {
		var value any
		if err := sonic.UnmarshalString(raw, &value); err != nil {
			return nil, false, fmt.Errorf("failed to decode context entry %q: %w", path, err)
		}

		gc.Set(path, value)
	}

	return gc, len(fields) > 0, nil
}

func (s *RedisStore) SetContextValue(ctx context.Context, executionID int64, path string, value any) error {
	encoded, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode context entry %q: %w", path, err)
	}

	key := s.key(executionID, "context")

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, path, string(encoded))
		pipe.Expire(ctx, key, s.opts.StateTTL)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store context entry %q: %w", path, err)
	}

	return nil
}

func (s *RedisStore) AddPending(ctx context.Context, entry PendingEntry) error {
	if err := addPendingScript.Run(ctx, s.client, []string{s.pendingKey()}, entry.String()).Err(); err != nil {
		return fmt.Errorf("failed to register pending job: %w", err)
	}

	return nil
}

func (s *RedisStore) RemovePending(ctx context.Context, entry PendingEntry) error {
	if err := s.client.LRem(ctx, s.pendingKey(), 0, entry.String()).Err(); err != nil {
		return fmt.Errorf("failed to release pending job: %w", err)
	}

	return nil
}

func (s *RedisStore) RemoveExecutionPending(ctx context.Context, executionID int64) error {
	err := removeExecutionPendingScript.Run(ctx, s.client, []string{s.pendingKey()}, strconv.FormatInt(executionID, 10)).Err()
	if err != nil {
		return fmt.Errorf("failed to release pending jobs of execution %d: %w", executionID, err)
	}

	return nil
}

func (s *RedisStore) PendingEntries(ctx context.Context) ([]PendingEntry, error) {
	values, err := s.client.LRange(ctx, s.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending jobs: %w", err)
	}

	entries := make([]PendingEntry, 0, len(values))

	for _, v := range values {
		entry, err := ParsePendingEntry(v)
		if err != nil {
			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, executionID int64, workerID string) error {
	encoded, err := sonic.Marshal(heartbeat{Timestamp: time.Now().UnixMilli(), WorkerID: workerID})
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	if err := s.client.Set(ctx, s.key(executionID, "heartbeat"), encoded, s.opts.HeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("failed to store heartbeat: %w", err)
	}

	return nil
}

func (s *RedisStore) LastHeartbeat(ctx context.Context, executionID int64) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.key(executionID, "heartbeat")).Bytes()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read heartbeat: %w", err)
	}

	var hb heartbeat
	if err := sonic.Unmarshal(raw, &hb); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to decode heartbeat: %w", err)
	}

	return time.UnixMilli(hb.Timestamp), true, nil
}

func (s *RedisStore) IsStuck(ctx context.Context, executionID int64, threshold time.Duration) (bool, error) {
	return isStuck(ctx, s, executionID, threshold)
}

func (s *RedisStore) IncrementStat(ctx context.Context, executionID int64, name string, delta int64) (int64, error) {
	key := s.key(executionID, "stats")

	var incr *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, name, delta)
		pipe.HSet(ctx, key, "lastUpdated", time.Now().UnixMilli())
		pipe.Expire(ctx, key, s.opts.StateTTL)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment stat %q: %w", name, err)
	}

	return incr.Val(), nil
}

func (s *RedisStore) Stats(ctx context.Context, executionID int64) (map[string]int64, error) {
	fields, err := s.client.HGetAll(ctx, s.key(executionID, "stats")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	stats := make(map[string]int64, len(fields))

	for name, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}

		stats[name] = n
	}

	return stats, nil
}

func (s *RedisStore) DeleteExecutionState(ctx context.Context, executionID int64) error {
	err := s.client.Del(ctx,
		s.key(executionID, "queued"),
		s.key(executionID, "visited"),
		s.key(executionID, "context"),
		s.key(executionID, "heartbeat"),
		s.key(executionID, "stats"),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to delete runtime state of execution %d: %w", executionID, err)
	}

	return nil
}

type heartbeatReader interface {
	LastHeartbeat(ctx context.Context, executionID int64) (time.Time, bool, error)
}

func isStuck(ctx context.Context, store heartbeatReader, executionID int64, threshold time.Duration) (bool, error) {
	last, ok, err := store.LastHeartbeat(ctx, executionID)
	if err != nil || !ok {
		return false, err
	}

	return time.Since(last) > threshold, nil
}
