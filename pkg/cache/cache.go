// Package cache keeps node configuration close to the workers so that
// processors do not read graph storage on every visit.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	redis "github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

// Kinds of cached node configuration.
const (
	KindAction    = "action"
	KindRules     = "rules"
	KindDelay     = "delay"
	KindSuccessor = "successors"
)

var kinds = []string{KindAction, KindRules, KindDelay, KindSuccessor}

// NodeConfigCache stores decoded node configuration by node id and kind.
type NodeConfigCache interface {
	// Get decodes the cached value into dest and reports whether it was found.
	Get(ctx context.Context, nodeID int64, kind string, dest any) (bool, error)
	Set(ctx context.Context, nodeID int64, kind string, value any) error
	Invalidate(ctx context.Context, nodeID int64) error
}

func Key(nodeID int64, kind string) string {
	return fmt.Sprintf("nodeConfig:%d:%s", nodeID, kind)
}

type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, nodeID int64, kind string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, Key(nodeID, kind)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to read node config cache: %w", err)
	}

	if err := sonic.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached node config: %w", err)
	}

	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, nodeID int64, kind string, value any) error {
	raw, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode node config: %w", err)
	}

	if err := c.client.Set(ctx, Key(nodeID, kind), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write node config cache: %w", err)
	}

	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, nodeID int64) error {
	keys := make([]string, len(kinds))
	for i, kind := range kinds {
		keys[i] = Key(nodeID, kind)
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate node config cache: %w", err)
	}

	return nil
}

type memoryEntry struct {
	raw       []byte
	expiresAt time.Time
}

// MemoryCache is a process-local NodeConfigCache. Values are stored encoded
// so callers never share mutable state with the cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &MemoryCache{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, nodeID int64, kind string, dest any) (bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[Key(nodeID, kind)]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expiresAt) {
		return false, nil
	}

	if err := sonic.Unmarshal(entry.raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached node config: %w", err)
	}

	return true, nil
}

func (c *MemoryCache) Set(_ context.Context, nodeID int64, kind string, value any) error {
	raw, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode node config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[Key(nodeID, kind)] = memoryEntry{raw: raw, expiresAt: c.now().Add(c.ttl)}

	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, nodeID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, kind := range kinds {
		delete(c.entries, Key(nodeID, kind))
	}

	return nil
}

// GetOrLoad reads a node's configuration through c, falling back to load
// and populating the cache on a miss. Cache failures are logged and never
// returned. A nil cache always loads.
func GetOrLoad[T any](ctx context.Context, logger *slog.Logger, c NodeConfigCache, nodeID int64, kind string, load func(context.Context) (T, error)) (T, error) {
	var value T

	if c != nil {
		found, err := c.Get(ctx, nodeID, kind, &value)
		if err != nil {
			logger.WarnContext(ctx, "node config cache read failed", "node_id", nodeID, "kind", kind, "error", err)
		} else if found {
			return value, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if c != nil {
		if err := c.Set(ctx, nodeID, kind, value); err != nil {
			logger.WarnContext(ctx, "node config cache write failed", "node_id", nodeID, "kind", kind, "error", err)
		}
	}

	return value, nil
}
