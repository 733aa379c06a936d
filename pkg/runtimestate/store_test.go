package runtimestate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/runtimestate"
	"github.com/dukex/flowrunner/pkg/testutil"
)

func stores(t *testing.T) map[string]func(t *testing.T) runtimestate.Store {
	t.Helper()

	return map[string]func(t *testing.T) runtimestate.Store{
		"memory": func(*testing.T) runtimestate.Store {
			return runtimestate.NewMemoryStore()
		},
		"redis": func(t *testing.T) runtimestate.Store {
			return runtimestate.NewRedisStore(testutil.RedisClient(t), runtimestate.Options{})
		},
	}
}

func TestStore_Queue(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := t.Context()

			require.NoError(t, store.PushQueued(ctx, 1, 10, 11, 12))
			require.NoError(t, store.PushQueued(ctx, 2, 99))
			require.NoError(t, store.RemoveQueued(ctx, 1, 11))

			queued, err := store.QueuedNodes(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, []int64{10, 12}, queued)

			require.NoError(t, store.FlushQueued(ctx, 1))

			queued, err = store.QueuedNodes(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, queued)

			other, err := store.QueuedNodes(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, []int64{99}, other)
		})
	}
}

func TestStore_Visited(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := t.Context()

			visited, err := store.IsVisited(ctx, 1, 5)
			require.NoError(t, err)
			assert.False(t, visited)

			require.NoError(t, store.MarkVisited(ctx, 1, 5))
			require.NoError(t, store.MarkVisited(ctx, 1, 5))
			require.NoError(t, store.MarkVisited(ctx, 1, 6))

			visited, err = store.IsVisited(ctx, 1, 5)
			require.NoError(t, err)
			assert.True(t, visited)

			nodes, err := store.VisitedNodes(ctx, 1)
			require.NoError(t, err)
			assert.ElementsMatch(t, []int64{5, 6}, nodes)
		})
	}
}

func TestStore_Context(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := t.Context()

			_, found, err := store.Context(ctx, 1)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.SetContextValue(ctx, 1, models.NodePath(models.TriggerKey), map[string]any{"email": "a@b.c"}))
			require.NoError(t, store.SetContextValue(ctx, 1, models.NodePath(models.NodeKey(3)), map[string]any{"id": 7}))
			require.NoError(t, store.SetContextValue(ctx, 1, "workflow.region", "eu"))

			gc, found, err := store.Context(ctx, 1)
			require.NoError(t, err)
			require.True(t, found)

			trigger, ok := gc.Node(models.TriggerKey)
			require.True(t, ok)
			assert.Equal(t, map[string]any{"email": "a@b.c"}, trigger)

			out, ok := gc.Node("wn_3")
			require.True(t, ok)
			assert.Equal(t, map[string]any{"id": 7.0}, out)

			assert.Equal(t, "eu", gc.Snapshot()[models.ContextWorkflow].(map[string]any)["region"])
		})
	}
}

func TestStore_Pending(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := t.Context()

			node := int64(4)
			root := runtimestate.PendingEntry{ExecutionID: 1}
			delayed := runtimestate.PendingEntry{ExecutionID: 1, StartNodeID: &node}
			other := runtimestate.PendingEntry{ExecutionID: 12}

			require.NoError(t, store.AddPending(ctx, root))
			require.NoError(t, store.AddPending(ctx, root))
			require.NoError(t, store.AddPending(ctx, delayed))
			require.NoError(t, store.AddPending(ctx, other))

			entries, err := store.PendingEntries(ctx)
			require.NoError(t, err)
			assert.Equal(t, []runtimestate.PendingEntry{root, delayed, other}, entries)

			require.NoError(t, store.RemovePending(ctx, delayed))

			entries, err = store.PendingEntries(ctx)
			require.NoError(t, err)
			assert.Equal(t, []runtimestate.PendingEntry{root, other}, entries)

			require.NoError(t, store.AddPending(ctx, delayed))
			require.NoError(t, store.RemoveExecutionPending(ctx, 1))

			entries, err = store.PendingEntries(ctx)
			require.NoError(t, err)
			assert.Equal(t, []runtimestate.PendingEntry{other}, entries)
		})
	}
}

func TestStore_HeartbeatAndStats(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := t.Context()

			_, ok, err := store.LastHeartbeat(ctx, 1)
			require.NoError(t, err)
			assert.False(t, ok)

			stuck, err := store.IsStuck(ctx, 1, time.Minute)
			require.NoError(t, err)
			assert.False(t, stuck)

			require.NoError(t, store.Heartbeat(ctx, 1, "worker-1"))

			last, ok, err := store.LastHeartbeat(ctx, 1)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.WithinDuration(t, time.Now(), last, 5*time.Second)

			stuck, err = store.IsStuck(ctx, 1, time.Minute)
			require.NoError(t, err)
			assert.False(t, stuck)

			n, err := store.IncrementStat(ctx, 1, runtimestate.StatIterations, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = store.IncrementStat(ctx, 1, runtimestate.StatIterations, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			stats, err := store.Stats(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(3), stats[runtimestate.StatIterations])
		})
	}
}

func TestStore_DeleteExecutionState(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := t.Context()

			require.NoError(t, store.PushQueued(ctx, 1, 2))
			require.NoError(t, store.MarkVisited(ctx, 1, 2))
			require.NoError(t, store.SetContextValue(ctx, 1, "nodes.trigger", map[string]any{}))
			require.NoError(t, store.AddPending(ctx, runtimestate.PendingEntry{ExecutionID: 1}))

			require.NoError(t, store.DeleteExecutionState(ctx, 1))

			queued, err := store.QueuedNodes(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, queued)

			visited, err := store.VisitedNodes(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, visited)

			_, found, err := store.Context(ctx, 1)
			require.NoError(t, err)
			assert.False(t, found)

			entries, err := store.PendingEntries(ctx)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestParsePendingEntry(t *testing.T) {
	entry, err := runtimestate.ParsePendingEntry("15")
	require.NoError(t, err)
	assert.Equal(t, int64(15), entry.ExecutionID)
	assert.Nil(t, entry.StartNodeID)
	assert.Equal(t, "15", entry.String())

	entry, err = runtimestate.ParsePendingEntry("15:8")
	require.NoError(t, err)
	require.NotNil(t, entry.StartNodeID)
	assert.Equal(t, int64(8), *entry.StartNodeID)
	assert.Equal(t, "15:8", entry.String())

	for _, bad := range []string{"", "x", "0", "3:", "3:y"} {
		_, err := runtimestate.ParsePendingEntry(bad)
		assert.ErrorIs(t, err, runtimestate.ErrInvalidPendingEntry, bad)
	}
}

func TestRedisStore_KeyLayout(t *testing.T) {
	client := testutil.RedisClient(t)
	store := runtimestate.NewRedisStore(client, runtimestate.Options{})
	ctx := t.Context()

	require.NoError(t, store.PushQueued(ctx, 7, 1))
	require.NoError(t, store.MarkVisited(ctx, 7, 1))
	require.NoError(t, store.SetContextValue(ctx, 7, models.NodePath("wn_1"), "done"))
	require.NoError(t, store.AddPending(ctx, runtimestate.PendingEntry{ExecutionID: 7}))

	for _, key := range []string{"exec:7:queued", "exec:7:visited", "exec:7:context", "exec:pending"} {
		exists, err := client.Exists(ctx, key).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists, key)
	}
}

func TestOwned(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := t.Context()

			owned, err := runtimestate.Owned(ctx, store, 3, time.Minute)
			require.NoError(t, err)
			assert.False(t, owned, "no heartbeat means no owner")

			require.NoError(t, store.Heartbeat(ctx, 3, "worker-1"))

			owned, err = runtimestate.Owned(ctx, store, 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, owned)

			time.Sleep(5 * time.Millisecond)

			owned, err = runtimestate.Owned(ctx, store, 3, time.Millisecond)
			require.NoError(t, err)
			assert.False(t, owned, "stale heartbeat")

			stuck, err := store.IsStuck(ctx, 3, time.Millisecond)
			require.NoError(t, err)
			assert.True(t, stuck)
		})
	}
}
