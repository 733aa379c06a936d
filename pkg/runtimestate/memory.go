package runtimestate

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/dukex/flowrunner/pkg/models"
)

type executionState struct {
	queued    []int64
	visited   map[int64]struct{}
	context   map[string][]byte
	heartbeat time.Time
	stats     map[string]int64
}

// MemoryStore is a process-local Store for tests and memory:// runs.
// Entries never expire.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[int64]*executionState
	pending    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[int64]*executionState)}
}

func (s *MemoryStore) state(executionID int64) *executionState {
	st, ok := s.executions[executionID]
	if !ok {
		st = &executionState{
			visited: make(map[int64]struct{}),
			context: make(map[string][]byte),
			stats:   make(map[string]int64),
		}
		s.executions[executionID] = st
	}

	return st
}

func (s *MemoryStore) QueuedNodes(_ context.Context, executionID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.state(executionID).queued), nil
}

func (s *MemoryStore) PushQueued(_ context.Context, executionID int64, nodeIDs ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(executionID)
	st.queued = append(st.queued, nodeIDs...)

	return nil
}

func (s *MemoryStore) RemoveQueued(_ context.Context, executionID, nodeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(executionID)
	st.queued = slices.DeleteFunc(st.queued, func(id int64) bool { return id == nodeID })

	return nil
}

func (s *MemoryStore) FlushQueued(_ context.Context, executionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(executionID).queued = nil

	return nil
}

func (s *MemoryStore) VisitedNodes(_ context.Context, executionID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := slices.Collect(maps.Keys(s.state(executionID).visited))
	slices.Sort(ids)

	return ids, nil
}

func (s *MemoryStore) MarkVisited(_ context.Context, executionID, nodeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(executionID).visited[nodeID] = struct{}{}

	return nil
}

func (s *MemoryStore) IsVisited(_ context.Context, executionID, nodeID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.state(executionID).visited[nodeID]

	return ok, nil
}

func (s *MemoryStore) Context(_ context.Context, executionID int64) (*models.GlobalContext, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(executionID)
	gc := models.NewGlobalContext()

	for path, raw := range st.context {
		var value any
		if err := sonic.Unmarshal(raw, &value); err != nil {
			return nil, false, fmt.Errorf("failed to decode context entry %q: %w", path, err)
		}

		gc.Set(path, value)
	}

	return gc, len(st.context) > 0, nil
}

func (s *MemoryStore) SetContextValue(_ context.Context, executionID int64, path string, value any) error {
	encoded, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode context entry %q: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(executionID).context[path] = encoded

	return nil
}

func (s *MemoryStore) AddPending(_ context.Context, entry PendingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(s.pending, entry.String()) {
		s.pending = append(s.pending, entry.String())
	}

	return nil
}

func (s *MemoryStore) RemovePending(_ context.Context, entry PendingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = slices.DeleteFunc(s.pending, func(e string) bool { return e == entry.String() })

	return nil
}

func (s *MemoryStore) RemoveExecutionPending(_ context.Context, executionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("%d", executionID)

	s.pending = slices.DeleteFunc(s.pending, func(e string) bool {
		return e == id || strings.HasPrefix(e, id+":")
	})

	return nil
}

func (s *MemoryStore) PendingEntries(_ context.Context) ([]PendingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]PendingEntry, 0, len(s.pending))

	for _, v := range s.pending {
		entry, err := ParsePendingEntry(v)
		if err != nil {
			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, executionID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(executionID).heartbeat = time.Now()

	return nil
}

func (s *MemoryStore) LastHeartbeat(_ context.Context, executionID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb := s.state(executionID).heartbeat

	return hb, !hb.IsZero(), nil
}

func (s *MemoryStore) IsStuck(ctx context.Context, executionID int64, threshold time.Duration) (bool, error) {
	return isStuck(ctx, s, executionID, threshold)
}

func (s *MemoryStore) IncrementStat(_ context.Context, executionID int64, name string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.state(executionID).stats
	stats[name] += delta

	return stats[name], nil
}

func (s *MemoryStore) Stats(_ context.Context, executionID int64) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return maps.Clone(s.state(executionID).stats), nil
}

func (s *MemoryStore) DeleteExecutionState(_ context.Context, executionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.executions, executionID)

	return nil
}
