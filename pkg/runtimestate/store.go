// Package runtimestate keeps the short-lived traversal state of executions:
// the persisted node queue, the visited set, the accumulated context, the
// pending-job registry used for crash recovery, heartbeats and counters.
package runtimestate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/flowrunner/pkg/models"
)

const (
	DefaultPrefix       = "exec"
	DefaultStateTTL     = 2 * time.Hour
	DefaultHeartbeatTTL = 10 * time.Minute
	// DefaultStuckThreshold is how old a heartbeat may get before its worker
	// is considered gone.
	DefaultStuckThreshold = 5 * time.Minute

	StatIterations     = "iterationCount"
	StatNodesProcessed = "totalNodesProcessed"
)

var ErrInvalidPendingEntry = errors.New("invalid pending entry")

// Store is the runtime state of executions. Every method is safe to call
// from several workers at once; per-execution values are keyed by id and
// context entries by node, so concurrent jobs never overwrite each other.
type Store interface {
	QueuedNodes(ctx context.Context, executionID int64) ([]int64, error)
	PushQueued(ctx context.Context, executionID int64, nodeIDs ...int64) error
	RemoveQueued(ctx context.Context, executionID, nodeID int64) error
	FlushQueued(ctx context.Context, executionID int64) error

	VisitedNodes(ctx context.Context, executionID int64) ([]int64, error)
	MarkVisited(ctx context.Context, executionID, nodeID int64) error
	IsVisited(ctx context.Context, executionID, nodeID int64) (bool, error)

	// Context returns the stored context and whether anything was stored.
	Context(ctx context.Context, executionID int64) (*models.GlobalContext, bool, error)
	// SetContextValue stores value at a two-level path such as "nodes.wn_3".
	SetContextValue(ctx context.Context, executionID int64, path string, value any) error

	AddPending(ctx context.Context, entry PendingEntry) error
	RemovePending(ctx context.Context, entry PendingEntry) error
	RemoveExecutionPending(ctx context.Context, executionID int64) error
	PendingEntries(ctx context.Context) ([]PendingEntry, error)

	Heartbeat(ctx context.Context, executionID int64, workerID string) error
	LastHeartbeat(ctx context.Context, executionID int64) (time.Time, bool, error)
	IsStuck(ctx context.Context, executionID int64, threshold time.Duration) (bool, error)

	IncrementStat(ctx context.Context, executionID int64, name string, delta int64) (int64, error)
	Stats(ctx context.Context, executionID int64) (map[string]int64, error)

	DeleteExecutionState(ctx context.Context, executionID int64) error
}

// PendingEntry identifies a job that started but has not released its
// registration. StartNodeID is nil for root jobs.
type PendingEntry struct {
	ExecutionID int64
	StartNodeID *int64
}

func (p PendingEntry) String() string {
	if p.StartNodeID == nil {
		return strconv.FormatInt(p.ExecutionID, 10)
	}

	return fmt.Sprintf("%d:%d", p.ExecutionID, *p.StartNodeID)
}

// ParsePendingEntry reads "<executionId>" or "<executionId>:<startNodeId>".
func ParsePendingEntry(s string) (PendingEntry, error) {
	execPart, nodePart, hasNode := strings.Cut(s, ":")

	executionID, err := strconv.ParseInt(execPart, 10, 64)
	if err != nil || executionID <= 0 {
		return PendingEntry{}, fmt.Errorf("%w: %q", ErrInvalidPendingEntry, s)
	}

	entry := PendingEntry{ExecutionID: executionID}

	if hasNode {
		nodeID, err := strconv.ParseInt(nodePart, 10, 64)
		if err != nil || nodeID <= 0 {
			return PendingEntry{}, fmt.Errorf("%w: %q", ErrInvalidPendingEntry, s)
		}

		entry.StartNodeID = &nodeID
	}

	return entry, nil
}

type Options struct {
	Prefix       string
	StateTTL     time.Duration
	HeartbeatTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}

	if o.StateTTL <= 0 {
		o.StateTTL = DefaultStateTTL
	}

	if o.HeartbeatTTL <= 0 {
		o.HeartbeatTTL = DefaultHeartbeatTTL
	}

	return o
}

type heartbeat struct {
	Timestamp int64  `json:"timestamp"`
	WorkerID  string `json:"workerId,omitempty"`
}

func parseIDs(values []string) []int64 {
	ids := make([]int64, 0, len(values))

	for _, v := range values {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}

		ids = append(ids, id)
	}

	return ids
}

// Owned reports whether some worker sent a heartbeat for the execution
// within threshold.
func Owned(ctx context.Context, store Store, executionID int64, threshold time.Duration) (bool, error) {
	last, ok, err := store.LastHeartbeat(ctx, executionID)
	if err != nil || !ok {
		return false, err
	}

	return time.Since(last) <= threshold, nil
}
