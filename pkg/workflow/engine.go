// Package workflow traverses workflow graphs and drives executions through
// their lifecycle.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dukex/flowrunner/pkg/cache"
	"github.com/dukex/flowrunner/pkg/eventbus"
	"github.com/dukex/flowrunner/pkg/events"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/otelhelper"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/processors"
	"github.com/dukex/flowrunner/pkg/runtimestate"
)

const (
	DefaultBatchConcurrency = 3
	DefaultMaxIterations    = 1000
	DefaultMaxNodes         = 500
)

// Engine walks a workflow graph breadth first. Each batch of queued nodes
// runs concurrently; the nodes discovered by a batch form the next one.
type Engine struct {
	graph          persistence.GraphRepository
	nodeExecutions persistence.NodeExecutionRepository
	aborts         *processors.AbortChecker
	state          runtimestate.Store
	processors     *processors.Registry
	edges          cache.NodeConfigCache
	publisher      eventbus.EventPublisher
	tracer         trace.Tracer
	logger         *slog.Logger

	workerID         string
	batchConcurrency int
	maxIterations    int
	maxNodes         int
}

type EngineOption func(*Engine)

func WithBatchConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.batchConcurrency = n
		}
	}
}

// WithLimits bounds the number of batches and nodes a single run may process.
func WithLimits(maxIterations, maxNodes int) EngineOption {
	return func(e *Engine) {
		e.maxIterations = maxIterations
		e.maxNodes = maxNodes
	}
}

func WithEventPublisher(publisher eventbus.EventPublisher) EngineOption {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithWorkerID(id string) EngineOption {
	return func(e *Engine) {
		e.workerID = id
	}
}

// WithEdgeCache caches the outgoing edges of each node.
func WithEdgeCache(c cache.NodeConfigCache) EngineOption {
	return func(e *Engine) {
		e.edges = c
	}
}

func NewEngine(p persistence.Persistence, state runtimestate.Store, registry *processors.Registry, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		graph:            p.GraphRepository(),
		nodeExecutions:   p.NodeExecutionRepository(),
		aborts:           processors.NewAbortChecker(p.ExecutionRepository(), p.NodeExecutionRepository()),
		state:            state,
		processors:       registry,
		tracer:           otel.Tracer("flowrunner/workflow"),
		logger:           logger.With("module", "workflow_engine"),
		batchConcurrency: DefaultBatchConcurrency,
		maxIterations:    DefaultMaxIterations,
		maxNodes:         DefaultMaxNodes,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RunRequest starts a traversal. StartNodeID is nil for the root job of an
// execution. Context is shared by every node of the run.
type RunRequest struct {
	Execution   *models.Execution
	StartNodeID *int64
	IsResume    bool
	Context     *models.GlobalContext
}

type queueItem struct {
	nodeID   int64
	prevNode string
}

// run holds what the nodes of one Run share.
type run struct {
	req RunRequest

	mu         sync.Mutex
	claimed    map[int64]struct{}
	discovered []queueItem
	seen       map[int64]struct{}
}

func (r *run) claim(nodeID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claimed[nodeID]; ok {
		return false
	}

	r.claimed[nodeID] = struct{}{}

	return true
}

// discover keeps the first arrival of each node.
func (r *run) discover(items ...queueItem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range items {
		if _, ok := r.seen[item.nodeID]; ok {
			continue
		}

		r.seen[item.nodeID] = struct{}{}
		r.discovered = append(r.discovered, item)
	}
}

func (r *run) takeDiscovered() []queueItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := r.discovered
	r.discovered = nil
	r.seen = make(map[int64]struct{})

	return items
}

// Run processes nodes until the queue is empty, a node fails or the
// execution is aborted.
func (e *Engine) Run(ctx context.Context, req RunRequest) error {
	if req.Context == nil {
		req.Context = models.NewGlobalContext()
	}

	executionID := req.Execution.ID

	queue, err := e.seed(ctx, req)
	if err != nil {
		return err
	}

	r := &run{req: req, claimed: make(map[int64]struct{}), seen: make(map[int64]struct{})}

	iterations, processed := 0, 0

	for len(queue) > 0 {
		iterations++

		if iterations > e.maxIterations || processed+len(queue) > e.maxNodes {
			return fmt.Errorf("%w: %d iterations, %d nodes", ErrSafeguardExceeded, iterations, processed+len(queue))
		}

		e.heartbeat(ctx, executionID)

		var g errgroup.Group
		g.SetLimit(e.batchConcurrency)

		for _, item := range queue {
			g.Go(func() error {
				return e.visit(ctx, r, item)
			})
		}

		err := g.Wait()

		processed += len(queue)
		e.recordStats(ctx, executionID, len(queue))

		if err != nil {
			return err
		}

		queue, err = e.unvisited(ctx, executionID, r.takeDiscovered())
		if err != nil {
			return err
		}
	}

	e.logger.InfoContext(ctx, "traversal finished",
		"execution_id", executionID, "iterations", iterations, "nodes_processed", processed)

	return nil
}

func (e *Engine) seed(ctx context.Context, req RunRequest) ([]queueItem, error) {
	executionID := req.Execution.ID

	if req.IsResume {
		persisted, err := e.state.QueuedNodes(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load queued nodes: %w", err)
		}

		startVisited := false

		if req.StartNodeID != nil {
			startVisited, err = e.state.IsVisited(ctx, executionID, *req.StartNodeID)
			if err != nil {
				return nil, fmt.Errorf("failed to load visited nodes: %w", err)
			}
		}

		if len(persisted) > 0 || startVisited {
			items := make([]queueItem, 0, len(persisted))
			for _, nodeID := range persisted {
				items = append(items, queueItem{nodeID: nodeID})
			}

			e.logger.InfoContext(ctx, "resuming from persisted queue", "execution_id", executionID, "queued", len(items))

			return items, nil
		}
	}

	start, err := e.startNode(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.StartNodeID == nil && !req.IsResume {
		if err := e.state.FlushQueued(ctx, executionID); err != nil {
			return nil, fmt.Errorf("failed to flush queued nodes: %w", err)
		}
	}

	if err := e.state.PushQueued(ctx, executionID, start.ID); err != nil {
		return nil, fmt.Errorf("failed to persist queue: %w", err)
	}

	return []queueItem{{nodeID: start.ID}}, nil
}

func (e *Engine) startNode(ctx context.Context, req RunRequest) (*models.WorkflowNode, error) {
	if req.StartNodeID != nil {
		node, err := e.graph.Node(ctx, *req.StartNodeID)
		if err != nil {
			return nil, fmt.Errorf("failed to load start node: %w", err)
		}

		return node, nil
	}

	userWorkflow, err := e.graph.UserWorkflow(ctx, req.Execution.UserWorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user workflow: %w", err)
	}

	node, err := e.graph.StartNode(ctx, userWorkflow.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load start node: %w", err)
	}

	return node, nil
}

func (e *Engine) visit(ctx context.Context, r *run, item queueItem) (err error) {
	if !r.claim(item.nodeID) {
		return nil
	}

	execution := r.req.Execution

	visited, err := e.state.IsVisited(ctx, execution.ID, item.nodeID)
	if err != nil {
		return fmt.Errorf("failed to check visited node %d: %w", item.nodeID, err)
	}

	if visited {
		return nil
	}

	node, err := e.graph.Node(ctx, item.nodeID)
	if err != nil {
		return fmt.Errorf("failed to load node %d: %w", item.nodeID, err)
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.node",
		attribute.Int64(otelhelper.ExecutionIDKey, execution.ID),
		attribute.Int64(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
	)
	defer func() { otelhelper.EndSpan(span, err) }()

	logger := e.logger.With("execution_id", execution.ID, "node_id", node.ID, "node_type", node.Type)

	record, _, err := e.nodeExecutions.FindOrCreateNodeExecution(ctx, processors.NewNodeExecution(execution.ID, node, models.NodeQueued))
	if err != nil {
		return fmt.Errorf("failed to create node execution for node %d: %w", node.ID, err)
	}

	if err := e.aborts.CheckExecution(ctx, execution.ID); err != nil {
		return err
	}

	switch record.Status {
	case models.NodeCancelled:
		return cancelled()
	case models.NodeCompleted:
		logger.InfoContext(ctx, "node already completed, restoring successors")

		return e.replay(ctx, r, node, record)
	case models.NodeFailed:
		logger.InfoContext(ctx, "node already failed, skipping")

		return e.markVisited(ctx, execution.ID, node.ID)
	}

	input, err := encode(inputSnapshot(r.req.Context, item.prevNode))
	if err != nil {
		return err
	}

	started, err := e.nodeExecutions.StartNodeExecution(ctx, record.ID, input)
	if err != nil {
		return fmt.Errorf("failed to start node execution %d: %w", record.ID, err)
	}

	if !started {
		return cancelled()
	}

	record.Status = models.NodeRunning
	startedAt := time.Now()

	in := processors.Input{Execution: execution, NodeExecution: record, Node: node, Context: r.req.Context}

	processor, err := e.processors.Get(node.Type)
	if err != nil {
		return e.fail(ctx, in, startedAt, err)
	}

	out, err := processor.Process(ctx, in)
	if err != nil {
		return e.fail(ctx, in, startedAt, err)
	}

	successors, err := e.successors(ctx, node, out)
	if err != nil {
		return e.fail(ctx, in, startedAt, err)
	}

	if out.Next == processors.NextScheduled {
		scheduler, ok := processor.(processors.SuccessorScheduler)
		if !ok {
			return e.fail(ctx, in, startedAt, fmt.Errorf("processor for %s cannot schedule successors", node.Type))
		}

		if err := scheduler.ScheduleSuccessors(ctx, in, out, successors); err != nil {
			return e.fail(ctx, in, startedAt, err)
		}
	}

	key := node.ContextKey()
	value := out.Value()

	r.req.Context.SetNode(key, value)

	if err := e.state.SetContextValue(ctx, execution.ID, models.NodePath(key), value); err != nil {
		return fmt.Errorf("failed to store output of node %d: %w", node.ID, err)
	}

	output, err := encode(out.Data)
	if err != nil {
		return err
	}

	finished, err := e.nodeExecutions.FinishNodeExecution(ctx, record.ID, out.Status, output, "")
	if err != nil {
		return fmt.Errorf("failed to finish node execution %d: %w", record.ID, err)
	}

	if !finished {
		return cancelled()
	}

	e.publishNodeFinished(ctx, execution, node, out.Status, "", startedAt)

	if out.Next != processors.NextScheduled && len(successors) > 0 {
		if err := e.enqueue(ctx, r, successors); err != nil {
			return err
		}
	}

	logger.DebugContext(ctx, "node processed", "successors", len(successors), "duration", time.Since(startedAt))

	return e.markVisited(ctx, execution.ID, node.ID)
}

// replay restores a node completed by an earlier job and queues its
// successors again. A worker may stop between finishing a node and queueing
// what follows it; visited successors are skipped on the way in.
func (e *Engine) replay(ctx context.Context, r *run, node *models.WorkflowNode, record *models.NodeExecution) error {
	executionID := r.req.Execution.ID

	out, err := processors.RestoreOutput(node, record.Output)
	if err != nil {
		return err
	}

	key := node.ContextKey()
	if _, ok := r.req.Context.Node(key); !ok {
		value := out.Value()

		r.req.Context.SetNode(key, value)

		if err := e.state.SetContextValue(ctx, executionID, models.NodePath(key), value); err != nil {
			return fmt.Errorf("failed to store output of node %d: %w", node.ID, err)
		}
	}

	// Delayed successors were scheduled before the node finished.
	if out.Next != processors.NextScheduled {
		successors, err := e.successors(ctx, node, out)
		if err != nil {
			return err
		}

		if len(successors) > 0 {
			if err := e.enqueue(ctx, r, successors); err != nil {
				return err
			}
		}
	}

	return e.markVisited(ctx, executionID, node.ID)
}

// fail marks the node failed unless the traversal was aborted, and returns cause.
func (e *Engine) fail(ctx context.Context, in processors.Input, startedAt time.Time, cause error) error {
	if IsAborted(cause) {
		e.logger.InfoContext(ctx, "node aborted",
			"execution_id", in.Execution.ID, "node_id", in.Node.ID, "code", AbortCode, "reason", cause.Error())

		return cause
	}

	e.logger.ErrorContext(ctx, "node failed", "execution_id", in.Execution.ID, "node_id", in.Node.ID, "error", cause)

	if _, err := e.nodeExecutions.FinishNodeExecution(ctx, in.NodeExecution.ID, models.NodeFailed, nil, cause.Error()); err != nil {
		e.logger.ErrorContext(ctx, "failed to mark node failed", "node_id", in.Node.ID, "error", err)
	}

	e.publishNodeFinished(ctx, in.Execution, in.Node, models.NodeFailed, cause.Error(), startedAt)

	return cause
}

func (e *Engine) successors(ctx context.Context, node *models.WorkflowNode, out processors.Output) ([]*models.Successor, error) {
	edges, err := cache.GetOrLoad(ctx, e.logger, e.edges, node.ID, cache.KindSuccessor,
		func(ctx context.Context) ([]*models.Edge, error) {
			return e.graph.OutgoingEdges(ctx, node.ID)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to load edges of node %d: %w", node.ID, err)
	}

	if out.Next == processors.NextMatchedRules {
		edges = matchedEdges(edges, out.MatchedRuleIDs)
	}

	successors := make([]*models.Successor, 0, len(edges))

	for _, edge := range edges {
		destination, err := e.graph.Node(ctx, edge.DestinationNodeID)
		if err != nil {
			return nil, fmt.Errorf("failed to load successor %d: %w", edge.DestinationNodeID, err)
		}

		successors = append(successors, &models.Successor{Node: destination, RuleID: edge.RuleID, PrevNode: node.ContextKey()})
	}

	return successors, nil
}

// matchedEdges selects the edges of matched rules, or the default edges
// when no rule matched.
func matchedEdges(edges []*models.Edge, matched []int64) []*models.Edge {
	var selected []*models.Edge

	for _, edge := range edges {
		switch {
		case len(matched) == 0 && edge.RuleID == nil:
			selected = append(selected, edge)
		case len(matched) > 0 && edge.RuleID != nil && slices.Contains(matched, *edge.RuleID):
			selected = append(selected, edge)
		}
	}

	return selected
}

func (e *Engine) enqueue(ctx context.Context, r *run, successors []*models.Successor) error {
	items := make([]queueItem, 0, len(successors))
	ids := make([]int64, 0, len(successors))

	for _, successor := range successors {
		items = append(items, queueItem{nodeID: successor.Node.ID, prevNode: successor.PrevNode})
		ids = append(ids, successor.Node.ID)
	}

	r.discover(items...)

	if err := e.state.PushQueued(ctx, r.req.Execution.ID, ids...); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}

	return nil
}

func (e *Engine) markVisited(ctx context.Context, executionID, nodeID int64) error {
	if err := e.state.MarkVisited(ctx, executionID, nodeID); err != nil {
		return fmt.Errorf("failed to mark node %d visited: %w", nodeID, err)
	}

	if err := e.state.RemoveQueued(ctx, executionID, nodeID); err != nil {
		return fmt.Errorf("failed to dequeue node %d: %w", nodeID, err)
	}

	return nil
}

func (e *Engine) unvisited(ctx context.Context, executionID int64, items []queueItem) ([]queueItem, error) {
	next := make([]queueItem, 0, len(items))

	for _, item := range items {
		visited, err := e.state.IsVisited(ctx, executionID, item.nodeID)
		if err != nil {
			return nil, fmt.Errorf("failed to check visited node %d: %w", item.nodeID, err)
		}

		if !visited {
			next = append(next, item)
		}
	}

	return next, nil
}

func (e *Engine) heartbeat(ctx context.Context, executionID int64) {
	if err := e.state.Heartbeat(ctx, executionID, e.workerID); err != nil {
		e.logger.WarnContext(ctx, "heartbeat failed", "execution_id", executionID, "error", err)
	}
}

func (e *Engine) recordStats(ctx context.Context, executionID int64, nodes int) {
	if _, err := e.state.IncrementStat(ctx, executionID, runtimestate.StatIterations, 1); err != nil {
		e.logger.WarnContext(ctx, "failed to record stats", "execution_id", executionID, "error", err)

		return
	}

	if _, err := e.state.IncrementStat(ctx, executionID, runtimestate.StatNodesProcessed, int64(nodes)); err != nil {
		e.logger.WarnContext(ctx, "failed to record stats", "execution_id", executionID, "error", err)
	}
}

func (e *Engine) publishNodeFinished(ctx context.Context, execution *models.Execution, node *models.WorkflowNode, status models.NodeExecutionStatus, reason string, startedAt time.Time) {
	if e.publisher == nil {
		return
	}

	event := events.NodeExecutionFinished{
		BaseEvent:   events.NewBaseEvent(events.NodeExecutionFinishedEvent),
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      status,
		Reason:      reason,
		DurationMs:  time.Since(startedAt).Milliseconds(),
	}
	event.WorkerID = e.workerID

	if err := e.publisher.Publish(ctx, eventbus.ExecutionKey(execution.ID), event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish node event", "execution_id", execution.ID, "node_id", node.ID, "error", err)
	}
}

// inputSnapshot is the predecessor output a node starts from, or the
// trigger payload for the first node of a job.
func inputSnapshot(global *models.GlobalContext, prevNode string) any {
	if prevNode == "" {
		prevNode = models.TriggerKey
	}

	value, _ := global.Node(prevNode)

	return value
}

func encode(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}

	raw, err := sonic.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node data: %w", err)
	}

	return raw, nil
}
