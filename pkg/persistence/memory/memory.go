// Package memory provides an in-process persistence implementation used by
// tests and by the memory:// database URL.
package memory

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
)

type nodeExecutionKey struct {
	executionID int64
	nodeID      int64
}

// Persistence keeps every table in maps guarded by a single lock.
type Persistence struct {
	mu  sync.RWMutex
	seq int64
	now func() time.Time

	userWorkflows  map[int64]models.UserWorkflow
	nodes          map[int64]*models.WorkflowNode
	edges          []models.Edge
	rules          map[int64][]models.Rule
	actions        map[int64]*models.ActionConfig
	delays         map[int64]models.DelayConfig
	executions     map[int64]*models.Execution
	nodeExecutions map[int64]*models.NodeExecution
	nodeExecIndex  map[nodeExecutionKey]int64
	triggers       map[int64]*models.Trigger
}

func NewPersistence() *Persistence {
	return &Persistence{
		now:            time.Now,
		userWorkflows:  map[int64]models.UserWorkflow{},
		nodes:          map[int64]*models.WorkflowNode{},
		rules:          map[int64][]models.Rule{},
		actions:        map[int64]*models.ActionConfig{},
		delays:         map[int64]models.DelayConfig{},
		executions:     map[int64]*models.Execution{},
		nodeExecutions: map[int64]*models.NodeExecution{},
		nodeExecIndex:  map[nodeExecutionKey]int64{},
		triggers:       map[int64]*models.Trigger{},
	}
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository         { return p }
func (p *Persistence) NodeExecutionRepository() persistence.NodeExecutionRepository { return p }
func (p *Persistence) GraphRepository() persistence.GraphRepository                 { return p }
func (p *Persistence) TriggerRepository() persistence.TriggerRepository             { return p }

func (p *Persistence) HealthCheck(context.Context) error { return nil }
func (p *Persistence) Close(context.Context) error       { return nil }

func (p *Persistence) nextID() int64 {
	p.seq++

	return p.seq
}

func (p *Persistence) assignID(id int64) int64 {
	if id == 0 {
		return p.nextID()
	}

	if id > p.seq {
		p.seq = id
	}

	return id
}

// AddUserWorkflow seeds a user workflow and returns its id.
func (p *Persistence) AddUserWorkflow(uw models.UserWorkflow) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	uw.ID = p.assignID(uw.ID)
	p.userWorkflows[uw.ID] = uw

	return uw.ID
}

// AddNode seeds a workflow node and returns its id.
func (p *Persistence) AddNode(node models.WorkflowNode) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	node.ID = p.assignID(node.ID)
	p.nodes[node.ID] = &node

	return node.ID
}

// AddEdge seeds a connection between two nodes and returns its id.
func (p *Persistence) AddEdge(edge models.Edge) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	edge.ID = p.assignID(edge.ID)
	p.edges = append(p.edges, edge)

	return edge.ID
}

// SetEdgeActive toggles an edge.
func (p *Persistence) SetEdgeActive(id int64, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.edges {
		if p.edges[i].ID == id {
			p.edges[i].IsActive = active
		}
	}
}

// AddRule seeds a rule on a condition node and returns its id.
func (p *Persistence) AddRule(rule models.Rule) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	rule.ID = p.assignID(rule.ID)
	p.rules[rule.WorkflowNodeID] = append(p.rules[rule.WorkflowNodeID], rule)

	return rule.ID
}

func (p *Persistence) SetActionConfig(cfg models.ActionConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.actions[cfg.WorkflowNodeID] = &cfg
}

func (p *Persistence) SetDelayConfig(cfg models.DelayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.delays[cfg.WorkflowNodeID] = cfg
}

func (p *Persistence) UserWorkflow(_ context.Context, id int64) (*models.UserWorkflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	uw, ok := p.userWorkflows[id]
	if !ok {
		return nil, persistence.ErrUserWorkflowNotFound
	}

	return &uw, nil
}

func (p *Persistence) StartNode(_ context.Context, workflowID int64) (*models.WorkflowNode, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var start *models.WorkflowNode

	for _, id := range slices.Sorted(maps.Keys(p.nodes)) {
		node := p.nodes[id]
		if node.WorkflowID == workflowID && node.IsStart {
			start = node

			break
		}
	}

	if start == nil {
		return nil, persistence.ErrStartNodeNotFound
	}

	return cloneNode(start), nil
}

func (p *Persistence) Node(_ context.Context, id int64) (*models.WorkflowNode, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	node, ok := p.nodes[id]
	if !ok {
		return nil, persistence.NewNodeError("Node", id, persistence.ErrNodeNotFound)
	}

	return cloneNode(node), nil
}

func (p *Persistence) OutgoingEdges(_ context.Context, nodeID int64) ([]*models.Edge, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*models.Edge

	for _, edge := range p.edges {
		if edge.SourceNodeID == nodeID && edge.IsActive {
			out = append(out, &edge)
		}
	}

	return out, nil
}

func (p *Persistence) Rules(_ context.Context, nodeID int64) ([]*models.Rule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*models.Rule, 0, len(p.rules[nodeID]))

	for _, rule := range p.rules[nodeID] {
		out = append(out, &rule)
	}

	return out, nil
}

func (p *Persistence) ActionConfig(_ context.Context, nodeID int64) (*models.ActionConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cfg, ok := p.actions[nodeID]
	if !ok {
		return nil, persistence.NewNodeError("ActionConfig", nodeID, persistence.ErrConfigNotFound)
	}

	out := *cfg

	return &out, nil
}

func (p *Persistence) DelayConfig(_ context.Context, nodeID int64) (*models.DelayConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cfg, ok := p.delays[nodeID]
	if !ok {
		return nil, persistence.NewNodeError("DelayConfig", nodeID, persistence.ErrConfigNotFound)
	}

	return &cfg, nil
}

func (p *Persistence) CreateExecution(_ context.Context, execution *models.Execution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	execution.ID = p.nextID()
	execution.CreatedAt = now
	execution.UpdatedAt = now

	if execution.Status == "" {
		execution.Status = models.ExecutionQueued
	}

	stored := *execution
	p.executions[stored.ID] = &stored

	return nil
}

func (p *Persistence) Execution(_ context.Context, id int64) (*models.Execution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	execution, ok := p.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("Execution", id, persistence.ErrExecutionNotFound)
	}

	out := *execution

	return &out, nil
}

func (p *Persistence) ExecutionsByUserWorkflow(_ context.Context, userWorkflowID int64, limit, offset int) ([]*models.Execution, int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var matched []*models.Execution

	for _, execution := range p.executions {
		if execution.UserWorkflowID == userWorkflowID {
			out := *execution
			matched = append(matched, &out)
		}
	}

	slices.SortFunc(matched, func(a, b *models.Execution) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return int(b.ID - a.ID)
	})

	total := len(matched)

	if offset >= total {
		return []*models.Execution{}, total, nil
	}

	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	return matched, total, nil
}

// updateExecution applies fn to the execution when allowed reports true.
func (p *Persistence) updateExecution(id int64, allowed func(models.ExecutionStatus) bool, fn func(*models.Execution, time.Time)) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, ok := p.executions[id]
	if !ok {
		return false, nil
	}

	if !allowed(execution.Status) {
		return false, nil
	}

	now := p.now()
	fn(execution, now)
	execution.UpdatedAt = now

	return true, nil
}

func (p *Persistence) MarkExecutionRunning(_ context.Context, id int64) (bool, error) {
	return p.updateExecution(id, func(s models.ExecutionStatus) bool { return !s.IsFinished() }, func(e *models.Execution, now time.Time) {
		e.Status = models.ExecutionRunning
		if e.StartedAt == nil {
			e.StartedAt = &now
		}
	})
}

func (p *Persistence) FinalizeExecution(_ context.Context, id int64, status models.ExecutionStatus, reason string) (bool, error) {
	return p.updateExecution(id, func(s models.ExecutionStatus) bool { return s != models.ExecutionStopped }, func(e *models.Execution, now time.Time) {
		e.Status = status
		if reason != "" {
			e.Reason = reason
		}

		if status.IsFinished() {
			e.EndedAt = &now
		}
	})
}

func (p *Persistence) StopExecution(_ context.Context, id int64, reason string) (bool, error) {
	return p.updateExecution(id, func(s models.ExecutionStatus) bool { return !s.IsFinished() }, func(e *models.Execution, now time.Time) {
		e.Status = models.ExecutionStopped
		e.Reason = reason
		e.EndedAt = &now
	})
}

func (p *Persistence) FailExecution(_ context.Context, id int64, reason string) (bool, error) {
	allowed := func(s models.ExecutionStatus) bool {
		return s != models.ExecutionStopped && s != models.ExecutionCompleted
	}

	return p.updateExecution(id, allowed, func(e *models.Execution, now time.Time) {
		e.Status = models.ExecutionFailed
		e.Reason = reason
		e.EndedAt = &now
	})
}

func (p *Persistence) FindOrCreateNodeExecution(_ context.Context, params persistence.NewNodeExecution) (*models.NodeExecution, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := nodeExecutionKey{executionID: params.ExecutionID, nodeID: params.WorkflowNodeID}

	if id, ok := p.nodeExecIndex[key]; ok {
		return cloneNodeExecution(p.nodeExecutions[id]), false, nil
	}

	now := p.now()
	record := &models.NodeExecution{
		ID:              p.nextID(),
		ExecutionID:     params.ExecutionID,
		WorkflowNodeID:  params.WorkflowNodeID,
		Status:          params.Status,
		MaxAttempts:     params.MaxAttempts,
		BackoffStrategy: params.BackoffStrategy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	p.nodeExecutions[record.ID] = record
	p.nodeExecIndex[key] = record.ID

	return cloneNodeExecution(record), true, nil
}

func (p *Persistence) NodeExecution(_ context.Context, executionID, nodeID int64) (*models.NodeExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.nodeExecIndex[nodeExecutionKey{executionID: executionID, nodeID: nodeID}]
	if !ok {
		return nil, &persistence.NodeError{Op: "NodeExecution", ExecutionID: executionID, NodeID: nodeID, Err: persistence.ErrNodeExecutionNotFound}
	}

	return cloneNodeExecution(p.nodeExecutions[id]), nil
}

func (p *Persistence) NodeExecutions(_ context.Context, executionID int64) ([]*models.NodeExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*models.NodeExecution

	for _, id := range slices.Sorted(maps.Keys(p.nodeExecutions)) {
		if record := p.nodeExecutions[id]; record.ExecutionID == executionID {
			out = append(out, cloneNodeExecution(record))
		}
	}

	return out, nil
}

func (p *Persistence) StartNodeExecution(_ context.Context, id int64, input json.RawMessage) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.nodeExecutions[id]
	if !ok || record.Status.IsTerminal() {
		return false, nil
	}

	now := p.now()
	record.Status = models.NodeRunning
	record.Input = slices.Clone(input)
	record.UpdatedAt = now

	if record.StartedAt == nil {
		record.StartedAt = &now
	}

	return true, nil
}

func (p *Persistence) FinishNodeExecution(_ context.Context, id int64, status models.NodeExecutionStatus, output json.RawMessage, reason string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.nodeExecutions[id]
	if !ok || record.Status.IsTerminal() {
		return false, nil
	}

	now := p.now()
	record.Status = status
	record.UpdatedAt = now

	if output != nil {
		record.Output = slices.Clone(output)
	}

	if reason != "" {
		record.Reason = reason
	}

	if status.IsTerminal() {
		record.EndedAt = &now
	}

	return true, nil
}

func (p *Persistence) CancelActiveNodeExecutions(_ context.Context, executionID int64, reason string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var cancelled int64

	now := p.now()

	for _, record := range p.nodeExecutions {
		if record.ExecutionID != executionID || !slices.Contains(models.CancellableNodeStatuses, record.Status) {
			continue
		}

		record.Status = models.NodeCancelled
		record.Reason = reason
		record.EndedAt = &now
		record.UpdatedAt = now
		cancelled++
	}

	return cancelled, nil
}

func (p *Persistence) IncrementNodeAttempts(_ context.Context, id int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record, ok := p.nodeExecutions[id]
	if !ok {
		return 0, &persistence.NodeError{Op: "IncrementNodeAttempts", Err: persistence.ErrNodeExecutionNotFound}
	}

	record.Attempts++
	record.UpdatedAt = p.now()

	return record.Attempts, nil
}

func (p *Persistence) CreateTrigger(_ context.Context, trigger *models.Trigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.triggers {
		if existing.UserWorkflowID == trigger.UserWorkflowID && existing.ConfigHash == trigger.ConfigHash {
			return persistence.NewTriggerError("CreateTrigger", existing.ID, persistence.ErrDuplicateTrigger)
		}
	}

	now := p.now()
	trigger.ID = p.nextID()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now

	stored := *trigger
	stored.Config = maps.Clone(trigger.Config)
	p.triggers[stored.ID] = &stored

	return nil
}

func (p *Persistence) Trigger(_ context.Context, id int64) (*models.Trigger, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	trigger, ok := p.triggers[id]
	if !ok {
		return nil, persistence.NewTriggerError("Trigger", id, persistence.ErrTriggerNotFound)
	}

	out := *trigger
	out.Config = maps.Clone(trigger.Config)

	return &out, nil
}

func (p *Persistence) SetTriggerActive(_ context.Context, id int64, active bool) error {
	return p.updateTrigger("SetTriggerActive", id, func(t *models.Trigger) { t.IsActive = active })
}

func (p *Persistence) TouchTriggerRun(_ context.Context, id int64, at time.Time) error {
	return p.updateTrigger("TouchTriggerRun", id, func(t *models.Trigger) { t.LastRunAt = &at })
}

func (p *Persistence) DeleteTrigger(_ context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.triggers[id]; !ok {
		return persistence.NewTriggerError("DeleteTrigger", id, persistence.ErrTriggerNotFound)
	}

	delete(p.triggers, id)

	return nil
}

func (p *Persistence) updateTrigger(op string, id int64, fn func(*models.Trigger)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	trigger, ok := p.triggers[id]
	if !ok {
		return persistence.NewTriggerError(op, id, persistence.ErrTriggerNotFound)
	}

	fn(trigger)
	trigger.UpdatedAt = p.now()

	return nil
}

func cloneNode(node *models.WorkflowNode) *models.WorkflowNode {
	out := *node
	out.Config = maps.Clone(node.Config)

	return &out
}

func cloneNodeExecution(record *models.NodeExecution) *models.NodeExecution {
	out := *record
	out.Input = slices.Clone(record.Input)
	out.Output = slices.Clone(record.Output)

	return &out
}
