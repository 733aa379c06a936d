package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
// The repository accessors return the embedded repository mocks.
type MockPersistence struct {
	mock.Mock

	Executions     *MockExecutionRepository
	NodeExecutions *MockNodeExecutionRepository
	Graph          *MockGraphRepository
	Triggers       *MockTriggerRepository
}

// NewMockPersistence returns a MockPersistence with empty repository mocks.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Executions:     &MockExecutionRepository{},
		NodeExecutions: &MockNodeExecutionRepository{},
		Graph:          &MockGraphRepository{},
		Triggers:       &MockTriggerRepository{},
	}
}

func (m *MockPersistence) ExecutionRepository() persistence.ExecutionRepository {
	return m.Executions
}

func (m *MockPersistence) NodeExecutionRepository() persistence.NodeExecutionRepository {
	return m.NodeExecutions
}

func (m *MockPersistence) GraphRepository() persistence.GraphRepository {
	return m.Graph
}

func (m *MockPersistence) TriggerRepository() persistence.TriggerRepository {
	return m.Triggers
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockExecutionRepository is a mock implementation of persistence.ExecutionRepository interface.
type MockExecutionRepository struct {
	mock.Mock
}

func (m *MockExecutionRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockExecutionRepository) Execution(ctx context.Context, id int64) (*models.Execution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Execution), args.Error(1)
}

func (m *MockExecutionRepository) ExecutionsByUserWorkflow(ctx context.Context, userWorkflowID int64, limit, offset int) ([]*models.Execution, int, error) {
	args := m.Called(ctx, userWorkflowID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}

	return args.Get(0).([]*models.Execution), args.Int(1), args.Error(2)
}

func (m *MockExecutionRepository) MarkExecutionRunning(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)

	return args.Bool(0), args.Error(1)
}

func (m *MockExecutionRepository) FinalizeExecution(ctx context.Context, id int64, status models.ExecutionStatus, reason string) (bool, error) {
	args := m.Called(ctx, id, status, reason)

	return args.Bool(0), args.Error(1)
}

func (m *MockExecutionRepository) StopExecution(ctx context.Context, id int64, reason string) (bool, error) {
	args := m.Called(ctx, id, reason)

	return args.Bool(0), args.Error(1)
}

func (m *MockExecutionRepository) FailExecution(ctx context.Context, id int64, reason string) (bool, error) {
	args := m.Called(ctx, id, reason)

	return args.Bool(0), args.Error(1)
}

// MockNodeExecutionRepository is a mock implementation of persistence.NodeExecutionRepository interface.
type MockNodeExecutionRepository struct {
	mock.Mock
}

func (m *MockNodeExecutionRepository) FindOrCreateNodeExecution(ctx context.Context, params persistence.NewNodeExecution) (*models.NodeExecution, bool, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}

	return args.Get(0).(*models.NodeExecution), args.Bool(1), args.Error(2)
}

func (m *MockNodeExecutionRepository) NodeExecution(ctx context.Context, executionID, nodeID int64) (*models.NodeExecution, error) {
	args := m.Called(ctx, executionID, nodeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.NodeExecution), args.Error(1)
}

func (m *MockNodeExecutionRepository) NodeExecutions(ctx context.Context, executionID int64) ([]*models.NodeExecution, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.NodeExecution), args.Error(1)
}

func (m *MockNodeExecutionRepository) StartNodeExecution(ctx context.Context, id int64, input json.RawMessage) (bool, error) {
	args := m.Called(ctx, id, input)

	return args.Bool(0), args.Error(1)
}

func (m *MockNodeExecutionRepository) FinishNodeExecution(ctx context.Context, id int64, status models.NodeExecutionStatus, output json.RawMessage, reason string) (bool, error) {
	args := m.Called(ctx, id, status, output, reason)

	return args.Bool(0), args.Error(1)
}

func (m *MockNodeExecutionRepository) CancelActiveNodeExecutions(ctx context.Context, executionID int64, reason string) (int64, error) {
	args := m.Called(ctx, executionID, reason)

	return args.Get(0).(int64), args.Error(1)
}

func (m *MockNodeExecutionRepository) IncrementNodeAttempts(ctx context.Context, id int64) (int, error) {
	args := m.Called(ctx, id)

	return args.Int(0), args.Error(1)
}

// MockGraphRepository is a mock implementation of persistence.GraphRepository interface.
type MockGraphRepository struct {
	mock.Mock
}

func (m *MockGraphRepository) UserWorkflow(ctx context.Context, id int64) (*models.UserWorkflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.UserWorkflow), args.Error(1)
}

func (m *MockGraphRepository) StartNode(ctx context.Context, workflowID int64) (*models.WorkflowNode, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowNode), args.Error(1)
}

func (m *MockGraphRepository) Node(ctx context.Context, id int64) (*models.WorkflowNode, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowNode), args.Error(1)
}

func (m *MockGraphRepository) OutgoingEdges(ctx context.Context, nodeID int64) ([]*models.Edge, error) {
	args := m.Called(ctx, nodeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Edge), args.Error(1)
}

func (m *MockGraphRepository) Rules(ctx context.Context, nodeID int64) ([]*models.Rule, error) {
	args := m.Called(ctx, nodeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Rule), args.Error(1)
}

func (m *MockGraphRepository) ActionConfig(ctx context.Context, nodeID int64) (*models.ActionConfig, error) {
	args := m.Called(ctx, nodeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ActionConfig), args.Error(1)
}

func (m *MockGraphRepository) DelayConfig(ctx context.Context, nodeID int64) (*models.DelayConfig, error) {
	args := m.Called(ctx, nodeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.DelayConfig), args.Error(1)
}

// MockTriggerRepository is a mock implementation of persistence.TriggerRepository interface.
type MockTriggerRepository struct {
	mock.Mock
}

func (m *MockTriggerRepository) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	args := m.Called(ctx, trigger)

	return args.Error(0)
}

func (m *MockTriggerRepository) Trigger(ctx context.Context, id int64) (*models.Trigger, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Trigger), args.Error(1)
}

func (m *MockTriggerRepository) SetTriggerActive(ctx context.Context, id int64, active bool) error {
	args := m.Called(ctx, id, active)

	return args.Error(0)
}

func (m *MockTriggerRepository) TouchTriggerRun(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)

	return args.Error(0)
}

func (m *MockTriggerRepository) DeleteTrigger(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}
