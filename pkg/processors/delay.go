package processors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrunner/pkg/cache"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/queue"
)

// DelayProcessor postpones the successors of a delay node into delayed
// queue jobs.
type DelayProcessor struct {
	graph          persistence.GraphRepository
	nodeExecutions persistence.NodeExecutionRepository
	aborts         *AbortChecker
	cache          cache.NodeConfigCache
	queue          queue.Client
	location       *time.Location
	now            func() time.Time
	logger         *slog.Logger
}

func NewDelayProcessor(p persistence.Persistence, configCache cache.NodeConfigCache, client queue.Client, location *time.Location, logger *slog.Logger) *DelayProcessor {
	if location == nil {
		location = time.UTC
	}

	return &DelayProcessor{
		graph:          p.GraphRepository(),
		nodeExecutions: p.NodeExecutionRepository(),
		aborts:         NewAbortChecker(p.ExecutionRepository(), p.NodeExecutionRepository()),
		cache:          configCache,
		queue:          client,
		location:       location,
		now:            time.Now,
		logger:         logger.With("module", "delay_processor"),
	}
}

func (p *DelayProcessor) Type() models.NodeType {
	return models.NodeTypeDelay
}

func (p *DelayProcessor) Process(ctx context.Context, in Input) (Output, error) {
	cfg, err := cache.GetOrLoad(ctx, p.logger, p.cache, in.Node.ID, cache.KindDelay,
		func(ctx context.Context) (*models.DelayConfig, error) {
			return p.graph.DelayConfig(ctx, in.Node.ID)
		})
	if err != nil {
		return Output{}, fmt.Errorf("invalid delay node config: %w", err)
	}

	delay, err := cfg.Delay()
	if err != nil {
		return Output{}, err
	}

	resumeAt := p.now().Add(delay).In(p.location)

	return Output{
		Status: models.NodeCompleted,
		Data:   map[string]any{"willResumeAt": resumeAt.Format(time.RFC3339)},
		Next:   NextScheduled,
		Delay:  delay,
	}, nil
}

// ScheduleSuccessors creates each successor's node execution and enqueues
// a delayed job rooted at it. Job ids are deterministic, so scheduling the
// same successor twice is a no-op.
func (p *DelayProcessor) ScheduleSuccessors(ctx context.Context, in Input, out Output, successors []*models.Successor) error {
	for _, successor := range successors {
		if err := p.aborts.CheckNode(ctx, in.Execution.ID, in.Node.ID); err != nil {
			return err
		}

		if err := p.aborts.CheckExecution(ctx, in.Execution.ID); err != nil {
			return err
		}

		_, _, err := p.nodeExecutions.FindOrCreateNodeExecution(ctx, NewNodeExecution(in.Execution.ID, successor.Node, models.NodeQueued))
		if err != nil {
			return fmt.Errorf("failed to create node execution for successor %d: %w", successor.Node.ID, err)
		}

		startNodeID := successor.Node.ID

		payload, err := queue.EncodePayload(models.JobPayload{ExecutionID: in.Execution.ID, StartNodeID: &startNodeID})
		if err != nil {
			return err
		}

		jobID := queue.DelayJobID(in.Execution.ID, successor.Node.ID)

		added, err := p.queue.Enqueue(ctx, queue.JobWorkflow, payload, queue.EnqueueOptions{JobID: jobID, Delay: out.Delay})
		if err != nil {
			return fmt.Errorf("failed to enqueue delayed job %s: %w", jobID, err)
		}

		p.logger.InfoContext(ctx, "scheduled delayed successor",
			"execution_id", in.Execution.ID, "node_id", successor.Node.ID, "job_id", jobID, "delay", out.Delay, "added", added)
	}

	return nil
}
