package processors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dukex/flowrunner/pkg/cache"
	"github.com/dukex/flowrunner/pkg/httpaction"
	"github.com/dukex/flowrunner/pkg/models"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/rules"
)

// ActionProcessor calls the HTTP endpoint bound to an action node.
type ActionProcessor struct {
	graph          persistence.GraphRepository
	nodeExecutions persistence.NodeExecutionRepository
	aborts         *AbortChecker
	cache          cache.NodeConfigCache
	invoker        httpaction.Invoker
	newBackOff     func(models.RetryConfig) backoff.BackOff
	logger         *slog.Logger
}

type ActionOption func(*ActionProcessor)

// WithBackOff replaces the retry delay policy.
func WithBackOff(fn func(models.RetryConfig) backoff.BackOff) ActionOption {
	return func(p *ActionProcessor) {
		p.newBackOff = fn
	}
}

func NewActionProcessor(
	p persistence.Persistence,
	configCache cache.NodeConfigCache,
	invoker httpaction.Invoker,
	logger *slog.Logger,
	opts ...ActionOption,
) *ActionProcessor {
	processor := &ActionProcessor{
		graph:          p.GraphRepository(),
		nodeExecutions: p.NodeExecutionRepository(),
		aborts:         NewAbortChecker(p.ExecutionRepository(), p.NodeExecutionRepository()),
		cache:          configCache,
		invoker:        invoker,
		newBackOff:     NewRetryBackOff,
		logger:         logger.With("module", "action_processor"),
	}

	for _, opt := range opts {
		opt(processor)
	}

	return processor
}

func (p *ActionProcessor) Type() models.NodeType {
	return models.NodeTypeAction
}

func (p *ActionProcessor) Process(ctx context.Context, in Input) (Output, error) {
	cfg, err := cache.GetOrLoad(ctx, p.logger, p.cache, in.Node.ID, cache.KindAction,
		func(ctx context.Context) (*models.ActionConfig, error) {
			return p.graph.ActionConfig(ctx, in.Node.ID)
		})
	if err != nil {
		return Output{}, fmt.Errorf("invalid action node config: %w", err)
	}

	req, err := BuildRequest(cfg, in.Context.Snapshot(), in.Node.AsMap())
	if err != nil {
		return Output{}, err
	}

	var result httpaction.Result

	if in.Node.ErrorAction() == models.OnErrorRetry {
		result, err = p.invokeWithRetry(ctx, in, req)
		if err != nil {
			return Output{}, err
		}
	} else {
		result = p.invoke(ctx, in, req)
	}

	if result.Success {
		return Output{
			Status:       models.NodeCompleted,
			Data:         result.Data,
			ContextValue: map[string]any{"success": true, "data": result.Data},
			Next:         NextAll,
		}, nil
	}

	if in.Node.ErrorAction() == models.OnErrorContinue {
		p.logger.InfoContext(ctx, "action failed, continuing",
			"execution_id", in.Execution.ID, "node_id", in.Node.ID, "error", result.Error.Message)

		return Output{
			Status:       models.NodeCompleted,
			Data:         map[string]any{"error": result.Error},
			ContextValue: map[string]any{"success": false, "error": result.Error},
			Next:         NextAll,
		}, nil
	}

	p.logger.InfoContext(ctx, "stopping workflow execution due to an error in API call",
		"execution_id", in.Execution.ID, "node_id", in.Node.ID, "error", result.Error.Message)

	return Output{}, &ActionAPIError{NodeID: in.Node.ID, Result: result.Error}
}

func (p *ActionProcessor) invoke(ctx context.Context, in Input, req httpaction.Request) httpaction.Result {
	if in.NodeExecution != nil {
		if _, err := p.nodeExecutions.IncrementNodeAttempts(ctx, in.NodeExecution.ID); err != nil {
			p.logger.WarnContext(ctx, "failed to record attempt", "node_id", in.Node.ID, "error", err)
		}
	}

	return p.invoker.Invoke(ctx, req)
}

// invokeWithRetry retries retryable failures following the node's retry
// configuration. The execution is re-checked for a stop between attempts.
func (p *ActionProcessor) invokeWithRetry(ctx context.Context, in Input, req httpaction.Request) (httpaction.Result, error) {
	var (
		result  httpaction.Result
		attempt int
	)

	operation := func() error {
		if attempt > 0 {
			if err := p.aborts.CheckExecution(ctx, in.Execution.ID); err != nil {
				return backoff.Permanent(err)
			}
		}

		attempt++

		result = p.invoke(ctx, in, req)
		if result.Success {
			return nil
		}

		failure := errors.New(result.Error.Message)
		if !retryable(result.Error) {
			return backoff.Permanent(failure)
		}

		return failure
	}

	notify := func(err error, delay time.Duration) {
		p.logger.WarnContext(ctx, "retrying action",
			"execution_id", in.Execution.ID, "node_id", in.Node.ID, "attempt", attempt, "delay", delay, "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(p.newBackOff(in.Node.RetryConfig), ctx), notify)
	if IsAborted(err) {
		return result, err
	}

	if !result.Success && result.Error == nil {
		return result, fmt.Errorf("action retry interrupted: %w", err)
	}

	return result, nil
}

// retryable reports whether a failed call may succeed when repeated.
func retryable(e *httpaction.ResultError) bool {
	if e == nil || e.Status == 0 {
		return true
	}

	return e.Status >= http.StatusInternalServerError ||
		e.Status == http.StatusRequestTimeout ||
		e.Status == http.StatusTooManyRequests
}

// BuildRequest merges endpoint, user endpoint and node overrides and
// renders every template against the context.
func BuildRequest(cfg *models.ActionConfig, global map[string]any, current map[string]any) (httpaction.Request, error) {
	endpoint := cfg.UserEndpoint.Endpoint

	headers := map[string]any{}
	maps.Copy(headers, endpoint.Headers)
	maps.Copy(headers, cfg.UserEndpoint.Headers)
	maps.Copy(headers, cfg.Overrides.Headers)

	body := map[string]any{}
	maps.Copy(body, endpoint.Body)
	maps.Copy(body, cfg.UserEndpoint.Body)
	maps.Copy(body, cfg.Overrides.Body)

	authSource := cfg.UserEndpoint.AuthConfig
	if len(cfg.Overrides.AuthConfig) > 0 {
		authSource = cfg.Overrides.AuthConfig
	}

	req := httpaction.Request{
		URL:     rules.RenderString(endpoint.URL, global, current),
		Method:  strings.ToUpper(endpoint.Method),
		Headers: map[string]string{},
	}

	if rendered, ok := rules.Render(headers, global, current).(map[string]any); ok {
		for key, value := range rendered {
			req.Headers[key] = rules.Stringify(value)
		}
	}

	if len(body) > 0 {
		req.Body = rules.Render(body, global, current)
	}

	if len(authSource) > 0 {
		var auth models.AuthConfig
		if err := DecodeConfig(rules.Render(authSource, global, current), &auth); err != nil {
			return httpaction.Request{}, fmt.Errorf("invalid auth config: %w", err)
		}

		req.Auth = &auth
	}

	return req, nil
}

// ContextValue rebuilds what a node contributed to the global context from
// its persisted output.
func ContextValue(nodeType models.NodeType, data any) any {
	if nodeType != models.NodeTypeAction {
		return data
	}

	if m, ok := data.(map[string]any); ok && len(m) == 1 {
		if failure, ok := m["error"]; ok {
			return map[string]any{"success": false, "error": failure}
		}
	}

	return map[string]any{"success": true, "data": data}
}
