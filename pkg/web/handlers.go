// Package web provides HTTP handlers and REST API endpoints for executions and triggers.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/flowrunner/pkg/services"
)

type APIHandlers struct {
	executions *services.Execution
	triggers   *services.Trigger
	validator  *validator.Validate
}

func NewAPIHandlers(
	executions *services.Execution,
	triggers *services.Trigger,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		executions: executions,
		triggers:   triggers,
		validator:  validator,
	}
}

// Register mounts every route on router.
func (h *APIHandlers) Register(router fiber.Router) {
	w := router.Group("/workflows/:userWorkflowId")
	w.Post("/executions", h.StartExecution)
	w.Get("/executions", h.GetExecutions)
	w.Post("/triggers", h.CreateTrigger)

	router.Get("/executions/:id", h.GetExecution)
	router.Get("/executions/:id/nodes", h.GetExecutionNodes)
	router.Post("/executions/:id/stop", h.StopExecution)

	router.Patch("/triggers/:id/toggle", h.ToggleTrigger)
	router.Delete("/triggers/:id", h.DeleteTrigger)

	router.Get("/health", h.HealthCheck)
}

func idParam(c fiber.Ctx, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	userWorkflowID, ok := idParam(c, "userWorkflowId")
	if !ok {
		return badRequest(c, "User workflow ID must be a positive integer")
	}

	var req StartExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.executions.Start(c.Context(), services.StartRequest{
		UserWorkflowID: userWorkflowID,
		TriggerID:      req.TriggerID,
		Payload:        req.Payload,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	userWorkflowID, ok := idParam(c, "userWorkflowId")
	if !ok {
		return badRequest(c, "User workflow ID must be a positive integer")
	}

	req := services.HistoryRequest{UserWorkflowID: userWorkflowID}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		req.Offset = offset
	}

	result, err := h.executions.History(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(HistoryResponse{
		Executions:  result.Executions,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
		Limit:       req.Limit,
		Offset:      req.Offset,
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id, ok := idParam(c, "id")
	if !ok {
		return badRequest(c, "Execution ID must be a positive integer")
	}

	execution, err := h.executions.Status(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	stats, err := h.executions.Stats(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ExecutionResponse{Execution: execution, Stats: stats})
}

func (h *APIHandlers) GetExecutionNodes(c fiber.Ctx) error {
	id, ok := idParam(c, "id")
	if !ok {
		return badRequest(c, "Execution ID must be a positive integer")
	}

	nodes, err := h.executions.Log(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"nodes": nodes})
}

func (h *APIHandlers) StopExecution(c fiber.Ctx) error {
	id, ok := idParam(c, "id")
	if !ok {
		return badRequest(c, "Execution ID must be a positive integer")
	}

	execution, err := h.executions.Stop(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CreateTrigger(c fiber.Ctx) error {
	userWorkflowID, ok := idParam(c, "userWorkflowId")
	if !ok {
		return badRequest(c, "User workflow ID must be a positive integer")
	}

	var req CreateTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	trigger, err := h.triggers.Create(c.Context(), req.toService(userWorkflowID))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(trigger)
}

func (h *APIHandlers) ToggleTrigger(c fiber.Ctx) error {
	id, ok := idParam(c, "id")
	if !ok {
		return badRequest(c, "Trigger ID must be a positive integer")
	}

	trigger, err := h.triggers.Toggle(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(trigger)
}

func (h *APIHandlers) DeleteTrigger(c fiber.Ctx) error {
	id, ok := idParam(c, "id")
	if !ok {
		return badRequest(c, "Trigger ID must be a positive integer")
	}

	if err := h.triggers.Delete(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.executions.HealthCheck(c.Context())

	status := "unhealthy"
	message := "flowrunner API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "flowrunner API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
