package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/services"
)

// problemResponse is an RFC 7807 document with the success flag and message
// every API response carries.
type problemResponse struct {
	*problems.Problem

	Success bool   `json:"success"`
	Message string `json:"message"`
}

func sendProblem(c fiber.Ctx, problem *problems.Problem) error {
	message := problem.Detail
	if message == "" {
		message = problem.Title
	}

	return c.Status(problem.Status).JSON(problemResponse{Problem: problem, Message: message})
}

func badRequest(c fiber.Ctx, detail string) error {
	return sendProblem(c, problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail))
}

func notFound(c fiber.Ctx, kind, detail string) error {
	return sendProblem(c, problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail))
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case services.IsConflictError(err):
		return sendProblem(c, problems.NewStatusProblem(fiber.StatusConflict).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error()))

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution_not_found", "execution not found")

	case persistence.IsTriggerNotFound(err):
		return notFound(c, "trigger_not_found", "trigger not found")

	case persistence.IsUserWorkflowNotFound(err):
		return notFound(c, "user_workflow_not_found", "user workflow not found")

	default:
		// Unexpected errors keep their detail out of the response.
		return sendProblem(c, problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error"))
	}
}
