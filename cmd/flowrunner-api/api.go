// Package main provides the flowrunner API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/dukex/flowrunner/pkg/eventbus"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/runtimestate"
	"github.com/dukex/flowrunner/pkg/services"
	"github.com/dukex/flowrunner/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	queue       queue.Client
	state       runtimestate.Store
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	queue queue.Client,
	state runtimestate.Store,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		queue:       queue,
		state:       state,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	executions := services.NewExecution(a.persistence, a.queue, a.state, a.logger, services.WithPublisher(a.eventBus))
	triggers := services.NewTrigger(a.persistence, a.queue, executions, a.logger)

	handlers := web.NewAPIHandlers(executions, triggers, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			_, ok := executions.HealthCheck(c.Context())

			return ok
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("flowrunner API")
	})

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
