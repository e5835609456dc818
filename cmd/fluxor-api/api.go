// Package main provides the fluxor API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/fluxor-io/fluxor/pkg/approval"
	"github.com/fluxor-io/fluxor/pkg/eventbus"
	"github.com/fluxor-io/fluxor/pkg/persistence"
	"github.com/fluxor-io/fluxor/pkg/registry"
	"github.com/fluxor-io/fluxor/pkg/services"
	"github.com/fluxor-io/fluxor/pkg/web"
	"github.com/fluxor-io/fluxor/pkg/workflow"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	validate    *validator.Validate
	workerID    string
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
	workerID string,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		workerID:    workerID,
	}
}

func (a *API) App() *fiber.App {
	engine := workflow.NewEngine(a.persistence, a.registry, a.eventBus, a.logger, a.workerID)
	approvals := approval.NewManager(a.persistence, a.eventBus, a.logger, a.workerID)

	workflowService := services.NewWorkflow(a.persistence, a.registry, a.eventBus, a.logger)
	executionService := services.NewExecution(a.persistence, engine, approvals, a.eventBus, a.logger)

	handlers := web.NewAPIHandlers(workflowService, executionService, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Fluxor API")
	})

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
