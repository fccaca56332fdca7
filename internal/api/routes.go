package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sms-gateway/internal/auth"
	"sms-gateway/internal/observability"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	authService *auth.Service,
) {
	SetupMiddleware(app, logger, metrics)

	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	batches := app.Group("/batches", authService.RequireAPIKey())
	batches.Post("/", handlers.CreateBatch)
	batches.Get("/:id", handlers.GetBatch)
	batches.Post("/:id/send", handlers.SendBatch)
	batches.Post("/:id/pause", handlers.PauseBatch)
	batches.Post("/:id/resume", handlers.ResumeBatch)
}
