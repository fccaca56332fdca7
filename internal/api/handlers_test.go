package api

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func TestHealthEndpoint(t *testing.T) {
	handlers := &Handlers{logger: zap.NewNop()}

	app := fiber.New()
	app.Get("/healthz", handlers.HealthCheck)

	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestCreateBatchRejectsUnauthenticated(t *testing.T) {
	handlers := &Handlers{logger: zap.NewNop()}

	app := fiber.New()
	app.Post("/batches", func(c *fiber.Ctx) error {
		c.Locals("tenant", nil)
		return handlers.CreateBatch(c)
	})

	req := httptest.NewRequest("POST", "/batches", nil)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("expected 401 without an authenticated tenant, got %d", resp.StatusCode)
	}
}
