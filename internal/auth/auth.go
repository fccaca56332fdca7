// Package auth authenticates Control API callers against a tenant's
// API key, hashed at rest with bcrypt.
//
// Grounded on internal/auth.AuthService's bcrypt hashing and fiber
// middleware shape, generalized from a single demo client to a tenants
// table lookup.
package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"sms-gateway/internal/db"
)

// Tenant is a Control API caller scoped to its own batches.
type Tenant struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
}

type Service struct {
	db     *db.OptimizedPostgresDB
	logger *zap.Logger
}

func NewService(pg *db.OptimizedPostgresDB, logger *zap.Logger) *Service {
	return &Service{db: pg, logger: logger}
}

func (s *Service) CreateTenant(ctx context.Context, name, apiKey string) (*Tenant, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}

	tenant := &Tenant{ID: uuid.New(), Name: name, APIKeyHash: string(hashed)}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, api_key_hash) VALUES ($1, $2, $3)`,
		tenant.ID, tenant.Name, tenant.APIKeyHash)
	if err != nil {
		return nil, fmt.Errorf("insert tenant: %w", err)
	}
	return tenant, nil
}

func (s *Service) authenticate(ctx context.Context, apiKey string) (*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, api_key_hash FROM tenants`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.APIKeyHash); err != nil {
			return nil, err
		}
		if bcrypt.CompareHashAndPassword([]byte(t.APIKeyHash), []byte(apiKey)) == nil {
			return &t, nil
		}
	}
	return nil, sql.ErrNoRows
}

// RequireAPIKey is fiber middleware that resolves the X-API-Key header to
// a tenant and stores it in request locals.
func (s *Service) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := c.Get("X-API-Key")
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing X-API-Key"})
		}

		tenant, err := s.authenticate(c.Context(), apiKey)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid API key"})
		}

		c.Locals("tenant", tenant)
		return c.Next()
	}
}

// TenantFromContext retrieves the authenticated tenant stored by RequireAPIKey.
func TenantFromContext(c *fiber.Ctx) (*Tenant, error) {
	tenant, ok := c.Locals("tenant").(*Tenant)
	if !ok {
		return nil, fmt.Errorf("tenant not found in context")
	}
	return tenant, nil
}
