// Package api exposes the thin Control API: create a batch, trigger
// send, pause/resume, inspect status.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/auth"
	"sms-gateway/internal/batch"
	"sms-gateway/internal/domain"
	"sms-gateway/internal/modules"
	"sms-gateway/internal/queue"
	"sms-gateway/internal/store"
)

type Handlers struct {
	logger   *zap.Logger
	store    *store.Store
	queue    *queue.Client
	registry *modules.Registry
}

func NewHandlers(logger *zap.Logger, st *store.Store, q *queue.Client, registry *modules.Registry) *Handlers {
	return &Handlers{logger: logger, store: st, queue: q, registry: registry}
}

func (h *Handlers) publishBatchJob(ctx context.Context, job domain.BatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal batch job: %w", err)
	}
	return h.queue.Publish(ctx, queue.SubjectBatches, payload, job.BatchID.String())
}

type createRecipientRequest struct {
	Address   string            `json:"address"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

type createBatchRequest struct {
	Module          domain.ModuleKind        `json:"module"`
	SendConfigID    *uuid.UUID               `json:"sendConfigId,omitempty"`
	PayloadDefaults map[string]any           `json:"payloadDefaults,omitempty"`
	DryRun          bool                     `json:"dryRun,omitempty"`
	ScheduledAt     *time.Time               `json:"scheduledAt,omitempty"`
	Recipients      []createRecipientRequest `json:"recipients"`
}

// CreateBatch handles POST /batches.
func (h *Handlers) CreateBatch(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if len(req.Recipients) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "at least one recipient is required"})
	}
	if req.Module == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "module is required"})
	}

	status := domain.BatchDraft
	if req.ScheduledAt != nil {
		status = domain.BatchScheduled
	}

	batchID := uuid.New()
	recipients := make([]*domain.Recipient, len(req.Recipients))
	for i, r := range req.Recipients {
		recipients[i] = &domain.Recipient{
			ID:        uuid.New(),
			BatchID:   batchID,
			Address:   r.Address,
			Name:      r.Name,
			Variables: r.Variables,
			Status:    domain.RecipientPending,
		}
	}

	if h.registry != nil {
		if err := h.validateBatch(c.Context(), req, recipients); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}

	batch := &domain.Batch{
		ID:              batchID,
		TenantID:        tenant.ID,
		SendConfigID:    req.SendConfigID,
		Module:          req.Module,
		PayloadDefaults: req.PayloadDefaults,
		TotalRecipients: len(req.Recipients),
		Status:          status,
		DryRun:          req.DryRun,
		CreatedAt:       time.Now(),
		ScheduledAt:     req.ScheduledAt,
	}

	if err := h.store.CreateBatch(c.Context(), batch); err != nil {
		h.logger.Error("create batch failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create batch"})
	}

	if err := h.store.CreateRecipients(c.Context(), recipients); err != nil {
		h.logger.Error("create recipients failed", zap.Error(err), zap.String("batchId", batch.ID.String()))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create recipients"})
	}

	return c.Status(fiber.StatusCreated).JSON(batch)
}

// validateBatch resolves the module a batch would run against and rejects
// the whole creation request atomically — nothing is persisted — if the
// send-config or any recipient's payload fails validation.
func (h *Handlers) validateBatch(ctx context.Context, req createBatchRequest, recipients []*domain.Recipient) error {
	embedded, err := batch.BuildEmbeddedConfig(ctx, h.store, req.SendConfigID)
	if err != nil {
		return fmt.Errorf("resolve send config: %w", err)
	}
	mod, err := h.registry.Resolve(embedded.Module, embedded.Provider)
	if err != nil {
		return fmt.Errorf("resolve module: %w", err)
	}
	if err := mod.ValidateConfig(embedded.Config); err != nil {
		return fmt.Errorf("invalid send config: %w", err)
	}

	defaultMessage, _ := req.PayloadDefaults["message"].(string)
	for _, r := range recipients {
		message := defaultMessage
		if v, ok := r.Variables["message"]; ok {
			message = v
		}
		payload := map[string]any{"to": r.Address, "message": message}
		if err := mod.ValidatePayload(payload); err != nil {
			return fmt.Errorf("recipient %s: %w", r.Address, err)
		}
	}
	return nil
}

// SendBatch handles POST /batches/:id/send — transitions a draft batch to
// queued and publishes its batch job.
func (h *Handlers) SendBatch(c *fiber.Ctx) error {
	batchID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid batch id"})
	}

	batch, err := h.store.GetBatch(c.Context(), batchID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "batch not found"})
	}

	ok, err := h.store.TransitionBatchStatus(c.Context(), batchID, domain.BatchQueued, []domain.BatchStatus{domain.BatchDraft})
	if err != nil {
		h.logger.Error("transition to queued failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to queue batch"})
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "batch is not in draft status"})
	}

	job := domain.BatchJob{BatchID: batch.ID, TenantID: batch.TenantID}
	if err := h.publishBatchJob(c.Context(), job); err != nil {
		h.logger.Error("publish batch job failed", zap.Error(err), zap.String("batchId", batchID.String()))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to publish batch"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": batch.ID, "status": domain.BatchQueued})
}

// PauseBatch handles POST /batches/:id/pause.
func (h *Handlers) PauseBatch(c *fiber.Ctx) error {
	return h.transition(c, []domain.BatchStatus{domain.BatchQueued, domain.BatchProcessing}, domain.BatchPaused)
}

// ResumeBatch handles POST /batches/:id/resume.
func (h *Handlers) ResumeBatch(c *fiber.Ctx) error {
	batchID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid batch id"})
	}
	ok, err := h.store.TransitionBatchStatus(c.Context(), batchID, domain.BatchQueued, []domain.BatchStatus{domain.BatchPaused})
	if err != nil {
		h.logger.Error("resume batch failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to resume batch"})
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "batch is not paused"})
	}
	if err := h.publishBatchJob(c.Context(), domain.BatchJob{BatchID: batchID}); err != nil {
		h.logger.Error("publish resume job failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to publish batch"})
	}
	return c.JSON(fiber.Map{"id": batchID, "status": domain.BatchQueued})
}

func (h *Handlers) transition(c *fiber.Ctx, from []domain.BatchStatus, to domain.BatchStatus) error {
	batchID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid batch id"})
	}
	ok, err := h.store.TransitionBatchStatus(c.Context(), batchID, to, from)
	if err != nil {
		h.logger.Error("batch transition failed", zap.Error(err), zap.String("to", string(to)))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "transition failed"})
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "batch is not in an eligible status for this transition"})
	}
	return c.JSON(fiber.Map{"id": batchID, "status": to})
}

// GetBatch handles GET /batches/:id.
func (h *Handlers) GetBatch(c *fiber.Ctx) error {
	batchID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid batch id"})
	}
	batch, err := h.store.GetBatch(c.Context(), batchID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "batch not found"})
	}
	return c.JSON(batch)
}

// HealthCheck handles GET /healthz.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

// ReadyCheck handles GET /readyz.
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.Health(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	stats := h.store.ConnectionStats()
	if !stats.IsHealthy() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "connectionStats": stats})
	}
	return c.JSON(fiber.Map{"status": "ready", "connectionStats": stats})
}
