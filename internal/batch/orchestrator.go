// Package batch implements the batch orchestrator: consumes batch jobs off
// the shared `batches` stream, pages through pending recipients, chunks
// them by provider batch size, and publishes chunk jobs to the owning
// tenant's chunk stream.
//
// Grounded on cmd/worker/main.go's wiring style (subscribe, dispatch,
// graceful error logging) and internal/worker.Worker's fixed-pool dispatch
// loop, generalized from a single flat message handler to a multi-step
// batch-processing algorithm.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/backoff"
	"sms-gateway/internal/background"
	"sms-gateway/internal/domain"
	"sms-gateway/internal/queue"
	"sms-gateway/internal/store"
)

// ProviderMaxBatch is the default chunk size per module/provider absent an
// explicit recipientsPerRequest override.
var ProviderMaxBatch = map[string]int{
	"ses":     50,
	"resend":  100,
	"telnyx":  1,
	"webhook": 100,
}

const defaultPageSize = 500

// RecoveryDelay is the NAK backoff preset for transient batch-processing
// errors (base 5s, max 60s).
type RecoveryDelay struct {
	Base, Max time.Duration
}

func DefaultRecoveryDelay() RecoveryDelay {
	return RecoveryDelay{Base: 5 * time.Second, Max: 60 * time.Second}
}

func (d RecoveryDelay) delay(redeliveryCount int) time.Duration {
	return backoff.Delay(d.Base, d.Max, redeliveryCount)
}

// Orchestrator drives the batches stream.
type Orchestrator struct {
	store          *store.Store
	queue          *queue.Client
	logger         *zap.Logger
	recovery       RecoveryDelay
	pageSize       int
	ensureConsumer func(context.Context, string) error
	events         *background.EventLogger
}

func NewOrchestrator(s *store.Store, q *queue.Client, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: s, queue: q, logger: logger, recovery: DefaultRecoveryDelay(), pageSize: defaultPageSize}
}

// OnChunksReady registers a hook invoked after a tenant's chunk stream and
// broker-side consumer exist, so the same process can ensure its in-memory
// chunk-processor consumer for that tenant too.
func (o *Orchestrator) OnChunksReady(fn func(context.Context, string) error) {
	o.ensureConsumer = fn
}

// SetEventLogger wires the buffered analytics logger; nil disables event
// emission (used in tests and when no analytics sink is configured).
func (o *Orchestrator) SetEventLogger(el *background.EventLogger) {
	o.events = el
}

// emitQueuedEvents feeds the buffered analytics logger, if one is
// configured, mirroring chunk.Processor.emitEvents.
func (o *Orchestrator) emitQueuedEvents(tenantID, batchID uuid.UUID, recipients []*domain.Recipient) {
	if o.events == nil {
		return
	}
	now := time.Now()
	for _, r := range recipients {
		o.events.Log(background.Event{
			BatchID:     batchID.String(),
			TenantID:    tenantID.String(),
			RecipientID: r.ID.String(),
			Type:        "queued",
			OccurredAt:  now,
		})
	}
}

// Run starts the shared batch-processor consumer.
func (o *Orchestrator) Run(ctx context.Context, maxInFlight int) error {
	return o.queue.ConsumeBatches(ctx, maxInFlight, func(msg *queue.Msg) {
		o.handle(ctx, msg)
	})
}

func (o *Orchestrator) handle(ctx context.Context, msg *queue.Msg) {
	var job domain.BatchJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		o.logger.Warn("malformed batch job, dropping", zap.Error(err))
		_ = msg.Ack()
		return
	}

	if err := o.process(ctx, job); err != nil {
		o.logger.Error("batch processing failed, scheduling redelivery",
			zap.String("batchId", job.BatchID.String()), zap.Int("redeliveryCount", msg.RedeliveryCount), zap.Error(err))
		_ = msg.Nak(o.recovery.delay(msg.RedeliveryCount))
		return
	}
	_ = msg.Ack()
}

func (o *Orchestrator) process(ctx context.Context, job domain.BatchJob) error {
	b, err := o.store.GetBatch(ctx, job.BatchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if b == nil {
		return fmt.Errorf("batch %s not found", job.BatchID)
	}

	switch b.Status {
	case domain.BatchPaused:
		return nil
	case domain.BatchCompleted, domain.BatchFailed, domain.BatchCancelled:
		return nil
	}

	if b.Status == domain.BatchQueued {
		if _, err := o.store.TransitionBatchStatus(ctx, b.ID, domain.BatchProcessing, []domain.BatchStatus{domain.BatchQueued}); err != nil {
			return fmt.Errorf("transition to processing: %w", err)
		}
		b.Status = domain.BatchProcessing
	}

	embedded, err := o.buildEmbeddedConfig(ctx, b)
	if err != nil {
		return fmt.Errorf("build embedded send config: %w", err)
	}
	chunkSize := chunkSizeFor(embedded)

	var afterID *uuid.UUID
	chunkIndex := 0
	queuedAny := false

	for {
		recipients, err := o.store.ListPendingRecipients(ctx, b.ID, o.pageSize, afterID)
		if err != nil {
			return fmt.Errorf("list pending recipients: %w", err)
		}
		if len(recipients) == 0 {
			break
		}

		ids := make([]uuid.UUID, len(recipients))
		for i, r := range recipients {
			ids[i] = r.ID
		}
		if err := o.store.MarkRecipientsQueued(ctx, ids); err != nil {
			return fmt.Errorf("mark recipients queued: %w", err)
		}
		o.emitQueuedEvents(b.TenantID, b.ID, recipients)
		queuedAny = true

		chunkIndex, err = o.publishChunks(ctx, b, embedded, recipients, chunkSize, chunkIndex)
		if err != nil {
			return fmt.Errorf("publish chunks: %w", err)
		}

		afterID = &recipients[len(recipients)-1].ID
		if len(recipients) < o.pageSize {
			break
		}
	}

	if !queuedAny {
		hasNonTerminal, err := o.store.AnyNonTerminalRecipients(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("check non-terminal recipients: %w", err)
		}
		if !hasNonTerminal {
			if _, err := o.store.TransitionBatchStatus(ctx, b.ID, domain.BatchCompleted, []domain.BatchStatus{domain.BatchProcessing}); err != nil {
				return fmt.Errorf("transition to completed: %w", err)
			}
		}
		return nil
	}

	if err := o.queue.EnsureChunkStream(b.TenantID.String(), queue.DefaultConfig()); err != nil {
		return fmt.Errorf("ensure chunk stream: %w", err)
	}
	if err := o.queue.EnsureChunkConsumer(b.TenantID.String(), 100); err != nil {
		return fmt.Errorf("ensure chunk consumer: %w", err)
	}
	if o.ensureConsumer != nil {
		if err := o.ensureConsumer(ctx, b.TenantID.String()); err != nil {
			return fmt.Errorf("ensure chunk processor consumer: %w", err)
		}
	}

	return nil
}

func chunkSizeFor(cfg domain.EmbeddedSendConfig) int {
	if cfg.RateLimit.RecipientsPerRequest != nil && *cfg.RateLimit.RecipientsPerRequest > 0 {
		return *cfg.RateLimit.RecipientsPerRequest
	}
	key := cfg.Provider
	if key == "" {
		key = string(cfg.Module)
	}
	if n, ok := ProviderMaxBatch[key]; ok {
		return n
	}
	return 100
}

func (o *Orchestrator) buildEmbeddedConfig(ctx context.Context, b *domain.Batch) (domain.EmbeddedSendConfig, error) {
	return BuildEmbeddedConfig(ctx, o.store, b.SendConfigID)
}

// BuildEmbeddedConfig resolves a send-config reference into the module-
// opaque shape carried on the chunk wire format. Exported so the Control
// API can run the same resolution at batch-creation time to validate a
// module's config/payload before anything is persisted.
func BuildEmbeddedConfig(ctx context.Context, s *store.Store, sendConfigID *uuid.UUID) (domain.EmbeddedSendConfig, error) {
	if sendConfigID == nil {
		return defaultManagedEmailConfig(), nil
	}
	sc, err := s.GetSendConfig(ctx, *sendConfigID)
	if err != nil {
		return domain.EmbeddedSendConfig{}, err
	}
	if sc == nil {
		return defaultManagedEmailConfig(), nil
	}
	return domain.EmbeddedSendConfig{
		ID:        sc.ID.String(),
		Module:    sc.Module,
		Config:    sc.Config,
		RateLimit: sc.RateLimit,
		Managed:   sc.Managed,
		Provider:  sc.Provider,
	}, nil
}

func defaultManagedEmailConfig() domain.EmbeddedSendConfig {
	return domain.EmbeddedSendConfig{
		ID:       "default-managed-email",
		Module:   domain.ModuleEmail,
		Config:   map[string]any{},
		Managed:  true,
		Provider: "ses",
	}
}

// publishChunks splits recipients into chunkSize groups and publishes one
// chunk job per group, continuing the chunk-index sequence from startIndex
// so indices stay contiguous across successive pages of the same batch. It
// returns the next unused chunk index.
func (o *Orchestrator) publishChunks(ctx context.Context, b *domain.Batch, cfg domain.EmbeddedSendConfig, recipients []*domain.Recipient, chunkSize, startIndex int) (int, error) {
	index := startIndex
	for start := 0; start < len(recipients); start += chunkSize {
		end := start + chunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		ids := make([]uuid.UUID, end-start)
		for i, r := range recipients[start:end] {
			ids[i] = r.ID
		}
		job := domain.ChunkJob{
			BatchID:      b.ID,
			TenantID:     b.TenantID,
			ChunkIndex:   index,
			RecipientIDs: ids,
			SendConfig:   cfg,
			DryRun:       b.DryRun,
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return index, fmt.Errorf("marshal chunk job %d: %w", index, err)
		}
		subject := fmt.Sprintf(queue.SubjectChunksFmt, b.TenantID.String())
		if err := o.queue.Publish(ctx, subject, payload, job.DedupID()); err != nil {
			return index, fmt.Errorf("publish chunk %d: %w", index, err)
		}
		index++
	}
	return index, nil
}
