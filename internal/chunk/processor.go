// Package chunk implements the chunk processor and its per-tenant consumer
// orchestrator: lock-serialized consumer creation per tenant, idempotency
// check against hot state, rate-limit acquisition, module invocation,
// atomic result recording, and the chunk-level retry/backoff state
// machine.
//
// Grounded on internal/messaging/nats.AdvancedConsumer's worker pool over a
// pull subscription with graceful stop, for the per-tenant consumer shape,
// and on internal/worker.Worker's handleSuccess/handleFailure split for the
// terminal-fail-after-N-redeliveries logic.
package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/backoff"
	"sms-gateway/internal/background"
	"sms-gateway/internal/domain"
	"sms-gateway/internal/hotstate"
	"sms-gateway/internal/modules"
	"sms-gateway/internal/queue"
	"sms-gateway/internal/ratelimit"
	"sms-gateway/internal/store"
)

// BackoffPreset is the NAT-queue default chunk-retry backoff (base 1s, max 30s).
func BackoffPreset() (base, max time.Duration) { return time.Second, 30 * time.Second }

const defaultMaxRedeliveries = 5

// Processor executes chunk jobs for all tenants it has been asked to serve.
type Processor struct {
	hotstate  *hotstate.Store
	store     *store.Store
	ratelimit *ratelimit.Limiter
	modules   *modules.Registry
	queue     *queue.Client
	logger    *zap.Logger
	events    *background.EventLogger

	maxRedeliveries int
	systemRate      float64
	systemBurst     float64
	acquireTimeout  time.Duration

	mu              sync.Mutex
	activeConsumers map[string]bool
	creationLocks   map[string]chan struct{}
}

func NewProcessor(hs *hotstate.Store, s *store.Store, rl *ratelimit.Limiter, reg *modules.Registry, q *queue.Client, logger *zap.Logger) *Processor {
	return &Processor{
		hotstate:        hs,
		store:           s,
		ratelimit:       rl,
		modules:         reg,
		queue:           q,
		logger:          logger,
		maxRedeliveries: defaultMaxRedeliveries,
		systemRate:      1000,
		systemBurst:     2000,
		acquireTimeout:  10 * time.Second,
		activeConsumers: make(map[string]bool),
		creationLocks:   make(map[string]chan struct{}),
	}
}

// SetEventLogger wires the buffered analytics logger; nil disables event
// emission (used in tests and when no analytics sink is configured).
func (p *Processor) SetEventLogger(el *background.EventLogger) {
	p.events = el
}

// EnsureConsumer guarantees exactly one consumer is running for tenantID.
// Concurrent calls coalesce on the same in-flight creation.
func (p *Processor) EnsureConsumer(ctx context.Context, tenantID string, maxInFlight int) error {
	p.mu.Lock()
	if p.activeConsumers[tenantID] {
		p.mu.Unlock()
		return nil
	}
	if wait, inFlight := p.creationLocks[tenantID]; inFlight {
		p.mu.Unlock()
		<-wait
		return nil
	}
	done := make(chan struct{})
	p.creationLocks[tenantID] = done
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.creationLocks, tenantID)
		p.mu.Unlock()
		close(done)
	}()

	// Double-checked: another goroutine may have finished between our first
	// check and acquiring the creation lock above.
	p.mu.Lock()
	if p.activeConsumers[tenantID] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.queue.EnsureChunkStream(tenantID, queue.DefaultConfig()); err != nil {
		return fmt.Errorf("ensure chunk stream for %s: %w", tenantID, err)
	}
	if err := p.queue.EnsureChunkConsumer(tenantID, maxInFlight); err != nil {
		return fmt.Errorf("ensure chunk consumer for %s: %w", tenantID, err)
	}

	p.mu.Lock()
	p.activeConsumers[tenantID] = true
	p.mu.Unlock()

	go p.supervise(ctx, tenantID, maxInFlight)
	return nil
}

// supervise runs the pull loop for one tenant; on any terminal error it
// removes itself from activeConsumers so the next EnsureConsumer rebuilds.
func (p *Processor) supervise(ctx context.Context, tenantID string, maxInFlight int) {
	defer func() {
		p.mu.Lock()
		delete(p.activeConsumers, tenantID)
		p.mu.Unlock()
	}()

	err := p.queue.ConsumeChunks(ctx, tenantID, maxInFlight, func(msg *queue.Msg) {
		p.handleGuarded(ctx, msg)
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Error("tenant consumer exited", zap.String("tenantId", tenantID), zap.Error(err))
	}
}

// handleGuarded is the error-handler guard: a fault in the primary handler
// — or in the error handler itself — is logged and swallowed so the pull
// loop never dies from a single bad message.
func (p *Processor) handleGuarded(ctx context.Context, msg *queue.Msg) {
	defer func() {
		if r := recover(); r != nil {
			p.safeLog(fmt.Sprintf("chunk handler panic: %v", r))
		}
	}()
	if err := p.handle(ctx, msg); err != nil {
		p.safeLog(fmt.Sprintf("chunk handler error: %v", err))
	}
}

func (p *Processor) safeLog(msg string) {
	defer func() {
		if r := recover(); r != nil {
			// last resort: even the logger faulted.
			fmt.Println("chunk processor: logger failed while reporting:", msg, r)
		}
	}()
	p.logger.Error(msg)
}

func (p *Processor) handle(ctx context.Context, msg *queue.Msg) error {
	var job domain.ChunkJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		p.logger.Warn("malformed chunk job, dropping", zap.Error(err))
		return msg.Ack()
	}

	base, max := BackoffPreset()

	if err := p.processChunk(ctx, job); err != nil {
		var rlErr rateLimitErr
		if errors.As(err, &rlErr) {
			// Rate-limit timeouts never count toward the redelivery budget
			// and are never recorded as a processing failure: the chunk
			// just waits for the provider's bucket to refill.
			p.logger.Info("rate limit timeout, deferring chunk",
				zap.String("batchId", job.BatchID.String()), zap.Int("chunkIndex", job.ChunkIndex),
				zap.Duration("retryAfter", rlErr.retryAfter))
			return msg.Nak(rlErr.retryAfter)
		}
		if msg.RedeliveryCount >= p.maxRedeliveries {
			p.logger.Error("chunk exceeded max redeliveries, forcing terminal failure",
				zap.String("batchId", job.BatchID.String()), zap.Int("chunkIndex", job.ChunkIndex), zap.Error(err))
			if termErr := p.forceTerminalFailure(ctx, job, err); termErr != nil {
				p.logger.Error("failed to force terminal failure", zap.Error(termErr))
			}
			return msg.Ack()
		}
		p.logger.Warn("chunk processing failed, scheduling redelivery",
			zap.String("batchId", job.BatchID.String()), zap.Int("chunkIndex", job.ChunkIndex),
			zap.Int("redeliveryCount", msg.RedeliveryCount), zap.Error(err))
		return msg.Nak(backoff.Delay(base, max, msg.RedeliveryCount))
	}
	return msg.Ack()
}

// processChunk runs the chunk processing algorithm: idempotency filter,
// payload load, rate-limit acquisition, module dispatch, result recording,
// completion check.
func (p *Processor) processChunk(ctx context.Context, job domain.ChunkJob) error {
	processed, err := p.hotstate.CheckRecipientsProcessedBatch(ctx, job.BatchID, job.RecipientIDs)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}

	toProcess := filterUnprocessed(job.RecipientIDs, processed)
	if len(toProcess) == 0 {
		return nil
	}

	recipients, err := p.loadRecipients(ctx, job, toProcess)
	if err != nil {
		return fmt.Errorf("load recipient payloads: %w", err)
	}

	if !job.DryRun {
		chain := ratelimit.BuildChain(job.SendConfig, p.systemRate, p.systemBurst)
		res := p.ratelimit.AcquireWithTimeout(ctx, chain, p.acquireTimeout)
		if !res.Allowed {
			retryAfter := time.Duration(res.WaitMs) * time.Millisecond
			if retryAfter < 5*time.Second {
				retryAfter = 5 * time.Second
			}
			return fmt.Errorf("rate limit timeout on %s: %w", res.LimitingKey, rateLimitErr{retryAfter: retryAfter})
		}
	}

	var results []modules.SendResult
	if job.DryRun {
		results = synthesizeDryRun(recipients)
	} else {
		mod, err := p.modules.Resolve(job.SendConfig.Module, job.SendConfig.Provider)
		if err != nil {
			return fmt.Errorf("resolve module: %w", err)
		}
		defaults := map[string]any{}
		if mod.SupportsBatch() {
			results = mod.ExecuteBatch(ctx, job.SendConfig, recipients, defaults)
		} else {
			results = make([]modules.SendResult, len(recipients))
			for i, r := range recipients {
				results[i] = mod.Execute(ctx, job.SendConfig, r, defaults)
			}
		}
	}

	if err := p.recordResults(ctx, job.TenantID, job.BatchID, results); err != nil {
		return fmt.Errorf("record results: %w", err)
	}

	return p.checkBatchCompletion(ctx, job.BatchID)
}

// filterUnprocessed drops any recipient ID already present in a prior
// idempotency check, so redelivering the same chunk never re-sends to a
// recipient that already reached a terminal state.
func filterUnprocessed(ids []uuid.UUID, processed map[uuid.UUID]*hotstate.RecipientHotState) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, done := processed[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

func (p *Processor) loadRecipients(ctx context.Context, job domain.ChunkJob, ids []uuid.UUID) ([]domain.Recipient, error) {
	// The chunk wire format only carries recipient IDs; payload fields
	// (address, variables) live in the durable store.
	rows, err := p.store.GetRecipientsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Recipient, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

func synthesizeDryRun(recipients []domain.Recipient) []modules.SendResult {
	out := make([]modules.SendResult, len(recipients))
	for i, r := range recipients {
		out[i] = modules.SendResult{RecipientID: r.ID.String(), Success: true}
	}
	return out
}

func (p *Processor) recordResults(ctx context.Context, tenantID, batchID uuid.UUID, results []modules.SendResult) error {
	hsResults := make([]hotstate.RecipientResult, 0, len(results))
	for _, r := range results {
		id, err := uuid.Parse(r.RecipientID)
		if err != nil {
			continue
		}
		hsResults = append(hsResults, hotstate.RecipientResult{
			RecipientID:       id,
			Success:           r.Success,
			ProviderMessageID: r.ProviderMessageID,
			Error:             r.Error,
		})
	}
	_, err := p.hotstate.RecordResultsBatch(ctx, batchID, hsResults)
	if err != nil {
		return err
	}
	p.emitEvents(tenantID, batchID, hsResults)
	return nil
}

// emitEvents feeds the buffered analytics logger, if one is configured. A
// disconnected or unconfigured sink never blocks or fails send processing.
func (p *Processor) emitEvents(tenantID, batchID uuid.UUID, results []hotstate.RecipientResult) {
	if p.events == nil {
		return
	}
	now := time.Now()
	for _, r := range results {
		evt := background.Event{
			BatchID:     batchID.String(),
			TenantID:    tenantID.String(),
			RecipientID: r.RecipientID.String(),
			OccurredAt:  now,
		}
		if r.Success {
			evt.Type = "sent"
			if r.ProviderMessageID != nil {
				evt.ProviderMessageID = *r.ProviderMessageID
			}
		} else {
			evt.Type = "failed"
			if r.Error != nil {
				evt.Error = *r.Error
			}
		}
		p.events.Log(evt)
	}
}

func (p *Processor) checkBatchCompletion(ctx context.Context, batchID uuid.UUID) error {
	hasNonTerminal, err := p.store.AnyNonTerminalRecipients(ctx, batchID)
	if err != nil {
		return fmt.Errorf("check completion: %w", err)
	}
	if hasNonTerminal {
		return nil
	}
	_, err = p.store.TransitionBatchStatus(ctx, batchID, domain.BatchCompleted, []domain.BatchStatus{domain.BatchProcessing})
	return err
}

// forceTerminalFailure marks every not-yet-terminal recipient in the job
// failed, preserving the batch-completion invariant even when a chunk
// exhausts its redelivery budget.
func (p *Processor) forceTerminalFailure(ctx context.Context, job domain.ChunkJob, cause error) error {
	processed, err := p.hotstate.CheckRecipientsProcessedBatch(ctx, job.BatchID, job.RecipientIDs)
	if err != nil {
		return err
	}
	errMsg := cause.Error()
	var results []hotstate.RecipientResult
	for _, id := range job.RecipientIDs {
		if _, done := processed[id]; done {
			continue
		}
		results = append(results, hotstate.RecipientResult{RecipientID: id, Success: false, Error: &errMsg})
	}
	if len(results) == 0 {
		return nil
	}
	if _, err := p.hotstate.RecordResultsBatch(ctx, job.BatchID, results); err != nil {
		return err
	}
	p.emitEvents(job.TenantID, job.BatchID, results)
	return p.checkBatchCompletion(ctx, job.BatchID)
}

type rateLimitErr struct{ retryAfter time.Duration }

func (e rateLimitErr) Error() string { return fmt.Sprintf("retry after %s", e.retryAfter) }
