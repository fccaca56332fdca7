package background

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sms-gateway/internal/domain"
	"sms-gateway/internal/queue"
	"sms-gateway/internal/store"
)

// Scheduler polls for scheduled batches whose scheduledAt has passed and
// promotes them to queued, publishing a batch job the same way the Control
// API's POST /batches/{id}/send would.
//
// Grounded on internal/worker's periodic ticker-loop polling idiom,
// generalized from message-send polling to batch-schedule polling.
type Scheduler struct {
	store    *store.Store
	queue    *queue.Client
	logger   *zap.Logger
	interval time.Duration
	pageSize int
}

func NewScheduler(s *store.Store, q *queue.Client, logger *zap.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{store: s, queue: q, logger: logger, interval: interval, pageSize: 100}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	due, err := s.store.ListScheduledDue(ctx, time.Now(), s.pageSize)
	if err != nil {
		return fmt.Errorf("list scheduled due: %w", err)
	}
	for _, b := range due {
		if err := s.dispatch(ctx, b); err != nil {
			s.logger.Error("failed to dispatch scheduled batch", zap.String("batchId", b.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, b *domain.Batch) error {
	ok, err := s.store.TransitionBatchStatus(ctx, b.ID, domain.BatchQueued, []domain.BatchStatus{domain.BatchScheduled})
	if err != nil {
		return fmt.Errorf("transition to queued: %w", err)
	}
	if !ok {
		return nil // lost the race to another scheduler replica
	}
	payload, err := json.Marshal(domain.BatchJob{BatchID: b.ID, TenantID: b.TenantID})
	if err != nil {
		return fmt.Errorf("marshal batch job: %w", err)
	}
	return s.queue.Publish(ctx, queue.SubjectBatches, payload, "")
}
