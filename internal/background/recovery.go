package background

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sms-gateway/internal/domain"
	"sms-gateway/internal/hotstate"
	"sms-gateway/internal/store"
)

// StuckBatchRecovery periodically scans processing batches older than a
// threshold: if every durable recipient row is terminal, forces completion.
// If hot state looks missing (zero sent and zero failed), it logs a warning
// and leaves the batch in processing; it does not reconcile hot state or
// the durable mirror's recipient rows.
//
// Grounded on internal/db.OptimizedPostgresDB.healthMonitor's ticker-loop
// shape, generalized from a connection health check to a batch-state
// reconciliation sweep.
type StuckBatchRecovery struct {
	store          *store.Store
	hotstate       *hotstate.Store
	logger         *zap.Logger
	interval       time.Duration
	stuckThreshold time.Duration
	pageSize       int
}

func NewStuckBatchRecovery(s *store.Store, hs *hotstate.Store, logger *zap.Logger, interval, stuckThreshold time.Duration) *StuckBatchRecovery {
	return &StuckBatchRecovery{store: s, hotstate: hs, logger: logger, interval: interval, stuckThreshold: stuckThreshold, pageSize: 100}
}

func (r *StuckBatchRecovery) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Error("stuck-batch sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *StuckBatchRecovery) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.stuckThreshold)
	stuck, err := r.store.ListStuckProcessing(ctx, cutoff, r.pageSize)
	if err != nil {
		return fmt.Errorf("list stuck processing batches: %w", err)
	}
	for _, b := range stuck {
		if err := r.reconcile(ctx, b); err != nil {
			r.logger.Error("failed to reconcile stuck batch", zap.String("batchId", b.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (r *StuckBatchRecovery) reconcile(ctx context.Context, b *domain.Batch) error {
	hasNonTerminal, err := r.store.AnyNonTerminalRecipients(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("check non-terminal recipients: %w", err)
	}
	if !hasNonTerminal {
		_, err := r.store.TransitionBatchStatus(ctx, b.ID, domain.BatchCompleted, []domain.BatchStatus{domain.BatchProcessing})
		return err
	}

	stats, err := r.hotstate.GetBatchStats(ctx, b.ID)
	if err != nil {
		// Hot state unavailable: leave the batch in processing for the next
		// sweep rather than guessing at completion.
		r.logger.Warn("hot state unreachable during stuck-batch sweep, deferring", zap.String("batchId", b.ID.String()), zap.Error(err))
		return nil
	}
	if stats.Sent == 0 && stats.Failed == 0 {
		// Hot state was never seeded or has expired; nothing to project
		// back — the durable mirror's recipient rows remain authoritative
		// and the batch stays in processing until its chunks complete.
		r.logger.Warn("hot state missing for stuck batch", zap.String("batchId", b.ID.String()))
	}
	return nil
}
