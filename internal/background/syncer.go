package background

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/domain"
	"sms-gateway/internal/hotstate"
	"sms-gateway/internal/store"
)

// Syncer copies each active batch's hot-state sent/failed counters into the
// durable RDBMS mirror. On startup it performs one sweep before settling
// into its steady cadence. Run syncs batch counters only: per-recipient
// states reach the mirror only through SyncRecipients, which Run does not
// call.
//
// Grounded on internal/db.OptimizedPostgresDB's bulk-insert idiom
// (executeBatch / BulkInsert), which SyncRecipients uses via
// store.SyncRecipientStates.
type Syncer struct {
	store    *store.Store
	hotstate *hotstate.Store
	logger   *zap.Logger
	interval time.Duration
}

func NewSyncer(s *store.Store, hs *hotstate.Store, logger *zap.Logger, interval time.Duration) *Syncer {
	return &Syncer{store: s, hotstate: hs, logger: logger, interval: interval}
}

// Run performs the counter sweep immediately, then repeats it on a fixed
// cadence until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, activeBatchIDs func(context.Context) ([]uuid.UUID, error)) {
	if err := s.syncAll(ctx, activeBatchIDs); err != nil {
		s.logger.Error("crash-recovery sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncAll(ctx, activeBatchIDs); err != nil {
				s.logger.Error("periodic sync failed", zap.Error(err))
			}
		}
	}
}

func (s *Syncer) syncAll(ctx context.Context, activeBatchIDs func(context.Context) ([]uuid.UUID, error)) error {
	ids, err := activeBatchIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active batch ids: %w", err)
	}
	for _, id := range ids {
		if err := s.syncOne(ctx, id); err != nil {
			s.logger.Error("failed to sync batch", zap.String("batchId", id.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Syncer) syncOne(ctx context.Context, batchID uuid.UUID) error {
	counters, err := s.hotstate.GetBatchStats(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get hot-state counters: %w", err)
	}
	if err := s.store.UpdateBatchCounters(ctx, batchID, counters.Sent, counters.Failed); err != nil {
		return fmt.Errorf("update durable counters: %w", err)
	}
	return nil
}

// SyncRecipients projects per-recipient hot state into the durable mirror
// for one batch, given the set of recipient IDs known to the batch.
func (s *Syncer) SyncRecipients(ctx context.Context, batchID uuid.UUID, ids []uuid.UUID) error {
	states := make(map[uuid.UUID]domain.RecipientStatus, len(ids))
	providerMsgIDs := make(map[uuid.UUID]string)
	errMsgs := make(map[uuid.UUID]string)

	for _, id := range ids {
		st, err := s.hotstate.GetRecipientState(ctx, batchID, id)
		if err != nil {
			return fmt.Errorf("get recipient state %s: %w", id, err)
		}
		if st == nil || !st.Status.Terminal() {
			continue
		}
		states[id] = st.Status
		if st.ProviderMessageID != nil {
			providerMsgIDs[id] = *st.ProviderMessageID
		}
		if st.ErrorMessage != nil {
			errMsgs[id] = *st.ErrorMessage
		}
	}

	return s.store.SyncRecipientStates(ctx, batchID, states, providerMsgIDs, errMsgs)
}
