// Package store is the durable Postgres mirror for batches, recipients and
// send-configs: the system of record underneath the hot-state store's
// Redis cache. The batch orchestrator and background services read/write
// through here; the chunk processor records results in hotstate.Store and
// only touches this package to load recipient rows and to check and
// transition batch completion.
//
// Grounded on internal/messages.Store's query shape, error wrapping and
// slog field style, generalized from a single messages table to
// batches/recipients/send_configs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sms-gateway/internal/db"
	"sms-gateway/internal/domain"
)

type Store struct {
	db     *db.OptimizedPostgresDB
	logger *slog.Logger
}

func New(pg *db.OptimizedPostgresDB, logger *slog.Logger) *Store {
	return &Store{db: pg, logger: logger}
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ConnectionStats exposes the underlying connection pool's stats so
// handlers (ReadyCheck) can report and alarm on saturation
// without reaching past this package into internal/db directly.
func (s *Store) ConnectionStats() db.ConnectionStats {
	return s.db.GetConnectionStats()
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// CreateBatch inserts a new batch row with the batch's given status (draft
// or scheduled).
func (s *Store) CreateBatch(ctx context.Context, b *domain.Batch) error {
	defaults, err := marshalJSON(b.PayloadDefaults)
	if err != nil {
		return fmt.Errorf("marshal payload defaults: %w", err)
	}
	query := `INSERT INTO batches (id, tenant_id, send_config_id, module, payload_defaults, total_recipients, sent_count, failed_count, status, dry_run, created_at, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = s.db.ExecContext(ctx, query, b.ID, b.TenantID, b.SendConfigID, b.Module, defaults,
		b.TotalRecipients, b.SentCount, b.FailedCount, b.Status, b.DryRun, b.CreatedAt, b.ScheduledAt)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	s.logger.Info("batch created", "batchId", b.ID, "tenantId", b.TenantID)
	return nil
}

func scanBatch(row *sql.Row) (*domain.Batch, error) {
	var b domain.Batch
	var defaultsRaw []byte
	err := row.Scan(&b.ID, &b.TenantID, &b.SendConfigID, &b.Module, &defaultsRaw,
		&b.TotalRecipients, &b.SentCount, &b.FailedCount, &b.Status, &b.DryRun,
		&b.CreatedAt, &b.ScheduledAt, &b.StartedAt, &b.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	if len(defaultsRaw) > 0 {
		_ = json.Unmarshal(defaultsRaw, &b.PayloadDefaults)
	}
	return &b, nil
}

const batchColumns = `id, tenant_id, send_config_id, module, payload_defaults, total_recipients, sent_count, failed_count, status, dry_run, created_at, scheduled_at, started_at, completed_at`

func (s *Store) GetBatch(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID)
	return scanBatch(row)
}

// TransitionBatchStatus moves the batch to newStatus only if its current
// status is one of fromStatuses, guarding against races with concurrent
// chunk completion.
func (s *Store) TransitionBatchStatus(ctx context.Context, batchID uuid.UUID, newStatus domain.BatchStatus, fromStatuses []domain.BatchStatus) (bool, error) {
	query := `UPDATE batches SET status = $1,
		started_at = CASE WHEN $1 = 'processing' AND started_at IS NULL THEN now() ELSE started_at END,
		completed_at = CASE WHEN $1 IN ('completed','failed','cancelled') THEN now() ELSE completed_at END
		WHERE id = $2 AND status = ANY($3)`
	statuses := make([]string, len(fromStatuses))
	for i, st := range fromStatuses {
		statuses[i] = string(st)
	}
	res, err := s.db.ExecContext(ctx, query, newStatus, batchID, statuses)
	if err != nil {
		return false, fmt.Errorf("failed to transition batch status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateBatchCounters synchronizes the durable mirror's counters from a
// hot-state snapshot; called by the Postgres syncer, never the hot path.
func (s *Store) UpdateBatchCounters(ctx context.Context, batchID uuid.UUID, sent, failed int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET sent_count = $1, failed_count = $2 WHERE id = $3`, sent, failed, batchID)
	if err != nil {
		return fmt.Errorf("failed to update batch counters: %w", err)
	}
	return nil
}

// ListScheduledDue returns scheduled batches whose scheduledAt has passed.
func (s *Store) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE status = 'scheduled' AND scheduled_at <= $1 ORDER BY scheduled_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// ListStuckProcessing returns batches stuck in processing past the
// threshold, for the stuck-batch recovery service.
func (s *Store) ListStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE status = 'processing' AND started_at < $1 ORDER BY started_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func scanBatches(rows *sql.Rows) ([]*domain.Batch, error) {
	var out []*domain.Batch
	for rows.Next() {
		var b domain.Batch
		var defaultsRaw []byte
		if err := rows.Scan(&b.ID, &b.TenantID, &b.SendConfigID, &b.Module, &defaultsRaw,
			&b.TotalRecipients, &b.SentCount, &b.FailedCount, &b.Status, &b.DryRun,
			&b.CreatedAt, &b.ScheduledAt, &b.StartedAt, &b.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		if len(defaultsRaw) > 0 {
			_ = json.Unmarshal(defaultsRaw, &b.PayloadDefaults)
		}
		out = append(out, &b)
	}
	return out, nil
}

// CreateRecipients bulk-inserts recipients for a batch in pending status.
func (s *Store) CreateRecipients(ctx context.Context, recipients []*domain.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO recipients (id, batch_id, address, name, variables, status)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("failed to prepare recipient insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recipients {
		varsJSON, err := marshalJSON(r.Variables)
		if err != nil {
			return fmt.Errorf("marshal recipient variables: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.BatchID, r.Address, r.Name, varsJSON, r.Status); err != nil {
			return fmt.Errorf("failed to insert recipient: %w", err)
		}
	}
	return tx.Commit()
}

// ListPendingRecipients pages through recipients with status = pending.
func (s *Store) ListPendingRecipients(ctx context.Context, batchID uuid.UUID, limit int, afterID *uuid.UUID) ([]*domain.Recipient, error) {
	var rows *sql.Rows
	var err error
	if afterID == nil {
		rows, err = s.db.QueryContext(ctx, `SELECT id, batch_id, address, name, variables, status FROM recipients
			WHERE batch_id = $1 AND status = 'pending' ORDER BY id ASC LIMIT $2`, batchID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, batch_id, address, name, variables, status FROM recipients
			WHERE batch_id = $1 AND status = 'pending' AND id > $2 ORDER BY id ASC LIMIT $3`, batchID, *afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending recipients: %w", err)
	}
	defer rows.Close()

	var out []*domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		var varsRaw []byte
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Address, &r.Name, &varsRaw, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		if len(varsRaw) > 0 {
			_ = json.Unmarshal(varsRaw, &r.Variables)
		}
		out = append(out, &r)
	}
	return out, nil
}

// GetRecipientsByIDs loads full recipient payloads regardless of status,
// used by the chunk processor to resolve addresses/variables for a
// ChunkJob's recipientIds (which the wire format carries as bare IDs).
func (s *Store) GetRecipientsByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, batch_id, address, name, variables, status FROM recipients WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get recipients by id: %w", err)
	}
	defer rows.Close()

	var out []*domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		var varsRaw []byte
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Address, &r.Name, &varsRaw, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		if len(varsRaw) > 0 {
			_ = json.Unmarshal(varsRaw, &r.Variables)
		}
		out = append(out, &r)
	}
	return out, nil
}

// MarkRecipientsQueued flips a page of recipients from pending to queued
// (the durable mirror, step 5 of the batch orchestrator).
func (s *Store) MarkRecipientsQueued(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE recipients SET status = 'queued' WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark recipients queued: %w", err)
	}
	return nil
}

// AnyNonTerminalRecipients reports whether the batch has any recipient not
// yet in a terminal status (used by stuck-batch recovery and the
// orchestrator's empty-page completion check).
func (s *Store) AnyNonTerminalRecipients(ctx context.Context, batchID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM recipients WHERE batch_id = $1 AND status NOT IN ('sent','failed','bounced','complained'))`, batchID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check non-terminal recipients: %w", err)
	}
	return exists, nil
}

// SyncRecipientStates bulk-applies terminal states drained from hot state
// into the durable mirror; used by the Postgres syncer. Batched through
// OptimizedPostgresDB.BulkInsert so a large reconciliation sweep after a
// crash doesn't hold one giant transaction open.
func (s *Store) SyncRecipientStates(ctx context.Context, batchID uuid.UUID, states map[uuid.UUID]domain.RecipientStatus, providerMsgIDs map[uuid.UUID]string, errMsgs map[uuid.UUID]string) error {
	if len(states) == 0 {
		return nil
	}
	const query = `UPDATE recipients SET status = $1, provider_message_id = COALESCE($2, provider_message_id), error_message = COALESCE($3, error_message), sent_at = CASE WHEN $1 = 'sent' THEN now() ELSE sent_at END WHERE id = $4 AND batch_id = $5`

	values := make([][]interface{}, 0, len(states))
	for id, status := range states {
		var msgID, errMsg *string
		if v, ok := providerMsgIDs[id]; ok {
			msgID = &v
		}
		if v, ok := errMsgs[id]; ok {
			errMsg = &v
		}
		values = append(values, []interface{}{status, msgID, errMsg, id, batchID})
	}
	return s.db.BulkInsert(ctx, query, values)
}

// ListActiveBatchIDs returns batches not yet in a terminal status, the
// working set the Postgres syncer drains hot-state deltas for.
func (s *Store) ListActiveBatchIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM batches WHERE status IN ('queued','processing') ORDER BY started_at ASC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active batch ids: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan batch id: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// GetSendConfig loads a tenant's reusable send-config.
func (s *Store) GetSendConfig(ctx context.Context, id uuid.UUID) (*domain.SendConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, module, config, rate_limit, managed, provider FROM send_configs WHERE id = $1`, id)
	var sc domain.SendConfig
	var cfgRaw, rlRaw []byte
	err := row.Scan(&sc.ID, &sc.TenantID, &sc.Module, &cfgRaw, &rlRaw, &sc.Managed, &sc.Provider)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send config: %w", err)
	}
	if len(cfgRaw) > 0 {
		_ = json.Unmarshal(cfgRaw, &sc.Config)
	}
	if len(rlRaw) > 0 {
		_ = json.Unmarshal(rlRaw, &sc.RateLimit)
	}
	return &sc, nil
}
