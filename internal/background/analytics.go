// Package background implements the four always-on services that support
// the dispatch core: the scheduler, stuck-batch recovery, the Postgres
// syncer, and the buffered event logger.
package background

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Event is one analytics record (`sent`/`failed`/`queued`/...).
type Event struct {
	BatchID     string
	TenantID    string
	RecipientID string
	Type        string
	ProviderMessageID string
	Error       string
	OccurredAt  time.Time
}

// AnalyticsSink persists events to the columnar store. Grounded on brokle's
// database.ClickHouseDB connection setup (DSN parsing, compression,
// connect-time ping), scoped down to the single insert path this package
// needs.
type AnalyticsSink struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewAnalyticsSink(dsn string, logger *zap.Logger) (*AnalyticsSink, error) {
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	options.DialTimeout = 5 * time.Second
	options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	logger.Info("connected to analytics store")
	return &AnalyticsSink{conn: conn, logger: logger}, nil
}

func (s *AnalyticsSink) Close() error {
	return s.conn.Close()
}

// Flush bulk-inserts a page of events into the send_events table.
func (s *AnalyticsSink) Flush(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO send_events (batch_id, tenant_id, recipient_id, event_type, provider_message_id, error, occurred_at)")
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(e.BatchID, e.TenantID, e.RecipientID, e.Type, e.ProviderMessageID, e.Error, e.OccurredAt); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return batch.Send()
}
