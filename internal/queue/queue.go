// Package queue wraps NATS JetStream as the durable queue client: named
// streams, named consumers with independent cursors, explicit ack/nak,
// per-message dedup IDs, and redelivery counts.
//
// Grounded on internal/queue/nats.Queue's connection options and reconnect
// handlers, generalized from core-NATS pub/sub to JetStream durable pull
// consumers, and on internal/messaging/nats.AdvancedConsumer's batch-fetch
// shape for Consume's pull loop.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamBatches     = "BATCHES"
	SubjectBatches     = "batches"
	StreamChunksPrefix = "CHUNKS_"
	SubjectChunksFmt   = "chunks.%s"

	BatchProcessorConsumer = "batch-processor"
)

// Client is the durable queue client. A process holds exactly one Client.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// Config controls dedup window and retention for streams this client owns.
type Config struct {
	DuplicateWindow time.Duration // broker-side publish dedup window
	MaxAge          time.Duration // retention for queued jobs
}

func DefaultConfig() Config {
	return Config{
		DuplicateWindow: 2 * time.Hour,
		MaxAge:          7 * 24 * time.Hour,
	}
}

// New connects to NATS and obtains a JetStream context.
func New(natsURL string, logger *zap.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("send-dispatcher"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256), nats.MaxWait(10*time.Second))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("connected to NATS JetStream", zap.String("url", conn.ConnectedUrl()))

	return &Client{conn: conn, js: js, logger: logger}, nil
}

func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if c.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats not connected, status: %v", c.conn.Status())
	}
	return nil
}

// EnsureBatchesStream creates the shared `batches` stream idempotently.
func (c *Client) EnsureBatchesStream(cfg Config) error {
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:       StreamBatches,
		Subjects:   []string{SubjectBatches},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DuplicateWindow,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create batches stream: %w", err)
	}
	return nil
}

// EnsureChunkStream creates the per-tenant chunks stream idempotently.
func (c *Client) EnsureChunkStream(tenantID string, cfg Config) error {
	name := StreamChunksPrefix + tenantID
	subject := fmt.Sprintf(SubjectChunksFmt, tenantID)
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{subject},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DuplicateWindow,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create chunk stream for tenant %s: %w", tenantID, err)
	}
	return nil
}

// EnsureChunkConsumer creates a durable pull consumer for a tenant's chunk
// stream idempotently. AddConsumer is itself idempotent in JetStream when
// the durable name and config match, so redundant calls are cheap no-ops.
func (c *Client) EnsureChunkConsumer(tenantID string, maxInFlight int) error {
	streamName := StreamChunksPrefix + tenantID
	durable := "chunk-consumer-" + tenantID
	_, err := c.js.AddConsumer(streamName, &nats.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxAckPending: maxInFlight,
		AckWait:       30 * time.Second,
	})
	if err != nil && err != nats.ErrConsumerNameAlreadyInUse {
		return fmt.Errorf("failed to create chunk consumer for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Publish publishes payload to subject with an optional dedup ID; if msgID
// was seen within the stream's duplicate window, the broker suppresses the
// duplicate publish and this call still returns success.
func (c *Client) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	_, err := c.js.Publish(subject, payload, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Msg wraps a delivered JetStream message with ack/nak primitives and the
// broker-tracked redelivery count.
type Msg struct {
	Data            []byte
	RedeliveryCount int
	raw             *nats.Msg
}

func (m *Msg) Ack() error { return m.raw.Ack() }

// Nak triggers redelivery after delay (NAK-with-delay).
func (m *Msg) Nak(delay time.Duration) error {
	return m.raw.NakWithDelay(delay)
}

func wrapMsg(raw *nats.Msg) *Msg {
	redelivery := 0
	if meta, err := raw.Metadata(); err == nil {
		redelivery = int(meta.NumDelivered) - 1
		if redelivery < 0 {
			redelivery = 0
		}
	}
	return &Msg{Data: raw.Data, RedeliveryCount: redelivery, raw: raw}
}

// ConsumeBatches opens a pull subscription on the shared batch-processor
// consumer and streams messages to handler; the handler returns nothing, and
// fetch errors are logged without ending the loop (the consumer keeps pulling).
func (c *Client) ConsumeBatches(ctx context.Context, maxInFlight int, handler func(*Msg)) error {
	sub, err := c.js.PullSubscribe(SubjectBatches, BatchProcessorConsumer, nats.BindStream(StreamBatches))
	if err != nil {
		return fmt.Errorf("failed to bind batch-processor consumer: %w", err)
	}
	return c.pullLoop(ctx, sub, maxInFlight, handler)
}

// ConsumeChunks opens a pull subscription on the tenant's durable consumer.
func (c *Client) ConsumeChunks(ctx context.Context, tenantID string, maxInFlight int, handler func(*Msg)) error {
	streamName := StreamChunksPrefix + tenantID
	durable := "chunk-consumer-" + tenantID
	sub, err := c.js.PullSubscribe("", durable, nats.BindStream(streamName))
	if err != nil {
		return fmt.Errorf("failed to bind chunk consumer for tenant %s: %w", tenantID, err)
	}
	return c.pullLoop(ctx, sub, maxInFlight, handler)
}

func (c *Client) pullLoop(ctx context.Context, sub *nats.Subscription, maxInFlight int, handler func(*Msg)) error {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(maxInFlight, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			c.logger.Error("pull fetch failed", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, m := range msgs {
			handler(wrapMsg(m))
		}
	}
}
