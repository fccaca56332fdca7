// Package domain holds the shared data model for batches, recipients,
// send-configs and chunk jobs that flows between the orchestrator, the
// chunk processor and the hot-state store.
package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchDraft      BatchStatus = "draft"
	BatchScheduled  BatchStatus = "scheduled"
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchPaused     BatchStatus = "paused"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// ModuleKind identifies the delivery driver a batch uses.
type ModuleKind string

const (
	ModuleEmail   ModuleKind = "email"
	ModuleSMS     ModuleKind = "sms"
	ModuleWebhook ModuleKind = "webhook"
)

// Batch is a user-scoped unit of work: many recipients sharing content.
type Batch struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	SendConfigID    *uuid.UUID
	Module          ModuleKind
	PayloadDefaults map[string]any
	TotalRecipients int
	SentCount       int
	FailedCount     int
	Status          BatchStatus
	DryRun          bool
	CreatedAt       time.Time
	ScheduledAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Invariant reports whether the batch satisfies counter conservation:
// sentCount + failedCount <= totalRecipients, and a completed batch has
// fully accounted for every recipient.
func (b *Batch) Invariant() bool {
	if b.SentCount+b.FailedCount > b.TotalRecipients {
		return false
	}
	if b.Status == BatchCompleted && b.SentCount+b.FailedCount != b.TotalRecipients {
		return false
	}
	return true
}

// RecipientStatus is the lifecycle state of a Recipient.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientQueued    RecipientStatus = "queued"
	RecipientSent      RecipientStatus = "sent"
	RecipientFailed    RecipientStatus = "failed"
	RecipientBounced   RecipientStatus = "bounced"
	RecipientComplained RecipientStatus = "complained"
)

// Terminal reports whether the status is one of the terminal states: once a
// recipient reaches one of these, it is never reconsidered.
func (s RecipientStatus) Terminal() bool {
	switch s {
	case RecipientSent, RecipientFailed, RecipientBounced, RecipientComplained:
		return true
	default:
		return false
	}
}

// Recipient is a single addressee within a batch.
type Recipient struct {
	ID                uuid.UUID
	BatchID           uuid.UUID
	Address           string
	Name              string
	Variables         map[string]string
	Status            RecipientStatus
	ProviderMessageID *string
	ErrorMessage      *string
	SentAt            *time.Time
}

// RateLimitOverride carries optional per-send-config rate-limit overrides.
type RateLimitOverride struct {
	RequestsPerSecond  *int `json:"requestsPerSecond,omitempty"`
	PerSecond          *int `json:"perSecond,omitempty"` // deprecated alias
	RecipientsPerRequest *int `json:"recipientsPerRequest,omitempty"`
}

// SendConfig is a reusable, per-tenant configuration for a module.
type SendConfig struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Module    ModuleKind
	Config    map[string]any
	RateLimit RateLimitOverride
	Managed   bool   // true: platform-owned provider account, shared bucket
	Provider  string // e.g. "ses", "resend", "telnyx" for managed mode
}

// EmbeddedSendConfig is the immutable snapshot of a SendConfig carried
// inside a ChunkJob so in-flight chunks are unaffected by later config edits.
type EmbeddedSendConfig struct {
	ID        string                 `json:"id"`
	Module    ModuleKind             `json:"module"`
	Config    map[string]any         `json:"config"`
	RateLimit RateLimitOverride      `json:"rateLimit"`
	Managed   bool                   `json:"managed"`
	Provider  string                 `json:"provider,omitempty"`
}

// ChunkJob is the unit of work handed to the Chunk Processor.
type ChunkJob struct {
	BatchID      uuid.UUID          `json:"batchId"`
	TenantID     uuid.UUID          `json:"tenantId"`
	ChunkIndex   int                `json:"chunkIndex"`
	RecipientIDs []uuid.UUID        `json:"recipientIds"`
	SendConfig   EmbeddedSendConfig `json:"sendConfig"`
	DryRun       bool               `json:"dryRun,omitempty"`
}

// DedupID returns the broker-visible dedup identifier for this chunk,
// stable across redelivery of the batch job that produced it.
func (c *ChunkJob) DedupID() string {
	return "chunk-" + c.BatchID.String() + "-" + strconv.Itoa(c.ChunkIndex)
}

// BatchJob is the payload published to the `batches` stream.
type BatchJob struct {
	BatchID  uuid.UUID `json:"batchId"`
	TenantID uuid.UUID `json:"tenantId"`
}
