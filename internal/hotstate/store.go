// Package hotstate implements the per-batch recipient state and counter
// store: Redis-backed, server-side-scripted for atomicity, and guarded by a
// sliding-window circuit breaker so a Redis outage degrades to "refuse to
// mutate" rather than "treat as not processed".
//
// Grounded on internal/persistence.RedisClient's connection setup/pooling
// and internal/idempotency.Store's Redis-keyed per-recipient lookups,
// generalized from single-key idempotency checks to a full per-batch hash +
// counters + Lua-script model.
package hotstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-gateway/internal/domain"
	"sms-gateway/internal/errs"
)

const (
	DefaultCompletedTTL = 48 * time.Hour
	DefaultActiveTTL    = 7 * 24 * time.Hour
)

// RecipientHotState is the JSON value stored per recipient field.
type RecipientHotState struct {
	Status            domain.RecipientStatus `json:"status"`
	ProviderMessageID *string                `json:"providerMessageId,omitempty"`
	SentAt            *time.Time             `json:"sentAt,omitempty"`
	ErrorMessage      *string                `json:"errorMessage,omitempty"`
}

// RecipientResult is one outcome to record via recordResultsBatch.
type RecipientResult struct {
	RecipientID       uuid.UUID
	Success           bool
	ProviderMessageID *string
	Error             *string
}

// BatchCounters mirrors the `batch:{id}:counters` hash.
type BatchCounters struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

type Store struct {
	redis   *redis.Client
	logger  *zap.Logger
	breaker *Breaker

	initScript    *redis.Script
	recordScript  *redis.Script
	completedTTL  time.Duration
	activeTTL     time.Duration
}

// BreakerConfig parameterizes the sliding-window breaker in front of Redis.
type BreakerConfig struct {
	Threshold int
	Window    time.Duration
	Reset     time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 3, Window: 10 * time.Second, Reset: 5 * time.Second}
}

func NewStore(client *redis.Client, logger *zap.Logger, bc BreakerConfig) *Store {
	return &Store{
		redis:        client,
		logger:       logger,
		breaker:      NewBreaker(bc.Threshold, bc.Window, bc.Reset),
		initScript:   redis.NewScript(initBatchScript),
		recordScript: redis.NewScript(recordResultsScript),
		completedTTL: DefaultCompletedTTL,
		activeTTL:    DefaultActiveTTL,
	}
}

func recipientsKey(batchID uuid.UUID) string { return fmt.Sprintf("batch:%s:recipients", batchID) }
func countersKey(batchID uuid.UUID) string    { return fmt.Sprintf("batch:%s:counters", batchID) }

// guard runs fn only if the breaker allows it, translating breaker-open and
// Redis errors alike into KindHotStateUnavailable, and feeding the outcome
// back into the breaker.
func (s *Store) guard(ctx context.Context, fn func(context.Context) error) error {
	if !s.breaker.Allow() {
		return errs.New(errs.KindHotStateUnavailable, "circuit open, refusing hot-state call")
	}
	err := fn(ctx)
	if err != nil {
		s.breaker.RecordFailure()
		return errs.Wrap(errs.KindHotStateUnavailable, "hot-state operation failed", err)
	}
	s.breaker.RecordSuccess()
	return nil
}

// initBatchScript seeds pending status for each recipient and zeroes
// counters, idempotently (re-running with the same IDs is a no-op for any
// recipient that already has state).
const initBatchScript = `
local recipientsKey = KEYS[1]
local countersKey = KEYS[2]
local ttl = tonumber(ARGV[1])
for i = 2, #ARGV do
  local id = ARGV[i]
  local existing = redis.call('HGET', recipientsKey, id)
  if not existing then
    redis.call('HSET', recipientsKey, id, cjson.encode({status = 'pending'}))
  end
end
if redis.call('HEXISTS', countersKey, 'sent') == 0 then
  redis.call('HSET', countersKey, 'sent', 0, 'failed', 0)
end
redis.call('EXPIRE', recipientsKey, ttl)
redis.call('EXPIRE', countersKey, ttl)
return 'OK'
`

// InitializeBatch seeds per-recipient pending status and zero counters.
func (s *Store) InitializeBatch(ctx context.Context, batchID uuid.UUID, recipientIDs []uuid.UUID) error {
	return s.guard(ctx, func(ctx context.Context) error {
		keys := []string{recipientsKey(batchID), countersKey(batchID)}
		args := make([]interface{}, 0, len(recipientIDs)+1)
		args = append(args, int(s.activeTTL.Seconds()))
		for _, id := range recipientIDs {
			args = append(args, id.String())
		}
		return s.initScript.Run(ctx, s.redis, keys, args...).Err()
	})
}

// CheckRecipientsProcessedBatch returns current state for recipients whose
// status is not pending (used for idempotency before (re)processing a
// chunk). Missing entries are reported as nil (never processed, or an
// unseeded batch — callers must not conflate this with "processed").
func (s *Store) CheckRecipientsProcessedBatch(ctx context.Context, batchID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*RecipientHotState, error) {
	out := make(map[uuid.UUID]*RecipientHotState, len(ids))
	err := s.guard(ctx, func(ctx context.Context) error {
		key := recipientsKey(batchID)
		fields := make([]string, len(ids))
		for i, id := range ids {
			fields[i] = id.String()
		}
		vals, err := s.redis.HMGet(ctx, key, fields...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			if v == nil {
				continue
			}
			str, ok := v.(string)
			if !ok {
				continue
			}
			var st RecipientHotState
			if err := json.Unmarshal([]byte(str), &st); err != nil {
				continue
			}
			if st.Status.Terminal() {
				out[ids[i]] = &st
			}
		}
		return nil
	})
	return out, err
}

// recordResultsScript atomically, per recipient, writes terminal status and
// bumps the matching counter only if the recipient's current status is not
// already terminal; it returns the new {sent, failed} totals.
const recordResultsScript = `
local recipientsKey = KEYS[1]
local countersKey = KEYS[2]
local ttl = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local idx = 3
for i = 1, n do
  local id = ARGV[idx]
  local success = ARGV[idx+1]
  local payload = ARGV[idx+2]
  idx = idx + 3

  local existing = redis.call('HGET', recipientsKey, id)
  local terminal = false
  if existing then
    local decoded = cjson.decode(existing)
    local s = decoded.status
    if s == 'sent' or s == 'failed' or s == 'bounced' or s == 'complained' then
      terminal = true
    end
  end

  if not terminal then
    redis.call('HSET', recipientsKey, id, payload)
    if success == '1' then
      redis.call('HINCRBY', countersKey, 'sent', 1)
    else
      redis.call('HINCRBY', countersKey, 'failed', 1)
    end
  end
end
redis.call('EXPIRE', recipientsKey, ttl)
redis.call('EXPIRE', countersKey, ttl)
local sent = tonumber(redis.call('HGET', countersKey, 'sent') or '0')
local failed = tonumber(redis.call('HGET', countersKey, 'failed') or '0')
return {sent, failed}
`

// RecordResultsBatch atomically records terminal outcomes; re-recording an
// already-terminal recipient is a no-op, so redelivered chunk jobs never
// double-count.
func (s *Store) RecordResultsBatch(ctx context.Context, batchID uuid.UUID, results []RecipientResult) (BatchCounters, error) {
	var counters BatchCounters
	err := s.guard(ctx, func(ctx context.Context) error {
		keys := []string{recipientsKey(batchID), countersKey(batchID)}
		args := make([]interface{}, 0, 2+len(results)*3)
		args = append(args, int(s.activeTTL.Seconds()), len(results))

		for _, r := range results {
			state := RecipientHotState{}
			successFlag := "0"
			if r.Success {
				state.Status = domain.RecipientSent
				state.ProviderMessageID = r.ProviderMessageID
				now := time.Now()
				state.SentAt = &now
				successFlag = "1"
			} else {
				state.Status = domain.RecipientFailed
				state.ErrorMessage = r.Error
			}
			payload, err := json.Marshal(state)
			if err != nil {
				return fmt.Errorf("marshal recipient state: %w", err)
			}
			args = append(args, r.RecipientID.String(), successFlag, string(payload))
		}

		res, err := s.recordScript.Run(ctx, s.redis, keys, args...).Result()
		if err != nil {
			return err
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) != 2 {
			return fmt.Errorf("unexpected script result shape")
		}
		sent, _ := vals[0].(int64)
		failed, _ := vals[1].(int64)
		counters = BatchCounters{Sent: sent, Failed: failed}
		return nil
	})
	return counters, err
}

// GetRecipientState is a read helper for a single recipient.
func (s *Store) GetRecipientState(ctx context.Context, batchID, recipientID uuid.UUID) (*RecipientHotState, error) {
	var out *RecipientHotState
	err := s.guard(ctx, func(ctx context.Context) error {
		v, err := s.redis.HGet(ctx, recipientsKey(batchID), recipientID.String()).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var st RecipientHotState
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			return err
		}
		out = &st
		return nil
	})
	return out, err
}

// GetBatchStats is a read helper for the batch's counters.
func (s *Store) GetBatchStats(ctx context.Context, batchID uuid.UUID) (BatchCounters, error) {
	var counters BatchCounters
	err := s.guard(ctx, func(ctx context.Context) error {
		vals, err := s.redis.HGetAll(ctx, countersKey(batchID)).Result()
		if err != nil {
			return err
		}
		fmt.Sscanf(vals["sent"], "%d", &counters.Sent)
		fmt.Sscanf(vals["failed"], "%d", &counters.Failed)
		return nil
	})
	return counters, err
}

// GetCircuitState exposes the breaker snapshot for observability.
func (s *Store) GetCircuitState() CircuitState {
	return s.breaker.GetCircuitState()
}

// MarkCompleted shortens the batch's hot-state TTL once it reaches a
// terminal state (48h vs 7d while active).
func (s *Store) MarkCompleted(ctx context.Context, batchID uuid.UUID) error {
	return s.guard(ctx, func(ctx context.Context) error {
		ttl := int(s.completedTTL.Seconds())
		if err := s.redis.Expire(ctx, recipientsKey(batchID), time.Duration(ttl)*time.Second).Err(); err != nil {
			return err
		}
		return s.redis.Expire(ctx, countersKey(batchID), time.Duration(ttl)*time.Second).Err()
	})
}
