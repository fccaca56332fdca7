package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"sms-gateway/internal/domain"
	"sms-gateway/internal/hotstate"
	"sms-gateway/internal/queue"
)

func newTestProcessor(logger *zap.Logger) *Processor {
	return &Processor{
		logger:          logger,
		maxRedeliveries: defaultMaxRedeliveries,
		activeConsumers: make(map[string]bool),
		creationLocks:   make(map[string]chan struct{}),
	}
}

// TestEnsureConsumerSkipsCreationWhenAlreadyActive verifies the fast path:
// a tenant already marked active never touches the queue client again.
func TestEnsureConsumerSkipsCreationWhenAlreadyActive(t *testing.T) {
	p := newTestProcessor(zap.NewNop())
	p.activeConsumers["tenant-a"] = true

	if err := p.EnsureConsumer(context.Background(), "tenant-a", 10); err != nil {
		t.Fatalf("EnsureConsumer() error = %v, want nil", err)
	}
}

// TestEnsureConsumerCoalescesConcurrentCallers verifies that a caller
// arriving while another caller is already creating the same tenant's
// consumer waits on that in-flight creation instead of starting a second one.
func TestEnsureConsumerCoalescesConcurrentCallers(t *testing.T) {
	p := newTestProcessor(zap.NewNop())
	done := make(chan struct{})
	p.creationLocks["tenant-b"] = done

	result := make(chan error, 1)
	go func() {
		result <- p.EnsureConsumer(context.Background(), "tenant-b", 10)
	}()

	select {
	case <-result:
		t.Fatal("EnsureConsumer returned before the in-flight creation finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(done)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("EnsureConsumer() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("EnsureConsumer never returned after the in-flight creation closed")
	}
}

// TestHandleGuardedContainsPanic verifies that a fault deep in handle()
// (here, a nil *hotstate.Store dereferenced by processChunk) is recovered
// and logged rather than killing the consumer's pull loop.
func TestHandleGuardedContainsPanic(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := newTestProcessor(zap.New(core))

	job := domain.ChunkJob{
		BatchID:      uuid.New(),
		TenantID:     uuid.New(),
		ChunkIndex:   0,
		RecipientIDs: []uuid.UUID{uuid.New()},
	}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}

	msg := &queue.Msg{Data: data}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("handleGuarded let a panic escape: %v", r)
		}
	}()
	p.handleGuarded(context.Background(), msg)

	found := false
	for _, entry := range logs.All() {
		if entry.Level == zap.ErrorLevel {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the recovered panic to be logged at error level, got entries: %v", logs.All())
	}
}

// TestSafeLogRecoversFromFaultingLogger verifies the last-resort branch:
// even if the logger itself panics, safeLog must not propagate it.
func TestSafeLogRecoversFromFaultingLogger(t *testing.T) {
	p := newTestProcessor(nil)

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("safeLog let a panic escape: %v", r)
		}
	}()
	p.safeLog("test message")
}

// TestRateLimitErrUnwrapsViaErrorsAs verifies that handle() can detect a
// rate-limit timeout through the wrapping processChunk applies, which is
// the prerequisite for NAKing with its retryAfter instead of the generic
// backoff delay.
func TestRateLimitErrUnwrapsViaErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("rate limit timeout on rl:system:bucket: %w", rateLimitErr{retryAfter: 7 * time.Second})

	var rlErr rateLimitErr
	if !errors.As(wrapped, &rlErr) {
		t.Fatal("errors.As() did not unwrap rateLimitErr from the wrapped error")
	}
	if rlErr.retryAfter != 7*time.Second {
		t.Errorf("retryAfter = %v, want 7s", rlErr.retryAfter)
	}
}

// TestFilterUnprocessedDropsAlreadyDoneRecipients verifies that redelivering
// a chunk must skip recipients a prior attempt already recorded a result for.
func TestFilterUnprocessedDropsAlreadyDoneRecipients(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	processed := map[uuid.UUID]*hotstate.RecipientHotState{
		a: {Status: domain.RecipientSent},
	}

	got := filterUnprocessed([]uuid.UUID{a, b, c}, processed)

	want := map[uuid.UUID]bool{b: true, c: true}
	if len(got) != len(want) {
		t.Fatalf("filterUnprocessed() = %v, want 2 ids (b, c)", got)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("filterUnprocessed() unexpectedly kept already-processed id %s", id)
		}
	}
}

// TestFilterUnprocessedIdempotentOnFullReplay verifies that replaying a
// chunk whose recipients are all already processed yields nothing to do.
func TestFilterUnprocessedIdempotentOnFullReplay(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	processed := map[uuid.UUID]*hotstate.RecipientHotState{
		a: {Status: domain.RecipientSent},
		b: {Status: domain.RecipientFailed},
	}

	got := filterUnprocessed([]uuid.UUID{a, b}, processed)
	if len(got) != 0 {
		t.Errorf("filterUnprocessed() = %v, want empty on full replay", got)
	}
}

