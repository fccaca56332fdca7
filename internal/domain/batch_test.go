package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestBatchInvariant(t *testing.T) {
	cases := []struct {
		name string
		b    Batch
		want bool
	}{
		{"under total is fine mid-flight", Batch{TotalRecipients: 10, SentCount: 3, FailedCount: 2, Status: BatchProcessing}, true},
		{"over total is never fine", Batch{TotalRecipients: 10, SentCount: 8, FailedCount: 5, Status: BatchProcessing}, false},
		{"completed must fully account for every recipient", Batch{TotalRecipients: 10, SentCount: 5, FailedCount: 3, Status: BatchCompleted}, false},
		{"completed with full accounting is fine", Batch{TotalRecipients: 10, SentCount: 7, FailedCount: 3, Status: BatchCompleted}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.b.Invariant(); got != tc.want {
				t.Errorf("Invariant() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRecipientStatusTerminal(t *testing.T) {
	terminal := []RecipientStatus{RecipientSent, RecipientFailed, RecipientBounced, RecipientComplained}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []RecipientStatus{RecipientPending, RecipientQueued}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestChunkJobDedupIDStableAcrossRedelivery(t *testing.T) {
	job := ChunkJob{BatchID: uuid.New(), ChunkIndex: 3}

	first := job.DedupID()
	second := job.DedupID()

	if first != second {
		t.Fatalf("expected DedupID to be stable, got %q then %q", first, second)
	}
}

func TestChunkJobDedupIDDiffersByChunkIndex(t *testing.T) {
	batchID := uuid.New()
	a := ChunkJob{BatchID: batchID, ChunkIndex: 0}
	b := ChunkJob{BatchID: batchID, ChunkIndex: 1}

	if a.DedupID() == b.DedupID() {
		t.Fatalf("expected different chunk indices to produce different dedup ids, got %q for both", a.DedupID())
	}
}
