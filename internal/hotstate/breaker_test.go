package hotstate

import (
	"testing"
	"time"
)

func TestBreakerClosedAllowsUntilThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("expected closed breaker to allow call %d", i)
		}
		b.RecordFailure()
	}
	if b.GetCircuitState().State != "closed" {
		t.Fatalf("expected still closed below threshold, got %s", b.GetCircuitState().State)
	}

	if !b.Allow() {
		t.Fatal("expected allow on third call before failure trips it")
	}
	b.RecordFailure()

	if b.GetCircuitState().State != "open" {
		t.Fatalf("expected open after reaching threshold, got %s", b.GetCircuitState().State)
	}
}

func TestBreakerOpenBlocksUntilReset(t *testing.T) {
	b := NewBreaker(1, time.Minute, 20*time.Millisecond)

	b.Allow()
	b.RecordFailure()

	if b.Allow() {
		t.Fatal("expected open breaker to block immediately after tripping")
	}

	time.Sleep(25 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected half-open probe to be admitted after reset window")
	}
	if b.Allow() {
		t.Fatal("expected a second concurrent half-open probe to be blocked")
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := NewBreaker(1, time.Minute, 10*time.Millisecond)
	b.Allow()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe to be admitted")
	}
	b.RecordSuccess()

	if b.GetCircuitState().State != "closed" {
		t.Fatalf("expected closed after successful probe, got %s", b.GetCircuitState().State)
	}
	if !b.Allow() {
		t.Fatal("expected closed breaker to allow calls again")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, time.Minute, 10*time.Millisecond)
	b.Allow()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe to be admitted")
	}
	b.RecordFailure()

	if b.GetCircuitState().State != "open" {
		t.Fatalf("expected re-open after failed probe, got %s", b.GetCircuitState().State)
	}
}

func TestBreakerPrunesOldFailuresOutsideWindow(t *testing.T) {
	b := NewBreaker(2, 10*time.Millisecond, time.Minute)

	b.Allow()
	b.RecordFailure()

	time.Sleep(15 * time.Millisecond)

	b.Allow()
	b.RecordFailure()

	if b.GetCircuitState().State != "closed" {
		t.Fatalf("expected failures outside the sliding window to be pruned, got %s", b.GetCircuitState().State)
	}
}
