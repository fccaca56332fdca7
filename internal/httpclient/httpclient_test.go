package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(zap.NewNop(), DefaultRetryPolicy())
	resp := c.Do(context.Background(), Request{URL: srv.URL, Method: http.MethodPost})

	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", resp.Attempts)
	}
}

func TestDoRetriesRetryableStatus(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, JitterFactor: 0.1}
	c := New(zap.NewNop(), policy)
	resp := c.Do(context.Background(), Request{URL: srv.URL, Method: http.MethodPost})

	if !resp.Success {
		t.Fatalf("expected eventual success, got %+v", resp)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoDoesNotRetryNonRetryableStatus(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(zap.NewNop(), DefaultRetryPolicy())
	resp := c.Do(context.Background(), Request{URL: srv.URL, Method: http.MethodPost})

	if resp.Success {
		t.Fatal("expected failure on a non-retryable 400")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-retryable status, got %d", attempts)
	}
}

func TestDoTripsBreakerAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(zap.NewNop(), RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	c.breakerThreshold = 2
	c.breakerWindow = time.Minute
	c.breakerReset = time.Hour

	for i := 0; i < 2; i++ {
		resp := c.Do(context.Background(), Request{URL: srv.URL, Method: http.MethodPost})
		if resp.Success {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	resp := c.Do(context.Background(), Request{URL: srv.URL, Method: http.MethodPost})
	if !resp.CircuitBreakerTripped {
		t.Fatalf("expected circuit breaker to trip after threshold failures, got %+v", resp)
	}
}
