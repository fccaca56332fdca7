package modules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/domain"
	"sms-gateway/internal/httpclient"
)

func newWebhookModule() *WebhookModule {
	policy := httpclient.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0.1}
	return NewWebhookModule(httpclient.New(zap.NewNop(), policy))
}

func TestWebhookValidateConfigRequiresURL(t *testing.T) {
	m := newWebhookModule()
	if err := m.ValidateConfig(map[string]any{"method": "POST"}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestWebhookValidateConfigRejectsBadMethod(t *testing.T) {
	m := newWebhookModule()
	err := m.ValidateConfig(map[string]any{"url": "https://example.com", "method": "GET"})
	if err == nil {
		t.Fatal("expected error for unsupported method")
	}
}

func TestWebhookExecuteBatchHonorsPerRecipientResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req webhookBatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		resp := webhookBatchResponse{}
		for i, rec := range req.Recipients {
			if i == 0 {
				resp.Results = append(resp.Results, webhookResultEntry{RecipientID: rec.RecipientID, Success: true, MessageID: "msg-1"})
			}
			// second recipient intentionally omitted from the response
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	m := newWebhookModule()
	cfg := domain.EmbeddedSendConfig{Config: map[string]any{"url": srv.URL, "method": "POST"}}
	recipients := []domain.Recipient{
		{ID: uuid.New(), Address: "a@example.com"},
		{ID: uuid.New(), Address: "b@example.com"},
	}

	results := m.ExecuteBatch(context.Background(), cfg, recipients, nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Success {
		t.Errorf("expected first recipient (named in response) to succeed: %+v", results[0])
	}
	if results[1].Success {
		t.Errorf("expected second recipient (omitted from response) to fail: %+v", results[1])
	}
}

func TestWebhookExecuteBatchUnparseableResponseMeansSuccessForAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := newWebhookModule()
	cfg := domain.EmbeddedSendConfig{Config: map[string]any{"url": srv.URL, "method": "POST"}}
	recipients := []domain.Recipient{{ID: uuid.New()}, {ID: uuid.New()}}

	results := m.ExecuteBatch(context.Background(), cfg, recipients, nil)
	for i, r := range results {
		if !r.Success {
			t.Errorf("recipient %d: expected success when endpoint has no structured per-recipient body, got %+v", i, r)
		}
	}
}

func TestWebhookExecuteBatchFailsAllOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newWebhookModule()
	cfg := domain.EmbeddedSendConfig{Config: map[string]any{"url": srv.URL, "method": "POST", "retries": 0}}
	recipients := []domain.Recipient{{ID: uuid.New()}}

	results := m.ExecuteBatch(context.Background(), cfg, recipients, nil)
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected failure for all recipients on persistent 5xx, got %+v", results)
	}
}
