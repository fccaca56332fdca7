package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sms-gateway/internal/domain"
	"sms-gateway/internal/httpclient"
)

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// webhookConfig is the decoded shape of SendConfig.Config for the webhook
// module.
type webhookConfig struct {
	URL                string         `json:"url"`
	Method             string         `json:"method"`
	TimeoutMs          int            `json:"timeoutMs"`
	Retries            int            `json:"retries"`
	Headers            map[string]string `json:"headers"`
	SuccessStatusCodes []int          `json:"successStatusCodes"`
	Payload            map[string]any `json:"payload"`
}

func decodeWebhookConfig(cfg map[string]any) (webhookConfig, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return webhookConfig{}, fmt.Errorf("marshal webhook config: %w", err)
	}
	var wc webhookConfig
	if err := json.Unmarshal(raw, &wc); err != nil {
		return webhookConfig{}, fmt.Errorf("decode webhook config: %w", err)
	}
	if wc.Method == "" {
		wc.Method = "POST"
	}
	return wc, nil
}

func successCodeSet(codes []int) map[int]bool {
	if len(codes) == 0 {
		return nil // caller falls back to httpclient's default set
	}
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// WebhookModule drives an arbitrary tenant-supplied HTTP endpoint. Built
// directly on the resilient httpclient.Client, which already owns the
// per-host circuit breaker and retry/backoff this module needs.
type WebhookModule struct {
	http *httpclient.Client
}

func NewWebhookModule(client *httpclient.Client) *WebhookModule {
	return &WebhookModule{http: client}
}

func (m *WebhookModule) Name() string { return "webhook" }

func (m *WebhookModule) ValidateConfig(cfg map[string]any) error {
	wc, err := decodeWebhookConfig(cfg)
	if err != nil {
		return err
	}
	if wc.URL == "" {
		return fmt.Errorf("webhook config: url is required")
	}
	if wc.Method != "POST" && wc.Method != "PUT" {
		return fmt.Errorf("webhook config: method must be POST or PUT")
	}
	if wc.TimeoutMs != 0 && (wc.TimeoutMs < 1000 || wc.TimeoutMs > 60000) {
		return fmt.Errorf("webhook config: timeoutMs must be in [1000, 60000]")
	}
	if wc.Retries < 0 || wc.Retries > 10 {
		return fmt.Errorf("webhook config: retries must be in [0, 10]")
	}
	return nil
}

// webhookPayload only requires a non-empty destination address: unlike SMS/
// email, a webhook recipient's address format is tenant-defined (could be a
// user ID, a phone number, anything the endpoint expects), so no e164/email
// tag applies here.
type webhookPayload struct {
	To      string `validate:"required"`
	Message string `validate:"omitempty"`
}

func (m *WebhookModule) ValidatePayload(payload map[string]any) error {
	p := webhookPayload{To: stringField(payload, "to"), Message: stringField(payload, "message")}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("webhook payload: %w", err)
	}
	return nil
}

func (m *WebhookModule) SupportsBatch() bool { return true }

func (m *WebhookModule) timeout(wc webhookConfig) int {
	if wc.TimeoutMs == 0 {
		return 30000
	}
	return wc.TimeoutMs
}

func (m *WebhookModule) Execute(ctx context.Context, cfg domain.EmbeddedSendConfig, recipient domain.Recipient, defaults map[string]any) SendResult {
	results := m.ExecuteBatch(ctx, cfg, []domain.Recipient{recipient}, defaults)
	if len(results) == 0 {
		errMsg := "webhook: no result returned"
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}
	return results[0]
}

type webhookRecipientPayload struct {
	RecipientID string         `json:"recipientId"`
	Address     string         `json:"address"`
	Variables   map[string]any `json:"variables,omitempty"`
}

type webhookBatchRequest struct {
	Recipients []webhookRecipientPayload `json:"recipients"`
	Payload    map[string]any            `json:"payload,omitempty"`
}

type webhookResultEntry struct {
	RecipientID string `json:"recipientId"`
	Success     bool   `json:"success"`
	MessageID   string `json:"messageId"`
	Error       string `json:"error"`
}

type webhookBatchResponse struct {
	Results []webhookResultEntry `json:"results"`
}

// ExecuteBatch sends one HTTP request carrying every recipient and
// interprets the `{results:[...]}` response: a recipient missing from a
// non-empty results list is treated as failed rather than silently dropped;
// a successful status whose body has no parseable, non-empty results list
// marks every recipient sent; a failed request or open breaker fails all.
func (m *WebhookModule) ExecuteBatch(ctx context.Context, cfg domain.EmbeddedSendConfig, recipients []domain.Recipient, defaults map[string]any) []SendResult {
	wc, err := decodeWebhookConfig(cfg.Config)
	if err != nil {
		return failAll(recipients, err)
	}

	payload := webhookBatchRequest{Payload: wc.Payload}
	for _, r := range recipients {
		vars := make(map[string]any, len(r.Variables))
		for k, v := range r.Variables {
			vars[k] = v
		}
		payload.Recipients = append(payload.Recipients, webhookRecipientPayload{
			RecipientID: r.ID.String(),
			Address:     r.Address,
			Variables:   vars,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failAll(recipients, err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range wc.Headers {
		headers[k] = v
	}

	resp := m.http.Do(ctx, httpclient.Request{
		URL:                wc.URL,
		Method:             wc.Method,
		Headers:            headers,
		Body:               body,
		Timeout:            msToDuration(m.timeout(wc)),
		SuccessStatusCodes: successCodeSet(wc.SuccessStatusCodes),
	})

	if resp.CircuitBreakerTripped {
		return failAll(recipients, fmt.Errorf("webhook circuit breaker open"))
	}
	if !resp.Success {
		return failAll(recipients, fmt.Errorf("webhook request failed: status=%d err=%v", resp.StatusCode, resp.Err))
	}

	// A successful status with no parseable {results:[...]} body means the
	// endpoint doesn't support per-recipient reporting: treat every
	// recipient in the chunk as sent.
	var parsed webhookBatchResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil || len(parsed.Results) == 0 {
		out := make([]SendResult, len(recipients))
		for i, r := range recipients {
			out[i] = SendResult{RecipientID: r.ID.String(), Success: true}
		}
		return out
	}

	byID := make(map[string]webhookResultEntry, len(parsed.Results))
	for _, r := range parsed.Results {
		byID[r.RecipientID] = r
	}

	out := make([]SendResult, len(recipients))
	for i, recipient := range recipients {
		id := recipient.ID.String()
		entry, ok := byID[id]
		if !ok {
			errMsg := "webhook response omitted this recipient"
			out[i] = SendResult{RecipientID: id, Success: false, Error: &errMsg}
			continue
		}
		if entry.Success {
			var msgID *string
			if entry.MessageID != "" {
				msgID = &entry.MessageID
			}
			out[i] = SendResult{RecipientID: id, Success: true, ProviderMessageID: msgID}
		} else {
			errMsg := entry.Error
			out[i] = SendResult{RecipientID: id, Success: false, Error: &errMsg}
		}
	}
	return out
}

func failAll(recipients []domain.Recipient, err error) []SendResult {
	errMsg := err.Error()
	out := make([]SendResult, len(recipients))
	for i, r := range recipients {
		out[i] = SendResult{RecipientID: r.ID.String(), Success: false, Error: &errMsg}
	}
	return out
}
