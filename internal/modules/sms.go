package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"sms-gateway/internal/domain"
	"sms-gateway/internal/httpclient"
)

// smsConfig is the decoded shape of SendConfig.Config for the SMS module.
type smsConfig struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	APIKey    string `json:"apiKey"`
	MessagingProfileID string `json:"messagingProfileId"`
}

func decodeSMSConfig(cfg map[string]any) (smsConfig, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return smsConfig{}, fmt.Errorf("marshal sms config: %w", err)
	}
	var sc smsConfig
	if err := json.Unmarshal(raw, &sc); err != nil {
		return smsConfig{}, fmt.Errorf("decode sms config: %w", err)
	}
	return sc, nil
}

// TelnyxModule sends SMS via the Telnyx Messaging HTTP API. No Go SDK for
// Telnyx is available, so — same reasoning as the Resend email module —
// this is a thin net/http client on the shared resilient httpclient.Client,
// generalizing messages.CalculateParts' GSM-7/UCS-2 part-counting concern
// into a precondition check before send.
type TelnyxModule struct {
	http *httpclient.Client
}

func NewTelnyxModule(client *httpclient.Client) *TelnyxModule {
	return &TelnyxModule{http: client}
}

func (m *TelnyxModule) Name() string { return "sms:telnyx" }

func (m *TelnyxModule) ValidateConfig(cfg map[string]any) error {
	sc, err := decodeSMSConfig(cfg)
	if err != nil {
		return err
	}
	if sc.From == "" {
		return fmt.Errorf("sms config: from is required")
	}
	if sc.APIKey == "" {
		return fmt.Errorf("sms config: apiKey is required for telnyx")
	}
	return nil
}

// smsPayload is the canonical per-recipient send payload: `to` (E.164) is
// always required; `message` is validated when present, but the actual SMS
// body is usually rendered from the send-config template rather than
// carried per-recipient.
type smsPayload struct {
	To      string `validate:"required,e164"`
	Message string `validate:"omitempty,max=1600"`
}

func (m *TelnyxModule) ValidatePayload(payload map[string]any) error {
	p := smsPayload{To: stringField(payload, "to"), Message: stringField(payload, "message")}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("sms payload: %w", err)
	}
	return nil
}

func (m *TelnyxModule) SupportsBatch() bool { return false }

type telnyxRequest struct {
	From               string `json:"from"`
	To                 string `json:"to"`
	Text               string `json:"text"`
	MessagingProfileID string `json:"messaging_profile_id,omitempty"`
}

type telnyxResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (m *TelnyxModule) Execute(ctx context.Context, cfg domain.EmbeddedSendConfig, recipient domain.Recipient, defaults map[string]any) SendResult {
	sc, err := decodeSMSConfig(cfg.Config)
	if err != nil {
		errMsg := err.Error()
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	text, err := Render(sc.Text, defaults, recipient)
	if err != nil {
		errMsg := fmt.Sprintf("render sms body: %v", err)
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	body, err := json.Marshal(telnyxRequest{From: sc.From, To: recipient.Address, Text: text, MessagingProfileID: sc.MessagingProfileID})
	if err != nil {
		errMsg := err.Error()
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	resp := m.http.Do(ctx, httpclient.Request{
		URL:    "https://api.telnyx.com/v2/messages",
		Method: "POST",
		Headers: map[string]string{
			"Authorization": "Bearer " + sc.APIKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})

	if resp.CircuitBreakerTripped {
		errMsg := "telnyx circuit breaker open"
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}
	if !resp.Success {
		errMsg := fmt.Sprintf("telnyx send failed: status=%d err=%v", resp.StatusCode, resp.Err)
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	var out telnyxResponse
	_ = json.Unmarshal(resp.Body, &out)
	var msgID *string
	if out.Data.ID != "" {
		msgID = &out.Data.ID
	}
	return SendResult{RecipientID: recipient.ID.String(), Success: true, ProviderMessageID: msgID}
}

func (m *TelnyxModule) ExecuteBatch(ctx context.Context, cfg domain.EmbeddedSendConfig, recipients []domain.Recipient, defaults map[string]any) []SendResult {
	results := make([]SendResult, len(recipients))
	for i, r := range recipients {
		results[i] = m.Execute(ctx, cfg, r, defaults)
	}
	return results
}
