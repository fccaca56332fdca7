package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"sms-gateway/internal/domain"
	"sms-gateway/internal/httpclient"
)

// emailConfig is the decoded shape of SendConfig.Config for the email module.
type emailConfig struct {
	FromEmail string `json:"fromEmail"`
	FromName  string `json:"fromName"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
	Region    string `json:"region"`
	APIKey    string `json:"apiKey"`
}

func decodeEmailConfig(cfg map[string]any) (emailConfig, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return emailConfig{}, fmt.Errorf("marshal email config: %w", err)
	}
	var ec emailConfig
	if err := json.Unmarshal(raw, &ec); err != nil {
		return emailConfig{}, fmt.Errorf("decode email config: %w", err)
	}
	return ec, nil
}

// SESModule sends mail via AWS SES v2.
//
// Grounded on brokle's pkg/email.SESClient (static or default credential
// chain, Simple message content shape), generalized to build the SES client
// per send-config rather than once at process start, since each tenant's
// send-config may carry its own region/credentials.
type SESModule struct{}

func NewSESModule() *SESModule { return &SESModule{} }

func (m *SESModule) Name() string { return "email:ses" }

func (m *SESModule) ValidateConfig(cfg map[string]any) error {
	ec, err := decodeEmailConfig(cfg)
	if err != nil {
		return err
	}
	if ec.FromEmail == "" {
		return fmt.Errorf("email config: fromEmail is required")
	}
	if ec.Region == "" {
		return fmt.Errorf("email config: region is required for ses")
	}
	return nil
}

// emailPayload is the canonical per-recipient send payload: `to` must be a
// well-formed address; `message` is optional and carries no further check
// (unlike the SMS payload's length bound), since body content usually
// comes from the send-config template.
type emailPayload struct {
	To      string `validate:"required,email"`
	Message string `validate:"omitempty"`
}

func (m *SESModule) ValidatePayload(payload map[string]any) error {
	p := emailPayload{To: stringField(payload, "to"), Message: stringField(payload, "message")}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("email payload: %w", err)
	}
	return nil
}

func (m *SESModule) SupportsBatch() bool { return false }

func (m *SESModule) client(ctx context.Context, ec emailConfig) (*sesv2.Client, error) {
	var opts []func(*awscfg.LoadOptions) error
	opts = append(opts, awscfg.WithRegion(ec.Region))
	if ec.APIKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ec.APIKey, "", ""),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sesv2.NewFromConfig(cfg), nil
}

func (m *SESModule) Execute(ctx context.Context, cfg domain.EmbeddedSendConfig, recipient domain.Recipient, defaults map[string]any) SendResult {
	ec, err := decodeEmailConfig(cfg.Config)
	if err != nil {
		errMsg := err.Error()
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	client, err := m.client(ctx, ec)
	if err != nil {
		errMsg := err.Error()
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	subject, _ := Render(ec.Subject, defaults, recipient)
	html, _ := Render(ec.HTML, defaults, recipient)
	text, _ := Render(ec.Text, defaults, recipient)

	from := ec.FromEmail
	if ec.FromName != "" {
		from = fmt.Sprintf("%s <%s>", ec.FromName, ec.FromEmail)
	}

	content := &sestypes.EmailContent{
		Simple: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body:    &sestypes.Body{},
		},
	}
	if text != "" {
		content.Simple.Body.Text = &sestypes.Content{Data: aws.String(text), Charset: aws.String("UTF-8")}
	}
	if html != "" {
		content.Simple.Body.Html = &sestypes.Content{Data: aws.String(html), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &sestypes.Destination{ToAddresses: []string{recipient.Address}},
		Content:          content,
	}

	out, err := client.SendEmail(ctx, input)
	if err != nil {
		errMsg := fmt.Sprintf("ses send failed: %v", err)
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	var msgID *string
	if out.MessageId != nil {
		msgID = out.MessageId
	}
	return SendResult{RecipientID: recipient.ID.String(), Success: true, ProviderMessageID: msgID}
}

func (m *SESModule) ExecuteBatch(ctx context.Context, cfg domain.EmbeddedSendConfig, recipients []domain.Recipient, defaults map[string]any) []SendResult {
	results := make([]SendResult, len(recipients))
	for i, r := range recipients {
		results[i] = m.Execute(ctx, cfg, r, defaults)
	}
	return results
}

// ResendModule sends mail via the Resend HTTP API. No official Go SDK for
// Resend exists, so this module is a thin net/http client built on the
// shared resilient httpclient.Client — the same way the webhook module
// drives arbitrary HTTP endpoints.
type ResendModule struct {
	http *httpclient.Client
}

func NewResendModule(client *httpclient.Client) *ResendModule {
	return &ResendModule{http: client}
}

func (m *ResendModule) Name() string { return "email:resend" }

func (m *ResendModule) ValidateConfig(cfg map[string]any) error {
	ec, err := decodeEmailConfig(cfg)
	if err != nil {
		return err
	}
	if ec.FromEmail == "" {
		return fmt.Errorf("email config: fromEmail is required")
	}
	if ec.APIKey == "" {
		return fmt.Errorf("email config: apiKey is required for resend")
	}
	return nil
}

func (m *ResendModule) ValidatePayload(payload map[string]any) error {
	p := emailPayload{To: stringField(payload, "to"), Message: stringField(payload, "message")}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("email payload: %w", err)
	}
	return nil
}

func (m *ResendModule) SupportsBatch() bool { return false }

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type resendResponse struct {
	ID string `json:"id"`
}

func (m *ResendModule) Execute(ctx context.Context, cfg domain.EmbeddedSendConfig, recipient domain.Recipient, defaults map[string]any) SendResult {
	ec, err := decodeEmailConfig(cfg.Config)
	if err != nil {
		errMsg := err.Error()
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	subject, _ := Render(ec.Subject, defaults, recipient)
	html, _ := Render(ec.HTML, defaults, recipient)
	text, _ := Render(ec.Text, defaults, recipient)

	from := ec.FromEmail
	if ec.FromName != "" {
		from = fmt.Sprintf("%s <%s>", ec.FromName, ec.FromEmail)
	}

	body, err := json.Marshal(resendRequest{From: from, To: []string{recipient.Address}, Subject: subject, HTML: html, Text: text})
	if err != nil {
		errMsg := err.Error()
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	resp := m.http.Do(ctx, httpclient.Request{
		URL:    "https://api.resend.com/emails",
		Method: "POST",
		Headers: map[string]string{
			"Authorization": "Bearer " + ec.APIKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})

	if resp.CircuitBreakerTripped {
		errMsg := "resend circuit breaker open"
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}
	if !resp.Success {
		errMsg := fmt.Sprintf("resend send failed: status=%d err=%v", resp.StatusCode, resp.Err)
		return SendResult{RecipientID: recipient.ID.String(), Success: false, Error: &errMsg}
	}

	var out resendResponse
	_ = json.Unmarshal(resp.Body, &out)
	var msgID *string
	if out.ID != "" {
		msgID = &out.ID
	}
	return SendResult{RecipientID: recipient.ID.String(), Success: true, ProviderMessageID: msgID}
}

func (m *ResendModule) ExecuteBatch(ctx context.Context, cfg domain.EmbeddedSendConfig, recipients []domain.Recipient, defaults map[string]any) []SendResult {
	results := make([]SendResult, len(recipients))
	for i, r := range recipients {
		results[i] = m.Execute(ctx, cfg, r, defaults)
	}
	return results
}
