package modules

import "testing"

func TestTelnyxValidatePayloadAcceptsE164(t *testing.T) {
	m := &TelnyxModule{}
	cases := []string{"+14155552671", "+442071838750", "+861234567890"}
	for _, to := range cases {
		if err := m.ValidatePayload(map[string]any{"to": to}); err != nil {
			t.Errorf("ValidatePayload(%q) error = %v, want nil", to, err)
		}
	}
}

func TestTelnyxValidatePayloadRejectsNonE164(t *testing.T) {
	m := &TelnyxModule{}
	cases := []string{"", "4155552671", "not-a-number", "+1", "14155552671", "+1 415 555 2671"}
	for _, to := range cases {
		if err := m.ValidatePayload(map[string]any{"to": to}); err == nil {
			t.Errorf("ValidatePayload(%q) error = nil, want a validation error", to)
		}
	}
}

func TestTelnyxValidatePayloadRejectsOverlongMessage(t *testing.T) {
	m := &TelnyxModule{}
	long := make([]byte, 1601)
	for i := range long {
		long[i] = 'x'
	}
	err := m.ValidatePayload(map[string]any{"to": "+14155552671", "message": string(long)})
	if err == nil {
		t.Error("ValidatePayload() error = nil, want a validation error for an over-length message")
	}
}

func TestTelnyxValidatePayloadAllowsEmptyMessage(t *testing.T) {
	m := &TelnyxModule{}
	if err := m.ValidatePayload(map[string]any{"to": "+14155552671"}); err != nil {
		t.Errorf("ValidatePayload() error = %v, want nil when message is omitted", err)
	}
}

func TestSESValidatePayloadAcceptsValidEmail(t *testing.T) {
	m := &SESModule{}
	cases := []string{"a@example.com", "first.last+tag@sub.example.co"}
	for _, to := range cases {
		if err := m.ValidatePayload(map[string]any{"to": to}); err != nil {
			t.Errorf("ValidatePayload(%q) error = %v, want nil", to, err)
		}
	}
}

func TestSESValidatePayloadRejectsMalformedEmail(t *testing.T) {
	m := &SESModule{}
	cases := []string{"", "not-an-email", "missing-at.example.com", "@example.com", "user@"}
	for _, to := range cases {
		if err := m.ValidatePayload(map[string]any{"to": to}); err == nil {
			t.Errorf("ValidatePayload(%q) error = nil, want a validation error", to)
		}
	}
}

func TestResendValidatePayloadMirrorsSES(t *testing.T) {
	m := &ResendModule{}
	if err := m.ValidatePayload(map[string]any{"to": "ok@example.com"}); err != nil {
		t.Errorf("ValidatePayload() error = %v, want nil", err)
	}
	if err := m.ValidatePayload(map[string]any{"to": "not-an-email"}); err == nil {
		t.Error("ValidatePayload() error = nil, want a validation error")
	}
}

func TestWebhookValidatePayloadRequiresNonEmptyAddress(t *testing.T) {
	m := &WebhookModule{}
	if err := m.ValidatePayload(map[string]any{"to": "user-42"}); err != nil {
		t.Errorf("ValidatePayload() error = %v, want nil for a non-empty tenant-defined address", err)
	}
	if err := m.ValidatePayload(map[string]any{"to": ""}); err == nil {
		t.Error("ValidatePayload() error = nil, want a validation error for an empty address")
	}
	if err := m.ValidatePayload(map[string]any{}); err == nil {
		t.Error("ValidatePayload() error = nil, want a validation error when `to` is missing entirely")
	}
}

func TestMapProviderEventTypeKnownEvents(t *testing.T) {
	cases := []struct {
		provider, event string
		want            CanonicalEventType
	}{
		{"ses", "Bounce", EventBounced},
		{"ses", "delivery", EventDelivered},
		{"ses", "complaint", EventComplained},
		{"resend", "email.delivered", EventDelivered},
		{"resend", "email.bounced", EventBounced},
		{"resend", "email.complained", EventComplained},
		{"telnyx", "delivered", EventDelivered},
		{"telnyx", "delivery_failed", EventBounced},
		{"TELNYX", "SENT", EventSent},
	}
	for _, c := range cases {
		if got := MapProviderEventType(c.provider, c.event); got != c.want {
			t.Errorf("MapProviderEventType(%q, %q) = %q, want %q", c.provider, c.event, got, c.want)
		}
	}
}

func TestMapProviderEventTypeUnknownFallsBackToCustomAndNeverErrors(t *testing.T) {
	cases := []struct{ provider, event string }{
		{"ses", "some-new-event-type"},
		{"unknown-provider", "anything"},
		{"", ""},
		{"resend", ""},
	}
	for _, c := range cases {
		if got := MapProviderEventType(c.provider, c.event); got != EventCustom {
			t.Errorf("MapProviderEventType(%q, %q) = %q, want %q", c.provider, c.event, got, EventCustom)
		}
	}
}
