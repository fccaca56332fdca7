package modules

import (
	"context"
	"testing"

	"sms-gateway/internal/domain"
)

type fakeModule struct{ name string }

func (f *fakeModule) Name() string                                 { return f.name }
func (f *fakeModule) ValidateConfig(map[string]any) error          { return nil }
func (f *fakeModule) ValidatePayload(map[string]any) error         { return nil }
func (f *fakeModule) SupportsBatch() bool                          { return false }
func (f *fakeModule) Execute(context.Context, domain.EmbeddedSendConfig, domain.Recipient, map[string]any) SendResult {
	return SendResult{}
}
func (f *fakeModule) ExecuteBatch(context.Context, domain.EmbeddedSendConfig, []domain.Recipient, map[string]any) []SendResult {
	return nil
}

func TestRegistryResolvesByModuleAndProvider(t *testing.T) {
	r := NewRegistry()
	ses := &fakeModule{name: "ses"}
	r.RegisterByProvider(domain.ModuleEmail, "ses", ses)

	got, err := r.Resolve(domain.ModuleEmail, "ses")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != ses {
		t.Errorf("Resolve() returned the wrong module")
	}
}

func TestRegistryFallsBackToBareModule(t *testing.T) {
	r := NewRegistry()
	webhook := &fakeModule{name: "webhook"}
	r.Register("webhook", webhook)

	got, err := r.Resolve(domain.ModuleWebhook, "anything")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != webhook {
		t.Errorf("Resolve() should fall back to the bare-module registration")
	}
}

func TestRegistryResolveUnknownFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve(domain.ModuleSMS, "telnyx"); err == nil {
		t.Fatal("expected an error resolving an unregistered module")
	}
}
