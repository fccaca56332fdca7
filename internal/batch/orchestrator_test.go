package batch

import (
	"testing"

	"sms-gateway/internal/domain"
)

func intPtr(i int) *int { return &i }

func TestChunkSizeForExplicitOverride(t *testing.T) {
	cfg := domain.EmbeddedSendConfig{Provider: "ses", RateLimit: domain.RateLimitOverride{RecipientsPerRequest: intPtr(7)}}
	if got := chunkSizeFor(cfg); got != 7 {
		t.Errorf("chunkSizeFor() = %d, want explicit override 7", got)
	}
}

func TestChunkSizeForProviderDefault(t *testing.T) {
	cases := map[string]int{"ses": 50, "resend": 100, "telnyx": 1, "webhook": 100}
	for provider, want := range cases {
		cfg := domain.EmbeddedSendConfig{Provider: provider}
		if got := chunkSizeFor(cfg); got != want {
			t.Errorf("chunkSizeFor(%s) = %d, want %d", provider, got, want)
		}
	}
}

func TestChunkSizeForUnknownProviderFallsBackToModule(t *testing.T) {
	cfg := domain.EmbeddedSendConfig{Module: domain.ModuleWebhook}
	if got := chunkSizeFor(cfg); got != 100 {
		t.Errorf("chunkSizeFor() = %d, want 100 default", got)
	}
}

func TestChunkSizeForZeroOverrideIgnored(t *testing.T) {
	cfg := domain.EmbeddedSendConfig{Provider: "ses", RateLimit: domain.RateLimitOverride{RecipientsPerRequest: intPtr(0)}}
	if got := chunkSizeFor(cfg); got != 50 {
		t.Errorf("chunkSizeFor() = %d, want provider default 50 when override is 0", got)
	}
}

func TestDefaultRecoveryDelayCapsAtMax(t *testing.T) {
	rd := DefaultRecoveryDelay()
	d := rd.delay(50)
	if d > rd.Max+rd.Max/4 {
		t.Errorf("delay() = %v, expected capped near max %v", d, rd.Max)
	}
}
