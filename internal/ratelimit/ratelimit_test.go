package ratelimit

import (
	"testing"

	"sms-gateway/internal/domain"
)

func ptrInt(i int) *int { return &i }

func TestResolveRatePrefersExplicitOverDeprecatedOverDefault(t *testing.T) {
	cases := []struct {
		name     string
		override domain.RateLimitOverride
		provider string
		want     float64
	}{
		{"explicit wins", domain.RateLimitOverride{RequestsPerSecond: ptrInt(50), PerSecond: ptrInt(5)}, "ses", 50},
		{"deprecated used when no explicit", domain.RateLimitOverride{PerSecond: ptrInt(5)}, "ses", 5},
		{"module default when no override", domain.RateLimitOverride{}, "resend", 100},
		{"fallback default for unknown provider", domain.RateLimitOverride{}, "unknown-provider", 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveRate(tc.override, tc.provider)
			if got != tc.want {
				t.Errorf("ResolveRate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBurstForHasFloor(t *testing.T) {
	if got := BurstFor(1); got != 1000 {
		t.Errorf("expected floor of 1000 for low rate, got %v", got)
	}
	if got := BurstFor(1000); got != 2000 {
		t.Errorf("expected 2x rate above the floor, got %v", got)
	}
}

func TestBuildChainManagedIncludesProviderBucket(t *testing.T) {
	cfg := domain.EmbeddedSendConfig{ID: "cfg-1", Provider: "ses", Managed: true}
	chain := BuildChain(cfg, 1000, 2000)

	if len(chain) != 3 {
		t.Fatalf("expected system+provider+config buckets, got %d", len(chain))
	}
	if chain[0].Key != SystemKey() {
		t.Errorf("expected first bucket to be system key, got %s", chain[0].Key)
	}
	if chain[1].Key != ManagedKey("ses") {
		t.Errorf("expected second bucket to be the managed provider key, got %s", chain[1].Key)
	}
	if chain[2].Key != ConfigKey("cfg-1") {
		t.Errorf("expected last bucket to be the config key, got %s", chain[2].Key)
	}
}

func TestBuildChainBYOKSkipsProviderBucket(t *testing.T) {
	cfg := domain.EmbeddedSendConfig{ID: "cfg-2", Provider: "webhook", Managed: false}
	chain := BuildChain(cfg, 1000, 2000)

	if len(chain) != 2 {
		t.Fatalf("expected system+config buckets only for BYOK, got %d", len(chain))
	}
	if chain[1].Key != ConfigKey("cfg-2") {
		t.Errorf("expected second bucket to be the config key, got %s", chain[1].Key)
	}
}
