// Package modules implements the module registry: pluggable delivery
// drivers for email, SMS and webhook send-configs, each responsible for
// config/payload validation and for executing one recipient or a batch of
// recipients against its provider.
//
// Grounded on internal/providers/mock.Provider's single-message send
// contract, generalized to a registry of tagged-variant modules composed
// behind a small interface (see httpclient.Client, which every HTTP-based
// module shares for outbound calls).
package modules

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"sms-gateway/internal/domain"
)

// validate is shared across modules for payload/config field validation
// (e.g. the "e164" and "email" tags used by ValidatePayload below).
var validate = validator.New()

// stringField reads a string value out of a loosely-typed payload map,
// returning "" for a missing or non-string key.
func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// SendResult is the per-recipient outcome of Execute/ExecuteBatch.
type SendResult struct {
	RecipientID       string
	Success           bool
	ProviderMessageID *string
	Error             *string
}

// Module is the contract every delivery driver implements.
type Module interface {
	Name() string
	ValidateConfig(cfg map[string]any) error
	ValidatePayload(payload map[string]any) error
	SupportsBatch() bool
	// Execute sends to a single recipient.
	Execute(ctx context.Context, cfg domain.EmbeddedSendConfig, recipient domain.Recipient, payloadDefaults map[string]any) SendResult
	// ExecuteBatch sends to many recipients in one provider call; only
	// called when SupportsBatch reports true.
	ExecuteBatch(ctx context.Context, cfg domain.EmbeddedSendConfig, recipients []domain.Recipient, payloadDefaults map[string]any) []SendResult
}

// Registry resolves a ModuleKind + provider name to a Module implementation.
type Registry struct {
	modules map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

func (r *Registry) Register(key string, m Module) {
	r.modules[key] = m
}

// RegisterByProvider registers m under the (module, provider) pair's
// canonical key, e.g. RegisterByProvider(domain.ModuleEmail, "ses", ...).
func (r *Registry) RegisterByProvider(module domain.ModuleKind, provider string, m Module) {
	r.modules[key(module, provider)] = m
}

// key combines module kind and provider, e.g. "email:ses", "sms:telnyx",
// "webhook" (webhook has no named provider, so the key is the bare module).
func key(module domain.ModuleKind, provider string) string {
	if provider == "" {
		return string(module)
	}
	return fmt.Sprintf("%s:%s", module, provider)
}

func (r *Registry) Resolve(module domain.ModuleKind, provider string) (Module, error) {
	if m, ok := r.modules[key(module, provider)]; ok {
		return m, nil
	}
	if m, ok := r.modules[string(module)]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no module registered for %s/%s", module, provider)
}

// mergeVariables layers recipient variables over payload defaults for the
// {{var}} substitution templates do against a recipient.
func mergeVariables(defaults map[string]any, recipient domain.Recipient) map[string]any {
	merged := make(map[string]any, len(defaults)+len(recipient.Variables)+1)
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range recipient.Variables {
		merged[k] = v
	}
	merged["name"] = recipient.Name
	merged["address"] = recipient.Address
	return merged
}
