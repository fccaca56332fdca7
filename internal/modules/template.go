package modules

import (
	"github.com/cbroglie/mustache"

	"sms-gateway/internal/domain"
)

// Render substitutes {{variable}} placeholders in template using the
// recipient's own variables layered over the batch's payload defaults.
//
// Grounded on brokle's mustache_compiler.go (ParseString + Render), scoped
// down from a full dialect-compiler abstraction to the single substitution
// call send payload rendering needs.
func Render(template string, defaults map[string]any, recipient domain.Recipient) (string, error) {
	vars := mergeVariables(defaults, recipient)
	tmpl, err := mustache.ParseString(template)
	if err != nil {
		return "", err
	}
	return tmpl.Render(vars)
}
