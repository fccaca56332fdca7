package modules

import (
	"testing"

	"github.com/google/uuid"

	"sms-gateway/internal/domain"
)

func TestRenderLayersRecipientOverDefaults(t *testing.T) {
	recipient := domain.Recipient{
		ID:        uuid.New(),
		Name:      "Ada",
		Address:   "ada@example.com",
		Variables: map[string]string{"code": "123456", "greeting": "Hi"},
	}
	defaults := map[string]any{"greeting": "Hello", "product": "Acme"}

	out, err := Render("{{greeting}} {{name}}, your code is {{code}} for {{product}}", defaults, recipient)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	want := "Hi Ada, your code is 123456 for Acme"
	if out != want {
		t.Errorf("Render() = %q, want %q", out, want)
	}
}

func TestRenderMissingVariableIsBlank(t *testing.T) {
	recipient := domain.Recipient{ID: uuid.New(), Name: "Ada"}

	out, err := Render("{{missing}}", nil, recipient)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != "" {
		t.Errorf("Render() = %q, want empty string for unset variable", out)
	}
}
