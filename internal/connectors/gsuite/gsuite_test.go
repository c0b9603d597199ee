package gsuite

import (
	"testing"

	admin "google.golang.org/api/admin/directory/v1"

	"github.com/nexasec/sspm/internal/models"
)

func TestRawFromToken(t *testing.T) {
	tok := &admin.Token{
		ClientId:    "1234.apps.googleusercontent.com",
		DisplayText: "Zapier",
		Scopes:      []string{"https://mail.google.com/", "email"},
		NativeApp:   false,
		Anonymous:   false,
	}

	raw := rawFromToken("alice@corp.example", tok)

	if raw.ExternalID != "1234.apps.googleusercontent.com:alice@corp.example" {
		t.Errorf("external id = %q, want client:user composite", raw.ExternalID)
	}
	if raw.Name != "Zapier" {
		t.Errorf("name = %q", raw.Name)
	}
	if raw.Kind != models.KindIntegration {
		t.Errorf("kind = %s, want integration", raw.Kind)
	}
	if raw.Status != models.AutomationActive {
		t.Errorf("status = %s, want active", raw.Status)
	}
	if len(raw.Permissions) != 2 || raw.Permissions[0] != "https://mail.google.com/" {
		t.Errorf("permissions = %v, want token scopes", raw.Permissions)
	}
	if raw.OwnerEmail != "alice@corp.example" {
		t.Errorf("owner email = %q", raw.OwnerEmail)
	}
	if raw.Google == nil || raw.Google.UserKey != "alice@corp.example" {
		t.Error("expected granting user in platform details")
	}
}

func TestRawFromTokenNameFallsBackToClientID(t *testing.T) {
	tok := &admin.Token{ClientId: "abc.apps.googleusercontent.com"}

	raw := rawFromToken("bob@corp.example", tok)
	if raw.Name != "abc.apps.googleusercontent.com" {
		t.Errorf("name = %q, want client id fallback", raw.Name)
	}
}
