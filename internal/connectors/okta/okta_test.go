package okta

import (
	"testing"
	"time"

	"github.com/okta/okta-sdk-golang/v2/okta"

	"github.com/nexasec/sspm/internal/models"
)

func userWithProfile(status string, profile map[string]interface{}) *okta.User {
	p := okta.UserProfile(profile)
	return &okta.User{Status: status, Profile: &p}
}

func TestLooksLikeServiceUser(t *testing.T) {
	tests := []struct {
		name    string
		login   string
		display string
		want    bool
	}{
		{"svc prefix", "svc-backup@corp.example", "", true},
		{"bot in display name", "jenkins@corp.example", "Jenkins Bot", true},
		{"noreply sender", "noreply@corp.example", "", true},
		{"automation account", "deploy-automation@corp.example", "", true},
		{"regular human", "alice@corp.example", "Alice Moreau", false},
		{"empty profile", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := userWithProfile("ACTIVE", map[string]interface{}{
				"login":       tt.login,
				"displayName": tt.display,
			})
			if got := looksLikeServiceUser(u); got != tt.want {
				t.Errorf("looksLikeServiceUser(%q, %q) = %v, want %v", tt.login, tt.display, got, tt.want)
			}
		})
	}
}

func TestRawFromUserStatusMapping(t *testing.T) {
	tests := []struct {
		status string
		want   models.AutomationStatus
	}{
		{"ACTIVE", models.AutomationActive},
		{"SUSPENDED", models.AutomationRevoked},
		{"DEPROVISIONED", models.AutomationRevoked},
		{"LOCKED_OUT", models.AutomationInactive},
		{"STAGED", models.AutomationActive},
	}

	for _, tt := range tests {
		u := userWithProfile(tt.status, map[string]interface{}{"login": "svc@corp.example"})
		raw := rawFromUser(u)
		if raw.Status != tt.want {
			t.Errorf("status %s mapped to %s, want %s", tt.status, raw.Status, tt.want)
		}
		if raw.Kind != models.KindServiceAccount {
			t.Errorf("kind = %s, want service_account", raw.Kind)
		}
	}
}

func TestRawFromUserNameFallsBackToLogin(t *testing.T) {
	u := userWithProfile("ACTIVE", map[string]interface{}{
		"login": "svc-etl@corp.example",
		"email": "svc-etl@corp.example",
	})
	lastLogin := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	u.Id = "00u1"
	u.LastLogin = &lastLogin

	raw := rawFromUser(u)
	if raw.Name != "svc-etl@corp.example" {
		t.Errorf("name = %q, want login fallback", raw.Name)
	}
	if raw.OwnerEmail != "svc-etl@corp.example" {
		t.Errorf("owner email = %q", raw.OwnerEmail)
	}
	if raw.LastActivityAt == nil || !raw.LastActivityAt.Equal(lastLogin) {
		t.Errorf("last activity = %v, want %v", raw.LastActivityAt, lastLogin)
	}
}

func TestRawFromApplication(t *testing.T) {
	updated := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	app := &okta.Application{
		Id:         "0oa9",
		Name:       "pagerduty",
		Label:      "PagerDuty",
		Status:     "ACTIVE",
		SignOnMode: "SAML_2_0",
		Credentials: &okta.ApplicationCredentials{
			OauthClient: &okta.ApplicationCredentialsOAuthClient{ClientId: "client-123"},
		},
		LastUpdated: &updated,
	}

	raw := rawFromApplication(app)
	if raw.Status != models.AutomationActive {
		t.Errorf("status = %s, want active", raw.Status)
	}
	if raw.Kind != models.KindIntegration {
		t.Errorf("kind = %s, want integration", raw.Kind)
	}
	if raw.VendorHint != "pagerduty" {
		t.Errorf("vendor hint = %q", raw.VendorHint)
	}
	if raw.ClientID != "client-123" {
		t.Errorf("client id = %q", raw.ClientID)
	}
	if raw.Okta == nil || raw.Okta.SignOnMode != "SAML_2_0" {
		t.Error("expected sign-on mode in platform details")
	}
	if raw.LastActivityAt == nil || !raw.LastActivityAt.Equal(updated) {
		t.Errorf("last activity = %v", raw.LastActivityAt)
	}

	app.Status = "INACTIVE"
	if got := rawFromApplication(app); got.Status != models.AutomationInactive {
		t.Errorf("inactive app mapped to %s", got.Status)
	}
}

func TestProfileStringMissingProfile(t *testing.T) {
	if got := profileString(&okta.User{}, "login"); got != "" {
		t.Errorf("profileString on nil profile = %q, want empty", got)
	}

	u := userWithProfile("ACTIVE", map[string]interface{}{"login": 42})
	if got := profileString(u, "login"); got != "" {
		t.Errorf("profileString on non-string value = %q, want empty", got)
	}
}
