package slack

import (
	"testing"

	"github.com/slack-go/slack"

	"github.com/nexasec/sspm/internal/models"
)

func TestRawFromUser(t *testing.T) {
	u := slack.User{
		ID:        "U123",
		Name:      "deploybot",
		RealName:  "Deploy Bot",
		IsAppUser: true,
		Updated:   slack.JSONTime(1740000000),
		Profile: slack.UserProfile{
			Title:    "CI/CD notifications",
			ApiAppID: "A456",
			BotID:    "B789",
		},
	}

	raw := rawFromUser(u, models.KindBot, "T001")

	if raw.ExternalID != "U123" {
		t.Errorf("external id = %q", raw.ExternalID)
	}
	if raw.Name != "Deploy Bot" {
		t.Errorf("name = %q, want real name", raw.Name)
	}
	if raw.Kind != models.KindBot {
		t.Errorf("kind = %s, want bot", raw.Kind)
	}
	if raw.Status != models.AutomationActive {
		t.Errorf("status = %s, want active", raw.Status)
	}
	if raw.LastActivityAt == nil {
		t.Error("expected last activity from updated timestamp")
	}
	if raw.Slack == nil {
		t.Fatal("expected platform details")
	}
	if raw.Slack.AppID != "A456" || raw.Slack.BotID != "B789" || raw.Slack.TeamID != "T001" {
		t.Errorf("platform details = %+v", raw.Slack)
	}
	if !raw.Slack.IsAppUser {
		t.Error("expected app user flag")
	}
}

func TestRawFromUserDeleted(t *testing.T) {
	u := slack.User{ID: "U999", Name: "old-bot", Deleted: true}

	raw := rawFromUser(u, models.KindBot, "T001")
	if raw.Status != models.AutomationRevoked {
		t.Errorf("status = %s, want revoked", raw.Status)
	}
	if raw.Name != "old-bot" {
		t.Errorf("name = %q, want handle fallback", raw.Name)
	}
	if raw.LastActivityAt != nil {
		t.Error("expected nil last activity without updated timestamp")
	}
}
