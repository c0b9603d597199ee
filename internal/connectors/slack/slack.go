// Package slack discovers automations in a chat workspace: bot users
// and installed app integrations.
package slack

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/nexasec/sspm/internal/connectors"
	"github.com/nexasec/sspm/internal/models"
)

type Config struct {
	// Token is a bot or user token with users:read and team:read.
	Token string
}

type Connector struct {
	api    *slack.Client
	teamID string
}

func New(cfg Config) (*Connector, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("slack connector requires a token")
	}
	return &Connector{api: slack.New(cfg.Token)}, nil
}

func (c *Connector) Platform() models.Platform {
	return models.PlatformSlack
}

func (c *Connector) Authenticate(ctx context.Context) (*connectors.AccountIdentity, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return nil, &connectors.AuthError{
			Platform: models.PlatformSlack,
			Reason:   "auth test rejected",
			Err:      err,
		}
	}
	c.teamID = resp.TeamID
	return &connectors.AccountIdentity{
		ExternalID:  resp.UserID,
		DisplayName: resp.User,
		TeamID:      resp.TeamID,
		TeamName:    resp.Team,
		URL:         resp.URL,
	}, nil
}

func (c *Connector) DetectAccountMode(ctx context.Context) (*connectors.AccountMode, error) {
	team, err := c.api.GetTeamInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting team info: %w", err)
	}

	// A workspace is a managed org; admin visibility depends on the
	// authenticated user.
	mode := &connectors.AccountMode{
		Type:   models.AccountManaged,
		Domain: team.Domain,
	}

	users, err := c.api.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users for admin check: %w", err)
	}
	self, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving own identity: %w", err)
	}
	for _, u := range users {
		if u.ID == self.UserID {
			mode.HasAdminAccess = u.IsAdmin || u.IsOwner
			break
		}
	}
	return mode, nil
}

func (c *Connector) Sources() []connectors.AutomationSource {
	return []connectors.AutomationSource{
		&botUsersSource{api: c.api, teamID: c.teamID},
		&appUsersSource{api: c.api, teamID: c.teamID},
	}
}

func (c *Connector) Close() error {
	return nil
}

// botUsersSource enumerates bot users: workspace members carrying the
// is_bot flag, each backing an installed bot integration.
type botUsersSource struct {
	api    *slack.Client
	teamID string
}

func (s *botUsersSource) Name() string    { return "bot-users" }
func (s *botUsersSource) AdminOnly() bool { return false }

func (s *botUsersSource) List(ctx context.Context) ([]connectors.RawAutomation, error) {
	users, err := s.api.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing workspace users: %w", err)
	}

	var out []connectors.RawAutomation
	for _, u := range users {
		if !u.IsBot || u.Deleted {
			continue
		}
		out = append(out, rawFromUser(u, models.KindBot, s.teamID))
	}
	return out, nil
}

// appUsersSource enumerates app-backed accounts: members installed on
// behalf of third-party applications rather than people.
type appUsersSource struct {
	api    *slack.Client
	teamID string
}

func (s *appUsersSource) Name() string    { return "app-integrations" }
func (s *appUsersSource) AdminOnly() bool { return false }

func (s *appUsersSource) List(ctx context.Context) ([]connectors.RawAutomation, error) {
	users, err := s.api.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing workspace users: %w", err)
	}

	var out []connectors.RawAutomation
	for _, u := range users {
		if !u.IsAppUser || u.Deleted {
			continue
		}
		out = append(out, rawFromUser(u, models.KindIntegration, s.teamID))
	}
	return out, nil
}

func rawFromUser(u slack.User, kind models.AutomationKind, teamID string) connectors.RawAutomation {
	status := models.AutomationActive
	if u.Deleted {
		status = models.AutomationRevoked
	}

	name := u.RealName
	if name == "" {
		name = u.Name
	}

	var lastActivity *time.Time
	if updated := u.Updated.Time(); !updated.IsZero() {
		t := updated
		lastActivity = &t
	}

	return connectors.RawAutomation{
		ExternalID:  u.ID,
		Name:        name,
		Description: u.Profile.Title,
		Kind:        kind,
		Status:      status,
		Actions:     []string{"chat.postMessage"},
		DataAccessPatterns: []string{
			"messages:read",
			"messages:write",
		},
		OwnerID:    u.ID,
		OwnerType:  "application",
		VendorHint: name,
		// The display name and app id are the only descriptor the chat
		// platform exposes for fingerprinting.
		Content:        name + " " + u.Profile.Title,
		LastActivityAt: lastActivity,
		Slack: &connectors.SlackDetails{
			AppID:     u.Profile.ApiAppID,
			BotID:     u.Profile.BotID,
			IsAppUser: u.IsAppUser,
			TeamID:    teamID,
		},
	}
}
