// Package okta discovers automations in an identity provider org:
// integrated applications and non-human service users.
package okta

import (
	"context"
	"fmt"
	"strings"

	"github.com/okta/okta-sdk-golang/v2/okta"
	"github.com/okta/okta-sdk-golang/v2/okta/query"

	"github.com/nexasec/sspm/internal/connectors"
	"github.com/nexasec/sspm/internal/models"
)

type Config struct {
	OrgURL   string
	APIToken string
}

type Connector struct {
	client *okta.Client
	orgURL string
}

func New(ctx context.Context, cfg Config) (*Connector, error) {
	if cfg.OrgURL == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("okta connector requires org url and api token")
	}
	_, client, err := okta.NewClient(ctx,
		okta.WithOrgUrl(cfg.OrgURL),
		okta.WithToken(cfg.APIToken),
	)
	if err != nil {
		return nil, fmt.Errorf("creating okta client: %w", err)
	}
	return &Connector{client: client, orgURL: cfg.OrgURL}, nil
}

func (c *Connector) Platform() models.Platform {
	return models.PlatformOkta
}

func (c *Connector) Authenticate(ctx context.Context) (*connectors.AccountIdentity, error) {
	me, _, err := c.client.User.GetUser(ctx, "me")
	if err != nil {
		return nil, &connectors.AuthError{
			Platform: models.PlatformOkta,
			Reason:   "token rejected by identity api",
			Err:      err,
		}
	}
	return &connectors.AccountIdentity{
		ExternalID:  me.Id,
		DisplayName: profileString(me, "displayName"),
		Email:       profileString(me, "email"),
		URL:         c.orgURL,
	}, nil
}

// DetectAccountMode treats the org as managed by definition; an
// identity provider has no personal tier. Admin access is probed with a
// single-item application listing, which non-admin tokens cannot call.
func (c *Connector) DetectAccountMode(ctx context.Context) (*connectors.AccountMode, error) {
	domain := strings.TrimPrefix(strings.TrimPrefix(c.orgURL, "https://"), "http://")
	mode := &connectors.AccountMode{
		Type:   models.AccountManaged,
		Domain: domain,
	}
	_, _, err := c.client.Application.ListApplications(ctx, query.NewQueryParams(query.WithLimit(1)))
	mode.HasAdminAccess = err == nil
	return mode, nil
}

func (c *Connector) Sources() []connectors.AutomationSource {
	return []connectors.AutomationSource{
		&applicationsSource{client: c.client},
		&serviceUsersSource{client: c.client},
	}
}

func (c *Connector) Close() error {
	return nil
}

// applicationsSource enumerates the applications integrated with the
// org, each representing a third-party integration with delegated
// access to the directory.
type applicationsSource struct {
	client *okta.Client
}

func (s *applicationsSource) Name() string    { return "applications" }
func (s *applicationsSource) AdminOnly() bool { return true }

func (s *applicationsSource) List(ctx context.Context) ([]connectors.RawAutomation, error) {
	apps, resp, err := s.client.Application.ListApplications(ctx, query.NewQueryParams(query.WithLimit(200)))
	if err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}

	var out []connectors.RawAutomation
	for {
		for _, a := range apps {
			app, ok := a.(*okta.Application)
			if !ok {
				continue
			}
			out = append(out, rawFromApplication(app))
		}
		if resp == nil || !resp.HasNextPage() {
			return out, nil
		}
		apps = nil
		resp, err = resp.Next(ctx, &apps)
		if err != nil {
			return out, fmt.Errorf("paging applications: %w", err)
		}
	}
}

func rawFromApplication(app *okta.Application) connectors.RawAutomation {
	status := models.AutomationActive
	if app.Status != "ACTIVE" {
		status = models.AutomationInactive
	}

	clientID := ""
	if app.Credentials != nil && app.Credentials.OauthClient != nil {
		clientID = app.Credentials.OauthClient.ClientId
	}

	raw := connectors.RawAutomation{
		ExternalID:  app.Id,
		Name:        app.Label,
		Kind:        models.KindIntegration,
		Status:      status,
		OwnerType:   "application",
		VendorHint:  app.Name,
		Content:     app.Label + " " + app.Name + " " + clientID,
		ClientID:    clientID,
		DataAccessPatterns: []string{
			"identity:read",
		},
		Okta: &connectors.OktaDetails{
			AppName:    app.Name,
			SignOnMode: app.SignOnMode,
			Label:      app.Label,
		},
	}
	if app.LastUpdated != nil {
		t := *app.LastUpdated
		raw.LastActivityAt = &t
	}
	if app.Created != nil {
		t := *app.Created
		raw.CreatedAt = &t
	}
	return raw
}

// serviceUsersSource enumerates directory users that look like shared
// automation principals rather than people. The platform has no
// dedicated service-account object, so detection is heuristic on the
// login and display name.
type serviceUsersSource struct {
	client *okta.Client
}

func (s *serviceUsersSource) Name() string    { return "service-users" }
func (s *serviceUsersSource) AdminOnly() bool { return true }

var serviceLoginMarkers = []string{"svc", "service", "bot", "automation", "noreply", "no-reply"}

func (s *serviceUsersSource) List(ctx context.Context) ([]connectors.RawAutomation, error) {
	users, resp, err := s.client.User.ListUsers(ctx, query.NewQueryParams(query.WithLimit(200)))
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	var out []connectors.RawAutomation
	for {
		for _, u := range users {
			if !looksLikeServiceUser(u) {
				continue
			}
			out = append(out, rawFromUser(u))
		}
		if resp == nil || !resp.HasNextPage() {
			return out, nil
		}
		users = nil
		resp, err = resp.Next(ctx, &users)
		if err != nil {
			return out, fmt.Errorf("paging users: %w", err)
		}
	}
}

func looksLikeServiceUser(u *okta.User) bool {
	login := strings.ToLower(profileString(u, "login"))
	display := strings.ToLower(profileString(u, "displayName"))
	for _, marker := range serviceLoginMarkers {
		if strings.Contains(login, marker) || strings.Contains(display, marker) {
			return true
		}
	}
	return false
}

func rawFromUser(u *okta.User) connectors.RawAutomation {
	status := models.AutomationActive
	switch u.Status {
	case "SUSPENDED", "DEPROVISIONED":
		status = models.AutomationRevoked
	case "LOCKED_OUT":
		status = models.AutomationInactive
	}

	login := profileString(u, "login")
	name := profileString(u, "displayName")
	if name == "" {
		name = login
	}

	raw := connectors.RawAutomation{
		ExternalID: u.Id,
		Name:       name,
		Kind:       models.KindServiceAccount,
		Status:     status,
		OwnerID:    u.Id,
		OwnerEmail: profileString(u, "email"),
		OwnerType:  "service_account",
		Content:    name + " " + login,
		DataAccessPatterns: []string{
			"identity:read",
		},
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		raw.LastActivityAt = &t
	}
	if u.Created != nil {
		t := *u.Created
		raw.CreatedAt = &t
	}
	return raw
}

func profileString(u *okta.User, key string) string {
	if u.Profile == nil {
		return ""
	}
	if v, ok := (*u.Profile)[key].(string); ok {
		return v
	}
	return ""
}
