// Package gsuite discovers automations in a Google Workspace account:
// Apps Script projects and third-party OAuth token grants.
package gsuite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/script/v1"

	"github.com/nexasec/sspm/internal/connectors"
	"github.com/nexasec/sspm/internal/models"
)

// Config holds workspace connector configuration. Either a credentials
// file or a pre-issued access token must be provided.
type Config struct {
	CredentialsFile string
	AccessToken     string
}

type Connector struct {
	driveSvc  *drive.Service
	scriptSvc *script.Service
	adminSvc  *admin.Service

	email string
}

func New(ctx context.Context, cfg Config) (*Connector, error) {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case cfg.AccessToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})
		opts = append(opts, option.WithTokenSource(ts))
	default:
		return nil, fmt.Errorf("gsuite connector requires credentials")
	}

	driveSvc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive client: %w", err)
	}
	scriptSvc, err := script.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating apps script client: %w", err)
	}
	adminSvc, err := admin.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating directory client: %w", err)
	}

	return &Connector{
		driveSvc:  driveSvc,
		scriptSvc: scriptSvc,
		adminSvc:  adminSvc,
	}, nil
}

func (c *Connector) Platform() models.Platform {
	return models.PlatformGoogleWorkspace
}

func (c *Connector) Authenticate(ctx context.Context) (*connectors.AccountIdentity, error) {
	about, err := c.driveSvc.About.Get().Fields("user").Context(ctx).Do()
	if err != nil {
		return nil, &connectors.AuthError{
			Platform: models.PlatformGoogleWorkspace,
			Reason:   "drive identity lookup rejected",
			Err:      err,
		}
	}
	c.email = about.User.EmailAddress
	return &connectors.AccountIdentity{
		ExternalID:  about.User.PermissionId,
		DisplayName: about.User.DisplayName,
		Email:       about.User.EmailAddress,
	}, nil
}

// DetectAccountMode probes the Admin SDK directory. A consumer account
// (or a member without admin privileges) is rejected by that API, in
// which case discovery proceeds in the restricted personal mode rather
// than failing the run.
func (c *Connector) DetectAccountMode(ctx context.Context) (*connectors.AccountMode, error) {
	domain := ""
	if i := strings.IndexByte(c.email, '@'); i >= 0 {
		domain = c.email[i+1:]
	}

	_, err := c.adminSvc.Users.List().Customer("my_customer").MaxResults(1).Context(ctx).Do()
	if err != nil {
		return &connectors.AccountMode{
			Type:   models.AccountPersonal,
			Domain: domain,
		}, nil
	}
	return &connectors.AccountMode{
		Type:           models.AccountManaged,
		Domain:         domain,
		HasAdminAccess: true,
	}, nil
}

func (c *Connector) Sources() []connectors.AutomationSource {
	return []connectors.AutomationSource{
		&appsScriptSource{driveSvc: c.driveSvc, scriptSvc: c.scriptSvc},
		&oauthTokenSource{adminSvc: c.adminSvc},
	}
}

func (c *Connector) Close() error {
	return nil
}

// appsScriptSource enumerates Apps Script projects visible in Drive and
// pulls their source for signature matching. Works for any account.
type appsScriptSource struct {
	driveSvc  *drive.Service
	scriptSvc *script.Service
}

func (s *appsScriptSource) Name() string    { return "apps-script" }
func (s *appsScriptSource) AdminOnly() bool { return false }

func (s *appsScriptSource) List(ctx context.Context) ([]connectors.RawAutomation, error) {
	var out []connectors.RawAutomation
	pageToken := ""
	for {
		call := s.driveSvc.Files.List().
			Q("mimeType='application/vnd.google-apps.script' and trashed=false").
			Fields("nextPageToken, files(id, name, description, owners, modifiedTime, createdTime)").
			PageSize(100).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("listing script projects: %w", err)
		}

		for _, f := range resp.Files {
			raw, err := s.rawFromFile(ctx, f)
			if err != nil {
				return out, fmt.Errorf("reading script %s: %w", f.Id, err)
			}
			out = append(out, raw)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

func (s *appsScriptSource) rawFromFile(ctx context.Context, f *drive.File) (connectors.RawAutomation, error) {
	var source strings.Builder
	content, err := s.scriptSvc.Projects.GetContent(f.Id).Context(ctx).Do()
	if err == nil {
		for _, sf := range content.Files {
			source.WriteString(sf.Source)
			source.WriteByte('\n')
		}
	}
	// A project whose content is not readable is still reported; only
	// the signature match degrades.

	ownerEmail := ""
	if len(f.Owners) > 0 {
		ownerEmail = f.Owners[0].EmailAddress
	}

	raw := connectors.RawAutomation{
		ExternalID:  f.Id,
		Name:        f.Name,
		Description: f.Description,
		Kind:        models.KindScript,
		Status:      models.AutomationActive,
		Actions:     []string{"script.run"},
		DataAccessPatterns: []string{
			"files:read",
			"files:write",
		},
		OwnerEmail: ownerEmail,
		OwnerType:  "human",
		Content:    source.String(),
		Google: &connectors.GoogleDetails{
			ScriptID:    f.Id,
			DriveFileID: f.Id,
		},
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		raw.LastActivityAt = &t
	}
	if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		raw.CreatedAt = &t
	}
	return raw, nil
}

// oauthTokenSource enumerates third-party OAuth grants across every
// directory user. Requires directory admin access.
type oauthTokenSource struct {
	adminSvc *admin.Service
}

func (s *oauthTokenSource) Name() string    { return "oauth-tokens" }
func (s *oauthTokenSource) AdminOnly() bool { return true }

func (s *oauthTokenSource) List(ctx context.Context) ([]connectors.RawAutomation, error) {
	var out []connectors.RawAutomation
	pageToken := ""
	for {
		call := s.adminSvc.Users.List().Customer("my_customer").MaxResults(200).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("listing directory users: %w", err)
		}

		for _, u := range resp.Users {
			tokens, err := s.adminSvc.Tokens.List(u.PrimaryEmail).Context(ctx).Do()
			if err != nil {
				return out, fmt.Errorf("listing tokens for %s: %w", u.PrimaryEmail, err)
			}
			for _, tok := range tokens.Items {
				out = append(out, rawFromToken(u.PrimaryEmail, tok))
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

func rawFromToken(userEmail string, tok *admin.Token) connectors.RawAutomation {
	name := tok.DisplayText
	if name == "" {
		name = tok.ClientId
	}

	return connectors.RawAutomation{
		// The same client appears once per user it was granted by.
		ExternalID:  tok.ClientId + ":" + userEmail,
		Name:        name,
		Kind:        models.KindIntegration,
		Status:      models.AutomationActive,
		Permissions: tok.Scopes,
		OwnerEmail:  userEmail,
		OwnerType:   "human",
		VendorHint:  tok.DisplayText,
		Content:     tok.DisplayText + " " + tok.ClientId,
		ClientID:    tok.ClientId,
		Google: &connectors.GoogleDetails{
			UserKey:   userEmail,
			NativeApp: tok.NativeApp,
			Anonymous: tok.Anonymous,
		},
	}
}
