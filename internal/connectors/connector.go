package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexasec/sspm/internal/models"
)

// ErrAuthentication is returned (wrapped) when a connector cannot
// authenticate. It is fatal to a discovery run.
var ErrAuthentication = errors.New("platform authentication failed")

// AuthError wraps a platform authentication failure with context.
type AuthError struct {
	Platform models.Platform
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Platform, e.Reason)
}

func (e *AuthError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrAuthentication
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthentication
}

// Connector is the capability contract each platform implementation
// satisfies. The orchestrator depends only on this interface.
type Connector interface {
	// Platform returns the platform this connector talks to.
	Platform() models.Platform

	// Authenticate verifies the stored credentials against the platform
	// and returns the authenticated identity. Failure is fatal to a run.
	Authenticate(ctx context.Context) (*AccountIdentity, error)

	// DetectAccountMode reports whether the connected account is a
	// personal or a managed (organization) account. Personal accounts
	// disable admin-only enumeration sources.
	DetectAccountMode(ctx context.Context) (*AccountMode, error)

	// Sources returns the independent enumeration sub-sources for this
	// platform. A failure in one source never aborts its siblings.
	Sources() []AutomationSource

	// Close releases any resources held by the connector.
	Close() error
}

// AutomationSource is one independent enumeration step within a
// platform's discovery (scripts vs service accounts vs OAuth grants).
type AutomationSource interface {
	// Name identifies the sub-source in run metadata and errors.
	Name() string

	// AdminOnly marks sources that must be skipped for personal,
	// unmanaged accounts.
	AdminOnly() bool

	// List enumerates the automations visible to this source. The
	// result is finite and may be partial only via a returned error.
	List(ctx context.Context) ([]RawAutomation, error)
}

// AccountIdentity describes the authenticated principal.
type AccountIdentity struct {
	ExternalID  string
	DisplayName string
	Email       string
	TeamID      string
	TeamName    string
	URL         string
}

// AccountMode describes the connected account's management mode.
type AccountMode struct {
	Type           models.AccountType
	Domain         string
	HasAdminAccess bool
}

// RawAutomation is the common intermediate shape every platform's API
// payload is decoded into at the connector boundary. Platform-specific
// fields live in the named sub-structures, not an open-ended bag.
type RawAutomation struct {
	ExternalID         string
	Name               string
	Description        string
	Kind               models.AutomationKind
	Status             models.AutomationStatus
	TriggerType        string
	Actions            []string
	Permissions        []string
	DataAccessPatterns []string
	OwnerID            string
	OwnerEmail         string
	OwnerType          string
	VendorHint         string
	// Content holds script source or an OAuth client descriptor for
	// signature matching; empty when the platform exposes neither.
	Content        string
	ClientID       string
	LastActivityAt *time.Time
	CreatedAt      *time.Time

	Slack  *SlackDetails
	Google *GoogleDetails
	Okta   *OktaDetails
}

// SlackDetails carries chat-suite specific fields.
type SlackDetails struct {
	AppID     string
	BotID     string
	IsAppUser bool
	TeamID    string
}

// GoogleDetails carries productivity-suite specific fields.
type GoogleDetails struct {
	ScriptID    string
	DriveFileID string
	UserKey     string
	NativeApp   bool
	Anonymous   bool
}

// OktaDetails carries identity-provider specific fields.
type OktaDetails struct {
	AppName    string
	SignOnMode string
	Label      string
}
