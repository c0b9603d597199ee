// Package scopes is the static scope enrichment library: a read-only
// reference table mapping platform permission identifiers to risk
// weight, sensitivity tags and regulatory notes. Pure lookup, no
// mutable state.
package scopes

import (
	"strings"

	"github.com/nexasec/sspm/internal/models"
)

// catalog is keyed by the exact scope identifier as the platform
// reports it. Lookups normalize case and surrounding whitespace only.
var catalog = map[string]models.OAuthScopeMetadata{
	"https://mail.google.com/": {
		Scope:           "https://mail.google.com/",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       95,
		RiskLevel:       models.RiskCritical,
		Description:     "Full read, send and delete access to the entire mailbox",
		SensitivityTags: models.StringArray{"email", "pii", "communications"},
		AbuseScenarios:  models.StringArray{"mailbox exfiltration", "impersonated outbound mail", "silent forwarding rules"},
		Alternative:     "https://www.googleapis.com/auth/gmail.send",
		RegulatoryNotes: models.StringArray{"GDPR personal data", "SOC2 confidentiality"},
	},
	"https://www.googleapis.com/auth/gmail.modify": {
		Scope:           "https://www.googleapis.com/auth/gmail.modify",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       85,
		RiskLevel:       models.RiskCritical,
		Description:     "Read and modify all mailbox content and labels",
		SensitivityTags: models.StringArray{"email", "pii"},
		AbuseScenarios:  models.StringArray{"mailbox exfiltration", "evidence tampering"},
		Alternative:     "https://www.googleapis.com/auth/gmail.labels",
		RegulatoryNotes: models.StringArray{"GDPR personal data"},
	},
	"https://www.googleapis.com/auth/gmail.readonly": {
		Scope:           "https://www.googleapis.com/auth/gmail.readonly",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       70,
		RiskLevel:       models.RiskHigh,
		Description:     "Read all mailbox content",
		SensitivityTags: models.StringArray{"email", "pii"},
		AbuseScenarios:  models.StringArray{"mailbox exfiltration"},
		Alternative:     "https://www.googleapis.com/auth/gmail.metadata",
		RegulatoryNotes: models.StringArray{"GDPR personal data"},
	},
	"https://www.googleapis.com/auth/drive": {
		Scope:           "https://www.googleapis.com/auth/drive",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       85,
		RiskLevel:       models.RiskCritical,
		Description:     "Full access to all files in the account's file store",
		SensitivityTags: models.StringArray{"documents", "pii", "intellectual-property"},
		AbuseScenarios:  models.StringArray{"bulk document exfiltration", "external sharing of internal files"},
		Alternative:     "https://www.googleapis.com/auth/drive.file",
		RegulatoryNotes: models.StringArray{"GDPR personal data", "SOC2 confidentiality"},
	},
	"https://www.googleapis.com/auth/drive.readonly": {
		Scope:           "https://www.googleapis.com/auth/drive.readonly",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       70,
		RiskLevel:       models.RiskHigh,
		Description:     "Read access to all files in the account's file store",
		SensitivityTags: models.StringArray{"documents", "pii"},
		AbuseScenarios:  models.StringArray{"bulk document exfiltration"},
		Alternative:     "https://www.googleapis.com/auth/drive.file",
		RegulatoryNotes: models.StringArray{"GDPR personal data"},
	},
	"https://www.googleapis.com/auth/drive.file": {
		Scope:           "https://www.googleapis.com/auth/drive.file",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       30,
		RiskLevel:       models.RiskMedium,
		Description:     "Access only to files the app created or was granted",
		SensitivityTags: models.StringArray{"documents"},
		AbuseScenarios:  models.StringArray{"scoped file tampering"},
	},
	"https://www.googleapis.com/auth/spreadsheets": {
		Scope:           "https://www.googleapis.com/auth/spreadsheets",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       50,
		RiskLevel:       models.RiskMedium,
		Description:     "Read and write all spreadsheets",
		SensitivityTags: models.StringArray{"documents", "financial"},
		AbuseScenarios:  models.StringArray{"tabular data exfiltration"},
		Alternative:     "https://www.googleapis.com/auth/spreadsheets.readonly",
	},
	"https://www.googleapis.com/auth/admin.directory.user": {
		Scope:           "https://www.googleapis.com/auth/admin.directory.user",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       95,
		RiskLevel:       models.RiskCritical,
		Description:     "Create, modify and delete any user in the directory",
		SensitivityTags: models.StringArray{"directory", "identity", "admin"},
		AbuseScenarios:  models.StringArray{"rogue account creation", "privilege escalation", "account takeover"},
		Alternative:     "https://www.googleapis.com/auth/admin.directory.user.readonly",
		RegulatoryNotes: models.StringArray{"SOC2 access control", "SOX user provisioning"},
	},
	"https://www.googleapis.com/auth/admin.directory.group": {
		Scope:           "https://www.googleapis.com/auth/admin.directory.group",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       85,
		RiskLevel:       models.RiskCritical,
		Description:     "Manage directory groups and memberships",
		SensitivityTags: models.StringArray{"directory", "admin"},
		AbuseScenarios:  models.StringArray{"privilege escalation via group membership"},
		RegulatoryNotes: models.StringArray{"SOC2 access control"},
	},
	"https://www.googleapis.com/auth/script.projects": {
		Scope:           "https://www.googleapis.com/auth/script.projects",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       60,
		RiskLevel:       models.RiskHigh,
		Description:     "Create and modify script projects",
		SensitivityTags: models.StringArray{"automation", "code"},
		AbuseScenarios:  models.StringArray{"persistent backdoor via scheduled script"},
	},
	"email": {
		Scope:           "email",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       5,
		RiskLevel:       models.RiskLow,
		Description:     "View the account's primary email address",
		SensitivityTags: models.StringArray{"identity"},
	},
	"profile": {
		Scope:           "profile",
		Platform:        models.PlatformGoogleWorkspace,
		RiskScore:       5,
		RiskLevel:       models.RiskLow,
		Description:     "View basic profile information",
		SensitivityTags: models.StringArray{"identity"},
	},
	"openid": {
		Scope:       "openid",
		Platform:    models.PlatformGoogleWorkspace,
		RiskScore:   5,
		RiskLevel:   models.RiskLow,
		Description: "Authenticate with OpenID Connect",
	},

	"channels:history": {
		Scope:           "channels:history",
		Platform:        models.PlatformSlack,
		RiskScore:       60,
		RiskLevel:       models.RiskHigh,
		Description:     "Read message history in public channels",
		SensitivityTags: models.StringArray{"communications", "pii"},
		AbuseScenarios:  models.StringArray{"conversation scraping"},
		RegulatoryNotes: models.StringArray{"GDPR personal data"},
	},
	"groups:history": {
		Scope:           "groups:history",
		Platform:        models.PlatformSlack,
		RiskScore:       75,
		RiskLevel:       models.RiskHigh,
		Description:     "Read message history in private channels",
		SensitivityTags: models.StringArray{"communications", "pii", "confidential"},
		AbuseScenarios:  models.StringArray{"private conversation scraping"},
		RegulatoryNotes: models.StringArray{"GDPR personal data", "SOC2 confidentiality"},
	},
	"im:history": {
		Scope:           "im:history",
		Platform:        models.PlatformSlack,
		RiskScore:       80,
		RiskLevel:       models.RiskCritical,
		Description:     "Read direct message history",
		SensitivityTags: models.StringArray{"communications", "pii", "confidential"},
		AbuseScenarios:  models.StringArray{"direct message surveillance"},
		RegulatoryNotes: models.StringArray{"GDPR personal data"},
	},
	"files:read": {
		Scope:           "files:read",
		Platform:        models.PlatformSlack,
		RiskScore:       55,
		RiskLevel:       models.RiskMedium,
		Description:     "Read files shared in the workspace",
		SensitivityTags: models.StringArray{"documents"},
		AbuseScenarios:  models.StringArray{"shared file exfiltration"},
	},
	"files:write": {
		Scope:           "files:write",
		Platform:        models.PlatformSlack,
		RiskScore:       45,
		RiskLevel:       models.RiskMedium,
		Description:     "Upload and modify files in the workspace",
		SensitivityTags: models.StringArray{"documents"},
	},
	"chat:write": {
		Scope:           "chat:write",
		Platform:        models.PlatformSlack,
		RiskScore:       25,
		RiskLevel:       models.RiskLow,
		Description:     "Post messages as the app",
		SensitivityTags: models.StringArray{"communications"},
		AbuseScenarios:  models.StringArray{"phishing via trusted bot identity"},
	},
	"users:read": {
		Scope:           "users:read",
		Platform:        models.PlatformSlack,
		RiskScore:       20,
		RiskLevel:       models.RiskLow,
		Description:     "View workspace member profiles",
		SensitivityTags: models.StringArray{"identity"},
	},
	"admin": {
		Scope:           "admin",
		Platform:        models.PlatformSlack,
		RiskScore:       95,
		RiskLevel:       models.RiskCritical,
		Description:     "Administer the workspace",
		SensitivityTags: models.StringArray{"admin"},
		AbuseScenarios:  models.StringArray{"workspace takeover"},
		RegulatoryNotes: models.StringArray{"SOC2 access control"},
	},

	"okta.users.read": {
		Scope:           "okta.users.read",
		Platform:        models.PlatformOkta,
		RiskScore:       40,
		RiskLevel:       models.RiskMedium,
		Description:     "Read user profiles in the identity provider",
		SensitivityTags: models.StringArray{"identity", "pii"},
		RegulatoryNotes: models.StringArray{"GDPR personal data"},
	},
	"okta.users.manage": {
		Scope:           "okta.users.manage",
		Platform:        models.PlatformOkta,
		RiskScore:       90,
		RiskLevel:       models.RiskCritical,
		Description:     "Create, modify and deactivate identity provider users",
		SensitivityTags: models.StringArray{"identity", "admin"},
		AbuseScenarios:  models.StringArray{"account takeover", "rogue account creation"},
		Alternative:     "okta.users.read",
		RegulatoryNotes: models.StringArray{"SOC2 access control", "SOX user provisioning"},
	},
	"okta.apps.manage": {
		Scope:           "okta.apps.manage",
		Platform:        models.PlatformOkta,
		RiskScore:       90,
		RiskLevel:       models.RiskCritical,
		Description:     "Create and modify app integrations and assignments",
		SensitivityTags: models.StringArray{"admin", "sso"},
		AbuseScenarios:  models.StringArray{"rogue SSO app planting", "assignment escalation"},
		Alternative:     "okta.apps.read",
		RegulatoryNotes: models.StringArray{"SOC2 access control"},
	},
	"okta.logs.read": {
		Scope:           "okta.logs.read",
		Platform:        models.PlatformOkta,
		RiskScore:       35,
		RiskLevel:       models.RiskMedium,
		Description:     "Read the system audit log",
		SensitivityTags: models.StringArray{"audit"},
	},
}

// unknownScopeRisk is assumed for scopes absent from the catalog.
// Unknown is not safe, so it scores above the trivially-low identity
// scopes.
const unknownScopeRisk = 25

// Lookup returns the metadata for a scope identifier and whether the
// catalog knows it.
func Lookup(scope string) (models.OAuthScopeMetadata, bool) {
	meta, ok := catalog[strings.TrimSpace(scope)]
	return meta, ok
}

// RiskScore returns the catalog risk weight for a scope, or the unknown
// default when the scope is not in the catalog.
func RiskScore(scope string) int {
	if meta, ok := Lookup(scope); ok {
		return meta.RiskScore
	}
	return unknownScopeRisk
}

// MaxRisk returns the highest-risk matched scope across a permission
// list; the maximum is the dominant signal for permission risk. The
// boolean is false when the list is empty.
func MaxRisk(permissions []string) (models.OAuthScopeMetadata, int, bool) {
	if len(permissions) == 0 {
		return models.OAuthScopeMetadata{}, 0, false
	}
	var (
		best      models.OAuthScopeMetadata
		bestScore = -1
	)
	for _, p := range permissions {
		score := RiskScore(p)
		if score > bestScore {
			bestScore = score
			if meta, ok := Lookup(p); ok {
				best = meta
			} else {
				best = models.OAuthScopeMetadata{Scope: strings.TrimSpace(p), RiskScore: score}
			}
		}
	}
	return best, bestScore, true
}

// SensitivityTags returns the union of sensitivity tags across a
// permission list, in first-seen order.
func SensitivityTags(permissions []string) []string {
	var (
		seen = make(map[string]bool)
		tags []string
	)
	for _, p := range permissions {
		meta, ok := Lookup(p)
		if !ok {
			continue
		}
		for _, tag := range meta.SensitivityTags {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// RegulatoryNotes returns the union of regulatory notes across a
// permission list, in first-seen order.
func RegulatoryNotes(permissions []string) []string {
	var (
		seen  = make(map[string]bool)
		notes []string
	)
	for _, p := range permissions {
		meta, ok := Lookup(p)
		if !ok {
			continue
		}
		for _, note := range meta.RegulatoryNotes {
			if !seen[note] {
				seen[note] = true
				notes = append(notes, note)
			}
		}
	}
	return notes
}

// All returns every catalog entry, for seeding the reference table.
func All() []models.OAuthScopeMetadata {
	out := make([]models.OAuthScopeMetadata, 0, len(catalog))
	for _, meta := range catalog {
		out = append(out, meta)
	}
	return out
}
