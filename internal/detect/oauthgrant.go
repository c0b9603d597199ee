package detect

import (
	"strings"

	"github.com/nexasec/sspm/internal/models"
)

// Grant risk scoring. Every grant starts at the baseline and accumulates
// increments for the signals below; certain administrative scopes force
// the level to high regardless of accumulated score.
const (
	GrantBaselineScore      = 10
	GrantAIIncrement        = 30
	GrantMailboxIncrement   = 20
	GrantFileStoreIncrement = 20
	GrantAdminIncrement     = 25
	GrantExcessIncrement    = 15

	// ExcessiveScopeCount is the scope-count threshold above which a
	// grant is considered over-permissioned.
	ExcessiveScopeCount = 10
)

// Grant score bands.
const (
	GrantCriticalThreshold = 80
	GrantHighThreshold     = 60
	GrantMediumThreshold   = 30
)

// Grant risk factor codes. These are stable identifiers surfaced in
// assessments and referenced by the recommendations catalog.
const (
	FactorAIIntegration   = "ai_provider_integration"
	FactorBroadMailbox    = "broad_mailbox_access"
	FactorBroadFileStore  = "broad_file_store_access"
	FactorDirectoryAdmin  = "directory_admin_access"
	FactorExcessiveScopes = "excessive_scope_count"
	FactorUnverifiedApp   = "unverified_application"
)

// OAuthGrant is the classifier input: the scopes a third-party client
// holds plus its descriptor fields.
type OAuthGrant struct {
	ClientID    string
	DisplayText string
	Scopes      []string
	Anonymous   bool
}

// GrantRisk is the classifier output. Factors are ordered by
// contribution, descending, and carry stable codes.
type GrantRisk struct {
	Score   int
	Level   models.RiskLevel
	Factors []string
}

// broadMailboxScopes grant read or full control over an entire mailbox.
var broadMailboxScopes = map[string]bool{
	"https://mail.google.com/":                               true,
	"https://www.googleapis.com/auth/gmail.modify":           true,
	"https://www.googleapis.com/auth/gmail.readonly":         true,
	"https://www.googleapis.com/auth/gmail.compose":          true,
	"https://www.googleapis.com/auth/gmail.settings.sharing": true,
}

// fullMailboxScopes force at least high on their own, same as the
// directory-admin set: they permit reading and deleting all mail.
var fullMailboxScopes = map[string]bool{
	"https://mail.google.com/":                     true,
	"https://www.googleapis.com/auth/gmail.modify": true,
}

// broadFileStoreScopes grant tenant- or account-wide file access.
var broadFileStoreScopes = map[string]bool{
	"https://www.googleapis.com/auth/drive":          true,
	"https://www.googleapis.com/auth/drive.readonly": true,
	"https://www.googleapis.com/auth/documents":      true,
	"https://www.googleapis.com/auth/spreadsheets":   true,
	"files:read":  true,
	"files:write": true,
}

// directoryAdminScopes force the grant to at least high risk on their
// own: any one of these permits tenant-wide administrative action.
var directoryAdminScopes = map[string]bool{
	"https://www.googleapis.com/auth/admin.directory.user":          true,
	"https://www.googleapis.com/auth/admin.directory.group":         true,
	"https://www.googleapis.com/auth/admin.directory.domain":        true,
	"https://www.googleapis.com/auth/admin.directory.rolemanagement": true,
	"okta.apps.manage":  true,
	"okta.users.manage": true,
	"admin":             true,
}

// ClassifyOAuthGrantRisk scores a third-party OAuth grant. The detection
// argument is the fingerprint of the grant's descriptor (client ID plus
// display text); pass a zero AIDetection when no matching was done.
// Administrative directory scopes and full-mailbox scopes force the
// level to at least high even when the accumulated score alone would
// band lower.
func ClassifyOAuthGrantRisk(grant OAuthGrant, ai AIDetection) GrantRisk {
	score := GrantBaselineScore
	var factors []string

	if ai.Detected {
		score += GrantAIIncrement
		factors = append(factors, FactorAIIntegration)
	}

	var hasMailbox, hasFileStore, hasAdmin, forceHigh bool
	for _, scope := range grant.Scopes {
		s := strings.TrimSpace(scope)
		if broadMailboxScopes[s] {
			hasMailbox = true
		}
		if broadFileStoreScopes[s] {
			hasFileStore = true
		}
		if directoryAdminScopes[s] {
			hasAdmin = true
		}
		if fullMailboxScopes[s] || directoryAdminScopes[s] {
			forceHigh = true
		}
	}

	if hasMailbox {
		score += GrantMailboxIncrement
		factors = append(factors, FactorBroadMailbox)
	}
	if hasFileStore {
		score += GrantFileStoreIncrement
		factors = append(factors, FactorBroadFileStore)
	}
	if hasAdmin {
		score += GrantAdminIncrement
		factors = append(factors, FactorDirectoryAdmin)
	}
	if len(grant.Scopes) > ExcessiveScopeCount {
		score += GrantExcessIncrement
		factors = append(factors, FactorExcessiveScopes)
	}
	if grant.Anonymous {
		score += GrantExcessIncrement
		factors = append(factors, FactorUnverifiedApp)
	}

	if score > 100 {
		score = 100
	}

	level := grantLevelFor(score)
	if forceHigh && models.RiskLevelRank(level) < models.RiskLevelRank(models.RiskHigh) {
		level = models.RiskHigh
	}

	return GrantRisk{Score: score, Level: level, Factors: factors}
}

func grantLevelFor(score int) models.RiskLevel {
	switch {
	case score >= GrantCriticalThreshold:
		return models.RiskCritical
	case score >= GrantHighThreshold:
		return models.RiskHigh
	case score >= GrantMediumThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
