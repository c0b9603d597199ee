// Package risk computes composite, explainable risk assessments for
// discovered automations by combining permission, data-access, activity
// and ownership signals.
package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/detect"
	"github.com/nexasec/sspm/internal/models"
	"github.com/nexasec/sspm/internal/scopes"
)

// Component weights. They sum to 1.0; the composite score is the
// weighted combination of the four component scores.
const (
	WeightPermission = 0.35
	WeightDataAccess = 0.25
	WeightActivity   = 0.20
	WeightOwnership  = 0.20
)

// Composite score bands.
const (
	CriticalThreshold = 80.0
	HighThreshold     = 60.0
	MediumThreshold   = 40.0
)

// A component with no input data contributes a neutral score rather
// than zero: missing data lowers confidence, it never implies safety.
const unknownComponentScore = 50.0

// Activity recency scoring.
const (
	activityRecentScore  = 80.0
	activityWeekScore    = 60.0
	activityMonthScore   = 40.0
	activityDormantScore = 20.0
)

// Ownership scoring.
const (
	ownershipServiceAccountScore = 80.0
	ownershipThirdPartyScore     = 70.0
	ownershipHumanScore          = 30.0
)

// Risk factor codes, stable identifiers keyed into the recommendations
// catalog.
const (
	FactorCriticalPermission    = "critical_permission_scope"
	FactorHighRiskPermission    = "high_risk_permission_scope"
	FactorExcessivePermissions  = "excessive_permissions"
	FactorAIIntegration         = detect.FactorAIIntegration
	FactorSensitiveDataAccess   = "sensitive_data_access"
	FactorBroadDataAccess       = "broad_data_access"
	FactorRecentActivity        = "active_within_24h"
	FactorDormantAutomation     = "dormant_automation"
	FactorServiceAccountOwner   = "service_account_owner"
	FactorThirdPartyOwner       = "third_party_platform_owner"
	FactorUnattributedOwnership = "unattributed_ownership"
)

// excessivePermissionCount mirrors the grant classifier threshold.
const excessivePermissionCount = detect.ExcessiveScopeCount

// automationPlatformNames are vendor-name substrings that mark an owner
// account as belonging to a third-party automation platform rather than
// a person.
var automationPlatformNames = []string{
	"zapier",
	"workato",
	"make.com",
	"integromat",
	"ifttt",
	"n8n",
	"tray.io",
	"pipedream",
	"automate.io",
}

// dataAccessWeights scores data-access-pattern tags. The maximum
// matched weight dominates; additional distinct patterns add breadth.
// The list is ordered so scoring stays deterministic.
var dataAccessWeights = []struct {
	tag    string
	weight float64
}{
	{"credentials", 90},
	{"mail", 85},
	{"email", 85},
	{"directory", 85},
	{"external", 75},
	{"files", 65},
	{"documents", 65},
	{"messages", 60},
	{"contacts", 55},
	{"audit", 40},
	{"calendar", 35},
}

// Engine assesses automations. It is stateless and safe for concurrent
// use.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Assess computes the composite risk for an automation. The detection
// argument is the signature-matcher result for the automation's content
// and the reference time anchors activity recency, so the assessment is
// a pure function of its inputs: identical automation state, detection
// and reference time always produce an identical assessment.
func (e *Engine) Assess(a *models.DiscoveredAutomation, ai detect.AIDetection, now time.Time) *models.RiskAssessment {
	var (
		factors    []string
		components = 0
		sufficient = 0
	)

	addFactors := func(fs []string) {
		factors = append(factors, fs...)
	}

	permScore, permFactors, permOK := e.permissionRisk(a)
	components++
	if permOK {
		sufficient++
	} else {
		permScore = unknownComponentScore
	}
	addFactors(permFactors)

	dataScore, dataFactors, dataOK := e.dataAccessRisk(a, ai)
	components++
	if dataOK {
		sufficient++
	} else {
		dataScore = unknownComponentScore
	}
	addFactors(dataFactors)

	actScore, actFactors, actOK := e.activityRisk(a, now)
	components++
	if actOK {
		sufficient++
	} else {
		actScore = unknownComponentScore
	}
	addFactors(actFactors)

	ownScore, ownFactors, ownOK := e.ownershipRisk(a)
	components++
	if ownOK {
		sufficient++
	} else {
		ownScore = unknownComponentScore
	}
	addFactors(ownFactors)

	score := permScore*WeightPermission +
		dataScore*WeightDataAccess +
		actScore*WeightActivity +
		ownScore*WeightOwnership
	if score > 100 {
		score = 100
	}

	assessment := &models.RiskAssessment{
		AutomationID:     a.ID,
		Level:            LevelFor(score),
		Score:            score,
		PermissionScore:  permScore,
		DataAccessScore:  dataScore,
		ActivityScore:    actScore,
		OwnershipScore:   ownScore,
		Factors:          models.StringArray(factors),
		ComplianceIssues: models.StringArray(scopes.RegulatoryNotes(a.Permissions)),
		Recommendations:  models.StringArray(RecommendationsFor(factors)),
		Confidence:       float64(sufficient) / float64(components),
		AssessedAt:       now,
	}
	return assessment
}

// LevelFor buckets a composite score into a risk level using the fixed
// band thresholds.
func LevelFor(score float64) models.RiskLevel {
	switch {
	case score >= CriticalThreshold:
		return models.RiskCritical
	case score >= HighThreshold:
		return models.RiskHigh
	case score >= MediumThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// HistoryEntry builds the append-only history record for an assessment.
// History is only ever appended; prior entries are never edited.
func HistoryEntry(a *models.RiskAssessment, trigger models.RiskTrigger) models.RiskHistoryEntry {
	return models.RiskHistoryEntry{
		ID:           uuid.New(),
		AutomationID: a.AutomationID,
		Score:        a.Score,
		Level:        a.Level,
		Factors:      a.Factors,
		Trigger:      trigger,
		RecordedAt:   a.AssessedAt,
	}
}

func (e *Engine) permissionRisk(a *models.DiscoveredAutomation) (float64, []string, bool) {
	meta, maxScore, ok := scopes.MaxRisk(a.Permissions)
	if !ok {
		return 0, nil, false
	}

	var factors []string
	switch meta.RiskLevel {
	case models.RiskCritical:
		factors = append(factors, FactorCriticalPermission)
	case models.RiskHigh:
		factors = append(factors, FactorHighRiskPermission)
	}

	score := float64(maxScore)
	if len(a.Permissions) > excessivePermissionCount {
		factors = append(factors, FactorExcessivePermissions)
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score, factors, true
}

func (e *Engine) dataAccessRisk(a *models.DiscoveredAutomation, ai detect.AIDetection) (float64, []string, bool) {
	if len(a.DataAccessPatterns) == 0 && !ai.Detected {
		return 0, nil, false
	}

	var (
		max     float64
		matched int
		factors []string
	)
	for _, pattern := range a.DataAccessPatterns {
		p := strings.ToLower(pattern)
		for _, dw := range dataAccessWeights {
			if strings.Contains(p, dw.tag) {
				matched++
				if dw.weight > max {
					max = dw.weight
				}
				break
			}
		}
	}

	score := max
	if matched > 3 {
		factors = append(factors, FactorBroadDataAccess)
		score += 10
	}
	if max >= 80 {
		factors = append(factors, FactorSensitiveDataAccess)
	}
	if ai.Detected {
		// Data leaving the tenant for an external model provider.
		factors = append(factors, FactorAIIntegration)
		score += 20
	}
	if score > 100 {
		score = 100
	}
	return score, factors, true
}

func (e *Engine) activityRisk(a *models.DiscoveredAutomation, now time.Time) (float64, []string, bool) {
	if a.LastActivityAt == nil {
		return 0, nil, false
	}

	age := now.Sub(*a.LastActivityAt)
	switch {
	case age <= 24*time.Hour:
		return activityRecentScore, []string{FactorRecentActivity}, true
	case age <= 7*24*time.Hour:
		return activityWeekScore, nil, true
	case age <= 30*24*time.Hour:
		return activityMonthScore, nil, true
	default:
		return activityDormantScore, []string{FactorDormantAutomation}, true
	}
}

func (e *Engine) ownershipRisk(a *models.DiscoveredAutomation) (float64, []string, bool) {
	if a.OwnerID == "" && a.OwnerEmail == "" && a.OwnerType == "" {
		return 0, nil, false
	}

	if a.Kind == models.KindServiceAccount || strings.EqualFold(a.OwnerType, "service_account") {
		return ownershipServiceAccountScore, []string{FactorServiceAccountOwner}, true
	}

	owner := strings.ToLower(fmt.Sprintf("%s %s %s", a.OwnerEmail, a.Name, a.VendorName))
	for _, vendor := range automationPlatformNames {
		if strings.Contains(owner, vendor) {
			return ownershipThirdPartyScore, []string{FactorThirdPartyOwner}, true
		}
	}

	if a.OwnerEmail == "" && a.OwnerID == "" {
		return ownershipThirdPartyScore, []string{FactorUnattributedOwnership}, true
	}
	return ownershipHumanScore, nil, true
}
