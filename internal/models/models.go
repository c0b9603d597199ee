package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type Platform string

const (
	PlatformSlack           Platform = "SLACK"
	PlatformGoogleWorkspace Platform = "GOOGLE_WORKSPACE"
	PlatformOkta            Platform = "OKTA"
)

type AccountType string

const (
	AccountPersonal AccountType = "PERSONAL"
	AccountManaged  AccountType = "MANAGED"
)

type AutomationKind string

const (
	KindWorkflow       AutomationKind = "workflow"
	KindBot            AutomationKind = "bot"
	KindIntegration    AutomationKind = "integration"
	KindWebhook        AutomationKind = "webhook"
	KindScheduledTask  AutomationKind = "scheduled_task"
	KindTrigger        AutomationKind = "trigger"
	KindScript         AutomationKind = "script"
	KindServiceAccount AutomationKind = "service_account"
)

type AutomationStatus string

const (
	AutomationActive   AutomationStatus = "active"
	AutomationInactive AutomationStatus = "inactive"
	AutomationRevoked  AutomationStatus = "revoked"
	AutomationUnknown  AutomationStatus = "unknown"
)

type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
)

// RiskLevelRank orders risk levels for comparisons; higher is worse.
func RiskLevelRank(l RiskLevel) int {
	switch l {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	}
	return 0
}

type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether a run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

type RiskTrigger string

const (
	TriggerInitialDiscovery   RiskTrigger = "initial_discovery"
	TriggerPermissionChange   RiskTrigger = "permission_change"
	TriggerActivitySpike      RiskTrigger = "activity_spike"
	TriggerManualReassessment RiskTrigger = "manual_reassessment"
	TriggerDetectorUpdate     RiskTrigger = "detector_update"
)

type FeedbackKind string

const (
	FeedbackCorrectDetection        FeedbackKind = "correct_detection"
	FeedbackFalsePositive           FeedbackKind = "false_positive"
	FeedbackFalseNegative           FeedbackKind = "false_negative"
	FeedbackIncorrectClassification FeedbackKind = "incorrect_classification"
	FeedbackTruePositive            FeedbackKind = "true_positive"
	FeedbackUncertain               FeedbackKind = "uncertain"
)

// Positive reports whether the feedback kind confirms the detection.
func (k FeedbackKind) Positive() bool {
	return k == FeedbackCorrectDetection || k == FeedbackTruePositive
}

type FeedbackStatus string

const (
	FeedbackStatusPending      FeedbackStatus = "pending"
	FeedbackStatusReviewed     FeedbackStatus = "reviewed"
	FeedbackStatusIncorporated FeedbackStatus = "incorporated"
)

type BaselineState string

const (
	BaselineUntrained   BaselineState = "untrained"
	BaselineTraining    BaselineState = "training"
	BaselineEstablished BaselineState = "established"
)

type IntegrationMatchType string

const (
	MatchVendorIdentity IntegrationMatchType = "vendor_identity"
	MatchTemporalActor  IntegrationMatchType = "temporal_actor"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// PlatformConnection is one authorized connection to a SaaS platform.
// The OAuth handshake that produced it happens outside this system; the
// engine only consumes the stored credentials.
type PlatformConnection struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	OrganizationID  uuid.UUID  `json:"organization_id" db:"organization_id"`
	Platform        Platform   `json:"platform" db:"platform"`
	ExternalID      string     `json:"external_id" db:"external_id"`
	DisplayName     string     `json:"display_name" db:"display_name"`
	ConnectorConfig JSONB      `json:"connector_config" db:"connector_config"`
	Status          string     `json:"status" db:"status"`
	StatusMessage   string     `json:"status_message,omitempty" db:"status_message"`
	LastDiscoveryAt *time.Time `json:"last_discovery_at,omitempty" db:"last_discovery_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// DiscoveryRun is one execution of discovery against one connection.
// Mutated only by the orchestrator; terminal once completed/failed/cancelled.
type DiscoveryRun struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	OrganizationID   uuid.UUID  `json:"organization_id" db:"organization_id"`
	ConnectionID     uuid.UUID  `json:"connection_id" db:"connection_id"`
	Status           RunStatus  `json:"status" db:"status"`
	AutomationsFound int        `json:"automations_found" db:"automations_found"`
	ErrorsCount      int        `json:"errors_count" db:"errors_count"`
	WarningsCount    int        `json:"warnings_count" db:"warnings_count"`
	Metadata         JSONB      `json:"metadata,omitempty" db:"metadata"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// DiscoveredAutomation is one automation, bot, script, service account
// or OAuth grant found on a platform. Uniqueness is enforced on
// (connection_id, external_id); re-discovery updates the row and appends
// risk history rather than inserting a duplicate.
type DiscoveredAutomation struct {
	ID                 uuid.UUID        `json:"id" db:"id"`
	OrganizationID     uuid.UUID        `json:"organization_id" db:"organization_id"`
	ConnectionID       uuid.UUID        `json:"connection_id" db:"connection_id"`
	RunID              uuid.UUID        `json:"run_id" db:"run_id"`
	Platform           Platform         `json:"platform" db:"platform"`
	ExternalID         string           `json:"external_id" db:"external_id"`
	Name               string           `json:"name" db:"name"`
	Description        string           `json:"description,omitempty" db:"description"`
	Kind               AutomationKind   `json:"kind" db:"kind"`
	Status             AutomationStatus `json:"status" db:"status"`
	TriggerType        string           `json:"trigger_type,omitempty" db:"trigger_type"`
	Actions            StringArray      `json:"actions" db:"actions"`
	Permissions        StringArray      `json:"permissions" db:"permissions"`
	DataAccessPatterns StringArray      `json:"data_access_patterns" db:"data_access_patterns"`
	OwnerID            string           `json:"owner_id,omitempty" db:"owner_id"`
	OwnerEmail         string           `json:"owner_email,omitempty" db:"owner_email"`
	OwnerType          string           `json:"owner_type,omitempty" db:"owner_type"`
	VendorName         string           `json:"vendor_name,omitempty" db:"vendor_name"`
	VendorGroup        string           `json:"vendor_group,omitempty" db:"vendor_group"`
	Detection          JSONB            `json:"detection,omitempty" db:"detection"`
	RiskLevel          RiskLevel        `json:"risk_level" db:"risk_level"`
	RiskScore          float64          `json:"risk_score" db:"risk_score"`
	LastActivityAt     *time.Time       `json:"last_activity_at,omitempty" db:"last_activity_at"`
	FirstSeenAt        time.Time        `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt         time.Time        `json:"last_seen_at" db:"last_seen_at"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}

// RiskHistoryEntry is one immutable entry in an automation's risk-score
// history. Entries are append-only and strictly chronological per
// automation; they are never edited or reordered.
type RiskHistoryEntry struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	AutomationID uuid.UUID   `json:"automation_id" db:"automation_id"`
	Score        float64     `json:"score" db:"score"`
	Level        RiskLevel   `json:"level" db:"level"`
	Factors      StringArray `json:"factors" db:"factors"`
	Trigger      RiskTrigger `json:"trigger" db:"trigger"`
	RecordedAt   time.Time   `json:"recorded_at" db:"recorded_at"`
}

// RiskAssessment is the current composite risk snapshot for one
// automation; historical snapshots live in risk history.
type RiskAssessment struct {
	AutomationID     uuid.UUID   `json:"automation_id" db:"automation_id"`
	Level            RiskLevel   `json:"level" db:"level"`
	Score            float64     `json:"score" db:"score"`
	PermissionScore  float64     `json:"permission_score" db:"permission_score"`
	DataAccessScore  float64     `json:"data_access_score" db:"data_access_score"`
	ActivityScore    float64     `json:"activity_score" db:"activity_score"`
	OwnershipScore   float64     `json:"ownership_score" db:"ownership_score"`
	Factors          StringArray `json:"factors" db:"factors"`
	ComplianceIssues StringArray `json:"compliance_issues" db:"compliance_issues"`
	Recommendations  StringArray `json:"recommendations" db:"recommendations"`
	Confidence       float64     `json:"confidence" db:"confidence"`
	AssessedAt       time.Time   `json:"assessed_at" db:"assessed_at"`
}

// CrossPlatformIntegration links automations discovered independently on
// two platforms when evidence of a shared data flow exists. It is a
// separate linking entity; the automations keep their own lifecycle.
type CrossPlatformIntegration struct {
	ID                 uuid.UUID            `json:"id" db:"id"`
	OrganizationID     uuid.UUID            `json:"organization_id" db:"organization_id"`
	SourceAutomationID uuid.UUID            `json:"source_automation_id" db:"source_automation_id"`
	TargetAutomationID uuid.UUID            `json:"target_automation_id" db:"target_automation_id"`
	SourcePlatform     Platform             `json:"source_platform" db:"source_platform"`
	TargetPlatform     Platform             `json:"target_platform" db:"target_platform"`
	VendorName         string               `json:"vendor_name,omitempty" db:"vendor_name"`
	DataFlow           string               `json:"data_flow" db:"data_flow"`
	MatchType          IntegrationMatchType `json:"match_type" db:"match_type"`
	Confidence         float64              `json:"confidence" db:"confidence"`
	RiskLevel          RiskLevel            `json:"risk_level" db:"risk_level"`
	Evidence           JSONB                `json:"evidence,omitempty" db:"evidence"`
	DetectedAt         time.Time            `json:"detected_at" db:"detected_at"`
	CreatedAt          time.Time            `json:"created_at" db:"created_at"`
}

// BehavioralBaseline holds learned per-(user, organization) activity
// statistics. Owned by its (user, org) pair for its whole lifecycle.
type BehavioralBaseline struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	OrganizationID    uuid.UUID     `json:"organization_id" db:"organization_id"`
	UserID            string        `json:"user_id" db:"user_id"`
	State             BaselineState `json:"state" db:"state"`
	MeanDailyEvents   float64       `json:"mean_daily_events" db:"mean_daily_events"`
	StdDevDailyEvents float64       `json:"stddev_daily_events" db:"stddev_daily_events"`
	ActiveHourStart   int           `json:"active_hour_start" db:"active_hour_start"`
	ActiveHourEnd     int           `json:"active_hour_end" db:"active_hour_end"`
	ActionFrequencies JSONB         `json:"action_frequencies" db:"action_frequencies"`
	SampleCount       int           `json:"sample_count" db:"sample_count"`
	LastObservedAt    *time.Time    `json:"last_observed_at,omitempty" db:"last_observed_at"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// AutomationFeedback is one analyst's judgment on one automation. At
// most one row exists per (automation, user); resubmission updates.
type AutomationFeedback struct {
	ID                   uuid.UUID      `json:"id" db:"id"`
	AutomationID         uuid.UUID      `json:"automation_id" db:"automation_id"`
	OrganizationID       uuid.UUID      `json:"organization_id" db:"organization_id"`
	UserID               uuid.UUID      `json:"user_id" db:"user_id"`
	Kind                 FeedbackKind   `json:"kind" db:"kind"`
	Comment              string         `json:"comment,omitempty" db:"comment"`
	DetectionSnapshot    JSONB          `json:"detection_snapshot,omitempty" db:"detection_snapshot"`
	SuggestedCorrections JSONB          `json:"suggested_corrections,omitempty" db:"suggested_corrections"`
	TrainingEligible     bool           `json:"training_eligible" db:"training_eligible"`
	Status               FeedbackStatus `json:"status" db:"status"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}

// OAuthScopeMetadata is static reference data for one platform
// permission scope. Seeded once; read-only at runtime.
type OAuthScopeMetadata struct {
	Scope           string      `json:"scope" db:"scope"`
	Platform        Platform    `json:"platform" db:"platform"`
	RiskScore       int         `json:"risk_score" db:"risk_score"`
	RiskLevel       RiskLevel   `json:"risk_level" db:"risk_level"`
	Description     string      `json:"description" db:"description"`
	SensitivityTags StringArray `json:"sensitivity_tags" db:"sensitivity_tags"`
	AbuseScenarios  StringArray `json:"abuse_scenarios" db:"abuse_scenarios"`
	Alternative     string      `json:"alternative,omitempty" db:"alternative"`
	RegulatoryNotes StringArray `json:"regulatory_notes" db:"regulatory_notes"`
}

// AccuracyMetrics aggregates analyst feedback into detection accuracy
// numbers for one organization and time window.
type AccuracyMetrics struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	WindowDays     int       `json:"window_days"`
	TruePositives  int       `json:"true_positives"`
	FalsePositives int       `json:"false_positives"`
	FalseNegatives int       `json:"false_negatives"`
	Precision      float64   `json:"precision"`
	Recall         float64   `json:"recall"`
	F1             float64   `json:"f1"`
}
