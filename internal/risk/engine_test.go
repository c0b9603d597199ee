package risk

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/detect"
	"github.com/nexasec/sspm/internal/models"
)

func testAutomation() *models.DiscoveredAutomation {
	lastActive := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	return &models.DiscoveredAutomation{
		ID:                 uuid.New(),
		Platform:           models.PlatformGoogleWorkspace,
		ExternalID:         "script-1",
		Name:               "Invoice Sync",
		Kind:               models.KindScript,
		Permissions:        models.StringArray{"https://www.googleapis.com/auth/drive", "email"},
		DataAccessPatterns: models.StringArray{"files:read", "external:post"},
		OwnerID:            "u-100",
		OwnerEmail:         "analyst@example.com",
		LastActivityAt:     &lastActive,
	}
}

func TestAssessDeterministic(t *testing.T) {
	engine := NewEngine()
	a := testAutomation()
	ai := detect.MatchAIProviderSignature("fetch('https://api.openai.com/v1/chat')")
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	first := engine.Assess(a, ai, now)
	for i := 0; i < 5; i++ {
		again := engine.Assess(a, ai, now)
		if again.Score != first.Score || again.Level != first.Level {
			t.Fatalf("run %d: score %f/%s, want %f/%s", i, again.Score, again.Level, first.Score, first.Level)
		}
		if !reflect.DeepEqual(again.Factors, first.Factors) {
			t.Fatalf("run %d: factors %v, want %v", i, again.Factors, first.Factors)
		}
	}
}

func TestAssessComponents(t *testing.T) {
	engine := NewEngine()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("full inputs give full confidence", func(t *testing.T) {
		got := engine.Assess(testAutomation(), detect.AIDetection{}, now)
		if got.Confidence != 1.0 {
			t.Errorf("confidence = %f, want 1.0", got.Confidence)
		}
	})

	t.Run("missing inputs lower confidence not risk", func(t *testing.T) {
		a := testAutomation()
		a.LastActivityAt = nil
		a.OwnerID = ""
		a.OwnerEmail = ""
		a.OwnerType = ""

		got := engine.Assess(a, detect.AIDetection{}, now)
		if got.Confidence != 0.5 {
			t.Errorf("confidence = %f, want 0.5", got.Confidence)
		}
		if got.ActivityScore != unknownComponentScore {
			t.Errorf("activity score = %f, want neutral %f", got.ActivityScore, unknownComponentScore)
		}
		if got.OwnershipScore != unknownComponentScore {
			t.Errorf("ownership score = %f, want neutral %f", got.OwnershipScore, unknownComponentScore)
		}
	})

	t.Run("recent activity scores higher than dormant", func(t *testing.T) {
		recent := testAutomation()
		ts := now.Add(-2 * time.Hour)
		recent.LastActivityAt = &ts

		dormant := testAutomation()
		old := now.Add(-90 * 24 * time.Hour)
		dormant.LastActivityAt = &old

		gotRecent := engine.Assess(recent, detect.AIDetection{}, now)
		gotDormant := engine.Assess(dormant, detect.AIDetection{}, now)
		if gotRecent.ActivityScore <= gotDormant.ActivityScore {
			t.Errorf("recent %f <= dormant %f", gotRecent.ActivityScore, gotDormant.ActivityScore)
		}
		if !hasFactor(gotRecent.Factors, FactorRecentActivity) {
			t.Errorf("factors = %v, want %s", gotRecent.Factors, FactorRecentActivity)
		}
		if !hasFactor(gotDormant.Factors, FactorDormantAutomation) {
			t.Errorf("factors = %v, want %s", gotDormant.Factors, FactorDormantAutomation)
		}
	})

	t.Run("service account owner scores higher than human", func(t *testing.T) {
		sa := testAutomation()
		sa.Kind = models.KindServiceAccount

		human := testAutomation()

		gotSA := engine.Assess(sa, detect.AIDetection{}, now)
		gotHuman := engine.Assess(human, detect.AIDetection{}, now)
		if gotSA.OwnershipScore <= gotHuman.OwnershipScore {
			t.Errorf("service account %f <= human %f", gotSA.OwnershipScore, gotHuman.OwnershipScore)
		}
	})

	t.Run("automation platform owner flagged", func(t *testing.T) {
		a := testAutomation()
		a.OwnerEmail = "integrations@zapier.com"

		got := engine.Assess(a, detect.AIDetection{}, now)
		if !hasFactor(got.Factors, FactorThirdPartyOwner) {
			t.Errorf("factors = %v, want %s", got.Factors, FactorThirdPartyOwner)
		}
	})

	t.Run("ai detection adds factor and recommendation", func(t *testing.T) {
		a := testAutomation()
		ai := detect.AIDetection{Detected: true, Providers: []detect.AIProvider{detect.ProviderOpenAI}, Confidence: 95}

		got := engine.Assess(a, ai, now)
		if !hasFactor(got.Factors, FactorAIIntegration) {
			t.Errorf("factors = %v, want %s", got.Factors, FactorAIIntegration)
		}
		if len(got.Recommendations) == 0 {
			t.Error("expected recommendations")
		}
	})

	t.Run("critical permission drives level", func(t *testing.T) {
		a := testAutomation()
		a.Permissions = models.StringArray{"https://www.googleapis.com/auth/admin.directory.user"}
		a.Kind = models.KindServiceAccount
		ts := now.Add(-1 * time.Hour)
		a.LastActivityAt = &ts

		got := engine.Assess(a, detect.AIDetection{Detected: true}, now)
		if models.RiskLevelRank(got.Level) < models.RiskLevelRank(models.RiskHigh) {
			t.Errorf("level = %s, want at least high (score %f)", got.Level, got.Score)
		}
		if !hasFactor(got.Factors, FactorCriticalPermission) {
			t.Errorf("factors = %v, want %s", got.Factors, FactorCriticalPermission)
		}
	})
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score float64
		want  models.RiskLevel
	}{
		{95, models.RiskCritical},
		{80, models.RiskCritical},
		{79.9, models.RiskHigh},
		{60, models.RiskHigh},
		{59.9, models.RiskMedium},
		{40, models.RiskMedium},
		{39.9, models.RiskLow},
		{0, models.RiskLow},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.score); got != tt.want {
			t.Errorf("LevelFor(%f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestHistoryEntry(t *testing.T) {
	engine := NewEngine()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	assessment := engine.Assess(testAutomation(), detect.AIDetection{}, now)

	entry := HistoryEntry(assessment, models.TriggerInitialDiscovery)
	if entry.AutomationID != assessment.AutomationID {
		t.Error("automation id mismatch")
	}
	if entry.Score != assessment.Score || entry.Level != assessment.Level {
		t.Error("score/level mismatch")
	}
	if entry.Trigger != models.TriggerInitialDiscovery {
		t.Errorf("trigger = %s, want initial_discovery", entry.Trigger)
	}
	if !entry.RecordedAt.Equal(now) {
		t.Errorf("recorded at = %v, want %v", entry.RecordedAt, now)
	}
}

func TestRecommendationsFor(t *testing.T) {
	got := RecommendationsFor([]string{
		FactorExcessivePermissions,
		FactorAIIntegration,
		FactorExcessivePermissions, // duplicate collapses
		"unknown_factor",
	})
	if len(got) != 2 {
		t.Fatalf("recommendations = %v, want 2 entries", got)
	}
	if got[0] != recommendationCatalog[FactorExcessivePermissions] {
		t.Errorf("first recommendation = %q", got[0])
	}
}

func hasFactor(factors models.StringArray, want string) bool {
	for _, f := range factors {
		if f == want {
			return true
		}
	}
	return false
}
