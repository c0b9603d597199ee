package detect

import (
	"testing"

	"github.com/nexasec/sspm/internal/models"
)

func TestClassifyOAuthGrantRisk(t *testing.T) {
	tests := []struct {
		name        string
		grant       OAuthGrant
		ai          AIDetection
		wantScore   int
		wantLevel   models.RiskLevel
		wantFactors []string
	}{
		{
			name:      "basic profile scopes are low",
			grant:     OAuthGrant{Scopes: []string{"email", "profile"}},
			wantScore: GrantBaselineScore,
			wantLevel: models.RiskLow,
		},
		{
			name:  "ai integration alone is medium",
			grant: OAuthGrant{Scopes: []string{"email"}},
			ai: AIDetection{
				Detected:   true,
				Providers:  []AIProvider{ProviderOpenAI},
				Confidence: 95,
			},
			wantScore:   GrantBaselineScore + GrantAIIncrement,
			wantLevel:   models.RiskMedium,
			wantFactors: []string{FactorAIIntegration},
		},
		{
			name: "ai plus full mailbox and drive",
			grant: OAuthGrant{Scopes: []string{
				"https://mail.google.com/",
				"https://www.googleapis.com/auth/drive",
			}},
			ai:        AIDetection{Detected: true, Providers: []AIProvider{ProviderAnthropic}},
			wantScore: GrantBaselineScore + GrantAIIncrement + GrantMailboxIncrement + GrantFileStoreIncrement,
			wantLevel: models.RiskCritical,
			wantFactors: []string{
				FactorAIIntegration,
				FactorBroadMailbox,
				FactorBroadFileStore,
			},
		},
		{
			name: "directory admin scope forces high",
			grant: OAuthGrant{Scopes: []string{
				"email",
				"https://www.googleapis.com/auth/admin.directory.user",
			}},
			wantScore:   GrantBaselineScore + GrantAdminIncrement,
			wantLevel:   models.RiskHigh,
			wantFactors: []string{FactorDirectoryAdmin},
		},
		{
			name: "excessive scope count",
			grant: OAuthGrant{Scopes: []string{
				"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
			}},
			wantScore:   GrantBaselineScore + GrantExcessIncrement,
			wantLevel:   models.RiskLow,
			wantFactors: []string{FactorExcessiveScopes},
		},
		{
			name:        "anonymous unverified client",
			grant:       OAuthGrant{Anonymous: true, Scopes: []string{"email"}},
			wantScore:   GrantBaselineScore + GrantExcessIncrement,
			wantLevel:   models.RiskLow,
			wantFactors: []string{FactorUnverifiedApp},
		},
		{
			name:        "full mailbox alone forces high",
			grant:       OAuthGrant{Scopes: []string{"https://mail.google.com/"}},
			wantScore:   GrantBaselineScore + GrantMailboxIncrement,
			wantLevel:   models.RiskHigh,
			wantFactors: []string{FactorBroadMailbox},
		},
		{
			name:      "empty scope list",
			grant:     OAuthGrant{},
			wantScore: GrantBaselineScore,
			wantLevel: models.RiskLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyOAuthGrantRisk(tt.grant, tt.ai)
			if got.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", got.Score, tt.wantScore)
			}
			if got.Level != tt.wantLevel {
				t.Errorf("level = %s, want %s", got.Level, tt.wantLevel)
			}
			if len(got.Factors) != len(tt.wantFactors) {
				t.Fatalf("factors = %v, want %v", got.Factors, tt.wantFactors)
			}
			for i, f := range tt.wantFactors {
				if got.Factors[i] != f {
					t.Errorf("factors[%d] = %s, want %s", i, got.Factors[i], f)
				}
			}
		})
	}
}

func TestClassifyOAuthGrantRisk_AdminOverridesBand(t *testing.T) {
	// An admin scope with nothing else accumulates only 35 points, which
	// bands medium; the override still lands it at high.
	got := ClassifyOAuthGrantRisk(OAuthGrant{Scopes: []string{"okta.apps.manage"}}, AIDetection{})
	if got.Level != models.RiskHigh {
		t.Errorf("level = %s, want high", got.Level)
	}
	if got.Score >= GrantHighThreshold {
		t.Errorf("score = %d unexpectedly at or above the high band", got.Score)
	}
}

func TestClassifyOAuthGrantRisk_ScoreCap(t *testing.T) {
	grant := OAuthGrant{
		Anonymous: true,
		Scopes: []string{
			"https://mail.google.com/",
			"https://www.googleapis.com/auth/drive",
			"https://www.googleapis.com/auth/admin.directory.user",
			"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8",
		},
	}
	got := ClassifyOAuthGrantRisk(grant, AIDetection{Detected: true})
	if got.Score > 100 {
		t.Errorf("score = %d, want <= 100", got.Score)
	}
	if got.Level != models.RiskCritical {
		t.Errorf("level = %s, want critical", got.Level)
	}
}
