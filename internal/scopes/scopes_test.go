package scopes

import (
	"testing"

	"github.com/nexasec/sspm/internal/models"
)

func TestLookup(t *testing.T) {
	meta, ok := Lookup("https://mail.google.com/")
	if !ok {
		t.Fatal("expected catalog hit")
	}
	if meta.RiskLevel != models.RiskCritical {
		t.Errorf("risk level = %s, want critical", meta.RiskLevel)
	}
	if len(meta.SensitivityTags) == 0 {
		t.Error("expected sensitivity tags")
	}

	if _, ok := Lookup("no-such-scope"); ok {
		t.Error("unexpected catalog hit for unknown scope")
	}
}

func TestLookupTrimsWhitespace(t *testing.T) {
	if _, ok := Lookup("  email  "); !ok {
		t.Error("expected whitespace-tolerant lookup")
	}
}

func TestRiskScore(t *testing.T) {
	if got := RiskScore("email"); got != 5 {
		t.Errorf("email score = %d, want 5", got)
	}
	if got := RiskScore("totally-unknown"); got != unknownScopeRisk {
		t.Errorf("unknown score = %d, want %d", got, unknownScopeRisk)
	}
}

func TestMaxRisk(t *testing.T) {
	tests := []struct {
		name        string
		permissions []string
		wantScope   string
		wantScore   int
		wantOK      bool
	}{
		{
			name:   "empty list",
			wantOK: false,
		},
		{
			name:        "max wins",
			permissions: []string{"email", "https://www.googleapis.com/auth/drive", "profile"},
			wantScope:   "https://www.googleapis.com/auth/drive",
			wantScore:   85,
			wantOK:      true,
		},
		{
			name:        "unknown scope carries default",
			permissions: []string{"mystery-scope"},
			wantScope:   "mystery-scope",
			wantScore:   unknownScopeRisk,
			wantOK:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, score, ok := MaxRisk(tt.permissions)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if meta.Scope != tt.wantScope {
				t.Errorf("scope = %s, want %s", meta.Scope, tt.wantScope)
			}
			if score != tt.wantScore {
				t.Errorf("score = %d, want %d", score, tt.wantScore)
			}
		})
	}
}

func TestSensitivityTagsUnion(t *testing.T) {
	tags := SensitivityTags([]string{"email", "https://www.googleapis.com/auth/drive", "profile"})
	seen := make(map[string]int)
	for _, tag := range tags {
		seen[tag]++
		if seen[tag] > 1 {
			t.Errorf("duplicate tag %q", tag)
		}
	}
	if seen["identity"] == 0 || seen["documents"] == 0 {
		t.Errorf("tags = %v, want identity and documents present", tags)
	}
}

func TestAllEntriesConsistent(t *testing.T) {
	for _, meta := range All() {
		if meta.Scope == "" {
			t.Fatal("catalog entry with empty scope")
		}
		if meta.RiskScore < 0 || meta.RiskScore > 100 {
			t.Errorf("%s: risk score %d out of range", meta.Scope, meta.RiskScore)
		}
		if models.RiskLevelRank(meta.RiskLevel) == 0 {
			t.Errorf("%s: missing risk level", meta.Scope)
		}
	}
}
