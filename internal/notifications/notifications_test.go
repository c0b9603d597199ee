package notifications

import (
	"testing"

	"github.com/nexasec/sspm/internal/models"
)

func TestShouldNotify(t *testing.T) {
	svc := NewService(Config{}, nil)

	tests := []struct {
		name    string
		actual  models.RiskLevel
		minimum models.RiskLevel
		want    bool
	}{
		{"critical above high threshold", models.RiskCritical, models.RiskHigh, true},
		{"equal levels pass", models.RiskHigh, models.RiskHigh, true},
		{"medium below high threshold", models.RiskMedium, models.RiskHigh, false},
		{"low below medium threshold", models.RiskLow, models.RiskMedium, false},
		{"anything above low threshold", models.RiskLow, models.RiskLow, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.shouldNotify(tt.actual, tt.minimum); got != tt.want {
				t.Errorf("shouldNotify(%s, %s) = %v, want %v", tt.actual, tt.minimum, got, tt.want)
			}
		})
	}
}

func TestDigestToRisk(t *testing.T) {
	svc := NewService(Config{}, nil)

	tests := []struct {
		name  string
		stats DigestStats
		want  models.RiskLevel
	}{
		{"any critical wins", DigestStats{CriticalAutomations: 1, HighAutomations: 100}, models.RiskCritical},
		{"many high findings", DigestStats{HighAutomations: 6}, models.RiskHigh},
		{"few high findings stay low", DigestStats{HighAutomations: 5}, models.RiskLow},
		{"burst of new automations", DigestStats{NewAutomations: 11}, models.RiskMedium},
		{"quiet day", DigestStats{NewAutomations: 2}, models.RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.digestToRisk(tt.stats); got != tt.want {
				t.Errorf("digestToRisk(%+v) = %s, want %s", tt.stats, got, tt.want)
			}
		})
	}
}

func TestRiskToColor(t *testing.T) {
	svc := NewService(Config{}, nil)

	if got := svc.riskToColor(models.RiskCritical); got != "#FF0000" {
		t.Errorf("critical color = %s", got)
	}
	if got := svc.riskToColor(models.RiskHigh); got != "#FFA500" {
		t.Errorf("high color = %s", got)
	}
	if got := svc.riskToColor(models.RiskLow); got != "#36A64F" {
		t.Errorf("low color = %s", got)
	}
}
