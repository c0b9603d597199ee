package correlator

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/models"
)

func automation(platform models.Platform, vendor, ownerEmail string, lastActive *time.Time) models.DiscoveredAutomation {
	return models.DiscoveredAutomation{
		ID:             uuid.New(),
		Platform:       platform,
		ExternalID:     "ext-" + uuid.NewString()[:8],
		Name:           vendor,
		VendorName:     vendor,
		OwnerEmail:     ownerEmail,
		RiskLevel:      models.RiskMedium,
		LastActivityAt: lastActive,
	}
}

func TestCorrelateVendorIdentity(t *testing.T) {
	orgID := uuid.New()
	c := New()

	slackBot := automation(models.PlatformSlack, "Zapier", "ops@example.com", nil)
	driveApp := automation(models.PlatformGoogleWorkspace, "zapier", "other@example.com", nil)
	unrelated := automation(models.PlatformOkta, "Salesforce", "crm@example.com", nil)

	got := c.Correlate(orgID, []models.DiscoveredAutomation{slackBot, driveApp, unrelated})
	if len(got) != 1 {
		t.Fatalf("integrations = %d, want 1", len(got))
	}

	integ := got[0]
	if integ.MatchType != models.MatchVendorIdentity {
		t.Errorf("match type = %s, want vendor_identity", integ.MatchType)
	}
	if integ.Confidence != VendorMatchConfidence {
		t.Errorf("confidence = %f, want %f", integ.Confidence, VendorMatchConfidence)
	}
	if integ.VendorName != "zapier" {
		t.Errorf("vendor = %q, want zapier", integ.VendorName)
	}
	if integ.SourcePlatform == integ.TargetPlatform {
		t.Error("linked automations on the same platform")
	}
}

func TestCorrelateTemporalActor(t *testing.T) {
	orgID := uuid.New()
	c := New()

	t1 := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)
	t3 := t1.Add(2 * time.Hour)

	producer := automation(models.PlatformGoogleWorkspace, "", "dev@example.com", &t1)
	consumer := automation(models.PlatformSlack, "", "dev@example.com", &t2)
	late := automation(models.PlatformOkta, "", "dev@example.com", &t3)

	got := c.Correlate(orgID, []models.DiscoveredAutomation{producer, consumer, late})
	if len(got) != 1 {
		t.Fatalf("integrations = %d, want 1 (late activity outside window)", len(got))
	}

	integ := got[0]
	if integ.MatchType != models.MatchTemporalActor {
		t.Errorf("match type = %s, want temporal_actor", integ.MatchType)
	}
	if integ.Confidence != TemporalMatchConfidence {
		t.Errorf("confidence = %f, want %f", integ.Confidence, TemporalMatchConfidence)
	}
	if integ.SourceAutomationID != producer.ID {
		t.Error("data flow should start at the earlier-active automation")
	}
	if integ.TargetAutomationID != consumer.ID {
		t.Error("data flow should end at the later-active automation")
	}
}

func TestCorrelateVendorOutweighsTemporal(t *testing.T) {
	orgID := uuid.New()
	c := New()

	t1 := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(1 * time.Minute)

	a := automation(models.PlatformSlack, "Workato", "dev@example.com", &t1)
	b := automation(models.PlatformGoogleWorkspace, "Workato", "dev@example.com", &t2)

	got := c.Correlate(orgID, []models.DiscoveredAutomation{a, b})
	if len(got) != 1 {
		t.Fatalf("integrations = %d, want exactly 1 per pair", len(got))
	}
	if got[0].MatchType != models.MatchVendorIdentity {
		t.Errorf("match type = %s, want the stronger vendor match", got[0].MatchType)
	}
}

func TestCorrelateNeverLinksSamePlatform(t *testing.T) {
	orgID := uuid.New()
	c := New()

	a := automation(models.PlatformSlack, "Zapier", "", nil)
	b := automation(models.PlatformSlack, "Zapier", "", nil)

	if got := c.Correlate(orgID, []models.DiscoveredAutomation{a, b}); len(got) != 0 {
		t.Fatalf("integrations = %d, want 0 for same-platform pair", len(got))
	}
}

func TestCorrelatePreservesAutomationRows(t *testing.T) {
	orgID := uuid.New()
	c := New()

	a := automation(models.PlatformSlack, "Zapier", "", nil)
	b := automation(models.PlatformGoogleWorkspace, "Zapier", "", nil)
	input := []models.DiscoveredAutomation{a, b}

	got := c.Correlate(orgID, input)
	if len(got) != 1 {
		t.Fatalf("integrations = %d, want 1", len(got))
	}
	// The integration is a separate linking entity; both automations
	// keep their identity.
	if got[0].ID == a.ID || got[0].ID == b.ID {
		t.Error("integration reused an automation id")
	}
	if input[0].ID != a.ID || input[1].ID != b.ID {
		t.Error("input automations mutated")
	}
}

func TestCorrelateRiskLevelIsMaxOfPair(t *testing.T) {
	orgID := uuid.New()
	c := New()

	a := automation(models.PlatformSlack, "Zapier", "", nil)
	a.RiskLevel = models.RiskCritical
	b := automation(models.PlatformGoogleWorkspace, "Zapier", "", nil)
	b.RiskLevel = models.RiskLow

	got := c.Correlate(orgID, []models.DiscoveredAutomation{a, b})
	if len(got) != 1 {
		t.Fatal("expected one integration")
	}
	if got[0].RiskLevel != models.RiskCritical {
		t.Errorf("risk level = %s, want critical", got[0].RiskLevel)
	}
}
