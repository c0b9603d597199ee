// Package correlator groups automations discovered independently on
// different platforms into logical cross-platform integrations. It only
// ever links automations through a separate integration entity; two
// automations are never merged into one row.
package correlator

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/models"
)

// Match confidence by evidence strength: an exact vendor identity match
// outweighs a heuristic timing correlation.
const (
	VendorMatchConfidence   = 0.9
	TemporalMatchConfidence = 0.6

	// TemporalWindow is how close two automations' activity must be,
	// with the same owning actor, for the temporal heuristic to link
	// them.
	TemporalWindow = 15 * time.Minute
)

// Correlator links automations across platforms. Stateless; safe for
// concurrent use.
type Correlator struct{}

func New() *Correlator {
	return &Correlator{}
}

// Correlate examines the organization's full automation set and emits
// one CrossPlatformIntegration per linked pair. Output order is
// deterministic for a given input set.
func (c *Correlator) Correlate(orgID uuid.UUID, automations []models.DiscoveredAutomation) []models.CrossPlatformIntegration {
	sorted := make([]models.DiscoveredAutomation, len(automations))
	copy(sorted, automations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	var (
		out    []models.CrossPlatformIntegration
		linked = make(map[string]bool)
	)

	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			a, b := &sorted[i], &sorted[j]
			if a.Platform == b.Platform {
				continue
			}

			if integ, ok := c.matchVendorIdentity(orgID, a, b); ok {
				key := pairKey(a.ID, b.ID)
				if !linked[key] {
					linked[key] = true
					out = append(out, integ)
				}
				continue
			}

			if integ, ok := c.matchTemporalActor(orgID, a, b); ok {
				key := pairKey(a.ID, b.ID)
				if !linked[key] {
					linked[key] = true
					out = append(out, integ)
				}
			}
		}
	}
	return out
}

// matchVendorIdentity links two automations that carry the same vendor
// or app identity on different platforms.
func (c *Correlator) matchVendorIdentity(orgID uuid.UUID, a, b *models.DiscoveredAutomation) (models.CrossPlatformIntegration, bool) {
	va := normalizeVendor(a)
	vb := normalizeVendor(b)
	if va == "" || va != vb {
		return models.CrossPlatformIntegration{}, false
	}

	source, target := orderByActivity(a, b)
	return models.CrossPlatformIntegration{
		ID:                 uuid.New(),
		OrganizationID:     orgID,
		SourceAutomationID: source.ID,
		TargetAutomationID: target.ID,
		SourcePlatform:     source.Platform,
		TargetPlatform:     target.Platform,
		VendorName:         va,
		DataFlow:           string(source.Platform) + "->" + string(target.Platform),
		MatchType:          models.MatchVendorIdentity,
		Confidence:         VendorMatchConfidence,
		RiskLevel:          maxRiskLevel(a.RiskLevel, b.RiskLevel),
		Evidence: models.JSONB{
			"vendor":          va,
			"source_external": source.ExternalID,
			"target_external": target.ExternalID,
		},
		DetectedAt: time.Now().UTC(),
	}, true
}

// matchTemporalActor links two automations owned by the same actor
// whose last activity falls inside the temporal window, suggesting one
// automation's output feeds the other's trigger.
func (c *Correlator) matchTemporalActor(orgID uuid.UUID, a, b *models.DiscoveredAutomation) (models.CrossPlatformIntegration, bool) {
	actorA := normalizeActor(a)
	if actorA == "" || actorA != normalizeActor(b) {
		return models.CrossPlatformIntegration{}, false
	}
	if a.LastActivityAt == nil || b.LastActivityAt == nil {
		return models.CrossPlatformIntegration{}, false
	}

	gap := a.LastActivityAt.Sub(*b.LastActivityAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > TemporalWindow {
		return models.CrossPlatformIntegration{}, false
	}

	source, target := orderByActivity(a, b)
	return models.CrossPlatformIntegration{
		ID:                 uuid.New(),
		OrganizationID:     orgID,
		SourceAutomationID: source.ID,
		TargetAutomationID: target.ID,
		SourcePlatform:     source.Platform,
		TargetPlatform:     target.Platform,
		DataFlow:           string(source.Platform) + "->" + string(target.Platform),
		MatchType:          models.MatchTemporalActor,
		Confidence:         TemporalMatchConfidence,
		RiskLevel:          maxRiskLevel(a.RiskLevel, b.RiskLevel),
		Evidence: models.JSONB{
			"actor":        actorA,
			"activity_gap": gap.String(),
		},
		DetectedAt: time.Now().UTC(),
	}, true
}

// orderByActivity puts the earlier-active automation first; the data
// flow presumably runs from it to the later one. Without activity
// timestamps the input order stands.
func orderByActivity(a, b *models.DiscoveredAutomation) (*models.DiscoveredAutomation, *models.DiscoveredAutomation) {
	if a.LastActivityAt != nil && b.LastActivityAt != nil && b.LastActivityAt.Before(*a.LastActivityAt) {
		return b, a
	}
	return a, b
}

func normalizeVendor(a *models.DiscoveredAutomation) string {
	v := a.VendorName
	if v == "" {
		v = a.VendorGroup
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func normalizeActor(a *models.DiscoveredAutomation) string {
	if a.OwnerEmail != "" {
		return strings.ToLower(strings.TrimSpace(a.OwnerEmail))
	}
	return strings.TrimSpace(a.OwnerID)
}

func maxRiskLevel(a, b models.RiskLevel) models.RiskLevel {
	if models.RiskLevelRank(a) >= models.RiskLevelRank(b) {
		return a
	}
	return b
}

func pairKey(a, b uuid.UUID) string {
	s1, s2 := a.String(), b.String()
	if s2 < s1 {
		s1, s2 = s2, s1
	}
	return s1 + "|" + s2
}
