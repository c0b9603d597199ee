package risk

// recommendationCatalog maps risk factor codes to remediation guidance.
// The catalog is fixed; recommendations are selected by triggered
// factor, in factor order, deduplicated.
var recommendationCatalog = map[string]string{
	FactorCriticalPermission:    "Replace the critical-risk scope with the narrowest alternative that still supports the workflow",
	FactorHighRiskPermission:    "Review whether the high-risk scope is required; downgrade to a read-only or scoped variant",
	FactorExcessivePermissions:  "Reduce permission scope to the minimum set the automation actually uses",
	FactorAIIntegration:         "Confirm the external AI provider integration is approved and covered by a data processing agreement",
	FactorSensitiveDataAccess:   "Audit what sensitive data the automation reads and whether it leaves the tenant",
	FactorBroadDataAccess:       "Split the automation so each part touches only the data categories it needs",
	FactorRecentActivity:        "Verify recent executions against expected schedules and owners",
	FactorDormantAutomation:     "Disable or remove the dormant automation; dormant grants retain their permissions",
	FactorServiceAccountOwner:   "Assign a human owner responsible for the service account and rotate its credentials",
	FactorThirdPartyOwner:       "Review the third-party platform's access and confirm it is still sanctioned",
	FactorUnattributedOwnership: "Identify and record an accountable owner for the automation",
}

// RecommendationsFor selects remediation guidance for the triggered
// factors. Order follows factor order; duplicates collapse.
func RecommendationsFor(factors []string) []string {
	var (
		seen = make(map[string]bool)
		out  []string
	)
	for _, f := range factors {
		rec, ok := recommendationCatalog[f]
		if !ok || seen[rec] {
			continue
		}
		seen[rec] = true
		out = append(out, rec)
	}
	return out
}
