// Package graph projects discovered automations and their
// cross-platform links into neo4j for vendor-footprint and blast-radius
// queries that are awkward in SQL.
package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/nexasec/sspm/internal/models"
)

type Graph struct {
	driver neo4j.DriverWithContext
}

type Config struct {
	URI      string
	Username string
	Password string
}

func New(cfg Config) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	g := &Graph{driver: driver}

	if err := g.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return g, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) createIndexes(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Connection) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Automation) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Automation) ON (n.externalId)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Owner) ON (n.email)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Vendor) ON (n.name)",
		"CREATE INDEX IF NOT EXISTS FOR (n:AIProvider) ON (n.name)",
	}

	for _, idx := range indexes {
		_, err := session.Run(ctx, idx, nil)
		if err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

func (g *Graph) UpsertConnection(ctx context.Context, conn *models.PlatformConnection) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (c:Connection {id: $id})
		SET c.platform = $platform,
			c.externalId = $externalId,
			c.displayName = $displayName,
			c.organizationId = $organizationId,
			c.status = $status
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":             conn.ID.String(),
		"platform":       string(conn.Platform),
		"externalId":     conn.ExternalID,
		"displayName":    conn.DisplayName,
		"organizationId": conn.OrganizationID.String(),
		"status":         conn.Status,
	})

	return err
}

// UpsertAutomation projects one automation plus its ownership, vendor
// and AI-provider edges.
func (g *Graph) UpsertAutomation(ctx context.Context, a *models.DiscoveredAutomation) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MERGE (a:Automation {id: $id})
		SET a.externalId = $externalId,
			a.name = $name,
			a.platform = $platform,
			a.kind = $kind,
			a.status = $status,
			a.riskLevel = $riskLevel,
			a.riskScore = $riskScore,
			a.organizationId = $organizationId
		WITH a
		MATCH (c:Connection {id: $connectionId})
		MERGE (a)-[:RUNS_ON]->(c)
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":             a.ID.String(),
		"externalId":     a.ExternalID,
		"name":           a.Name,
		"platform":       string(a.Platform),
		"kind":           string(a.Kind),
		"status":         string(a.Status),
		"riskLevel":      string(a.RiskLevel),
		"riskScore":      a.RiskScore,
		"organizationId": a.OrganizationID.String(),
		"connectionId":   a.ConnectionID.String(),
	})
	if err != nil {
		return err
	}

	if a.OwnerEmail != "" {
		if err := g.linkOwner(ctx, session, a); err != nil {
			return err
		}
	}
	if a.VendorName != "" {
		if err := g.linkVendor(ctx, session, a); err != nil {
			return err
		}
	}
	if providers := detectedProviders(a.Detection); len(providers) > 0 {
		if err := g.linkProviders(ctx, session, a, providers); err != nil {
			return err
		}
	}

	return nil
}

func (g *Graph) linkOwner(ctx context.Context, session neo4j.SessionWithContext, a *models.DiscoveredAutomation) error {
	query := `
		MERGE (o:Owner {email: $email})
		SET o.type = $type
		WITH o
		MATCH (a:Automation {id: $id})
		MERGE (a)-[:OWNED_BY]->(o)
	`
	_, err := session.Run(ctx, query, map[string]interface{}{
		"email": a.OwnerEmail,
		"type":  a.OwnerType,
		"id":    a.ID.String(),
	})
	return err
}

func (g *Graph) linkVendor(ctx context.Context, session neo4j.SessionWithContext, a *models.DiscoveredAutomation) error {
	query := `
		MERGE (v:Vendor {name: $name})
		WITH v
		MATCH (a:Automation {id: $id})
		MERGE (a)-[:OPERATED_BY]->(v)
	`
	_, err := session.Run(ctx, query, map[string]interface{}{
		"name": a.VendorName,
		"id":   a.ID.String(),
	})
	return err
}

func (g *Graph) linkProviders(ctx context.Context, session neo4j.SessionWithContext, a *models.DiscoveredAutomation, providers []string) error {
	query := `
		MATCH (a:Automation {id: $id})
		UNWIND $providers AS providerName
		MERGE (p:AIProvider {name: providerName})
		MERGE (a)-[:CALLS]->(p)
	`
	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":        a.ID.String(),
		"providers": providers,
	})
	return err
}

// detectedProviders pulls the provider list out of a stored detection
// payload.
func detectedProviders(detection models.JSONB) []string {
	if detection == nil {
		return nil
	}
	raw, ok := detection["providers"].([]interface{})
	if !ok {
		return nil
	}
	var providers []string
	for _, p := range raw {
		if s, ok := p.(string); ok {
			providers = append(providers, s)
		}
	}
	return providers
}

// LinkIntegration creates the cross-platform edge between two
// correlated automations.
func (g *Graph) LinkIntegration(ctx context.Context, integ *models.CrossPlatformIntegration) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (s:Automation {id: $sourceId})
		MATCH (t:Automation {id: $targetId})
		MERGE (s)-[r:LINKED_TO]->(t)
		SET r.id = $id,
			r.matchType = $matchType,
			r.confidence = $confidence,
			r.vendorName = $vendorName,
			r.riskLevel = $riskLevel
	`

	_, err := session.Run(ctx, query, map[string]interface{}{
		"id":         integ.ID.String(),
		"sourceId":   integ.SourceAutomationID.String(),
		"targetId":   integ.TargetAutomationID.String(),
		"matchType":  string(integ.MatchType),
		"confidence": integ.Confidence,
		"vendorName": integ.VendorName,
		"riskLevel":  string(integ.RiskLevel),
	})

	return err
}

// SyncOrganization replays an organization's current inventory into the
// graph. Called after each completed discovery run.
func (g *Graph) SyncOrganization(ctx context.Context, conns []models.PlatformConnection, automations []models.DiscoveredAutomation, integrations []models.CrossPlatformIntegration) error {
	for i := range conns {
		if err := g.UpsertConnection(ctx, &conns[i]); err != nil {
			return fmt.Errorf("syncing connection %s: %w", conns[i].ID, err)
		}
	}
	for i := range automations {
		if err := g.UpsertAutomation(ctx, &automations[i]); err != nil {
			return fmt.Errorf("syncing automation %s: %w", automations[i].ID, err)
		}
	}
	for i := range integrations {
		if err := g.LinkIntegration(ctx, &integrations[i]); err != nil {
			return fmt.Errorf("syncing integration %s: %w", integrations[i].ID, err)
		}
	}
	return nil
}

// VendorFootprint is one vendor's reach across the organization.
type VendorFootprint struct {
	Vendor      string   `json:"vendor"`
	Platforms   []string `json:"platforms"`
	Automations []string `json:"automations"`
	MaxRisk     string   `json:"max_risk"`
}

// FindVendorFootprints returns vendors that operate automations on more
// than one platform, the core blast-radius question.
func (g *Graph) FindVendorFootprints(ctx context.Context, orgID uuid.UUID) ([]VendorFootprint, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (a:Automation {organizationId: $orgId})-[:OPERATED_BY]->(v:Vendor)
		WITH v, collect(DISTINCT a.platform) AS platforms, collect(a.name) AS names, max(a.riskLevel) AS maxRisk
		WHERE size(platforms) > 1
		RETURN v.name AS vendor, platforms, names, maxRisk
		ORDER BY size(platforms) DESC
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"orgId": orgID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var footprints []VendorFootprint
	for result.Next(ctx) {
		rec := result.Record()
		vendor, _ := rec.Get("vendor")
		platforms, _ := rec.Get("platforms")
		names, _ := rec.Get("names")
		maxRisk, _ := rec.Get("maxRisk")

		fp := VendorFootprint{Vendor: vendor.(string)}
		if s, ok := maxRisk.(string); ok {
			fp.MaxRisk = s
		}
		fp.Platforms = toStrings(platforms)
		fp.Automations = toStrings(names)

		footprints = append(footprints, fp)
	}

	return footprints, nil
}

// AIExposure is one automation's detected AI-provider reach.
type AIExposure struct {
	AutomationID string   `json:"automation_id"`
	Name         string   `json:"name"`
	Platform     string   `json:"platform"`
	RiskLevel    string   `json:"risk_level"`
	Providers    []string `json:"providers"`
}

// FindAIExposure returns every automation with a CALLS edge to an AI
// provider, ordered by risk.
func (g *Graph) FindAIExposure(ctx context.Context, orgID uuid.UUID) ([]AIExposure, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (a:Automation {organizationId: $orgId})-[:CALLS]->(p:AIProvider)
		WITH a, collect(p.name) AS providers
		RETURN a.id AS id, a.name AS name, a.platform AS platform, a.riskLevel AS riskLevel, providers
		ORDER BY a.riskScore DESC
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"orgId": orgID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var exposures []AIExposure
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		name, _ := rec.Get("name")
		platform, _ := rec.Get("platform")
		riskLevel, _ := rec.Get("riskLevel")
		providers, _ := rec.Get("providers")

		exposures = append(exposures, AIExposure{
			AutomationID: id.(string),
			Name:         name.(string),
			Platform:     platform.(string),
			RiskLevel:    riskLevel.(string),
			Providers:    toStrings(providers),
		})
	}

	return exposures, nil
}

// OwnerExposure aggregates one owner's automations across platforms.
type OwnerExposure struct {
	Owner       string   `json:"owner"`
	Platforms   []string `json:"platforms"`
	Automations int      `json:"automations"`
}

// FindOwnerExposure returns owners whose automations span multiple
// platforms; these are the correlation candidates an analyst reviews.
func (g *Graph) FindOwnerExposure(ctx context.Context, orgID uuid.UUID) ([]OwnerExposure, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	query := `
		MATCH (a:Automation {organizationId: $orgId})-[:OWNED_BY]->(o:Owner)
		WITH o, collect(DISTINCT a.platform) AS platforms, count(a) AS total
		WHERE size(platforms) > 1
		RETURN o.email AS owner, platforms, total
		ORDER BY total DESC
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"orgId": orgID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var exposures []OwnerExposure
	for result.Next(ctx) {
		rec := result.Record()
		owner, _ := rec.Get("owner")
		platforms, _ := rec.Get("platforms")
		total, _ := rec.Get("total")

		exposures = append(exposures, OwnerExposure{
			Owner:       owner.(string),
			Platforms:   toStrings(platforms),
			Automations: int(total.(int64)),
		})
	}

	return exposures, nil
}

// GraphStats summarizes the projected graph.
type GraphStats struct {
	AutomationsByPlatform map[string]int `json:"automations_by_platform"`
	AIIntegrationCount    int            `json:"ai_integration_count"`
	CrossPlatformLinks    int            `json:"cross_platform_links"`
	MultiPlatformVendors  int            `json:"multi_platform_vendors"`
}

func (g *Graph) GetStats(ctx context.Context, orgID uuid.UUID) (*GraphStats, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	stats := &GraphStats{}
	params := map[string]interface{}{"orgId": orgID.String()}

	query := `
		MATCH (a:Automation {organizationId: $orgId})
		RETURN a.platform AS platform, count(a) AS count
	`
	result, err := session.Run(ctx, query, params)
	if err == nil {
		stats.AutomationsByPlatform = make(map[string]int)
		for result.Next(ctx) {
			rec := result.Record()
			platform, _ := rec.Get("platform")
			count, _ := rec.Get("count")
			stats.AutomationsByPlatform[platform.(string)] = int(count.(int64))
		}
	}

	query = `
		MATCH (a:Automation {organizationId: $orgId})-[:CALLS]->(:AIProvider)
		RETURN count(DISTINCT a) AS count
	`
	result, err = session.Run(ctx, query, params)
	if err == nil && result.Next(ctx) {
		count, _ := result.Record().Get("count")
		stats.AIIntegrationCount = int(count.(int64))
	}

	query = `
		MATCH (:Automation {organizationId: $orgId})-[r:LINKED_TO]->(:Automation)
		RETURN count(r) AS count
	`
	result, err = session.Run(ctx, query, params)
	if err == nil && result.Next(ctx) {
		count, _ := result.Record().Get("count")
		stats.CrossPlatformLinks = int(count.(int64))
	}

	query = `
		MATCH (a:Automation {organizationId: $orgId})-[:OPERATED_BY]->(v:Vendor)
		WITH v, collect(DISTINCT a.platform) AS platforms
		WHERE size(platforms) > 1
		RETURN count(v) AS count
	`
	result, err = session.Run(ctx, query, params)
	if err == nil && result.Next(ctx) {
		count, _ := result.Record().Get("count")
		stats.MultiPlatformVendors = int(count.(int64))
	}

	return stats, nil
}

func toStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
