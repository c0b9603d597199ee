package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nexasec/sspm/internal/discovery"
	"github.com/nexasec/sspm/internal/models"
)

const pqUniqueViolation = "23505"

// consistencyError maps a unique-constraint violation onto the typed
// error the orchestrator retries once.
func consistencyError(entity, key string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return &discovery.DataConsistencyError{Entity: entity, Key: key, Err: err}
	}
	return err
}

func (s *Store) InsertAutomation(ctx context.Context, a *models.DiscoveredAutomation) error {
	query := `
		INSERT INTO discovered_automations (
			id, organization_id, connection_id, run_id, platform, external_id,
			name, description, kind, status, trigger_type,
			actions, permissions, data_access_patterns,
			owner_id, owner_email, owner_type, vendor_name, vendor_group,
			detection, risk_level, risk_score,
			last_activity_at, first_seen_at, last_seen_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22,
			$23, $24, $25, $26, $27
		)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.OrganizationID, a.ConnectionID, a.RunID, a.Platform, a.ExternalID,
		a.Name, a.Description, a.Kind, a.Status, a.TriggerType,
		a.Actions, a.Permissions, a.DataAccessPatterns,
		a.OwnerID, a.OwnerEmail, a.OwnerType, a.VendorName, a.VendorGroup,
		a.Detection, a.RiskLevel, a.RiskScore,
		a.LastActivityAt, a.FirstSeenAt, a.LastSeenAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return consistencyError("automation", a.ConnectionID.String()+"/"+a.ExternalID, err)
	}
	return nil
}

func (s *Store) UpdateAutomation(ctx context.Context, a *models.DiscoveredAutomation) error {
	query := `
		UPDATE discovered_automations
		SET run_id = $2, name = $3, description = $4, kind = $5, status = $6,
		    trigger_type = $7, actions = $8, permissions = $9, data_access_patterns = $10,
		    owner_id = $11, owner_email = $12, owner_type = $13, vendor_name = $14, vendor_group = $15,
		    detection = $16, risk_level = $17, risk_score = $18,
		    last_activity_at = $19, last_seen_at = $20, updated_at = $21
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.RunID, a.Name, a.Description, a.Kind, a.Status,
		a.TriggerType, a.Actions, a.Permissions, a.DataAccessPatterns,
		a.OwnerID, a.OwnerEmail, a.OwnerType, a.VendorName, a.VendorGroup,
		a.Detection, a.RiskLevel, a.RiskScore,
		a.LastActivityAt, a.LastSeenAt, time.Now(),
	)
	return err
}

func (s *Store) GetAutomation(ctx context.Context, id uuid.UUID) (*models.DiscoveredAutomation, error) {
	var a models.DiscoveredAutomation
	query := `SELECT * FROM discovered_automations WHERE id = $1`
	err := s.db.GetContext(ctx, &a, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *Store) GetAutomationByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*models.DiscoveredAutomation, error) {
	var a models.DiscoveredAutomation
	query := `SELECT * FROM discovered_automations WHERE connection_id = $1 AND external_id = $2`
	err := s.db.GetContext(ctx, &a, query, connectionID, externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *Store) ListAutomationsByOrganization(ctx context.Context, orgID uuid.UUID) ([]models.DiscoveredAutomation, error) {
	automations := []models.DiscoveredAutomation{}
	query := `SELECT * FROM discovered_automations WHERE organization_id = $1 ORDER BY created_at`
	err := s.db.SelectContext(ctx, &automations, query, orgID)
	return automations, err
}

func (s *Store) ListAutomations(ctx context.Context, orgID uuid.UUID, platform *models.Platform, riskLevel *models.RiskLevel, limit, offset int) ([]models.DiscoveredAutomation, int, error) {
	where := `WHERE organization_id = $1`
	args := []interface{}{orgID}
	argIdx := 2

	if platform != nil {
		where += fmt.Sprintf(` AND platform = $%d`, argIdx)
		args = append(args, *platform)
		argIdx++
	}
	if riskLevel != nil {
		where += fmt.Sprintf(` AND risk_level = $%d`, argIdx)
		args = append(args, *riskLevel)
		argIdx++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM discovered_automations `+where, args...); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(
		`SELECT * FROM discovered_automations %s ORDER BY risk_score DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1,
	)
	args = append(args, limit, offset)

	automations := []models.DiscoveredAutomation{}
	err := s.db.SelectContext(ctx, &automations, query, args...)
	return automations, total, err
}

// AppendRiskHistory appends one immutable entry to an automation's risk
// history. There is no update or delete path for this table.
func (s *Store) AppendRiskHistory(ctx context.Context, entry *models.RiskHistoryEntry) error {
	query := `
		INSERT INTO risk_history (id, automation_id, score, level, factors, trigger, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.AutomationID,
		entry.Score,
		entry.Level,
		entry.Factors,
		entry.Trigger,
		entry.RecordedAt,
	)
	return err
}

// ListRiskHistory returns an automation's history strictly ordered by
// append time.
func (s *Store) ListRiskHistory(ctx context.Context, automationID uuid.UUID) ([]models.RiskHistoryEntry, error) {
	entries := []models.RiskHistoryEntry{}
	query := `SELECT * FROM risk_history WHERE automation_id = $1 ORDER BY recorded_at, id`
	err := s.db.SelectContext(ctx, &entries, query, automationID)
	return entries, err
}

// ReplaceIntegrations swaps the organization's cross-platform
// integration set for a freshly correlated one, atomically.
func (s *Store) ReplaceIntegrations(ctx context.Context, orgID uuid.UUID, integrations []models.CrossPlatformIntegration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cross_platform_integrations WHERE organization_id = $1`, orgID); err != nil {
		return fmt.Errorf("clearing integrations: %w", err)
	}

	query := `
		INSERT INTO cross_platform_integrations (
			id, organization_id, source_automation_id, target_automation_id,
			source_platform, target_platform, vendor_name, data_flow,
			match_type, confidence, risk_level, evidence, detected_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	now := time.Now()
	for i := range integrations {
		integ := &integrations[i]
		if integ.CreatedAt.IsZero() {
			integ.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, query,
			integ.ID, integ.OrganizationID, integ.SourceAutomationID, integ.TargetAutomationID,
			integ.SourcePlatform, integ.TargetPlatform, integ.VendorName, integ.DataFlow,
			integ.MatchType, integ.Confidence, integ.RiskLevel, integ.Evidence, integ.DetectedAt, integ.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting integration: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListIntegrations(ctx context.Context, orgID uuid.UUID) ([]models.CrossPlatformIntegration, error) {
	integrations := []models.CrossPlatformIntegration{}
	query := `SELECT * FROM cross_platform_integrations WHERE organization_id = $1 ORDER BY confidence DESC, created_at`
	err := s.db.SelectContext(ctx, &integrations, query, orgID)
	return integrations, err
}
