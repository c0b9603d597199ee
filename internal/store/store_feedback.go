package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/models"
)

// UpsertFeedback inserts or updates the single feedback row per
// (automation, user). Repeated submissions by the same analyst update
// in place; the unique constraint guarantees convergence under
// concurrent writers.
func (s *Store) UpsertFeedback(ctx context.Context, fb *models.AutomationFeedback) (*models.AutomationFeedback, error) {
	query := `
		INSERT INTO automation_feedback (
			id, automation_id, organization_id, user_id, kind, comment,
			detection_snapshot, suggested_corrections, training_eligible, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (automation_id, user_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			comment = EXCLUDED.comment,
			detection_snapshot = EXCLUDED.detection_snapshot,
			suggested_corrections = EXCLUDED.suggested_corrections,
			training_eligible = EXCLUDED.training_eligible,
			updated_at = EXCLUDED.updated_at
		RETURNING *
	`
	var stored models.AutomationFeedback
	err := s.db.GetContext(ctx, &stored, query,
		fb.ID,
		fb.AutomationID,
		fb.OrganizationID,
		fb.UserID,
		fb.Kind,
		fb.Comment,
		fb.DetectionSnapshot,
		fb.SuggestedCorrections,
		fb.TrainingEligible,
		fb.Status,
		fb.CreatedAt,
		fb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Store) ListFeedbackByOrganization(ctx context.Context, orgID uuid.UUID, since time.Time) ([]models.AutomationFeedback, error) {
	rows := []models.AutomationFeedback{}
	query := `SELECT * FROM automation_feedback WHERE organization_id = $1`
	args := []interface{}{orgID}
	if !since.IsZero() {
		query += ` AND created_at >= $2`
		args = append(args, since)
	}
	query += ` ORDER BY created_at`
	err := s.db.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

func (s *Store) ListFeedbackByAutomation(ctx context.Context, automationID uuid.UUID) ([]models.AutomationFeedback, error) {
	rows := []models.AutomationFeedback{}
	query := `SELECT * FROM automation_feedback WHERE automation_id = $1 ORDER BY created_at`
	err := s.db.SelectContext(ctx, &rows, query, automationID)
	return rows, err
}

func (s *Store) UpdateFeedbackStatus(ctx context.Context, id uuid.UUID, status models.FeedbackStatus) error {
	query := `UPDATE automation_feedback SET status = $2, updated_at = $3 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, status, time.Now())
	return err
}

func (s *Store) GetBaseline(ctx context.Context, orgID uuid.UUID, userID string) (*models.BehavioralBaseline, error) {
	var b models.BehavioralBaseline
	query := `SELECT * FROM behavioral_baselines WHERE organization_id = $1 AND user_id = $2`
	err := s.db.GetContext(ctx, &b, query, orgID, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &b, err
}

// UpsertBaseline converges concurrent writers for the same (user, org)
// onto one row via the unique constraint.
func (s *Store) UpsertBaseline(ctx context.Context, b *models.BehavioralBaseline) error {
	query := `
		INSERT INTO behavioral_baselines (
			id, organization_id, user_id, state,
			mean_daily_events, stddev_daily_events, active_hour_start, active_hour_end,
			action_frequencies, sample_count, last_observed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET
			state = EXCLUDED.state,
			mean_daily_events = EXCLUDED.mean_daily_events,
			stddev_daily_events = EXCLUDED.stddev_daily_events,
			active_hour_start = EXCLUDED.active_hour_start,
			active_hour_end = EXCLUDED.active_hour_end,
			action_frequencies = EXCLUDED.action_frequencies,
			sample_count = EXCLUDED.sample_count,
			last_observed_at = EXCLUDED.last_observed_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.OrganizationID,
		b.UserID,
		b.State,
		b.MeanDailyEvents,
		b.StdDevDailyEvents,
		b.ActiveHourStart,
		b.ActiveHourEnd,
		b.ActionFrequencies,
		b.SampleCount,
		b.LastObservedAt,
		b.CreatedAt,
		b.UpdatedAt,
	)
	return err
}

// SeedScopeMetadata loads the static scope reference table. Existing
// rows are refreshed; the table is read-only at runtime.
func (s *Store) SeedScopeMetadata(ctx context.Context, entries []models.OAuthScopeMetadata) error {
	query := `
		INSERT INTO oauth_scope_metadata (
			scope, platform, risk_score, risk_level, description,
			sensitivity_tags, abuse_scenarios, alternative, regulatory_notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scope) DO UPDATE SET
			platform = EXCLUDED.platform,
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			description = EXCLUDED.description,
			sensitivity_tags = EXCLUDED.sensitivity_tags,
			abuse_scenarios = EXCLUDED.abuse_scenarios,
			alternative = EXCLUDED.alternative,
			regulatory_notes = EXCLUDED.regulatory_notes
	`
	for _, m := range entries {
		if _, err := s.db.ExecContext(ctx, query,
			m.Scope,
			m.Platform,
			m.RiskScore,
			m.RiskLevel,
			m.Description,
			m.SensitivityTags,
			m.AbuseScenarios,
			m.Alternative,
			m.RegulatoryNotes,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetScopeMetadata(ctx context.Context, scope string) (*models.OAuthScopeMetadata, error) {
	var m models.OAuthScopeMetadata
	query := `SELECT * FROM oauth_scope_metadata WHERE scope = $1`
	err := s.db.GetContext(ctx, &m, query, scope)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}
