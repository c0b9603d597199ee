package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nexasec/sspm/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) CreateConnection(ctx context.Context, conn *models.PlatformConnection) error {
	query := `
		INSERT INTO platform_connections (id, organization_id, platform, external_id, display_name, connector_config, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	conn.CreatedAt = time.Now()
	conn.UpdatedAt = time.Now()
	if conn.Status == "" {
		conn.Status = "active"
	}

	_, err := s.db.ExecContext(ctx, query,
		conn.ID,
		conn.OrganizationID,
		conn.Platform,
		conn.ExternalID,
		conn.DisplayName,
		conn.ConnectorConfig,
		conn.Status,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	return err
}

func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (*models.PlatformConnection, error) {
	var conn models.PlatformConnection
	query := `SELECT * FROM platform_connections WHERE id = $1`
	err := s.db.GetContext(ctx, &conn, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &conn, err
}

func (s *Store) ListConnections(ctx context.Context, orgID uuid.UUID, platform *models.Platform) ([]models.PlatformConnection, error) {
	query := `SELECT * FROM platform_connections WHERE organization_id = $1`
	args := []interface{}{orgID}
	if platform != nil {
		query += ` AND platform = $2`
		args = append(args, *platform)
	}
	query += ` ORDER BY created_at DESC`

	conns := []models.PlatformConnection{}
	err := s.db.SelectContext(ctx, &conns, query, args...)
	return conns, err
}

// ListAllConnections returns every connection across organizations.
// Used by the scheduler's discover-all and graph sync jobs.
func (s *Store) ListAllConnections(ctx context.Context) ([]models.PlatformConnection, error) {
	conns := []models.PlatformConnection{}
	err := s.db.SelectContext(ctx, &conns, `SELECT * FROM platform_connections ORDER BY created_at`)
	return conns, err
}

// DeleteConnection removes a connection and everything discovered
// through it.
func (s *Store) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM risk_history WHERE automation_id IN (SELECT id FROM discovered_automations WHERE connection_id = $1)`,
		`DELETE FROM automation_feedback WHERE automation_id IN (SELECT id FROM discovered_automations WHERE connection_id = $1)`,
		`DELETE FROM cross_platform_integrations WHERE source_automation_id IN (SELECT id FROM discovered_automations WHERE connection_id = $1)
			OR target_automation_id IN (SELECT id FROM discovered_automations WHERE connection_id = $1)`,
		`DELETE FROM discovered_automations WHERE connection_id = $1`,
		`DELETE FROM discovery_runs WHERE connection_id = $1`,
		`DELETE FROM platform_connections WHERE id = $1`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status, message string) error {
	query := `
		UPDATE platform_connections
		SET status = $2, status_message = $3, updated_at = $4
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, id, status, message, time.Now())
	return err
}

func (s *Store) TouchConnectionDiscovery(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE platform_connections SET last_discovery_at = $2, updated_at = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, at)
	return err
}

func (s *Store) CreateRun(ctx context.Context, run *models.DiscoveryRun) error {
	query := `
		INSERT INTO discovery_runs (id, organization_id, connection_id, status, automations_found, errors_count, warnings_count, metadata, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.OrganizationID,
		run.ConnectionID,
		run.Status,
		run.AutomationsFound,
		run.ErrorsCount,
		run.WarningsCount,
		run.Metadata,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	// The single-active-run index makes concurrent creators collide
	// here; the orchestrator joins the winner.
	return consistencyError("run", run.ConnectionID.String(), err)
}

func (s *Store) UpdateRun(ctx context.Context, run *models.DiscoveryRun) error {
	query := `
		UPDATE discovery_runs
		SET status = $2, automations_found = $3, errors_count = $4, warnings_count = $5, metadata = $6, started_at = $7, completed_at = $8, updated_at = $9
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.AutomationsFound,
		run.ErrorsCount,
		run.WarningsCount,
		run.Metadata,
		run.StartedAt,
		run.CompletedAt,
		time.Now(),
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.DiscoveryRun, error) {
	var run models.DiscoveryRun
	query := `SELECT * FROM discovery_runs WHERE id = $1`
	err := s.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

// GetActiveRun returns the connection's non-terminal run, if any. Used
// to join an in-flight run instead of starting a duplicate.
func (s *Store) GetActiveRun(ctx context.Context, connectionID uuid.UUID) (*models.DiscoveryRun, error) {
	var run models.DiscoveryRun
	query := `
		SELECT * FROM discovery_runs
		WHERE connection_id = $1 AND status IN ('pending', 'in_progress')
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := s.db.GetContext(ctx, &run, query, connectionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

func (s *Store) ListRuns(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]models.DiscoveryRun, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM discovery_runs WHERE connection_id = $1`, connectionID); err != nil {
		return nil, 0, err
	}

	runs := []models.DiscoveryRun{}
	query := `
		SELECT * FROM discovery_runs
		WHERE connection_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	err := s.db.SelectContext(ctx, &runs, query, connectionID, limit, offset)
	return runs, total, err
}

// DeleteOldRuns removes terminal runs older than the cutoff. Automations
// keep their run_id; the reference is informational only.
func (s *Store) DeleteOldRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM discovery_runs
		WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DashboardCounts aggregates the numbers the dashboard summary shows.
type DashboardCounts struct {
	TotalConnections    int `db:"total_connections"`
	ActiveConnections   int `db:"active_connections"`
	TotalAutomations    int `db:"total_automations"`
	CriticalAutomations int `db:"critical_automations"`
	HighAutomations     int `db:"high_automations"`
	MediumAutomations   int `db:"medium_automations"`
	LowAutomations      int `db:"low_automations"`
	ActiveAutomations   int `db:"active_automations"`
	Integrations        int `db:"integrations"`
}

func (s *Store) GetDashboardCounts(ctx context.Context, orgID uuid.UUID) (*DashboardCounts, error) {
	var counts DashboardCounts
	query := `
		SELECT
			(SELECT COUNT(*) FROM platform_connections WHERE organization_id = $1) AS total_connections,
			(SELECT COUNT(*) FROM platform_connections WHERE organization_id = $1 AND status = 'active') AS active_connections,
			(SELECT COUNT(*) FROM discovered_automations WHERE organization_id = $1) AS total_automations,
			(SELECT COUNT(*) FROM discovered_automations WHERE organization_id = $1 AND risk_level = 'critical') AS critical_automations,
			(SELECT COUNT(*) FROM discovered_automations WHERE organization_id = $1 AND risk_level = 'high') AS high_automations,
			(SELECT COUNT(*) FROM discovered_automations WHERE organization_id = $1 AND risk_level = 'medium') AS medium_automations,
			(SELECT COUNT(*) FROM discovered_automations WHERE organization_id = $1 AND risk_level = 'low') AS low_automations,
			(SELECT COUNT(*) FROM discovered_automations WHERE organization_id = $1 AND status = 'active') AS active_automations,
			(SELECT COUNT(*) FROM cross_platform_integrations WHERE organization_id = $1) AS integrations
	`
	err := s.db.GetContext(ctx, &counts, query, orgID)
	return &counts, err
}
