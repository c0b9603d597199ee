package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("scheduled job not found")

// ErrUnknownJobType is returned when a job names a type no handler
// will ever serve.
var ErrUnknownJobType = errors.New("unknown job type")

var knownJobTypes = map[JobType]bool{
	JobTypeDiscoverConnection: true,
	JobTypeDiscoverAll:        true,
	JobTypeCleanupOld:         true,
	JobTypeGenerateReport:     true,
	JobTypeSyncGraph:          true,
}

// PostgresStore persists scheduled jobs and their execution log.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// jobRecord is the row shape; Config is JSONB in the table and a
// string map on the Job.
type jobRecord struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Description string     `db:"description"`
	Schedule    string     `db:"schedule"`
	JobType     string     `db:"job_type"`
	Config      []byte     `db:"config"`
	Enabled     bool       `db:"enabled"`
	LastRun     *time.Time `db:"last_run"`
	NextRun     *time.Time `db:"next_run"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func recordFromJob(job *Job) (*jobRecord, error) {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return nil, fmt.Errorf("encoding job config: %w", err)
	}
	return &jobRecord{
		ID:          job.ID,
		Name:        job.Name,
		Description: job.Description,
		Schedule:    job.Schedule,
		JobType:     string(job.JobType),
		Config:      configJSON,
		Enabled:     job.Enabled,
		LastRun:     job.LastRun,
		NextRun:     job.NextRun,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}, nil
}

func (r *jobRecord) toJob() (*Job, error) {
	var config map[string]string
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &config); err != nil {
			return nil, fmt.Errorf("decoding job config: %w", err)
		}
	}
	return &Job{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Schedule:    r.Schedule,
		JobType:     JobType(r.JobType),
		Config:      config,
		Enabled:     r.Enabled,
		LastRun:     r.LastRun,
		NextRun:     r.NextRun,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

const jobColumns = `id, name, description, schedule, job_type, config, enabled, last_run, next_run, created_at, updated_at`

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var record jobRecord
	err := s.db.GetContext(ctx, &record,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	return record.toJob()
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var records []jobRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, len(records))
	for i := range records {
		job, err := records[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs[i] = job
	}
	return jobs, nil
}

// FindJobsByType returns the jobs scheduled for one handler, newest
// first. Used to keep singleton jobs (periodic discovery) from being
// created twice.
func (s *PostgresStore) FindJobsByType(ctx context.Context, jobType JobType) ([]*Job, error) {
	var records []jobRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE job_type = $1 ORDER BY created_at DESC`,
		string(jobType))
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, len(records))
	for i := range records {
		job, err := records[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs[i] = job
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if !knownJobTypes[job.JobType] {
		return fmt.Errorf("job type %q: %w", job.JobType, ErrUnknownJobType)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	record, err := recordFromJob(job)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, name, description, schedule, job_type, config, enabled, created_at, updated_at)
		VALUES (:id, :name, :description, :schedule, :job_type, :config, :enabled, :created_at, :updated_at)
	`, record)
	return err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	if !knownJobTypes[job.JobType] {
		return fmt.Errorf("job type %q: %w", job.JobType, ErrUnknownJobType)
	}
	job.UpdatedAt = time.Now()

	record, err := recordFromJob(job)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		UPDATE scheduled_jobs SET
			name = :name, description = :description, schedule = :schedule,
			job_type = :job_type, config = :config, enabled = :enabled,
			next_run = :next_run, updated_at = :updated_at
		WHERE id = :id
	`, record)
	return err
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run = $2, updated_at = NOW()
		WHERE id = $1
	`, id, lastRun)
	return err
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, started_at, error, output)
		VALUES (:id, :job_id, :status, :started_at, :error, :output)
	`, exec)
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE job_executions SET status = :status, ended_at = :ended_at, error = :error, output = :output
		WHERE id = :id
	`, exec)
	return err
}

func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_id, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobID, limit)
	return execs, err
}

// PruneExecutions deletes finished execution records older than the
// cutoff; the retention job calls this alongside run cleanup.
func (s *PostgresStore) PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_executions
		WHERE started_at < $1 AND status IN ('completed', 'failed')
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
