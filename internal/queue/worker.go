package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/config"
	"github.com/nexasec/sspm/internal/connectors"
	gsuiteconn "github.com/nexasec/sspm/internal/connectors/gsuite"
	oktaconn "github.com/nexasec/sspm/internal/connectors/okta"
	slackconn "github.com/nexasec/sspm/internal/connectors/slack"
	"github.com/nexasec/sspm/internal/discovery"
	"github.com/nexasec/sspm/internal/models"
	"github.com/nexasec/sspm/internal/store"
)

// Notifier receives the outcome of each discovery run. Implementations
// must not block for long; the worker calls it inline.
type Notifier interface {
	RunFinished(ctx context.Context, conn *models.PlatformConnection, run *models.DiscoveryRun)
}

type Worker struct {
	id           string
	queue        *Queue
	store        *store.Store
	config       *config.Config
	orchestrator *discovery.Orchestrator
	notifier     Notifier
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue    *Queue
	Store    *store.Store
	Config   *config.Config
	Notifier Notifier
	Logger   *slog.Logger

	// Orchestrator is shared between workers so that run cancellation
	// reaches whichever worker picked the job up. When nil the worker
	// builds its own.
	Orchestrator *discovery.Orchestrator
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	orch := cfg.Orchestrator
	if orch == nil {
		orch = discovery.NewOrchestrator(cfg.Store, discovery.Config{
			SourceConcurrency: cfg.Config.Discovery.SourceConcurrency,
			SourceTimeout:     cfg.Config.Discovery.SourceTimeout,
		}, cfg.Logger)
	}

	return &Worker{
		id:           workerID,
		queue:        cfg.Queue,
		store:        cfg.Store,
		config:       cfg.Config,
		orchestrator: orch,
		notifier:     cfg.Notifier,
		logger:       cfg.Logger.With("worker", workerID),
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Orchestrator() *discovery.Orchestrator {
	return w.orchestrator
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("worker starting")

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.DequeueJob(w.ctx, w.id)
			if err != nil {
				w.logger.Error("dequeuing job", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			if job == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			w.logger.Info("processing job",
				"job_id", job.ID,
				"connection_id", job.ConnectionID)

			if err := w.processJob(job); err != nil {
				w.logger.Error("job failed", "job_id", job.ID, "error", err)
				w.queue.RequeueJob(w.ctx, job, err.Error())
			} else {
				w.logger.Info("job completed", "job_id", job.ID)
				w.queue.CompleteJob(w.ctx, job, true)
			}
		}
	}
}

func (w *Worker) processJob(job *Job) error {
	conn, err := w.store.GetConnection(w.ctx, job.ConnectionID)
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}
	if conn == nil {
		return fmt.Errorf("connection not found: %s", job.ConnectionID)
	}

	connector, err := w.createConnector(conn)
	if err != nil {
		w.store.UpdateConnectionStatus(w.ctx, conn.ID, "error", err.Error())
		return fmt.Errorf("creating connector: %w", err)
	}

	run, joined, err := w.orchestrator.Start(w.ctx, conn)
	if err != nil {
		connector.Close()
		return fmt.Errorf("starting run: %w", err)
	}

	if progress, _ := w.queue.GetProgress(w.ctx, job.ID); progress != nil {
		progress.RunID = run.ID
		w.queue.UpdateProgress(w.ctx, progress)
	}

	if joined {
		// Another worker owns the run; re-executing it would duplicate
		// enumeration and risk-history appends for one logical run.
		connector.Close()
		w.logger.Info("run already in flight, completing job without executing",
			"job_id", job.ID,
			"run_id", run.ID,
			"connection_id", conn.ID)
		return nil
	}

	// Execute owns the connector from here and closes it on every path.
	run, err = w.orchestrator.Execute(w.ctx, run, connector)
	if err != nil {
		w.store.UpdateConnectionStatus(w.ctx, conn.ID, "error", err.Error())
		return fmt.Errorf("executing run: %w", err)
	}

	switch run.Status {
	case models.RunCompleted:
		w.store.UpdateConnectionStatus(w.ctx, conn.ID, "active", "")
		w.store.TouchConnectionDiscovery(w.ctx, conn.ID, time.Now())
	case models.RunFailed:
		msg := ""
		if v, ok := run.Metadata["error"].(string); ok {
			msg = v
		}
		w.store.UpdateConnectionStatus(w.ctx, conn.ID, "error", msg)
	}

	if w.notifier != nil {
		w.notifier.RunFinished(w.ctx, conn, run)
	}

	if run.Status == models.RunFailed {
		return fmt.Errorf("discovery run %s failed", run.ID)
	}
	return nil
}

func (w *Worker) createConnector(conn *models.PlatformConnection) (connectors.Connector, error) {
	switch conn.Platform {
	case models.PlatformSlack:
		return slackconn.New(slackconn.Config{
			Token: getStringFromConfig(conn.ConnectorConfig, "token", ""),
		})

	case models.PlatformGoogleWorkspace:
		return gsuiteconn.New(w.ctx, gsuiteconn.Config{
			CredentialsFile: getStringFromConfig(conn.ConnectorConfig, "credentials_file", ""),
			AccessToken:     getStringFromConfig(conn.ConnectorConfig, "access_token", ""),
		})

	case models.PlatformOkta:
		return oktaconn.New(w.ctx, oktaconn.Config{
			OrgURL:   getStringFromConfig(conn.ConnectorConfig, "org_url", ""),
			APIToken: getStringFromConfig(conn.ConnectorConfig, "api_token", ""),
		})

	default:
		return nil, fmt.Errorf("unsupported platform: %s", conn.Platform)
	}
}

func getStringFromConfig(cfg models.JSONB, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
