package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/auth"
	"github.com/nexasec/sspm/internal/config"
	"github.com/nexasec/sspm/internal/discovery"
	"github.com/nexasec/sspm/internal/feedback"
	"github.com/nexasec/sspm/internal/graph"
	"github.com/nexasec/sspm/internal/models"
	"github.com/nexasec/sspm/internal/notifications"
	"github.com/nexasec/sspm/internal/queue"
	"github.com/nexasec/sspm/internal/reports"
	"github.com/nexasec/sspm/internal/scheduler"
	"github.com/nexasec/sspm/internal/scopes"
	"github.com/nexasec/sspm/internal/store"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	userStore   auth.UserStore

	queue        *queue.Queue
	orchestrator *discovery.Orchestrator
	workers      []*queue.Worker

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	feedbackTracker *feedback.Tracker

	reportGenerator *reports.Generator

	notificationService *notifications.Service
	notificationConfig  notifications.Config

	graph *graph.Graph
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.userStore = auth.NewPostgresUserStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, s.userStore)

	s.queue, err = queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	s.notificationConfig = notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:   cfg.Notifications.Slack.WebhookURL,
			Channel:      cfg.Notifications.Slack.Channel,
			Username:     "SSPM Bot",
			IconEmoji:    ":robot_face:",
			Enabled:      cfg.Notifications.Slack.Enabled,
			MinRiskLevel: cfg.Notifications.MinRiskLevel,
		},
		Email: notifications.EmailConfig{
			SMTPHost:     cfg.Notifications.Email.SMTPHost,
			SMTPPort:     cfg.Notifications.Email.SMTPPort,
			Username:     cfg.Notifications.Email.Username,
			Password:     cfg.Notifications.Email.Password,
			From:         cfg.Notifications.Email.From,
			To:           cfg.Notifications.Email.To,
			Enabled:      cfg.Notifications.Email.Enabled,
			MinRiskLevel: cfg.Notifications.MinRiskLevel,
		},
	}
	s.notificationService = notifications.NewService(s.notificationConfig, s.logger)

	// One orchestrator shared by all workers so a cancel request reaches
	// the run no matter which worker owns it.
	s.orchestrator = discovery.NewOrchestrator(st, discovery.Config{
		SourceConcurrency: cfg.Discovery.SourceConcurrency,
		SourceTimeout:     cfg.Discovery.SourceTimeout,
	}, s.logger)

	for i := 0; i < cfg.Discovery.Workers; i++ {
		s.workers = append(s.workers, queue.NewWorker(queue.WorkerConfig{
			Queue:        s.queue,
			Store:        st,
			Config:       cfg,
			Notifier:     s.notificationService,
			Logger:       s.logger,
			Orchestrator: s.orchestrator,
		}))
	}

	s.schedulerStore = scheduler.NewPostgresStore(st.DB())
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)
	s.registerSchedulerHandlers()

	s.feedbackTracker = feedback.NewTracker(st, s.logger)

	s.reportGenerator = reports.NewGenerator(&reportDataProvider{
		store:   st,
		tracker: s.feedbackTracker,
	})

	if g, err := graph.New(graph.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
	}); err != nil {
		s.logger.Warn("graph store unavailable, cross-platform graph queries disabled", "error", err)
	} else {
		s.graph = g
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) registerSchedulerHandlers() {
	handlers := &scheduler.DefaultHandlers{
		DiscoverFunc: func(ctx context.Context, connectionID string) error {
			id, err := uuid.Parse(connectionID)
			if err != nil {
				return fmt.Errorf("invalid connection_id: %w", err)
			}
			conn, err := s.store.GetConnection(ctx, id)
			if err != nil {
				return err
			}
			if conn == nil {
				return fmt.Errorf("connection not found: %s", connectionID)
			}
			return s.queue.EnqueueDiscoveryJob(ctx, &queue.Job{
				ConnectionID:   conn.ID,
				OrganizationID: conn.OrganizationID,
				TriggeredBy:    "scheduler",
			})
		},
		DiscoverAllFunc: func(ctx context.Context) error {
			conns, err := s.store.ListAllConnections(ctx)
			if err != nil {
				return err
			}
			for _, conn := range conns {
				if conn.Status != "active" {
					continue
				}
				if err := s.queue.EnqueueDiscoveryJob(ctx, &queue.Job{
					ConnectionID:   conn.ID,
					OrganizationID: conn.OrganizationID,
					TriggeredBy:    "scheduler",
				}); err != nil {
					s.logger.Error("enqueueing scheduled discovery", "connection_id", conn.ID, "error", err)
				}
			}
			return nil
		},
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) error {
			cutoff := time.Now().Add(-olderThan)
			count, err := s.store.DeleteOldRuns(ctx, cutoff)
			if err != nil {
				return err
			}
			pruned, err := s.schedulerStore.PruneExecutions(ctx, cutoff)
			if err != nil {
				return err
			}
			s.logger.Info("cleaned up old discovery runs",
				"deleted", count,
				"executions_pruned", pruned)
			return nil
		},
		ReportFunc: func(ctx context.Context, jobConfig map[string]string) error {
			orgID, err := uuid.Parse(jobConfig["organization_id"])
			if err != nil {
				return fmt.Errorf("invalid organization_id: %w", err)
			}
			reportType := reports.ReportType(jobConfig["report_type"])
			if reportType == "" {
				reportType = reports.ReportTypeExecutive
			}
			report, err := s.reportGenerator.Generate(ctx, &reports.ReportRequest{
				Type:           reportType,
				Format:         reports.FormatPDF,
				OrganizationID: orgID,
			})
			if err != nil {
				return err
			}
			s.logger.Info("generated scheduled report",
				"type", report.Type,
				"filename", report.Filename,
				"bytes", len(report.Data))
			return nil
		},
		SyncGraphFunc: func(ctx context.Context) error {
			return s.syncGraph(ctx)
		},
	}
	handlers.Register(s.scheduler)
}

// syncGraph replays the relational state into neo4j, one organization
// at a time.
func (s *Server) syncGraph(ctx context.Context) error {
	if s.graph == nil {
		return fmt.Errorf("graph store not configured")
	}

	conns, err := s.store.ListAllConnections(ctx)
	if err != nil {
		return err
	}

	byOrg := map[uuid.UUID][]models.PlatformConnection{}
	for _, conn := range conns {
		byOrg[conn.OrganizationID] = append(byOrg[conn.OrganizationID], conn)
	}

	for orgID, orgConns := range byOrg {
		automations, err := s.store.ListAutomationsByOrganization(ctx, orgID)
		if err != nil {
			return err
		}
		integrations, err := s.store.ListIntegrations(ctx, orgID)
		if err != nil {
			return err
		}
		if err := s.graph.SyncOrganization(ctx, orgConns, automations, integrations); err != nil {
			return fmt.Errorf("syncing organization %s: %w", orgID, err)
		}
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/users", s.listUsers)
				r.Post("/users", s.createUser)
			})

			r.Route("/connections", func(r chi.Router) {
				r.Get("/", s.listConnections)
				r.Post("/", s.createConnection)
				r.Get("/{connectionID}", s.getConnection)
				r.Delete("/{connectionID}", s.deleteConnection)
				r.Post("/{connectionID}/discover", s.triggerDiscovery)
				r.Get("/{connectionID}/runs", s.listRuns)
			})

			r.Route("/runs", func(r chi.Router) {
				r.Get("/{runID}", s.getRun)
				r.Post("/{runID}/cancel", s.cancelRun)
			})

			r.Route("/automations", func(r chi.Router) {
				r.Get("/", s.listAutomations)
				r.Get("/{automationID}", s.getAutomation)
				r.Get("/{automationID}/risk-history", s.getRiskHistory)
				r.Get("/{automationID}/feedback", s.listAutomationFeedback)
				r.Post("/{automationID}/feedback", s.submitFeedback)
			})

			r.Route("/integrations", func(r chi.Router) {
				r.Get("/", s.listIntegrations)
			})

			r.Route("/feedback", func(r chi.Router) {
				r.Get("/accuracy", s.getAccuracy)
				r.Get("/conflicts", s.getFeedbackConflicts)
				r.With(auth.RequireRole(auth.RoleAdmin)).Get("/training-samples", s.getTrainingSamples)
			})

			r.Route("/scopes", func(r chi.Router) {
				r.Get("/", s.listScopes)
				r.Get("/lookup", s.lookupScope)
			})

			r.Route("/graph", func(r chi.Router) {
				r.Get("/vendors", s.getVendorFootprints)
				r.Get("/ai-exposure", s.getAIExposure)
				r.Get("/owners", s.getOwnerExposure)
				r.Get("/stats", s.getGraphStats)
				r.With(auth.RequireRole(auth.RoleAdmin)).Post("/sync", s.triggerGraphSync)
			})

			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/summary", s.getDashboardSummary)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listScheduledJobs)
				r.Post("/", s.createScheduledJob)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Put("/{jobID}", s.updateScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/types", s.getReportTypes)
				r.Post("/generate", s.generateReport)
				r.Get("/stream", s.streamCSVReport)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/settings", s.getNotificationSettings)
				r.Put("/settings", s.updateNotificationSettings)
				r.Post("/test", s.testNotification)
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.store.SeedScopeMetadata(ctx, scopes.All()); err != nil {
		s.logger.Error("seeding scope metadata", "error", err)
	}

	for _, w := range s.workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("starting worker %s: %w", w.ID(), err)
		}
	}

	if s.cfg.Scheduler.Enabled {
		if err := s.ensureDiscoveryJob(ctx); err != nil {
			s.logger.Error("ensuring default discovery job", "error", err)
		}
		if err := s.scheduler.Start(ctx); err != nil {
			s.logger.Error("failed to start scheduler", "error", err)
		}
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if s.cfg.Scheduler.Enabled {
			s.scheduler.Stop()
		}
		for _, w := range s.workers {
			w.Stop()
		}
		if s.graph != nil {
			_ = s.graph.Close(context.Background())
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// ensureDiscoveryJob creates the periodic discover-all job on first
// boot so every connection gets re-discovered without manual setup.
func (s *Server) ensureDiscoveryJob(ctx context.Context) error {
	jobs, err := s.schedulerStore.FindJobsByType(ctx, scheduler.JobTypeDiscoverAll)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		return nil
	}

	return s.schedulerStore.CreateJob(ctx, &scheduler.Job{
		Name:        "periodic-discovery",
		Description: "Re-discover automations on every active connection",
		Schedule:    s.cfg.Scheduler.DiscoveryCron,
		JobType:     scheduler.JobTypeDiscoverAll,
		Enabled:     true,
	})
}

type reportDataProvider struct {
	store   *store.Store
	tracker *feedback.Tracker
}

func (p *reportDataProvider) GetAutomations(ctx context.Context, filter reports.AutomationsFilter) ([]*reports.ReportAutomation, error) {
	automations, _, err := p.store.ListAutomations(ctx, filter.OrganizationID, nil, nil, 10000, 0)
	if err != nil {
		return nil, err
	}

	platforms := map[string]bool{}
	for _, pl := range filter.Platforms {
		platforms[strings.ToUpper(pl)] = true
	}
	riskLevels := map[string]bool{}
	for _, rl := range filter.RiskLevels {
		riskLevels[strings.ToLower(rl)] = true
	}

	result := make([]*reports.ReportAutomation, 0, len(automations))
	for i := range automations {
		a := &automations[i]
		if len(platforms) > 0 && !platforms[string(a.Platform)] {
			continue
		}
		if len(riskLevels) > 0 && !riskLevels[string(a.RiskLevel)] {
			continue
		}
		if filter.DateFrom != nil && a.FirstSeenAt.Before(*filter.DateFrom) {
			continue
		}
		if filter.DateTo != nil && a.FirstSeenAt.After(*filter.DateTo) {
			continue
		}

		providers := detectionProviders(a.Detection)
		if filter.AIOnly && len(providers) == 0 {
			continue
		}

		owner := a.OwnerEmail
		if owner == "" {
			owner = a.OwnerID
		}

		result = append(result, &reports.ReportAutomation{
			ID:             a.ID.String(),
			Name:           a.Name,
			Platform:       string(a.Platform),
			Kind:           string(a.Kind),
			Status:         string(a.Status),
			RiskLevel:      string(a.RiskLevel),
			RiskScore:      a.RiskScore,
			Owner:          owner,
			VendorName:     a.VendorName,
			AIProviders:    providers,
			LastActivityAt: a.LastActivityAt,
			FirstSeenAt:    a.FirstSeenAt,
		})
	}
	return result, nil
}

func (p *reportDataProvider) GetAccuracy(ctx context.Context, orgID uuid.UUID) (*reports.AccuracyStats, error) {
	metrics, err := p.tracker.Accuracy(ctx, orgID, 90)
	if err != nil {
		return nil, err
	}

	return &reports.AccuracyStats{
		TotalFeedback:  metrics.TruePositives + metrics.FalsePositives + metrics.FalseNegatives,
		TruePositives:  metrics.TruePositives,
		FalsePositives: metrics.FalsePositives,
		FalseNegatives: metrics.FalseNegatives,
		Precision:      metrics.Precision,
		Recall:         metrics.Recall,
		F1Score:        metrics.F1,
	}, nil
}

func (p *reportDataProvider) GetStats(ctx context.Context, orgID uuid.UUID) (*reports.Stats, error) {
	counts, err := p.store.GetDashboardCounts(ctx, orgID)
	if err != nil {
		return nil, err
	}

	stats := &reports.Stats{
		TotalConnections:    counts.TotalConnections,
		TotalAutomations:    counts.TotalAutomations,
		CriticalAutomations: counts.CriticalAutomations,
		HighAutomations:     counts.HighAutomations,
		MediumAutomations:   counts.MediumAutomations,
		LowAutomations:      counts.LowAutomations,
		CrossPlatformLinks:  counts.Integrations,
		AutomationsByKind:   make(map[string]int),
		AutomationsByVendor: make(map[string]int),
	}

	automations, err := p.store.ListAutomationsByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range automations {
		a := &automations[i]
		stats.AutomationsByKind[string(a.Kind)]++
		if a.VendorName != "" {
			stats.AutomationsByVendor[a.VendorName]++
		}
		if len(detectionProviders(a.Detection)) > 0 {
			stats.AIIntegrations++
		}
	}

	return stats, nil
}

// detectionProviders pulls the fingerprinted AI provider names out of
// the stored detection snapshot.
func detectionProviders(detection models.JSONB) []string {
	if detection == nil {
		return nil
	}
	raw, ok := detection["providers"].([]interface{})
	if !ok {
		return nil
	}
	providers := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			providers = append(providers, s)
		}
	}
	return providers
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
