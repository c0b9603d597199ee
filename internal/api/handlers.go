package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/auth"
	"github.com/nexasec/sspm/internal/feedback"
	"github.com/nexasec/sspm/internal/models"
	"github.com/nexasec/sspm/internal/queue"
	"github.com/nexasec/sspm/internal/scopes"
)

// orgFromRequest resolves the caller's organization from the JWT
// claims. Every tenant-scoped query goes through this.
func orgFromRequest(r *http.Request) (uuid.UUID, bool) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		return uuid.Nil, false
	}
	orgID, err := uuid.Parse(claims.OrganizationID)
	if err != nil {
		return uuid.Nil, false
	}
	return orgID, true
}

func parsePagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var platform *models.Platform
	if p := r.URL.Query().Get("platform"); p != "" {
		pl := models.Platform(p)
		platform = &pl
	}

	conns, err := s.store.ListConnections(r.Context(), orgID, platform)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, conns)
}

type createConnectionRequest struct {
	Platform        models.Platform `json:"platform"`
	ExternalID      string          `json:"external_id"`
	DisplayName     string          `json:"display_name"`
	ConnectorConfig models.JSONB    `json:"connector_config"`
}

func (s *Server) createConnection(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Platform == "" || req.ExternalID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "platform and external_id are required")
		return
	}

	switch req.Platform {
	case models.PlatformSlack, models.PlatformGoogleWorkspace, models.PlatformOkta:
	default:
		respondError(w, http.StatusBadRequest, "validation_error", "unsupported platform")
		return
	}

	conn := &models.PlatformConnection{
		OrganizationID:  orgID,
		Platform:        req.Platform,
		ExternalID:      req.ExternalID,
		DisplayName:     req.DisplayName,
		ConnectorConfig: req.ConnectorConfig,
		Status:          "active",
	}

	if err := s.store.CreateConnection(r.Context(), conn); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	if s.graph != nil {
		if err := s.graph.UpsertConnection(r.Context(), conn); err != nil {
			s.logger.Warn("mirroring connection to graph", "error", err)
		}
	}

	respondJSON(w, http.StatusCreated, conn)
}

// connectionForRequest loads a connection and verifies the caller's
// organization owns it.
func (s *Server) connectionForRequest(w http.ResponseWriter, r *http.Request) (*models.PlatformConnection, bool) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "connectionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid connection ID")
		return nil, false
	}

	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return nil, false
	}
	if conn == nil || conn.OrganizationID != orgID {
		respondError(w, http.StatusNotFound, "not_found", "Connection not found")
		return nil, false
	}

	return conn, true
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionForRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, conn)
}

func (s *Server) deleteConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionForRequest(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteConnection(r.Context(), conn.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type triggerDiscoveryRequest struct {
	Priority int `json:"priority,omitempty"`
}

func (s *Server) triggerDiscovery(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionForRequest(w, r)
	if !ok {
		return
	}

	var req triggerDiscoveryRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	// A second trigger while a run is active joins the existing run
	// instead of queuing a duplicate.
	active, err := s.store.GetActiveRun(r.Context(), conn.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if active != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "already_running",
			"run":    active,
		})
		return
	}

	triggeredBy := "api"
	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		triggeredBy = claims.Email
	}

	job := &queue.Job{
		ConnectionID:   conn.ID,
		OrganizationID: conn.OrganizationID,
		TriggeredBy:    triggeredBy,
		Priority:       req.Priority,
	}
	if err := s.queue.EnqueueDiscoveryJob(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued",
		"job_id": job.ID,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.connectionForRequest(w, r)
	if !ok {
		return
	}

	limit, offset := parsePagination(r, 50)
	runs, total, err := s.store.ListRuns(r.Context(), conn.ID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, runs, &apiMeta{
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid run ID")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if run == nil || run.OrganizationID != orgID {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}

	respondJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid run ID")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if run == nil || run.OrganizationID != orgID {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}
	if run.Status.Terminal() {
		respondError(w, http.StatusConflict, "run_finished", "Run already finished")
		return
	}

	if err := s.orchestrator.Cancel(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "cancel_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *Server) listAutomations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var platform *models.Platform
	if p := r.URL.Query().Get("platform"); p != "" {
		pl := models.Platform(p)
		platform = &pl
	}
	var riskLevel *models.RiskLevel
	if rl := r.URL.Query().Get("risk_level"); rl != "" {
		level := models.RiskLevel(rl)
		riskLevel = &level
	}

	limit, offset := parsePagination(r, 100)
	automations, total, err := s.store.ListAutomations(r.Context(), orgID, platform, riskLevel, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, automations, &apiMeta{
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// automationForRequest loads an automation and verifies tenant
// ownership.
func (s *Server) automationForRequest(w http.ResponseWriter, r *http.Request) (*models.DiscoveredAutomation, bool) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "automationID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid automation ID")
		return nil, false
	}

	automation, err := s.store.GetAutomation(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return nil, false
	}
	if automation == nil || automation.OrganizationID != orgID {
		respondError(w, http.StatusNotFound, "not_found", "Automation not found")
		return nil, false
	}

	return automation, true
}

func (s *Server) getAutomation(w http.ResponseWriter, r *http.Request) {
	automation, ok := s.automationForRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, automation)
}

func (s *Server) getRiskHistory(w http.ResponseWriter, r *http.Request) {
	automation, ok := s.automationForRequest(w, r)
	if !ok {
		return
	}

	history, err := s.store.ListRiskHistory(r.Context(), automation.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, history)
}

func (s *Server) listAutomationFeedback(w http.ResponseWriter, r *http.Request) {
	automation, ok := s.automationForRequest(w, r)
	if !ok {
		return
	}

	entries, err := s.store.ListFeedbackByAutomation(r.Context(), automation.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

type submitFeedbackRequest struct {
	Kind                 models.FeedbackKind `json:"kind"`
	Comment              string              `json:"comment,omitempty"`
	SuggestedCorrections models.JSONB        `json:"suggested_corrections,omitempty"`
	TrainingEligible     bool                `json:"training_eligible,omitempty"`
}

func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	automation, ok := s.automationForRequest(w, r)
	if !ok {
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid user identity")
		return
	}

	var req submitFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Kind == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "kind is required")
		return
	}

	fb, err := s.feedbackTracker.Submit(r.Context(), feedback.SubmitRequest{
		AutomationID:         automation.ID,
		UserID:               userID,
		Kind:                 req.Kind,
		Comment:              req.Comment,
		SuggestedCorrections: req.SuggestedCorrections,
		TrainingEligible:     req.TrainingEligible,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "feedback_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, fb)
}

func (s *Server) listIntegrations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	integrations, err := s.store.ListIntegrations(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, integrations)
}

func (s *Server) getAccuracy(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	windowDays := 30
	if wd := r.URL.Query().Get("window_days"); wd != "" {
		if parsed, err := strconv.Atoi(wd); err == nil && parsed > 0 {
			windowDays = parsed
		}
	}

	metrics, err := s.feedbackTracker.Accuracy(r.Context(), orgID, windowDays)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, metrics)
}

func (s *Server) getFeedbackConflicts(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	conflicts, err := s.feedbackTracker.Conflicts(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, conflicts)
}

func (s *Server) getTrainingSamples(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	limit, _ := parsePagination(r, 500)
	samples, err := s.feedbackTracker.TrainingSamples(r.Context(), orgID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, samples)
}

func (s *Server) listScopes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, scopes.All())
}

func (s *Server) lookupScope(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "scope is required")
		return
	}

	meta, err := s.store.GetScopeMetadata(r.Context(), scope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if meta == nil {
		if static, ok := scopes.Lookup(scope); ok {
			respondJSON(w, http.StatusOK, static)
			return
		}
		respondError(w, http.StatusNotFound, "not_found", "Unknown scope")
		return
	}

	respondJSON(w, http.StatusOK, meta)
}

func (s *Server) getVendorFootprints(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}
	if s.graph == nil {
		respondError(w, http.StatusServiceUnavailable, "graph_unavailable", "Graph store not configured")
		return
	}

	footprints, err := s.graph.FindVendorFootprints(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, footprints)
}

func (s *Server) getAIExposure(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}
	if s.graph == nil {
		respondError(w, http.StatusServiceUnavailable, "graph_unavailable", "Graph store not configured")
		return
	}

	exposure, err := s.graph.FindAIExposure(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, exposure)
}

func (s *Server) getOwnerExposure(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}
	if s.graph == nil {
		respondError(w, http.StatusServiceUnavailable, "graph_unavailable", "Graph store not configured")
		return
	}

	owners, err := s.graph.FindOwnerExposure(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, owners)
}

func (s *Server) getGraphStats(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}
	if s.graph == nil {
		respondError(w, http.StatusServiceUnavailable, "graph_unavailable", "Graph store not configured")
		return
	}

	stats, err := s.graph.GetStats(r.Context(), orgID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) triggerGraphSync(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil {
		respondError(w, http.StatusServiceUnavailable, "graph_unavailable", "Graph store not configured")
		return
	}

	if err := s.syncGraph(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

type dashboardSummary struct {
	Connections struct {
		Total  int `json:"total"`
		Active int `json:"active"`
	} `json:"connections"`
	Automations struct {
		Total    int `json:"total"`
		Active   int `json:"active"`
		Critical int `json:"critical"`
		High     int `json:"high"`
		Medium   int `json:"medium"`
		Low      int `json:"low"`
	} `json:"automations"`
	Integrations struct {
		Total int `json:"total"`
	} `json:"integrations"`
	Queue struct {
		Pending       int64 `json:"pending"`
		Processing    int64 `json:"processing"`
		ActiveWorkers int   `json:"active_workers"`
	} `json:"queue"`
}

func (s *Server) getDashboardSummary(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	counts, err := s.store.GetDashboardCounts(r.Context(), orgID)
	if err != nil {
		s.logger.Error("failed to get dashboard counts", "error", err)
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to load dashboard")
		return
	}

	summary := dashboardSummary{}
	summary.Connections.Total = counts.TotalConnections
	summary.Connections.Active = counts.ActiveConnections
	summary.Automations.Total = counts.TotalAutomations
	summary.Automations.Active = counts.ActiveAutomations
	summary.Automations.Critical = counts.CriticalAutomations
	summary.Automations.High = counts.HighAutomations
	summary.Automations.Medium = counts.MediumAutomations
	summary.Automations.Low = counts.LowAutomations
	summary.Integrations.Total = counts.Integrations

	if stats, err := s.queue.GetQueueStats(r.Context()); err == nil {
		summary.Queue.Pending = stats["pending"]
		summary.Queue.Processing = stats["processing"]
	}
	if workers, err := s.queue.GetActiveWorkers(r.Context(), 30*time.Second); err == nil {
		summary.Queue.ActiveWorkers = len(workers)
	}

	respondJSON(w, http.StatusOK, summary)
}
