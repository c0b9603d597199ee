package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexasec/sspm/internal/auth"
	"github.com/nexasec/sspm/internal/models"
	"github.com/nexasec/sspm/internal/notifications"
	"github.com/nexasec/sspm/internal/reports"
	"github.com/nexasec/sspm/internal/scheduler"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email and password are required")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid credentials")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "auth_error", "Invalid refresh token")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = s.authService.LogoutAll(r.Context(), claims.UserID)
	} else {
		_ = s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken)
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":         claims.UserID,
		"email":           claims.Email,
		"organization_id": claims.OrganizationID,
		"role":            claims.Role,
	})
}

type createUserRequest struct {
	Email          string    `json:"email"`
	Password       string    `json:"password"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Role           auth.Role `json:"role"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "email and password are required")
		return
	}

	if req.Role == "" {
		req.Role = auth.RoleViewer
	}

	// Admins create users within their own organization unless they
	// name another one explicitly.
	orgID := req.OrganizationID
	if orgID == "" {
		claims, _ := auth.GetUserFromContext(r.Context())
		orgID = claims.OrganizationID
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "server_error", "Failed to process password")
		return
	}

	user := &auth.User{
		Email:          req.Email,
		OrganizationID: orgID,
		Password:       hashedPassword,
		Role:           req.Role,
	}

	if err := s.userStore.CreateUser(r.Context(), user); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	user.Password = ""
	respondJSON(w, http.StatusCreated, user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.userStore.ListUsers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, users)
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     scheduler.JobType `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name, schedule, and job_type are required")
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.schedulerStore.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	job := &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.DeleteJob(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "job_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	execs, err := s.schedulerStore.GetJobExecutions(r.Context(), id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, execs)
}

type generateReportRequest struct {
	Type       reports.ReportType   `json:"type"`
	Format     reports.ReportFormat `json:"format"`
	Title      string               `json:"title"`
	Platforms  []string             `json:"platforms,omitempty"`
	RiskLevels []string             `json:"risk_levels,omitempty"`
	DateFrom   *time.Time           `json:"date_from,omitempty"`
	DateTo     *time.Time           `json:"date_to,omitempty"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Type == "" || req.Format == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type and format are required")
		return
	}

	report, err := s.reportGenerator.Generate(r.Context(), &reports.ReportRequest{
		Type:           req.Type,
		Format:         req.Format,
		Title:          req.Title,
		OrganizationID: orgID,
		Platforms:      req.Platforms,
		RiskLevels:     req.RiskLevels,
		DateFrom:       req.DateFrom,
		DateTo:         req.DateTo,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+report.Filename)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(report.Data)))
	_, _ = w.Write(report.Data)
}

func (s *Server) getReportTypes(w http.ResponseWriter, r *http.Request) {
	types := []map[string]string{
		{"type": "automations", "name": "Automation Inventory", "description": "All discovered automations with risk scores"},
		{"type": "ai_integrations", "name": "AI Exposure", "description": "Automations calling external AI providers"},
		{"type": "accuracy", "name": "Detection Accuracy", "description": "Precision and recall from analyst feedback"},
		{"type": "executive", "name": "Executive Summary", "description": "High-level automation security posture"},
	}
	respondJSON(w, http.StatusOK, types)
}

func (s *Server) streamCSVReport(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	reportType := r.URL.Query().Get("type")
	if reportType == "" {
		reportType = string(reports.ReportTypeAutomations)
	}

	req := &reports.ReportRequest{
		Type:           reports.ReportType(reportType),
		Format:         reports.FormatCSV,
		OrganizationID: orgID,
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+reportType+"_export.csv")

	if err := s.reportGenerator.StreamCSV(r.Context(), w, req); err != nil {
		s.logger.Error("streaming error", "error", err)
	}
}

type notificationSettingsRequest struct {
	SlackEnabled    bool     `json:"slack_enabled"`
	SlackWebhookURL string   `json:"slack_webhook_url"`
	SlackChannel    string   `json:"slack_channel"`
	EmailEnabled    bool     `json:"email_enabled"`
	EmailRecipients []string `json:"email_recipients"`
	MinRiskLevel    string   `json:"min_risk_level"`
}

func (s *Server) getNotificationSettings(w http.ResponseWriter, r *http.Request) {
	settings := map[string]interface{}{
		"slack_enabled":    s.notificationConfig.Slack.Enabled,
		"slack_channel":    s.notificationConfig.Slack.Channel,
		"email_enabled":    s.notificationConfig.Email.Enabled,
		"email_recipients": s.notificationConfig.Email.To,
		"min_risk_level":   string(s.notificationConfig.Slack.MinRiskLevel),
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) updateNotificationSettings(w http.ResponseWriter, r *http.Request) {
	var req notificationSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	s.notificationConfig.Slack.Enabled = req.SlackEnabled
	if req.SlackWebhookURL != "" {
		s.notificationConfig.Slack.WebhookURL = req.SlackWebhookURL
	}
	s.notificationConfig.Slack.Channel = req.SlackChannel

	s.notificationConfig.Email.Enabled = req.EmailEnabled
	s.notificationConfig.Email.To = req.EmailRecipients

	if req.MinRiskLevel != "" {
		s.notificationConfig.Slack.MinRiskLevel = models.RiskLevel(req.MinRiskLevel)
		s.notificationConfig.Email.MinRiskLevel = models.RiskLevel(req.MinRiskLevel)
	}

	s.notificationService = notifications.NewService(s.notificationConfig, s.logger)

	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) testNotification(w http.ResponseWriter, r *http.Request) {
	notif := &notifications.Notification{
		Type:      notifications.NotifyDiscoveryComplete,
		Title:     "Test Notification",
		Message:   "This is a test notification from the automation discovery engine.",
		RiskLevel: models.RiskCritical,
		Timestamp: time.Now(),
	}

	if err := s.notificationService.Send(r.Context(), notif); err != nil {
		respondError(w, http.StatusBadGateway, "notify_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
