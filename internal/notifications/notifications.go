package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/nexasec/sspm/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyCriticalAutomation NotificationType = "critical_automation"
	NotifyAIIntegration      NotificationType = "ai_integration"
	NotifyDiscoveryComplete  NotificationType = "discovery_complete"
	NotifyDiscoveryFailed    NotificationType = "discovery_failed"
	NotifyDailyDigest        NotificationType = "daily_digest"
)

// Channel defines notification channels
type Channel string

const (
	ChannelSlack Channel = "slack"
	ChannelEmail Channel = "email"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	RiskLevel models.RiskLevel
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL   string
	Channel      string
	Username     string
	IconEmoji    string
	Enabled      bool
	MinRiskLevel models.RiskLevel // Minimum risk level to notify
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	Username     string
	Password     string
	From         string
	To           []string
	Enabled      bool
	MinRiskLevel models.RiskLevel
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && s.shouldNotify(notif.RiskLevel, s.config.Slack.MinRiskLevel) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && s.shouldNotify(notif.RiskLevel, s.config.Email.MinRiskLevel) {
		if err := s.sendEmail(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}

	return nil
}

// shouldNotify checks if notification should be sent based on risk level
func (s *Service) shouldNotify(actual, minimum models.RiskLevel) bool {
	return models.RiskLevelRank(actual) >= models.RiskLevelRank(minimum)
}

// SlackMessage represents a Slack webhook payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// sendSlack sends a notification to Slack
func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	color := s.riskToColor(notif.RiskLevel)

	fields := []SlackField{}
	if notif.Data != nil {
		if platform, ok := notif.Data["platform"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Platform",
				Value: platform,
				Short: true,
			})
		}
		if name, ok := notif.Data["automation_name"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Automation",
				Value: name,
				Short: true,
			})
		}
		if count, ok := notif.Data["automations_found"].(int); ok {
			fields = append(fields, SlackField{
				Title: "Automations Found",
				Value: fmt.Sprintf("%d", count),
				Short: true,
			})
		}
		if level, ok := notif.Data["risk_level"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Risk Level",
				Value: level,
				Short: true,
			})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "SSPM Alert System",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

// riskToColor converts risk level to Slack color
func (s *Service) riskToColor(level models.RiskLevel) string {
	switch level {
	case models.RiskCritical:
		return "#FF0000" // Red
	case models.RiskHigh:
		return "#FFA500" // Orange
	case models.RiskMedium:
		return "#FFFF00" // Yellow
	default:
		return "#36A64F" // Green
	}
}

// sendEmail sends a notification via email
func (s *Service) sendEmail(ctx context.Context, notif *Notification) error {
	subject := fmt.Sprintf("[SSPM Alert] %s", notif.Title)
	body, err := s.formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	err = smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg))
	if err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// formatEmailBody formats the email body
func (s *Service) formatEmailBody(notif *Notification) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .risk { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.RiskColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Risk Level: <span class="risk">{{.RiskLevel}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated alert from the SSPM system.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}

	headerColor := "#2196F3" // Default blue
	riskColor := s.riskToColor(notif.RiskLevel)

	switch notif.RiskLevel {
	case models.RiskCritical:
		headerColor = "#F44336"
	case models.RiskHigh:
		headerColor = "#FF9800"
	case models.RiskMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":       notif.Title,
		"Message":     notif.Message,
		"RiskLevel":   string(notif.RiskLevel),
		"HeaderColor": headerColor,
		"RiskColor":   riskColor,
		"Data":        notif.Data,
		"HasData":     len(notif.Data) > 0,
		"Timestamp":   notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// NotifyCriticalAutomation sends an immediate notification for a newly
// discovered critical-risk automation.
func (s *Service) NotifyCriticalAutomation(ctx context.Context, a *models.DiscoveredAutomation) error {
	notif := &Notification{
		Type:      NotifyCriticalAutomation,
		Title:     "CRITICAL Risk Automation Discovered",
		Message:   fmt.Sprintf("Automation %q on %s scored %.0f", a.Name, a.Platform, a.RiskScore),
		RiskLevel: models.RiskCritical,
		Data: map[string]interface{}{
			"automation_id":   a.ID.String(),
			"automation_name": a.Name,
			"platform":        string(a.Platform),
			"kind":            string(a.Kind),
			"risk_level":      string(a.RiskLevel),
			"owner":           a.OwnerEmail,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// NotifyAIIntegration alerts on an automation fingerprinted as calling
// an undisclosed AI provider.
func (s *Service) NotifyAIIntegration(ctx context.Context, a *models.DiscoveredAutomation, providers []string) error {
	notif := &Notification{
		Type:      NotifyAIIntegration,
		Title:     "Undisclosed AI Integration Detected",
		Message:   fmt.Sprintf("Automation %q on %s calls: %s", a.Name, a.Platform, strings.Join(providers, ", ")),
		RiskLevel: a.RiskLevel,
		Data: map[string]interface{}{
			"automation_id":   a.ID.String(),
			"automation_name": a.Name,
			"platform":        string(a.Platform),
			"providers":       strings.Join(providers, ", "),
			"risk_level":      string(a.RiskLevel),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// NotifyDiscoveryComplete sends a notification when a discovery run
// completes.
func (s *Service) NotifyDiscoveryComplete(ctx context.Context, conn *models.PlatformConnection, run *models.DiscoveryRun) error {
	level := models.RiskLow
	if run.ErrorsCount > 0 {
		level = models.RiskMedium
	}

	notif := &Notification{
		Type:      NotifyDiscoveryComplete,
		Title:     "Discovery Completed",
		Message:   fmt.Sprintf("Discovery completed for %s connection %s", conn.Platform, conn.DisplayName),
		RiskLevel: level,
		Data: map[string]interface{}{
			"connection_id":     conn.ID.String(),
			"platform":          string(conn.Platform),
			"run_id":            run.ID.String(),
			"automations_found": run.AutomationsFound,
			"errors":            run.ErrorsCount,
			"warnings":          run.WarningsCount,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// NotifyDiscoveryFailed sends a notification when a discovery run fails
func (s *Service) NotifyDiscoveryFailed(ctx context.Context, conn *models.PlatformConnection, run *models.DiscoveryRun) error {
	reason := ""
	if v, ok := run.Metadata["error"].(string); ok {
		reason = v
	}

	notif := &Notification{
		Type:      NotifyDiscoveryFailed,
		Title:     "Discovery Failed",
		Message:   fmt.Sprintf("Discovery failed for %s connection %s: %s", conn.Platform, conn.DisplayName, reason),
		RiskLevel: models.RiskHigh,
		Data: map[string]interface{}{
			"connection_id": conn.ID.String(),
			"platform":      string(conn.Platform),
			"run_id":        run.ID.String(),
			"error":         reason,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// RunFinished routes a finished discovery run to the right alert. It
// satisfies the queue worker's notifier contract.
func (s *Service) RunFinished(ctx context.Context, conn *models.PlatformConnection, run *models.DiscoveryRun) {
	var err error
	if run.Status == models.RunFailed {
		err = s.NotifyDiscoveryFailed(ctx, conn, run)
	} else {
		err = s.NotifyDiscoveryComplete(ctx, conn, run)
	}
	if err != nil {
		s.logger.Warn("sending run notification", "run_id", run.ID, "error", err)
	}
}

// DigestStats holds daily digest statistics
type DigestStats struct {
	Period                string
	NewAutomations        int
	CriticalAutomations   int
	HighAutomations       int
	AIIntegrations        int
	CrossPlatformLinks    int
	ConnectionsDiscovered int
}

// NotifyDailyDigest sends a daily digest notification
func (s *Service) NotifyDailyDigest(ctx context.Context, stats DigestStats) error {
	notif := &Notification{
		Type:      NotifyDailyDigest,
		Title:     "Daily Automation Digest",
		Message:   fmt.Sprintf("Summary: %d new automations, %d flagged as AI integrations", stats.NewAutomations, stats.AIIntegrations),
		RiskLevel: s.digestToRisk(stats),
		Data: map[string]interface{}{
			"period":               stats.Period,
			"new_automations":      stats.NewAutomations,
			"critical_automations": stats.CriticalAutomations,
			"high_automations":     stats.HighAutomations,
			"ai_integrations":      stats.AIIntegrations,
			"cross_platform_links": stats.CrossPlatformLinks,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// digestToRisk determines notification level from digest stats
func (s *Service) digestToRisk(stats DigestStats) models.RiskLevel {
	if stats.CriticalAutomations > 0 {
		return models.RiskCritical
	}
	if stats.HighAutomations > 5 {
		return models.RiskHigh
	}
	if stats.NewAutomations > 10 {
		return models.RiskMedium
	}
	return models.RiskLow
}
