package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

type ReportType string

const (
	ReportTypeAutomations    ReportType = "automations"
	ReportTypeAIIntegrations ReportType = "ai_integrations"
	ReportTypeAccuracy       ReportType = "accuracy"
	ReportTypeExecutive      ReportType = "executive"
)

type ReportFormat string

const (
	FormatCSV  ReportFormat = "csv"
	FormatPDF  ReportFormat = "pdf"
	FormatJSON ReportFormat = "json"
)

type ReportRequest struct {
	Type           ReportType
	Format         ReportFormat
	Title          string
	OrganizationID uuid.UUID
	Platforms      []string
	RiskLevels     []string
	DateFrom       *time.Time
	DateTo         *time.Time
}

type Report struct {
	ID          string
	Type        ReportType
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

// ReportAutomation is the flattened row a report renders.
type ReportAutomation struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Platform       string     `json:"platform"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	RiskLevel      string     `json:"risk_level"`
	RiskScore      float64    `json:"risk_score"`
	Owner          string     `json:"owner"`
	VendorName     string     `json:"vendor_name,omitempty"`
	AIProviders    []string   `json:"ai_providers,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
}

// AccuracyStats summarizes detection quality from analyst feedback.
type AccuracyStats struct {
	TotalFeedback  int     `json:"total_feedback"`
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1Score        float64 `json:"f1_score"`
}

type Stats struct {
	TotalConnections    int            `json:"total_connections"`
	TotalAutomations    int            `json:"total_automations"`
	CriticalAutomations int            `json:"critical_automations"`
	HighAutomations     int            `json:"high_automations"`
	MediumAutomations   int            `json:"medium_automations"`
	LowAutomations      int            `json:"low_automations"`
	AIIntegrations      int            `json:"ai_integrations"`
	CrossPlatformLinks  int            `json:"cross_platform_links"`
	AutomationsByKind   map[string]int `json:"automations_by_kind,omitempty"`
	AutomationsByVendor map[string]int `json:"automations_by_vendor,omitempty"`
}

type AutomationsFilter struct {
	OrganizationID uuid.UUID
	Platforms      []string
	RiskLevels     []string
	AIOnly         bool
	DateFrom       *time.Time
	DateTo         *time.Time
}

type DataProvider interface {
	GetAutomations(ctx context.Context, filter AutomationsFilter) ([]*ReportAutomation, error)
	GetAccuracy(ctx context.Context, orgID uuid.UUID) (*AccuracyStats, error)
	GetStats(ctx context.Context, orgID uuid.UUID) (*Stats, error)
}

type Generator struct {
	provider DataProvider
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider}
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	switch req.Type {
	case ReportTypeAutomations:
		return g.generateAutomationsReport(ctx, req)
	case ReportTypeAIIntegrations:
		return g.generateAIReport(ctx, req)
	case ReportTypeAccuracy:
		return g.generateAccuracyReport(ctx, req)
	case ReportTypeExecutive:
		return g.generateExecutiveReport(ctx, req)
	default:
		return nil, fmt.Errorf("unknown report type: %s", req.Type)
	}
}

func (g *Generator) generateAutomationsReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	automations, err := g.provider.GetAutomations(ctx, AutomationsFilter{
		OrganizationID: req.OrganizationID,
		Platforms:      req.Platforms,
		RiskLevels:     req.RiskLevels,
		DateFrom:       req.DateFrom,
		DateTo:         req.DateTo,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching automations: %w", err)
	}

	title := req.Title
	if title == "" {
		title = "Automation Inventory Report"
	}

	report := &Report{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Format:      req.Format,
		Title:       title,
		GeneratedAt: time.Now(),
	}

	switch req.Format {
	case FormatCSV:
		report.Data, err = automationsToCSV(automations)
		report.Filename = fmt.Sprintf("automations-%s.csv", time.Now().Format("2006-01-02"))
		report.MimeType = "text/csv"
	case FormatPDF:
		report.Data, err = automationsToPDF(automations, title)
		report.Filename = fmt.Sprintf("automations-%s.pdf", time.Now().Format("2006-01-02"))
		report.MimeType = "application/pdf"
	case FormatJSON:
		report.Data, err = json.MarshalIndent(automations, "", "  ")
		report.Filename = fmt.Sprintf("automations-%s.json", time.Now().Format("2006-01-02"))
		report.MimeType = "application/json"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return report, nil
}

func automationsToCSV(automations []*ReportAutomation) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"ID", "Name", "Platform", "Kind", "Status", "Risk Level", "Risk Score", "Owner", "Vendor", "AI Providers", "Last Activity", "First Seen"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, a := range automations {
		lastActivity := ""
		if a.LastActivityAt != nil {
			lastActivity = a.LastActivityAt.Format(time.RFC3339)
		}
		row := []string{
			a.ID,
			a.Name,
			a.Platform,
			a.Kind,
			a.Status,
			a.RiskLevel,
			fmt.Sprintf("%.1f", a.RiskScore),
			a.Owner,
			a.VendorName,
			joinComma(a.AIProviders),
			lastActivity,
			a.FirstSeenAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func automationsToPDF(automations []*ReportAutomation, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	byLevel := map[string]int{}
	for _, a := range automations {
		byLevel[a.RiskLevel]++
	}

	pdf.AddSection("Overview")
	pdf.AddParagraph(fmt.Sprintf("This report lists %d discovered automations across connected platforms.", len(automations)))
	pdf.AddChart("By Risk Level", byLevel)

	pdf.AddSection("Automations")
	headers := []string{"Name", "Platform", "Kind", "Risk", "Owner"}
	rows := make([][]string, 0, len(automations))
	for _, a := range automations {
		rows = append(rows, []string{
			truncate(a.Name, 25),
			a.Platform,
			a.Kind,
			a.RiskLevel,
			truncate(a.Owner, 25),
		})
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func (g *Generator) generateAIReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	automations, err := g.provider.GetAutomations(ctx, AutomationsFilter{
		OrganizationID: req.OrganizationID,
		AIOnly:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching AI automations: %w", err)
	}

	title := req.Title
	if title == "" {
		title = "AI Integration Exposure Report"
	}

	report := &Report{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Format:      req.Format,
		Title:       title,
		GeneratedAt: time.Now(),
	}

	switch req.Format {
	case FormatCSV:
		report.Data, err = automationsToCSV(automations)
		report.Filename = fmt.Sprintf("ai-integrations-%s.csv", time.Now().Format("2006-01-02"))
		report.MimeType = "text/csv"
	case FormatPDF:
		report.Data, err = aiExposureToPDF(automations, title)
		report.Filename = fmt.Sprintf("ai-integrations-%s.pdf", time.Now().Format("2006-01-02"))
		report.MimeType = "application/pdf"
	case FormatJSON:
		report.Data, err = json.MarshalIndent(automations, "", "  ")
		report.Filename = fmt.Sprintf("ai-integrations-%s.json", time.Now().Format("2006-01-02"))
		report.MimeType = "application/json"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return report, nil
}

func aiExposureToPDF(automations []*ReportAutomation, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	byProvider := map[string]int{}
	for _, a := range automations {
		for _, p := range a.AIProviders {
			byProvider[p]++
		}
	}

	pdf.AddSection("AI Exposure Overview")
	pdf.AddParagraph(fmt.Sprintf("%d automations were fingerprinted as calling external AI providers.", len(automations)))
	pdf.AddChart("By Provider", byProvider)

	pdf.AddSection("Flagged Automations")
	headers := []string{"Name", "Platform", "Providers", "Risk", "Owner"}
	rows := make([][]string, 0, len(automations))
	for _, a := range automations {
		rows = append(rows, []string{
			truncate(a.Name, 25),
			a.Platform,
			truncate(joinComma(a.AIProviders), 25),
			a.RiskLevel,
			truncate(a.Owner, 25),
		})
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func (g *Generator) generateAccuracyReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	stats, err := g.provider.GetAccuracy(ctx, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("fetching accuracy stats: %w", err)
	}

	title := req.Title
	if title == "" {
		title = "Detection Accuracy Report"
	}

	report := &Report{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Format:      req.Format,
		Title:       title,
		GeneratedAt: time.Now(),
	}

	switch req.Format {
	case FormatCSV:
		report.Data, err = accuracyToCSV(stats)
		report.Filename = fmt.Sprintf("accuracy-%s.csv", time.Now().Format("2006-01-02"))
		report.MimeType = "text/csv"
	case FormatPDF:
		report.Data, err = accuracyToPDF(stats, title)
		report.Filename = fmt.Sprintf("accuracy-%s.pdf", time.Now().Format("2006-01-02"))
		report.MimeType = "application/pdf"
	case FormatJSON:
		report.Data, err = json.MarshalIndent(stats, "", "  ")
		report.Filename = fmt.Sprintf("accuracy-%s.json", time.Now().Format("2006-01-02"))
		report.MimeType = "application/json"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return report, nil
}

func accuracyToCSV(stats *AccuracyStats) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{
		{"Metric", "Value"},
		{"Total Feedback", fmt.Sprintf("%d", stats.TotalFeedback)},
		{"True Positives", fmt.Sprintf("%d", stats.TruePositives)},
		{"False Positives", fmt.Sprintf("%d", stats.FalsePositives)},
		{"False Negatives", fmt.Sprintf("%d", stats.FalseNegatives)},
		{"Precision", fmt.Sprintf("%.3f", stats.Precision)},
		{"Recall", fmt.Sprintf("%.3f", stats.Recall)},
		{"F1 Score", fmt.Sprintf("%.3f", stats.F1Score)},
	}

	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func accuracyToPDF(stats *AccuracyStats, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Detection Quality")
	pdf.AddParagraph(fmt.Sprintf(
		"Based on %d analyst feedback submissions, detection precision is %.1f%% and recall is %.1f%%.",
		stats.TotalFeedback, stats.Precision*100, stats.Recall*100,
	))

	pdf.AddSummaryTable(map[string]int{
		"Total Feedback":  stats.TotalFeedback,
		"True Positives":  stats.TruePositives,
		"False Positives": stats.FalsePositives,
		"False Negatives": stats.FalseNegatives,
	})

	return pdf.Output()
}

func (g *Generator) generateExecutiveReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	stats, err := g.provider.GetStats(ctx, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("fetching stats: %w", err)
	}

	title := req.Title
	if title == "" {
		title = "Automation Security Posture"
	}

	report := &Report{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Format:      req.Format,
		Title:       title,
		GeneratedAt: time.Now(),
	}

	switch req.Format {
	case FormatCSV:
		report.Data, err = executiveToCSV(stats)
		report.Filename = fmt.Sprintf("executive-%s.csv", time.Now().Format("2006-01-02"))
		report.MimeType = "text/csv"
	case FormatPDF:
		report.Data, err = ExecutiveSummaryPDF(title, stats)
		report.Filename = fmt.Sprintf("executive-%s.pdf", time.Now().Format("2006-01-02"))
		report.MimeType = "application/pdf"
	case FormatJSON:
		report.Data, err = json.MarshalIndent(stats, "", "  ")
		report.Filename = fmt.Sprintf("executive-%s.json", time.Now().Format("2006-01-02"))
		report.MimeType = "application/json"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return report, nil
}

func executiveToCSV(stats *Stats) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{
		{"Metric", "Value"},
		{"Total Connections", fmt.Sprintf("%d", stats.TotalConnections)},
		{"Total Automations", fmt.Sprintf("%d", stats.TotalAutomations)},
		{"Critical Risk", fmt.Sprintf("%d", stats.CriticalAutomations)},
		{"High Risk", fmt.Sprintf("%d", stats.HighAutomations)},
		{"Medium Risk", fmt.Sprintf("%d", stats.MediumAutomations)},
		{"Low Risk", fmt.Sprintf("%d", stats.LowAutomations)},
		{"AI Integrations", fmt.Sprintf("%d", stats.AIIntegrations)},
		{"Cross-Platform Links", fmt.Sprintf("%d", stats.CrossPlatformLinks)},
	}

	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// StreamCSV writes an automations CSV directly to w, for download
// endpoints that should not hold the report in memory twice.
func (g *Generator) StreamCSV(ctx context.Context, w io.Writer, req *ReportRequest) error {
	automations, err := g.provider.GetAutomations(ctx, AutomationsFilter{
		OrganizationID: req.OrganizationID,
		Platforms:      req.Platforms,
		RiskLevels:     req.RiskLevels,
		DateFrom:       req.DateFrom,
		DateTo:         req.DateTo,
	})
	if err != nil {
		return fmt.Errorf("fetching automations: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ID", "Name", "Platform", "Kind", "Status", "Risk Level", "Risk Score", "Owner"}); err != nil {
		return err
	}
	for _, a := range automations {
		row := []string{a.ID, a.Name, a.Platform, a.Kind, a.Status, a.RiskLevel, fmt.Sprintf("%.1f", a.RiskScore), a.Owner}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
