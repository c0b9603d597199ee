package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeProvider struct {
	automations []*ReportAutomation
	accuracy    *AccuracyStats
	stats       *Stats

	lastFilter AutomationsFilter
}

func (f *fakeProvider) GetAutomations(_ context.Context, filter AutomationsFilter) ([]*ReportAutomation, error) {
	f.lastFilter = filter
	return f.automations, nil
}

func (f *fakeProvider) GetAccuracy(_ context.Context, _ uuid.UUID) (*AccuracyStats, error) {
	return f.accuracy, nil
}

func (f *fakeProvider) GetStats(_ context.Context, _ uuid.UUID) (*Stats, error) {
	return f.stats, nil
}

func sampleAutomations() []*ReportAutomation {
	last := time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC)
	return []*ReportAutomation{
		{
			ID:             "a1",
			Name:           "Deploy Bot",
			Platform:       "SLACK",
			Kind:           "bot",
			Status:         "active",
			RiskLevel:      "high",
			RiskScore:      72.5,
			Owner:          "alice@corp.example",
			VendorName:     "Acme CI",
			AIProviders:    []string{"openai"},
			LastActivityAt: &last,
			FirstSeenAt:    time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			ID:          "a2",
			Name:        "Mailbox Sync",
			Platform:    "GOOGLE_WORKSPACE",
			Kind:        "script",
			Status:      "active",
			RiskLevel:   "critical",
			RiskScore:   91.0,
			Owner:       "bob@corp.example",
			FirstSeenAt: time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestGenerateAutomationsCSV(t *testing.T) {
	provider := &fakeProvider{automations: sampleAutomations()}
	gen := NewGenerator(provider)

	report, err := gen.Generate(context.Background(), &ReportRequest{
		Type:       ReportTypeAutomations,
		Format:     FormatCSV,
		Platforms:  []string{"SLACK"},
		RiskLevels: []string{"high"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if report.MimeType != "text/csv" {
		t.Errorf("mime type = %s", report.MimeType)
	}
	if !strings.HasPrefix(report.Filename, "automations-") || !strings.HasSuffix(report.Filename, ".csv") {
		t.Errorf("filename = %s", report.Filename)
	}
	if provider.lastFilter.Platforms[0] != "SLACK" || provider.lastFilter.RiskLevels[0] != "high" {
		t.Errorf("filter not forwarded: %+v", provider.lastFilter)
	}

	records, err := csv.NewReader(bytes.NewReader(report.Data)).ReadAll()
	if err != nil {
		t.Fatalf("parsing csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("csv rows = %d, want header + 2", len(records))
	}
	if records[0][0] != "ID" || records[0][5] != "Risk Level" {
		t.Errorf("header = %v", records[0])
	}
	if records[1][1] != "Deploy Bot" || records[1][6] != "72.5" {
		t.Errorf("row = %v", records[1])
	}
	if records[1][9] != "openai" {
		t.Errorf("ai providers column = %q", records[1][9])
	}
	if records[2][10] != "" {
		t.Errorf("expected empty last activity, got %q", records[2][10])
	}
}

func TestGenerateAutomationsJSON(t *testing.T) {
	gen := NewGenerator(&fakeProvider{automations: sampleAutomations()})

	report, err := gen.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeAutomations,
		Format: FormatJSON,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var decoded []*ReportAutomation
	if err := json.Unmarshal(report.Data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 2 || decoded[1].RiskLevel != "critical" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestGenerateAIReportFiltersToAIOnly(t *testing.T) {
	provider := &fakeProvider{automations: sampleAutomations()[:1]}
	gen := NewGenerator(provider)

	report, err := gen.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeAIIntegrations,
		Format: FormatPDF,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !provider.lastFilter.AIOnly {
		t.Error("expected AI-only filter")
	}
	if !bytes.HasPrefix(report.Data, []byte("%PDF")) {
		t.Error("expected PDF output")
	}
	if report.Title != "AI Integration Exposure Report" {
		t.Errorf("default title = %q", report.Title)
	}
}

func TestGenerateAccuracyCSV(t *testing.T) {
	gen := NewGenerator(&fakeProvider{accuracy: &AccuracyStats{
		TotalFeedback:  20,
		TruePositives:  15,
		FalsePositives: 3,
		FalseNegatives: 2,
		Precision:      0.833,
		Recall:         0.882,
		F1Score:        0.857,
	}})

	report, err := gen.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeAccuracy,
		Format: FormatCSV,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	body := string(report.Data)
	if !strings.Contains(body, "True Positives,15") {
		t.Errorf("missing TP row:\n%s", body)
	}
	if !strings.Contains(body, "Precision,0.833") {
		t.Errorf("missing precision row:\n%s", body)
	}
}

func TestGenerateExecutivePDF(t *testing.T) {
	gen := NewGenerator(&fakeProvider{stats: &Stats{
		TotalConnections:    3,
		TotalAutomations:    42,
		CriticalAutomations: 2,
		HighAutomations:     7,
		MediumAutomations:   13,
		LowAutomations:      20,
		AIIntegrations:      5,
		CrossPlatformLinks:  4,
		AutomationsByKind:   map[string]int{"bot": 18, "script": 24},
		AutomationsByVendor: map[string]int{"Acme CI": 6},
	}})

	report, err := gen.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeExecutive,
		Format: FormatPDF,
		Title:  "Quarterly Posture Review",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !bytes.HasPrefix(report.Data, []byte("%PDF")) {
		t.Error("expected PDF output")
	}
	if report.Title != "Quarterly Posture Review" {
		t.Errorf("title = %q, want caller override", report.Title)
	}
}

func TestGenerateRejectsUnknownTypeAndFormat(t *testing.T) {
	gen := NewGenerator(&fakeProvider{})

	if _, err := gen.Generate(context.Background(), &ReportRequest{Type: "bogus"}); err == nil {
		t.Error("expected unknown type error")
	}
	if _, err := gen.Generate(context.Background(), &ReportRequest{Type: ReportTypeAutomations, Format: "xml"}); err == nil {
		t.Error("expected unsupported format error")
	}
}

func TestStreamCSV(t *testing.T) {
	gen := NewGenerator(&fakeProvider{automations: sampleAutomations()})

	var buf bytes.Buffer
	if err := gen.StreamCSV(context.Background(), &buf, &ReportRequest{Type: ReportTypeAutomations}); err != nil {
		t.Fatalf("StreamCSV: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parsing csv: %v", err)
	}
	if len(records) != 3 || len(records[0]) != 8 {
		t.Errorf("rows = %d, columns = %d", len(records), len(records[0]))
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 25); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	long := strings.Repeat("x", 40)
	got := truncate(long, 25)
	if len(got) != 25 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long = %q", got)
	}
}
