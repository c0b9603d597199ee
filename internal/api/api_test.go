package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nexasec/sspm/internal/models"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", 50, 0},
		{"explicit values", "limit=100&offset=25", 100, 25},
		{"limit capped at 1000", "limit=5000", 50, 0},
		{"negative values ignored", "limit=-1&offset=-5", 50, 0},
		{"garbage ignored", "limit=abc&offset=xyz", 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/automations?"+tt.query, nil)
			limit, offset := parsePagination(r, 50)
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Errorf("parsePagination(%q) = (%d, %d), want (%d, %d)",
					tt.query, limit, offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestDetectionProviders(t *testing.T) {
	if got := detectionProviders(nil); got != nil {
		t.Errorf("nil detection = %v", got)
	}
	if got := detectionProviders(models.JSONB{"providers": "openai"}); got != nil {
		t.Errorf("non-list providers = %v", got)
	}

	got := detectionProviders(models.JSONB{
		"providers": []interface{}{"openai", "anthropic", 7},
	})
	if len(got) != 2 || got[0] != "openai" || got[1] != "anthropic" {
		t.Errorf("providers = %v", got)
	}
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, http.StatusNotFound, "not_found", "Automation not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}

	var resp apiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Success {
		t.Error("expected success=false")
	}
	if resp.Error == nil || resp.Error.Code != "not_found" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestRespondJSONWithMeta(t *testing.T) {
	rec := httptest.NewRecorder()
	respondJSONWithMeta(rec, http.StatusOK, []string{"a", "b"}, &apiMeta{Total: 42, Limit: 10, Offset: 20})

	var resp apiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}
	if resp.Meta == nil || resp.Meta.Total != 42 || resp.Meta.Limit != 10 || resp.Meta.Offset != 20 {
		t.Errorf("meta = %+v", resp.Meta)
	}
}
