// Package feedback tracks analyst judgments on discovered automations
// and turns them into accuracy metrics, consensus labels and training
// samples.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/models"
)

// ErrAutomationNotFound is returned when feedback targets an automation
// the store does not know.
var ErrAutomationNotFound = errors.New("automation not found")

// Store is the persistence the tracker needs.
type Store interface {
	GetAutomation(ctx context.Context, id uuid.UUID) (*models.DiscoveredAutomation, error)
	UpsertFeedback(ctx context.Context, fb *models.AutomationFeedback) (*models.AutomationFeedback, error)
	ListFeedbackByOrganization(ctx context.Context, orgID uuid.UUID, since time.Time) ([]models.AutomationFeedback, error)
}

// SubmitRequest is one analyst judgment.
type SubmitRequest struct {
	AutomationID         uuid.UUID
	UserID               uuid.UUID
	Kind                 models.FeedbackKind
	Comment              string
	SuggestedCorrections models.JSONB
	TrainingEligible     bool
}

// TrainingSample is one weighted feature/label pair for offline
// training.
type TrainingSample struct {
	AutomationID uuid.UUID           `json:"automation_id"`
	Label        models.FeedbackKind `json:"label"`
	Weight       float64             `json:"weight"`
	Features     models.JSONB        `json:"features"`
}

// Conflict marks an automation whose analysts disagree.
type Conflict struct {
	AutomationID uuid.UUID             `json:"automation_id"`
	Kinds        []models.FeedbackKind `json:"kinds"`
	Count        int                   `json:"count"`
}

// Tracker owns feedback ingestion and accuracy aggregation.
type Tracker struct {
	store  Store
	logger *slog.Logger
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger.With("component", "feedback"),
	}
}

// Submit records one analyst's judgment on one automation. At most one
// feedback row exists per (automation, user): repeated submissions
// update the existing row. The automation's current detection metadata
// is snapshotted onto the feedback so later training and replay see
// exactly what the analyst judged.
func (t *Tracker) Submit(ctx context.Context, req SubmitRequest) (*models.AutomationFeedback, error) {
	a, err := t.store.GetAutomation(ctx, req.AutomationID)
	if err != nil {
		return nil, fmt.Errorf("loading automation %s: %w", req.AutomationID, err)
	}
	if a == nil {
		return nil, fmt.Errorf("automation %s: %w", req.AutomationID, ErrAutomationNotFound)
	}

	now := time.Now().UTC()
	fb := &models.AutomationFeedback{
		ID:                   uuid.New(),
		AutomationID:         a.ID,
		OrganizationID:       a.OrganizationID,
		UserID:               req.UserID,
		Kind:                 req.Kind,
		Comment:              req.Comment,
		DetectionSnapshot:    a.Detection,
		SuggestedCorrections: req.SuggestedCorrections,
		TrainingEligible:     req.TrainingEligible,
		Status:               models.FeedbackStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	stored, err := t.store.UpsertFeedback(ctx, fb)
	if err != nil {
		return nil, fmt.Errorf("storing feedback: %w", err)
	}

	t.logger.Info("feedback recorded",
		"automation_id", a.ID,
		"user_id", req.UserID,
		"kind", req.Kind)
	return stored, nil
}

// Accuracy computes precision, recall and F1 over the organization's
// feedback inside the window. True positives are the kinds that confirm
// a detection; an undefined ratio (zero denominator) reports as zero.
func (t *Tracker) Accuracy(ctx context.Context, orgID uuid.UUID, windowDays int) (*models.AccuracyMetrics, error) {
	since := time.Now().UTC().AddDate(0, 0, -windowDays)
	rows, err := t.store.ListFeedbackByOrganization(ctx, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("listing feedback: %w", err)
	}

	m := &models.AccuracyMetrics{
		OrganizationID: orgID,
		WindowDays:     windowDays,
	}
	for _, fb := range rows {
		switch {
		case fb.Kind.Positive():
			m.TruePositives++
		case fb.Kind == models.FeedbackFalsePositive:
			m.FalsePositives++
		case fb.Kind == models.FeedbackFalseNegative:
			m.FalseNegatives++
		}
	}

	if tp := float64(m.TruePositives); tp > 0 {
		m.Precision = tp / float64(m.TruePositives+m.FalsePositives)
		m.Recall = tp / float64(m.TruePositives+m.FalseNegatives)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m, nil
}

// Conflicts returns the automations carrying more than one distinct
// non-uncertain feedback kind, for analyst re-review.
func (t *Tracker) Conflicts(ctx context.Context, orgID uuid.UUID) ([]Conflict, error) {
	rows, err := t.store.ListFeedbackByOrganization(ctx, orgID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("listing feedback: %w", err)
	}

	byAutomation := make(map[uuid.UUID]map[models.FeedbackKind]int)
	for _, fb := range rows {
		if fb.Kind == models.FeedbackUncertain {
			continue
		}
		if byAutomation[fb.AutomationID] == nil {
			byAutomation[fb.AutomationID] = make(map[models.FeedbackKind]int)
		}
		byAutomation[fb.AutomationID][fb.Kind]++
	}

	var out []Conflict
	for id, kinds := range byAutomation {
		if len(kinds) < 2 {
			continue
		}
		conflict := Conflict{AutomationID: id}
		for kind, n := range kinds {
			conflict.Kinds = append(conflict.Kinds, kind)
			conflict.Count += n
		}
		sort.Slice(conflict.Kinds, func(i, j int) bool {
			return conflict.Kinds[i] < conflict.Kinds[j]
		})
		out = append(out, conflict)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AutomationID.String() < out[j].AutomationID.String()
	})
	return out, nil
}

// TrainingSamples selects weighted feature/label pairs for offline
// training: only feedback explicitly marked training-eligible and past
// pending review qualifies. Disagreements resolve by consensus; the
// agreement ratio becomes the sample weight.
func (t *Tracker) TrainingSamples(ctx context.Context, orgID uuid.UUID, limit int) ([]TrainingSample, error) {
	rows, err := t.store.ListFeedbackByOrganization(ctx, orgID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("listing feedback: %w", err)
	}

	byAutomation := make(map[uuid.UUID][]models.AutomationFeedback)
	for _, fb := range rows {
		if !fb.TrainingEligible || fb.Status == models.FeedbackStatusPending {
			continue
		}
		byAutomation[fb.AutomationID] = append(byAutomation[fb.AutomationID], fb)
	}

	ids := make([]uuid.UUID, 0, len(byAutomation))
	for id := range byAutomation {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var out []TrainingSample
	for _, id := range ids {
		group := byAutomation[id]
		label, agreement, ok := ConsensusLabel(group)
		if !ok {
			continue
		}
		sample := TrainingSample{
			AutomationID: id,
			Label:        label,
			Weight:       agreement,
		}
		// Any snapshot in the group carries the judged detection state.
		for _, fb := range group {
			if fb.DetectionSnapshot != nil {
				sample.Features = fb.DetectionSnapshot
				break
			}
		}
		out = append(out, sample)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ConsensusLabel majority-votes a group of feedback rows. Uncertain
// votes are excluded; the agreement ratio is the majority share of the
// non-uncertain votes. It is a pure aggregation over the snapshot it is
// given — consensus is never cached on a row where it could drift.
func ConsensusLabel(group []models.AutomationFeedback) (models.FeedbackKind, float64, bool) {
	votes := make(map[models.FeedbackKind]int)
	total := 0
	for _, fb := range group {
		if fb.Kind == models.FeedbackUncertain {
			continue
		}
		votes[fb.Kind]++
		total++
	}
	if total == 0 {
		return "", 0, false
	}

	kinds := make([]models.FeedbackKind, 0, len(votes))
	for kind := range votes {
		kinds = append(kinds, kind)
	}
	// Ties break deterministically toward the lexicographically first
	// kind.
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var (
		winner models.FeedbackKind
		best   int
	)
	for _, kind := range kinds {
		if votes[kind] > best {
			winner = kind
			best = votes[kind]
		}
	}
	return winner, float64(best) / float64(total), true
}
