package baseline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/models"
)

type fakeStore struct {
	baselines map[string]*models.BehavioralBaseline
}

func newFakeStore() *fakeStore {
	return &fakeStore{baselines: make(map[string]*models.BehavioralBaseline)}
}

func (f *fakeStore) key(orgID uuid.UUID, userID string) string {
	return orgID.String() + "/" + userID
}

func (f *fakeStore) GetBaseline(_ context.Context, orgID uuid.UUID, userID string) (*models.BehavioralBaseline, error) {
	b, ok := f.baselines[f.key(orgID, userID)]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (f *fakeStore) UpsertBaseline(_ context.Context, b *models.BehavioralBaseline) error {
	copied := *b
	f.baselines[f.key(b.OrganizationID, b.UserID)] = &copied
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func observeDays(t *testing.T, svc *Service, orgID uuid.UUID, userID string, days int, events int) *models.BehavioralBaseline {
	t.Helper()
	var b *models.BehavioralBaseline
	var err error
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		b, err = svc.Observe(context.Background(), orgID, userID, DailyObservation{
			Day:             day.AddDate(0, 0, i),
			EventCount:      events,
			FirstActiveHour: 9,
			LastActiveHour:  17,
			ActionCounts:    map[string]int{"file_edit": events},
		})
		if err != nil {
			t.Fatalf("observe day %d: %v", i, err)
		}
	}
	return b
}

func TestBaselineStateMachine(t *testing.T) {
	svc := NewService(newFakeStore(), testLogger())
	orgID := uuid.New()

	b := observeDays(t, svc, orgID, "u-1", 1, 50)
	if b.State != models.BaselineTraining {
		t.Fatalf("state after 1 observation = %s, want training", b.State)
	}

	b = observeDays(t, svc, orgID, "u-1", MinSampleDays-2, 50)
	if b.State != models.BaselineTraining {
		t.Fatalf("state after %d observations = %s, want training", MinSampleDays-1, b.State)
	}

	b = observeDays(t, svc, orgID, "u-1", 1, 50)
	if b.State != models.BaselineEstablished {
		t.Fatalf("state after %d observations = %s, want established", MinSampleDays, b.State)
	}
	if b.SampleCount != MinSampleDays {
		t.Errorf("sample count = %d, want %d", b.SampleCount, MinSampleDays)
	}
}

func TestScoreActivityInsufficientBaseline(t *testing.T) {
	svc := NewService(newFakeStore(), testLogger())
	orgID := uuid.New()

	_, err := svc.ScoreActivity(context.Background(), orgID, "unknown-user", Activity{EventRate: 10})
	if !errors.Is(err, ErrInsufficientBaseline) {
		t.Fatalf("err = %v, want ErrInsufficientBaseline", err)
	}

	// Still training: scoring stays suppressed.
	observeDays(t, svc, orgID, "u-2", MinSampleDays-1, 50)
	_, err = svc.ScoreActivity(context.Background(), orgID, "u-2", Activity{EventRate: 10})
	if !errors.Is(err, ErrInsufficientBaseline) {
		t.Fatalf("err while training = %v, want ErrInsufficientBaseline", err)
	}
}

func TestScoreActivityEstablished(t *testing.T) {
	svc := NewService(newFakeStore(), testLogger())
	orgID := uuid.New()
	observeDays(t, svc, orgID, "u-3", MinSampleDays, 50)

	inWindow := time.Date(2024, 3, 20, 11, 0, 0, 0, time.UTC)
	offHours := time.Date(2024, 3, 20, 3, 0, 0, 0, time.UTC)

	normal, err := svc.ScoreActivity(context.Background(), orgID, "u-3", Activity{
		OccurredAt: inWindow,
		EventRate:  50,
		Action:     "file_edit",
	})
	if err != nil {
		t.Fatalf("scoring normal activity: %v", err)
	}
	if normal.Value > 10 {
		t.Errorf("normal activity score = %f, want near zero", normal.Value)
	}
	if normal.OffHours || normal.UnfamiliarAction {
		t.Errorf("normal activity flagged: %+v", normal)
	}

	spike, err := svc.ScoreActivity(context.Background(), orgID, "u-3", Activity{
		OccurredAt: offHours,
		EventRate:  500,
		Action:     "bulk_export",
	})
	if err != nil {
		t.Fatalf("scoring anomalous activity: %v", err)
	}
	if spike.Value <= normal.Value {
		t.Errorf("anomalous score %f <= normal score %f", spike.Value, normal.Value)
	}
	if !spike.OffHours {
		t.Error("expected off-hours flag")
	}
	if !spike.UnfamiliarAction {
		t.Error("expected unfamiliar-action flag")
	}
	if spike.Value > 100 {
		t.Errorf("score %f exceeds cap", spike.Value)
	}
}

func TestBaselineSmoothingBoundsOutliers(t *testing.T) {
	svc := NewService(newFakeStore(), testLogger())
	orgID := uuid.New()
	b := observeDays(t, svc, orgID, "u-4", MinSampleDays, 50)
	meanBefore := b.MeanDailyEvents

	// One extreme day must not drag the mean to the outlier.
	after, err := svc.Observe(context.Background(), orgID, "u-4", DailyObservation{
		Day:             time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
		EventCount:      5000,
		FirstActiveHour: 9,
		LastActiveHour:  17,
	})
	if err != nil {
		t.Fatal(err)
	}

	maxShift := meanBefore + SmoothingAlpha*(5000-meanBefore) + 0.001
	if after.MeanDailyEvents > maxShift {
		t.Errorf("mean jumped to %f, want bounded by %f", after.MeanDailyEvents, maxShift)
	}
	if after.MeanDailyEvents >= 5000 {
		t.Error("mean regressed to the outlier value")
	}
}

func TestHourDistance(t *testing.T) {
	tests := []struct {
		hour, start, end int
		want             int
	}{
		{10, 9, 17, 0},
		{9, 9, 17, 0},
		{17, 9, 17, 0},
		{3, 9, 17, 6},
		{20, 9, 17, 3},
		{23, 22, 4, 0}, // wrapping window
		{2, 22, 4, 0},
		{12, 22, 4, 8},
	}
	for _, tt := range tests {
		if got := hourDistance(tt.hour, tt.start, tt.end); got != tt.want {
			t.Errorf("hourDistance(%d, %d, %d) = %d, want %d", tt.hour, tt.start, tt.end, got, tt.want)
		}
	}
}
