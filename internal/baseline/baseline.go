// Package baseline maintains per-(user, organization) behavioral
// baselines and scores new activity against them. A baseline moves
// through untrained -> training -> established; anomaly scoring is
// suppressed until it is established.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/models"
)

// ErrInsufficientBaseline is returned when anomaly scoring is requested
// for a user whose baseline is not yet established. Callers surface it
// as "anomaly scoring unavailable", never as a normal score.
var ErrInsufficientBaseline = errors.New("baseline not established: insufficient observation data")

// Tunable learning parameters.
const (
	// MinSampleDays is the observation count required before a baseline
	// transitions to established.
	MinSampleDays = 14

	// SmoothingAlpha is the EWMA learning rate. Updates are bounded: a
	// single outlier moves the learned statistics by at most this
	// fraction of the deviation.
	SmoothingAlpha = 0.2

	// stdDevFloor prevents division blowups for near-constant users.
	stdDevFloor = 1.0

	// familiarActionShare is the smoothed frequency below which an
	// action counts as outside the user's common-action distribution.
	familiarActionShare = 0.05
)

// Anomaly score component weights; the total is capped at 100.
const (
	rateComponentMax      = 50.0
	offHoursComponentMax  = 25.0
	unfamiliarActionScore = 25.0

	// zCeiling is the z-distance that saturates the rate component.
	zCeiling = 4.0
)

// Store is the persistence the service needs.
type Store interface {
	GetBaseline(ctx context.Context, orgID uuid.UUID, userID string) (*models.BehavioralBaseline, error)
	UpsertBaseline(ctx context.Context, b *models.BehavioralBaseline) error
}

// DailyObservation summarizes one user's activity for one day.
type DailyObservation struct {
	Day             time.Time
	EventCount      int
	FirstActiveHour int
	LastActiveHour  int
	ActionCounts    map[string]int
}

// Activity is a single new event to score against the baseline.
type Activity struct {
	OccurredAt time.Time
	// EventRate is the observed events-per-day rate around the
	// activity.
	EventRate float64
	Action    string
}

// Score is the anomaly scoring result for one activity.
type Score struct {
	Value            float64 `json:"value"`
	ZDistance        float64 `json:"z_distance"`
	OffHours         bool    `json:"off_hours"`
	UnfamiliarAction bool    `json:"unfamiliar_action"`
}

// Service owns baseline training and anomaly scoring.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With("component", "baseline"),
	}
}

// Observe absorbs one daily observation into the user's baseline,
// creating it when first seen. The update is incremental: no history is
// replayed and the learned statistics move by at most SmoothingAlpha of
// the observed deviation.
func (s *Service) Observe(ctx context.Context, orgID uuid.UUID, userID string, obs DailyObservation) (*models.BehavioralBaseline, error) {
	b, err := s.store.GetBaseline(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("loading baseline for %s: %w", userID, err)
	}

	now := time.Now().UTC()
	if b == nil {
		b = &models.BehavioralBaseline{
			ID:                uuid.New(),
			OrganizationID:    orgID,
			UserID:            userID,
			State:             models.BaselineUntrained,
			ActionFrequencies: models.JSONB{},
			CreatedAt:         now,
		}
	}

	applyObservation(b, obs)
	b.LastObservedAt = &obs.Day
	b.UpdatedAt = now

	switch {
	case b.SampleCount >= MinSampleDays:
		if b.State != models.BaselineEstablished {
			s.logger.Info("baseline established",
				"org_id", orgID,
				"user_id", userID,
				"samples", b.SampleCount)
		}
		b.State = models.BaselineEstablished
	case b.SampleCount > 0:
		b.State = models.BaselineTraining
	}

	if err := s.store.UpsertBaseline(ctx, b); err != nil {
		return nil, fmt.Errorf("persisting baseline for %s: %w", userID, err)
	}
	return b, nil
}

// ScoreActivity scores one activity against the user's established
// baseline. When the baseline is missing or still training it returns
// ErrInsufficientBaseline; insufficient data is an explicit signal,
// never treated as normal.
func (s *Service) ScoreActivity(ctx context.Context, orgID uuid.UUID, userID string, act Activity) (*Score, error) {
	b, err := s.store.GetBaseline(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("loading baseline for %s: %w", userID, err)
	}
	if b == nil || b.State != models.BaselineEstablished {
		return nil, fmt.Errorf("user %s: %w", userID, ErrInsufficientBaseline)
	}
	score := scoreAgainst(b, act)
	return &score, nil
}

// applyObservation folds one day of activity into the learned
// statistics with bounded-rate smoothing.
func applyObservation(b *models.BehavioralBaseline, obs DailyObservation) {
	x := float64(obs.EventCount)

	if b.SampleCount == 0 {
		b.MeanDailyEvents = x
		b.StdDevDailyEvents = 0
		b.ActiveHourStart = obs.FirstActiveHour
		b.ActiveHourEnd = obs.LastActiveHour
	} else {
		deviation := math.Abs(x - b.MeanDailyEvents)
		b.MeanDailyEvents = (1-SmoothingAlpha)*b.MeanDailyEvents + SmoothingAlpha*x
		b.StdDevDailyEvents = (1-SmoothingAlpha)*b.StdDevDailyEvents + SmoothingAlpha*deviation

		// Active-hour window drifts one hour per observation at most.
		b.ActiveHourStart = stepToward(b.ActiveHourStart, obs.FirstActiveHour)
		b.ActiveHourEnd = stepToward(b.ActiveHourEnd, obs.LastActiveHour)
	}

	if b.ActionFrequencies == nil {
		b.ActionFrequencies = models.JSONB{}
	}
	total := 0
	for _, c := range obs.ActionCounts {
		total += c
	}
	// Decay every learned action, then fold in today's share.
	for action, v := range b.ActionFrequencies {
		f, _ := v.(float64)
		b.ActionFrequencies[action] = (1 - SmoothingAlpha) * f
	}
	if total > 0 {
		for action, c := range obs.ActionCounts {
			share := float64(c) / float64(total)
			prev, _ := b.ActionFrequencies[action].(float64)
			b.ActionFrequencies[action] = prev + SmoothingAlpha*share
		}
	}

	b.SampleCount++
}

func scoreAgainst(b *models.BehavioralBaseline, act Activity) Score {
	var result Score

	// Normalized deviation from the learned event rate.
	stddev := b.StdDevDailyEvents
	if stddev < stdDevFloor {
		stddev = stdDevFloor
	}
	result.ZDistance = math.Abs(act.EventRate-b.MeanDailyEvents) / stddev

	rate := result.ZDistance / zCeiling
	if rate > 1 {
		rate = 1
	}
	total := rate * rateComponentMax

	// Deviation from the typical active-hour window.
	hour := act.OccurredAt.Hour()
	if dist := hourDistance(hour, b.ActiveHourStart, b.ActiveHourEnd); dist > 0 {
		result.OffHours = true
		frac := float64(dist) / 12.0
		if frac > 1 {
			frac = 1
		}
		total += frac * offHoursComponentMax
	}

	// Penalty for actions outside the common-action distribution.
	if act.Action != "" {
		freq, _ := b.ActionFrequencies[act.Action].(float64)
		if freq < familiarActionShare {
			result.UnfamiliarAction = true
			total += unfamiliarActionScore
		}
	}

	if total > 100 {
		total = 100
	}
	result.Value = total
	return result
}

// stepToward moves current one hour toward target.
func stepToward(current, target int) int {
	switch {
	case target > current:
		return current + 1
	case target < current:
		return current - 1
	default:
		return current
	}
}

// hourDistance returns how many hours outside the [start, end] window
// the given hour falls, zero when inside.
func hourDistance(hour, start, end int) int {
	if start <= end {
		if hour >= start && hour <= end {
			return 0
		}
		before := start - hour
		after := hour - end
		if before > 0 && (after <= 0 || before < after) {
			return before
		}
		return after
	}
	// Window wraps midnight.
	if hour >= start || hour <= end {
		return 0
	}
	d1 := start - hour
	d2 := hour - end
	if d1 < d2 {
		return d1
	}
	return d2
}
