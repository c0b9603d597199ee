// Package discovery drives one platform connection through the full
// discovery pipeline: connector -> signature matchers -> risk engine ->
// correlator -> persistence, producing a terminal DiscoveryRun record.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/connectors"
	"github.com/nexasec/sspm/internal/correlator"
	"github.com/nexasec/sspm/internal/detect"
	"github.com/nexasec/sspm/internal/models"
	"github.com/nexasec/sspm/internal/risk"
)

// Store is the persistence contract the orchestrator needs.
type Store interface {
	CreateRun(ctx context.Context, run *models.DiscoveryRun) error
	UpdateRun(ctx context.Context, run *models.DiscoveryRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.DiscoveryRun, error)
	GetActiveRun(ctx context.Context, connectionID uuid.UUID) (*models.DiscoveryRun, error)

	GetAutomationByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*models.DiscoveredAutomation, error)
	InsertAutomation(ctx context.Context, a *models.DiscoveredAutomation) error
	UpdateAutomation(ctx context.Context, a *models.DiscoveredAutomation) error
	AppendRiskHistory(ctx context.Context, entry *models.RiskHistoryEntry) error

	ListAutomationsByOrganization(ctx context.Context, orgID uuid.UUID) ([]models.DiscoveredAutomation, error)
	ReplaceIntegrations(ctx context.Context, orgID uuid.UUID, integrations []models.CrossPlatformIntegration) error
}

// Config bounds the orchestrator's concurrency and outbound calls.
type Config struct {
	// SourceConcurrency caps how many enumeration sub-sources run
	// against the platform API at once.
	SourceConcurrency int
	// SourceTimeout bounds each sub-source enumeration call.
	SourceTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SourceConcurrency: 3,
		SourceTimeout:     2 * time.Minute,
	}
}

// Orchestrator executes discovery runs. One run per invocation; runs
// for different connections may execute concurrently.
type Orchestrator struct {
	store  Store
	engine *risk.Engine
	corr   *correlator.Correlator
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	cancelled map[uuid.UUID]bool
}

func NewOrchestrator(store Store, config Config, logger *slog.Logger) *Orchestrator {
	if config.SourceConcurrency <= 0 {
		config.SourceConcurrency = DefaultConfig().SourceConcurrency
	}
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = DefaultConfig().SourceTimeout
	}
	return &Orchestrator{
		store:     store,
		engine:    risk.NewEngine(),
		corr:      correlator.New(),
		config:    config,
		logger:    logger.With("component", "discovery"),
		cancelled: make(map[uuid.UUID]bool),
	}
}

// sourceResult carries one sub-source's outcome across the merge point.
type sourceResult struct {
	source string
	items  []connectors.RawAutomation
	err    error
}

// Start begins a discovery run for a connection. While a run for the
// same connection is still in flight the call joins it instead of
// creating a duplicate; joined reports which case happened, and a
// joined run must not be passed to Execute again.
func (o *Orchestrator) Start(ctx context.Context, conn *models.PlatformConnection) (run *models.DiscoveryRun, joined bool, err error) {
	if active, err := o.store.GetActiveRun(ctx, conn.ID); err != nil {
		return nil, false, fmt.Errorf("checking in-flight runs: %w", err)
	} else if active != nil {
		o.logger.Info("joining in-flight run",
			"run_id", active.ID,
			"connection_id", conn.ID)
		return active, true, nil
	}

	now := time.Now().UTC()
	run = &models.DiscoveryRun{
		ID:             uuid.New(),
		OrganizationID: conn.OrganizationID,
		ConnectionID:   conn.ID,
		Status:         models.RunPending,
		Metadata:       models.JSONB{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		// Two callers can pass the active-run check before either
		// commits; the single-active-run constraint picks one winner
		// and the loser joins it.
		var consistency *DataConsistencyError
		if errors.As(err, &consistency) {
			active, readErr := o.store.GetActiveRun(ctx, conn.ID)
			if readErr != nil {
				return nil, false, fmt.Errorf("re-reading in-flight run after create race: %w", readErr)
			}
			if active != nil {
				o.logger.Info("joining in-flight run after create race",
					"run_id", active.ID,
					"connection_id", conn.ID)
				return active, true, nil
			}
		}
		return nil, false, fmt.Errorf("creating run: %w", err)
	}
	return run, false, nil
}

// Cancel requests termination of a run. The request is honored at the
// next sub-source boundary, never mid-call.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}
	if run == nil {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s (%s): %w", runID, run.Status, ErrRunTerminal)
	}

	o.mu.Lock()
	o.cancelled[runID] = true
	o.mu.Unlock()

	o.logger.Info("run cancellation requested", "run_id", runID)
	return nil
}

func (o *Orchestrator) cancelRequested(runID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[runID]
}

func (o *Orchestrator) clearCancel(runID uuid.UUID) {
	o.mu.Lock()
	delete(o.cancelled, runID)
	o.mu.Unlock()
}

// Execute drives a pending run to a terminal state. It always returns
// the run with its final status; the error is non-nil only for internal
// failures that prevented the run record itself from being maintained.
// Execute owns the connector and closes it on every path. Only the
// caller that created the run may execute it: a run that is already
// past pending belongs to another executor and is refused.
func (o *Orchestrator) Execute(ctx context.Context, run *models.DiscoveryRun, connector connectors.Connector) (*models.DiscoveryRun, error) {
	defer connector.Close()

	if run.Status != models.RunPending {
		return run, fmt.Errorf("run %s (%s): %w", run.ID, run.Status, ErrRunNotPending)
	}
	defer o.clearCancel(run.ID)

	if run.Metadata == nil {
		run.Metadata = models.JSONB{}
	}

	started := time.Now().UTC()
	run.Status = models.RunInProgress
	run.StartedAt = &started
	run.UpdatedAt = started
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("marking run in progress: %w", err)
	}

	identity, err := connector.Authenticate(ctx)
	if err != nil {
		o.logger.Error("authentication failed",
			"run_id", run.ID,
			"platform", connector.Platform(),
			"error", err)
		return o.fail(ctx, run, fmt.Errorf("authenticating: %w", err))
	}
	run.Metadata["account"] = identity.DisplayName

	mode, err := connector.DetectAccountMode(ctx)
	if err != nil {
		// Unknown mode is treated as the restrictive case: personal,
		// no admin enumeration.
		o.logger.Warn("account mode detection failed, assuming personal",
			"run_id", run.ID,
			"error", err)
		mode = &connectors.AccountMode{Type: models.AccountPersonal}
		run.WarningsCount++
	}
	run.Metadata["account_mode"] = string(mode.Type)

	items, sourceErrs := o.enumerate(ctx, run, connector, mode)

	if o.cancelRequested(run.ID) {
		return o.terminate(ctx, run, models.RunCancelled)
	}

	found := 0
	for i := range items {
		if err := o.processAutomation(ctx, run, connector.Platform(), &items[i]); err != nil {
			o.logger.Error("processing automation failed",
				"run_id", run.ID,
				"external_id", items[i].ExternalID,
				"error", err)
			run.ErrorsCount++
			continue
		}
		found++
	}

	for range sourceErrs {
		run.ErrorsCount++
		run.WarningsCount++
	}
	if len(sourceErrs) > 0 {
		srcErrs := make([]interface{}, 0, len(sourceErrs))
		for _, se := range sourceErrs {
			srcErrs = append(srcErrs, map[string]interface{}{
				"source": se.source,
				"error":  se.err.Error(),
			})
		}
		run.Metadata["source_errors"] = srcErrs
	}

	if err := o.correlate(ctx, run); err != nil {
		o.logger.Error("correlation pass failed", "run_id", run.ID, "error", err)
		run.WarningsCount++
	}

	run.AutomationsFound = found
	return o.terminate(ctx, run, models.RunCompleted)
}

// enumerate fans the platform's sub-sources out with bounded
// concurrency and merges their results once all settle. A sub-source
// failure never aborts its siblings; cancellation is honored between
// sub-sources, not mid-call.
func (o *Orchestrator) enumerate(ctx context.Context, run *models.DiscoveryRun, connector connectors.Connector, mode *connectors.AccountMode) ([]connectors.RawAutomation, []sourceResult) {
	adminCapable := mode.Type == models.AccountManaged && mode.HasAdminAccess

	var eligible []connectors.AutomationSource
	for _, src := range connector.Sources() {
		if src.AdminOnly() && !adminCapable {
			o.logger.Info("skipping admin-only source",
				"run_id", run.ID,
				"source", src.Name(),
				"account_mode", mode.Type)
			continue
		}
		eligible = append(eligible, src)
	}

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, o.config.SourceConcurrency)
		results = make(chan sourceResult, len(eligible))
	)

	for _, src := range eligible {
		if o.cancelRequested(run.ID) {
			break
		}
		wg.Add(1)
		go func(src connectors.AutomationSource) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, o.config.SourceTimeout)
			defer cancel()

			items, err := src.List(callCtx)
			if err != nil {
				if callCtx.Err() == context.DeadlineExceeded {
					err = &TimeoutError{Source: src.Name(), Timeout: o.config.SourceTimeout}
				} else {
					err = &PartialEnumerationError{Source: src.Name(), Err: err}
				}
				results <- sourceResult{source: src.Name(), err: err}
				return
			}
			results <- sourceResult{source: src.Name(), items: items}
		}(src)
	}

	wg.Wait()
	close(results)

	var (
		merged  []connectors.RawAutomation
		failed  []sourceResult
		skipped int
	)
	for res := range results {
		if res.err != nil {
			o.logger.Warn("enumeration source failed",
				"run_id", run.ID,
				"source", res.source,
				"error", res.err)
			failed = append(failed, res)
			continue
		}
		for _, item := range res.items {
			// A personal account can never legitimately surface
			// service accounts; drop any that slip through.
			if item.Kind == models.KindServiceAccount && mode.Type != models.AccountManaged {
				skipped++
				continue
			}
			merged = append(merged, item)
		}
	}
	if skipped > 0 {
		o.logger.Warn("dropped service accounts from personal-mode enumeration",
			"run_id", run.ID,
			"count", skipped)
	}
	return merged, failed
}

// processAutomation runs the signature matchers and risk engine over
// one raw automation and upserts the result. A constraint-violation
// race on first insert is retried once through the update path.
func (o *Orchestrator) processAutomation(ctx context.Context, run *models.DiscoveryRun, platform models.Platform, raw *connectors.RawAutomation) error {
	detection := detect.MatchAIProviderSignature(matchInput(raw))
	now := time.Now().UTC()

	existing, err := o.store.GetAutomationByExternalID(ctx, run.ConnectionID, raw.ExternalID)
	if err != nil {
		return fmt.Errorf("looking up automation %s: %w", raw.ExternalID, err)
	}

	a := buildAutomation(run, platform, raw, existing, now)
	a.Detection = detection.Map()

	var grantLevel models.RiskLevel
	if raw.ClientID != "" || (raw.Kind == models.KindIntegration && len(raw.Permissions) > 0) {
		grant := detect.ClassifyOAuthGrantRisk(detect.OAuthGrant{
			ClientID:    raw.ClientID,
			DisplayText: raw.Name,
			Scopes:      raw.Permissions,
			Anonymous:   raw.Google != nil && raw.Google.Anonymous,
		}, detection)
		grantLevel = grant.Level
		a.Detection["grant"] = map[string]interface{}{
			"score":   grant.Score,
			"level":   string(grant.Level),
			"factors": grant.Factors,
		}
	}

	assessment := o.engine.Assess(a, detection, now)
	a.RiskScore = assessment.Score
	a.RiskLevel = assessment.Level
	if models.RiskLevelRank(grantLevel) > models.RiskLevelRank(a.RiskLevel) {
		a.RiskLevel = grantLevel
	}

	trigger := models.TriggerInitialDiscovery
	if existing != nil {
		trigger = reassessmentTrigger(existing, a)
	}

	if err := o.upsertWithRetry(ctx, a, existing); err != nil {
		return err
	}

	entry := risk.HistoryEntry(assessment, trigger)
	entry.AutomationID = a.ID
	if err := o.store.AppendRiskHistory(ctx, &entry); err != nil {
		return fmt.Errorf("appending risk history for %s: %w", a.ExternalID, err)
	}
	return nil
}

// upsertWithRetry inserts or updates the automation. When an insert
// loses a race to a concurrent writer the resulting consistency error
// is retried exactly once: re-read, merge onto the winner's row,
// update.
func (o *Orchestrator) upsertWithRetry(ctx context.Context, a *models.DiscoveredAutomation, existing *models.DiscoveredAutomation) error {
	if existing != nil {
		a.ID = existing.ID
		a.FirstSeenAt = existing.FirstSeenAt
		a.CreatedAt = existing.CreatedAt
		if err := o.store.UpdateAutomation(ctx, a); err != nil {
			return fmt.Errorf("updating automation %s: %w", a.ExternalID, err)
		}
		return nil
	}

	err := o.store.InsertAutomation(ctx, a)
	if err == nil {
		return nil
	}

	var consistency *DataConsistencyError
	if !errors.As(err, &consistency) {
		return fmt.Errorf("inserting automation %s: %w", a.ExternalID, err)
	}

	o.logger.Warn("insert race detected, merging onto winner",
		"external_id", a.ExternalID)
	winner, readErr := o.store.GetAutomationByExternalID(ctx, a.ConnectionID, a.ExternalID)
	if readErr != nil {
		return fmt.Errorf("re-reading after insert race: %w", readErr)
	}
	if winner == nil {
		return fmt.Errorf("inserting automation %s: %w", a.ExternalID, err)
	}
	a.ID = winner.ID
	a.FirstSeenAt = winner.FirstSeenAt
	a.CreatedAt = winner.CreatedAt
	if err := o.store.UpdateAutomation(ctx, a); err != nil {
		return fmt.Errorf("updating automation %s after race: %w", a.ExternalID, err)
	}
	return nil
}

// correlate refreshes the organization's cross-platform integrations
// from its full automation set.
func (o *Orchestrator) correlate(ctx context.Context, run *models.DiscoveryRun) error {
	automations, err := o.store.ListAutomationsByOrganization(ctx, run.OrganizationID)
	if err != nil {
		return fmt.Errorf("listing automations for correlation: %w", err)
	}
	integrations := o.corr.Correlate(run.OrganizationID, automations)
	if err := o.store.ReplaceIntegrations(ctx, run.OrganizationID, integrations); err != nil {
		return fmt.Errorf("storing integrations: %w", err)
	}
	if len(integrations) > 0 {
		o.logger.Info("cross-platform integrations detected",
			"run_id", run.ID,
			"count", len(integrations))
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, run *models.DiscoveryRun, cause error) (*models.DiscoveryRun, error) {
	run.Metadata["error"] = cause.Error()
	run.ErrorsCount++
	return o.terminate(ctx, run, models.RunFailed)
}

func (o *Orchestrator) terminate(ctx context.Context, run *models.DiscoveryRun, status models.RunStatus) (*models.DiscoveryRun, error) {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("finalizing run %s: %w", run.ID, err)
	}
	o.logger.Info("run finished",
		"run_id", run.ID,
		"status", status,
		"found", run.AutomationsFound,
		"errors", run.ErrorsCount,
		"warnings", run.WarningsCount)
	return run, nil
}

// buildAutomation maps a raw connector item onto the stored shape,
// carrying forward identity fields from a previously seen row.
func buildAutomation(run *models.DiscoveryRun, platform models.Platform, raw *connectors.RawAutomation, existing *models.DiscoveredAutomation, now time.Time) *models.DiscoveredAutomation {
	a := &models.DiscoveredAutomation{
		ID:                 uuid.New(),
		OrganizationID:     run.OrganizationID,
		ConnectionID:       run.ConnectionID,
		RunID:              run.ID,
		Platform:           platform,
		ExternalID:         raw.ExternalID,
		Name:               raw.Name,
		Description:        raw.Description,
		Kind:               raw.Kind,
		Status:             raw.Status,
		TriggerType:        raw.TriggerType,
		Actions:            models.StringArray(raw.Actions),
		Permissions:        models.StringArray(raw.Permissions),
		DataAccessPatterns: models.StringArray(raw.DataAccessPatterns),
		OwnerID:            raw.OwnerID,
		OwnerEmail:         raw.OwnerEmail,
		OwnerType:          raw.OwnerType,
		VendorName:         raw.VendorHint,
		LastActivityAt:     raw.LastActivityAt,
		FirstSeenAt:        now,
		LastSeenAt:         now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if existing != nil {
		a.ID = existing.ID
		a.FirstSeenAt = existing.FirstSeenAt
		a.CreatedAt = existing.CreatedAt
	}
	return a
}

// reassessmentTrigger picks the history trigger for a re-sighted
// automation by what changed since the stored row.
func reassessmentTrigger(existing, current *models.DiscoveredAutomation) models.RiskTrigger {
	if !equalStrings(existing.Permissions, current.Permissions) {
		return models.TriggerPermissionChange
	}
	if current.LastActivityAt != nil &&
		(existing.LastActivityAt == nil || current.LastActivityAt.After(*existing.LastActivityAt)) {
		return models.TriggerActivitySpike
	}
	return models.TriggerDetectorUpdate
}

// matchInput assembles the content the signature matchers scan: script
// source or OAuth client descriptor plus identity hints.
func matchInput(raw *connectors.RawAutomation) string {
	parts := []string{raw.Content, raw.ClientID, raw.Name, raw.Description, raw.VendorHint}
	var sb strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p)
	}
	return sb.String()
}

func equalStrings(a, b models.StringArray) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
