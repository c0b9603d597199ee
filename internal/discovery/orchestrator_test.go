package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/connectors"
	"github.com/nexasec/sspm/internal/models"
)

type fakeStore struct {
	mu           sync.Mutex
	runs         map[uuid.UUID]*models.DiscoveryRun
	automations  map[string]*models.DiscoveredAutomation // connection|external
	history      map[uuid.UUID][]models.RiskHistoryEntry
	integrations map[uuid.UUID][]models.CrossPlatformIntegration
	// raceRow simulates a concurrent writer: the next insert stores
	// this row instead and reports a consistency violation.
	raceRow *models.DiscoveredAutomation
	// raceRun does the same for run creation: it stays invisible to
	// the active-run check until the next CreateRun collides with it.
	raceRun *models.DiscoveryRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:         make(map[uuid.UUID]*models.DiscoveryRun),
		automations:  make(map[string]*models.DiscoveredAutomation),
		history:      make(map[uuid.UUID][]models.RiskHistoryEntry),
		integrations: make(map[uuid.UUID][]models.CrossPlatformIntegration),
	}
}

func autoKey(connectionID uuid.UUID, externalID string) string {
	return connectionID.String() + "|" + externalID
}

func (f *fakeStore) CreateRun(_ context.Context, run *models.DiscoveryRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raceRun != nil {
		winner := f.raceRun
		f.raceRun = nil
		f.runs[winner.ID] = winner
		return &DataConsistencyError{Entity: "run", Key: run.ConnectionID.String(), Err: errors.New("duplicate key")}
	}
	for _, existing := range f.runs {
		if existing.ConnectionID == run.ConnectionID && !existing.Status.Terminal() {
			return &DataConsistencyError{Entity: "run", Key: run.ConnectionID.String(), Err: errors.New("duplicate key")}
		}
	}
	copied := *run
	f.runs[run.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateRun(_ context.Context, run *models.DiscoveryRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *run
	f.runs[run.ID] = &copied
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id uuid.UUID) (*models.DiscoveryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, nil
	}
	copied := *run
	return &copied, nil
}

func (f *fakeStore) GetActiveRun(_ context.Context, connectionID uuid.UUID) (*models.DiscoveryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.ConnectionID == connectionID && !run.Status.Terminal() {
			copied := *run
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetAutomationByExternalID(_ context.Context, connectionID uuid.UUID, externalID string) (*models.DiscoveredAutomation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.automations[autoKey(connectionID, externalID)]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (f *fakeStore) InsertAutomation(_ context.Context, a *models.DiscoveredAutomation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := autoKey(a.ConnectionID, a.ExternalID)
	if f.raceRow != nil {
		winner := f.raceRow
		f.raceRow = nil
		f.automations[autoKey(winner.ConnectionID, winner.ExternalID)] = winner
		return &DataConsistencyError{Entity: "automation", Key: key, Err: errors.New("duplicate key")}
	}
	if _, exists := f.automations[key]; exists {
		return &DataConsistencyError{Entity: "automation", Key: key, Err: errors.New("duplicate key")}
	}
	copied := *a
	f.automations[key] = &copied
	return nil
}

func (f *fakeStore) UpdateAutomation(_ context.Context, a *models.DiscoveredAutomation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *a
	f.automations[autoKey(a.ConnectionID, a.ExternalID)] = &copied
	return nil
}

func (f *fakeStore) AppendRiskHistory(_ context.Context, entry *models.RiskHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[entry.AutomationID] = append(f.history[entry.AutomationID], *entry)
	return nil
}

func (f *fakeStore) ListAutomationsByOrganization(_ context.Context, orgID uuid.UUID) ([]models.DiscoveredAutomation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DiscoveredAutomation
	for _, a := range f.automations {
		if a.OrganizationID == orgID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) ReplaceIntegrations(_ context.Context, orgID uuid.UUID, integrations []models.CrossPlatformIntegration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.integrations[orgID] = integrations
	return nil
}

type fakeSource struct {
	name      string
	adminOnly bool
	items     []connectors.RawAutomation
	err       error
}

func (s *fakeSource) Name() string    { return s.name }
func (s *fakeSource) AdminOnly() bool { return s.adminOnly }
func (s *fakeSource) List(ctx context.Context) ([]connectors.RawAutomation, error) {
	return s.items, s.err
}

type fakeConnector struct {
	platform models.Platform
	mode     *connectors.AccountMode
	authErr  error
	sources  []connectors.AutomationSource
}

func (c *fakeConnector) Platform() models.Platform { return c.platform }

func (c *fakeConnector) Authenticate(ctx context.Context) (*connectors.AccountIdentity, error) {
	if c.authErr != nil {
		return nil, c.authErr
	}
	return &connectors.AccountIdentity{ExternalID: "acct-1", DisplayName: "Test Workspace"}, nil
}

func (c *fakeConnector) DetectAccountMode(ctx context.Context) (*connectors.AccountMode, error) {
	return c.mode, nil
}

func (c *fakeConnector) Sources() []connectors.AutomationSource { return c.sources }
func (c *fakeConnector) Close() error                           { return nil }

func managedConnector(sources ...connectors.AutomationSource) *fakeConnector {
	return &fakeConnector{
		platform: models.PlatformSlack,
		mode:     &connectors.AccountMode{Type: models.AccountManaged, Domain: "example.com", HasAdminAccess: true},
		sources:  sources,
	}
}

func testConnection() *models.PlatformConnection {
	return &models.PlatformConnection{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Platform:       models.PlatformSlack,
	}
}

func newOrchestrator(store Store) *Orchestrator {
	return NewOrchestrator(store, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func rawBot(externalID string) connectors.RawAutomation {
	return connectors.RawAutomation{
		ExternalID:  externalID,
		Name:        "Deploy Bot",
		Kind:        models.KindBot,
		Status:      models.AutomationActive,
		Permissions: []string{"chat:write", "users:read"},
		OwnerID:     "U123",
		OwnerEmail:  "owner@example.com",
	}
}

func TestExecuteCompletesAndCounts(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	connector := managedConnector(
		&fakeSource{name: "bots", items: []connectors.RawAutomation{rawBot("B1"), rawBot("B2")}},
	)

	run, _, err := o.Start(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	run, err = o.Execute(context.Background(), run, connector)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != models.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if run.AutomationsFound != 2 {
		t.Errorf("found = %d, want 2", run.AutomationsFound)
	}
	if run.ErrorsCount != 0 || run.WarningsCount != 0 {
		t.Errorf("errors/warnings = %d/%d, want 0/0", run.ErrorsCount, run.WarningsCount)
	}
	if run.CompletedAt == nil {
		t.Error("completed run missing completion timestamp")
	}
}

func TestExecuteAuthFailureFatal(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	connector := managedConnector(&fakeSource{name: "bots"})
	connector.authErr = &connectors.AuthError{Platform: models.PlatformSlack, Reason: "invalid token"}

	run, _, err := o.Start(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	run, err = o.Execute(context.Background(), run, connector)
	if err != nil {
		t.Fatal(err)
	}

	if run.Status != models.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.Metadata["error"] == nil {
		t.Error("failed run missing recorded error cause")
	}
}

func TestExecutePartialEnumerationFailure(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	connector := managedConnector(
		&fakeSource{name: "bots", items: []connectors.RawAutomation{rawBot("B1")}},
		&fakeSource{name: "grants", err: errors.New("rate limited")},
	)

	run, _, _ := o.Start(context.Background(), conn)
	run, err := o.Execute(context.Background(), run, connector)
	if err != nil {
		t.Fatal(err)
	}

	// One source failing never fails the run, but the run must admit
	// incomplete coverage.
	if run.Status != models.RunCompleted {
		t.Fatalf("status = %s, want completed despite source failure", run.Status)
	}
	if run.AutomationsFound != 1 {
		t.Errorf("found = %d, want 1 from the surviving source", run.AutomationsFound)
	}
	if run.ErrorsCount == 0 || run.WarningsCount == 0 {
		t.Errorf("errors/warnings = %d/%d, want non-zero", run.ErrorsCount, run.WarningsCount)
	}
	if run.Metadata["source_errors"] == nil {
		t.Error("source errors missing from run metadata")
	}
}

func TestExecutePersonalModeSkipsServiceAccounts(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	sa := connectors.RawAutomation{
		ExternalID: "SA1",
		Name:       "provisioner",
		Kind:       models.KindServiceAccount,
		Status:     models.AutomationActive,
	}
	connector := &fakeConnector{
		platform: models.PlatformGoogleWorkspace,
		mode:     &connectors.AccountMode{Type: models.AccountPersonal},
		sources: []connectors.AutomationSource{
			&fakeSource{name: "service-accounts", adminOnly: true, items: []connectors.RawAutomation{sa}},
			// A misbehaving non-admin source returning a service
			// account is filtered as well.
			&fakeSource{name: "scripts", items: []connectors.RawAutomation{sa, rawBot("B1")}},
		},
	}

	run, _, _ := o.Start(context.Background(), conn)
	run, err := o.Execute(context.Background(), run, connector)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}

	for _, a := range store.automations {
		if a.Kind == models.KindServiceAccount {
			t.Fatalf("personal-mode discovery stored service account %s", a.ExternalID)
		}
	}
	if run.AutomationsFound != 1 {
		t.Errorf("found = %d, want only the bot", run.AutomationsFound)
	}
}

func TestRediscoveryUpsertsOneRowTwoHistoryEntries(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	runOnce := func() *models.DiscoveryRun {
		t.Helper()
		connector := managedConnector(
			&fakeSource{name: "bots", items: []connectors.RawAutomation{rawBot("B1")}},
		)
		run, _, err := o.Start(context.Background(), conn)
		if err != nil {
			t.Fatal(err)
		}
		run, err = o.Execute(context.Background(), run, connector)
		if err != nil {
			t.Fatal(err)
		}
		return run
	}

	runOnce()
	runOnce()

	if len(store.automations) != 1 {
		t.Fatalf("automation rows = %d, want 1 after re-discovery", len(store.automations))
	}
	var stored *models.DiscoveredAutomation
	for _, a := range store.automations {
		stored = a
	}
	entries := store.history[stored.ID]
	if len(entries) != 2 {
		t.Fatalf("history entries = %d, want 2", len(entries))
	}
	if entries[0].Trigger != models.TriggerInitialDiscovery {
		t.Errorf("first trigger = %s, want initial_discovery", entries[0].Trigger)
	}
	if entries[1].Trigger == models.TriggerInitialDiscovery {
		t.Error("second sighting reused the initial_discovery trigger")
	}
	if !entries[1].RecordedAt.Before(time.Now().Add(time.Minute)) {
		t.Error("history timestamps out of order")
	}
}

func TestStartJoinsInFlightRun(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	first, joined, err := o.Start(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if joined {
		t.Fatal("first start reported a join")
	}
	second, joined, err := o.Start(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if !joined {
		t.Error("second start did not report a join")
	}
	if second.ID != first.ID {
		t.Fatalf("second start created run %s, want join of %s", second.ID, first.ID)
	}
	if len(store.runs) != 1 {
		t.Errorf("runs = %d, want 1", len(store.runs))
	}
}

func TestStartCreateRaceJoinsWinner(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	// A concurrent creator commits between the active-run check and
	// the insert; the loser must join the winner's run.
	winner := &models.DiscoveryRun{
		ID:             uuid.New(),
		OrganizationID: conn.OrganizationID,
		ConnectionID:   conn.ID,
		Status:         models.RunPending,
		Metadata:       models.JSONB{},
	}
	store.raceRun = winner

	run, joined, err := o.Start(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if !joined {
		t.Error("losing creator did not report a join")
	}
	if run.ID != winner.ID {
		t.Fatalf("joined run %s, want winner %s", run.ID, winner.ID)
	}
	if len(store.runs) != 1 {
		t.Errorf("runs = %d, want 1", len(store.runs))
	}
}

func TestExecuteRefusesJoinedRun(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	owner, _, err := o.Start(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	// The owning executor has already moved the run past pending.
	started := time.Now().UTC()
	owner.Status = models.RunInProgress
	owner.StartedAt = &started
	if err := store.UpdateRun(context.Background(), owner); err != nil {
		t.Fatal(err)
	}

	joinedRun, joined, err := o.Start(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if !joined || joinedRun.ID != owner.ID {
		t.Fatalf("join = %v run %s, want join of %s", joined, joinedRun.ID, owner.ID)
	}

	connector := managedConnector(
		&fakeSource{name: "bots", items: []connectors.RawAutomation{rawBot("B1")}},
	)
	if _, err := o.Execute(context.Background(), joinedRun, connector); !errors.Is(err, ErrRunNotPending) {
		t.Fatalf("err = %v, want ErrRunNotPending", err)
	}

	// The refused execution must leave no trace: no enumeration, no
	// automation rows, no risk-history appends for the in-flight run.
	if len(store.automations) != 0 {
		t.Errorf("automations = %d, want 0", len(store.automations))
	}
	for id, entries := range store.history {
		t.Errorf("unexpected risk history for %s: %d entries", id, len(entries))
	}
	current, err := store.GetRun(context.Background(), owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if current.Status != models.RunInProgress {
		t.Errorf("run status = %s, want untouched in_progress", current.Status)
	}
}

func TestCancelHonoredAtBoundary(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	run, _, err := o.Start(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}

	// The source itself requests cancellation while the run is in
	// flight: the run must stop before processing results.
	src := &fakeSource{name: "bots", items: []connectors.RawAutomation{rawBot("B1")}}
	cancelling := &cancellingSource{inner: src, cancel: func() {
		if err := o.Cancel(context.Background(), run.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}}

	run, err = o.Execute(context.Background(), run, managedConnector(cancelling))
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunCancelled {
		t.Fatalf("status = %s, want cancelled", run.Status)
	}
	if len(store.automations) != 0 {
		t.Errorf("automations = %d, want none after cancellation", len(store.automations))
	}
}

func TestCancelTerminalRunRejected(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	run, _, _ := o.Start(context.Background(), conn)
	run, err := o.Execute(context.Background(), run, managedConnector())
	if err != nil {
		t.Fatal(err)
	}
	if !run.Status.Terminal() {
		t.Fatalf("setup: run not terminal (%s)", run.Status)
	}

	if err := o.Cancel(context.Background(), run.ID); !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("err = %v, want ErrRunTerminal", err)
	}
	if err := o.Cancel(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestInsertRaceRetriedOnce(t *testing.T) {
	store := newFakeStore()
	o := newOrchestrator(store)
	conn := testConnection()

	// A concurrent writer wins the insert; the losing writer must
	// re-read and merge instead of dropping the automation.
	winner := rawBot("B1")
	winnerRow := &models.DiscoveredAutomation{
		ID:             uuid.New(),
		OrganizationID: conn.OrganizationID,
		ConnectionID:   conn.ID,
		ExternalID:     winner.ExternalID,
		FirstSeenAt:    time.Now().Add(-time.Hour),
	}
	store.raceRow = winnerRow

	connector := managedConnector(
		&fakeSource{name: "bots", items: []connectors.RawAutomation{winner}},
	)

	run, _, _ := o.Start(context.Background(), conn)
	run, err := o.Execute(context.Background(), run, connector)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunCompleted || run.AutomationsFound != 1 {
		t.Fatalf("status/found = %s/%d, want completed/1", run.Status, run.AutomationsFound)
	}

	merged := store.automations[autoKey(conn.ID, winner.ExternalID)]
	if merged.ID != winnerRow.ID {
		t.Error("losing writer did not merge onto the winner's row")
	}
	if !merged.FirstSeenAt.Equal(winnerRow.FirstSeenAt) {
		t.Error("first-seen timestamp not preserved across the race")
	}
}

type cancellingSource struct {
	inner  *fakeSource
	cancel func()
	once   sync.Once
}

func (s *cancellingSource) Name() string    { return s.inner.name }
func (s *cancellingSource) AdminOnly() bool { return s.inner.adminOnly }
func (s *cancellingSource) List(ctx context.Context) ([]connectors.RawAutomation, error) {
	s.once.Do(s.cancel)
	return s.inner.List(ctx)
}
