package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/models"
	"github.com/nexasec/sspm/internal/scopes"
)

// getTestDSN returns the test database DSN from environment
func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=sspm password=sspm_password dbname=sspm_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{
		DSN:          getTestDSN(),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}

	return store
}

func createTestConnection(t *testing.T, store *Store, orgID uuid.UUID) *models.PlatformConnection {
	t.Helper()
	conn := &models.PlatformConnection{
		OrganizationID: orgID,
		Platform:       models.PlatformSlack,
		ExternalID:     "T" + uuid.NewString()[:8],
		DisplayName:    "Test Workspace",
		ConnectorConfig: models.JSONB{
			"token": "test",
		},
	}
	if err := store.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("creating connection: %v", err)
	}
	return conn
}

func createTestRun(t *testing.T, store *Store, conn *models.PlatformConnection) *models.DiscoveryRun {
	t.Helper()
	now := time.Now()
	run := &models.DiscoveryRun{
		ID:             uuid.New(),
		OrganizationID: conn.OrganizationID,
		ConnectionID:   conn.ID,
		Status:         models.RunPending,
		Metadata:       models.JSONB{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("creating run: %v", err)
	}
	return run
}

func testStoredAutomation(conn *models.PlatformConnection, run *models.DiscoveryRun, externalID string) *models.DiscoveredAutomation {
	now := time.Now()
	return &models.DiscoveredAutomation{
		ID:             uuid.New(),
		OrganizationID: conn.OrganizationID,
		ConnectionID:   conn.ID,
		RunID:          run.ID,
		Platform:       conn.Platform,
		ExternalID:     externalID,
		Name:           "Deploy Bot",
		Kind:           models.KindBot,
		Status:         models.AutomationActive,
		Actions:        models.StringArray{"chat.postMessage"},
		Permissions:    models.StringArray{"chat:write"},
		Detection:      models.JSONB{"detected": false},
		RiskLevel:      models.RiskLow,
		RiskScore:      12,
		FirstSeenAt:    now,
		LastSeenAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()
	ctx := context.Background()

	conn := createTestConnection(t, store, uuid.New())
	run := createTestRun(t, store, conn)

	active, err := store.GetActiveRun(ctx, conn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != run.ID {
		t.Fatal("pending run not reported as active")
	}

	started := time.Now()
	run.Status = models.RunInProgress
	run.StartedAt = &started
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	completed := time.Now()
	run.Status = models.RunCompleted
	run.AutomationsFound = 3
	run.WarningsCount = 1
	run.CompletedAt = &completed
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	active, err = store.GetActiveRun(ctx, conn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Error("completed run still reported active")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunCompleted || got.AutomationsFound != 3 || got.WarningsCount != 1 {
		t.Errorf("run = %+v, want completed with counts", got)
	}
}

func TestStore_AutomationUniqueConstraint(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()
	ctx := context.Background()

	conn := createTestConnection(t, store, uuid.New())
	run := createTestRun(t, store, conn)

	a := testStoredAutomation(conn, run, "B100")
	if err := store.InsertAutomation(ctx, a); err != nil {
		t.Fatal(err)
	}

	// Second insert with the same (connection, external) must surface
	// a consistency error, not a silent duplicate.
	dup := testStoredAutomation(conn, run, "B100")
	err := store.InsertAutomation(ctx, dup)
	if err == nil {
		t.Fatal("duplicate insert succeeded")
	}

	got, err := store.GetAutomationByExternalID(ctx, conn.ID, "B100")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != a.ID {
		t.Fatal("lookup by (connection, external id) failed")
	}

	got.RiskScore = 55
	got.RiskLevel = models.RiskMedium
	got.LastSeenAt = time.Now()
	if err := store.UpdateAutomation(ctx, got); err != nil {
		t.Fatal(err)
	}

	again, err := store.GetAutomation(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.RiskLevel != models.RiskMedium {
		t.Errorf("risk level = %s, want medium after update", again.RiskLevel)
	}
}

func TestStore_RiskHistoryAppendOnly(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()
	ctx := context.Background()

	conn := createTestConnection(t, store, uuid.New())
	run := createTestRun(t, store, conn)
	a := testStoredAutomation(conn, run, "B200")
	if err := store.InsertAutomation(ctx, a); err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-time.Hour)
	triggers := []models.RiskTrigger{
		models.TriggerInitialDiscovery,
		models.TriggerPermissionChange,
		models.TriggerDetectorUpdate,
	}
	for i, trigger := range triggers {
		entry := &models.RiskHistoryEntry{
			AutomationID: a.ID,
			Score:        float64(10 * (i + 1)),
			Level:        models.RiskLow,
			Factors:      models.StringArray{"test"},
			Trigger:      trigger,
			RecordedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendRiskHistory(ctx, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := store.ListRiskHistory(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("history length = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].RecordedAt.Before(entries[i-1].RecordedAt) {
			t.Fatal("history not chronologically ordered")
		}
	}
	for i, trigger := range triggers {
		if entries[i].Trigger != trigger {
			t.Errorf("entry %d trigger = %s, want %s", i, entries[i].Trigger, trigger)
		}
	}
}

func TestStore_FeedbackUpsert(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()
	ctx := context.Background()

	conn := createTestConnection(t, store, uuid.New())
	run := createTestRun(t, store, conn)
	a := testStoredAutomation(conn, run, "B300")
	if err := store.InsertAutomation(ctx, a); err != nil {
		t.Fatal(err)
	}

	userID := uuid.New()
	now := time.Now()
	fb := &models.AutomationFeedback{
		ID:             uuid.New(),
		AutomationID:   a.ID,
		OrganizationID: conn.OrganizationID,
		UserID:         userID,
		Kind:           models.FeedbackTruePositive,
		Status:         models.FeedbackStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	first, err := store.UpsertFeedback(ctx, fb)
	if err != nil {
		t.Fatal(err)
	}

	fb.ID = uuid.New()
	fb.Kind = models.FeedbackFalsePositive
	fb.UpdatedAt = time.Now()
	second, err := store.UpsertFeedback(ctx, fb)
	if err != nil {
		t.Fatal(err)
	}

	if second.ID != first.ID {
		t.Error("resubmission created a second row")
	}
	if second.Kind != models.FeedbackFalsePositive {
		t.Errorf("kind = %s, want updated false_positive", second.Kind)
	}

	rows, err := store.ListFeedbackByAutomation(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("feedback rows = %d, want 1", len(rows))
	}
}

func TestStore_BaselineUpsert(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()
	ctx := context.Background()

	orgID := uuid.New()
	now := time.Now()
	b := &models.BehavioralBaseline{
		ID:                uuid.New(),
		OrganizationID:    orgID,
		UserID:            "U42",
		State:             models.BaselineTraining,
		MeanDailyEvents:   40,
		StdDevDailyEvents: 5,
		ActiveHourStart:   9,
		ActiveHourEnd:     17,
		ActionFrequencies: models.JSONB{"file_edit": 0.8},
		SampleCount:       3,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.UpsertBaseline(ctx, b); err != nil {
		t.Fatal(err)
	}

	b.State = models.BaselineEstablished
	b.SampleCount = 14
	if err := store.UpsertBaseline(ctx, b); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetBaseline(ctx, orgID, "U42")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("baseline not found")
	}
	if got.State != models.BaselineEstablished || got.SampleCount != 14 {
		t.Errorf("baseline = %+v, want established with 14 samples", got)
	}
}

func TestStore_ScopeMetadataSeed(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.SeedScopeMetadata(ctx, scopes.All()); err != nil {
		t.Fatal(err)
	}
	// Seeding twice must be idempotent.
	if err := store.SeedScopeMetadata(ctx, scopes.All()); err != nil {
		t.Fatal(err)
	}

	meta, err := store.GetScopeMetadata(ctx, "https://mail.google.com/")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.RiskLevel != models.RiskCritical {
		t.Errorf("scope metadata = %+v, want critical mail scope", meta)
	}
}
