//go:build integration
// +build integration

package rating_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quoteline/rating/rating"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "rating_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=rating_test sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	// Run migrations
	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		// Try without the ../ prefix
		migrationSQL, err = os.ReadFile(filepath.Join("migrations", "000001_initial_schema.up.sql"))
		if err != nil {
			t.Fatalf("Failed to read migration file: %v", err)
		}
	}

	_, err = db.Exec(string(migrationSQL))
	if err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func draftAutoVersion(id string) *rating.RateProgramVersion {
	base := decimal.NewFromInt(500)
	return &rating.RateProgramVersion{
		ID:                    id,
		RateProgramID:         "prog-auto",
		Version:               1,
		FinalPremiumFieldCode: "premium",
		Steps: []rating.RatingStep{
			{
				ID: "s-base", Name: "base rate", Order: 1,
				Type: rating.StepConstant, OutputFieldCode: "baseRate",
				ConstantValue: &base,
				Enabled:       true, AllStates: true,
			},
			{
				ID: "s-territory", Name: "territory factor", Order: 2,
				Type: rating.StepTableLookup, OutputFieldCode: "territoryFactor",
				TableVersionID: "tv-territory", LookupDimensions: []string{"state"},
				Enabled: true, AllStates: true,
			},
			{
				ID: "s-premium", Name: "premium", Order: 3,
				Type: rating.StepFactor, OutputFieldCode: "premium",
				Inputs:  []string{"baseRate", "territoryFactor"},
				Enabled: true, AllStates: true,
			},
		},
	}
}

func TestPostgresVersionStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rating.NewPostgresVersionStore(db)

	versionID := uuid.New().String()
	v := draftAutoVersion(versionID)

	err := store.Create(v)
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	retrieved, err := store.Get(versionID)
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	if retrieved.Status != rating.StatusDraft {
		t.Errorf("Expected status draft, got %s", retrieved.Status)
	}
	if len(retrieved.Steps) != 3 {
		t.Errorf("Expected 3 steps, got %d", len(retrieved.Steps))
	}
	if retrieved.Steps[0].ConstantValue == nil || !retrieved.Steps[0].ConstantValue.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Constant value did not round-trip: %v", retrieved.Steps[0].ConstantValue)
	}
	if retrieved.FinalPremiumFieldCode != "premium" {
		t.Errorf("Expected final premium field 'premium', got %s", retrieved.FinalPremiumFieldCode)
	}

	byNumber, err := store.GetByProgramVersion("prog-auto", 1)
	if err != nil {
		t.Fatalf("Failed to get version by number: %v", err)
	}
	if byNumber.ID != versionID {
		t.Errorf("Expected id %s, got %s", versionID, byNumber.ID)
	}

	// Duplicate (program, version) violates the unique constraint
	dup := draftAutoVersion(uuid.New().String())
	if err := store.Create(dup); err == nil {
		t.Error("Expected error creating duplicate program version, got nil")
	}
}

func TestPostgresVersionStore_Lifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rating.NewPostgresVersionStore(db)
	versionID := uuid.New().String()
	if err := store.Create(draftAutoVersion(versionID)); err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	// Illegal jump
	if err := store.Transition(versionID, rating.StatusPublished); err == nil {
		t.Error("Expected error transitioning draft directly to published")
	}

	if err := store.Transition(versionID, rating.StatusPendingReview); err != nil {
		t.Fatalf("Failed to transition to pending_review: %v", err)
	}
	if err := store.Transition(versionID, rating.StatusApproved); err != nil {
		t.Fatalf("Failed to transition to approved: %v", err)
	}

	v, err := store.Get(versionID)
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	hash := rating.ComputeStepsHash(v.Steps)
	if err := store.Publish(versionID, hash); err != nil {
		t.Fatalf("Failed to publish version: %v", err)
	}

	published, err := store.Get(versionID)
	if err != nil {
		t.Fatalf("Failed to get published version: %v", err)
	}
	if published.Status != rating.StatusPublished {
		t.Errorf("Expected status published, got %s", published.Status)
	}
	if published.StepsHash != hash {
		t.Errorf("Expected steps hash %s, got %s", hash, published.StepsHash)
	}
	if published.PublishedAt == nil {
		t.Error("Expected published_at to be set")
	}

	// Steps are frozen after publishing
	err = store.UpdateSteps(versionID, published.Steps, "premium")
	if err == nil {
		t.Error("Expected error updating steps of a published version")
	}
}

func TestPostgresVersionStore_UpdateSteps(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rating.NewPostgresVersionStore(db)
	versionID := uuid.New().String()
	if err := store.Create(draftAutoVersion(versionID)); err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	fee := decimal.NewFromInt(25)
	v, err := store.Get(versionID)
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	steps := append(v.Steps, rating.RatingStep{
		ID: "s-fee", Name: "policy fee", Order: 4,
		Type: rating.StepFee, OutputFieldCode: "premium",
		FeeAmount: &fee,
		Enabled:   true, AllStates: true,
	})
	if err := store.UpdateSteps(versionID, steps, "premium"); err != nil {
		t.Fatalf("Failed to update steps: %v", err)
	}

	updated, err := store.Get(versionID)
	if err != nil {
		t.Fatalf("Failed to get updated version: %v", err)
	}
	if len(updated.Steps) != 4 {
		t.Errorf("Expected 4 steps, got %d", len(updated.Steps))
	}
}

func TestPostgresVersionStore_ListByProgram(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rating.NewPostgresVersionStore(db)
	for i := 3; i >= 1; i-- {
		v := draftAutoVersion(uuid.New().String())
		v.Version = i
		if err := store.Create(v); err != nil {
			t.Fatalf("Failed to create version %d: %v", i, err)
		}
	}

	versions, err := store.ListByProgram("prog-auto")
	if err != nil {
		t.Fatalf("Failed to list versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("Expected 3 versions, got %d", len(versions))
	}
	for i, want := range []int{1, 2, 3} {
		if versions[i].Version != want {
			t.Errorf("Expected version %d at position %d, got %d", want, i, versions[i].Version)
		}
	}
}

func TestEngine_WithDatabase(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rating.NewPostgresVersionStore(db)
	engine := rating.NewEngine(store)

	versionID := uuid.New().String()
	if err := store.Create(draftAutoVersion(versionID)); err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	ctx := &rating.EvaluationContext{
		State: "NY",
		Tables: map[string]*rating.TableSnapshot{
			"tv-territory": {
				TableVersionID: "tv-territory",
				Entries: map[string]decimal.Decimal{
					"NY": decimal.RequireFromString("1.2"),
					"CA": decimal.RequireFromString("1.0"),
				},
			},
		},
	}

	result, err := engine.Evaluate(versionID, ctx)
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if !result.Success {
		t.Fatalf("Evaluation failed: %+v", result.Errors)
	}
	if result.FinalPremium == nil || !result.FinalPremium.Equal(decimal.NewFromInt(600)) {
		t.Errorf("Expected premium 600, got %v", result.FinalPremium)
	}

	// Publish through the engine and evaluate the frozen version
	for _, next := range []rating.VersionStatus{rating.StatusPendingReview, rating.StatusApproved} {
		if err := engine.Transition(versionID, next); err != nil {
			t.Fatalf("Failed to transition to %s: %v", next, err)
		}
	}
	published, err := engine.Publish(versionID, nil)
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if published.StepsHash == "" {
		t.Error("Expected steps hash to be set after publishing")
	}

	again, err := engine.Evaluate(versionID, ctx)
	if err != nil {
		t.Fatalf("Failed to evaluate published version: %v", err)
	}
	if again.ResultHash != result.ResultHash {
		t.Errorf("Result hash changed across publish: %s vs %s", result.ResultHash, again.ResultHash)
	}
	if again.StepsHash != published.StepsHash {
		t.Errorf("Expected steps hash %s, got %s", published.StepsHash, again.StepsHash)
	}
}

func TestPostgresTestCaseStore_CRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	versionStore := rating.NewPostgresVersionStore(db)
	versionID := uuid.New().String()
	if err := versionStore.Create(draftAutoVersion(versionID)); err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	store := rating.NewPostgresTestCaseStore(db)
	expected := decimal.NewFromInt(600)
	tcID := uuid.New().String()
	tc := &rating.RatingTestCase{
		ID:                   tcID,
		RateProgramVersionID: versionID,
		Name:                 "NY baseline",
		State:                "NY",
		ExpectedPremium:      &expected,
	}
	if err := store.Add(tc); err != nil {
		t.Fatalf("Failed to add test case: %v", err)
	}

	retrieved, err := store.Get(tcID)
	if err != nil {
		t.Fatalf("Failed to get test case: %v", err)
	}
	if retrieved.Name != "NY baseline" {
		t.Errorf("Expected name 'NY baseline', got %s", retrieved.Name)
	}
	if retrieved.ExpectedPremium == nil || !retrieved.ExpectedPremium.Equal(expected) {
		t.Errorf("Expected premium did not round-trip: %v", retrieved.ExpectedPremium)
	}

	cases, err := store.ListForVersion(versionID)
	if err != nil {
		t.Fatalf("Failed to list test cases: %v", err)
	}
	if len(cases) != 1 {
		t.Errorf("Expected 1 test case, got %d", len(cases))
	}

	if err := store.Delete(tcID); err != nil {
		t.Fatalf("Failed to delete test case: %v", err)
	}
	if _, err := store.Get(tcID); err == nil {
		t.Error("Expected error getting deleted test case")
	}
}

func TestCascadingDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	versionStore := rating.NewPostgresVersionStore(db)
	versionID := uuid.New().String()
	if err := versionStore.Create(draftAutoVersion(versionID)); err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}

	caseStore := rating.NewPostgresTestCaseStore(db)
	tc := &rating.RatingTestCase{
		ID:                   uuid.New().String(),
		RateProgramVersionID: versionID,
		Name:                 "NY baseline",
		State:                "NY",
	}
	if err := caseStore.Add(tc); err != nil {
		t.Fatalf("Failed to add test case: %v", err)
	}

	if _, err := db.Exec("DELETE FROM rate_program_versions WHERE id = $1", versionID); err != nil {
		t.Fatalf("Failed to delete version: %v", err)
	}

	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM rating_test_cases WHERE rate_program_version_id = $1", versionID).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to count test cases: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 test cases after version deletion, got %d", count)
	}
}
