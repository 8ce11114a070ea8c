package rating

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresVersionStore implements VersionStore backed by PostgreSQL.
// Steps are stored as a JSONB document per version; the version row owns
// the lifecycle columns so transitions stay a single UPDATE.
type PostgresVersionStore struct {
	db *sql.DB
}

// NewPostgresVersionStore creates a new PostgreSQL-backed VersionStore.
func NewPostgresVersionStore(db *sql.DB) *PostgresVersionStore {
	return &PostgresVersionStore{db: db}
}

func (s *PostgresVersionStore) Create(v *RateProgramVersion) error {
	stepsJSON, err := json.Marshal(v.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	now := time.Now()
	v.Status = StatusDraft
	v.CreatedAt = now
	v.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rate_program_versions
			(id, rate_program_id, version, status, final_premium_field_code, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, v.ID, v.RateProgramID, v.Version, v.Status, v.FinalPremiumFieldCode, stepsJSON,
		v.CreatedAt, v.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func (s *PostgresVersionStore) Get(id string) (*RateProgramVersion, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT id, rate_program_id, version, status, final_premium_field_code,
		       steps, steps_hash, created_at, updated_at, published_at
		FROM rate_program_versions
		WHERE id = $1
	`, id), id)
}

func (s *PostgresVersionStore) GetByProgramVersion(programID string, version int) (*RateProgramVersion, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT id, rate_program_id, version, status, final_premium_field_code,
		       steps, steps_hash, created_at, updated_at, published_at
		FROM rate_program_versions
		WHERE rate_program_id = $1 AND version = $2
	`, programID, version), fmt.Sprintf("%s v%d", programID, version))
}

func (s *PostgresVersionStore) scanOne(row *sql.Row, ref string) (*RateProgramVersion, error) {
	var v RateProgramVersion
	var stepsJSON []byte
	var stepsHash sql.NullString
	var publishedAt sql.NullTime

	err := row.Scan(
		&v.ID,
		&v.RateProgramID,
		&v.Version,
		&v.Status,
		&v.FinalPremiumFieldCode,
		&stepsJSON,
		&stepsHash,
		&v.CreatedAt,
		&v.UpdatedAt,
		&publishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("version %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	if err := json.Unmarshal(stepsJSON, &v.Steps); err != nil {
		return nil, fmt.Errorf("invalid steps document for version %s: %w", v.ID, err)
	}
	if stepsHash.Valid {
		v.StepsHash = stepsHash.String
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		v.PublishedAt = &t
	}
	return &v, nil
}

func (s *PostgresVersionStore) ListByProgram(programID string) ([]*RateProgramVersion, error) {
	rows, err := s.db.Query(`
		SELECT id, rate_program_id, version, status, final_premium_field_code,
		       steps, steps_hash, created_at, updated_at, published_at
		FROM rate_program_versions
		WHERE rate_program_id = $1
		ORDER BY version ASC
	`, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*RateProgramVersion
	for rows.Next() {
		var v RateProgramVersion
		var stepsJSON []byte
		var stepsHash sql.NullString
		var publishedAt sql.NullTime
		if err := rows.Scan(&v.ID, &v.RateProgramID, &v.Version, &v.Status,
			&v.FinalPremiumFieldCode, &stepsJSON, &stepsHash,
			&v.CreatedAt, &v.UpdatedAt, &publishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		if err := json.Unmarshal(stepsJSON, &v.Steps); err != nil {
			return nil, fmt.Errorf("invalid steps document for version %s: %w", v.ID, err)
		}
		if stepsHash.Valid {
			v.StepsHash = stepsHash.String
		}
		if publishedAt.Valid {
			t := publishedAt.Time
			v.PublishedAt = &t
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}
	return versions, nil
}

func (s *PostgresVersionStore) UpdateSteps(id string, steps []RatingStep, finalPremiumFieldCode string) error {
	current, err := s.Get(id)
	if err != nil {
		return err
	}
	if !Editable(current.Status) {
		return fmt.Errorf("version %s is %s; steps are frozen, create a new version", id, current.Status)
	}

	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE rate_program_versions
		SET steps = $1, final_premium_field_code = $2, updated_at = $3
		WHERE id = $4 AND status IN ('draft', 'pending_review')
	`, stepsJSON, finalPremiumFieldCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update steps: %w", err)
	}
	return requireOneRow(result, id)
}

func (s *PostgresVersionStore) Transition(id string, next VersionStatus) error {
	current, err := s.Get(id)
	if err != nil {
		return err
	}
	if !CanTransition(current.Status, next) {
		return fmt.Errorf("version %s cannot move from %s to %s", id, current.Status, next)
	}

	result, err := s.db.Exec(`
		UPDATE rate_program_versions
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, next, time.Now(), id, current.Status)
	if err != nil {
		return fmt.Errorf("failed to transition version: %w", err)
	}
	return requireOneRow(result, id)
}

func (s *PostgresVersionStore) Publish(id string, stepsHash string) error {
	now := time.Now()
	result, err := s.db.Exec(`
		UPDATE rate_program_versions
		SET status = $1, steps_hash = $2, published_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
	`, StatusPublished, stepsHash, now, id, StatusApproved)
	if err != nil {
		return fmt.Errorf("failed to publish version: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		current, err := s.Get(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("version %s is %s; only approved versions can be published", id, current.Status)
	}
	return nil
}

func requireOneRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("version %s not found or not updatable", id)
	}
	return nil
}

// PostgresTestCaseStore implements TestCaseStore backed by PostgreSQL.
// The case body is one JSONB document; the indexed columns exist for
// listing.
type PostgresTestCaseStore struct {
	db *sql.DB
}

// NewPostgresTestCaseStore creates a new PostgreSQL-backed TestCaseStore.
func NewPostgresTestCaseStore(db *sql.DB) *PostgresTestCaseStore {
	return &PostgresTestCaseStore{db: db}
}

func (s *PostgresTestCaseStore) Add(tc *RatingTestCase) error {
	now := time.Now()
	tc.CreatedAt = now
	tc.UpdatedAt = now

	doc, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("failed to marshal test case: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO rating_test_cases (id, rate_program_version_id, name, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tc.ID, tc.RateProgramVersionID, tc.Name, doc, tc.CreatedAt, tc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert test case: %w", err)
	}
	return nil
}

func (s *PostgresTestCaseStore) Get(id string) (*RatingTestCase, error) {
	var doc []byte
	err := s.db.QueryRow(`
		SELECT definition FROM rating_test_cases WHERE id = $1
	`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("test case %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test case: %w", err)
	}

	var tc RatingTestCase
	if err := json.Unmarshal(doc, &tc); err != nil {
		return nil, fmt.Errorf("invalid test case document %s: %w", id, err)
	}
	return &tc, nil
}

func (s *PostgresTestCaseStore) ListForVersion(versionID string) ([]*RatingTestCase, error) {
	rows, err := s.db.Query(`
		SELECT definition FROM rating_test_cases
		WHERE rate_program_version_id = $1
		ORDER BY created_at ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list test cases: %w", err)
	}
	defer rows.Close()

	var cases []*RatingTestCase
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan test case: %w", err)
		}
		var tc RatingTestCase
		if err := json.Unmarshal(doc, &tc); err != nil {
			return nil, fmt.Errorf("invalid test case document: %w", err)
		}
		cases = append(cases, &tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating test cases: %w", err)
	}
	return cases, nil
}

func (s *PostgresTestCaseStore) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM rating_test_cases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete test case: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("test case %s not found", id)
	}
	return nil
}
