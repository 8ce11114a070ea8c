package rating

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// VersionStore manages rate program version persistence and lifecycle.
type VersionStore interface {
	// Create stores a new draft version.
	Create(v *RateProgramVersion) error

	// Get returns a version by id.
	Get(id string) (*RateProgramVersion, error)

	// GetByProgramVersion returns one version of a program by number.
	GetByProgramVersion(programID string, version int) (*RateProgramVersion, error)

	// ListByProgram returns all versions of a program, oldest first.
	ListByProgram(programID string) ([]*RateProgramVersion, error)

	// UpdateSteps replaces the step set of an editable version.
	UpdateSteps(id string, steps []RatingStep, finalPremiumFieldCode string) error

	// Transition moves a version to the next lifecycle status.
	Transition(id string, next VersionStatus) error

	// Publish freezes an approved version with its steps hash.
	Publish(id string, stepsHash string) error
}

// TestCaseStore manages regression test cases.
type TestCaseStore interface {
	Add(tc *RatingTestCase) error
	Get(id string) (*RatingTestCase, error)
	ListForVersion(versionID string) ([]*RatingTestCase, error)
	Delete(id string) error
}

// allowedTransitions encodes the version lifecycle. Publishing is a
// separate operation because it also freezes the steps hash.
var allowedTransitions = map[VersionStatus]map[VersionStatus]bool{
	StatusDraft:         {StatusPendingReview: true},
	StatusPendingReview: {StatusApproved: true, StatusDraft: true},
	StatusApproved:      {StatusDraft: true},
	StatusPublished:     {StatusArchived: true},
	StatusArchived:      {},
}

// CanTransition reports whether a lifecycle move is legal.
func CanTransition(from, to VersionStatus) bool {
	return allowedTransitions[from][to]
}

// Editable reports whether a version's steps may still change.
func Editable(status VersionStatus) bool {
	return status == StatusDraft || status == StatusPendingReview
}

// InMemoryVersionStore implements VersionStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryVersionStore struct {
	versions map[string]*RateProgramVersion
	mu       sync.RWMutex
}

// NewInMemoryVersionStore creates a new in-memory version store.
func NewInMemoryVersionStore() *InMemoryVersionStore {
	return &InMemoryVersionStore{
		versions: make(map[string]*RateProgramVersion),
	}
}

func (s *InMemoryVersionStore) Create(v *RateProgramVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[v.ID]; exists {
		return fmt.Errorf("version with ID %s already exists", v.ID)
	}
	for _, existing := range s.versions {
		if existing.RateProgramID == v.RateProgramID && existing.Version == v.Version {
			return fmt.Errorf("program %s already has version %d", v.RateProgramID, v.Version)
		}
	}

	now := time.Now()
	v.Status = StatusDraft
	v.CreatedAt = now
	v.UpdatedAt = now
	s.versions[v.ID] = copyVersion(v)
	return nil
}

func (s *InMemoryVersionStore) Get(id string) (*RateProgramVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, exists := s.versions[id]
	if !exists {
		return nil, fmt.Errorf("version with ID %s not found", id)
	}
	return copyVersion(v), nil
}

func (s *InMemoryVersionStore) GetByProgramVersion(programID string, version int) (*RateProgramVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions {
		if v.RateProgramID == programID && v.Version == version {
			return copyVersion(v), nil
		}
	}
	return nil, fmt.Errorf("program %s has no version %d", programID, version)
}

func (s *InMemoryVersionStore) ListByProgram(programID string) ([]*RateProgramVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var versions []*RateProgramVersion
	for _, v := range s.versions {
		if v.RateProgramID == programID {
			versions = append(versions, copyVersion(v))
		}
	}
	sortVersions(versions)
	return versions, nil
}

func (s *InMemoryVersionStore) UpdateSteps(id string, steps []RatingStep, finalPremiumFieldCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.versions[id]
	if !exists {
		return fmt.Errorf("version with ID %s not found", id)
	}
	if !Editable(v.Status) {
		return fmt.Errorf("version %s is %s; steps are frozen, create a new version", id, v.Status)
	}

	v.Steps = append([]RatingStep(nil), steps...)
	v.FinalPremiumFieldCode = finalPremiumFieldCode
	v.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryVersionStore) Transition(id string, next VersionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.versions[id]
	if !exists {
		return fmt.Errorf("version with ID %s not found", id)
	}
	if !CanTransition(v.Status, next) {
		return fmt.Errorf("version %s cannot move from %s to %s", id, v.Status, next)
	}

	v.Status = next
	v.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryVersionStore) Publish(id string, stepsHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.versions[id]
	if !exists {
		return fmt.Errorf("version with ID %s not found", id)
	}
	if v.Status != StatusApproved {
		return fmt.Errorf("version %s is %s; only approved versions can be published", id, v.Status)
	}

	now := time.Now()
	v.Status = StatusPublished
	v.StepsHash = stepsHash
	v.PublishedAt = &now
	v.UpdatedAt = now
	return nil
}

func copyVersion(v *RateProgramVersion) *RateProgramVersion {
	cp := *v
	cp.Steps = append([]RatingStep(nil), v.Steps...)
	if v.PublishedAt != nil {
		t := *v.PublishedAt
		cp.PublishedAt = &t
	}
	return &cp
}

func sortVersions(versions []*RateProgramVersion) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})
}

// InMemoryTestCaseStore implements TestCaseStore using an in-memory map.
type InMemoryTestCaseStore struct {
	cases map[string]*RatingTestCase
	mu    sync.RWMutex
}

// NewInMemoryTestCaseStore creates a new in-memory test case store.
func NewInMemoryTestCaseStore() *InMemoryTestCaseStore {
	return &InMemoryTestCaseStore{
		cases: make(map[string]*RatingTestCase),
	}
}

func (s *InMemoryTestCaseStore) Add(tc *RatingTestCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[tc.ID]; exists {
		return fmt.Errorf("test case with ID %s already exists", tc.ID)
	}

	now := time.Now()
	tc.CreatedAt = now
	tc.UpdatedAt = now
	s.cases[tc.ID] = copyTestCase(tc)
	return nil
}

func (s *InMemoryTestCaseStore) Get(id string) (*RatingTestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, exists := s.cases[id]
	if !exists {
		return nil, fmt.Errorf("test case with ID %s not found", id)
	}
	return copyTestCase(tc), nil
}

func (s *InMemoryTestCaseStore) ListForVersion(versionID string) ([]*RatingTestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cases []*RatingTestCase
	for _, tc := range s.cases {
		if tc.RateProgramVersionID == versionID {
			cases = append(cases, copyTestCase(tc))
		}
	}
	return cases, nil
}

// copyTestCase isolates stored cases from caller mutation, like
// copyVersion. Table snapshots are shared by pointer: they are immutable
// by contract.
func copyTestCase(tc *RatingTestCase) *RatingTestCase {
	cp := *tc
	if tc.Inputs != nil {
		cp.Inputs = make(map[string]any, len(tc.Inputs))
		for k, v := range tc.Inputs {
			cp.Inputs[k] = v
		}
	}
	if tc.Tables != nil {
		cp.Tables = make(map[string]*TableSnapshot, len(tc.Tables))
		for k, v := range tc.Tables {
			cp.Tables[k] = v
		}
	}
	if tc.ExpectedOutputs != nil {
		cp.ExpectedOutputs = make(map[string]decimal.Decimal, len(tc.ExpectedOutputs))
		for k, v := range tc.ExpectedOutputs {
			cp.ExpectedOutputs[k] = v
		}
	}
	if tc.ExpectedPremium != nil {
		v := *tc.ExpectedPremium
		cp.ExpectedPremium = &v
	}
	if tc.Tolerance != nil {
		v := *tc.Tolerance
		cp.Tolerance = &v
	}
	return &cp
}

func (s *InMemoryTestCaseStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cases[id]; !exists {
		return fmt.Errorf("test case with ID %s not found", id)
	}
	delete(s.cases, id)
	return nil
}
