package rating

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VersionStatus is the lifecycle state of a rate program version.
// Steps may only be edited while the version is in Draft or PendingReview;
// once Published the step set and its hash are frozen forever.
type VersionStatus string

const (
	StatusDraft         VersionStatus = "draft"
	StatusPendingReview VersionStatus = "pending_review"
	StatusApproved      VersionStatus = "approved"
	StatusPublished     VersionStatus = "published"
	StatusArchived      VersionStatus = "archived"
)

// RateProgramVersion is an immutable, versioned snapshot of an ordered
// rating step set.
type RateProgramVersion struct {
	ID                    string        `json:"id"`
	RateProgramID         string        `json:"rateProgramId"`
	Version               int           `json:"version"`
	Status                VersionStatus `json:"status"`
	Steps                 []RatingStep  `json:"steps"`
	FinalPremiumFieldCode string        `json:"finalPremiumFieldCode,omitempty"`
	// StepsHash is computed over the canonical step serialization at
	// publish time and never changes afterwards.
	StepsHash   string     `json:"stepsHash,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
}

// StepType identifies the computation a rating step performs. The set is
// closed: the step evaluator dispatches exhaustively over these values.
type StepType string

const (
	StepInput       StepType = "input"
	StepConstant    StepType = "constant"
	StepFactor      StepType = "factor"
	StepTableLookup StepType = "tableLookup"
	StepExpression  StepType = "expression"
	StepMinMax      StepType = "minmax"
	StepFee         StepType = "fee"
	StepConditional StepType = "conditional"
)

// RoundingMode selects how a step's raw output is rounded before it is
// written to the shared output map.
type RoundingMode string

const (
	RoundNone     RoundingMode = "none"
	RoundUp       RoundingMode = "up"       // ceiling at precision
	RoundDown     RoundingMode = "down"     // floor at precision
	RoundNearest  RoundingMode = "nearest"  // round half up
	RoundBankers  RoundingMode = "bankers"  // round half to even
	RoundTruncate RoundingMode = "truncate" // drop digits beyond precision
)

// ConditionOperator is the comparison applied by conditional steps.
type ConditionOperator string

const (
	OpEq      ConditionOperator = "eq"
	OpNe      ConditionOperator = "ne"
	OpGt      ConditionOperator = "gt"
	OpGte     ConditionOperator = "gte"
	OpLt      ConditionOperator = "lt"
	OpLte     ConditionOperator = "lte"
	OpIn      ConditionOperator = "in"
	OpNotIn   ConditionOperator = "notIn"
	OpBetween ConditionOperator = "between"
)

// Condition is the predicate a conditional step evaluates against resolved
// field values.
type Condition struct {
	FieldCode string            `json:"fieldCode"`
	Operator  ConditionOperator `json:"operator"`
	Value     any               `json:"value,omitempty"`
	// SecondValue is the upper bound for the between operator.
	SecondValue any `json:"secondValue,omitempty"`
	// Values is the candidate set for the in / notIn operators.
	Values []any `json:"values,omitempty"`
}

// RatingStep is one node in the computation graph. Each step writes exactly
// one output field; OutputFieldCode must be unique across the step set.
type RatingStep struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Order int      `json:"order"` // tie-break only, not authoritative ordering
	Type  StepType `json:"type"`

	OutputFieldCode string   `json:"outputFieldCode"`
	Inputs          []string `json:"inputs,omitempty"`
	Enabled         bool     `json:"enabled"`

	// input
	DefaultValue *decimal.Decimal `json:"defaultValue,omitempty"`

	// constant / conditional results
	ConstantValue *decimal.Decimal `json:"constantValue,omitempty"`

	// factor
	FactorValue     *decimal.Decimal `json:"factorValue,omitempty"`
	FactorFieldCode string           `json:"factorFieldCode,omitempty"`

	// tableLookup
	TableVersionID   string   `json:"tableVersionId,omitempty"`
	LookupDimensions []string `json:"lookupDimensions,omitempty"` // field codes, key order

	// expression
	Expression string `json:"expression,omitempty"`

	// minmax
	MinValue     *decimal.Decimal `json:"minValue,omitempty"`
	MinFieldCode string           `json:"minFieldCode,omitempty"`
	MaxValue     *decimal.Decimal `json:"maxValue,omitempty"`
	MaxFieldCode string           `json:"maxFieldCode,omitempty"`

	// fee
	FeeAmount    *decimal.Decimal `json:"feeAmount,omitempty"`
	FeeFieldCode string           `json:"feeFieldCode,omitempty"`

	// conditional
	Condition *Condition       `json:"condition,omitempty"`
	ThenValue *decimal.Decimal `json:"thenValue,omitempty"`
	ElseValue *decimal.Decimal `json:"elseValue,omitempty"`

	Rounding  RoundingMode `json:"rounding,omitempty"`
	Precision int32        `json:"precision,omitempty"`

	// State applicability. A step with AllStates=false applies only when
	// the evaluation context's state is listed in States.
	AllStates bool     `json:"allStates"`
	States    []string `json:"states,omitempty"`
}

// TableSnapshot is an immutable copy of one rating table version's entries,
// keyed by composite lookup key.
type TableSnapshot struct {
	TableVersionID string                     `json:"tableVersionId"`
	Name           string                     `json:"name,omitempty"`
	Entries        map[string]decimal.Decimal `json:"entries"`
	// DefaultValue is returned on a key miss; a miss with no default is an
	// evaluation error.
	DefaultValue *decimal.Decimal `json:"defaultValue,omitempty"`
}

// EvaluationContext is the caller-supplied, immutable input bundle for one
// evaluation. The engine never mutates it.
type EvaluationContext struct {
	Inputs        map[string]any            `json:"inputs"`
	State         string                    `json:"state,omitempty"`
	EffectiveDate time.Time                 `json:"effectiveDate,omitempty"`
	Tables        map[string]*TableSnapshot `json:"tables,omitempty"` // keyed by table-version id
}

// StepTraceEntry is the per-step audit record: one entry per evaluated or
// skipped step, in execution order.
type StepTraceEntry struct {
	StepID          string         `json:"stepId"`
	StepName        string         `json:"stepName,omitempty"`
	StepType        StepType       `json:"stepType"`
	OutputFieldCode string         `json:"outputFieldCode"`
	Applied         bool           `json:"applied"`
	SkipReason      string         `json:"skipReason,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	// RawValue is the step output before rounding, Value after.
	RawValue        *decimal.Decimal `json:"rawValue,omitempty"`
	Value           *decimal.Decimal `json:"value,omitempty"`
	LookupKey       string           `json:"lookupKey,omitempty"`
	Expression      string           `json:"expression,omitempty"`
	ExecutionTimeMs float64          `json:"executionTimeMs"`
}

// EvaluationErrorCode classifies evaluation-time failures.
type EvaluationErrorCode string

const (
	EvalErrMissingInput      EvaluationErrorCode = "MISSING_INPUT"
	EvalErrTableNotFound     EvaluationErrorCode = "TABLE_NOT_FOUND"
	EvalErrTableKeyNotFound  EvaluationErrorCode = "TABLE_KEY_NOT_FOUND"
	EvalErrInvalidExpression EvaluationErrorCode = "INVALID_EXPRESSION"
	EvalErrTimeout           EvaluationErrorCode = "TIMEOUT"
	EvalErrInvalidValue      EvaluationErrorCode = "INVALID_VALUE"
)

// EvaluationError is a per-call step failure. Any evaluation error halts
// the whole evaluation; premiums are never partially computed and
// presented as complete.
type EvaluationError struct {
	Code      EvaluationErrorCode `json:"code"`
	StepID    string              `json:"stepId,omitempty"`
	FieldCode string              `json:"fieldCode,omitempty"`
	Message   string              `json:"message"`
}

func (e *EvaluationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s: step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// EvaluationResult is the full outcome of one evaluation call.
type EvaluationResult struct {
	Success              bool                       `json:"success"`
	RateProgramVersionID string                     `json:"rateProgramVersionId"`
	Outputs              map[string]decimal.Decimal `json:"outputs"`
	FinalPremium         *decimal.Decimal           `json:"finalPremium,omitempty"`
	Trace                []StepTraceEntry           `json:"trace"`
	Errors               []EvaluationError          `json:"errors,omitempty"`
	Warnings             []string                   `json:"warnings,omitempty"`
	ExecutionTimeMs      float64                    `json:"executionTimeMs"`
	// ResultHash over the canonical output map and StepsHash of the
	// evaluated version together prove which step definitions produced
	// which numbers.
	ResultHash string `json:"resultHash,omitempty"`
	StepsHash  string `json:"stepsHash,omitempty"`
}

// ValidationErrorCode classifies build-time step-set failures. A version
// with any such error cannot transition out of draft.
type ValidationErrorCode string

const (
	ValErrCycleDetected     ValidationErrorCode = "CYCLE_DETECTED"
	ValErrMissingInput      ValidationErrorCode = "MISSING_INPUT"
	ValErrUndefinedField    ValidationErrorCode = "UNDEFINED_FIELD"
	ValErrInvalidExpression ValidationErrorCode = "INVALID_EXPRESSION"
	ValErrTableNotFound     ValidationErrorCode = "TABLE_NOT_FOUND"
	ValErrInvalidFieldCode  ValidationErrorCode = "INVALID_FIELD_CODE"
)

// ValidationWarningCode classifies advisory signals that never block
// evaluation or publishing.
type ValidationWarningCode string

const (
	WarnUnusedStep           ValidationWarningCode = "UNUSED_STEP"
	WarnRedundantCalculation ValidationWarningCode = "REDUNDANT_CALCULATION"
	WarnPotentialOverflow    ValidationWarningCode = "POTENTIAL_OVERFLOW"
)

// ValidationError is a fatal build-time problem with a step set.
type ValidationError struct {
	Code      ValidationErrorCode `json:"code"`
	StepID    string              `json:"stepId,omitempty"`
	FieldCode string              `json:"fieldCode,omitempty"`
	Message   string              `json:"message"`
	// CycleStepIDs lists the full cycle for CYCLE_DETECTED.
	CycleStepIDs []string `json:"cycleStepIds,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationWarning is an advisory signal surfaced to the author.
type ValidationWarning struct {
	Code    ValidationWarningCode `json:"code"`
	StepID  string                `json:"stepId,omitempty"`
	Message string                `json:"message"`
}

// GraphNode is one dependency-graph node, keyed by output field code.
type GraphNode struct {
	StepID          string `json:"stepId"`
	OutputFieldCode string `json:"outputFieldCode"`
	Order           int    `json:"order"`
}

// GraphEdge points from a dependency to its dependent.
type GraphEdge struct {
	From string `json:"from"` // step id producing the field
	To   string `json:"to"`   // step id consuming it
}

// DependencyGraph is the derived step graph, serialized as an arena of
// nodes with id-reference edges so it stays cycle-safe and inspectable.
type DependencyGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// DeterminismValidationResult is the outcome of validating one step set.
type DeterminismValidationResult struct {
	IsValid  bool                `json:"isValid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
	Graph    *DependencyGraph    `json:"dependencyGraph,omitempty"`
	// Order is the deterministic topological evaluation order (step ids).
	Order []string `json:"order,omitempty"`
}

// RatingTestCase is a fixed regression input set with expected outputs.
type RatingTestCase struct {
	ID                   string                     `json:"id"`
	Name                 string                     `json:"name"`
	RateProgramVersionID string                     `json:"rateProgramVersionId"`
	Inputs               map[string]any             `json:"inputs"`
	State                string                     `json:"state,omitempty"`
	EffectiveDate        time.Time                  `json:"effectiveDate,omitempty"`
	Tables               map[string]*TableSnapshot  `json:"tables,omitempty"`
	ExpectedOutputs      map[string]decimal.Decimal `json:"expectedOutputs"`
	ExpectedPremium      *decimal.Decimal           `json:"expectedPremium,omitempty"`
	// Tolerance is the maximum allowed absolute difference per field.
	// Unset means strict equality.
	Tolerance *decimal.Decimal `json:"tolerance,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// TestDifference reports one mismatched field from a test run.
type TestDifference struct {
	FieldCode       string           `json:"fieldCode"`
	Expected        decimal.Decimal  `json:"expected"`
	Actual          *decimal.Decimal `json:"actual,omitempty"`
	Difference      *decimal.Decimal `json:"difference,omitempty"`
	WithinTolerance bool             `json:"withinTolerance"`
}

// TestRunResult is the outcome of replaying one test case.
type TestRunResult struct {
	TestCaseID  string            `json:"testCaseId"`
	Passed      bool              `json:"passed"`
	Differences []TestDifference  `json:"differences,omitempty"`
	Result      *EvaluationResult `json:"result,omitempty"`
	RanAt       time.Time         `json:"ranAt"`
}
