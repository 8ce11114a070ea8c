package rating

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// stepBudget is the wall-clock execution budget for a single step. The CEL
// cost limit bounds expression work internally; this is the backstop for
// everything else.
const stepBudget = 250 * time.Millisecond

// EvaluationPlan is a validated, compiled step set ready for repeated
// evaluation. Plans for published versions are immutable and safe to share
// across concurrent evaluations.
type EvaluationPlan struct {
	VersionID             string
	StepsHash             string
	FinalPremiumFieldCode string
	Steps                 []RatingStep
	// Order holds indexes into Steps in deterministic topological order.
	Order      []int
	Programs   map[string]*CompiledExpression // step id -> compiled expression
	Validation *DeterminismValidationResult
}

// Engine evaluates rate program versions against caller-supplied contexts.
// Evaluation is a pure, synchronous computation over immutable inputs, so
// any number of evaluations may run concurrently; the engine holds no
// per-call state. Compiled plans are memoized per published version.
type Engine struct {
	store VersionStore
	cache PlanCache
}

// NewEngine creates an engine with the default in-memory plan cache.
func NewEngine(store VersionStore) *Engine {
	return NewEngineWithCache(store, NewInMemoryPlanCache(DefaultCacheConfig()))
}

// NewEngineWithCache creates an engine with a custom plan cache.
func NewEngineWithCache(store VersionStore, cache PlanCache) *Engine {
	return &Engine{store: store, cache: cache}
}

// BuildPlan validates a version's step set and compiles it into an
// evaluation plan. The validation result is returned in both outcomes; a
// nil plan means the step set has fatal errors.
func BuildPlan(version *RateProgramVersion, knownTables map[string]bool) (*EvaluationPlan, *DeterminismValidationResult) {
	validation := BuildGraph(version.Steps, version.FinalPremiumFieldCode, knownTables)
	if !validation.IsValid {
		return nil, validation
	}

	byID := make(map[string]int, len(version.Steps))
	for i := range version.Steps {
		byID[version.Steps[i].ID] = i
	}

	programs := make(map[string]*CompiledExpression)
	for i := range version.Steps {
		step := &version.Steps[i]
		if step.Type != StepExpression {
			continue
		}
		prog, err := CompileExpression(step.Expression, referencedFields(step))
		if err != nil {
			// BuildGraph already compiled this expression; disagreement
			// here means the step set changed underneath us.
			validation.Errors = append(validation.Errors, ValidationError{
				Code:    ValErrInvalidExpression,
				StepID:  step.ID,
				Message: err.Error(),
			})
			validation.IsValid = false
			return nil, validation
		}
		programs[step.ID] = prog
	}

	order := make([]int, 0, len(validation.Order))
	for _, id := range validation.Order {
		order = append(order, byID[id])
	}

	stepsHash := version.StepsHash
	if stepsHash == "" {
		stepsHash = ComputeStepsHash(version.Steps)
	}

	return &EvaluationPlan{
		VersionID:             version.ID,
		StepsHash:             stepsHash,
		FinalPremiumFieldCode: version.FinalPremiumFieldCode,
		Steps:                 append([]RatingStep(nil), version.Steps...),
		Order:                 order,
		Programs:              programs,
		Validation:            validation,
	}, validation
}

// Validate builds and validates the dependency graph of a version's step
// set. knownTables, when non-nil, enables the TABLE_NOT_FOUND build check.
func (e *Engine) Validate(versionID string, knownTables map[string]bool) (*DeterminismValidationResult, error) {
	version, err := e.store.Get(versionID)
	if err != nil {
		return nil, err
	}
	return BuildGraph(version.Steps, version.FinalPremiumFieldCode, knownTables), nil
}

// planFor returns the compiled plan for a version, from cache when the
// version is published. Draft step sets may still change, so their plans
// are never cached.
func (e *Engine) planFor(version *RateProgramVersion) (*EvaluationPlan, error) {
	if version.Status == StatusPublished {
		if plan := e.cache.Get(version.ID); plan != nil {
			return plan, nil
		}
	}

	plan, validation := BuildPlan(version, nil)
	if plan == nil {
		return nil, fmt.Errorf("version %s failed validation: %w", version.ID, &validation.Errors[0])
	}

	if version.Status == StatusPublished {
		e.cache.Set(version.ID, plan)
	}
	return plan, nil
}

// Evaluate runs one evaluation of a version against the supplied context.
// The error return covers version lookup and validation failures only;
// step-level failures land in the result's Errors with Success=false and
// the partial trace preserved for diagnosis.
func (e *Engine) Evaluate(versionID string, ctx *EvaluationContext) (*EvaluationResult, error) {
	version, err := e.store.Get(versionID)
	if err != nil {
		return nil, err
	}

	plan, err := e.planFor(version)
	if err != nil {
		return nil, err
	}

	return EvaluatePlan(plan, ctx), nil
}

// EvaluatePlan walks the plan's steps in topological order, maintaining a
// working map of resolved field values seeded from the context inputs.
// Any step failure halts evaluation: the result carries the partial trace
// and the triggering error, and Success is false.
func EvaluatePlan(plan *EvaluationPlan, ctx *EvaluationContext) *EvaluationResult {
	start := time.Now()

	result := &EvaluationResult{
		RateProgramVersionID: plan.VersionID,
		Outputs:              make(map[string]decimal.Decimal),
		StepsHash:            plan.StepsHash,
	}
	for _, w := range plan.Validation.Warnings {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", w.Code, w.Message))
	}

	resolved := make(map[string]any, len(ctx.Inputs)+len(plan.Steps))
	for code, v := range ctx.Inputs {
		resolved[code] = v
	}
	if ctx.State != "" {
		resolved[FieldState] = ctx.State
	}

	for _, idx := range plan.Order {
		step := &plan.Steps[idx]
		stepStart := time.Now()
		entry := StepTraceEntry{
			StepID:          step.ID,
			StepName:        step.Name,
			StepType:        step.Type,
			OutputFieldCode: step.OutputFieldCode,
		}

		// Applicability is checked before dispatch. A skipped step
		// contributes nothing: its output field stays absent unless
		// another step writes it.
		if !step.Enabled {
			entry.SkipReason = "step is disabled"
			entry.ExecutionTimeMs = msSince(stepStart)
			result.Trace = append(result.Trace, entry)
			continue
		}
		if !step.AllStates && !stateApplies(step.States, ctx.State) {
			entry.SkipReason = fmt.Sprintf("step does not apply to state %q", ctx.State)
			entry.ExecutionTimeMs = msSince(stepStart)
			result.Trace = append(result.Trace, entry)
			continue
		}

		entry.Inputs = snapshotInputs(step, resolved)

		// Graph validation guarantees every reference resolves, but a
		// skipped producer leaves its field absent; re-check before
		// dispatch and fail fast rather than compute on a hole.
		var evalErr *EvaluationError
		for _, code := range referencedFields(step) {
			if code == FieldState {
				continue
			}
			if !hasValue(resolved, code) {
				evalErr = stepErr(step, EvalErrMissingInput,
					fmt.Sprintf("required input %q has no value at evaluation time", code))
				break
			}
		}

		var outcome *stepOutcome
		if evalErr == nil {
			outcome, evalErr = evaluateStep(step, resolved, ctx, plan.Programs[step.ID])
		}
		if evalErr == nil && time.Since(stepStart) > stepBudget {
			evalErr = stepErr(step, EvalErrTimeout,
				fmt.Sprintf("step exceeded its execution budget of %s", stepBudget))
		}
		if evalErr != nil {
			entry.SkipReason = evalErr.Message
			entry.ExecutionTimeMs = msSince(stepStart)
			result.Trace = append(result.Trace, entry)
			result.Errors = append(result.Errors, *evalErr)
			result.Success = false
			result.ExecutionTimeMs = msSince(start)
			return result
		}

		entry.Applied = true
		entry.LookupKey = outcome.lookupKey
		if step.Type == StepExpression {
			entry.Expression = step.Expression
		}

		if outcome.numeric {
			raw := outcome.raw
			entry.RawValue = &raw
			rounded, err := Round(raw, step.Rounding, step.Precision)
			if err != nil {
				roundErr := stepErr(step, EvalErrInvalidValue, err.Error())
				entry.ExecutionTimeMs = msSince(stepStart)
				result.Trace = append(result.Trace, entry)
				result.Errors = append(result.Errors, *roundErr)
				result.ExecutionTimeMs = msSince(start)
				return result
			}
			entry.Value = &rounded
			resolved[step.OutputFieldCode] = rounded
			result.Outputs[step.OutputFieldCode] = rounded
		} else {
			// Non-numeric pass-through: available to lookups and
			// conditions, absent from the numeric output map.
			resolved[step.OutputFieldCode] = outcome.passThru
		}

		entry.ExecutionTimeMs = msSince(stepStart)
		result.Trace = append(result.Trace, entry)
	}

	result.Success = true
	if plan.FinalPremiumFieldCode != "" {
		if premium, ok := result.Outputs[plan.FinalPremiumFieldCode]; ok {
			result.FinalPremium = &premium
		}
	}
	result.ResultHash = ComputeResultHash(result.Outputs)
	result.ExecutionTimeMs = msSince(start)
	return result
}

// Publish validates a version, computes its steps hash, and freezes it.
// Fatal validation errors block publishing.
func (e *Engine) Publish(versionID string, knownTables map[string]bool) (*RateProgramVersion, error) {
	version, err := e.store.Get(versionID)
	if err != nil {
		return nil, err
	}

	validation := BuildGraph(version.Steps, version.FinalPremiumFieldCode, knownTables)
	if !validation.IsValid {
		return nil, fmt.Errorf("version %s cannot be published: %w", versionID, &validation.Errors[0])
	}

	hash := ComputeStepsHash(version.Steps)
	if err := e.store.Publish(versionID, hash); err != nil {
		return nil, err
	}

	// Any plan built while the version was still editable is stale.
	e.cache.Invalidate(versionID)

	return e.store.Get(versionID)
}

// Transition moves a version through its lifecycle. Leaving draft requires
// a step set free of fatal validation errors.
func (e *Engine) Transition(versionID string, next VersionStatus) error {
	version, err := e.store.Get(versionID)
	if err != nil {
		return err
	}

	if version.Status == StatusDraft && next != StatusDraft {
		validation := BuildGraph(version.Steps, version.FinalPremiumFieldCode, nil)
		if !validation.IsValid {
			return fmt.Errorf("version %s cannot leave draft: %w", versionID, &validation.Errors[0])
		}
	}

	return e.store.Transition(versionID, next)
}

// stateApplies reports whether the context state is in the step's list.
func stateApplies(states []string, state string) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// snapshotInputs copies the resolved values a step reads, for the trace.
func snapshotInputs(step *RatingStep, resolved map[string]any) map[string]any {
	fields := referencedFields(step)
	if len(fields) == 0 {
		return nil
	}
	snapshot := make(map[string]any, len(fields))
	for _, code := range fields {
		if v, ok := resolved[code]; ok {
			snapshot[code] = v
		}
	}
	if len(snapshot) == 0 {
		return nil
	}
	return snapshot
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Nanoseconds()) / 1e6
}
