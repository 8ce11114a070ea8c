package rating

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// FieldState is the reserved field code that resolves to the evaluation
// context's state code. It needs no producing step.
const FieldState = "state"

// referencedFields collects every field code a step reads: its declared
// inputs plus the type-specific field references. The step's own output
// field is excluded; reading it (factor/fee/minmax accumulation) is a
// working-map concern, not a graph dependency. The result is sorted and
// de-duplicated so graph construction is order-independent.
func referencedFields(step *RatingStep) []string {
	seen := make(map[string]bool)
	add := func(code string) {
		if code != "" && code != step.OutputFieldCode {
			seen[code] = true
		}
	}

	for _, code := range step.Inputs {
		add(code)
	}
	add(step.FactorFieldCode)
	add(step.MinFieldCode)
	add(step.MaxFieldCode)
	add(step.FeeFieldCode)
	for _, code := range step.LookupDimensions {
		add(code)
	}
	if step.Condition != nil {
		add(step.Condition.FieldCode)
	}

	fields := make([]string, 0, len(seen))
	for code := range seen {
		fields = append(fields, code)
	}
	sort.Strings(fields)
	return fields
}

// BuildGraph validates a step set and computes its deterministic
// topological evaluation order.
//
// It builds the output-field map (duplicates are UNDEFINED_FIELD),
// resolves every referenced field to a producing step or a known
// context-input convention (otherwise MISSING_INPUT), detects cycles via
// three-color depth-first search (CYCLE_DETECTED with the full cycle), and
// on success orders the steps with Kahn's algorithm, always picking the
// ready step with the lowest declared order, tie-broken by step id, so the
// order is identical on every run regardless of map iteration.
//
// finalPremiumField suppresses the UNUSED_STEP warning for the designated
// premium output. knownTables, when non-nil, is the set of table-version
// ids available at validation time; a tableLookup step referencing an
// unknown table fails with TABLE_NOT_FOUND.
func BuildGraph(steps []RatingStep, finalPremiumField string, knownTables map[string]bool) *DeterminismValidationResult {
	result := &DeterminismValidationResult{}

	// Index steps by output field code.
	byOutput := make(map[string]int, len(steps))
	byID := make(map[string]int, len(steps))
	for i := range steps {
		step := &steps[i]

		if err := ValidateFieldCode(step.OutputFieldCode); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Code:      ValErrInvalidFieldCode,
				StepID:    step.ID,
				FieldCode: step.OutputFieldCode,
				Message:   fmt.Sprintf("output field %q: %v", step.OutputFieldCode, err),
			})
			continue
		}

		if prev, dup := byOutput[step.OutputFieldCode]; dup {
			result.Errors = append(result.Errors, ValidationError{
				Code:      ValErrUndefinedField,
				StepID:    step.ID,
				FieldCode: step.OutputFieldCode,
				Message: fmt.Sprintf("output field %q is already produced by step %s",
					step.OutputFieldCode, steps[prev].ID),
			})
			continue
		}
		byOutput[step.OutputFieldCode] = i
		byID[step.ID] = i
	}

	// Resolve references and build the dependency edges. Edges point from
	// the producing step to the consuming step.
	type edgeKey struct{ from, to string }
	edgeSeen := make(map[edgeKey]bool)
	// deps: step id -> producer step ids. consumers: producer id -> count.
	deps := make(map[string][]string, len(steps))
	consumers := make(map[string]int, len(steps))
	for i := range steps {
		step := &steps[i]
		for _, field := range referencedFields(step) {
			if field == FieldState {
				continue // resolved from the context's state code
			}
			producer, ok := byOutput[field]
			if !ok {
				result.Errors = append(result.Errors, ValidationError{
					Code:      ValErrMissingInput,
					StepID:    step.ID,
					FieldCode: field,
					Message: fmt.Sprintf("input %q of step %s resolves to no step output or context input",
						field, step.ID),
				})
				continue
			}
			key := edgeKey{from: steps[producer].ID, to: step.ID}
			if edgeSeen[key] {
				continue
			}
			edgeSeen[key] = true
			deps[step.ID] = append(deps[step.ID], steps[producer].ID)
			consumers[steps[producer].ID]++
		}
	}

	// Per-type structural checks.
	validateStepParams(steps, knownTables, result)

	// Serializable graph: an arena of nodes with id-reference edges.
	graph := &DependencyGraph{}
	for i := range steps {
		graph.Nodes = append(graph.Nodes, GraphNode{
			StepID:          steps[i].ID,
			OutputFieldCode: steps[i].OutputFieldCode,
			Order:           steps[i].Order,
		})
	}
	for id, producers := range deps {
		for _, from := range producers {
			graph.Edges = append(graph.Edges, GraphEdge{From: from, To: id})
		}
	}
	sort.Slice(graph.Edges, func(i, j int) bool {
		if graph.Edges[i].From != graph.Edges[j].From {
			return graph.Edges[i].From < graph.Edges[j].From
		}
		return graph.Edges[i].To < graph.Edges[j].To
	})
	result.Graph = graph

	// Cycle detection before ordering.
	if cycle := findCycle(steps, deps); cycle != nil {
		result.Errors = append(result.Errors, ValidationError{
			Code:         ValErrCycleDetected,
			StepID:       cycle[0],
			Message:      fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")),
			CycleStepIDs: cycle,
		})
	} else if len(result.Errors) == 0 {
		result.Order = topologicalOrder(steps, byID, deps)
	}

	// Advisory warnings.
	for i := range steps {
		step := &steps[i]
		if consumers[step.ID] == 0 && step.OutputFieldCode != finalPremiumField {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Code:    WarnUnusedStep,
				StepID:  step.ID,
				Message: fmt.Sprintf("output %q of step %s is consumed by no step and is not the final premium", step.OutputFieldCode, step.ID),
			})
		}
	}
	warnRedundantExpressions(steps, result)
	warnLargeMagnitudes(steps, result)

	result.IsValid = len(result.Errors) == 0
	return result
}

// validateStepParams performs the per-type structural checks that can fail
// at build time.
func validateStepParams(steps []RatingStep, knownTables map[string]bool, result *DeterminismValidationResult) {
	for i := range steps {
		step := &steps[i]
		switch step.Type {
		case StepTableLookup:
			if step.TableVersionID == "" {
				result.Errors = append(result.Errors, ValidationError{
					Code:    ValErrTableNotFound,
					StepID:  step.ID,
					Message: fmt.Sprintf("tableLookup step %s references no table version", step.ID),
				})
			} else if knownTables != nil && !knownTables[step.TableVersionID] {
				result.Errors = append(result.Errors, ValidationError{
					Code:    ValErrTableNotFound,
					StepID:  step.ID,
					Message: fmt.Sprintf("table version %s is not present in any known snapshot registry", step.TableVersionID),
				})
			}
		case StepExpression:
			if _, err := CompileExpression(step.Expression, referencedFields(step)); err != nil {
				result.Errors = append(result.Errors, ValidationError{
					Code:    ValErrInvalidExpression,
					StepID:  step.ID,
					Message: fmt.Sprintf("expression of step %s: %v", step.ID, err),
				})
			}
		case StepConditional:
			if step.Condition == nil {
				result.Errors = append(result.Errors, ValidationError{
					Code:    ValErrMissingInput,
					StepID:  step.ID,
					Message: fmt.Sprintf("conditional step %s has no condition", step.ID),
				})
			}
		case StepInput, StepConstant, StepFactor, StepMinMax, StepFee:
			// no structural parameters beyond field references
		default:
			result.Errors = append(result.Errors, ValidationError{
				Code:    ValErrUndefinedField,
				StepID:  step.ID,
				Message: fmt.Sprintf("step %s has unknown type %q", step.ID, step.Type),
			})
		}
	}
}

// findCycle runs a three-color depth-first search over the dependency
// relation and returns the step ids of the first cycle found, or nil.
// Start order is sorted by (order, id) so reports are deterministic.
func findCycle(steps []RatingStep, deps map[string][]string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in progress
		black = 2 // done
	)
	color := make(map[string]int, len(steps))

	starts := make([]*RatingStep, 0, len(steps))
	for i := range steps {
		starts = append(starts, &steps[i])
	}
	sort.Slice(starts, func(i, j int) bool {
		if starts[i].Order != starts[j].Order {
			return starts[i].Order < starts[j].Order
		}
		return starts[i].ID < starts[j].ID
	})

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		next := append([]string(nil), deps[id]...)
		sort.Strings(next)
		for _, dep := range next {
			switch color[dep] {
			case gray:
				// Back-edge: the cycle is the stack suffix from dep.
				for i, onStack := range stack {
					if onStack == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, step := range starts {
		if color[step.ID] == white && visit(step.ID) {
			return cycle
		}
	}
	return nil
}

// topologicalOrder computes the deterministic evaluation order via Kahn's
// algorithm. Among ready steps it always picks the lowest declared order,
// tie-broken by step id.
func topologicalOrder(steps []RatingStep, byID map[string]int, deps map[string][]string) []string {
	dependents := make(map[string][]string, len(steps)) // producer -> consumers
	indegree := make(map[string]int, len(steps))
	for i := range steps {
		indegree[steps[i].ID] = len(deps[steps[i].ID])
		for _, producer := range deps[steps[i].ID] {
			dependents[producer] = append(dependents[producer], steps[i].ID)
		}
	}

	var ready []string
	for i := range steps {
		if indegree[steps[i].ID] == 0 {
			ready = append(ready, steps[i].ID)
		}
	}

	less := func(a, b string) bool {
		sa, sb := &steps[byID[a]], &steps[byID[b]]
		if sa.Order != sb.Order {
			return sa.Order < sb.Order
		}
		return sa.ID < sb.ID
	}

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		// Pick the minimum-(order, id) ready step.
		min := 0
		for i := 1; i < len(ready); i++ {
			if less(ready[i], ready[min]) {
				min = i
			}
		}
		id := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, id)

		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order
}

// overflowThreshold is the magnitude above which literal step values draw
// a POTENTIAL_OVERFLOW warning. Expression steps cross a float64 boundary,
// so products of values this large start losing integer precision.
var overflowThreshold = decimal.New(1, 12)

// warnLargeMagnitudes flags literal constants and factors large enough to
// risk precision loss when combined in expression steps.
func warnLargeMagnitudes(steps []RatingStep, result *DeterminismValidationResult) {
	for i := range steps {
		step := &steps[i]
		for _, v := range []*decimal.Decimal{step.ConstantValue, step.FactorValue, step.FeeAmount} {
			if v != nil && v.Abs().GreaterThan(overflowThreshold) {
				result.Warnings = append(result.Warnings, ValidationWarning{
					Code:    WarnPotentialOverflow,
					StepID:  step.ID,
					Message: fmt.Sprintf("step %s carries value %s, large enough to lose precision in expression steps", step.ID, v.String()),
				})
				break
			}
		}
	}
}

// warnRedundantExpressions flags enabled expression steps that evaluate
// the same formula over the same inputs.
func warnRedundantExpressions(steps []RatingStep, result *DeterminismValidationResult) {
	seen := make(map[string]string) // canonical expression -> first step id
	for i := range steps {
		step := &steps[i]
		if step.Type != StepExpression || !step.Enabled {
			continue
		}
		key := strings.Join(referencedFields(step), ",") + "|" + strings.TrimSpace(step.Expression)
		if first, ok := seen[key]; ok {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Code:    WarnRedundantCalculation,
				StepID:  step.ID,
				Message: fmt.Sprintf("step %s evaluates the same expression as step %s", step.ID, first),
			})
			continue
		}
		seen[key] = step.ID
	}
}
