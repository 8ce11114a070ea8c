package rating

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// stepOutcome is the raw result of dispatching one step, before rounding.
type stepOutcome struct {
	raw decimal.Decimal
	// numeric is false for input steps passing a non-numeric context value
	// (a lookup dimension such as a vehicle class) straight through.
	numeric   bool
	passThru  any
	lookupKey string
}

// evaluateStep dispatches on the step type and produces the raw output
// value. The dispatch is exhaustive over the closed StepType set; state
// applicability and rounding are the orchestrator's concern.
func evaluateStep(step *RatingStep, resolved map[string]any, ctx *EvaluationContext, expr *CompiledExpression) (*stepOutcome, *EvaluationError) {
	switch step.Type {
	case StepInput:
		return evalInput(step, ctx)
	case StepConstant:
		if step.ConstantValue == nil {
			return nil, stepErr(step, EvalErrInvalidValue, "constant step has no value")
		}
		return numericOutcome(*step.ConstantValue), nil
	case StepFactor:
		return evalFactor(step, resolved)
	case StepTableLookup:
		v, key, evalErr := ResolveLookup(step, resolved, ctx)
		if evalErr != nil {
			return nil, evalErr
		}
		out := numericOutcome(v)
		out.lookupKey = key
		return out, nil
	case StepExpression:
		if expr == nil {
			return nil, stepErr(step, EvalErrInvalidExpression, "expression step has no compiled program")
		}
		v, evalErr := expr.Evaluate(step.ID, resolved)
		if evalErr != nil {
			return nil, evalErr
		}
		return numericOutcome(v), nil
	case StepMinMax:
		return evalMinMax(step, resolved)
	case StepFee:
		return evalFee(step, resolved)
	case StepConditional:
		return evalConditional(step, resolved)
	default:
		return nil, stepErr(step, EvalErrInvalidValue, fmt.Sprintf("unknown step type %q", step.Type))
	}
}

func numericOutcome(v decimal.Decimal) *stepOutcome {
	return &stepOutcome{raw: v, numeric: true}
}

func stepErr(step *RatingStep, code EvaluationErrorCode, msg string) *EvaluationError {
	return &EvaluationError{Code: code, StepID: step.ID, FieldCode: step.OutputFieldCode, Message: msg}
}

// evalInput passes the named context input through verbatim. A missing
// input falls back to the step default; no default is an error.
func evalInput(step *RatingStep, ctx *EvaluationContext) (*stepOutcome, *EvaluationError) {
	v, ok := ctx.Inputs[step.OutputFieldCode]
	if !ok {
		if step.DefaultValue != nil {
			return numericOutcome(*step.DefaultValue), nil
		}
		return nil, stepErr(step, EvalErrMissingInput,
			fmt.Sprintf("context input %q is absent and the step has no default", step.OutputFieldCode))
	}
	if d, err := toDecimal(v); err == nil {
		return numericOutcome(d), nil
	}
	return &stepOutcome{passThru: v}, nil
}

// evalFactor multiplies the factor against the accumulated value of the
// step's output field. When the field has no value yet, the base is the
// product of the step's declared inputs, or 1 with no inputs at all.
func evalFactor(step *RatingStep, resolved map[string]any) (*stepOutcome, *EvaluationError) {
	base := decimal.NewFromInt(1)
	switch {
	case hasValue(resolved, step.OutputFieldCode):
		b, evalErr := resolveDecimal(step, resolved, step.OutputFieldCode)
		if evalErr != nil {
			return nil, evalErr
		}
		base = b
	case len(step.Inputs) > 0:
		base = decimal.NewFromInt(1)
		for _, code := range step.Inputs {
			v, evalErr := resolveDecimal(step, resolved, code)
			if evalErr != nil {
				return nil, evalErr
			}
			base = base.Mul(v)
		}
	}

	if step.FactorValue != nil {
		return numericOutcome(base.Mul(*step.FactorValue)), nil
	}
	if step.FactorFieldCode != "" {
		f, evalErr := resolveDecimal(step, resolved, step.FactorFieldCode)
		if evalErr != nil {
			return nil, evalErr
		}
		return numericOutcome(base.Mul(f)), nil
	}
	return numericOutcome(base), nil
}

// evalMinMax clamps the current value of the output field (or the first
// declared input when the field has no value yet) between the configured
// bounds.
func evalMinMax(step *RatingStep, resolved map[string]any) (*stepOutcome, *EvaluationError) {
	var base decimal.Decimal
	switch {
	case hasValue(resolved, step.OutputFieldCode):
		b, evalErr := resolveDecimal(step, resolved, step.OutputFieldCode)
		if evalErr != nil {
			return nil, evalErr
		}
		base = b
	case len(step.Inputs) > 0:
		b, evalErr := resolveDecimal(step, resolved, step.Inputs[0])
		if evalErr != nil {
			return nil, evalErr
		}
		base = b
	default:
		return nil, stepErr(step, EvalErrMissingInput, "minmax step has no value to clamp")
	}

	lower, evalErr := optionalBound(step, resolved, step.MinValue, step.MinFieldCode)
	if evalErr != nil {
		return nil, evalErr
	}
	if lower != nil && base.LessThan(*lower) {
		base = *lower
	}
	upper, evalErr := optionalBound(step, resolved, step.MaxValue, step.MaxFieldCode)
	if evalErr != nil {
		return nil, evalErr
	}
	if upper != nil && base.GreaterThan(*upper) {
		base = *upper
	}
	return numericOutcome(base), nil
}

// optionalBound resolves a clamp bound from a literal or a field
// reference; both absent means the bound is not applied.
func optionalBound(step *RatingStep, resolved map[string]any, literal *decimal.Decimal, fieldCode string) (*decimal.Decimal, *EvaluationError) {
	if literal != nil {
		return literal, nil
	}
	if fieldCode == "" {
		return nil, nil
	}
	v, evalErr := resolveDecimal(step, resolved, fieldCode)
	if evalErr != nil {
		return nil, evalErr
	}
	return &v, nil
}

// evalFee adds a fixed or field-referenced amount to the accumulated value
// of the output field, or to the sum of the declared inputs.
func evalFee(step *RatingStep, resolved map[string]any) (*stepOutcome, *EvaluationError) {
	base := decimal.Zero
	switch {
	case hasValue(resolved, step.OutputFieldCode):
		b, evalErr := resolveDecimal(step, resolved, step.OutputFieldCode)
		if evalErr != nil {
			return nil, evalErr
		}
		base = b
	case len(step.Inputs) > 0:
		for _, code := range step.Inputs {
			v, evalErr := resolveDecimal(step, resolved, code)
			if evalErr != nil {
				return nil, evalErr
			}
			base = base.Add(v)
		}
	}

	if step.FeeAmount != nil {
		return numericOutcome(base.Add(*step.FeeAmount)), nil
	}
	if step.FeeFieldCode != "" {
		amount, evalErr := resolveDecimal(step, resolved, step.FeeFieldCode)
		if evalErr != nil {
			return nil, evalErr
		}
		return numericOutcome(base.Add(amount)), nil
	}
	return numericOutcome(base), nil
}

// evalConditional evaluates the step's condition and picks the then or
// else value.
func evalConditional(step *RatingStep, resolved map[string]any) (*stepOutcome, *EvaluationError) {
	if step.Condition == nil {
		return nil, stepErr(step, EvalErrInvalidValue, "conditional step has no condition")
	}
	matched, evalErr := evalCondition(step, step.Condition, resolved)
	if evalErr != nil {
		return nil, evalErr
	}

	chosen := step.ElseValue
	if matched {
		chosen = step.ThenValue
	}
	if chosen == nil {
		branch := "else"
		if matched {
			branch = "then"
		}
		return nil, stepErr(step, EvalErrInvalidValue, fmt.Sprintf("conditional step has no %s value", branch))
	}
	return numericOutcome(*chosen), nil
}

func evalCondition(step *RatingStep, cond *Condition, resolved map[string]any) (bool, *EvaluationError) {
	actual, ok := resolved[cond.FieldCode]
	if !ok {
		return false, stepErr(step, EvalErrMissingInput,
			fmt.Sprintf("condition field %q is not resolved", cond.FieldCode))
	}

	switch cond.Operator {
	case OpEq:
		return valuesEqual(actual, cond.Value), nil
	case OpNe:
		return !valuesEqual(actual, cond.Value), nil
	case OpIn, OpNotIn:
		found := false
		for _, candidate := range cond.Values {
			if valuesEqual(actual, candidate) {
				found = true
				break
			}
		}
		if cond.Operator == OpIn {
			return found, nil
		}
		return !found, nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, err := compareNumeric(actual, cond.Value)
		if err != nil {
			return false, stepErr(step, EvalErrInvalidValue, err.Error())
		}
		switch cond.Operator {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpBetween:
		lo, err := compareNumeric(actual, cond.Value)
		if err != nil {
			return false, stepErr(step, EvalErrInvalidValue, err.Error())
		}
		hi, err := compareNumeric(actual, cond.SecondValue)
		if err != nil {
			return false, stepErr(step, EvalErrInvalidValue, err.Error())
		}
		return lo >= 0 && hi <= 0, nil
	default:
		return false, stepErr(step, EvalErrInvalidValue,
			fmt.Sprintf("unknown condition operator %q", cond.Operator))
	}
}

// valuesEqual compares numerically when both sides are numeric, otherwise
// by key-string rendering (state codes, class codes).
func valuesEqual(a, b any) bool {
	da, errA := toDecimal(a)
	db, errB := toDecimal(b)
	if errA == nil && errB == nil {
		return da.Equal(db)
	}
	return toKeyString(a) == toKeyString(b)
}

func compareNumeric(a, b any) (int, error) {
	da, err := toDecimal(a)
	if err != nil {
		return 0, fmt.Errorf("condition operand %v is not numeric", a)
	}
	db, err := toDecimal(b)
	if err != nil {
		return 0, fmt.Errorf("condition operand %v is not numeric", b)
	}
	return da.Cmp(db), nil
}

func hasValue(resolved map[string]any, code string) bool {
	_, ok := resolved[code]
	return ok
}

func resolveDecimal(step *RatingStep, resolved map[string]any, code string) (decimal.Decimal, *EvaluationError) {
	v, ok := resolved[code]
	if !ok {
		return decimal.Zero, stepErr(step, EvalErrMissingInput,
			fmt.Sprintf("required input %q is not resolved", code))
	}
	d, err := toDecimal(v)
	if err != nil {
		return decimal.Zero, stepErr(step, EvalErrInvalidValue,
			fmt.Sprintf("input %q: %v", code, err))
	}
	return d, nil
}
