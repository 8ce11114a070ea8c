package rating

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LookupKeySeparator joins dimension values into a composite table key.
// It is part of the table contract and must never change for published
// versions.
const LookupKeySeparator = "|"

// BuildLookupKey concatenates the resolved value of each dimension field,
// in declared dimension order, into a composite key.
func BuildLookupKey(dimensions []string, resolved map[string]any) (string, error) {
	parts := make([]string, 0, len(dimensions))
	for _, fieldCode := range dimensions {
		v, ok := resolved[fieldCode]
		if !ok {
			return "", fmt.Errorf("dimension field %q is not resolved", fieldCode)
		}
		parts = append(parts, toKeyString(v))
	}
	return strings.Join(parts, LookupKeySeparator), nil
}

// ResolveLookup builds the composite key for a tableLookup step and
// resolves it against the table snapshot in the context. A key miss falls
// back to the table's configured default; a miss with no default is an
// evaluation error.
func ResolveLookup(step *RatingStep, resolved map[string]any, ctx *EvaluationContext) (decimal.Decimal, string, *EvaluationError) {
	table, ok := ctx.Tables[step.TableVersionID]
	if !ok || table == nil {
		return decimal.Zero, "", &EvaluationError{
			Code:      EvalErrTableNotFound,
			StepID:    step.ID,
			FieldCode: step.OutputFieldCode,
			Message:   fmt.Sprintf("table version %s is not present in the evaluation context", step.TableVersionID),
		}
	}

	key, err := BuildLookupKey(step.LookupDimensions, resolved)
	if err != nil {
		return decimal.Zero, "", &EvaluationError{
			Code:      EvalErrMissingInput,
			StepID:    step.ID,
			FieldCode: step.OutputFieldCode,
			Message:   err.Error(),
		}
	}

	if v, ok := table.Entries[key]; ok {
		return v, key, nil
	}
	if table.DefaultValue != nil {
		return *table.DefaultValue, key, nil
	}
	return decimal.Zero, key, &EvaluationError{
		Code:      EvalErrTableKeyNotFound,
		StepID:    step.ID,
		FieldCode: step.OutputFieldCode,
		Message:   fmt.Sprintf("key %q not found in table %s and no default is configured", key, step.TableVersionID),
	}
}
