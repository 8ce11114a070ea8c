package rating

import (
	"testing"

	"github.com/shopspring/decimal"
)

func mustOutcome(t *testing.T, step *RatingStep, resolved map[string]any, ctx *EvaluationContext) decimal.Decimal {
	t.Helper()
	if ctx == nil {
		ctx = &EvaluationContext{}
	}
	outcome, evalErr := evaluateStep(step, resolved, ctx, nil)
	if evalErr != nil {
		t.Fatalf("evaluateStep(%s) failed: %v", step.ID, evalErr)
	}
	if !outcome.numeric {
		t.Fatalf("evaluateStep(%s) produced a non-numeric outcome", step.ID)
	}
	return outcome.raw
}

func TestInputStepPassThrough(t *testing.T) {
	step := &RatingStep{ID: "s-1", Type: StepInput, OutputFieldCode: "driverAge"}
	ctx := &EvaluationContext{Inputs: map[string]any{"driverAge": 42}}

	got := mustOutcome(t, step, map[string]any{}, ctx)
	if !got.Equal(decimal.NewFromInt(42)) {
		t.Errorf("input step = %s, want 42", got)
	}
}

func TestInputStepStringPassThrough(t *testing.T) {
	step := &RatingStep{ID: "s-1", Type: StepInput, OutputFieldCode: "vehicleClass"}
	ctx := &EvaluationContext{Inputs: map[string]any{"vehicleClass": "sedan"}}

	outcome, evalErr := evaluateStep(step, map[string]any{}, ctx, nil)
	if evalErr != nil {
		t.Fatalf("evaluateStep() failed: %v", evalErr)
	}
	if outcome.numeric {
		t.Fatal("string context value should pass through as non-numeric")
	}
	if outcome.passThru != "sedan" {
		t.Errorf("passThru = %v, want sedan", outcome.passThru)
	}
}

func TestInputStepDefaultAndMissing(t *testing.T) {
	withDefault := &RatingStep{ID: "s-1", Type: StepInput, OutputFieldCode: "deductible", DefaultValue: dec("500")}
	got := mustOutcome(t, withDefault, map[string]any{}, &EvaluationContext{Inputs: map[string]any{}})
	if !got.Equal(decimal.NewFromInt(500)) {
		t.Errorf("default = %s, want 500", got)
	}

	noDefault := &RatingStep{ID: "s-2", Type: StepInput, OutputFieldCode: "deductible"}
	_, evalErr := evaluateStep(noDefault, map[string]any{}, &EvaluationContext{Inputs: map[string]any{}}, nil)
	if evalErr == nil {
		t.Fatal("input step without default should fail on a missing context input")
	}
	if evalErr.Code != EvalErrMissingInput {
		t.Errorf("error code = %s, want %s", evalErr.Code, EvalErrMissingInput)
	}
}

func TestFactorStep(t *testing.T) {
	t.Run("multiplies declared inputs on first write", func(t *testing.T) {
		step := &RatingStep{
			ID: "s-1", Type: StepFactor, OutputFieldCode: "premium",
			Inputs: []string{"baseRate", "territoryFactor"},
		}
		resolved := map[string]any{
			"baseRate":        decimal.NewFromInt(500),
			"territoryFactor": decimal.RequireFromString("1.2"),
		}
		got := mustOutcome(t, step, resolved, nil)
		if !got.Equal(decimal.NewFromInt(600)) {
			t.Errorf("factor = %s, want 600", got)
		}
	})

	t.Run("multiplies accumulated output value", func(t *testing.T) {
		step := &RatingStep{
			ID: "s-1", Type: StepFactor, OutputFieldCode: "premium",
			FactorValue: dec("1.1"),
		}
		resolved := map[string]any{"premium": decimal.NewFromInt(600)}
		got := mustOutcome(t, step, resolved, nil)
		if !got.Equal(decimal.NewFromInt(660)) {
			t.Errorf("factor = %s, want 660", got)
		}
	})

	t.Run("factor from field reference", func(t *testing.T) {
		step := &RatingStep{
			ID: "s-1", Type: StepFactor, OutputFieldCode: "premium",
			Inputs: []string{"baseRate"}, FactorFieldCode: "credit",
		}
		resolved := map[string]any{
			"baseRate": decimal.NewFromInt(200),
			"credit":   decimal.RequireFromString("0.9"),
		}
		got := mustOutcome(t, step, resolved, nil)
		if !got.Equal(decimal.NewFromInt(180)) {
			t.Errorf("factor = %s, want 180", got)
		}
	})
}

func TestTableLookupStep(t *testing.T) {
	table := &TableSnapshot{
		TableVersionID: "tv-1",
		Entries: map[string]decimal.Decimal{
			"NY|sedan": decimal.RequireFromString("1.2"),
			"CA|sedan": decimal.RequireFromString("1.0"),
		},
	}
	ctx := &EvaluationContext{Tables: map[string]*TableSnapshot{"tv-1": table}}
	step := &RatingStep{
		ID: "s-1", Type: StepTableLookup, OutputFieldCode: "territoryFactor",
		TableVersionID: "tv-1", LookupDimensions: []string{"state", "vehicleClass"},
	}

	t.Run("key hit", func(t *testing.T) {
		resolved := map[string]any{"state": "NY", "vehicleClass": "sedan"}
		outcome, evalErr := evaluateStep(step, resolved, ctx, nil)
		if evalErr != nil {
			t.Fatalf("evaluateStep() failed: %v", evalErr)
		}
		if !outcome.raw.Equal(decimal.RequireFromString("1.2")) {
			t.Errorf("lookup = %s, want 1.2", outcome.raw)
		}
		if outcome.lookupKey != "NY|sedan" {
			t.Errorf("lookup key = %q, want NY|sedan", outcome.lookupKey)
		}
	})

	t.Run("key miss without default fails", func(t *testing.T) {
		resolved := map[string]any{"state": "TX", "vehicleClass": "sedan"}
		_, evalErr := evaluateStep(step, resolved, ctx, nil)
		if evalErr == nil {
			t.Fatal("lookup should fail on a key miss with no default")
		}
		if evalErr.Code != EvalErrTableKeyNotFound {
			t.Errorf("error code = %s, want %s", evalErr.Code, EvalErrTableKeyNotFound)
		}
	})

	t.Run("key miss falls back to default", func(t *testing.T) {
		withDefault := &TableSnapshot{
			TableVersionID: "tv-2",
			Entries:        map[string]decimal.Decimal{"NY|sedan": decimal.RequireFromString("1.2")},
			DefaultValue:   dec("1.0"),
		}
		defCtx := &EvaluationContext{Tables: map[string]*TableSnapshot{"tv-2": withDefault}}
		defStep := &RatingStep{
			ID: "s-1", Type: StepTableLookup, OutputFieldCode: "territoryFactor",
			TableVersionID: "tv-2", LookupDimensions: []string{"state", "vehicleClass"},
		}
		resolved := map[string]any{"state": "TX", "vehicleClass": "coupe"}
		got := mustOutcome(t, defStep, resolved, defCtx)
		if !got.Equal(decimal.NewFromInt(1)) {
			t.Errorf("lookup default = %s, want 1.0", got)
		}
	})

	t.Run("absent table fails", func(t *testing.T) {
		missing := &RatingStep{
			ID: "s-1", Type: StepTableLookup, OutputFieldCode: "territoryFactor",
			TableVersionID: "tv-absent", LookupDimensions: []string{"state"},
		}
		resolved := map[string]any{"state": "NY"}
		_, evalErr := evaluateStep(missing, resolved, ctx, nil)
		if evalErr == nil {
			t.Fatal("lookup should fail when the table snapshot is absent")
		}
		if evalErr.Code != EvalErrTableNotFound {
			t.Errorf("error code = %s, want %s", evalErr.Code, EvalErrTableNotFound)
		}
	})
}

func TestMinMaxStep(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		min   *decimal.Decimal
		max   *decimal.Decimal
		want  string
	}{
		{"clamps below minimum", "40", dec("50"), dec("1000"), "50"},
		{"clamps above maximum", "1500", dec("50"), dec("1000"), "1000"},
		{"inside range untouched", "600", dec("50"), dec("1000"), "600"},
		{"only min", "40", dec("50"), nil, "50"},
		{"only max", "1500", nil, dec("1000"), "1000"},
		{"no bounds", "600", nil, nil, "600"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			step := &RatingStep{
				ID: "s-1", Type: StepMinMax, OutputFieldCode: "premium",
				MinValue: tc.min, MaxValue: tc.max,
			}
			resolved := map[string]any{"premium": decimal.RequireFromString(tc.value)}
			got := mustOutcome(t, step, resolved, nil)
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Errorf("minmax(%s) = %s, want %s", tc.value, got, tc.want)
			}
		})
	}
}

func TestMinMaxStepFieldBounds(t *testing.T) {
	step := &RatingStep{
		ID: "s-1", Type: StepMinMax, OutputFieldCode: "cappedPremium",
		Inputs: []string{"premium"}, MinFieldCode: "minimumPremium",
	}
	resolved := map[string]any{
		"premium":        decimal.NewFromInt(40),
		"minimumPremium": decimal.NewFromInt(100),
	}
	got := mustOutcome(t, step, resolved, nil)
	if !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("minmax = %s, want 100", got)
	}
}

func TestFeeStep(t *testing.T) {
	t.Run("adds to accumulated value", func(t *testing.T) {
		step := &RatingStep{
			ID: "s-1", Type: StepFee, OutputFieldCode: "premium",
			FeeAmount: dec("25"),
		}
		resolved := map[string]any{"premium": decimal.NewFromInt(600)}
		got := mustOutcome(t, step, resolved, nil)
		if !got.Equal(decimal.NewFromInt(625)) {
			t.Errorf("fee = %s, want 625", got)
		}
	})

	t.Run("sums declared inputs", func(t *testing.T) {
		step := &RatingStep{
			ID: "s-1", Type: StepFee, OutputFieldCode: "totalPremium",
			Inputs: []string{"autoPremium", "homePremium"}, FeeAmount: dec("10"),
		}
		resolved := map[string]any{
			"autoPremium": decimal.NewFromInt(600),
			"homePremium": decimal.NewFromInt(300),
		}
		got := mustOutcome(t, step, resolved, nil)
		if !got.Equal(decimal.NewFromInt(910)) {
			t.Errorf("fee = %s, want 910", got)
		}
	})

	t.Run("field-referenced amount", func(t *testing.T) {
		step := &RatingStep{
			ID: "s-1", Type: StepFee, OutputFieldCode: "premium",
			FeeFieldCode: "policyFee",
		}
		resolved := map[string]any{
			"premium":   decimal.NewFromInt(600),
			"policyFee": decimal.NewFromInt(15),
		}
		got := mustOutcome(t, step, resolved, nil)
		if !got.Equal(decimal.NewFromInt(615)) {
			t.Errorf("fee = %s, want 615", got)
		}
	})
}

func TestConditionalStep(t *testing.T) {
	testCases := []struct {
		name     string
		cond     Condition
		resolved map[string]any
		want     string // "then" or "else"
	}{
		{"eq numeric match", Condition{FieldCode: "age", Operator: OpEq, Value: 25}, map[string]any{"age": decimal.NewFromInt(25)}, "then"},
		{"eq string match", Condition{FieldCode: "state", Operator: OpEq, Value: "NY"}, map[string]any{"state": "NY"}, "then"},
		{"ne", Condition{FieldCode: "age", Operator: OpNe, Value: 25}, map[string]any{"age": decimal.NewFromInt(30)}, "then"},
		{"gt true", Condition{FieldCode: "age", Operator: OpGt, Value: 21}, map[string]any{"age": decimal.NewFromInt(30)}, "then"},
		{"gt false", Condition{FieldCode: "age", Operator: OpGt, Value: 21}, map[string]any{"age": decimal.NewFromInt(21)}, "else"},
		{"gte boundary", Condition{FieldCode: "age", Operator: OpGte, Value: 21}, map[string]any{"age": decimal.NewFromInt(21)}, "then"},
		{"lt", Condition{FieldCode: "age", Operator: OpLt, Value: 21}, map[string]any{"age": decimal.NewFromInt(18)}, "then"},
		{"lte boundary", Condition{FieldCode: "age", Operator: OpLte, Value: 21}, map[string]any{"age": decimal.NewFromInt(21)}, "then"},
		{"in match", Condition{FieldCode: "state", Operator: OpIn, Values: []any{"NY", "CA"}}, map[string]any{"state": "CA"}, "then"},
		{"in miss", Condition{FieldCode: "state", Operator: OpIn, Values: []any{"NY", "CA"}}, map[string]any{"state": "TX"}, "else"},
		{"notIn", Condition{FieldCode: "state", Operator: OpNotIn, Values: []any{"NY"}}, map[string]any{"state": "TX"}, "then"},
		{"between inside", Condition{FieldCode: "age", Operator: OpBetween, Value: 18, SecondValue: 25}, map[string]any{"age": decimal.NewFromInt(21)}, "then"},
		{"between boundary", Condition{FieldCode: "age", Operator: OpBetween, Value: 18, SecondValue: 25}, map[string]any{"age": decimal.NewFromInt(18)}, "then"},
		{"between outside", Condition{FieldCode: "age", Operator: OpBetween, Value: 18, SecondValue: 25}, map[string]any{"age": decimal.NewFromInt(30)}, "else"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cond := tc.cond
			step := &RatingStep{
				ID: "s-1", Type: StepConditional, OutputFieldCode: "surcharge",
				Condition: &cond, ThenValue: dec("100"), ElseValue: dec("0"),
			}
			got := mustOutcome(t, step, tc.resolved, nil)
			want := decimal.NewFromInt(100)
			if tc.want == "else" {
				want = decimal.Zero
			}
			if !got.Equal(want) {
				t.Errorf("conditional = %s, want %s branch (%s)", got, tc.want, want)
			}
		})
	}
}

func TestConditionalStepErrors(t *testing.T) {
	t.Run("unresolved condition field", func(t *testing.T) {
		step := &RatingStep{
			ID: "s-1", Type: StepConditional, OutputFieldCode: "surcharge",
			Condition: &Condition{FieldCode: "age", Operator: OpGt, Value: 21},
			ThenValue: dec("100"), ElseValue: dec("0"),
		}
		_, evalErr := evaluateStep(step, map[string]any{}, &EvaluationContext{}, nil)
		if evalErr == nil || evalErr.Code != EvalErrMissingInput {
			t.Fatalf("expected MISSING_INPUT, got %v", evalErr)
		}
	})

	t.Run("missing branch value", func(t *testing.T) {
		step := &RatingStep{
			ID: "s-1", Type: StepConditional, OutputFieldCode: "surcharge",
			Condition: &Condition{FieldCode: "age", Operator: OpGt, Value: 21},
			ThenValue: dec("100"),
		}
		resolved := map[string]any{"age": decimal.NewFromInt(18)}
		_, evalErr := evaluateStep(step, resolved, &EvaluationContext{}, nil)
		if evalErr == nil || evalErr.Code != EvalErrInvalidValue {
			t.Fatalf("expected INVALID_VALUE for missing else branch, got %v", evalErr)
		}
	})
}

func TestConstantStep(t *testing.T) {
	step := &RatingStep{ID: "s-1", Type: StepConstant, OutputFieldCode: "baseRate", ConstantValue: dec("500")}
	got := mustOutcome(t, step, map[string]any{}, nil)
	if !got.Equal(decimal.NewFromInt(500)) {
		t.Errorf("constant = %s, want 500", got)
	}

	broken := &RatingStep{ID: "s-2", Type: StepConstant, OutputFieldCode: "baseRate"}
	if _, evalErr := evaluateStep(broken, map[string]any{}, &EvaluationContext{}, nil); evalErr == nil {
		t.Error("constant step without a value should fail")
	}
}
