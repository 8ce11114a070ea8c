package rating

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// The regression harness replays recorded test cases against a version and
// compares actual outputs to expected outputs within the case's tolerance.
// It is the mechanism by which a rate program change is certified not to
// have altered premiums for a fixed input set.

// RunTestCase reconstructs the evaluation context from a test case, runs
// the evaluation, and reports per-field differences. Comparison is by
// absolute difference against the case's tolerance; an unset tolerance
// means strict equality.
func (e *Engine) RunTestCase(tc *RatingTestCase) (*TestRunResult, error) {
	ctx := &EvaluationContext{
		Inputs:        tc.Inputs,
		State:         tc.State,
		EffectiveDate: tc.EffectiveDate,
		Tables:        tc.Tables,
	}

	evalResult, err := e.Evaluate(tc.RateProgramVersionID, ctx)
	if err != nil {
		return nil, fmt.Errorf("test case %s: %w", tc.ID, err)
	}

	run := &TestRunResult{
		TestCaseID: tc.ID,
		Result:     evalResult,
		RanAt:      time.Now(),
	}

	if !evalResult.Success {
		run.Passed = false
		return run, nil
	}

	expected := make(map[string]decimal.Decimal, len(tc.ExpectedOutputs)+1)
	for code, v := range tc.ExpectedOutputs {
		expected[code] = v
	}
	if tc.ExpectedPremium != nil {
		if evalResult.FinalPremium == nil {
			run.Differences = append(run.Differences, TestDifference{
				FieldCode: "finalPremium",
				Expected:  *tc.ExpectedPremium,
			})
		} else {
			if diff := compareField("finalPremium", *tc.ExpectedPremium, *evalResult.FinalPremium, tc.Tolerance); diff != nil {
				run.Differences = append(run.Differences, *diff)
			}
		}
	}

	codes := make([]string, 0, len(expected))
	for code := range expected {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		want := expected[code]
		actual, ok := evalResult.Outputs[code]
		if !ok {
			run.Differences = append(run.Differences, TestDifference{
				FieldCode: code,
				Expected:  want,
			})
			continue
		}
		if diff := compareField(code, want, actual, tc.Tolerance); diff != nil {
			run.Differences = append(run.Differences, *diff)
		}
	}

	run.Passed = len(run.Differences) == 0
	return run, nil
}

// RunTestSuite replays every stored test case of a version.
func (e *Engine) RunTestSuite(store TestCaseStore, versionID string) ([]*TestRunResult, error) {
	cases, err := store.ListForVersion(versionID)
	if err != nil {
		return nil, err
	}

	sort.Slice(cases, func(i, j int) bool { return cases[i].ID < cases[j].ID })

	results := make([]*TestRunResult, 0, len(cases))
	for _, tc := range cases {
		run, err := e.RunTestCase(tc)
		if err != nil {
			return nil, err
		}
		results = append(results, run)
	}
	return results, nil
}

// compareField returns nil when actual matches expected within tolerance.
func compareField(code string, expected, actual decimal.Decimal, tolerance *decimal.Decimal) *TestDifference {
	difference := actual.Sub(expected).Abs()

	within := difference.IsZero()
	if tolerance != nil {
		within = difference.LessThanOrEqual(*tolerance)
	}
	if within {
		return nil
	}

	return &TestDifference{
		FieldCode:       code,
		Expected:        expected,
		Actual:          &actual,
		Difference:      &difference,
		WithinTolerance: false,
	}
}
