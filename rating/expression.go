package rating

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"
)

// expressionCostLimit bounds the work a single expression evaluation may
// perform. Exceeding it fails the step with a TIMEOUT evaluation error
// instead of hanging the whole evaluation.
const expressionCostLimit = 1_000_000

// Expression steps use a closed arithmetic grammar: named field
// references, numeric literals, unary minus, and the binary operators
// + - * /. The source is parsed as CEL, then the AST is walked and any
// other construct (function calls, comparisons, strings, lists, macros)
// is rejected. Field references are declared as double variables, so
// literals are written with a decimal point (2.0, not 2).

// CompiledExpression is a validated, ready-to-evaluate expression program.
type CompiledExpression struct {
	Source string
	Inputs []string
	prog   cel.Program
}

// CompileExpression parses and type-checks source against the declared
// input field codes and restricts it to the arithmetic grammar. A failure
// here is the build-time INVALID_EXPRESSION condition.
func CompileExpression(source string, inputs []string) (*CompiledExpression, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	opts := make([]cel.EnvOption, 0, len(inputs))
	for _, code := range inputs {
		opts = append(opts, cel.Variable(code, cel.DoubleType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	if err := checkArithmeticOnly(ast.NativeRep().Expr()); err != nil {
		return nil, err
	}

	// Cost limit prevents resource exhaustion from pathological
	// expressions; the evaluator reports it as a timeout.
	prog, err := env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(expressionCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	return &CompiledExpression{Source: source, Inputs: inputs, prog: prog}, nil
}

// allowedOperators is the full operator set of the expression grammar.
var allowedOperators = map[string]bool{
	operators.Add:      true,
	operators.Subtract: true,
	operators.Multiply: true,
	operators.Divide:   true,
	operators.Negate:   true,
}

func checkArithmeticOnly(e celast.Expr) error {
	switch e.Kind() {
	case celast.IdentKind:
		return nil
	case celast.LiteralKind:
		v := e.AsLiteral()
		if v.Type() != types.DoubleType && v.Type() != types.IntType && v.Type() != types.UintType {
			return fmt.Errorf("literal of type %s is not allowed, only numeric literals", v.Type().TypeName())
		}
		return nil
	case celast.CallKind:
		call := e.AsCall()
		if !allowedOperators[call.FunctionName()] {
			return fmt.Errorf("operation %q is not allowed, only + - * / and unary minus", call.FunctionName())
		}
		for _, arg := range call.Args() {
			if err := checkArithmeticOnly(arg); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("construct is not allowed in rating expressions, only field references, numeric literals, and arithmetic")
	}
}

// Evaluate runs the compiled expression against resolved field values.
// Operands cross the decimal/double boundary here; the trace keeps the
// expression text so the conversion is auditable.
func (ce *CompiledExpression) Evaluate(stepID string, resolved map[string]any) (decimal.Decimal, *EvaluationError) {
	args := make(map[string]any, len(ce.Inputs))
	for _, code := range ce.Inputs {
		v, ok := resolved[code]
		if !ok {
			return decimal.Zero, &EvaluationError{
				Code:      EvalErrMissingInput,
				StepID:    stepID,
				FieldCode: code,
				Message:   fmt.Sprintf("expression input %q is not resolved", code),
			}
		}
		d, err := toDecimal(v)
		if err != nil {
			return decimal.Zero, &EvaluationError{
				Code:      EvalErrInvalidValue,
				StepID:    stepID,
				FieldCode: code,
				Message:   err.Error(),
			}
		}
		args[code] = d.InexactFloat64()
	}

	out, _, err := ce.prog.Eval(args)
	if err != nil {
		code := EvalErrInvalidExpression
		if strings.Contains(err.Error(), "cost limit") {
			code = EvalErrTimeout
		}
		return decimal.Zero, &EvaluationError{
			Code:    code,
			StepID:  stepID,
			Message: fmt.Sprintf("expression %q failed: %v", ce.Source, err),
		}
	}

	switch n := out.Value().(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case uint64:
		return decimal.NewFromUint64(n), nil
	default:
		return decimal.Zero, &EvaluationError{
			Code:    EvalErrInvalidExpression,
			StepID:  stepID,
			Message: fmt.Sprintf("expression %q produced non-numeric result %v", ce.Source, out.Value()),
		}
	}
}
