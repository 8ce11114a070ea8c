package rating

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// toDecimal coerces a resolved field value to a decimal. Context inputs
// arrive as whatever the caller's JSON decoder produced, so the numeric
// shapes seen in practice are all accepted.
func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, fmt.Errorf("nil decimal")
		}
		return *n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	default:
		return decimal.Zero, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}

// toKeyString renders a resolved field value as a lookup-key segment.
// Numeric values use the canonical decimal rendering so the same number
// always produces the same key.
func toKeyString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case decimal.Decimal:
		return s.String()
	case *decimal.Decimal:
		if s == nil {
			return ""
		}
		return s.String()
	default:
		if d, err := toDecimal(v); err == nil {
			return d.String()
		}
		return fmt.Sprint(v)
	}
}
