package rating

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var half = decimal.New(5, -1)

// Round applies a rounding mode to value at the given decimal precision.
// The pre-rounding value is the caller's to keep for the trace.
func Round(value decimal.Decimal, mode RoundingMode, precision int32) (decimal.Decimal, error) {
	switch mode {
	case RoundNone, "":
		return value, nil
	case RoundUp:
		return value.RoundCeil(precision), nil
	case RoundDown:
		return value.RoundFloor(precision), nil
	case RoundNearest:
		// Round half up: shift into integer space, add 0.5, floor.
		return value.Shift(precision).Add(half).Floor().Shift(-precision), nil
	case RoundBankers:
		return value.RoundBank(precision), nil
	case RoundTruncate:
		return value.Truncate(precision), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown rounding mode %q", mode)
	}
}

// ValidRoundingMode reports whether mode is one of the supported modes.
func ValidRoundingMode(mode RoundingMode) bool {
	switch mode {
	case RoundNone, RoundUp, RoundDown, RoundNearest, RoundBankers, RoundTruncate, "":
		return true
	}
	return false
}
