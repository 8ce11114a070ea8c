package rating

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Determinism hashing. StepsHash is computed once, at publish time, over a
// canonical serialization of the step list: id-sorted, fixed field order,
// pipe-delimited. Only behavioral fields participate, so two versions with
// equal hashes are behaviorally identical even if their display names
// differ. ResultHash is computed per evaluation over the key-sorted
// output map.

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ComputeStepsHash returns the content hash of a step set.
func ComputeStepsHash(steps []RatingStep) string {
	sorted := append([]RatingStep(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	for i := range sorted {
		b.WriteString(canonicalStep(&sorted[i]))
		b.WriteByte('\n')
	}
	return hashString(b.String())
}

// ComputeResultHash returns the content hash of an evaluation's outputs.
func ComputeResultHash(outputs map[string]decimal.Decimal) string {
	codes := make([]string, 0, len(outputs))
	for code := range outputs {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		parts = append(parts, code+"="+outputs[code].String())
	}
	return hashString(strings.Join(parts, ";"))
}

func canonicalStep(s *RatingStep) string {
	fields := []string{
		s.ID,
		strconv.Itoa(s.Order),
		string(s.Type),
		s.OutputFieldCode,
		strings.Join(s.Inputs, ","),
		strconv.FormatBool(s.Enabled),
		decStr(s.DefaultValue),
		decStr(s.ConstantValue),
		decStr(s.FactorValue),
		s.FactorFieldCode,
		s.TableVersionID,
		strings.Join(s.LookupDimensions, ","),
		s.Expression,
		decStr(s.MinValue),
		s.MinFieldCode,
		decStr(s.MaxValue),
		s.MaxFieldCode,
		decStr(s.FeeAmount),
		s.FeeFieldCode,
		canonicalCondition(s.Condition),
		decStr(s.ThenValue),
		decStr(s.ElseValue),
		string(s.Rounding),
		strconv.FormatInt(int64(s.Precision), 10),
		strconv.FormatBool(s.AllStates),
		strings.Join(s.States, ","),
	}
	return strings.Join(fields, "|")
}

func canonicalCondition(c *Condition) string {
	if c == nil {
		return ""
	}
	values := make([]string, 0, len(c.Values))
	for _, v := range c.Values {
		values = append(values, toKeyString(v))
	}
	return strings.Join([]string{
		c.FieldCode,
		string(c.Operator),
		toKeyString(c.Value),
		toKeyString(c.SecondValue),
		strings.Join(values, ","),
	}, "~")
}

func decStr(v *decimal.Decimal) string {
	if v == nil {
		return ""
	}
	return v.String()
}
