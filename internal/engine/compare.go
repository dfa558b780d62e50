package engine

import (
	"math"

	"condor/internal/policy"

	"github.com/shopspring/decimal"
)

// Threshold comparisons go through decimal so that float noise around the
// configured level cannot flap a verdict.

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }
func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGT(a, b float64) bool  { return decimalCompare(a, b) > 0 }
func decimalLT(a, b float64) bool  { return decimalCompare(a, b) < 0 }

// compareOp applies a LEVEL operator.
func compareOp(value, threshold float64, op policy.Operator) bool {
	if op == policy.OpLTE {
		return decimalLTE(value, threshold)
	}
	return decimalGTE(value, threshold)
}
