// Package amount provides parsing and formatting for token amounts.
//
// All prices, budgets, and settlements are big.Int values in the smallest
// unit of the payment token (lamports, micro-USDC, ...). At every wire
// boundary amounts travel as plain decimal strings; nothing in the gateway
// ever does float math on money.
package amount

import (
	"math/big"
	"strings"
)

// Parse converts a decimal string of atomic units (e.g. "1500000") to a
// big.Int. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Fractional values are rejected (atomic units are integers)
//   - Leading zeros are tolerated
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}
	if strings.ContainsAny(s, ".eE") {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return v, true
}

// Format converts an atomic-unit big.Int to its decimal string form.
// A nil amount formats as "0".
func Format(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Clone returns a defensive copy of v (nil stays nil).
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// IsPositive reports whether v is non-nil and strictly greater than zero.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
