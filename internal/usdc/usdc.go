// Package usdc provides USDC amount parsing and formatting utilities.
//
// USDC uses 6 decimal places. Escrow amounts travel as decimal strings of
// the smallest unit (1 USDC = "1000000") and are never floating point.
package usdc

import (
	"errors"
	"math/big"
	"strings"
)

const Decimals = 6

var (
	ErrEmpty       = errors.New("amount is required")
	ErrNotInteger  = errors.New("amount must be a whole number of minor units")
	ErrNotPositive = errors.New("amount must be positive")
	ErrOutOfRange  = errors.New("amount out of range")
	maxMinorUnits  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// ParseMinor parses a positive integer amount of minor units ("1000000").
// Signs, decimal points, exponents and whitespace are rejected.
func ParseMinor(s string) (*big.Int, error) {
	if s == "" {
		return nil, ErrEmpty
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, ErrNotInteger
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrNotInteger
	}
	if v.Sign() == 0 {
		return nil, ErrNotPositive
	}
	if v.Cmp(maxMinorUnits) > 0 {
		return nil, ErrOutOfRange
	}
	return v, nil
}

// MinorInt64 parses s like ParseMinor and requires it to fit in an int64.
func MinorInt64(s string) (int64, error) {
	v, err := ParseMinor(s)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, ErrOutOfRange
	}
	return v.Int64(), nil
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// FormatMinor formats a minor-unit string for display, or returns it
// unchanged when it does not parse.
func FormatMinor(s string) string {
	v, err := ParseMinor(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return Format(v)
}
