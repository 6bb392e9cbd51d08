package usdc

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestParseMinor_Valid(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1", "1"},
		{"1000000", "1000000"},
		{"000250", "250"},
		{"340282366920938463463374607431768211456", "340282366920938463463374607431768211456"},
	}
	for _, tt := range tests {
		got, err := ParseMinor(tt.in)
		if err != nil {
			t.Errorf("ParseMinor(%q) error: %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseMinor(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseMinor_Invalid(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrEmpty},
		{"0", ErrNotPositive},
		{"000", ErrNotPositive},
		{"1.5", ErrNotInteger},
		{"-5", ErrNotInteger},
		{"+5", ErrNotInteger},
		{"1e6", ErrNotInteger},
		{" 10", ErrNotInteger},
		{"abc", ErrNotInteger},
		{"1" + strings.Repeat("0", 80), ErrOutOfRange},
	}
	for _, tt := range tests {
		_, err := ParseMinor(tt.in)
		if !errors.Is(err, tt.want) {
			t.Errorf("ParseMinor(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestMinorInt64(t *testing.T) {
	v, err := MinorInt64("1000000")
	if err != nil || v != 1_000_000 {
		t.Fatalf("MinorInt64 = %d, %v", v, err)
	}
	if _, err := MinorInt64("9223372036854775808"); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   *big.Int
		want string
	}{
		{nil, "0.000000"},
		{big.NewInt(0), "0.000000"},
		{big.NewInt(1), "0.000001"},
		{big.NewInt(1_500_000), "1.500000"},
		{big.NewInt(-250_000), "-0.250000"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatMinor(t *testing.T) {
	if got := FormatMinor("1000000"); got != "1.000000" {
		t.Errorf("FormatMinor = %q", got)
	}
	if got := FormatMinor("oops"); got != "oops" {
		t.Errorf("FormatMinor(invalid) = %q", got)
	}
}
