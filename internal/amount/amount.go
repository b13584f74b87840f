// Package amount converts between major-unit decimals and the int64 minor
// units stored by the ledger.
package amount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownCurrency is returned for codes that are not ISO-4217.
	ErrUnknownCurrency = errors.New("unknown currency")

	// ErrInvalidAmount is returned when a value cannot be represented in minor units.
	ErrInvalidAmount = errors.New("invalid amount")
)

// NormalizeCurrency upper-cases and validates an ISO-4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	c := money.GetCurrency(code)
	if c == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c.Code, nil
}

// Fraction returns the number of minor-unit digits for the currency.
func Fraction(currency string) (int, error) {
	c := money.GetCurrency(strings.ToUpper(currency))
	if c == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	return c.Fraction, nil
}

// ToMinor converts a major-unit decimal into minor units. Values with more
// precision than the currency allows are rejected rather than rounded.
func ToMinor(major decimal.Decimal, currency string) (int64, error) {
	fraction, err := Fraction(currency)
	if err != nil {
		return 0, err
	}
	minor := major.Shift(int32(fraction))
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, major, fraction)
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, major)
	}
	return minor.IntPart(), nil
}

// ParseMajor parses a string such as "12.50" into minor units.
func ParseMajor(value, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return ToMinor(d, currency)
}

// FromMinor converts minor units back into a major-unit decimal.
func FromMinor(minor int64, currency string) (decimal.Decimal, error) {
	fraction, err := Fraction(currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.New(minor, -int32(fraction)), nil
}

// Format renders minor units for display, e.g. "$12.50".
func Format(minor int64, currency string) string {
	return money.New(minor, strings.ToUpper(currency)).Display()
}
