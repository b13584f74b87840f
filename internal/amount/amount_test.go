package amount

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCurrency(t *testing.T) {
	code, err := NormalizeCurrency(" usd ")
	require.NoError(t, err)
	require.Equal(t, "USD", code)

	_, err = NormalizeCurrency("XXXX")
	require.ErrorIs(t, err, ErrUnknownCurrency)

	_, err = NormalizeCurrency("ZZZ")
	require.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestToMinor(t *testing.T) {
	minor, err := ParseMajor("12.50", "USD")
	require.NoError(t, err)
	require.Equal(t, int64(1250), minor)

	minor, err = ParseMajor("500", "JPY")
	require.NoError(t, err)
	require.Equal(t, int64(500), minor)

	_, err = ParseMajor("1.005", "USD")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseMajor("abc", "USD")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFromMinor(t *testing.T) {
	d, err := FromMinor(1250, "USD")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.RequireFromString("12.5")))

	require.Equal(t, "$12.50", Format(1250, "usd"))
}
