package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToMajorUnits(t *testing.T) {
	tests := []struct {
		minor    int64
		currency string
		want     string
	}{
		{15000, "usd", "150.00"},
		{1999, "EUR", "19.99"},
		{1, "usd", "0.01"},
		{0, "usd", "0.00"},
		{-250, "usd", "-2.50"},
		{500, "jpy", "500.00"},
		{12345, "KRW", "12345.00"},
	}
	for _, tt := range tests {
		got := ToMajorUnits(tt.minor, tt.currency)
		assert.Equal(t, tt.want, got.StringFixed(2), "%d %s", tt.minor, tt.currency)
	}
}

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(15000), ToMinorUnits(decimal.RequireFromString("150"), "usd"))
	assert.Equal(t, int64(1999), ToMinorUnits(decimal.RequireFromString("19.99"), "eur"))
	assert.Equal(t, int64(500), ToMinorUnits(decimal.RequireFromString("500"), "jpy"))
	assert.Equal(t, int64(1), ToMinorUnits(decimal.RequireFromString("0.005"), "usd"))
}

func TestToMajorUnits_IsExact(t *testing.T) {
	// 0.1 + 0.2 style drift must not appear when summing converted amounts.
	sum := ToMajorUnits(10, "usd").Add(ToMajorUnits(20, "usd"))
	assert.True(t, sum.Equal(decimal.RequireFromString("0.30")))
}
