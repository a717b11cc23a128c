package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies the processor reports without a minor unit.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

func normalizeCurrency(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency))
}

func currencyExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[normalizeCurrency(currency)]; ok {
		return 0
	}
	return 2
}

// ToMajorUnits converts a processor amount in minor units (cents) into the
// decimal major-unit value stored in the ledger. The conversion is exact.
func ToMajorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -currencyExponent(currency))
}

// ToMinorUnits converts a ledger amount back into processor minor units.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(currencyExponent(currency)).Round(0).IntPart()
}
