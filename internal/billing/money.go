package billing

import (
	"errors"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var microsPerUnit = decimal.NewFromInt(1_000_000)

// ErrAmountOutOfRange means an amount does not fit in int64 micro-units.
var ErrAmountOutOfRange = errors.New("amount out of range")

var (
	maxMicros = decimal.NewFromInt(math.MaxInt64)
	minMicros = decimal.NewFromInt(math.MinInt64)
)

// ISO 4217 currencies whose minor unit is not cents.
var minorDigits = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "JOD": 3, "KWD": 3, "OMR": 3, "TND": 3,
}

// MinorDigits returns the number of decimal places of currency's minor unit.
func MinorDigits(currency string) int32 {
	if d, ok := minorDigits[strings.ToUpper(currency)]; ok {
		return d
	}
	return 2
}

// ToMicros converts an amount to micro-units, rounding half away from zero.
// Amounts that do not fit in int64 fail with ErrAmountOutOfRange.
func ToMicros(d decimal.Decimal) (int64, error) {
	m := d.Mul(microsPerUnit).Round(0)
	if m.GreaterThan(maxMicros) || m.LessThan(minMicros) {
		return 0, ErrAmountOutOfRange
	}
	return m.IntPart(), nil
}

// MicrosToDecimal converts micro-units back to an exact amount.
func MicrosToDecimal(micros int64) decimal.Decimal {
	return decimal.New(micros, -6)
}

// MicrosToMinor converts micro-units to the currency's smallest unit
// (cents for USD, yen for JPY), rounding half away from zero.
func MicrosToMinor(micros int64, currency string) int64 {
	return MicrosToDecimal(micros).Round(MinorDigits(currency)).Shift(MinorDigits(currency)).IntPart()
}

// FormatAmount renders micro-units in the currency's minor precision, e.g. "12.35 PLN".
func FormatAmount(micros int64, currency string) string {
	return MicrosToDecimal(micros).StringFixed(MinorDigits(currency)) + " " + strings.ToUpper(currency)
}
