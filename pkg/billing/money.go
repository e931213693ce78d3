package billing

import (
	"github.com/shopspring/decimal"
)

// CentsToDecimal converts integer cents to a dollar amount
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FormatUSD renders cents as a dollar string such as "$12.34" or "-$0.50"
func FormatUSD(cents int64) string {
	d := CentsToDecimal(cents)
	if d.IsNegative() {
		return "-$" + d.Abs().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

// DollarsToCents parses a decimal dollar string, rounding half away from zero to whole cents
func DollarsToCents(dollars string) (int64, error) {
	d, err := decimal.NewFromString(dollars)
	if err != nil {
		return 0, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}
