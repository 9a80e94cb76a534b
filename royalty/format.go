package royalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// Presentation helpers. Rounding happens here and nowhere else; stored
// amounts keep their full precision.

const (
	CurrencySymbol = "₹"
	DateLayout     = "2006-01-02"
)

// FormatAmount renders an amount with two decimals, e.g. ₹100.00.
func FormatAmount(d decimal.Decimal) string {
	return CurrencySymbol + d.StringFixed(2)
}

// FormatDate renders a calculation date as yyyy-MM-dd.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(DateLayout)
}
