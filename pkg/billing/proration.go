package billing

import "time"

// Proration is the result of a day-weighted split of a monthly price
type Proration struct {
	CreditCents int64 `json:"credit_cents"`
	DaysUsed    int   `json:"days_used"`
	DaysInMonth int   `json:"days_in_month"`
	// DaysRemaining counts today through the end of the period's month, zero
	// when today is outside that month.
	DaysRemaining int `json:"days_remaining"`
}

// Prorate splits monthlyPriceCents over the UTC calendar month of periodStart.
// DaysUsed counts periodStart through month end inclusive and CreditCents is
// the floored share of the days before periodStart.
func Prorate(monthlyPriceCents int64, periodStart, today time.Time) Proration {
	start := periodStart.UTC()
	dim := DaysInMonth(start)
	used := dim - start.Day() + 1

	p := Proration{DaysUsed: used, DaysInMonth: dim}
	if monthlyPriceCents > 0 {
		p.CreditCents = monthlyPriceCents * int64(dim-used) / int64(dim)
	}

	now := today.UTC()
	if now.Year() == start.Year() && now.Month() == start.Month() {
		p.DaysRemaining = dim - now.Day() + 1
	}
	return p
}

// UpgradeChargeCents returns the share of a monthly price delta owed for the
// rest of today's month, today included.
func UpgradeChargeCents(deltaCents int64, today time.Time) int64 {
	if deltaCents <= 0 {
		return 0
	}
	return deltaCents - Prorate(deltaCents, today, today).CreditCents
}

// DaysInMonth returns the number of days in t's UTC calendar month
func DaysInMonth(t time.Time) int {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// PeriodStart returns the first instant of t's UTC calendar month
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextPeriodStart returns the first instant of the month after t
func NextPeriodStart(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, 1, 0)
}

// StartOfDay truncates t to midnight UTC
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
