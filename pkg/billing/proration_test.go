package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestProrate(t *testing.T) {
	t.Run("leap february mid month", func(t *testing.T) {
		p := Prorate(3000, date(2024, time.February, 10), date(2024, time.March, 3))
		assert.Equal(t, 20, p.DaysUsed)
		assert.Equal(t, 29, p.DaysInMonth)
		assert.Equal(t, int64(931), p.CreditCents)
		assert.Equal(t, 0, p.DaysRemaining)
	})

	t.Run("first day of month has no credit", func(t *testing.T) {
		p := Prorate(3000, date(2024, time.April, 1), date(2024, time.April, 1))
		assert.Equal(t, 30, p.DaysUsed)
		assert.Equal(t, int64(0), p.CreditCents)
		assert.Equal(t, 30, p.DaysRemaining)
	})

	t.Run("last day of month", func(t *testing.T) {
		p := Prorate(3100, date(2023, time.January, 31), date(2023, time.January, 31))
		assert.Equal(t, 1, p.DaysUsed)
		assert.Equal(t, 31, p.DaysInMonth)
		assert.Equal(t, int64(3000), p.CreditCents)
		assert.Equal(t, 1, p.DaysRemaining)
	})

	t.Run("non leap february", func(t *testing.T) {
		p := Prorate(2800, date(2023, time.February, 15), date(2023, time.February, 20))
		assert.Equal(t, 28, p.DaysInMonth)
		assert.Equal(t, 14, p.DaysUsed)
		assert.Equal(t, int64(1400), p.CreditCents)
		assert.Equal(t, 9, p.DaysRemaining)
	})

	t.Run("time of day and zone are ignored", func(t *testing.T) {
		loc := time.FixedZone("UTC-5", -5*60*60)
		start := time.Date(2024, time.February, 9, 21, 30, 0, 0, loc) // Feb 10 02:30 UTC
		p := Prorate(3000, start, start)
		assert.Equal(t, 20, p.DaysUsed)
		assert.Equal(t, int64(931), p.CreditCents)
	})

	t.Run("zero and negative prices", func(t *testing.T) {
		assert.Equal(t, int64(0), Prorate(0, date(2024, time.May, 20), date(2024, time.May, 20)).CreditCents)
		assert.Equal(t, int64(0), Prorate(-500, date(2024, time.May, 20), date(2024, time.May, 20)).CreditCents)
	})
}

func TestUpgradeChargeCents(t *testing.T) {
	// 20 of 29 days remain starting Feb 10
	assert.Equal(t, int64(3000-931), UpgradeChargeCents(3000, date(2024, time.February, 10)))
	assert.Equal(t, int64(3000), UpgradeChargeCents(3000, date(2024, time.February, 1)))
	assert.Equal(t, int64(100), UpgradeChargeCents(3100, date(2023, time.January, 31)))
	assert.Equal(t, int64(0), UpgradeChargeCents(-100, date(2023, time.January, 31)))
}

func TestPeriodHelpers(t *testing.T) {
	now := time.Date(2024, time.December, 17, 13, 4, 5, 0, time.UTC)
	assert.Equal(t, date(2024, time.December, 1), PeriodStart(now))
	assert.Equal(t, date(2025, time.January, 1), NextPeriodStart(now))
	assert.Equal(t, date(2024, time.December, 17), StartOfDay(now))
	assert.Equal(t, 31, DaysInMonth(now))
}
