package quota

import (
	"time"

	"github.com/shopspring/decimal"
)

// Percent computes current-cycle usage as a percentage of the monthly quota.
// A quota of zero (or less) yields 0 by convention, never a division by zero.
// The result is unrounded; callers round only for display.
func Percent(totalTokens, monthlyQuota int64) float64 {
	if monthlyQuota <= 0 {
		return 0
	}
	return float64(totalTokens) / float64(monthlyQuota) * 100
}

// RoundPercent rounds a percentage to the given number of decimal places
// (half away from zero) for API responses and notification text.
func RoundPercent(percent float64, places int32) float64 {
	rounded, _ := decimal.NewFromFloat(percent).Round(places).Float64()
	return rounded
}

// MonthStart returns the start of the UTC calendar month containing t.
// The billing cycle is the calendar month; rollups with minute >= MonthStart
// count toward the current cycle.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthEnd returns the start of the next UTC calendar month (exclusive bound).
func MonthEnd(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}
