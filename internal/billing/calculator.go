// Package billing holds the pure cost accrual math. Everything here is a
// function of (active seconds, rate); no clocks, no stores.
package billing

import "github.com/shopspring/decimal"

var sixty = decimal.NewFromInt(60)

// Accrue maps billable active seconds and a per-minute rate to a monetary
// cost at full decimal precision: rate * seconds / 60. Intermediate reads
// of a running session use this unrounded value so repeated estimates
// never drift; rounding happens only in Finalize.
func Accrue(activeSeconds int64, ratePerMinute decimal.Decimal) decimal.Decimal {
	return ratePerMinute.Mul(decimal.NewFromInt(activeSeconds)).Div(sixty)
}

// Finalize computes the frozen final cost for a terminating session:
// the accrued amount rounded half-up to two decimal places. Applied
// exactly once, at the moment a session becomes stopped or expired.
func Finalize(activeSeconds int64, ratePerMinute decimal.Decimal) decimal.Decimal {
	return Accrue(activeSeconds, ratePerMinute).Round(2)
}
