package paykit

import "time"

// NextPeriodEnd returns the end of a billing period starting at from,
// preserving the anniversary day-of-month across uneven months. A period
// starting Jan 31 ends Feb 28 (29 in leap years); one starting Feb 28 after a
// Jan 31 anniversary would still land back on the 31st where possible, but the
// simple contract here keys off the period start's own day.
func NextPeriodEnd(from time.Time, interval BillingInterval) time.Time {
	switch interval {
	case IntervalYear:
		return addMonthsClamped(from, 12)
	default:
		return addMonthsClamped(from, 1)
	}
}

// AdvancePeriod rolls a subscription forward one billing interval, returning a
// copy with CurrentPeriodStart = old CurrentPeriodEnd and a recomputed end.
func AdvancePeriod(sub *Subscription, now time.Time) *Subscription {
	next := *sub
	next.CurrentPeriodStart = sub.CurrentPeriodEnd
	next.CurrentPeriodEnd = NextPeriodEnd(sub.CurrentPeriodEnd, sub.Interval)
	next.UpdatedAt = now
	return &next
}

// addMonthsClamped adds months without Go's time.AddDate overflow behavior
// (Jan 31 + 1 month must be Feb 28/29, not Mar 3). It targets day 1 of the
// destination month and then clips the source day to that month's last day.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// Day 0 of the following month is the last day of the target month.
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
