package webhook

import "time"

// MaxAttempts is the delivery attempt ceiling. After the seventh failed
// attempt a delivery is permanently failed: no further attempts, ever.
const MaxAttempts = 7

// retryDelays maps attempt number (1-based) to the delay before that attempt.
// The first attempt is immediate; the ladder then spreads a delivery's
// lifetime over roughly 35 hours.
var retryDelays = [MaxAttempts]time.Duration{
	0,
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	8 * time.Hour,
	24 * time.Hour,
}

// DelayForAttempt returns the delay preceding the given attempt, and whether
// that attempt is allowed at all.
func DelayForAttempt(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > MaxAttempts {
		return 0, false
	}
	return retryDelays[attempt-1], true
}
