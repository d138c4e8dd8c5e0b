package paykit

import "time"

// transitionTable maps each status to its allowed targets. Statuses absent
// from the map (incomplete_expired, canceled, revoked) are terminal.
var transitionTable = map[SubscriptionStatus][]SubscriptionStatus{
	StatusIncomplete: {StatusTrialing, StatusActive, StatusIncompleteExpired},
	StatusTrialing:   {StatusActive, StatusUnpaid, StatusCanceled},
	StatusActive:     {StatusPastDue, StatusCanceled},
	StatusPastDue:    {StatusActive, StatusUnpaid},
	StatusUnpaid:     {StatusActive, StatusRevoked, StatusCanceled},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, allowed := range transitionTable[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has no outbound transitions.
func Terminal(s SubscriptionStatus) bool {
	return len(transitionTable[s]) == 0
}

// Transition validates and applies a status change, returning an updated copy.
// The input subscription is never mutated, so a rejection leaves the caller's
// record untouched (all-or-nothing). Entering a terminal status stamps EndedAt.
func Transition(sub *Subscription, to SubscriptionStatus, now time.Time) (*Subscription, error) {
	if !CanTransition(sub.Status, to) {
		return nil, &TransitionError{SubscriptionID: sub.ID, From: sub.Status, To: to}
	}

	next := *sub
	next.Status = to
	next.UpdatedAt = now

	switch to {
	case StatusCanceled, StatusRevoked, StatusIncompleteExpired:
		t := now
		next.EndedAt = &t
		next.CancelAtPeriodEnd = false
	case StatusActive:
		// Recovery from past_due/unpaid clears nothing else; the period
		// advance is the scheduler's job.
	}

	return &next, nil
}

// NewSubscription creates a subscription in its initial state: trialing when a
// trial window is configured, incomplete otherwise. The first billing period
// starts at now.
func NewSubscription(id, customerID, productID string, interval BillingInterval, trialEnd *time.Time, now time.Time) *Subscription {
	sub := &Subscription{
		ID:                 id,
		CustomerID:         customerID,
		ProductID:          productID,
		Status:             StatusIncomplete,
		Interval:           interval,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   NextPeriodEnd(now, interval),
		UpdatedAt:          now,
	}
	if trialEnd != nil && trialEnd.After(now) {
		t := now
		sub.Status = StatusTrialing
		sub.TrialStart = &t
		sub.TrialEnd = trialEnd
		sub.CurrentPeriodEnd = *trialEnd
	}
	return sub
}

// SetCancelAtPeriodEnd flags a live subscription for cancellation at the next
// period boundary. The status is left unchanged; the scheduler performs the
// actual transition when it observes the flag. Returns a copy.
func SetCancelAtPeriodEnd(sub *Subscription, cancel bool, now time.Time) (*Subscription, error) {
	if cancel && !sub.Live() {
		return nil, &TransitionError{SubscriptionID: sub.ID, From: sub.Status, To: StatusCanceled}
	}
	next := *sub
	next.CancelAtPeriodEnd = cancel
	next.UpdatedAt = now
	if cancel {
		t := now
		next.CanceledAt = &t
	} else {
		next.CanceledAt = nil
	}
	return &next, nil
}

// CancelNow performs an immediate synchronous cancellation.
func CancelNow(sub *Subscription, now time.Time) (*Subscription, error) {
	next, err := Transition(sub, StatusCanceled, now)
	if err != nil {
		return nil, err
	}
	t := now
	next.CanceledAt = &t
	return next, nil
}
