// Package policy holds the booking-window rules the engine enforces. Rules
// are immutable values passed explicitly into every call; nothing reads
// ambient global state.
package policy

import (
	"fmt"
	"time"
)

// Rules is the per-provider booking policy. The platform carries a default
// set used for providers with no override of their own.
type Rules struct {
	// MinLeadTime is the minimum gap between "now" and a bookable start.
	MinLeadTime time.Duration
	// MaxAdvance is how far into the future a slot may be booked.
	MaxAdvance time.Duration
	// SlotStep is the candidate enumeration step. Zero means the service
	// duration is used as the step.
	SlotStep time.Duration
	// BufferBefore/BufferAfter are the default buffers applied when a
	// request does not carry its own.
	BufferBefore time.Duration
	BufferAfter  time.Duration
	// Timezone is the IANA zone the provider's weekly template is defined
	// in. Empty means UTC.
	Timezone string
}

func Default() Rules {
	return Rules{
		MinLeadTime:  2 * time.Hour,
		MaxAdvance:   60 * 24 * time.Hour,
		SlotStep:     0,
		BufferBefore: 0,
		BufferAfter:  0,
	}
}

// Violation is a booking-policy rejection: the request was well-formed but
// falls outside the bookable window. Terminal, never retried.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string {
	return "policy violation: " + v.Reason
}

// CheckWindow applies the lead-time and advance-window gates to a candidate
// start instant.
func (r Rules) CheckWindow(now, start time.Time) error {
	if start.Before(now.Add(r.MinLeadTime)) {
		return &Violation{Reason: fmt.Sprintf("start is within the minimum lead time of %s", r.MinLeadTime)}
	}
	if r.MaxAdvance > 0 && start.After(now.Add(r.MaxAdvance)) {
		return &Violation{Reason: fmt.Sprintf("start is beyond the maximum advance window of %s", r.MaxAdvance)}
	}
	return nil
}

// Step resolves the enumeration step for a service duration.
func (r Rules) Step(serviceDuration time.Duration) time.Duration {
	if r.SlotStep > 0 {
		return r.SlotStep
	}
	return serviceDuration
}

// Horizon is the exclusive expansion bound for open-ended recurrence rules.
func (r Rules) Horizon(now time.Time) time.Time {
	return now.Add(r.MaxAdvance)
}
