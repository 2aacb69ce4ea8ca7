// Package availability computes bookable slots for a provider. The result
// is a read-only, non-authoritative view: it may be stale by the time a
// booking is attempted, which is why the write path re-validates under the
// provider lock.
package availability

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"bookable/engine/internal/conflict"
	"bookable/engine/internal/domain"
	"bookable/engine/internal/policy"
	"bookable/engine/internal/schedule"
	"bookable/engine/internal/store"
	"bookable/engine/internal/timezone"
)

const civilDate = "2006-01-02"

type Request struct {
	ProviderID uuid.UUID
	// Timezone interprets the provider's weekly template and date range.
	// Always explicit; there is no server-local fallback.
	Timezone string
	// DateFrom/DateTo are inclusive civil dates (2006-01-02) in Timezone.
	DateFrom string
	DateTo   string

	ServiceDuration time.Duration
	// Buffers override the policy defaults when non-nil.
	BufferBefore *time.Duration
	BufferAfter  *time.Duration
}

type Calculator struct {
	store    store.Store
	detector *conflict.Detector
	defaults policy.Rules
	now      func() time.Time
}

func NewCalculator(st store.Store, detector *conflict.Detector, defaults policy.Rules) *Calculator {
	return &Calculator{store: st, detector: detector, defaults: defaults, now: time.Now}
}

// WithNow fixes the clock. Tests only.
func (c *Calculator) WithNow(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Slots returns the bookable start instants (UTC, ascending) for the request.
// Re-calling with the same inputs yields the same result absent data changes.
//
// Per day: working hours, replaced by open special availability when present,
// minus block specials, minus time off, stepped at the policy granularity,
// gated by lead-time/advance-window, and filtered against existing active
// appointments' effective intervals.
func (c *Calculator) Slots(ctx context.Context, req Request) ([]time.Time, error) {
	if req.ServiceDuration <= 0 {
		return nil, errors.New("service duration must be positive")
	}
	loc, err := timezone.Location(req.Timezone)
	if err != nil {
		return nil, err
	}
	from, err := time.ParseInLocation(civilDate, req.DateFrom, loc)
	if err != nil {
		return nil, errors.New("invalid date_from")
	}
	to, err := time.ParseInLocation(civilDate, req.DateTo, loc)
	if err != nil {
		return nil, errors.New("invalid date_to")
	}
	if to.Before(from) {
		return nil, errors.New("date_to must not be before date_from")
	}

	rules := c.defaults
	if override, ok, err := c.store.ProviderPolicy(ctx, req.ProviderID); err != nil {
		return nil, err
	} else if ok {
		rules = override
	}

	bufBefore := rules.BufferBefore
	if req.BufferBefore != nil {
		bufBefore = *req.BufferBefore
	}
	bufAfter := rules.BufferAfter
	if req.BufferAfter != nil {
		bufAfter = *req.BufferAfter
	}
	step := rules.Step(req.ServiceDuration)

	hours, err := c.store.WorkingHours(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	specials, err := c.store.SpecialAvailability(ctx, req.ProviderID, req.DateFrom, req.DateTo)
	if err != nil {
		return nil, err
	}
	specialsByDate := make(map[string][]domain.SpecialAvailability)
	for _, sa := range specials {
		specialsByDate[sa.Date] = append(specialsByDate[sa.Date], sa)
	}

	// One snapshot of blackouts and busy intervals covers the whole range.
	rangeStart := timezone.At(from.Year(), from.Month(), from.Day(), 0, loc)
	rangeEnd := timezone.At(to.Year(), to.Month(), to.Day(), 0, loc).Add(48 * time.Hour)
	blackouts, err := c.store.TimeOff(ctx, req.ProviderID, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	busy, err := c.detector.BusyIntervals(ctx, req.ProviderID, rangeStart.Add(-bufBefore-req.ServiceDuration), rangeEnd.Add(bufAfter+req.ServiceDuration))
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	var slots []time.Time

	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		open := schedule.OpenIntervals(day, loc, hours, specialsByDate[day.Format(civilDate)])
		for _, t := range blackouts {
			open = schedule.Subtract(open, schedule.Interval{Start: t.StartTime, End: t.EndTime})
		}

		for _, iv := range open {
			for t := iv.Start; !t.Add(req.ServiceDuration).After(iv.End); t = t.Add(step) {
				if rules.CheckWindow(now, t) != nil {
					continue
				}
				if overlapsBusy(t.Add(-bufBefore), t.Add(req.ServiceDuration).Add(bufAfter), busy) {
					continue
				}
				slots = append(slots, t)
			}
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	return slots, nil
}

func overlapsBusy(start, end time.Time, busy []conflict.Busy) bool {
	for _, b := range busy {
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
