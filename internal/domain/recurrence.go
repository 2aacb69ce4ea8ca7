package domain

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"bookable/engine/internal/timezone"
)

type RecurrenceFrequency string

const (
	RecurrenceFrequencyDaily  RecurrenceFrequency = "daily"
	RecurrenceFrequencyWeekly RecurrenceFrequency = "weekly"
)

// RecurrencePattern is a rule that generates a series of appointment
// occurrences. Generated holds the ids of appointments the pattern produced;
// it is a weak back-reference, deleting the pattern never cascades.
type RecurrencePattern struct {
	bun.BaseModel `bun:"table:recurrence_patterns"`

	ID           uuid.UUID           `bun:"id,pk,type:uuid"`
	ProviderID   uuid.UUID           `bun:"provider_id,notnull,type:uuid"`
	ClientRef    string              `bun:"client_ref,notnull"`
	Timezone     string              `bun:"timezone,notnull"`
	DTStart      time.Time           `bun:"dtstart,notnull"`
	Duration     time.Duration       `bun:"duration,notnull"`
	BufferBefore time.Duration       `bun:"buffer_before,notnull"`
	BufferAfter  time.Duration       `bun:"buffer_after,notnull"`
	Frequency    RecurrenceFrequency `bun:"frequency,notnull"`
	Interval     int                 `bun:"interval,notnull"`
	ByWeekday    []int16             `bun:"byweekday,array"`
	Count        *int                `bun:"count"`
	Until        *time.Time          `bun:"until"`
	Generated    []uuid.UUID         `bun:"generated,array"`
	CreatedAt    time.Time           `bun:"created_at,notnull"`
	UpdatedAt    time.Time           `bun:"updated_at,notnull"`
}

// Ended reports whether the pattern can produce no occurrence at or after t.
func (p RecurrencePattern) Ended(t time.Time) bool {
	return p.Until != nil && p.Until.Before(t)
}

// Normalize validates the rule and brings it to canonical form: interval
// defaulted to 1, weekdays deduplicated and sorted, weekly patterns without
// explicit weekdays anchored to DTStart's local weekday.
func (p *RecurrencePattern) Normalize() error {
	if p.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if p.BufferBefore < 0 || p.BufferAfter < 0 {
		return errors.New("buffers must not be negative")
	}

	loc, err := timezone.Location(p.Timezone)
	if err != nil {
		return err
	}

	switch p.Frequency {
	case RecurrenceFrequencyDaily, RecurrenceFrequencyWeekly:
	case "":
		p.Frequency = RecurrenceFrequencyWeekly
	default:
		return errors.New("unsupported recurrence frequency")
	}

	if p.Interval == 0 {
		p.Interval = 1
	}
	if p.Interval < 1 {
		return errors.New("interval must be at least 1")
	}

	if p.Frequency == RecurrenceFrequencyWeekly {
		weekdays := p.ByWeekday
		if len(weekdays) == 0 {
			weekdays = []int16{isoWeekday(p.DTStart.In(loc).Weekday())}
		}
		seen := make(map[int16]struct{}, len(weekdays))
		normalized := make([]int16, 0, len(weekdays))
		for _, wd := range weekdays {
			if wd < 1 || wd > 7 {
				return errors.New("invalid weekday")
			}
			if _, ok := seen[wd]; ok {
				continue
			}
			seen[wd] = struct{}{}
			normalized = append(normalized, wd)
		}
		sort.Slice(normalized, func(i, j int) bool { return normalized[i] < normalized[j] })
		p.ByWeekday = normalized
	} else {
		p.ByWeekday = nil
	}

	if p.Count != nil && *p.Count < 1 {
		return errors.New("count must be at least 1")
	}
	if p.Until != nil && p.Until.Before(p.DTStart) {
		return errors.New("until must not be before dtstart")
	}

	return nil
}

// Occurrences expands the rule into concrete UTC occurrence start instants.
// The expansion keeps the DTStart wall clock constant in the pattern's
// timezone across DST transitions. windowEnd is an exclusive horizon that
// bounds patterns with no count/until end condition; count and until, when
// present, may end the series earlier. Until is inclusive of an occurrence
// starting exactly on it.
func (p RecurrencePattern) Occurrences(windowEnd time.Time) ([]time.Time, error) {
	if err := p.Normalize(); err != nil {
		return nil, err
	}
	loc, err := timezone.Location(p.Timezone)
	if err != nil {
		return nil, err
	}

	dtstartUTC := p.DTStart.UTC()
	startLocal := p.DTStart.In(loc)

	maxCount := -1
	if p.Count != nil {
		maxCount = *p.Count
	}

	dayStep := p.Interval
	byWeekday := map[int16]struct{}{}
	if p.Frequency == RecurrenceFrequencyWeekly {
		dayStep = 1
		for _, wd := range p.ByWeekday {
			byWeekday[wd] = struct{}{}
		}
	}

	anchorMonday := mondayOf(startLocal)

	out := make([]time.Time, 0, 16)
	// Ten years of daily steps is far beyond any sane horizon; it only guards
	// against a degenerate windowEnd.
	for i := 0; i < 3660; i += dayStep {
		day := startLocal.AddDate(0, 0, i)

		if p.Frequency == RecurrenceFrequencyWeekly {
			if _, ok := byWeekday[isoWeekday(day.Weekday())]; !ok {
				continue
			}
			weeks := int(mondayOf(day).Sub(anchorMonday).Hours() / (24 * 7))
			if weeks%p.Interval != 0 {
				continue
			}
		}

		occ := timezone.ToUTC(day, loc)
		if occ.Before(dtstartUTC) {
			continue
		}
		if p.Until != nil && occ.After(p.Until.UTC()) {
			return out, nil
		}
		if !occ.Before(windowEnd) {
			return out, nil
		}

		out = append(out, occ)
		if maxCount >= 0 && len(out) >= maxCount {
			return out, nil
		}
	}

	return out, nil
}

// mondayOf returns local midnight of the Monday of t's week, as a plain
// civil marker in UTC so week arithmetic is unaffected by DST.
func mondayOf(t time.Time) time.Time {
	offset := int(t.Weekday()) - 1
	if t.Weekday() == time.Sunday {
		offset = 6
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, -offset)
}

func isoWeekday(wd time.Weekday) int16 {
	if wd == time.Sunday {
		return 7
	}
	return int16(wd)
}

func (p *RecurrencePattern) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if p.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			p.ID = id
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		p.UpdatedAt = now
	}
	return nil
}
