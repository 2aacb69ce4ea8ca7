// Package schedule resolves a provider's calendar rules (weekly template,
// date-specific overrides) into concrete UTC open spans. Both the
// availability view and the booking write path resolve through it, so the
// two can never disagree about what the rules allow.
package schedule

import (
	"time"

	"bookable/engine/internal/domain"
	"bookable/engine/internal/timezone"
)

// Interval is a half-open UTC span [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// OpenIntervals resolves one local day to UTC open spans: the weekly
// template, replaced entirely by open overrides when any exist for the
// date, then minus block overrides. Time off is not applied here; callers
// subtract it with Subtract or reject on overlap.
func OpenIntervals(day time.Time, loc *time.Location, hours []domain.WorkingHours, specials []domain.SpecialAvailability) []Interval {
	weekday := ISOWeekday(day.Weekday())

	type minuteSpan struct{ start, end int }
	var base []minuteSpan
	for _, wh := range hours {
		if wh.Active && wh.Weekday == weekday && wh.EndMinute > wh.StartMinute {
			base = append(base, minuteSpan{start: wh.StartMinute, end: wh.EndMinute})
		}
	}

	var opens, blocks []minuteSpan
	for _, sa := range specials {
		if sa.EndMinute <= sa.StartMinute {
			continue
		}
		span := minuteSpan{start: sa.StartMinute, end: sa.EndMinute}
		if sa.Kind == domain.SpecialKindOpen {
			opens = append(opens, span)
		} else {
			blocks = append(blocks, span)
		}
	}
	if len(opens) > 0 {
		base = opens
	}

	out := make([]Interval, 0, len(base))
	for _, span := range base {
		out = append(out, Interval{
			Start: timezone.At(day.Year(), day.Month(), day.Day(), span.start, loc),
			End:   timezone.At(day.Year(), day.Month(), day.Day(), span.end, loc),
		})
	}
	for _, b := range blocks {
		out = Subtract(out, Interval{
			Start: timezone.At(day.Year(), day.Month(), day.Day(), b.start, loc),
			End:   timezone.At(day.Year(), day.Month(), day.Day(), b.end, loc),
		})
	}
	return out
}

// Subtract removes b from each interval, splitting where b lands inside.
func Subtract(ivs []Interval, b Interval) []Interval {
	if !b.End.After(b.Start) {
		return ivs
	}
	out := make([]Interval, 0, len(ivs)+1)
	for _, iv := range ivs {
		if !iv.Start.Before(b.End) || !b.Start.Before(iv.End) {
			out = append(out, iv)
			continue
		}
		if iv.Start.Before(b.Start) {
			out = append(out, Interval{Start: iv.Start, End: b.Start})
		}
		if b.End.Before(iv.End) {
			out = append(out, Interval{Start: b.End, End: iv.End})
		}
	}
	return out
}

// Covers reports whether [start, end) is fully contained in a single open
// interval.
func Covers(ivs []Interval, start, end time.Time) bool {
	for _, iv := range ivs {
		if !start.Before(iv.Start) && !end.After(iv.End) {
			return true
		}
	}
	return false
}

// ISOWeekday maps time.Weekday to ISO-8601 numbering, 1=Monday .. 7=Sunday.
func ISOWeekday(wd time.Weekday) int16 {
	if wd == time.Sunday {
		return 7
	}
	return int16(wd)
}
