package domain

import (
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func TestNormalize_DefaultsAndCanonicalForm(t *testing.T) {
	p := RecurrencePattern{
		Timezone:  "UTC",
		DTStart:   time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC), // a Monday
		Duration:  30 * time.Minute,
		ByWeekday: []int16{5, 1, 5, 3},
	}
	if err := p.Normalize(); err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if p.Frequency != RecurrenceFrequencyWeekly {
		t.Fatalf("frequency = %q, want weekly", p.Frequency)
	}
	if p.Interval != 1 {
		t.Fatalf("interval = %d, want 1", p.Interval)
	}
	if len(p.ByWeekday) != 3 || p.ByWeekday[0] != 1 || p.ByWeekday[1] != 3 || p.ByWeekday[2] != 5 {
		t.Fatalf("byweekday = %v, want [1 3 5]", p.ByWeekday)
	}
}

func TestNormalize_WeeklyWithoutWeekdaysAnchorsToDTStart(t *testing.T) {
	p := RecurrencePattern{
		Timezone:  "UTC",
		DTStart:   time.Date(2026, 9, 9, 10, 0, 0, 0, time.UTC), // a Wednesday
		Duration:  30 * time.Minute,
		Frequency: RecurrenceFrequencyWeekly,
	}
	if err := p.Normalize(); err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if len(p.ByWeekday) != 1 || p.ByWeekday[0] != 3 {
		t.Fatalf("byweekday = %v, want [3]", p.ByWeekday)
	}
}

func TestNormalize_Rejections(t *testing.T) {
	base := RecurrencePattern{
		Timezone: "UTC",
		DTStart:  time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
		Duration: 30 * time.Minute,
	}

	p := base
	p.Duration = 0
	if err := p.Normalize(); err == nil {
		t.Fatalf("expected error for zero duration")
	}

	p = base
	p.Frequency = "monthly"
	if err := p.Normalize(); err == nil {
		t.Fatalf("expected error for unsupported frequency")
	}

	p = base
	p.ByWeekday = []int16{0}
	if err := p.Normalize(); err == nil {
		t.Fatalf("expected error for weekday 0")
	}

	p = base
	p.Interval = -1
	if err := p.Normalize(); err == nil {
		t.Fatalf("expected error for negative interval")
	}

	p = base
	until := base.DTStart.Add(-time.Hour)
	p.Until = &until
	if err := p.Normalize(); err == nil {
		t.Fatalf("expected error for until before dtstart")
	}
}

func TestOccurrences_WeeklyTwoWeekdays(t *testing.T) {
	p := RecurrencePattern{
		Timezone:  "UTC",
		DTStart:   time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC), // Monday
		Duration:  30 * time.Minute,
		Frequency: RecurrenceFrequencyWeekly,
		ByWeekday: []int16{1, 4}, // Monday, Thursday
		Count:     intPtr(5),
	}
	occs, err := p.Occurrences(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Occurrences error: %v", err)
	}

	want := []time.Time{
		time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 10, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 14, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 17, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 21, 10, 0, 0, 0, time.UTC),
	}
	if len(occs) != len(want) {
		t.Fatalf("got %d occurrences, want %d: %v", len(occs), len(want), occs)
	}
	for i := range want {
		if !occs[i].Equal(want[i]) {
			t.Fatalf("occurrence[%d] = %v, want %v", i, occs[i], want[i])
		}
	}
}

func TestOccurrences_BiweeklySkipsOddWeeks(t *testing.T) {
	p := RecurrencePattern{
		Timezone:  "UTC",
		DTStart:   time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC), // Monday
		Duration:  time.Hour,
		Frequency: RecurrenceFrequencyWeekly,
		Interval:  2,
		Count:     intPtr(3),
	}
	occs, err := p.Occurrences(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Occurrences error: %v", err)
	}

	want := []time.Time{
		time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 21, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 5, 9, 0, 0, 0, time.UTC),
	}
	if len(occs) != len(want) {
		t.Fatalf("got %d occurrences, want %d: %v", len(occs), len(want), occs)
	}
	for i := range want {
		if !occs[i].Equal(want[i]) {
			t.Fatalf("occurrence[%d] = %v, want %v", i, occs[i], want[i])
		}
	}
}

func TestOccurrences_DailyInterval(t *testing.T) {
	p := RecurrencePattern{
		Timezone:  "UTC",
		DTStart:   time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC),
		Duration:  time.Hour,
		Frequency: RecurrenceFrequencyDaily,
		Interval:  3,
		Count:     intPtr(4),
	}
	occs, err := p.Occurrences(time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Occurrences error: %v", err)
	}
	if len(occs) != 4 {
		t.Fatalf("got %d occurrences, want 4", len(occs))
	}
	for i, occ := range occs {
		want := time.Date(2026, 9, 7+3*i, 8, 0, 0, 0, time.UTC)
		if !occ.Equal(want) {
			t.Fatalf("occurrence[%d] = %v, want %v", i, occ, want)
		}
	}
}

func TestOccurrences_UntilIsInclusive(t *testing.T) {
	until := time.Date(2026, 9, 21, 10, 0, 0, 0, time.UTC)
	p := RecurrencePattern{
		Timezone:  "UTC",
		DTStart:   time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC), // Monday
		Duration:  30 * time.Minute,
		Frequency: RecurrenceFrequencyWeekly,
		Until:     &until,
	}
	occs, err := p.Occurrences(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Occurrences error: %v", err)
	}
	if len(occs) != 3 {
		t.Fatalf("got %d occurrences, want 3 (until inclusive)", len(occs))
	}
	if !occs[2].Equal(until) {
		t.Fatalf("last occurrence = %v, want %v", occs[2], until)
	}
}

func TestOccurrences_WindowEndIsExclusive(t *testing.T) {
	p := RecurrencePattern{
		Timezone:  "UTC",
		DTStart:   time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
		Duration:  30 * time.Minute,
		Frequency: RecurrenceFrequencyDaily,
	}
	windowEnd := time.Date(2026, 9, 10, 10, 0, 0, 0, time.UTC)
	occs, err := p.Occurrences(windowEnd)
	if err != nil {
		t.Fatalf("Occurrences error: %v", err)
	}
	if len(occs) != 3 {
		t.Fatalf("got %d occurrences, want 3 (windowEnd exclusive)", len(occs))
	}
}

func TestOccurrences_WallClockConstantAcrossDST(t *testing.T) {
	// Weekly Tuesdays 09:00 America/New_York through the US fall-back on
	// Nov 1 2026. The local clock must stay 09:00 while the UTC offset moves
	// from -4 to -5.
	p := RecurrencePattern{
		Timezone:  "America/New_York",
		DTStart:   time.Date(2026, 10, 27, 13, 0, 0, 0, time.UTC), // Tue 09:00 EDT
		Duration:  time.Hour,
		Frequency: RecurrenceFrequencyWeekly,
		Count:     intPtr(2),
	}
	occs, err := p.Occurrences(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Occurrences error: %v", err)
	}
	if len(occs) != 2 {
		t.Fatalf("got %d occurrences, want 2", len(occs))
	}

	loc, _ := time.LoadLocation("America/New_York")
	for i, occ := range occs {
		if local := occ.In(loc); local.Hour() != 9 || local.Minute() != 0 {
			t.Fatalf("occurrence[%d] local clock = %02d:%02d, want 09:00", i, local.Hour(), local.Minute())
		}
	}
	if want := time.Date(2026, 11, 3, 14, 0, 0, 0, time.UTC); !occs[1].Equal(want) {
		t.Fatalf("post-transition occurrence = %v, want %v", occs[1], want)
	}
}
