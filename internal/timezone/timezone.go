// Package timezone converts between stored UTC instants and local wall-clock
// time using the IANA timezone database. All conversions take an explicit
// location; there is no server-local default.
package timezone

import (
	"errors"
	"strings"
	"time"
)

// Location resolves an IANA zone name. An empty name is rejected rather than
// defaulting to the server zone.
func Location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("timezone is required")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.New("invalid timezone")
	}
	return loc, nil
}

// ToDisplay converts a stored UTC instant to the caller's wall clock.
func ToDisplay(instant time.Time, loc *time.Location) time.Time {
	return instant.In(loc)
}

// ToUTC reinterprets wall's clock fields (year..nanosecond) in loc and
// returns the corresponding UTC instant.
//
// During a fall-back DST transition the same wall clock occurs twice; the
// result is deterministically the earlier of the two instants. Wall clocks
// skipped by a spring-forward transition normalize forward per the time
// package's rules.
func ToUTC(wall time.Time, loc *time.Location) time.Time {
	t := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc)

	// time.Date picks an unspecified side of an ambiguous wall clock. Probe
	// the offsets around t; if shifting by an offset difference lands on the
	// same wall clock at an earlier instant, that is the first occurrence.
	_, off := t.Zone()
	for _, probe := range []time.Duration{-2 * time.Hour, -time.Hour, time.Hour, 2 * time.Hour} {
		_, altOff := t.Add(probe).Zone()
		if altOff == off {
			continue
		}
		cand := t.Add(time.Duration(off-altOff) * time.Second)
		if cand.Before(t) && sameWall(cand, t) {
			t = cand
			break
		}
	}
	return t.UTC()
}

// At builds the UTC instant for a civil date plus wall-clock minutes from
// midnight in loc, with the same ambiguity resolution as ToUTC.
func At(year int, month time.Month, day, minuteOfDay int, loc *time.Location) time.Time {
	wall := time.Date(year, month, day, minuteOfDay/60, minuteOfDay%60, 0, 0, time.UTC)
	return ToUTC(wall, loc)
}

func sameWall(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() &&
		a.Second() == b.Second() && a.Nanosecond() == b.Nanosecond()
}
