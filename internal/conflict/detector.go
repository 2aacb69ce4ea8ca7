// Package conflict implements the overlap test shared by the availability
// read path and the booking write path. The detector is a pure query: it
// reports conflicting appointment ids and never decides accept/reject.
package conflict

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bookable/engine/internal/store"
)

type Detector struct {
	reader store.AppointmentReader
}

func NewDetector(reader store.AppointmentReader) *Detector {
	return &Detector{reader: reader}
}

// Busy is the effective interval an active appointment occupies.
type Busy struct {
	ID    uuid.UUID
	Start time.Time
	End   time.Time
}

// BusyIntervals returns the effective intervals of pending/confirmed
// appointments overlapping [windowStart, windowEnd). The availability read
// path uses this to test many candidate slots against one snapshot.
func (d *Detector) BusyIntervals(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]Busy, error) {
	appts, err := d.reader.ListActiveOverlapping(ctx, providerID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	out := make([]Busy, 0, len(appts))
	for _, a := range appts {
		out = append(out, Busy{ID: a.ID, Start: a.EffectiveStart(), End: a.EffectiveEnd()})
	}
	return out, nil
}

// Conflicts returns the ids of pending/confirmed appointments whose
// effective interval overlaps the candidate's effective interval
// [start-bufferBefore, end+bufferAfter). exclude, when non-nil, names an
// appointment ignored by the test (the one being rescheduled).
func (d *Detector) Conflicts(ctx context.Context, providerID uuid.UUID, start, end time.Time, bufferBefore, bufferAfter time.Duration, exclude *uuid.UUID) ([]uuid.UUID, error) {
	effStart := start.Add(-bufferBefore)
	effEnd := end.Add(bufferAfter)

	appts, err := d.reader.ListActiveOverlapping(ctx, providerID, effStart, effEnd)
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for _, a := range appts {
		if exclude != nil && a.ID == *exclude {
			continue
		}
		// Half-open overlap: [s1,e1) vs [s2,e2) iff s1 < e2 && s2 < e1.
		if effStart.Before(a.EffectiveEnd()) && a.EffectiveStart().Before(effEnd) {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}
