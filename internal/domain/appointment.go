package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusNoShow    AppointmentStatus = "no_show"
)

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID           uuid.UUID         `bun:"id,pk,type:uuid"`
	ProviderID   uuid.UUID         `bun:"provider_id,notnull,type:uuid"`
	ClientRef    string            `bun:"client_ref,notnull"`
	StartTime    time.Time         `bun:"start_time,notnull"`
	EndTime      time.Time         `bun:"end_time,notnull"`
	BufferBefore time.Duration     `bun:"buffer_before,notnull"`
	BufferAfter  time.Duration     `bun:"buffer_after,notnull"`
	Status       AppointmentStatus `bun:"status,notnull"`
	RecurrenceID *uuid.UUID        `bun:"recurrence_id,type:uuid"`
	CreatedAt    time.Time         `bun:"created_at,notnull"`
	UpdatedAt    time.Time         `bun:"updated_at,notnull"`
}

// EffectiveStart is the start of the interval used for overlap testing:
// the booked start minus the mandatory idle buffer before it.
func (a Appointment) EffectiveStart() time.Time {
	return a.StartTime.Add(-a.BufferBefore)
}

// EffectiveEnd is the exclusive end of the overlap-testing interval.
func (a Appointment) EffectiveEnd() time.Time {
	return a.EndTime.Add(a.BufferAfter)
}

// Active reports whether the appointment still occupies capacity.
func (a Appointment) Active() bool {
	return a.Status == AppointmentStatusPending || a.Status == AppointmentStatusConfirmed
}

// Overlaps tests the half-open effective intervals of two appointments:
// [s1,e1) overlaps [s2,e2) iff s1 < e2 && s2 < e1.
func (a Appointment) Overlaps(b Appointment) bool {
	return a.EffectiveStart().Before(b.EffectiveEnd()) && b.EffectiveStart().Before(a.EffectiveEnd())
}

// OverlapsInterval tests the appointment's effective interval against an
// arbitrary half-open [start,end).
func (a Appointment) OverlapsInterval(start, end time.Time) bool {
	return start.Before(a.EffectiveEnd()) && a.EffectiveStart().Before(end)
}

// Detached reports whether the appointment has been made independent of the
// recurrence pattern that generated it.
func (a Appointment) Detached() bool {
	return a.RecurrenceID == nil
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}
