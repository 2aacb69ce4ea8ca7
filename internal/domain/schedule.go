package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WorkingHours is one row of a provider's recurring weekly template.
// Weekday follows ISO-8601: 1=Monday .. 7=Sunday. Start/end are wall-clock
// minutes from local midnight in the provider's timezone.
type WorkingHours struct {
	bun.BaseModel `bun:"table:working_hours"`

	ID          uuid.UUID `bun:"id,pk,type:uuid"`
	ProviderID  uuid.UUID `bun:"provider_id,notnull,type:uuid"`
	Weekday     int16     `bun:"weekday,notnull"`
	StartMinute int       `bun:"start_minute,notnull"`
	EndMinute   int       `bun:"end_minute,notnull"`
	Active      bool      `bun:"active,notnull"`
}

// TimeOff is an absolute blackout span. It always wins over WorkingHours and
// SpecialAvailability for its [StartTime, EndTime) span.
type TimeOff struct {
	bun.BaseModel `bun:"table:time_off"`

	ID         uuid.UUID `bun:"id,pk,type:uuid"`
	ProviderID uuid.UUID `bun:"provider_id,notnull,type:uuid"`
	StartTime  time.Time `bun:"start_time,notnull"`
	EndTime    time.Time `bun:"end_time,notnull"`
	Reason     string    `bun:"reason"`
}

type SpecialKind string

const (
	SpecialKindOpen  SpecialKind = "open"
	SpecialKindBlock SpecialKind = "block"
)

// SpecialAvailability is a date-specific override of the weekly template.
// Date is a civil date in the provider's timezone, formatted 2006-01-02.
// Kind open replaces the template for that date; kind block closes the span.
type SpecialAvailability struct {
	bun.BaseModel `bun:"table:special_availability"`

	ID          uuid.UUID   `bun:"id,pk,type:uuid"`
	ProviderID  uuid.UUID   `bun:"provider_id,notnull,type:uuid"`
	Date        string      `bun:"date,notnull"`
	StartMinute int         `bun:"start_minute,notnull"`
	EndMinute   int         `bun:"end_minute,notnull"`
	Kind        SpecialKind `bun:"kind,notnull"`
}

func (w *WorkingHours) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); ok && w.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		w.ID = id
	}
	return nil
}

func (t *TimeOff) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); ok && t.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		t.ID = id
	}
	return nil
}

func (s *SpecialAvailability) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); ok && s.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		s.ID = id
	}
	return nil
}
