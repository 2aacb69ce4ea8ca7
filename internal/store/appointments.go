package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bookable/engine/internal/domain"
	"bookable/engine/internal/policy"
)

// MaxBuffer is the largest buffer an appointment may carry. Implementations
// may pad overlap-window queries by this much instead of inspecting every
// row's buffers, so writers must reject anything larger.
const MaxBuffer = 24 * time.Hour

// AppointmentReader is the read path. It never blocks on the provider lock
// and may observe a snapshot that is stale by the time a write happens;
// every write re-validates under serialization.
type AppointmentReader interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	// ListActiveOverlapping returns pending/confirmed appointments whose
	// effective interval (start-buffer_before, end+buffer_after) overlaps
	// the half-open [windowStart, windowEnd), ordered by start time.
	ListActiveOverlapping(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
}

// ScheduleReader serves the availability rules for a provider.
type ScheduleReader interface {
	WorkingHours(ctx context.Context, providerID uuid.UUID) ([]domain.WorkingHours, error)
	TimeOff(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.TimeOff, error)
	SpecialAvailability(ctx context.Context, providerID uuid.UUID, dateFrom, dateTo string) ([]domain.SpecialAvailability, error)
	// ProviderPolicy returns the provider's booking rules, or ok=false when
	// the provider has no override and the platform default applies.
	ProviderPolicy(ctx context.Context, providerID uuid.UUID) (policy.Rules, bool, error)
}

// PatternReader serves recurrence patterns.
type PatternReader interface {
	GetPattern(ctx context.Context, id uuid.UUID) (domain.RecurrencePattern, error)
}

// Store is the durable transactional store the engine requires. Writers go
// through InProviderTx; readers use the lock-free methods.
type Store interface {
	AppointmentReader
	ScheduleReader
	PatternReader

	// InProviderTx runs fn inside a transaction holding the exclusive
	// per-provider serialization lock. Lock acquisition is bounded; on
	// timeout InProviderTx returns ErrBusy with no side effects.
	InProviderTx(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context, tx ProviderTx) error) error

	// UpdateAppointmentStatus transitions an appointment whose current
	// status is one of from, without taking the provider lock. Returns
	// ErrNotFound if the row is missing or in none of the from states.
	// Used for cancellation and post-occurrence transitions, which only
	// remove capacity and cannot introduce a conflict.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from []domain.AppointmentStatus, to domain.AppointmentStatus) (domain.Appointment, error)

	UpsertWorkingHours(ctx context.Context, wh domain.WorkingHours) (domain.WorkingHours, error)
	AddTimeOff(ctx context.Context, to domain.TimeOff) (domain.TimeOff, error)
	AddSpecialAvailability(ctx context.Context, sa domain.SpecialAvailability) (domain.SpecialAvailability, error)

	CreatePattern(ctx context.Context, p domain.RecurrencePattern) (domain.RecurrencePattern, error)
	UpdatePattern(ctx context.Context, p domain.RecurrencePattern) (domain.RecurrencePattern, error)
}
