package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bookable/engine/internal/domain"
)

// ProviderTx is the write surface available while the per-provider
// serialization lock is held. Everything done through it commits or rolls
// back atomically with the surrounding transaction.
type ProviderTx interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	ListActiveOverlapping(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error)

	InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	// UpdateAppointment rewrites the row identified by appt.ID.
	UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
}
