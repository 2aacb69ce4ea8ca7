// Package booking is the single write path for appointments. All mutations
// that add capacity go through the per-provider serialization lock and
// re-validate conflicts inside it; the slot a caller saw on the read path is
// never trusted.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"bookable/engine/internal/conflict"
	"bookable/engine/internal/domain"
	"bookable/engine/internal/event"
	"bookable/engine/internal/policy"
	"bookable/engine/internal/schedule"
	"bookable/engine/internal/store"
	"bookable/engine/internal/timezone"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// ConflictError is the user-facing rejection when the requested interval
// overlaps existing pending/confirmed appointments.
type ConflictError struct {
	ConflictingIDs []uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("interval conflicts with %d existing appointment(s)", len(e.ConflictingIDs))
}

const (
	lockAttempts = 3
	lockBackoff  = 50 * time.Millisecond
)

type Coordinator struct {
	store    store.Store
	defaults policy.Rules
	events   event.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewCoordinator(st store.Store, defaults policy.Rules, events event.Publisher, log *slog.Logger) *Coordinator {
	if events == nil {
		events = event.NopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:    st,
		defaults: defaults,
		events:   events,
		log:      log.With(slog.String("component", "booking.coordinator")),
		now:      time.Now,
	}
}

// WithNow fixes the clock. Tests only.
func (c *Coordinator) WithNow(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

type CreateRequest struct {
	ProviderID uuid.UUID
	ClientRef  string
	Start      time.Time
	Duration   time.Duration
	// Buffers override the policy defaults when non-nil.
	BufferBefore *time.Duration
	BufferAfter  *time.Duration
	// Confirmed marks callers whose authorization context (authenticated,
	// prepaid) lets the appointment skip the pending state.
	Confirmed bool
	// RecurrenceID links an occurrence back to the pattern that made it.
	RecurrenceID *uuid.UUID
}

// Create validates the request, then acquires the provider lock, re-runs the
// conflict check inside it and persists atomically. Among concurrent calls
// for overlapping intervals exactly one succeeds; the rest get ConflictError
// or store.ErrBusy.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (domain.Appointment, error) {
	now := c.now().UTC()

	if req.ProviderID == uuid.Nil {
		return domain.Appointment{}, validationError("provider_id is required")
	}
	if strings.TrimSpace(req.ClientRef) == "" {
		return domain.Appointment{}, validationError("client_ref is required")
	}
	if req.Duration <= 0 {
		return domain.Appointment{}, validationError("duration must be positive")
	}
	start := req.Start.UTC()
	if !start.After(now) {
		return domain.Appointment{}, validationError("start must be in the future")
	}

	rules, err := c.rules(ctx, req.ProviderID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if err := rules.CheckWindow(now, start); err != nil {
		return domain.Appointment{}, err
	}
	if err := c.checkSchedule(ctx, req.ProviderID, rules, start, start.Add(req.Duration)); err != nil {
		return domain.Appointment{}, err
	}

	bufBefore := rules.BufferBefore
	if req.BufferBefore != nil {
		bufBefore = *req.BufferBefore
	}
	bufAfter := rules.BufferAfter
	if req.BufferAfter != nil {
		bufAfter = *req.BufferAfter
	}
	if bufBefore < 0 || bufAfter < 0 {
		return domain.Appointment{}, validationError("buffers must not be negative")
	}
	if bufBefore > store.MaxBuffer || bufAfter > store.MaxBuffer {
		return domain.Appointment{}, validationError(fmt.Sprintf("buffers must not exceed %s", store.MaxBuffer))
	}

	status := domain.AppointmentStatusPending
	if req.Confirmed {
		status = domain.AppointmentStatusConfirmed
	}

	appt := domain.Appointment{
		ProviderID:   req.ProviderID,
		ClientRef:    strings.TrimSpace(req.ClientRef),
		StartTime:    start,
		EndTime:      start.Add(req.Duration),
		BufferBefore: bufBefore,
		BufferAfter:  bufAfter,
		Status:       status,
		RecurrenceID: req.RecurrenceID,
	}

	err = c.inProviderTx(ctx, req.ProviderID, func(ctx context.Context, tx store.ProviderTx) error {
		detector := conflict.NewDetector(tx)
		ids, err := detector.Conflicts(ctx, appt.ProviderID, appt.StartTime, appt.EndTime, appt.BufferBefore, appt.BufferAfter, nil)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			return &ConflictError{ConflictingIDs: ids}
		}
		appt, err = tx.InsertAppointment(ctx, appt)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The store's own non-overlap guard fired after our check; treat
			// it the same as a detected conflict.
			return domain.Appointment{}, &ConflictError{}
		}
		return domain.Appointment{}, err
	}

	c.emit(ctx, event.TypeAppointmentCreated, appt, "")
	c.log.Info("appointment created",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("provider_id", appt.ProviderID.String()),
		slog.Time("start_time", appt.StartTime),
		slog.String("status", string(appt.Status)),
	)
	return appt, nil
}

// Reschedule moves an appointment to a new start, keeping its duration and
// buffers. The same lock/validate/persist sequence runs against the new
// interval; on any rejection the original appointment is left unmodified.
// Rescheduling a series occurrence detaches it: the moved appointment
// becomes independent, and later edits of its pattern no longer touch it.
func (c *Coordinator) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time) (domain.Appointment, error) {
	now := c.now().UTC()
	newStart = newStart.UTC()
	if !newStart.After(now) {
		return domain.Appointment{}, validationError("start must be in the future")
	}

	current, err := c.store.GetAppointment(ctx, id)
	if err != nil {
		return domain.Appointment{}, err
	}
	if !current.Active() {
		return domain.Appointment{}, validationError("only pending or confirmed appointments can be rescheduled")
	}

	rules, err := c.rules(ctx, current.ProviderID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if err := rules.CheckWindow(now, newStart); err != nil {
		return domain.Appointment{}, err
	}
	duration := current.EndTime.Sub(current.StartTime)
	if err := c.checkSchedule(ctx, current.ProviderID, rules, newStart, newStart.Add(duration)); err != nil {
		return domain.Appointment{}, err
	}

	var updated domain.Appointment
	err = c.inProviderTx(ctx, current.ProviderID, func(ctx context.Context, tx store.ProviderTx) error {
		appt, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !appt.Active() {
			return validationError("only pending or confirmed appointments can be rescheduled")
		}

		duration := appt.EndTime.Sub(appt.StartTime)
		detector := conflict.NewDetector(tx)
		ids, err := detector.Conflicts(ctx, appt.ProviderID, newStart, newStart.Add(duration), appt.BufferBefore, appt.BufferAfter, &appt.ID)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			return &ConflictError{ConflictingIDs: ids}
		}

		appt.StartTime = newStart
		appt.EndTime = newStart.Add(duration)
		// An individually moved occurrence leaves its series.
		appt.RecurrenceID = nil
		updated, err = tx.UpdateAppointment(ctx, appt)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Appointment{}, &ConflictError{}
		}
		return domain.Appointment{}, err
	}

	c.emit(ctx, event.TypeAppointmentRescheduled, updated, "")
	c.log.Info("appointment rescheduled",
		slog.String("appointment_id", updated.ID.String()),
		slog.Time("start_time", updated.StartTime),
	)
	return updated, nil
}

// Cancel sets the appointment to cancelled. No provider lock is taken:
// cancellation only removes capacity, so no conflict is possible.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID, actor string) (domain.Appointment, error) {
	appt, err := c.store.UpdateAppointmentStatus(ctx, id,
		[]domain.AppointmentStatus{domain.AppointmentStatusPending, domain.AppointmentStatusConfirmed},
		domain.AppointmentStatusCancelled,
	)
	if err != nil {
		return domain.Appointment{}, err
	}

	c.emit(ctx, event.TypeAppointmentCancelled, appt, actor)
	c.log.Info("appointment cancelled",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("actor", actor),
	)
	return appt, nil
}

// ApplyPaymentResult consumes the external payment-authorization signal:
// authorized moves pending to confirmed, declined cancels it. Appointments
// no longer pending are left alone.
func (c *Coordinator) ApplyPaymentResult(ctx context.Context, id uuid.UUID, authorized bool) (domain.Appointment, error) {
	target := domain.AppointmentStatusConfirmed
	if !authorized {
		target = domain.AppointmentStatusCancelled
	}
	appt, err := c.store.UpdateAppointmentStatus(ctx, id,
		[]domain.AppointmentStatus{domain.AppointmentStatusPending}, target)
	if err != nil {
		return domain.Appointment{}, err
	}

	if authorized {
		c.emit(ctx, event.TypeAppointmentConfirmed, appt, "payment")
	} else {
		c.emit(ctx, event.TypeAppointmentCancelled, appt, "payment")
	}
	return appt, nil
}

// Complete marks a confirmed appointment completed after it occurred.
func (c *Coordinator) Complete(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	return c.store.UpdateAppointmentStatus(ctx, id,
		[]domain.AppointmentStatus{domain.AppointmentStatusConfirmed}, domain.AppointmentStatusCompleted)
}

// MarkNoShow marks a confirmed appointment as a no-show after it occurred.
func (c *Coordinator) MarkNoShow(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	return c.store.UpdateAppointmentStatus(ctx, id,
		[]domain.AppointmentStatus{domain.AppointmentStatusConfirmed}, domain.AppointmentStatusNoShow)
}

// Rules resolves the effective policy for a provider: its own override when
// present, the platform default otherwise.
func (c *Coordinator) Rules(ctx context.Context, providerID uuid.UUID) (policy.Rules, error) {
	return c.rules(ctx, providerID)
}

// checkSchedule enforces the provider's calendar on the write path: time
// off always rejects, and when the provider publishes a weekly template or
// a date override, [start, end) must fit an open span. Providers with no
// template configured are constrained only by time off.
func (c *Coordinator) checkSchedule(ctx context.Context, providerID uuid.UUID, rules policy.Rules, start, end time.Time) error {
	blackouts, err := c.store.TimeOff(ctx, providerID, start, end)
	if err != nil {
		return err
	}
	for _, t := range blackouts {
		if start.Before(t.EndTime) && t.StartTime.Before(end) {
			return &policy.Violation{Reason: "provider has time off during the requested interval"}
		}
	}

	tz := rules.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := timezone.Location(tz)
	if err != nil {
		return err
	}

	hours, err := c.store.WorkingHours(ctx, providerID)
	if err != nil {
		return err
	}
	day := start.In(loc)
	date := day.Format("2006-01-02")
	specials, err := c.store.SpecialAvailability(ctx, providerID, date, date)
	if err != nil {
		return err
	}

	hasTemplate := len(specials) > 0
	for _, wh := range hours {
		if wh.Active {
			hasTemplate = true
			break
		}
	}
	if !hasTemplate {
		return nil
	}

	open := schedule.OpenIntervals(day, loc, hours, specials)
	if !schedule.Covers(open, start, end) {
		return &policy.Violation{Reason: "requested interval is outside the provider's working hours"}
	}
	return nil
}

func (c *Coordinator) rules(ctx context.Context, providerID uuid.UUID) (policy.Rules, error) {
	override, ok, err := c.store.ProviderPolicy(ctx, providerID)
	if err != nil {
		return policy.Rules{}, err
	}
	if ok {
		return override, nil
	}
	return c.defaults, nil
}

// inProviderTx retries bounded on the transient Busy outcome before
// surfacing it to the caller.
func (c *Coordinator) inProviderTx(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context, tx store.ProviderTx) error) error {
	var err error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(lockBackoff * time.Duration(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		err = c.store.InProviderTx(ctx, providerID, fn)
		if !errors.Is(err, store.ErrBusy) {
			return err
		}
		c.log.Warn("provider lock busy, retrying",
			slog.String("provider_id", providerID.String()),
			slog.Int("attempt", attempt+1),
		)
	}
	return fmt.Errorf("provider lock not acquired after %d attempts: %w", lockAttempts, store.ErrBusy)
}

func (c *Coordinator) emit(ctx context.Context, typ string, appt domain.Appointment, actor string) {
	evt := event.Event{
		Type:          typ,
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		ClientRef:     appt.ClientRef,
		StartTime:     appt.StartTime,
		EndTime:       appt.EndTime,
		Status:        string(appt.Status),
		Actor:         actor,
	}
	// Fire and forget: delivery failures never affect engine state.
	if err := c.events.Publish(ctx, evt); err != nil {
		c.log.Warn("event publish failed", slog.String("event_type", typ), slog.Any("err", err))
	}
}
