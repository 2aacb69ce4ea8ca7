// Package series expands recurrence patterns into concrete appointments and
// manages the resulting series. Every occurrence goes through the booking
// coordinator's write path, so series creation competes for slots under the
// same serialization as single bookings.
package series

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"bookable/engine/internal/booking"
	"bookable/engine/internal/domain"
	"bookable/engine/internal/policy"
	"bookable/engine/internal/store"
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

type Planner struct {
	store       store.Store
	coordinator *booking.Coordinator
	log         *slog.Logger
	now         func() time.Time
}

func NewPlanner(st store.Store, coordinator *booking.Coordinator, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{
		store:       st,
		coordinator: coordinator,
		log:         log.With(slog.String("component", "series.planner")),
		now:         time.Now,
	}
}

// WithNow fixes the clock. Tests only.
func (p *Planner) WithNow(now func() time.Time) *Planner {
	p.now = now
	return p
}

type CreateSeriesInput struct {
	ProviderID   uuid.UUID
	ClientRef    string
	Timezone     string
	Start        time.Time
	Duration     time.Duration
	BufferBefore *time.Duration
	BufferAfter  *time.Duration
	Frequency    domain.RecurrenceFrequency
	Interval     int
	ByWeekday    []int16
	Count        *int
	Until        *time.Time
	Confirmed    bool
}

type SkippedOccurrence struct {
	Date   time.Time `json:"date"`
	Reason string    `json:"reason"`
}

type SeriesResult struct {
	Pattern domain.RecurrencePattern
	Created []uuid.UUID
	Skipped []SkippedOccurrence
}

// CreateSeries materializes a pattern into appointments. A rejected
// occurrence (conflict, policy, transient busy) is recorded as skipped and
// the series continues: partial success is the normal outcome, not an error.
func (p *Planner) CreateSeries(ctx context.Context, in CreateSeriesInput) (SeriesResult, error) {
	if in.ProviderID == uuid.Nil {
		return SeriesResult{}, validationError("provider_id is required")
	}
	if strings.TrimSpace(in.ClientRef) == "" {
		return SeriesResult{}, validationError("client_ref is required")
	}

	rules, err := p.coordinator.Rules(ctx, in.ProviderID)
	if err != nil {
		return SeriesResult{}, err
	}

	bufBefore := rules.BufferBefore
	if in.BufferBefore != nil {
		bufBefore = *in.BufferBefore
	}
	bufAfter := rules.BufferAfter
	if in.BufferAfter != nil {
		bufAfter = *in.BufferAfter
	}

	pattern := domain.RecurrencePattern{
		ProviderID:   in.ProviderID,
		ClientRef:    strings.TrimSpace(in.ClientRef),
		Timezone:     in.Timezone,
		DTStart:      in.Start.UTC(),
		Duration:     in.Duration,
		BufferBefore: bufBefore,
		BufferAfter:  bufAfter,
		Frequency:    in.Frequency,
		Interval:     in.Interval,
		ByWeekday:    in.ByWeekday,
		Count:        in.Count,
		Until:        in.Until,
	}
	if err := pattern.Normalize(); err != nil {
		return SeriesResult{}, validationError(err.Error())
	}

	now := p.now().UTC()
	occs, err := pattern.Occurrences(rules.Horizon(now))
	if err != nil {
		return SeriesResult{}, validationError(err.Error())
	}
	if len(occs) == 0 {
		return SeriesResult{}, validationError("recurrence rule produces no occurrences within the booking horizon")
	}

	pattern, err = p.store.CreatePattern(ctx, pattern)
	if err != nil {
		return SeriesResult{}, err
	}

	result := SeriesResult{Pattern: pattern}
	created, skipped, err := p.createOccurrences(ctx, pattern, occs, in.Confirmed)
	if err != nil {
		return SeriesResult{}, err
	}
	result.Created = created
	result.Skipped = skipped

	pattern.Generated = append(pattern.Generated, created...)
	pattern, err = p.store.UpdatePattern(ctx, pattern)
	if err != nil {
		return SeriesResult{}, err
	}
	result.Pattern = pattern

	p.log.Info("series created",
		slog.String("pattern_id", pattern.ID.String()),
		slog.Int("created", len(created)),
		slog.Int("skipped", len(skipped)),
	)
	return result, nil
}

// createOccurrences books each occurrence through the coordinator. Terminal
// per-occurrence rejections and transient busy outcomes become skips; only
// infrastructure failures abort the series.
func (p *Planner) createOccurrences(ctx context.Context, pattern domain.RecurrencePattern, occs []time.Time, confirmed bool) ([]uuid.UUID, []SkippedOccurrence, error) {
	var created []uuid.UUID
	var skipped []SkippedOccurrence

	for _, occ := range occs {
		appt, err := p.coordinator.Create(ctx, booking.CreateRequest{
			ProviderID:   pattern.ProviderID,
			ClientRef:    pattern.ClientRef,
			Start:        occ,
			Duration:     pattern.Duration,
			BufferBefore: &pattern.BufferBefore,
			BufferAfter:  &pattern.BufferAfter,
			Confirmed:    confirmed,
			RecurrenceID: &pattern.ID,
		})
		if err != nil {
			if reason, ok := skipReason(err); ok {
				skipped = append(skipped, SkippedOccurrence{Date: occ, Reason: reason})
				continue
			}
			return nil, nil, err
		}
		created = append(created, appt.ID)
	}
	return created, skipped, nil
}

func skipReason(err error) (string, bool) {
	var conflictErr *booking.ConflictError
	if errors.As(err, &conflictErr) {
		return "conflict", true
	}
	var violation *policy.Violation
	if errors.As(err, &violation) {
		return "policy: " + violation.Reason, true
	}
	var vErr *booking.ValidationError
	if errors.As(err, &vErr) {
		return "invalid: " + vErr.Error(), true
	}
	if errors.Is(err, store.ErrBusy) {
		return "busy", true
	}
	return "", false
}

// Detach makes one occurrence independent of its pattern: its recurrence_id
// is cleared and nothing else changes. Subsequent reschedules or cancels of
// the appointment never touch the pattern or its siblings.
func (p *Planner) Detach(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	current, err := p.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	if current.RecurrenceID == nil {
		return domain.Appointment{}, validationError("appointment is not part of a series")
	}

	var detached domain.Appointment
	err = p.store.InProviderTx(ctx, current.ProviderID, func(ctx context.Context, tx store.ProviderTx) error {
		appt, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		appt.RecurrenceID = nil
		detached, err = tx.UpdateAppointment(ctx, appt)
		return err
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	p.log.Info("occurrence detached", slog.String("appointment_id", appointmentID.String()))
	return detached, nil
}

// Changes is the set of pattern fields an all-future edit may replace.
type Changes struct {
	DTStart      *time.Time
	Duration     *time.Duration
	BufferBefore *time.Duration
	BufferAfter  *time.Duration
	Interval     *int
	ByWeekday    []int16
	Count        *int
	Until        *time.Time
}

// EditAllFuture regenerates the series from now on: future undetached
// occurrences are cancelled, the pattern is updated, and occurrences are
// recreated through the same partial-success logic as CreateSeries. Past
// occurrences and detached ones are untouched.
func (p *Planner) EditAllFuture(ctx context.Context, patternID uuid.UUID, changes Changes) (SeriesResult, error) {
	pattern, err := p.store.GetPattern(ctx, patternID)
	if err != nil {
		return SeriesResult{}, err
	}

	now := p.now().UTC()
	if err := p.cancelFuture(ctx, pattern, now); err != nil {
		return SeriesResult{}, err
	}

	if changes.DTStart != nil {
		pattern.DTStart = changes.DTStart.UTC()
	}
	if changes.Duration != nil {
		pattern.Duration = *changes.Duration
	}
	if changes.BufferBefore != nil {
		pattern.BufferBefore = *changes.BufferBefore
	}
	if changes.BufferAfter != nil {
		pattern.BufferAfter = *changes.BufferAfter
	}
	if changes.Interval != nil {
		pattern.Interval = *changes.Interval
	}
	if changes.ByWeekday != nil {
		pattern.ByWeekday = changes.ByWeekday
	}
	if changes.Count != nil {
		pattern.Count = changes.Count
	}
	if changes.Until != nil {
		pattern.Until = changes.Until
	}
	if err := pattern.Normalize(); err != nil {
		return SeriesResult{}, validationError(err.Error())
	}

	rules, err := p.coordinator.Rules(ctx, pattern.ProviderID)
	if err != nil {
		return SeriesResult{}, err
	}
	occs, err := pattern.Occurrences(rules.Horizon(now))
	if err != nil {
		return SeriesResult{}, validationError(err.Error())
	}
	future := occs[:0]
	for _, occ := range occs {
		if occ.After(now) {
			future = append(future, occ)
		}
	}

	created, skipped, err := p.createOccurrences(ctx, pattern, future, false)
	if err != nil {
		return SeriesResult{}, err
	}

	pattern.Generated = append(pattern.Generated, created...)
	pattern, err = p.store.UpdatePattern(ctx, pattern)
	if err != nil {
		return SeriesResult{}, err
	}

	p.log.Info("series regenerated",
		slog.String("pattern_id", pattern.ID.String()),
		slog.Int("created", len(created)),
		slog.Int("skipped", len(skipped)),
	)
	return SeriesResult{Pattern: pattern, Created: created, Skipped: skipped}, nil
}

// End stops the series: future undetached occurrences are cancelled and the
// pattern's until is pulled back to now so no further expansion happens.
func (p *Planner) End(ctx context.Context, patternID uuid.UUID) (domain.RecurrencePattern, error) {
	pattern, err := p.store.GetPattern(ctx, patternID)
	if err != nil {
		return domain.RecurrencePattern{}, err
	}

	now := p.now().UTC()
	if err := p.cancelFuture(ctx, pattern, now); err != nil {
		return domain.RecurrencePattern{}, err
	}

	pattern.Until = &now
	pattern, err = p.store.UpdatePattern(ctx, pattern)
	if err != nil {
		return domain.RecurrencePattern{}, err
	}

	p.log.Info("series ended", slog.String("pattern_id", pattern.ID.String()))
	return pattern, nil
}

// cancelFuture cancels the pattern's future occurrences that are still
// attached and still active. The generated list is a weak reference: ids
// pointing at detached or already-terminal appointments are simply skipped.
func (p *Planner) cancelFuture(ctx context.Context, pattern domain.RecurrencePattern, now time.Time) error {
	for _, id := range pattern.Generated {
		appt, err := p.store.GetAppointment(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if appt.RecurrenceID == nil || *appt.RecurrenceID != pattern.ID {
			continue
		}
		if !appt.Active() || !appt.StartTime.After(now) {
			continue
		}
		if _, err := p.coordinator.Cancel(ctx, id, "series"); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}
