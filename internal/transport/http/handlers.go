package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bookable/engine/internal/abuse"
	"bookable/engine/internal/availability"
	"bookable/engine/internal/booking"
	"bookable/engine/internal/domain"
	"bookable/engine/internal/policy"
	"bookable/engine/internal/series"
	"bookable/engine/internal/store"
	"bookable/engine/internal/timezone"
)

// Callers already verified by the identity layer in front of this service
// arrive with this header set; their bookings skip the pending state and the
// abuse guard. Guests who passed a secondary verification carry the token
// header instead.
const (
	headerAuthenticatedUser = "X-Authenticated-User"
	headerVerificationToken = "X-Verification-Token"
)

type Handler struct {
	calculator  *availability.Calculator
	coordinator *booking.Coordinator
	planner     *series.Planner
	store       store.Store
	guard       *abuse.Guard
	log         *slog.Logger
}

func NewHandler(
	calculator *availability.Calculator,
	coordinator *booking.Coordinator,
	planner *series.Planner,
	st store.Store,
	guard *abuse.Guard,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		calculator:  calculator,
		coordinator: coordinator,
		planner:     planner,
		store:       st,
		guard:       guard,
		log:         log.With(slog.String("component", "http")),
	}
}

type appointmentResponse struct {
	ID           uuid.UUID  `json:"id"`
	ProviderID   uuid.UUID  `json:"provider_id"`
	ClientRef    string     `json:"client_ref"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	BufferBefore string     `json:"buffer_before"`
	BufferAfter  string     `json:"buffer_after"`
	Status       string     `json:"status"`
	RecurrenceID *uuid.UUID `json:"recurrence_id,omitempty"`
}

func toAppointmentResponse(a domain.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:           a.ID,
		ProviderID:   a.ProviderID,
		ClientRef:    a.ClientRef,
		StartTime:    a.StartTime,
		EndTime:      a.EndTime,
		BufferBefore: a.BufferBefore.String(),
		BufferAfter:  a.BufferAfter.String(),
		Status:       string(a.Status),
		RecurrenceID: a.RecurrenceID,
	}
}

// ComputeSlots handles GET /api/providers/{providerID}/slots.
func (h *Handler) ComputeSlots(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}

	q := r.URL.Query()
	durationMin, err := strconv.Atoi(q.Get("duration_minutes"))
	if err != nil || durationMin <= 0 {
		writeError(w, http.StatusBadRequest, "duration_minutes must be a positive integer")
		return
	}
	loc, err := timezone.Location(q.Get("timezone"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, key := range []string{"date_from", "date_to"} {
		if _, err := time.Parse("2006-01-02", q.Get(key)); err != nil {
			writeError(w, http.StatusBadRequest, key+" must be formatted 2006-01-02")
			return
		}
	}
	if q.Get("date_to") < q.Get("date_from") {
		writeError(w, http.StatusBadRequest, "date_to must not be before date_from")
		return
	}

	req := availability.Request{
		ProviderID:      providerID,
		Timezone:        q.Get("timezone"),
		DateFrom:        q.Get("date_from"),
		DateTo:          q.Get("date_to"),
		ServiceDuration: time.Duration(durationMin) * time.Minute,
	}
	if v := q.Get("buffer_before_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "buffer_before_minutes must be a non-negative integer")
			return
		}
		d := time.Duration(n) * time.Minute
		req.BufferBefore = &d
	}
	if v := q.Get("buffer_after_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "buffer_after_minutes must be a non-negative integer")
			return
		}
		d := time.Duration(n) * time.Minute
		req.BufferAfter = &d
	}

	slots, err := h.calculator.Slots(r.Context(), req)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	type slotResponse struct {
		StartUTC   time.Time `json:"start_utc"`
		StartLocal string    `json:"start_local"`
	}
	out := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotResponse{
			StartUTC:   s,
			StartLocal: timezone.ToDisplay(s, loc).Format("2006-01-02T15:04:05"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id": providerID,
		"timezone":    req.Timezone,
		"slots":       out,
	})
}

type createAppointmentRequest struct {
	ProviderID          uuid.UUID `json:"provider_id"`
	ClientRef           string    `json:"client_ref"`
	StartTime           time.Time `json:"start_time"`
	DurationMinutes     int       `json:"duration_minutes"`
	BufferBeforeMinutes *int      `json:"buffer_before_minutes,omitempty"`
	BufferAfterMinutes  *int      `json:"buffer_after_minutes,omitempty"`
	// Contact is the guest's reachable address (email or phone), used only
	// for abuse fingerprinting. Authenticated callers may omit it.
	Contact string `json:"contact,omitempty"`
}

// CreateAppointment handles POST /api/appointments. Guest requests pass
// through the abuse guard before reaching the coordinator.
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DurationMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "duration_minutes must be a positive integer")
		return
	}

	authenticated := r.Header.Get(headerAuthenticatedUser) != ""
	if !authenticated && h.guard != nil {
		fp := abuse.Fingerprint(req.Contact, r.RemoteAddr)
		decision, err := h.guard.CheckAndRecord(r.Context(), fp)
		if err != nil {
			// Counter backend down: admit rather than block the booking path.
			h.log.Warn("abuse counter unavailable", slog.Any("err", err))
		} else {
			switch decision.Outcome {
			case abuse.OutcomeRateLimited:
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
				writeError(w, http.StatusTooManyRequests, "too many booking attempts, try again later")
				return
			case abuse.OutcomeChallengeRequired:
				if r.Header.Get(headerVerificationToken) == "" {
					writeJSON(w, http.StatusForbidden, map[string]any{
						"error":                 "verification required",
						"verification_required": true,
					})
					return
				}
			}
		}
	}

	create := booking.CreateRequest{
		ProviderID: req.ProviderID,
		ClientRef:  req.ClientRef,
		Start:      req.StartTime,
		Duration:   time.Duration(req.DurationMinutes) * time.Minute,
		Confirmed:  authenticated,
	}
	if req.BufferBeforeMinutes != nil {
		d := time.Duration(*req.BufferBeforeMinutes) * time.Minute
		create.BufferBefore = &d
	}
	if req.BufferAfterMinutes != nil {
		d := time.Duration(*req.BufferAfterMinutes) * time.Minute
		create.BufferAfter = &d
	}

	appt, err := h.coordinator.Create(r.Context(), create)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

type rescheduleRequest struct {
	StartTime time.Time `json:"start_time"`
}

// RescheduleAppointment handles POST /api/appointments/{id}/reschedule.
func (h *Handler) RescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	appt, err := h.coordinator.Reschedule(r.Context(), id, req.StartTime)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// CancelAppointment handles DELETE /api/appointments/{id}.
func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = "client"
	}

	appt, err := h.coordinator.Cancel(r.Context(), id, actor)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// CompleteAppointment handles POST /api/appointments/{id}/complete.
func (h *Handler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coordinator.Complete)
}

// MarkNoShow handles POST /api/appointments/{id}/no-show.
func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.coordinator.MarkNoShow)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) (domain.Appointment, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	appt, err := fn(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type createSeriesRequest struct {
	ProviderID          uuid.UUID  `json:"provider_id"`
	ClientRef           string     `json:"client_ref"`
	Timezone            string     `json:"timezone"`
	StartTime           time.Time  `json:"start_time"`
	DurationMinutes     int        `json:"duration_minutes"`
	BufferBeforeMinutes *int       `json:"buffer_before_minutes,omitempty"`
	BufferAfterMinutes  *int       `json:"buffer_after_minutes,omitempty"`
	Frequency           string     `json:"frequency"`
	Interval            int        `json:"interval"`
	Weekdays            []int16    `json:"weekdays,omitempty"`
	Count               *int       `json:"count,omitempty"`
	Until               *time.Time `json:"until,omitempty"`
}

type seriesResponse struct {
	PatternID uuid.UUID                  `json:"pattern_id"`
	Created   []uuid.UUID                `json:"created"`
	Skipped   []series.SkippedOccurrence `json:"skipped"`
}

// CreateSeries handles POST /api/series. Partial success is a 201 with the
// skipped occurrences listed; only a fully invalid request is an error.
func (h *Handler) CreateSeries(w http.ResponseWriter, r *http.Request) {
	var req createSeriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DurationMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "duration_minutes must be a positive integer")
		return
	}

	in := series.CreateSeriesInput{
		ProviderID: req.ProviderID,
		ClientRef:  req.ClientRef,
		Timezone:   req.Timezone,
		Start:      req.StartTime,
		Duration:   time.Duration(req.DurationMinutes) * time.Minute,
		Frequency:  domain.RecurrenceFrequency(req.Frequency),
		Interval:   req.Interval,
		ByWeekday:  req.Weekdays,
		Count:      req.Count,
		Until:      req.Until,
		Confirmed:  r.Header.Get(headerAuthenticatedUser) != "",
	}
	if req.BufferBeforeMinutes != nil {
		d := time.Duration(*req.BufferBeforeMinutes) * time.Minute
		in.BufferBefore = &d
	}
	if req.BufferAfterMinutes != nil {
		d := time.Duration(*req.BufferAfterMinutes) * time.Minute
		in.BufferAfter = &d
	}

	result, err := h.planner.CreateSeries(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, seriesResponse{
		PatternID: result.Pattern.ID,
		Created:   result.Created,
		Skipped:   result.Skipped,
	})
}

type editSeriesRequest struct {
	// Mode is one of all_future, detach_one, end.
	Mode          string     `json:"mode"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`

	StartTime           *time.Time `json:"start_time,omitempty"`
	DurationMinutes     *int       `json:"duration_minutes,omitempty"`
	BufferBeforeMinutes *int       `json:"buffer_before_minutes,omitempty"`
	BufferAfterMinutes  *int       `json:"buffer_after_minutes,omitempty"`
	Interval            *int       `json:"interval,omitempty"`
	Weekdays            []int16    `json:"weekdays,omitempty"`
	Count               *int       `json:"count,omitempty"`
	Until               *time.Time `json:"until,omitempty"`
}

// EditSeries handles PATCH /api/series/{id}.
func (h *Handler) EditSeries(w http.ResponseWriter, r *http.Request) {
	patternID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern id")
		return
	}
	var req editSeriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Mode {
	case "detach_one":
		if req.AppointmentID == nil {
			writeError(w, http.StatusBadRequest, "appointment_id is required for detach_one")
			return
		}
		appt, err := h.planner.Detach(r.Context(), *req.AppointmentID)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))

	case "end":
		pattern, err := h.planner.End(r.Context(), patternID)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"pattern_id": pattern.ID,
			"until":      pattern.Until,
		})

	case "all_future":
		changes := series.Changes{
			DTStart:   req.StartTime,
			Interval:  req.Interval,
			ByWeekday: req.Weekdays,
			Count:     req.Count,
			Until:     req.Until,
		}
		if req.DurationMinutes != nil {
			d := time.Duration(*req.DurationMinutes) * time.Minute
			changes.Duration = &d
		}
		if req.BufferBeforeMinutes != nil {
			d := time.Duration(*req.BufferBeforeMinutes) * time.Minute
			changes.BufferBefore = &d
		}
		if req.BufferAfterMinutes != nil {
			d := time.Duration(*req.BufferAfterMinutes) * time.Minute
			changes.BufferAfter = &d
		}
		result, err := h.planner.EditAllFuture(r.Context(), patternID, changes)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, seriesResponse{
			PatternID: result.Pattern.ID,
			Created:   result.Created,
			Skipped:   result.Skipped,
		})

	default:
		writeError(w, http.StatusBadRequest, "mode must be one of all_future, detach_one, end")
	}
}

type workingHoursRequest struct {
	Weekday     int16 `json:"weekday"`
	StartMinute int   `json:"start_minute"`
	EndMinute   int   `json:"end_minute"`
	Active      bool  `json:"active"`
}

// UpsertWorkingHours handles POST /api/providers/{providerID}/working-hours.
func (h *Handler) UpsertWorkingHours(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}
	var req workingHoursRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Weekday < 1 || req.Weekday > 7 {
		writeError(w, http.StatusBadRequest, "weekday must be 1 (Monday) through 7 (Sunday)")
		return
	}
	if req.StartMinute < 0 || req.EndMinute > 24*60 || req.EndMinute <= req.StartMinute {
		writeError(w, http.StatusBadRequest, "start_minute and end_minute must form a span within the day")
		return
	}

	wh, err := h.store.UpsertWorkingHours(r.Context(), domain.WorkingHours{
		ProviderID:  providerID,
		Weekday:     req.Weekday,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
		Active:      req.Active,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

type timeOffRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Reason    string    `json:"reason,omitempty"`
}

// AddTimeOff handles POST /api/providers/{providerID}/time-off.
func (h *Handler) AddTimeOff(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}
	var req timeOffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.EndTime.After(req.StartTime) {
		writeError(w, http.StatusBadRequest, "end_time must be after start_time")
		return
	}

	to, err := h.store.AddTimeOff(r.Context(), domain.TimeOff{
		ProviderID: providerID,
		StartTime:  req.StartTime.UTC(),
		EndTime:    req.EndTime.UTC(),
		Reason:     req.Reason,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, to)
}

type specialAvailabilityRequest struct {
	Date        string `json:"date"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Kind        string `json:"kind"`
}

// AddSpecialAvailability handles POST /api/providers/{providerID}/special-availability.
func (h *Handler) AddSpecialAvailability(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}
	var req specialAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be formatted 2006-01-02")
		return
	}
	kind := domain.SpecialKind(req.Kind)
	if kind != domain.SpecialKindOpen && kind != domain.SpecialKindBlock {
		writeError(w, http.StatusBadRequest, "kind must be open or block")
		return
	}
	if req.StartMinute < 0 || req.EndMinute > 24*60 || req.EndMinute <= req.StartMinute {
		writeError(w, http.StatusBadRequest, "start_minute and end_minute must form a span within the day")
		return
	}

	sa, err := h.store.AddSpecialAvailability(r.Context(), domain.SpecialAvailability{
		ProviderID:  providerID,
		Date:        req.Date,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
		Kind:        kind,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sa)
}

// writeFailure maps engine errors onto HTTP statuses.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var bookingInvalid *booking.ValidationError
	var seriesInvalid *series.ValidationError
	var conflictErr *booking.ConflictError
	var violation *policy.Violation

	switch {
	case errors.As(err, &bookingInvalid), errors.As(err, &seriesInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":           "requested interval is no longer available",
			"conflicting_ids": conflictErr.ConflictingIDs,
		})
	case errors.As(err, &violation):
		writeError(w, http.StatusUnprocessableEntity, violation.Error())
	case errors.Is(err, store.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, "provider calendar is busy, retry shortly")
	default:
		h.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
