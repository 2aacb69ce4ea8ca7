// Package memory provides an in-process Store used by tests and dev mode.
// Per-provider serialization is a semaphore acquired with a timeout, so the
// Busy path behaves like the advisory-lock timeout of the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookable/engine/internal/domain"
	"bookable/engine/internal/policy"
	"bookable/engine/internal/store"
)

const defaultLockTimeout = 2 * time.Second

type Store struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]domain.Appointment
	hours        map[uuid.UUID][]domain.WorkingHours
	timeOff      map[uuid.UUID][]domain.TimeOff
	specials     map[uuid.UUID][]domain.SpecialAvailability
	patterns     map[uuid.UUID]domain.RecurrencePattern
	policies     map[uuid.UUID]policy.Rules

	lockMu      sync.Mutex
	locks       map[uuid.UUID]chan struct{}
	lockTimeout time.Duration
}

func New(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{
		appointments: make(map[uuid.UUID]domain.Appointment),
		hours:        make(map[uuid.UUID][]domain.WorkingHours),
		timeOff:      make(map[uuid.UUID][]domain.TimeOff),
		specials:     make(map[uuid.UUID][]domain.SpecialAvailability),
		patterns:     make(map[uuid.UUID]domain.RecurrencePattern),
		policies:     make(map[uuid.UUID]policy.Rules),
		locks:        make(map[uuid.UUID]chan struct{}),
		lockTimeout:  lockTimeout,
	}
}

func (s *Store) semaphore(providerID uuid.UUID) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	sem, ok := s.locks[providerID]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[providerID] = sem
	}
	return sem
}

// InProviderTx serializes writers per provider. Writes made through the tx
// are staged and applied only when fn returns nil, so a rejected operation
// leaves the store untouched.
func (s *Store) InProviderTx(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context, tx store.ProviderTx) error) error {
	sem := s.semaphore(providerID)

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
	case <-timer.C:
		return store.ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	tx := &memTx{s: s, staged: make(map[uuid.UUID]domain.Appointment)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	for id, appt := range tx.staged {
		s.appointments[id] = appt
	}
	s.mu.Unlock()
	return nil
}

type memTx struct {
	s      *Store
	staged map[uuid.UUID]domain.Appointment
}

func (t *memTx) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if appt, ok := t.staged[id]; ok {
		return appt, nil
	}
	return t.s.GetAppointment(ctx, id)
}

func (t *memTx) ListActiveOverlapping(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := make([]domain.Appointment, 0, 8)
	for id, a := range t.s.appointments {
		if staged, ok := t.staged[id]; ok {
			a = staged
		}
		if a.ProviderID == providerID && a.Active() && a.OverlapsInterval(windowStart, windowEnd) {
			out = append(out, a)
		}
	}
	for id, a := range t.staged {
		if _, committed := t.s.appointments[id]; committed {
			continue
		}
		if a.ProviderID == providerID && a.Active() && a.OverlapsInterval(windowStart, windowEnd) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (t *memTx) InsertAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	}
	now := time.Now().UTC()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	appt.UpdatedAt = now
	t.staged[appt.ID] = appt
	return appt, nil
}

func (t *memTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if _, err := t.GetAppointment(ctx, appt.ID); err != nil {
		return domain.Appointment{}, err
	}
	appt.UpdatedAt = time.Now().UTC()
	t.staged[appt.ID] = appt
	return appt, nil
}

func (s *Store) GetAppointment(_ context.Context, id uuid.UUID) (domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appt, ok := s.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return appt, nil
}

func (s *Store) ListActiveOverlapping(_ context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Appointment, 0, 8)
	for _, a := range s.appointments {
		if a.ProviderID == providerID && a.Active() && a.OverlapsInterval(windowStart, windowEnd) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (s *Store) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from []domain.AppointmentStatus, to domain.AppointmentStatus) (domain.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if appt.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Appointment{}, store.ErrNotFound
	}
	appt.Status = to
	appt.UpdatedAt = time.Now().UTC()
	s.appointments[id] = appt
	return appt, nil
}

func (s *Store) WorkingHours(_ context.Context, providerID uuid.UUID) ([]domain.WorkingHours, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.WorkingHours(nil), s.hours[providerID]...), nil
}

func (s *Store) TimeOff(_ context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) ([]domain.TimeOff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TimeOff, 0, 4)
	for _, t := range s.timeOff[providerID] {
		if t.StartTime.Before(windowEnd) && windowStart.Before(t.EndTime) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) SpecialAvailability(_ context.Context, providerID uuid.UUID, dateFrom, dateTo string) ([]domain.SpecialAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SpecialAvailability, 0, 4)
	for _, sa := range s.specials[providerID] {
		if sa.Date >= dateFrom && sa.Date <= dateTo {
			out = append(out, sa)
		}
	}
	return out, nil
}

func (s *Store) ProviderPolicy(_ context.Context, providerID uuid.UUID) (policy.Rules, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules, ok := s.policies[providerID]
	return rules, ok, nil
}

// SetProviderPolicy installs a per-provider policy override.
func (s *Store) SetProviderPolicy(providerID uuid.UUID, rules policy.Rules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[providerID] = rules
}

func (s *Store) UpsertWorkingHours(_ context.Context, wh domain.WorkingHours) (domain.WorkingHours, error) {
	if wh.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.WorkingHours{}, err
		}
		wh.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.hours[wh.ProviderID]
	for i, existing := range rows {
		if existing.ID == wh.ID {
			rows[i] = wh
			return wh, nil
		}
	}
	s.hours[wh.ProviderID] = append(rows, wh)
	return wh, nil
}

func (s *Store) AddTimeOff(_ context.Context, to domain.TimeOff) (domain.TimeOff, error) {
	if to.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.TimeOff{}, err
		}
		to.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeOff[to.ProviderID] = append(s.timeOff[to.ProviderID], to)
	return to, nil
}

func (s *Store) AddSpecialAvailability(_ context.Context, sa domain.SpecialAvailability) (domain.SpecialAvailability, error) {
	if sa.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.SpecialAvailability{}, err
		}
		sa.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specials[sa.ProviderID] = append(s.specials[sa.ProviderID], sa)
	return sa, nil
}

func (s *Store) GetPattern(_ context.Context, id uuid.UUID) (domain.RecurrencePattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return domain.RecurrencePattern{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) CreatePattern(_ context.Context, p domain.RecurrencePattern) (domain.RecurrencePattern, error) {
	if p.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.RecurrencePattern{}, err
		}
		p.ID = id
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[p.ID] = p
	return p, nil
}

func (s *Store) UpdatePattern(_ context.Context, p domain.RecurrencePattern) (domain.RecurrencePattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[p.ID]; !ok {
		return domain.RecurrencePattern{}, store.ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	s.patterns[p.ID] = p
	return p, nil
}

func sortByStart(appts []domain.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		return appts[i].StartTime.Before(appts[j].StartTime)
	})
}
