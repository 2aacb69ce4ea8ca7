package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"bookable/engine/internal/domain"
	"bookable/engine/internal/store"
)

func TestInProviderTx_RejectedWritesAreDiscarded(t *testing.T) {
	s := New(0)
	provider := uuid.New()

	wantErr := errors.New("rejected")
	err := s.InProviderTx(context.Background(), provider, func(ctx context.Context, tx store.ProviderTx) error {
		_, err := tx.InsertAppointment(ctx, domain.Appointment{
			ProviderID: provider,
			ClientRef:  "client-a",
			StartTime:  time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
			EndTime:    time.Date(2026, 9, 7, 11, 0, 0, 0, time.UTC),
			Status:     domain.AppointmentStatusPending,
		})
		if err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want the fn error", err)
	}

	appts, err := s.ListActiveOverlapping(context.Background(), provider,
		time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 8, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListActiveOverlapping error: %v", err)
	}
	if len(appts) != 0 {
		t.Fatalf("staged write leaked into the store: %v", appts)
	}
}

func TestInProviderTx_StagedWritesVisibleInsideTheTx(t *testing.T) {
	s := New(0)
	provider := uuid.New()

	err := s.InProviderTx(context.Background(), provider, func(ctx context.Context, tx store.ProviderTx) error {
		inserted, err := tx.InsertAppointment(ctx, domain.Appointment{
			ProviderID: provider,
			ClientRef:  "client-a",
			StartTime:  time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
			EndTime:    time.Date(2026, 9, 7, 11, 0, 0, 0, time.UTC),
			Status:     domain.AppointmentStatusPending,
		})
		if err != nil {
			return err
		}

		got, err := tx.GetAppointment(ctx, inserted.ID)
		if err != nil {
			return err
		}
		if got.ClientRef != "client-a" {
			t.Fatalf("staged appointment not readable in tx")
		}

		overlapping, err := tx.ListActiveOverlapping(ctx, provider,
			time.Date(2026, 9, 7, 10, 30, 0, 0, time.UTC),
			time.Date(2026, 9, 7, 11, 30, 0, 0, time.UTC))
		if err != nil {
			return err
		}
		if len(overlapping) != 1 {
			t.Fatalf("staged appointment invisible to overlap query: %v", overlapping)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InProviderTx error: %v", err)
	}
}

func TestInProviderTx_BusyOnLockTimeout(t *testing.T) {
	s := New(50 * time.Millisecond)
	provider := uuid.New()

	hold := make(chan struct{})
	released := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.InProviderTx(context.Background(), provider, func(ctx context.Context, tx store.ProviderTx) error {
			close(hold)
			<-released
			return nil
		})
	}()

	<-hold
	err := s.InProviderTx(context.Background(), provider, func(ctx context.Context, tx store.ProviderTx) error {
		return nil
	})
	close(released)
	wg.Wait()

	if !errors.Is(err, store.ErrBusy) {
		t.Fatalf("err = %v, want store.ErrBusy", err)
	}
}

func TestInProviderTx_LocksAreScopedPerProvider(t *testing.T) {
	s := New(50 * time.Millisecond)

	hold := make(chan struct{})
	released := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.InProviderTx(context.Background(), uuid.New(), func(ctx context.Context, tx store.ProviderTx) error {
			close(hold)
			<-released
			return nil
		})
	}()

	<-hold
	err := s.InProviderTx(context.Background(), uuid.New(), func(ctx context.Context, tx store.ProviderTx) error {
		return nil
	})
	close(released)
	wg.Wait()

	if err != nil {
		t.Fatalf("a different provider's lock must not block: %v", err)
	}
}

func TestUpdateAppointmentStatus_GuardsCurrentStatus(t *testing.T) {
	s := New(0)
	provider := uuid.New()

	var id uuid.UUID
	err := s.InProviderTx(context.Background(), provider, func(ctx context.Context, tx store.ProviderTx) error {
		appt, err := tx.InsertAppointment(ctx, domain.Appointment{
			ProviderID: provider,
			ClientRef:  "client-a",
			StartTime:  time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
			EndTime:    time.Date(2026, 9, 7, 11, 0, 0, 0, time.UTC),
			Status:     domain.AppointmentStatusPending,
		})
		id = appt.ID
		return err
	})
	if err != nil {
		t.Fatalf("InProviderTx error: %v", err)
	}

	got, err := s.UpdateAppointmentStatus(context.Background(), id,
		[]domain.AppointmentStatus{domain.AppointmentStatusPending}, domain.AppointmentStatusConfirmed)
	if err != nil {
		t.Fatalf("UpdateAppointmentStatus error: %v", err)
	}
	if got.Status != domain.AppointmentStatusConfirmed {
		t.Fatalf("status = %q, want confirmed", got.Status)
	}

	if _, err := s.UpdateAppointmentStatus(context.Background(), id,
		[]domain.AppointmentStatus{domain.AppointmentStatusPending}, domain.AppointmentStatusConfirmed); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("transition from wrong status: err = %v, want store.ErrNotFound", err)
	}
}

func TestTimeOff_FiltersByWindow(t *testing.T) {
	s := New(0)
	provider := uuid.New()

	_, err := s.AddTimeOff(context.Background(), domain.TimeOff{
		ProviderID: provider,
		StartTime:  time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2026, 9, 7, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("AddTimeOff error: %v", err)
	}

	hits, err := s.TimeOff(context.Background(), provider,
		time.Date(2026, 9, 7, 11, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 7, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("TimeOff error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("overlapping window hits = %d, want 1", len(hits))
	}

	misses, err := s.TimeOff(context.Background(), provider,
		time.Date(2026, 9, 7, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 7, 14, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("TimeOff error: %v", err)
	}
	if len(misses) != 0 {
		t.Fatalf("half-open window must exclude a blackout ending at its start, got %d", len(misses))
	}
}

func TestSpecialAvailability_FiltersByDateRange(t *testing.T) {
	s := New(0)
	provider := uuid.New()

	for _, date := range []string{"2026-09-06", "2026-09-07", "2026-09-09"} {
		_, err := s.AddSpecialAvailability(context.Background(), domain.SpecialAvailability{
			ProviderID:  provider,
			Date:        date,
			StartMinute: 9 * 60,
			EndMinute:   12 * 60,
			Kind:        domain.SpecialKindOpen,
		})
		if err != nil {
			t.Fatalf("AddSpecialAvailability error: %v", err)
		}
	}

	got, err := s.SpecialAvailability(context.Background(), provider, "2026-09-07", "2026-09-08")
	if err != nil {
		t.Fatalf("SpecialAvailability error: %v", err)
	}
	if len(got) != 1 || got[0].Date != "2026-09-07" {
		t.Fatalf("got %v, want only 2026-09-07", got)
	}
}
