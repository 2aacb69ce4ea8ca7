package availability

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bookable/engine/internal/conflict"
	"bookable/engine/internal/domain"
	"bookable/engine/internal/policy"
	"bookable/engine/internal/store"
	"bookable/engine/internal/store/memory"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newCalculator(t *testing.T, st store.Store, rules policy.Rules, now time.Time) *Calculator {
	t.Helper()
	return NewCalculator(st, conflict.NewDetector(st), rules).WithNow(fixedNow(now))
}

func seedWeekday(t *testing.T, st store.Store, provider uuid.UUID, weekday int16, startMinute, endMinute int) {
	t.Helper()
	_, err := st.UpsertWorkingHours(context.Background(), domain.WorkingHours{
		ProviderID:  provider,
		Weekday:     weekday,
		StartMinute: startMinute,
		EndMinute:   endMinute,
		Active:      true,
	})
	require.NoError(t, err)
}

func insertAppointment(t *testing.T, st store.Store, appt domain.Appointment) {
	t.Helper()
	err := st.InProviderTx(context.Background(), appt.ProviderID, func(ctx context.Context, tx store.ProviderTx) error {
		_, err := tx.InsertAppointment(ctx, appt)
		return err
	})
	require.NoError(t, err)
}

func slotSet(slots []time.Time) map[time.Time]bool {
	out := make(map[time.Time]bool, len(slots))
	for _, s := range slots {
		out[s.UTC()] = true
	}
	return out
}

// Monday 2026-09-07. now is the Tuesday before, so lead time and advance
// window never interfere unless a test wants them to.
var (
	monday  = time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	testNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
)

func TestSlots_ExcludesBufferedConflictWindow(t *testing.T) {
	st := memory.New(0)
	provider := uuid.New()
	seedWeekday(t, st, provider, 1, 9*60, 17*60) // Monday 09:00-17:00 UTC

	// Existing appointment 10:00-10:30 with 10-minute buffers both sides:
	// the occupied interval is [09:50, 10:40).
	insertAppointment(t, st, domain.Appointment{
		ProviderID:   provider,
		ClientRef:    "client-a",
		StartTime:    monday.Add(10 * time.Hour),
		EndTime:      monday.Add(10*time.Hour + 30*time.Minute),
		BufferBefore: 10 * time.Minute,
		BufferAfter:  10 * time.Minute,
		Status:       domain.AppointmentStatusConfirmed,
	})

	rules := policy.Rules{MinLeadTime: 2 * time.Hour, MaxAdvance: 60 * 24 * time.Hour, SlotStep: 10 * time.Minute}
	calc := newCalculator(t, st, rules, testNow)

	slots, err := calc.Slots(context.Background(), Request{
		ProviderID:      provider,
		Timezone:        "UTC",
		DateFrom:        "2026-09-07",
		DateTo:          "2026-09-07",
		ServiceDuration: 30 * time.Minute,
	})
	require.NoError(t, err)
	require.NotEmpty(t, slots)

	got := slotSet(slots)
	for start := monday.Add(9*time.Hour + 40*time.Minute); start.Before(monday.Add(10*time.Hour + 40*time.Minute)); start = start.Add(10 * time.Minute) {
		require.Falsef(t, got[start], "slot %v must be excluded by the occupied interval", start)
	}
	require.True(t, got[monday.Add(10*time.Hour+40*time.Minute)], "10:40 starts exactly at the occupied interval's end and must be offered")
	require.True(t, got[monday.Add(9*time.Hour)], "09:00 is clear of the occupied interval")
	require.True(t, got[monday.Add(9*time.Hour+20*time.Minute)], "09:20 ends exactly when the occupied interval begins")
}

func TestSlots_ServiceMustFitBeforeClose(t *testing.T) {
	st := memory.New(0)
	provider := uuid.New()
	seedWeekday(t, st, provider, 1, 9*60, 10*60) // Monday 09:00-10:00

	calc := newCalculator(t, st, policy.Rules{MinLeadTime: time.Hour, MaxAdvance: 60 * 24 * time.Hour}, testNow)
	slots, err := calc.Slots(context.Background(), Request{
		ProviderID:      provider,
		Timezone:        "UTC",
		DateFrom:        "2026-09-07",
		DateTo:          "2026-09-07",
		ServiceDuration: 45 * time.Minute,
	})
	require.NoError(t, err)

	// Only 09:00 fits; 09:45 would run past closing.
	require.Len(t, slots, 1)
	require.True(t, slots[0].Equal(monday.Add(9*time.Hour)))
}

func TestSlots_TimeOffAlwaysWins(t *testing.T) {
	st := memory.New(0)
	provider := uuid.New()
	seedWeekday(t, st, provider, 1, 9*60, 12*60)

	_, err := st.AddTimeOff(context.Background(), domain.TimeOff{
		ProviderID: provider,
		StartTime:  monday.Add(10 * time.Hour),
		EndTime:    monday.Add(11 * time.Hour),
	})
	require.NoError(t, err)

	calc := newCalculator(t, st, policy.Rules{MinLeadTime: time.Hour, MaxAdvance: 60 * 24 * time.Hour, SlotStep: time.Hour}, testNow)
	slots, err := calc.Slots(context.Background(), Request{
		ProviderID:      provider,
		Timezone:        "UTC",
		DateFrom:        "2026-09-07",
		DateTo:          "2026-09-07",
		ServiceDuration: time.Hour,
	})
	require.NoError(t, err)

	got := slotSet(slots)
	require.True(t, got[monday.Add(9*time.Hour)])
	require.False(t, got[monday.Add(10*time.Hour)], "blacked-out hour must not be offered")
	require.True(t, got[monday.Add(11*time.Hour)])
}

func TestSlots_OpenSpecialReplacesTemplate(t *testing.T) {
	st := memory.New(0)
	provider := uuid.New()
	seedWeekday(t, st, provider, 1, 9*60, 17*60)

	_, err := st.AddSpecialAvailability(context.Background(), domain.SpecialAvailability{
		ProviderID:  provider,
		Date:        "2026-09-07",
		StartMinute: 13 * 60,
		EndMinute:   15 * 60,
		Kind:        domain.SpecialKindOpen,
	})
	require.NoError(t, err)

	calc := newCalculator(t, st, policy.Rules{MinLeadTime: time.Hour, MaxAdvance: 60 * 24 * time.Hour, SlotStep: time.Hour}, testNow)
	slots, err := calc.Slots(context.Background(), Request{
		ProviderID:      provider,
		Timezone:        "UTC",
		DateFrom:        "2026-09-07",
		DateTo:          "2026-09-07",
		ServiceDuration: time.Hour,
	})
	require.NoError(t, err)

	got := slotSet(slots)
	require.False(t, got[monday.Add(9*time.Hour)], "open override replaces the weekly template for the date")
	require.True(t, got[monday.Add(13*time.Hour)])
	require.True(t, got[monday.Add(14*time.Hour)])
	require.Len(t, slots, 2)
}

func TestSlots_BlockSpecialClosesSpan(t *testing.T) {
	st := memory.New(0)
	provider := uuid.New()
	seedWeekday(t, st, provider, 1, 9*60, 12*60)

	_, err := st.AddSpecialAvailability(context.Background(), domain.SpecialAvailability{
		ProviderID:  provider,
		Date:        "2026-09-07",
		StartMinute: 9 * 60,
		EndMinute:   10 * 60,
		Kind:        domain.SpecialKindBlock,
	})
	require.NoError(t, err)

	calc := newCalculator(t, st, policy.Rules{MinLeadTime: time.Hour, MaxAdvance: 60 * 24 * time.Hour, SlotStep: time.Hour}, testNow)
	slots, err := calc.Slots(context.Background(), Request{
		ProviderID:      provider,
		Timezone:        "UTC",
		DateFrom:        "2026-09-07",
		DateTo:          "2026-09-07",
		ServiceDuration: time.Hour,
	})
	require.NoError(t, err)

	got := slotSet(slots)
	require.False(t, got[monday.Add(9*time.Hour)])
	require.True(t, got[monday.Add(10*time.Hour)])
	require.True(t, got[monday.Add(11*time.Hour)])
}

func TestSlots_LeadTimeAndAdvanceWindowGateCandidates(t *testing.T) {
	st := memory.New(0)
	provider := uuid.New()
	for wd := int16(1); wd <= 7; wd++ {
		seedWeekday(t, st, provider, wd, 9*60, 10*60)
	}

	// now is 08:00 on the requested Monday; 09:00 is inside the 2h lead
	// time. The advance window ends Thursday 08:00, so Thursday 09:00 is out.
	now := monday.Add(8 * time.Hour)
	calc := newCalculator(t, st, policy.Rules{MinLeadTime: 2 * time.Hour, MaxAdvance: 72 * time.Hour, SlotStep: time.Hour}, now)
	slots, err := calc.Slots(context.Background(), Request{
		ProviderID:      provider,
		Timezone:        "UTC",
		DateFrom:        "2026-09-07",
		DateTo:          "2026-09-10",
		ServiceDuration: time.Hour,
	})
	require.NoError(t, err)

	got := slotSet(slots)
	require.False(t, got[monday.Add(9*time.Hour)], "inside minimum lead time")
	require.True(t, got[monday.AddDate(0, 0, 1).Add(9*time.Hour)])
	require.True(t, got[monday.AddDate(0, 0, 2).Add(9*time.Hour)])
	require.False(t, got[monday.AddDate(0, 0, 3).Add(9*time.Hour)], "beyond maximum advance window")
}

func TestSlots_ProviderPolicyOverridesDefaults(t *testing.T) {
	st := memory.New(0)
	provider := uuid.New()
	seedWeekday(t, st, provider, 1, 9*60, 11*60)
	st.SetProviderPolicy(provider, policy.Rules{MinLeadTime: time.Hour, MaxAdvance: 60 * 24 * time.Hour, SlotStep: 30 * time.Minute})

	// Platform default step of 1h would yield 2 slots; the provider's
	// 30-minute step yields 3 for a 60-minute service.
	calc := newCalculator(t, st, policy.Rules{MinLeadTime: time.Hour, MaxAdvance: 60 * 24 * time.Hour, SlotStep: time.Hour}, testNow)
	slots, err := calc.Slots(context.Background(), Request{
		ProviderID:      provider,
		Timezone:        "UTC",
		DateFrom:        "2026-09-07",
		DateTo:          "2026-09-07",
		ServiceDuration: time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, slots, 3)
}

func TestSlots_InputValidation(t *testing.T) {
	st := memory.New(0)
	calc := newCalculator(t, st, policy.Default(), testNow)

	_, err := calc.Slots(context.Background(), Request{
		ProviderID:      uuid.New(),
		Timezone:        "",
		DateFrom:        "2026-09-07",
		DateTo:          "2026-09-07",
		ServiceDuration: time.Hour,
	})
	require.Error(t, err, "timezone is mandatory")

	_, err = calc.Slots(context.Background(), Request{
		ProviderID:      uuid.New(),
		Timezone:        "UTC",
		DateFrom:        "2026-09-08",
		DateTo:          "2026-09-07",
		ServiceDuration: time.Hour,
	})
	require.Error(t, err, "inverted date range")

	_, err = calc.Slots(context.Background(), Request{
		ProviderID: uuid.New(),
		Timezone:   "UTC",
		DateFrom:   "2026-09-07",
		DateTo:     "2026-09-07",
	})
	require.Error(t, err, "service duration is mandatory")
}
