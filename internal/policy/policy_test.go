package policy

import (
	"errors"
	"testing"
	"time"
)

func TestCheckWindow(t *testing.T) {
	r := Rules{MinLeadTime: 2 * time.Hour, MaxAdvance: 48 * time.Hour}
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	var violation *Violation
	if err := r.CheckWindow(now, now.Add(time.Hour)); !errors.As(err, &violation) {
		t.Fatalf("inside lead time: err = %v, want *Violation", err)
	}
	if err := r.CheckWindow(now, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("exactly at lead time boundary: %v", err)
	}
	if err := r.CheckWindow(now, now.Add(48*time.Hour)); err != nil {
		t.Fatalf("exactly at advance boundary: %v", err)
	}
	if err := r.CheckWindow(now, now.Add(49*time.Hour)); !errors.As(err, &violation) {
		t.Fatalf("beyond advance window: err = %v, want *Violation", err)
	}
}

func TestCheckWindow_ZeroMaxAdvanceIsUnbounded(t *testing.T) {
	r := Rules{MinLeadTime: time.Hour}
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	if err := r.CheckWindow(now, now.AddDate(5, 0, 0)); err != nil {
		t.Fatalf("zero max advance must not bound the window: %v", err)
	}
}

func TestStep_FallsBackToServiceDuration(t *testing.T) {
	if got := (Rules{}).Step(30 * time.Minute); got != 30*time.Minute {
		t.Fatalf("step = %v, want 30m", got)
	}
	if got := (Rules{SlotStep: 15 * time.Minute}).Step(30 * time.Minute); got != 15*time.Minute {
		t.Fatalf("step = %v, want 15m", got)
	}
}
