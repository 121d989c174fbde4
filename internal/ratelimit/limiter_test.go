package ratelimit

import (
	"testing"
	"time"

	"chanpost/internal/transport"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEarliestEligibleSpacing(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dest := transport.Destination{ChatID: 42}

	l := New(Config{MinSpacing: 10 * time.Second, GlobalPerSec: 1000, GlobalBurst: 1000})
	l.SetNow(fixedClock(base))

	if got := l.EarliestEligible(dest); !got.Equal(base) {
		t.Fatalf("fresh destination should be eligible now, got %v", got)
	}

	l.RecordSend(dest, base)
	want := base.Add(10 * time.Second)
	if got := l.EarliestEligible(dest); !got.Equal(want) {
		t.Fatalf("EarliestEligible = %v, want %v", got, want)
	}

	// Once the spacing has elapsed the destination is eligible immediately.
	later := base.Add(time.Minute)
	l.SetNow(fixedClock(later))
	if got := l.EarliestEligible(dest); !got.Equal(later) {
		t.Fatalf("EarliestEligible after spacing = %v, want %v", got, later)
	}
}

func TestEarliestEligibleIsReadOnly(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dest := transport.Destination{ChatID: 7}

	l := New(Config{MinSpacing: 5 * time.Second, GlobalPerSec: 1, GlobalBurst: 1})
	l.SetNow(fixedClock(base))

	first := l.EarliestEligible(dest)
	for i := 0; i < 50; i++ {
		if got := l.EarliestEligible(dest); !got.Equal(first) {
			t.Fatalf("read %d changed the answer: %v != %v", i, got, first)
		}
	}
}

func TestScheduledWindowCap(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dest := transport.Destination{ChatID: 9}

	l := New(Config{MinSpacing: time.Millisecond, ScheduledPerHour: 3, GlobalPerSec: 1000, GlobalBurst: 1000})

	// Fill the hourly window with 3 sends.
	for i := 0; i < 3; i++ {
		l.RecordSend(dest, base.Add(time.Duration(i)*time.Minute))
	}

	now := base.Add(10 * time.Minute)
	l.SetNow(fixedClock(now))

	// Window is full; the next slot opens when the oldest send ages out.
	want := base.Add(time.Hour)
	if got := l.EarliestScheduled(dest); !got.Equal(want) {
		t.Fatalf("EarliestScheduled = %v, want %v", got, want)
	}

	// The baseline eligibility is unaffected by the scheduled cap.
	if got := l.EarliestEligible(dest); !got.Equal(now) {
		t.Fatalf("EarliestEligible = %v, want %v", got, now)
	}
}

func TestGlobalCeilingDominates(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l := New(Config{MinSpacing: time.Millisecond, GlobalPerSec: 1, GlobalBurst: 1})
	l.SetNow(fixedClock(base))

	// Consume the single global token via a send on another destination.
	l.RecordSend(transport.Destination{ChatID: 1}, base)

	got := l.EarliestEligible(transport.Destination{ChatID: 2})
	if !got.After(base) {
		t.Fatalf("expected global ceiling to delay an unrelated destination, got %v", got)
	}
	if got.After(base.Add(2 * time.Second)) {
		t.Fatalf("global delay unreasonably long: %v", got.Sub(base))
	}
}

func TestGlobalCeilingCountsEverySend(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l := New(Config{MinSpacing: time.Millisecond, GlobalPerSec: 1, GlobalBurst: 1})
	l.SetNow(fixedClock(base))

	// Two destinations send at the same instant; the second exceeds the
	// burst but must still be charged against the ceiling.
	l.RecordSend(transport.Destination{ChatID: 1}, base)
	l.RecordSend(transport.Destination{ChatID: 2}, base)

	got := l.EarliestEligible(transport.Destination{ChatID: 3})
	if want := base.Add(2 * time.Second); got.Before(want) {
		t.Fatalf("EarliestEligible = +%v, want >= +2s", got.Sub(base))
	}
}

func TestCompactDropsAgedWindows(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dest := transport.Destination{ChatID: 3}

	l := New(Config{MinSpacing: time.Second, GlobalPerSec: 1000, GlobalBurst: 1000})
	l.RecordSend(dest, base)
	l.RecordSend(dest, base.Add(time.Second))

	l.SetNow(fixedClock(base.Add(2 * time.Hour)))
	if removed := l.Compact(); removed != 2 {
		t.Fatalf("Compact removed %d entries, want 2", removed)
	}
	if removed := l.Compact(); removed != 0 {
		t.Fatalf("second Compact removed %d entries, want 0", removed)
	}
}

func TestScheduledSpacing(t *testing.T) {
	t.Parallel()
	l := New(Config{ScheduledPerHour: 60})
	if got := l.ScheduledSpacing(); got != time.Minute {
		t.Fatalf("ScheduledSpacing = %v, want 1m", got)
	}
}
