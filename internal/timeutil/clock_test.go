package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestMockClock_NowAndSet(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	later := start.Add(time.Hour)
	clock.Set(later)
	if got := clock.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if got := clock.Now(); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestMockClock_Since(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(5 * time.Minute)

	if d := clock.Since(start); d != 5*time.Minute {
		t.Errorf("Since() = %v, want 5m", d)
	}
}

func TestMockClock_SleepRecordsWithoutBlocking(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))

	done := make(chan struct{})
	go func() {
		clock.Sleep(time.Hour)
		clock.Sleep(2 * time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep blocked")
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Hour || sleeps[1] != 2*time.Hour {
		t.Errorf("Sleeps() = %v", sleeps)
	}
}

func TestMockClock_SleepsReturnsCopy(t *testing.T) {
	clock := NewMockClock(time.Now())
	clock.Sleep(time.Second)

	got := clock.Sleeps()
	got[0] = time.Minute

	if again := clock.Sleeps(); again[0] != time.Second {
		t.Errorf("recorded sleeps mutated: %v", again)
	}
}
