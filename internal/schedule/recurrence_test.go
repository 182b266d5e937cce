package schedule

import (
	"errors"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func at(loc *time.Location, y int, mo time.Month, d, h, min int) time.Time {
	return time.Date(y, mo, d, h, min, 0, 0, loc)
}

func TestNextRunFirstRunFutureStart(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Kolkata")
	m := Message{
		StartDate: "2026-09-10",
		TimeOfDay: "09:00",
		Frequency: FreqDaily,
		Timezone:  "Asia/Kolkata",
	}
	now := at(loc, 2026, time.September, 1, 12, 0)

	got, ok, err := NextRun(m, now)
	if err != nil || !ok {
		t.Fatalf("NextRun error: ok=%v err=%v", ok, err)
	}
	want := at(loc, 2026, time.September, 10, 9, 0)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunDailyPastStartResumesFromNow(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Kolkata")
	m := Message{
		StartDate: "2026-08-31", // yesterday relative to "now"
		TimeOfDay: "09:00",
		Frequency: FreqDaily,
		Timezone:  "Asia/Kolkata",
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "time not yet passed today",
			now:  at(loc, 2026, time.September, 1, 8, 0),
			want: at(loc, 2026, time.September, 1, 9, 0),
		},
		{
			name: "time already passed today",
			now:  at(loc, 2026, time.September, 1, 10, 0),
			want: at(loc, 2026, time.September, 2, 9, 0),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := NextRun(m, tt.now)
			if err != nil || !ok {
				t.Fatalf("NextRun error: ok=%v err=%v", ok, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextRun = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextRunDailySubsequentCrossesBoundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		zone string
		last time.Time
		want time.Time
	}{
		{
			name: "month boundary",
			zone: "Asia/Kolkata",
			last: time.Date(2026, time.March, 31, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "DST spring forward keeps wall clock",
			zone: "Europe/Berlin",
			last: time.Date(2026, time.March, 28, 8, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			loc := mustLoc(t, tt.zone)
			last := tt.last.In(loc)
			m := Message{
				StartDate: "2026-01-01",
				TimeOfDay: "09:00",
				Frequency: FreqDaily,
				Timezone:  tt.zone,
				LastRunAt: &last,
			}
			got, ok, err := NextRun(m, last.Add(24*time.Hour-time.Second))
			if err != nil || !ok {
				t.Fatalf("NextRun error: ok=%v err=%v", ok, err)
			}
			wantDay := last.AddDate(0, 0, 1)
			want := time.Date(wantDay.Year(), wantDay.Month(), wantDay.Day(), 9, 0, 0, 0, loc)
			if !got.Equal(want) {
				t.Fatalf("NextRun = %v, want %v", got, want)
			}
			if got.Hour() != 9 || got.Minute() != 0 {
				t.Fatalf("wall clock drifted: %v", got)
			}
		})
	}
}

func TestNextRunWeeklyMonWedCycle(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Kolkata")
	m := Message{
		StartDate: "2026-08-03",
		TimeOfDay: "10:30",
		Frequency: FreqWeekly,
		WeekDays:  []string{"mon", "wed"},
		Timezone:  "Asia/Kolkata",
	}

	// 2026-08-31 is a Monday.
	run := at(loc, 2026, time.August, 31, 10, 30)
	wantSeq := []time.Time{
		at(loc, 2026, time.September, 2, 10, 30),  // Wednesday
		at(loc, 2026, time.September, 7, 10, 30),  // next Monday
		at(loc, 2026, time.September, 9, 10, 30),  // Wednesday again
		at(loc, 2026, time.September, 14, 10, 30), // Monday
	}

	for i, want := range wantSeq {
		last := run
		m.LastRunAt = &last
		got, ok, err := NextRun(m, last.Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("step %d: NextRun error: ok=%v err=%v", i, ok, err)
		}
		if !got.Equal(want) {
			t.Fatalf("step %d: NextRun = %v, want %v", i, got, want)
		}
		run = got
	}
}

func TestNextRunWeeklyFirstRunSameDay(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Kolkata")
	// 2026-08-31 is a Monday and start is in the past.
	m := Message{
		StartDate: "2026-08-01",
		TimeOfDay: "09:00",
		Frequency: FreqWeekly,
		WeekDays:  []string{"mon"},
		Timezone:  "Asia/Kolkata",
	}

	got, ok, err := NextRun(m, at(loc, 2026, time.August, 31, 8, 0))
	if err != nil || !ok {
		t.Fatalf("NextRun error: ok=%v err=%v", ok, err)
	}
	want := at(loc, 2026, time.August, 31, 9, 0)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v (today should match before its time)", got, want)
	}

	// After 09:00 the same Monday no longer qualifies.
	got, ok, err = NextRun(m, at(loc, 2026, time.August, 31, 9, 30))
	if err != nil || !ok {
		t.Fatalf("NextRun error: ok=%v err=%v", ok, err)
	}
	want = at(loc, 2026, time.September, 7, 9, 0)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunOnce(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Kolkata")
	last := at(loc, 2026, time.September, 1, 9, 0)

	m := Message{
		StartDate: "2026-09-01",
		TimeOfDay: "09:00",
		Frequency: FreqOnce,
		Timezone:  "Asia/Kolkata",
		LastRunAt: &last,
	}
	_, ok, err := NextRun(m, last.Add(time.Hour))
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if ok {
		t.Fatal("once schedule must have no further runs after dispatch")
	}

	// Past start with no run yet forces a catch-up roughly a minute out.
	m.LastRunAt = nil
	now := at(loc, 2026, time.September, 2, 12, 0)
	got, ok, err := NextRun(m, now)
	if err != nil || !ok {
		t.Fatalf("NextRun error: ok=%v err=%v", ok, err)
	}
	if d := got.Sub(now); d < 30*time.Second || d > 2*time.Minute {
		t.Fatalf("catch-up run %v from now, want ~1m", d)
	}
}

func TestNextRunWeeklyInvalidDays(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Asia/Kolkata")
	last := at(loc, 2026, time.September, 1, 9, 0)
	m := Message{
		StartDate: "2026-09-01",
		TimeOfDay: "09:00",
		Frequency: FreqWeekly,
		WeekDays:  []string{"xyz"},
		Timezone:  "Asia/Kolkata",
		LastRunAt: &last,
	}
	_, _, err := NextRun(m, last.Add(time.Minute))
	if !errors.Is(err, ErrInvalidRecurrence) {
		t.Fatalf("err = %v, want ErrInvalidRecurrence", err)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	h, m, err := ParseTimeOfDay("23:15")
	if err != nil {
		t.Fatalf("ParseTimeOfDay error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	for _, bad := range []string{"24:00", "12:60", "12", "ab:cd", ""} {
		if _, _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
