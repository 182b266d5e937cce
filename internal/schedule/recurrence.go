package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecurrence means the calculator could not find a next occurrence
// for a well-formed weekly schedule. Callers treat it as fatal for the
// schedule rather than retrying forever.
var ErrInvalidRecurrence = errors.New("schedule: no matching weekday within 7 days")

// NextRun computes the next trigger instant for m relative to now.
//
// ok=false with a nil error means the schedule has no further runs (a
// one-time schedule that has already dispatched). All arithmetic happens in
// the schedule's declared timezone so recurring runs don't drift across
// daylight-saving transitions.
//
// A candidate exactly equal to now is returned as-is: deciding whether such
// an instant is due belongs to the dispatch loop, not the calculator.
func NextRun(m Message, now time.Time) (time.Time, bool, error) {
	hour, minute, err := ParseTimeOfDay(m.TimeOfDay)
	if err != nil {
		return time.Time{}, false, err
	}
	loc, err := m.Location()
	if err != nil {
		return time.Time{}, false, err
	}
	now = now.In(loc)

	if m.LastRunAt == nil {
		start, err := time.ParseInLocation("2006-01-02", m.StartDate, loc)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid start_date %q: %w", m.StartDate, err)
		}
		candidate := time.Date(start.Year(), start.Month(), start.Day(), hour, minute, 0, 0, loc)
		if candidate.After(now) {
			return candidate, true, nil
		}
		// Start is already past; recurrence resumes from now.
		return nextFromNow(m, now, hour, minute)
	}

	last := m.LastRunAt.In(loc)
	switch m.Frequency {
	case FreqOnce:
		return time.Time{}, false, nil
	case FreqDaily:
		d := last.AddDate(0, 0, 1)
		return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc), true, nil
	case FreqWeekly:
		return nextWeekly(m.WeekDays, last, hour, minute, false)
	default:
		return time.Time{}, false, fmt.Errorf("unknown frequency %q", m.Frequency)
	}
}

// nextFromNow handles the first run of a schedule whose start instant has
// already passed.
func nextFromNow(m Message, now time.Time, hour, minute int) (time.Time, bool, error) {
	switch m.Frequency {
	case FreqOnce:
		// A past start for a one-time schedule is a logical anomaly; force a
		// catch-up run shortly instead of silently dropping it.
		return now.Add(time.Minute), true, nil
	case FreqDaily:
		candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate, true, nil
	case FreqWeekly:
		return nextWeekly(m.WeekDays, now, hour, minute, true)
	default:
		return time.Time{}, false, fmt.Errorf("unknown frequency %q", m.Frequency)
	}
}

// nextWeekly finds the soonest day at hour:minute whose weekday is in days.
// With includeSameDay, from's own date qualifies when its trigger time is
// still ahead of from; otherwise scanning starts the following day. The scan
// covers at most 7 days.
func nextWeekly(days []string, from time.Time, hour, minute int, includeSameDay bool) (time.Time, bool, error) {
	want := make(map[int]bool, len(days))
	for _, d := range days {
		if n, ok := WeekdayNum(d); ok {
			want[n] = true
		}
	}
	if len(want) == 0 {
		return time.Time{}, false, ErrInvalidRecurrence
	}

	loc := from.Location()
	candidate := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, loc)
	if includeSameDay && candidate.After(from) && want[isoWeekday(candidate.Weekday())] {
		return candidate, true, nil
	}
	for i := 1; i <= 7; i++ {
		d := candidate.AddDate(0, 0, i)
		if want[isoWeekday(d.Weekday())] {
			return d, true, nil
		}
	}
	return time.Time{}, false, ErrInvalidRecurrence
}
