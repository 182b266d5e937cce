// Package schedule defines the scheduled-message model and the recurrence
// rules that derive each schedule's next trigger instant.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Frequency string

const (
	FreqOnce   Frequency = "once"
	FreqDaily  Frequency = "daily"
	FreqWeekly Frequency = "weekly"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

const DefaultTimezone = "Asia/Kolkata"

// Message is one scheduled job. Body and URL: at least one must be set; URL
// means content is resolved at dispatch time. NextRunAt is non-nil while the
// schedule is active.
type Message struct {
	ID        int64
	Targets   []string
	Body      string
	URL       string
	StartDate string // YYYY-MM-DD
	TimeOfDay string // HH:mm, local to Timezone
	Frequency Frequency
	WeekDays  []string // 3-letter lowercase tokens, weekly only
	Timezone  string   // IANA zone name
	Enhance   bool
	Context   string
	LastRunAt *time.Time
	NextRunAt *time.Time
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// weekdayNums maps day tokens to ISO weekday numbers (Monday=1 .. Sunday=7).
var weekdayNums = map[string]int{
	"mon": 1, "tue": 2, "wed": 3, "thu": 4,
	"fri": 5, "sat": 6, "sun": 7,
}

// WeekdayNum returns the ISO weekday number for a 3-letter token.
func WeekdayNum(token string) (int, bool) {
	n, ok := weekdayNums[strings.ToLower(strings.TrimSpace(token))]
	return n, ok
}

// isoWeekday converts a time.Weekday (Sunday=0) to ISO numbering.
func isoWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// ParseTimeOfDay parses "HH:mm".
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:mm", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// Location resolves the schedule's timezone, falling back to the default
// zone when unset.
func (m *Message) Location() (*time.Location, error) {
	tz := strings.TrimSpace(m.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	return time.LoadLocation(tz)
}

// Validate checks a schedule at creation time and returns the full list of
// problems. An empty slice means the schedule is well formed. Violations
// here are rejected before persistence and never become runtime states.
func (m *Message) Validate() []string {
	var errs []string

	if len(m.Targets) == 0 {
		errs = append(errs, "target is required")
	}
	for i, t := range m.Targets {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Sprintf("target[%d] must be non-empty", i))
		}
	}

	if m.Body == "" && m.URL == "" {
		errs = append(errs, "either message or url must be provided")
	}

	if m.StartDate == "" {
		errs = append(errs, "start_date is required")
	} else if _, err := time.Parse("2006-01-02", m.StartDate); err != nil {
		errs = append(errs, "start_date must be in YYYY-MM-DD format")
	}

	if m.TimeOfDay == "" {
		errs = append(errs, "time is required")
	} else if _, _, err := ParseTimeOfDay(m.TimeOfDay); err != nil {
		errs = append(errs, "time must be in HH:mm format")
	}

	switch m.Frequency {
	case FreqOnce, FreqDaily, FreqWeekly:
	case "":
		errs = append(errs, "frequency is required")
	default:
		errs = append(errs, "frequency must be once, daily, or weekly")
	}

	if m.Frequency == FreqWeekly {
		if len(m.WeekDays) == 0 {
			errs = append(errs, "week_days required for weekly schedules")
		}
		for _, d := range m.WeekDays {
			if _, ok := WeekdayNum(d); !ok {
				errs = append(errs, fmt.Sprintf("unknown week day %q", d))
			}
		}
	}

	if _, err := m.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("unknown timezone %q", m.Timezone))
	}

	return errs
}
