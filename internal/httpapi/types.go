package httpapi

import (
	"encoding/json"
	"time"

	"heraldbot/internal/schedule"
	"heraldbot/internal/store"
)

// targetList accepts either a single string or an array of strings.
type targetList struct {
	values []string
}

func (t *targetList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			t.values = []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	t.values = many
	return nil
}

func (t *targetList) Values() []string { return t.values }

// boolFlag accepts true/false as well as 1/0.
type boolFlag bool

func (b *boolFlag) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = boolFlag(v)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*b = n != 0
	return nil
}

type scheduleRequest struct {
	Target    targetList `json:"target"`
	Message   string     `json:"message"`
	URL       string     `json:"url"`
	StartDate string     `json:"start_date"`
	Time      string     `json:"time"`
	Frequency string     `json:"frequency"`
	WeekDays  []string   `json:"week_days"`
	Timezone  string     `json:"timezone"`
	EnhanceAI boolFlag   `json:"enhance_ai"`
	Context   string     `json:"context"`
}

func (r *scheduleRequest) toMessage() *schedule.Message {
	tz := r.Timezone
	if tz == "" {
		tz = schedule.DefaultTimezone
	}
	return &schedule.Message{
		Targets:   r.Target.Values(),
		Body:      r.Message,
		URL:       r.URL,
		StartDate: r.StartDate,
		TimeOfDay: r.Time,
		Frequency: schedule.Frequency(r.Frequency),
		WeekDays:  r.WeekDays,
		Timezone:  tz,
		Enhance:   bool(r.EnhanceAI),
		Context:   r.Context,
	}
}

type updateRequest struct {
	Status    *string `json:"status"`
	Message   *string `json:"message"`
	Time      *string `json:"time"`
	Frequency *string `json:"frequency"`
}

func (r *updateRequest) toPatch() (store.Patch, []string) {
	var p store.Patch
	var errs []string

	if r.Status != nil {
		st := schedule.Status(*r.Status)
		switch st {
		case schedule.StatusActive, schedule.StatusPaused, schedule.StatusCompleted:
			p.Status = &st
		default:
			errs = append(errs, "status must be active, paused or completed")
		}
	}
	if r.Message != nil {
		if *r.Message == "" {
			errs = append(errs, "message cannot be empty")
		} else {
			p.Body = r.Message
		}
	}
	if r.Time != nil {
		if _, _, err := schedule.ParseTimeOfDay(*r.Time); err != nil {
			errs = append(errs, "time must be HH:mm")
		} else {
			p.TimeOfDay = r.Time
		}
	}
	if r.Frequency != nil {
		f := schedule.Frequency(*r.Frequency)
		switch f {
		case schedule.FreqOnce, schedule.FreqDaily, schedule.FreqWeekly:
			p.Frequency = &f
		default:
			errs = append(errs, "frequency must be once, daily or weekly")
		}
	}
	return p, errs
}

type sendRequest struct {
	Target    targetList `json:"target"`
	Message   string     `json:"message"`
	EnhanceAI boolFlag   `json:"enhance_ai"`
	Context   string     `json:"context"`
	Async     bool       `json:"async"`
}

func scheduleView(m *schedule.Message) map[string]any {
	v := map[string]any{
		"id":         m.ID,
		"target":     m.Targets,
		"message":    m.Body,
		"url":        m.URL,
		"start_date": m.StartDate,
		"time":       m.TimeOfDay,
		"frequency":  string(m.Frequency),
		"week_days":  m.WeekDays,
		"timezone":   m.Timezone,
		"enhance_ai": m.Enhance,
		"context":    m.Context,
		"status":     string(m.Status),
	}
	if m.LastRunAt != nil {
		v["last_run_at"] = m.LastRunAt.UTC().Format(time.RFC3339)
	}
	if m.NextRunAt != nil {
		v["next_run_at"] = m.NextRunAt.UTC().Format(time.RFC3339)
	}
	return v
}
