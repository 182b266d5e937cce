package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField reads an optional Go duration string from the config.
// Empty or whitespace-only input means unset and yields zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: cannot parse %q as a duration", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: negative durations are not allowed", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for
// unset values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Validate checks a parsed config before it is committed or published.
// It is deliberately strict about durations so a bad hot-reload never
// reaches a running service.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"enhancer.timeout", cfg.Enhancer.Timeout},
		{"scheduler.fetch_timeout", cfg.Scheduler.FetchTimeout},
		{"broadcast.min_delay", cfg.Broadcast.MinDelay},
		{"broadcast.max_delay", cfg.Broadcast.MaxDelay},
		{"auto_reply.debounce_window", cfg.AutoReply.DebounceWindow},
		{"auto_reply.reply_delay_min", cfg.AutoReply.ReplyDelayMin},
		{"auto_reply.reply_delay_max", cfg.AutoReply.ReplyDelayMax},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	minD, _ := ParseDurationField("broadcast.min_delay", cfg.Broadcast.MinDelay)
	maxD, _ := ParseDurationField("broadcast.max_delay", cfg.Broadcast.MaxDelay)
	if minD > 0 && maxD > 0 && maxD < minD {
		return errors.New("broadcast.max_delay must be >= broadcast.min_delay")
	}

	if cfg.AutoReply.HistoryFetch < 0 || cfg.AutoReply.ContextTurns < 0 {
		return errors.New("auto_reply window sizes must be >= 0")
	}
	if cfg.Broadcast.RatePerSec < 0 {
		return errors.New("broadcast.rate_per_sec must be >= 0")
	}

	return nil
}
