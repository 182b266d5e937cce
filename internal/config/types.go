package config

// Config is the full bot configuration.
//
// Hot-reloadable sections: broadcast pacing and auto_reply settings are
// re-applied on file change. Logging, storage, transport and HTTP settings
// take effect on restart only.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   StorageConfig   `json:"storage"`
	Enhancer  EnhancerConfig  `json:"enhancer"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broadcast BroadcastConfig `json:"broadcast"`
	AutoReply AutoReplyConfig `json:"auto_reply"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type HTTPConfig struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// HistorySize bounds the per-chat ring of observed messages the adapter
	// keeps for auto-reply context windows.
	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig controls the sqlite schedule store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// EnhancerConfig points at an OpenAI-compatible chat-completions endpoint.
// The API key is read from the environment variable named by APIKeyEnv so
// secrets stay out of the config file.
type EnhancerConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// SchedulerConfig controls the dispatch loop. The tick cadence is fixed at
// one minute; only content fetching is tunable.
//
// Enabled is a pointer so "omitted" defaults to true while an explicit
// false still turns the loop off.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// FetchTimeout bounds URL content resolution per schedule.
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

// BroadcastConfig controls multi-target send pacing.
type BroadcastConfig struct {
	// MinDelay/MaxDelay bound the randomized pause between successive sends.
	MinDelay   string `json:"min_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type AutoReplyConfig struct {
	PersonalEnabled bool     `json:"personal_enabled"`
	GroupAllowList  []string `json:"group_allow_list,omitempty"`
	// DebounceWindow is the trailing-silence window that collapses a burst
	// of messages from one sender into a single reply.
	DebounceWindow string `json:"debounce_window,omitempty"`
	// HistoryFetch is how many recent messages to pull from the transport;
	// ContextTurns is how many sender/bot turns survive filtering.
	HistoryFetch int `json:"history_fetch,omitempty"`
	ContextTurns int `json:"context_turns,omitempty"`
	// ReplyDelayMin/Max bound the humanizing pause before a reply is sent.
	ReplyDelayMin string `json:"reply_delay_min,omitempty"`
	ReplyDelayMax string `json:"reply_delay_max,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}
