// Package config loads plantbot's JSON or YAML configuration with strict
// decoding and hot reload.
package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1h").
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Reminders  RemindersConfig   `json:"reminders"`
	Feed       FeedConfig        `json:"feed"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors warnings to an admin chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the database.
//
//	"storage": { "driver": "sqlite", "path": "./plantbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is the zone cron specs run in; reminder times always use the
	// owner's zone.
	Timezone string `json:"timezone,omitempty"`

	// MisfireGrace is how late a restored reminder may still fire (default "1h").
	MisfireGrace string `json:"misfire_grace,omitempty"`

	CleanupCron       string `json:"cleanup_cron,omitempty"`       // default "17 3 * * *"
	ResolvedRetention string `json:"resolved_retention,omitempty"` // default "720h"
	JobTimeout        string `json:"job_timeout,omitempty"`
}

// TaskEngineConfig controls job execution. Enabled is a pointer so an
// omitted value follows scheduler.enabled.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
}

type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type RemindersConfig struct {
	// DefaultTimezone is given to users created from the command line.
	DefaultTimezone string `json:"default_timezone,omitempty"`
	FanoutLimit     int    `json:"fanout_limit,omitempty"`
	EditTimeout     string `json:"edit_timeout,omitempty"`
	// ResendDelay spaces retries of a reminder whose owner copy failed.
	ResendDelay string `json:"resend_delay,omitempty"`
}

type FeedConfig struct {
	UpcomingMaxDays int `json:"upcoming_max_days,omitempty"`
	HistoryMaxDays  int `json:"history_max_days,omitempty"`
	DefaultDays     int `json:"default_days,omitempty"`
}
