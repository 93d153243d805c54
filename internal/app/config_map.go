package app

import (
	"strings"
	"time"

	"plantbot/internal/config"
	"plantbot/internal/feed"
	"plantbot/internal/notifier"
	"plantbot/internal/reminder"
	"plantbot/internal/resolution"
	"plantbot/internal/storage"
	"plantbot/internal/task/engine"
	"plantbot/internal/task/scheduler"
	telegram "plantbot/internal/transport/telegram/adapter"
	logx "plantbot/pkg/logx"
)

const (
	defaultCleanupCron = "17 3 * * *"
	defaultRetention   = 30 * 24 * time.Hour
)

func dur(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func storageConfig(c *config.Config) (storage.Config, error) {
	busy, err := dur("storage.busy_timeout", c.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(c.Storage.Path)
	if path == "" {
		path = "plantbot.db"
	}
	return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
}

func logConfig(c *config.Config) logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			ChatID:     l.Alert.ChatID,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func telegramConfig(c *config.Config) (telegram.Config, error) {
	poll, err := dur("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: c.Telegram.Token, PollTimeout: poll}, nil
}

// engineConfig follows scheduler.enabled unless task_engine.enabled is set.
func engineConfig(c *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: c.Scheduler.Enabled, RetryMax: 3}
	te := c.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = dur("task_engine.default_timeout", te.DefaultTimeout, 0); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = dur("task_engine.retry_base", te.RetryBase, 0); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func schedulerConfig(c *config.Config) (scheduler.Config, error) {
	grace, err := dur("scheduler.misfire_grace", c.Scheduler.MisfireGrace, time.Hour)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := dur("scheduler.job_timeout", c.Scheduler.JobTimeout, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      c.Scheduler.Enabled,
		Timezone:     c.Scheduler.Timezone,
		MisfireGrace: grace,
		JobTimeout:   timeout,
	}, nil
}

func notifierConfig(c *config.Config) (notifier.Config, error) {
	n := c.Notifier
	if n == nil {
		return notifier.Config{RetryMax: 2}, nil
	}
	out := notifier.Config{RatePerSec: n.RatePerSec, RetryMax: n.RetryMax, HistorySize: n.HistorySize}
	var err error
	if out.RetryBase, err = dur("notifier.retry_base", n.RetryBase, 0); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = dur("notifier.retry_max_delay", n.RetryMaxDelay, 0); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = dur("notifier.send_timeout", n.SendTimeout, 0); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// reminderConfig bounds one fan-out send by the notifier's whole retry
// budget rather than a single attempt.
func reminderConfig(c *config.Config, n notifier.Config) (reminder.Config, error) {
	send := n.SendTimeout
	if send <= 0 {
		send = 10 * time.Second
	}
	resend, err := dur("reminders.resend_delay", c.Reminders.ResendDelay, 0)
	return reminder.Config{
		SendTimeout: send * time.Duration(1+max(0, n.RetryMax)),
		FanoutLimit: c.Reminders.FanoutLimit,
		ResendDelay: resend,
	}, err
}

func resolutionConfig(c *config.Config) (resolution.Config, error) {
	edit, err := dur("reminders.edit_timeout", c.Reminders.EditTimeout, 0)
	return resolution.Config{EditTimeout: edit}, err
}

func feedConfig(c *config.Config) feed.Config {
	return feed.Config{
		UpcomingMaxDays: c.Feed.UpcomingMaxDays,
		HistoryMaxDays:  c.Feed.HistoryMaxDays,
		DefaultDays:     c.Feed.DefaultDays,
	}
}

func cleanupConfig(c *config.Config) (spec string, retention time.Duration, err error) {
	spec = strings.TrimSpace(c.Scheduler.CleanupCron)
	if spec == "" {
		spec = defaultCleanupCron
	}
	retention, err = dur("scheduler.resolved_retention", c.Scheduler.ResolvedRetention, defaultRetention)
	return spec, retention, err
}
