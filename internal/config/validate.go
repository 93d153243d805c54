package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"plantbot/internal/tzconv"
)

// Validate checks what can be checked without opening anything: durations,
// zones and the cleanup cron spec. All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	zone := func(path, name string) {
		if strings.TrimSpace(name) == "" {
			return
		}
		if _, err := tzconv.LoadZone(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	check("telegram.poll_timeout", c.Telegram.PollTimeout)
	check("storage.busy_timeout", c.Storage.BusyTimeout)
	if d := strings.TrimSpace(c.Storage.Driver); d != "" && d != "sqlite" {
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", d))
	}

	zone("scheduler.timezone", c.Scheduler.Timezone)
	check("scheduler.misfire_grace", c.Scheduler.MisfireGrace)
	check("scheduler.resolved_retention", c.Scheduler.ResolvedRetention)
	check("scheduler.job_timeout", c.Scheduler.JobTimeout)
	if spec := strings.TrimSpace(c.Scheduler.CleanupCron); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.cleanup_cron: %w", err))
		}
	}

	if te := c.TaskEngine; te != nil {
		check("task_engine.default_timeout", te.DefaultTimeout)
		check("task_engine.retry_base", te.RetryBase)
		if te.RetryMax < 0 {
			errs = append(errs, errors.New("task_engine.retry_max: must be >= 0"))
		}
	}
	if n := c.Notifier; n != nil {
		check("notifier.retry_base", n.RetryBase)
		check("notifier.retry_max_delay", n.RetryMaxDelay)
		check("notifier.send_timeout", n.SendTimeout)
		if n.RetryMax < 0 {
			errs = append(errs, errors.New("notifier.retry_max: must be >= 0"))
		}
	}

	zone("reminders.default_timezone", c.Reminders.DefaultTimezone)
	check("reminders.edit_timeout", c.Reminders.EditTimeout)
	check("reminders.resend_delay", c.Reminders.ResendDelay)
	if c.Feed.DefaultDays < 0 || c.Feed.UpcomingMaxDays < 0 || c.Feed.HistoryMaxDays < 0 {
		errs = append(errs, errors.New("feed: day counts must be >= 0"))
	}
	return errors.Join(errs...)
}
