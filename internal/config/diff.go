package config

import (
	"reflect"

	logx "plantbot/pkg/logx"
)

// Changes lists the top-level sections that differ, in file order. The
// telegram token is compared but never reported as a value.
func Changes(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"task_engine", oldCfg.TaskEngine, newCfg.TaskEngine},
		{"notifier", oldCfg.Notifier, newCfg.Notifier},
		{"reminders", oldCfg.Reminders, newCfg.Reminders},
		{"feed", oldCfg.Feed, newCfg.Feed},
	}
	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, name := range changed {
		switch name {
		case "telegram", "storage":
			out = append(out, name)
		}
	}
	return out
}

// SummaryFields are safe log fields describing a reload.
func SummaryFields(changed []string, cfg *Config) []logx.Field {
	fields := []logx.Field{logx.Any("changed", changed)}
	if cfg == nil {
		return fields
	}
	return append(fields,
		logx.String("logging.level", cfg.Logging.Level),
		logx.Bool("logging.alert", cfg.Logging.Alert.Enabled),
		logx.Bool("scheduler.enabled", cfg.Scheduler.Enabled),
		logx.Bool("telegram.token_set", cfg.Telegram.Token != ""),
	)
}
