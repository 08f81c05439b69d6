package config

import (
	"sort"
	"strings"

	logx "shieldbot/pkg/logx"
)

// LiveSections are applied without restart. Changes elsewhere are logged as
// "restart required".
var LiveSections = map[string]bool{"logging": true, "notifier": true, "telegram.group_log": true}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (token, dsn) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)))
	}
	if strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram.group_log")
		attrs = append(attrs, logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}

	if oldCfg.Shield != newCfg.Shield {
		changed = append(changed, "shield")
		attrs = append(attrs,
			logx.Int("shield.max_per_owner", newCfg.Shield.MaxPerOwner),
			logx.String("shield.digest_at", newCfg.Shield.DigestAt),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo.Enabled != no.Enabled || oo.Addr != no.Addr || oo.Pprof != no.Pprof || (oo.Token != "") != (no.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", no.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
