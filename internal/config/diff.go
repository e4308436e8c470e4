package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relaybot/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never tokens, hashes or passwords),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	restart := make([]string, 0, 4)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.LogChat != nt.LogChat ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", nt.LogChat != 0),
		)
		if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
			restart = append(restart, "telegram")
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Userbot, newCfg.Userbot) {
		changed = append(changed, "userbot")
		restart = append(restart, "userbot")
		attrs = append(attrs,
			logx.Bool("userbot.api_id_set", newCfg.Userbot.APIID != 0),
			logx.String("userbot.session_dir", newCfg.Userbot.SessionDir),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
			logx.Int("scheduler.auto_pause_after", newCfg.Scheduler.AutoPauseAfter),
		)
		if oldCfg.Scheduler.IsEnabled() != newCfg.Scheduler.IsEnabled() ||
			strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
			restart = append(restart, "scheduler")
		}
	}

	if !reflect.DeepEqual(oldCfg.Membership, newCfg.Membership) {
		changed = append(changed, "membership")
		attrs = append(attrs,
			logx.Int("membership.max_attempts", newCfg.Membership.MaxAttempts),
			logx.Int("membership.concurrency", newCfg.Membership.Concurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Resolver, newCfg.Resolver) {
		changed = append(changed, "resolver")
		restart = append(restart, "resolver")
		attrs = append(attrs,
			logx.String("resolver.cache", newCfg.Resolver.Cache),
			logx.String("resolver.ttl", newCfg.Resolver.TTL),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		restart = append(restart, "systemd")
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
