package config

import (
	"reflect"
	"sort"
	"strings"

	logx "abot/pkg/logx"
)

// liveSections are applied to the running process on reload. Everything
// else is logged and needs a restart.
var liveSections = map[string]bool{
	"logging":  true,
	"dispatch": true,
	"notifier": true,
	"admin":    true,
}

// SummarizeConfigChange returns the changed section names, safe structured
// attrs for logging, and the subset of changed sections that only take
// effect after a restart. Secrets (chat token, API keys) are reported as
// "changed" booleans, never as values.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !liveSections[section] {
			restart = append(restart, section)
		}
	}

	o, n := oldCfg.Chat, newCfg.Chat
	tokenChanged := strings.TrimSpace(o.Token) != strings.TrimSpace(n.Token)
	o.Token, n.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(o, n) {
		mark("chat",
			logx.String("chat.transport", strings.TrimSpace(n.Transport)),
			logx.String("chat.public_rooms", strings.TrimSpace(n.PublicRooms)),
			logx.Int("chat.operator_count", len(n.Operators)),
			logx.Bool("chat.token_changed", tokenChanged),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		mark("logging",
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.chat_enabled", l.Chat.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Members, newCfg.Members) {
		mark("members",
			logx.Bool("members.path_set", strings.TrimSpace(newCfg.Members.Path) != ""),
			logx.Bool("members.url_set", strings.TrimSpace(newCfg.Members.URL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Severities, newCfg.Severities) {
		mark("severities",
			logx.String("severities.levels", strings.Join(newCfg.Severities.Levels, ",")),
			logx.String("severities.match", newCfg.Severities.Match),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		retries := -1
		if d.Retries != nil {
			retries = *d.Retries
		}
		mark("dispatch",
			logx.String("dispatch.send_timeout", strings.TrimSpace(d.SendTimeout)),
			logx.Int("dispatch.retries", retries),
			logx.Int("dispatch.concurrency", d.Concurrency),
			logx.String("dispatch.default_mute", strings.TrimSpace(d.DefaultMute)),
			logx.Int("dispatch.allowlist_count", len(d.ServiceAllowlist)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		nc := newCfg.Notifier
		mark("notifier",
			logx.Int("notifier.rate_per_sec", nc.RatePerSec),
			logx.Int("notifier.workers", nc.Workers),
			logx.Int("notifier.queue_size", nc.QueueSize),
			logx.String("notifier.dedup_window", strings.TrimSpace(nc.DedupWindow)),
		)
	}

	ow, nw := oldCfg.Webhook, newCfg.Webhook
	keysChanged := !reflect.DeepEqual(ow.APIKeys, nw.APIKeys)
	ow.APIKeys, nw.APIKeys = nil, nil
	if keysChanged || !reflect.DeepEqual(ow, nw) {
		mark("webhook",
			logx.Bool("webhook.enabled", nw.Enabled),
			logx.String("webhook.listen", strings.TrimSpace(nw.Listen)),
			logx.Int("webhook.key_count", len(newCfg.Webhook.APIKeys)),
			logx.Bool("webhook.keys_changed", keysChanged),
		)
	}

	if !reflect.DeepEqual(oldCfg.NATS, newCfg.NATS) {
		var subject string
		if newCfg.NATS != nil {
			subject = strings.TrimSpace(newCfg.NATS.Subject)
		}
		mark("nats",
			logx.Bool("nats.enabled", newCfg.NATS != nil && strings.TrimSpace(newCfg.NATS.URL) != ""),
			logx.String("nats.subject", subject),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var driver string
		var log bool
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			log = newCfg.Storage.DeliveryLog
		}
		mark("storage",
			logx.String("storage.driver", driver),
			logx.Bool("storage.delivery_log", log),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		s := newCfg.Schedule
		mark("schedule",
			logx.String("schedule.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("schedule.flush", strings.TrimSpace(s.Flush)),
			logx.String("schedule.digest", strings.TrimSpace(s.Digest)),
		)
	}

	if oldCfg.Report != newCfg.Report {
		mark("report", logx.Bool("report.custom_template", strings.TrimSpace(newCfg.Report.AlertTemplate) != ""))
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	adminTokenChanged := oa.Token != na.Token
	oa.Token, na.Token = "", ""
	if adminTokenChanged || oa != na {
		mark("admin",
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("admin.pprof", na.Pprof),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
