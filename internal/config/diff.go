package config

import (
	"reflect"
	"sort"
	"strings"

	logx "calenbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log
// fields describing them. Secrets (tokens, redis password) are never
// included.
//
// live reports whether every changed section can be applied without a
// restart; today that is only "logging".
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, live bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed = make([]string, 0, 8)
	attrs = make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.OperatorID != nt.OperatorID || ot.LogChatID != nt.LogChatID ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.operator_changed", ot.OperatorID != nt.OperatorID),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.start", newCfg.Schedule.Start),
			logx.String("schedule.end", newCfg.Schedule.End),
			logx.Int("schedule.slots", len(newCfg.Schedule.Slots)),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.String("rate_limit.policy", newCfg.RateLimit.Policy),
			logx.String("rate_limit.window", newCfg.RateLimit.Window),
			logx.Int("rate_limit.max_requests", newCfg.RateLimit.MaxRequests),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	ost.RedisPassword, nst.RedisPassword = "", ""
	if ost != nst || oldCfg.Storage.RedisPassword != newCfg.Storage.RedisPassword {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.Bool("storage.redis_set", strings.TrimSpace(nst.RedisAddr) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Timetable, newCfg.Timetable) {
		changed = append(changed, "timetable")
		attrs = append(attrs,
			logx.String("timetable.source", newCfg.Timetable.Source),
			logx.String("timetable.refresh", newCfg.Timetable.Refresh),
		)
	}

	if oldCfg.Autodelete != newCfg.Autodelete {
		changed = append(changed, "autodelete")
		attrs = append(attrs, logx.String("autodelete.interval", newCfg.Autodelete.Interval))
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	if od.Enabled != nd.Enabled || od.Addr != nd.Addr || od.Pprof != nd.Pprof ||
		od.Metrics != nd.Metrics || (od.Token != "") != (nd.Token != "") {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", nd.ListenAddr()),
			logx.Bool("debug.token_set", nd.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Texts, newCfg.Texts) {
		changed = append(changed, "texts")
	}

	sort.Strings(changed)
	live = true
	for _, c := range changed {
		if c != "logging" {
			live = false
			break
		}
	}
	return changed, attrs, live
}
