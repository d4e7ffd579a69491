package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relaybot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens),
// and (3) the names of features whose enable flag or config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Bot != newCfg.Bot {
		changed = append(changed, "bot")
		attrs = append(attrs, logx.String("bot.mention_prefix", newCfg.MentionPrefix()))
	}

	if !reflect.DeepEqual(oldCfg.Engines, newCfg.Engines) {
		changed = append(changed, "engines")
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

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}
	if oldCfg.Outbound != newCfg.Outbound {
		changed = append(changed, "outbound")
		attrs = append(attrs, logx.Float64("outbound.rate_per_sec", newCfg.Outbound.RatePerSec))
	}
	if oldCfg.Observability.Enabled != newCfg.Observability.Enabled ||
		oldCfg.Observability.Addr != newCfg.Observability.Addr ||
		oldCfg.Observability.Pprof != newCfg.Observability.Pprof ||
		oldCfg.Observability.Token != newCfg.Observability.Token ||
		oldCfg.Observability.AllowInsecure != newCfg.Observability.AllowInsecure {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.Bool("observability.token_set", newCfg.Observability.Token != ""),
		)
	}

	features := changedFeatures(oldCfg.Features, newCfg.Features)
	if len(features) > 0 {
		changed = append(changed, "features")
		attrs = append(attrs, logx.String("features.changed", strings.Join(features, ",")))
	}
	return changed, attrs, features
}

func changedFeatures(a, b map[string]FeatureConfigRaw) []string {
	names := map[string]struct{}{}
	for k := range a {
		names[k] = struct{}{}
	}
	for k := range b {
		names[k] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		x, okA := a[name]
		y, okB := b[name]
		if okA != okB || x.Enabled != y.Enabled || string(x.Config) != string(y.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
