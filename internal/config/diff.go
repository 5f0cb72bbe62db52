package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postflow/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Tokens are never included, only whether they
// are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dedup, newCfg.Dedup) {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.window", strings.TrimSpace(newCfg.Dedup.Window)),
			logx.String("dedup.scope", strings.TrimSpace(newCfg.Dedup.Scope)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
			logx.String("dispatch.backoff_base", strings.TrimSpace(newCfg.Dispatch.BackoffBase)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rate, newCfg.Rate) {
		changed = append(changed, "rate")
		attrs = append(attrs, logx.Int("rate.platform_count", len(newCfg.Rate.Platforms)))
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		if newCfg.API != nil {
			attrs = append(attrs,
				logx.Bool("api.enabled", newCfg.API.Enabled),
				logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
	}

	if !reflect.DeepEqual(oldCfg.Compliance, newCfg.Compliance) {
		changed = append(changed, "compliance")
		if newCfg.Compliance != nil {
			attrs = append(attrs, logx.String("compliance.mode", strings.TrimSpace(newCfg.Compliance.Mode)))
		}
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
	}

	if !reflect.DeepEqual(oldCfg.Adapters, newCfg.Adapters) {
		changed = append(changed, "adapters")
		attrs = append(attrs,
			logx.Bool("adapters.telegram", newCfg.Adapters.Telegram != nil && newCfg.Adapters.Telegram.Enabled),
			logx.Bool("adapters.linkedin", newCfg.Adapters.LinkedIn != nil && newCfg.Adapters.LinkedIn.Enabled),
			logx.Bool("adapters.twitter", newCfg.Adapters.Twitter != nil && newCfg.Adapters.Twitter.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
