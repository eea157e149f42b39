package config

import (
	"reflect"
	"sort"
	"strings"

	"cadence/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus structured
// attrs safe for logging. Used when a config edit is committed, so the log
// says what actually moved instead of "config changed".
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.bus_enabled", newCfg.Logging.Bus.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runtime, newCfg.Runtime) {
		changed = append(changed, "runtime")
		attrs = append(attrs,
			logx.Int("runtime.workers", newCfg.EffectiveWorkers()),
			logx.String("runtime.frame_interval", strings.TrimSpace(newCfg.Runtime.FrameInterval)),
			logx.Bool("runtime.start_focused", newCfg.EffectiveStartFocused()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Plugins, newCfg.Plugins) {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.path_count", len(newCfg.Plugins.Paths)),
			logx.String("plugins.poll_interval", strings.TrimSpace(newCfg.Plugins.PollInterval)),
			logx.Bool("plugins.retry_failed", newCfg.EffectiveRetryFailed()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Timed, newCfg.Timed) {
		changed = append(changed, "timed")
		attrs = append(attrs, logx.Int("timed.job_count", len(newCfg.Timed)))
	}

	// Nil storage means disabled.
	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.EffectiveMetricsAddr()),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
