package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mediaq/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	prev, ns := oldCfg.Scheduler, newCfg.Scheduler
	if prev.MaxConcurrent != ns.MaxConcurrent ||
		strings.TrimSpace(prev.Retention) != strings.TrimSpace(ns.Retention) ||
		strings.TrimSpace(prev.PruneSchedule) != strings.TrimSpace(ns.PruneSchedule) ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(ns.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_concurrent", ns.MaxConcurrent),
			logx.String("scheduler.retention", strings.TrimSpace(ns.Retention)),
			logx.String("scheduler.prune_schedule", strings.TrimSpace(ns.PruneSchedule)),
			logx.String("scheduler.timezone", strings.TrimSpace(ns.Timezone)),
		)
	}

	// Control (never log token)
	nc := newCfg.Control
	if oldCfg.Control != nc {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", nc.Enabled),
			logx.String("control.addr", strings.TrimSpace(nc.Addr)),
			logx.Bool("control.token_set", strings.TrimSpace(nc.Token) != ""),
			logx.Bool("control.allow_insecure", nc.AllowInsecure),
		)
	}

	// Notify (never log token)
	nn := newCfg.Notify
	if oldCfg.Notify != nn {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nn.Enabled),
			logx.Int("notify.queue_size", nn.QueueSize),
			logx.Int("notify.rate_per_sec", nn.RatePerSec),
			logx.Bool("notify.desktop", nn.Desktop.Enabled),
			logx.Bool("notify.telegram", nn.Telegram.Enabled),
		)
	}

	oh, nh := oldCfg.History, newCfg.History
	if strings.TrimSpace(oh.Driver) != strings.TrimSpace(nh.Driver) ||
		strings.TrimSpace(oh.Path) != strings.TrimSpace(nh.Path) ||
		strings.TrimSpace(oh.BusyTimeout) != strings.TrimSpace(nh.BusyTimeout) {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", strings.TrimSpace(nh.Driver)),
			logx.Bool("history.path_set", strings.TrimSpace(nh.Path) != ""),
		)
	}

	if oldCfg.Media != newCfg.Media {
		changed = append(changed, "media")
		attrs = append(attrs,
			logx.String("media.ffmpeg", newCfg.Media.FFmpeg),
			logx.String("media.whisper", newCfg.Media.Whisper),
			logx.Bool("media.output_dir_set", newCfg.Media.OutputDir != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
