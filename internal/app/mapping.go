package app

import (
	"fmt"
	"strings"
	"time"

	"mediaq/internal/config"
	"mediaq/internal/control"
	"mediaq/internal/media"
	"mediaq/internal/notifier"
	"mediaq/internal/scheduler"
	"mediaq/internal/storage"
	logx "mediaq/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Forward: logx.ForwardConfig{
			Enabled:    l.Forward.Enabled,
			MinLevel:   l.Forward.MinLevel,
			RatePerSec: l.Forward.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	retention, err := config.ParseDurationOrDefault("scheduler.retention", sc.Retention, scheduler.DefaultRetention)
	if err != nil {
		return scheduler.Config{}, err
	}
	if _, err := scheduler.ParsePruneSchedule(sc.PruneSchedule); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.prune_schedule: %w", err)
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{
		MaxConcurrent: sc.MaxConcurrent,
		Retention:     retention,
		PruneSchedule: sc.PruneSchedule,
		Timezone:      sc.Timezone,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notify
	window, err := config.ParseDurationField("notify.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notify.retry_max must be >= 0")
	}
	return notifier.Config{
		Enabled:      nc.Enabled,
		Workers:      2,
		QueueSize:    nc.QueueSize,
		RatePerSec:   nc.RatePerSec,
		RetryMax:     nc.RetryMax,
		DedupWindow:  window,
		PersistDedup: nc.PersistDedup,
	}, nil
}

// buildSinks returns the sinks enabled in cfg.
func buildSinks(cfg *config.Config) ([]notifier.Sink, error) {
	var sinks []notifier.Sink
	if d := cfg.Notify.Desktop; d.Enabled {
		sinks = append(sinks, notifier.NewDesktopSink(d.Command))
	}
	if tg := cfg.Notify.Telegram; tg.Enabled {
		s, err := notifier.NewTelegramSink(notifier.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func mapControlConfig(cfg *config.Config) (control.Config, error) {
	cc := cfg.Control
	read, err := config.ParseDurationField("control.read_timeout", cc.ReadTimeout)
	if err != nil {
		return control.Config{}, err
	}
	write, err := config.ParseDurationField("control.write_timeout", cc.WriteTimeout)
	if err != nil {
		return control.Config{}, err
	}
	idle, err := config.ParseDurationField("control.idle_timeout", cc.IdleTimeout)
	if err != nil {
		return control.Config{}, err
	}
	return control.Config{
		Enabled:       cc.Enabled,
		Addr:          cc.Addr,
		Token:         cc.Token,
		AllowInsecure: cc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	hc := cfg.History
	busy, err := config.ParseDurationOrDefault("history.busy_timeout", hc.BusyTimeout, 2*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: hc.Driver, Path: hc.Path, BusyTimeout: busy}, nil
}

func mapMediaConfig(cfg *config.Config) media.Config {
	mc := cfg.Media
	return media.Config{
		FFmpeg:        mc.FFmpeg,
		Whisper:       mc.Whisper,
		OutputDir:     mc.OutputDir,
		Overwrite:     mc.Overwrite,
		StretchFactor: mc.StretchFactor,
		FrameAt:       mc.FrameAt,
		WhisperModel:  mc.WhisperModel,
	}
}

// validate is the reload hook: everything the live apply would map must map.
func validate(cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := buildSinks(cfg); err != nil {
		return err
	}
	if _, err := mapControlConfig(cfg); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}
