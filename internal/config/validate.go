package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks values that would otherwise fail later at Apply time.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Scheduler.MaxConcurrent < 1 {
		add(fmt.Errorf("scheduler.max_concurrent: must be >= 1 (got %d)", cfg.Scheduler.MaxConcurrent))
	}
	dur("scheduler.retention", cfg.Scheduler.Retention)

	if cfg.Control.Enabled {
		dur("control.read_timeout", cfg.Control.ReadTimeout)
		dur("control.write_timeout", cfg.Control.WriteTimeout)
		dur("control.idle_timeout", cfg.Control.IdleTimeout)
		if strings.TrimSpace(cfg.Control.Token) == "" && !cfg.Control.AllowInsecure && !IsLoopbackAddr(cfg.Control.Addr) {
			add(fmt.Errorf("control.addr %q is not loopback; set control.token or control.allow_insecure", cfg.Control.Addr))
		}
	}

	dur("notify.dedup_window", cfg.Notify.DedupWindow)
	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.Token) == "" {
			add(errors.New("notify.telegram.token: required when telegram is enabled"))
		}
		if cfg.Notify.Telegram.ChatID == 0 {
			add(errors.New("notify.telegram.chat_id: required when telegram is enabled"))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.History.Driver)) {
	case "", "none", "off", "disabled", "file", "sqlite":
	default:
		add(fmt.Errorf("history.driver: unknown driver %q", cfg.History.Driver))
	}
	dur("history.busy_timeout", cfg.History.BusyTimeout)

	if f := cfg.Media.StretchFactor; f < 0 || f > 100 {
		add(fmt.Errorf("media.stretch_factor: %v out of range (0, 100]", f))
	}
	if cfg.Notify.RetryMax < 0 {
		add(errors.New("notify.retry_max: must be >= 0"))
	}

	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port listen address only accepts local
// connections. An empty host (":7420") listens everywhere and is not loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
