package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "168h").
// Omitted sections fall back to Defaults().
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Control   ControlConfig   `json:"control"`
	Notify    NotifyConfig    `json:"notify"`
	History   HistoryConfig   `json:"history"`
	Media     MediaConfig     `json:"media"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward mirrors warn+ log lines to the notify chat sink.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls job dispatch and retention.
//
// Defaults:
//   - max_concurrent: 3
//   - retention: "168h" (7 days)
//   - prune_schedule: "@every 1h" ("off" disables automatic pruning)
type SchedulerConfig struct {
	MaxConcurrent int    `json:"max_concurrent"`
	Retention     string `json:"retention"`
	PruneSchedule string `json:"prune_schedule"`
	Timezone      string `json:"timezone,omitempty"` // IANA TZ for cron prune specs
}

// ControlConfig controls the local HTTP control surface.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:7420").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ControlConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /events streams stay open.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifyConfig controls job completion notifications.
type NotifyConfig struct {
	Enabled     bool   `json:"enabled"`
	QueueSize   int    `json:"queue_size"`
	RatePerSec  int    `json:"rate_per_sec"`
	RetryMax    int    `json:"retry_max"`
	DedupWindow string `json:"dedup_window"`
	// PersistDedup keeps dedup keys in the history store across restarts.
	PersistDedup bool           `json:"persist_dedup,omitempty"`
	Desktop      DesktopNotify  `json:"desktop"`
	Telegram     TelegramNotify `json:"telegram"`
}

// DesktopNotify runs Command with (title, body) arguments, notify-send style.
type DesktopNotify struct {
	Enabled bool   `json:"enabled"`
	Command string `json:"command,omitempty"`
}

type TelegramNotify struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// HistoryConfig controls the optional archive of finished jobs.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./mediaq_history.db" }
type HistoryConfig struct {
	Driver      string `json:"driver"` // none | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MediaConfig locates the external tools the built-in operations run.
type MediaConfig struct {
	FFmpeg    string `json:"ffmpeg"`
	Whisper   string `json:"whisper"`
	OutputDir string `json:"output_dir,omitempty"` // empty: next to the input
	Overwrite bool   `json:"overwrite,omitempty"`

	StretchFactor float64 `json:"stretch_factor,omitempty"` // time-stretch speed, default 0.5
	FrameAt       string  `json:"frame_at,omitempty"`       // capture-frame position, default 00:00:01
	WhisperModel  string  `json:"whisper_model,omitempty"`
}

// Defaults returns the configuration used for omitted fields.
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Path: "./mediaq.log"},
			Forward: LoggingForward{MinLevel: "warn", RatePerSec: 1},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 3,
			Retention:     "168h",
			PruneSchedule: "@every 1h",
		},
		Control: ControlConfig{
			Enabled:     true,
			Addr:        "127.0.0.1:7420",
			ReadTimeout: "10s",
			IdleTimeout: "60s",
		},
		Notify: NotifyConfig{
			Enabled:     true,
			QueueSize:   256,
			RatePerSec:  2,
			RetryMax:    2,
			DedupWindow: "30s",
			Desktop:     DesktopNotify{Enabled: true, Command: "notify-send"},
		},
		History: HistoryConfig{Driver: "none", Path: "./mediaq_history", BusyTimeout: "2s"},
		Media:   MediaConfig{FFmpeg: "ffmpeg", Whisper: "whisper"},
	}
}
