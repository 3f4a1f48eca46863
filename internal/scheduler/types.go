package scheduler

import (
	"strings"
	"time"

	"mediaq/internal/runtime/supervisor"
)

const (
	DefaultMaxConcurrent = 3
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultPruneSchedule = "@every 1h"

	// Runs at least this long are logged at info level.
	slowJobThreshold = 750 * time.Millisecond
)

// Config controls dispatch and retention.
type Config struct {
	MaxConcurrent int
	Retention     time.Duration
	PruneSchedule string // cron spec, "@every 1h", "55m", "02:30"; "off" disables
	Timezone      string // IANA TZ for cron specs; empty means local
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if strings.TrimSpace(c.PruneSchedule) == "" {
		c.PruneSchedule = DefaultPruneSchedule
	}
	return c
}

// Snapshot is a point-in-time view for /stats style surfaces.
type Snapshot struct {
	Limit     int           `json:"limit"`
	Running   int           `json:"running"`
	Pending   int           `json:"pending"`
	Total     int           `json:"total"`
	Peak      int           `json:"peak_running"`
	Retention time.Duration `json:"retention"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Removed   uint64 `json:"removed"`
	Pruned    uint64 `json:"pruned"`

	LastPrune time.Time `json:"last_prune,omitzero"`
	NextPrune time.Time `json:"next_prune,omitzero"`

	Workers supervisor.Counters `json:"workers"`
}

type counters struct {
	submitted uint64
	completed uint64
	failed    uint64
	cancelled uint64
	removed   uint64
	pruned    uint64
}
