package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "mediaq/pkg/logx"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParsePruneSchedule turns a prune schedule into a cron spec robfig/cron accepts.
//
// Supported forms:
//   - cron: "0 3 * * *", "@hourly", "@every 30m"
//   - Go duration: "55m", "2h30m" (becomes "@every ...")
//   - HH:MM interval: "02:30" (every 2h30m)
//
// "off" (or "none", "disabled") returns "" with no error.
func ParsePruneSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "off", "none", "disabled":
		return "", nil
	case "":
		return "", fmt.Errorf("prune schedule required")
	}

	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		if _, err := cronParser.Parse(s); err != nil {
			return "", fmt.Errorf("invalid prune schedule %q: %w", raw, err)
		}
		return s, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return "", fmt.Errorf("invalid minutes in %q", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return "", fmt.Errorf("interval must be > 0")
		}
		return "@every " + d.String(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid prune schedule %q (use cron like '0 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	if d <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return "@every " + d.String(), nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// startCronLocked starts the retention trigger. Caller holds s.mu.
func (s *Service) startCronLocked(cfg Config) error {
	spec, err := ParsePruneSchedule(cfg.PruneSchedule)
	if err != nil {
		return err
	}
	if spec == "" {
		s.log.Info("prune trigger off")
		return nil
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		s.log.Warn("bad timezone; using local", logx.String("tz", cfg.Timezone), logx.Err(err))
		loc = time.Local
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.runPrune); err != nil {
		return fmt.Errorf("prune schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.log.Debug("prune trigger started", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) runPrune() {
	n, err := s.Prune()
	if err != nil {
		s.log.Debug("scheduled prune skipped", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Debug("scheduled prune done", logx.Int("removed", n))
	}
}
