package controlloop

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var defaultParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a trigger schedule.
//
// Supported forms:
//   - Go duration: "2h", "30m" (fixed interval, same as "@every 2h")
//   - Cron expression with optional seconds field: "0 8 * * *", "*/10 * * * * *"
//   - Descriptor: "@daily", "@hourly", "@every 90m"
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}

	if !strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, "@") {
		d, err := time.ParseDuration(s)
		if err == nil {
			if d < time.Second {
				return nil, fmt.Errorf("interval must be at least 1s, got %s", d)
			}
			return cron.Every(d), nil
		}
	}

	sched, err := defaultParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use cron like '0 8 * * *' or duration like '2h'): %w", raw, err)
	}
	return sched, nil
}
