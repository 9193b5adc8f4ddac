package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cadence decides when a repeating event runs next.
type cadence interface {
	next(now, lastRun time.Time) time.Time
	// period is the nominal gap between runs, used by the runaway guard and
	// the recovery sweep.
	period() time.Duration
	String() string
}

// intervalCadence runs every `every`, letting a late event catch up by at
// most slack.
type intervalCadence struct {
	every time.Duration
	slack time.Duration
}

func (c intervalCadence) next(now, lastRun time.Time) time.Time {
	t := lastRun.Add(c.every)
	if floor := now.Add(c.every - c.slack); floor.After(t) {
		return floor
	}
	return t
}

func (c intervalCadence) period() time.Duration { return c.every }
func (c intervalCadence) String() string        { return "every " + c.every.String() }

type cronCadence struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
	every time.Duration
}

func (c cronCadence) next(now, _ time.Time) time.Time {
	return c.sched.Next(now.In(c.loc))
}

func (c cronCadence) period() time.Duration { return c.every }
func (c cronCadence) String() string        { return "cron " + c.expr }

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// parseCadence understands:
//   - Go durations: "55m", "2h30m"
//   - HH:MM intervals: "02:30" (2 hours 30 minutes)
//   - cron: "*/5 * * * *", "@hourly", "@every 10s"
//
// "cron:" forces cron parsing, "every:" or "interval:" forces an interval.
func parseCadence(raw string, slack time.Duration, loc *time.Location, now time.Time) (cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]), loc, now)
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]), slack)
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]), slack)
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s, loc, now)
	default:
		return parseInterval(s, slack)
	}
}

func parseInterval(v string, slack time.Duration) (cadence, error) {
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", v)
		}
	}
	if d <= 0 {
		return nil, ErrInvalidInterval
	}
	return intervalCadence{every: d, slack: slack}, nil
}

func parseCron(expr string, loc *time.Location, now time.Time) (cadence, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	first := sched.Next(now.In(loc))
	if first.IsZero() {
		return nil, fmt.Errorf("cron %q never fires", expr)
	}
	every := sched.Next(first).Sub(first)
	if every <= 0 {
		return nil, fmt.Errorf("cron %q never fires", expr)
	}
	return cronCadence{expr: expr, sched: sched, loc: loc, every: every}, nil
}
