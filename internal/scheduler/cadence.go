package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sosodev/duration"
)

// cronParser accepts five-field expressions, six-field expressions with a
// leading seconds field and descriptors such as @hourly
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cadence decides when a recurring task runs next
type Cadence interface {
	// FirstDelay is the wait before the first run when no initial delay is set
	FirstDelay(now time.Time) time.Duration

	// Delay is the wait after a run that took lastRun and finished at now
	Delay(now time.Time, lastRun time.Duration) time.Duration

	// String returns the cadence as it was configured
	String() string
}

// ParseCadence parses an ISO-8601 duration (leading "P") or a cron expression
func ParseCadence(spec string) (Cadence, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: cadence is required", ErrInvalidSchedule)
	}

	if strings.HasPrefix(spec, "P") {
		every, err := parseISODuration(spec)
		if err != nil {
			return nil, err
		}
		if every <= 0 {
			return nil, fmt.Errorf("%w: interval %q must be positive", ErrInvalidSchedule, spec)
		}
		return intervalCadence{spec: spec, every: every}, nil
	}

	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidSchedule, spec, err)
	}
	return cronCadence{spec: spec, schedule: schedule}, nil
}

// Every renders d as an ISO-8601 duration usable as a task frequency
func Every(d time.Duration) string {
	return duration.FromTimeDuration(d).String()
}

func parseISODuration(s string) (time.Duration, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid ISO-8601 duration %q: %v", ErrInvalidSchedule, s, err)
	}
	return d.ToTimeDuration(), nil
}

type intervalCadence struct {
	spec  string
	every time.Duration
}

func (c intervalCadence) FirstDelay(time.Time) time.Duration {
	return 0
}

// Delay subtracts the run time from the interval, so a slow run is followed
// immediately by the next one instead of queueing extra runs
func (c intervalCadence) Delay(_ time.Time, lastRun time.Duration) time.Duration {
	return clampDelay(c.every - lastRun)
}

func (c intervalCadence) String() string {
	return c.spec
}

type cronCadence struct {
	spec     string
	schedule cron.Schedule
}

func (c cronCadence) FirstDelay(now time.Time) time.Duration {
	return c.Delay(now, 0)
}

func (c cronCadence) Delay(now time.Time, _ time.Duration) time.Duration {
	return clampDelay(c.schedule.Next(now).Sub(now))
}

func (c cronCadence) String() string {
	return c.spec
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
