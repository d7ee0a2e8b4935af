package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/tss/internal/model"
)

// taskSettings is model.TaskSettings with every field parsed
type taskSettings struct {
	raw             model.TaskSettings
	cadence         Cadence
	timeout         time.Duration
	initialDelay    time.Duration
	hasInitialDelay bool
}

func newTaskSettings(schedule TaskScheduleDefinition) model.TaskSettings {
	return model.TaskSettings{
		Version:              model.TaskSettingsVersion,
		Cadence:              strings.TrimSpace(schedule.Frequency),
		InitialDelayDuration: strings.TrimSpace(schedule.InitialDelay),
		TimeoutAfterDuration: strings.TrimSpace(schedule.Timeout),
	}
}

func parseTaskSettings(raw model.TaskSettings) (*taskSettings, error) {
	cadence, err := ParseCadence(raw.Cadence)
	if err != nil {
		return nil, err
	}

	if raw.TimeoutAfterDuration == "" {
		return nil, fmt.Errorf("%w: timeout is required", ErrInvalidSchedule)
	}
	timeout, err := parseISODuration(raw.TimeoutAfterDuration)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout %q must be positive", ErrInvalidSchedule, raw.TimeoutAfterDuration)
	}

	settings := &taskSettings{
		raw:     raw,
		cadence: cadence,
		timeout: timeout,
	}

	if raw.InitialDelayDuration != "" {
		delay, err := parseISODuration(raw.InitialDelayDuration)
		if err != nil {
			return nil, err
		}
		if delay < 0 {
			return nil, fmt.Errorf("%w: initial delay %q must not be negative", ErrInvalidSchedule, raw.InitialDelayDuration)
		}
		settings.initialDelay = delay
		settings.hasInitialDelay = true
	}

	return settings, nil
}

// firstDelay is the wait before the first run: the initial delay when one is
// configured, otherwise whatever the cadence says (zero for intervals, the
// next fire time for cron)
func (s *taskSettings) firstDelay(now time.Time) time.Duration {
	if s.hasInitialDelay {
		return s.initialDelay
	}
	return s.cadence.FirstDelay(now)
}

func (s *taskSettings) marshal() ([]byte, error) {
	data, err := json.Marshal(s.raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task settings: %w", err)
	}
	return data, nil
}
