package scheduler

import (
	"os"
	"time"

	"github.com/google/uuid"
)

type options struct {
	pollInterval time.Duration
	reclaimAfter time.Duration
	instanceID   string
	observers    observers
	notifier     TriggerNotifier
}

// Option configures a TaskScheduler
type Option func(*options)

// WithPollInterval sets how often distributed workers re-check a task they
// could not claim
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithReclaimAfter lets a distributed worker take over a claim older than d,
// recovering tasks left claimed by a crashed instance. Zero, the default,
// never takes over a claim. d must comfortably exceed the longest task
// timeout or two instances may run the same task at once.
func WithReclaimAfter(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.reclaimAfter = d
		}
	}
}

// WithInstanceID names this process in run records and logs
func WithInstanceID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.instanceID = id
		}
	}
}

// WithRunObserver adds an observer that is told about every finished run
func WithRunObserver(observer RunObserver) Option {
	return func(o *options) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithTriggerNotifier broadcasts out-of-band triggers to other instances and
// wakes local workers when they announce one
func WithTriggerNotifier(notifier TriggerNotifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

func defaultOptions() *options {
	return &options{
		pollInterval: defaultPollInterval,
		instanceID:   DefaultInstanceID(),
	}
}

func (o *options) observer() RunObserver {
	if len(o.observers) == 0 {
		return nil
	}
	return o.observers
}

// DefaultInstanceID names an instance after its host with a random suffix
func DefaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return host + "-" + uuid.New().String()[:8]
}
