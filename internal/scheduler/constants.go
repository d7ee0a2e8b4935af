package scheduler

import "time"

const (
	// defaultPollInterval is how often a distributed worker re-checks a task
	// it could not claim
	defaultPollInterval = 5 * time.Second

	// releaseTimeout bounds the release update, which runs detached from
	// the worker context so that shutdown mid-run still frees the claim
	releaseTimeout = 30 * time.Second

	// observerTimeout bounds run observers such as history writes
	observerTimeout = 5 * time.Second

	maxTaskIDLength = 255
)
