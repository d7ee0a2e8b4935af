package storage

import "errors"

var (
	// ErrNotFound is returned when a scheduled task row does not exist
	ErrNotFound = errors.New("scheduled task not found")
)
