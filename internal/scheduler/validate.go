package scheduler

import (
	"fmt"
	"regexp"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// validateID checks that id is usable as a task id and as a row key
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: expected non-empty string", ErrInvalidTaskID)
	}
	if len(id) > maxTaskIDLength {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidTaskID, id, maxTaskIDLength)
	}
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q may only contain letters, digits and _ . : -", ErrInvalidTaskID, id)
	}
	return nil
}
