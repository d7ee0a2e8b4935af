package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/tss/internal/model"
)

// runTask runs fn once under a context that is cancelled when parent is
// cancelled or timeout elapses, and always once the run is over.
//
// fn runs on its own goroutine. runTask returns as soon as fn returns or the
// run context is done; a function that ignores cancellation keeps running in
// the background but no longer holds up the caller.
func runTask(parent context.Context, timeout time.Duration, fn TaskFunc) (model.RunStatus, error) {
	runCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		errCh <- fn(runCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return model.RunStatusFailed, err
		}
		return model.RunStatusCompleted, nil
	case <-runCtx.Done():
		if parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return model.RunStatusTimedOut, fmt.Errorf("task timed out after %s", timeout)
		}
		return model.RunStatusCanceled, runCtx.Err()
	}
}

// sleep waits for d and reports whether the caller should go on. It returns
// false as soon as ctx is done; a receive on wake ends the wait early.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return ctx.Err() == nil
	}
}
