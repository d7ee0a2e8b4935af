package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/model"
)

// LocalTaskWorker runs a task loop entirely inside this process
type LocalTaskWorker struct {
	workerBase
}

// newLocalTaskWorker creates a worker for a task that needs no coordination
// with other instances
func newLocalTaskWorker(taskID string, fn TaskFunc, settings *taskSettings, instanceID string, observer RunObserver, logger *zap.Logger) *LocalTaskWorker {
	return &LocalTaskWorker{
		workerBase: newWorkerBase(taskID, fn, settings, instanceID, observer, logger),
	}
}

// Start launches the worker loop and returns immediately. The loop stops for
// good once ctx is cancelled; nothing it does is reported back to the caller.
func (w *LocalTaskWorker) Start(ctx context.Context) {
	w.logger.Info("Task worker starting",
		zap.String("mode", string(model.RunModeLocal)),
		zap.Any("settings", w.settings.raw))

	go w.loop(ctx)
}

func (w *LocalTaskWorker) loop(ctx context.Context) {
	defer close(w.done)
	defer w.recoverLoop()

	if !sleep(ctx, w.settings.firstDelay(time.Now()), nil) {
		w.logger.Info("Task worker finished")
		return
	}

	for ctx.Err() == nil {
		run := w.execute(ctx, model.RunModeLocal, "")
		w.observe(ctx, run)

		if !w.waitUntilNext(ctx, run.Duration) {
			break
		}
	}

	w.logger.Info("Task worker finished")
}

// waitUntilNext sleeps until it is time to run the task again
func (w *LocalTaskWorker) waitUntilNext(ctx context.Context, lastRun time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}

	now := time.Now()
	delay := w.settings.cadence.Delay(now, lastRun)

	w.logger.Debug("Task will next occur",
		zap.Time("next_run", now.Add(delay)))

	return sleep(ctx, delay, nil)
}
