package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/model"
	"github.com/t77yq/tss/internal/storage"
)

// TaskWorker runs a task loop that is coordinated with every other instance
// sharing the same TaskStore. Each run first claims the task row; an instance
// that loses the claim skips the run and checks again later.
//
// A process that dies between claim and release leaves the row claimed, and
// no instance will run the task again until the row is cleared by hand. Set
// reclaimAfter to let claims older than that be taken over instead.
type TaskWorker struct {
	workerBase
	store        storage.TaskStore
	pollInterval time.Duration
	reclaimAfter time.Duration
	wake         chan struct{}
}

func newTaskWorker(taskID string, fn TaskFunc, settings *taskSettings, store storage.TaskStore, opts *options, logger *zap.Logger) *TaskWorker {
	return &TaskWorker{
		workerBase:   newWorkerBase(taskID, fn, settings, opts.instanceID, opts.observer(), logger),
		store:        store,
		pollInterval: opts.pollInterval,
		reclaimAfter: opts.reclaimAfter,
		wake:         make(chan struct{}, 1),
	}
}

// Register creates the task row, or refreshes its settings if another
// instance already registered the same id
func (w *TaskWorker) Register(ctx context.Context) error {
	settings, err := w.settings.marshal()
	if err != nil {
		return err
	}

	startAt := time.Now().Add(w.settings.firstDelay(time.Now()))
	if err := w.store.UpsertTask(ctx, w.taskID, settings, startAt); err != nil {
		return fmt.Errorf("failed to register task %s: %w", w.taskID, err)
	}
	return nil
}

// Start launches the worker loop and returns immediately. The loop stops for
// good once ctx is cancelled or the store fails; neither is reported back to
// the caller.
func (w *TaskWorker) Start(ctx context.Context) {
	w.logger.Info("Task worker starting",
		zap.String("mode", string(model.RunModeDistributed)),
		zap.String("instance_id", w.instanceID),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Any("settings", w.settings.raw))

	go w.loop(ctx)
}

// Wake cuts the current poll sleep short
func (w *TaskWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *TaskWorker) loop(ctx context.Context) {
	defer close(w.done)
	defer w.recoverLoop()

	for ctx.Err() == nil {
		ran, delay, err := w.runOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("Task worker failed unexpectedly", zap.Error(err))
			return
		}

		wait := w.pollInterval
		if ran && delay < wait {
			wait = delay
		}
		if !sleep(ctx, wait, w.wake) {
			break
		}
	}

	w.logger.Info("Task worker finished")
}

// runOnce claims the task, runs it and releases it. ran is false if the claim
// was lost to another instance or the task is not due yet.
func (w *TaskWorker) runOnce(ctx context.Context) (ran bool, delay time.Duration, err error) {
	ticket := uuid.New().String()
	now := time.Now()

	var staleBefore time.Time
	if w.reclaimAfter > 0 {
		staleBefore = now.Add(-w.reclaimAfter)
	}

	claimed, err := w.store.ClaimTask(ctx, w.taskID, ticket, now, staleBefore)
	if err != nil {
		return false, 0, err
	}
	if !claimed {
		return false, 0, nil
	}

	run := w.execute(ctx, model.RunModeDistributed, ticket)

	finishedAt := time.Now()
	delay = w.settings.cadence.Delay(finishedAt, run.Duration)
	next := finishedAt.Add(delay)

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	released, err := w.store.ReleaseTask(releaseCtx, w.taskID, ticket, next)
	if err != nil {
		return true, delay, fmt.Errorf("failed to release task %s: %w", w.taskID, err)
	}
	if !released {
		w.logger.Warn("Task claim was taken over before release", zap.String("ticket", ticket))
	}

	w.logger.Debug("Task will next occur", zap.Time("next_run", next))

	w.observe(ctx, run)
	return true, delay, nil
}
