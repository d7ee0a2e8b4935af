package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/model"
)

// workerBase holds what local and distributed workers share: the task, its
// parsed settings and the single-run execution path
type workerBase struct {
	taskID     string
	fn         TaskFunc
	settings   *taskSettings
	instanceID string
	observer   RunObserver
	logger     *zap.Logger
	done       chan struct{}
}

func newWorkerBase(taskID string, fn TaskFunc, settings *taskSettings, instanceID string, observer RunObserver, logger *zap.Logger) workerBase {
	return workerBase{
		taskID:     taskID,
		fn:         fn,
		settings:   settings,
		instanceID: instanceID,
		observer:   observer,
		logger:     logger.Named("task-worker").With(zap.String("task_id", taskID)),
		done:       make(chan struct{}),
	}
}

// Done is closed when the worker loop has exited
func (w *workerBase) Done() <-chan struct{} {
	return w.done
}

// execute makes a single attempt at running the task. Failures of the task
// function end up in the returned run and never escape.
func (w *workerBase) execute(ctx context.Context, mode model.RunMode, ticket string) *model.TaskRun {
	run := &model.TaskRun{
		ID:         uuid.New().String(),
		TaskID:     w.taskID,
		Ticket:     ticket,
		InstanceID: w.instanceID,
		Mode:       mode,
		StartedAt:  time.Now(),
	}

	status, err := runTask(ctx, w.settings.timeout, w.fn)

	run.CompletedAt = time.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)
	run.Status = status
	if err != nil {
		run.Error = err.Error()
	}

	switch status {
	case model.RunStatusFailed:
		w.logger.Warn("Task run failed",
			zap.Duration("duration", run.Duration),
			zap.Error(err))
	case model.RunStatusTimedOut:
		w.logger.Warn("Task run timed out",
			zap.Duration("timeout", w.settings.timeout))
	default:
		w.logger.Debug("Task run finished",
			zap.String("status", string(status)),
			zap.Duration("duration", run.Duration))
	}

	return run
}

func (w *workerBase) observe(ctx context.Context, run *model.TaskRun) {
	if w.observer != nil {
		w.observer.ObserveRun(ctx, run)
	}
}

// recoverLoop ends a worker loop that panicked outside the task function. The
// loop is fire-and-forget, so the log line is the only trace of the failure.
func (w *workerBase) recoverLoop() {
	if r := recover(); r != nil {
		w.logger.Warn("Task worker failed unexpectedly", zap.Any("panic", r))
	}
}
