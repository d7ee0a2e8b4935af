package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/model"
	"github.com/t77yq/tss/internal/storage"
)

// RunObserver is told about every task run once it is over
type RunObserver interface {
	ObserveRun(ctx context.Context, run *model.TaskRun)
}

type observers []RunObserver

func (o observers) ObserveRun(ctx context.Context, run *model.TaskRun) {
	for _, observer := range o {
		observer.ObserveRun(ctx, run)
	}
}

// HistoryObserver stores every run in a TaskHistoryStorage
type HistoryObserver struct {
	history storage.TaskHistoryStorage
	logger  *zap.Logger
}

// NewHistoryObserver creates a run observer backed by history
func NewHistoryObserver(history storage.TaskHistoryStorage, logger *zap.Logger) *HistoryObserver {
	return &HistoryObserver{
		history: history,
		logger:  logger.Named("task-history"),
	}
}

// ObserveRun implements RunObserver
func (o *HistoryObserver) ObserveRun(ctx context.Context, run *model.TaskRun) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), observerTimeout)
	defer cancel()

	if err := o.history.Store(ctx, run); err != nil {
		o.logger.Error("Failed to store task history",
			zap.String("task_id", run.TaskID),
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}
