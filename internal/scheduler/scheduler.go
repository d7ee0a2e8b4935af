package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/storage"
)

// TaskFunc is the work a task performs. ctx is cancelled when the run times
// out or the task is stopped; the function is expected to honor it.
type TaskFunc func(ctx context.Context) error

// TaskScheduleDefinition describes when a task runs
type TaskScheduleDefinition struct {
	// Frequency is a cron expression ("*/5 * * * *", six fields for seconds)
	// or an ISO-8601 duration ("PT30M")
	Frequency string

	// Timeout bounds a single run, as an ISO-8601 duration. Required.
	Timeout string

	// InitialDelay is an optional ISO-8601 duration before the first run
	InitialDelay string
}

// TaskInvocationDefinition describes what a task does
type TaskInvocationDefinition struct {
	ID string
	Fn TaskFunc

	// Signal stops the task for good once it is done. Optional.
	Signal context.Context
}

// TaskDefinition is everything needed to schedule a task
type TaskDefinition struct {
	TaskScheduleDefinition
	TaskInvocationDefinition
}

// TaskRunner schedules task bodies with a cadence bound up front
type TaskRunner interface {
	Run(ctx context.Context, task TaskInvocationDefinition) error
}

// TriggerNotifier spreads out-of-band triggers between instances
type TriggerNotifier interface {
	// NotifyTriggered announces that id was made due
	NotifyTriggered(ctx context.Context, id string) error

	// SubscribeTriggers calls handler for every announced trigger until the
	// returned function is called
	SubscribeTriggers(handler func(id string)) (func(), error)
}

// Scheduler defines the interface for task schedulers
type Scheduler interface {
	// ScheduleTask starts a task that runs on at most one instance at a time
	ScheduleTask(ctx context.Context, task TaskDefinition) error

	// ScheduleLocalTask starts a task that runs in this process only
	ScheduleLocalTask(ctx context.Context, task TaskDefinition) error

	// TriggerTask makes a distributed task due immediately
	TriggerTask(ctx context.Context, id string) error

	// CreateScheduledTaskRunner binds schedule for distributed tasks
	CreateScheduledTaskRunner(schedule TaskScheduleDefinition) TaskRunner

	// CreateScheduledLocalTaskRunner binds schedule for local tasks
	CreateScheduledLocalTaskRunner(schedule TaskScheduleDefinition) TaskRunner

	// Stop stops every task loop started by the scheduler
	Stop()
}

type stoppableWorker interface {
	Done() <-chan struct{}
}

// TaskScheduler implements Scheduler. Distributed tasks are coordinated
// through store, which may be nil for a scheduler that only runs local tasks.
type TaskScheduler struct {
	logger *zap.Logger
	store  storage.TaskStore
	opts   *options

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     []stoppableWorker
	tasks       map[string][]*TaskWorker
	unsubscribe func()
}

var _ Scheduler = (*TaskScheduler)(nil)

// New creates a scheduler
func New(store storage.TaskStore, logger *zap.Logger, opts ...Option) (*TaskScheduler, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TaskScheduler{
		logger: logger.Named("scheduler"),
		store:  store,
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string][]*TaskWorker),
	}

	if o.notifier != nil {
		unsubscribe, err := o.notifier.SubscribeTriggers(s.wakeTask)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to subscribe to task triggers: %w", err)
		}
		s.unsubscribe = unsubscribe
	}

	s.logger.Info("Scheduler created",
		zap.String("instance_id", o.instanceID),
		zap.Duration("poll_interval", o.pollInterval),
		zap.Duration("reclaim_after", o.reclaimAfter))

	return s, nil
}

// InstanceID returns the name this scheduler uses in run records
func (s *TaskScheduler) InstanceID() string {
	return s.opts.instanceID
}

// ScheduleTask implements Scheduler.ScheduleTask. Registering an id that
// another instance already registered is not an error; both instances poll
// the same row and only one runs each occurrence.
func (s *TaskScheduler) ScheduleTask(ctx context.Context, task TaskDefinition) error {
	if s.store == nil {
		return ErrStoreUnavailable
	}
	settings, err := s.prepare(task)
	if err != nil {
		return err
	}

	worker := newTaskWorker(task.ID, task.Fn, settings, s.store, s.opts, s.logger)
	if err := worker.Register(ctx); err != nil {
		return err
	}

	loopCtx, release, err := s.track(task.Signal, worker)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tasks[task.ID] = append(s.tasks[task.ID], worker)
	s.mu.Unlock()

	worker.Start(loopCtx)
	go func() {
		<-worker.Done()
		release()
	}()
	return nil
}

// ScheduleLocalTask implements Scheduler.ScheduleLocalTask
func (s *TaskScheduler) ScheduleLocalTask(ctx context.Context, task TaskDefinition) error {
	settings, err := s.prepare(task)
	if err != nil {
		return err
	}

	worker := newLocalTaskWorker(task.ID, task.Fn, settings, s.opts.instanceID, s.opts.observer(), s.logger)
	loopCtx, release, err := s.track(task.Signal, worker)
	if err != nil {
		return err
	}

	worker.Start(loopCtx)
	go func() {
		<-worker.Done()
		release()
	}()
	return nil
}

// TriggerTask implements Scheduler.TriggerTask. It fails with ErrTaskNotFound
// for an unknown id and with ErrTaskConflict while the task is running; it is
// up to the caller to retry.
func (s *TaskScheduler) TriggerTask(ctx context.Context, id string) error {
	if s.store == nil {
		return ErrStoreUnavailable
	}

	exists, err := s.store.TaskExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: task %s does not exist", ErrTaskNotFound, id)
	}

	triggered, err := s.store.TriggerTask(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if !triggered {
		return fmt.Errorf("%w: task %s", ErrTaskConflict, id)
	}

	s.logger.Info("Task triggered", zap.String("task_id", id))
	s.wakeTask(id)

	if s.opts.notifier != nil {
		if err := s.opts.notifier.NotifyTriggered(ctx, id); err != nil {
			s.logger.Error("Failed to announce task trigger",
				zap.String("task_id", id),
				zap.Error(err))
		}
	}
	return nil
}

// CreateScheduledTaskRunner implements Scheduler.CreateScheduledTaskRunner
func (s *TaskScheduler) CreateScheduledTaskRunner(schedule TaskScheduleDefinition) TaskRunner {
	return &taskRunner{schedule: schedule, scheduleFn: s.ScheduleTask}
}

// CreateScheduledLocalTaskRunner implements Scheduler.CreateScheduledLocalTaskRunner
func (s *TaskScheduler) CreateScheduledLocalTaskRunner(schedule TaskScheduleDefinition) TaskRunner {
	return &taskRunner{schedule: schedule, scheduleFn: s.ScheduleLocalTask}
}

// Stop cancels every task loop and waits for the loops to exit. Runs that are
// in flight are cancelled too; distributed runs still release their claim.
func (s *TaskScheduler) Stop() {
	s.cancel()

	s.mu.Lock()
	workers := s.workers
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, worker := range workers {
		<-worker.Done()
	}

	s.logger.Info("Scheduler stopped", zap.Int("workers", len(workers)))
}

func (s *TaskScheduler) prepare(task TaskDefinition) (*taskSettings, error) {
	if s.ctx.Err() != nil {
		return nil, ErrSchedulerStopped
	}
	if err := validateID(task.ID); err != nil {
		return nil, err
	}
	if task.Fn == nil {
		return nil, fmt.Errorf("%w: task %s", ErrMissingTaskFunc, task.ID)
	}

	settings, err := parseTaskSettings(newTaskSettings(task.TaskScheduleDefinition))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	return settings, nil
}

// track derives the loop context of a worker from the task signal and the
// scheduler lifetime, and remembers the worker for Stop
func (s *TaskScheduler) track(signal context.Context, worker stoppableWorker) (context.Context, func(), error) {
	if signal == nil {
		signal = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, nil, ErrSchedulerStopped
	}

	ctx, cancel := context.WithCancel(signal)
	stop := context.AfterFunc(s.ctx, cancel)
	s.workers = append(s.workers, worker)

	return ctx, func() {
		stop()
		cancel()
	}, nil
}

func (s *TaskScheduler) wakeTask(id string) {
	s.mu.Lock()
	workers := s.tasks[id]
	s.mu.Unlock()

	for _, worker := range workers {
		worker.Wake()
	}
}
