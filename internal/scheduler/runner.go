package scheduler

import "context"

type taskRunner struct {
	schedule   TaskScheduleDefinition
	scheduleFn func(ctx context.Context, task TaskDefinition) error
}

// Run schedules task with the bound schedule
func (r *taskRunner) Run(ctx context.Context, task TaskInvocationDefinition) error {
	return r.scheduleFn(ctx, TaskDefinition{
		TaskScheduleDefinition:   r.schedule,
		TaskInvocationDefinition: task,
	})
}
